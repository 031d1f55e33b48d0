package metrics

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config selects the OTLP exporter for the dispute instruments.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics holds the OTel counters for dispute lifecycle events. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	disputesOpened   metric.Int64Counter
	phaseTransitions metric.Int64Counter
	modelCalls       metric.Int64Counter
	generations      metric.Int64Counter
	settlements      metric.Int64Counter
	ledgerEntries    metric.Int64Counter
}

// exportInterval is how often the periodic reader pushes to the collector.
const exportInterval = 10 * time.Second

// NewProvider installs the global meter provider. With OTel disabled it is
// a noop and every instrument records nothing.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		noopProvider := noop.NewMeterProvider()
		otel.SetMeterProvider(noopProvider)
		return noopProvider, nil
	}
	if log == nil {
		log = zap.NewNop()
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName(cfg)),
			attribute.String("deployment.environment", cfg.Environment),
		)),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(provider)
	log.Info("otel metrics enabled",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)

	if lc != nil {
		lc.Append(fx.StopHook(func(ctx context.Context) error {
			// flushes the last interval before exit
			return provider.Shutdown(ctx)
		}))
	}
	return provider, nil
}

func serviceName(cfg Config) string {
	if name := strings.TrimSpace(cfg.ServiceName); name != "" {
		return name
	}
	return "arbiter"
}

// New creates the dispute instruments on the configured meter provider.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(serviceName(cfg))

	m := &Metrics{}
	instruments := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.disputesOpened, "arbiter_disputes_opened_total", "Disputes opened by reason."},
		{&m.phaseTransitions, "arbiter_phase_transitions_total", "Phase transitions by edge and event."},
		{&m.modelCalls, "arbiter_model_calls_total", "Model invocations by stage, role and outcome."},
		{&m.generations, "arbiter_consensus_generations_total", "Option and verdict generations by outcome."},
		{&m.settlements, "arbiter_settlements_total", "Settlement attempts by source and outcome."},
		{&m.ledgerEntries, "arbiter_ledger_entries_total", "Escrow ledger entries written by source."},
	}
	for _, inst := range instruments {
		counter, err := meter.Int64Counter(inst.name, metric.WithDescription(inst.desc))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", inst.name, err)
		}
		*inst.dst = counter
	}
	return m, nil
}

func (m *Metrics) add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attrs...)...))
}

func label(key, value string) attribute.KeyValue {
	return attribute.String(key, strings.TrimSpace(value))
}

func (m *Metrics) RecordDisputeOpened(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.add(ctx, m.disputesOpened, label("reason", reason))
}

// RecordPhaseTransition counts one edge of the phase machine; event is the
// trigger (party escalation, deadline sweep, acceptance, settlement).
func (m *Metrics) RecordPhaseTransition(ctx context.Context, from, to, event string) {
	if m == nil {
		return
	}
	m.add(ctx, m.phaseTransitions, label("from_phase", from), label("to_phase", to), label("event_type", event))
}

func (m *Metrics) RecordModelCall(ctx context.Context, stage, role, status string) {
	if m == nil {
		return
	}
	m.add(ctx, m.modelCalls, label("stage", stage), label("model_role", role), label("status", status))
}

func (m *Metrics) RecordGeneration(ctx context.Context, stage, status string) {
	if m == nil {
		return
	}
	m.add(ctx, m.generations, label("stage", stage), label("status", status))
}

func (m *Metrics) RecordSettlement(ctx context.Context, source, status string) {
	if m == nil {
		return
	}
	m.add(ctx, m.settlements, label("source_type", source), label("status", status))
}

func (m *Metrics) RecordLedgerEntry(ctx context.Context, sourceType string) {
	if m == nil {
		return
	}
	m.add(ctx, m.ledgerEntries, label("source_type", sourceType))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	ctx := context.Background()
	switch p := strings.ToLower(strings.TrimSpace(protocol)); p {
	case "http", "http/protobuf":
		var opts []otlpmetrichttp.Option
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(ctx, opts...)
	case "", "grpc", "grpc/protobuf":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown OTLP protocol %q", p)
	}
}

// lowCardinalityKeys are the only attribute keys instruments may carry.
// Dispute, booking and user ids are never among them.
var lowCardinalityKeys = []attribute.Key{
	"reason",
	"from_phase",
	"to_phase",
	"event_type",
	"stage",
	"model_role",
	"status",
	"status_code",
	"source_type",
	"provider",
}

// FilterAttributes keeps only the low-cardinality keys, in input order.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	kept := attrs[:0:0]
	for _, kv := range attrs {
		if slices.Contains(lowCardinalityKeys, kv.Key) {
			kept = append(kept, kv)
		}
	}
	return kept
}
