// Package metricspush ships the scheduler's Prometheus metrics to a remote
// endpoint. The scheduler has no HTTP listener, so nothing scrapes it.
package metricspush

import (
	"context"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/smallbiznis/arbiter/internal/config"
	"go.uber.org/zap"
)

const (
	ExporterRemoteWrite = "prometheus_remote_write"
	ExporterPushgateway = "prometheus_pushgateway"
)

type Pusher interface {
	Push(ctx context.Context, gatherer prometheus.Gatherer) error
}

// NewPusher returns nil when pushing is off or cannot work with the given
// settings. A bad setting is logged and the scheduler runs without pushing.
func NewPusher(cfg config.Config, logger *zap.Logger) Pusher {
	pc := cfg.MetricsPush
	if !pc.Enabled {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("metricspush").With(zap.String("exporter", pc.Exporter))

	endpoint := strings.TrimSpace(pc.Endpoint)
	if endpoint == "" {
		log.Warn("metrics push disabled: no endpoint")
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(pc.Exporter)) {
	case ExporterRemoteWrite:
		if _, err := url.ParseRequestURI(endpoint); err != nil {
			log.Warn("metrics push disabled: bad endpoint", zap.Error(err))
			return nil
		}
		return NewRemoteWritePusher(endpoint, pc.AuthToken)
	case ExporterPushgateway:
		grouping := map[string]string{}
		if env := strings.TrimSpace(cfg.Environment); env != "" {
			grouping["environment"] = env
		}
		return NewPushgatewayPusher(endpoint, cfg.AppName+"-scheduler", grouping)
	}
	log.Warn("metrics push disabled: unknown exporter")
	return nil
}

// PushgatewayPusher replaces the scheduler's group on each push, so the
// gateway always holds the latest snapshot, histograms included.
type PushgatewayPusher struct {
	endpoint string
	job      string
	grouping map[string]string
}

func NewPushgatewayPusher(endpoint, job string, grouping map[string]string) *PushgatewayPusher {
	return &PushgatewayPusher{endpoint: endpoint, job: strings.TrimSpace(job), grouping: grouping}
}

func (p *PushgatewayPusher) Push(ctx context.Context, gatherer prometheus.Gatherer) error {
	if p == nil || gatherer == nil {
		return nil
	}
	req := push.New(p.endpoint, p.job).Gatherer(gatherer)
	for name, value := range p.grouping {
		req = req.Grouping(name, value)
	}
	return req.PushContext(ctx)
}
