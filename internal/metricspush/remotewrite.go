package metricspush

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	obstracing "github.com/smallbiznis/arbiter/internal/observability/tracing"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

const remoteWriteTimeout = 5 * time.Second

// RemoteWritePusher posts snapshots in the Prometheus remote_write 0.1.0
// format.
type RemoteWritePusher struct {
	endpoint  string
	authToken string
	client    *http.Client
}

func NewRemoteWritePusher(endpoint, authToken string) *RemoteWritePusher {
	return &RemoteWritePusher{
		endpoint:  endpoint,
		authToken: strings.TrimSpace(authToken),
		client:    obstracing.WrapHTTPClient(&http.Client{Timeout: remoteWriteTimeout}, "metrics_push"),
	}
}

func (p *RemoteWritePusher) Push(ctx context.Context, gatherer prometheus.Gatherer) error {
	if p == nil || gatherer == nil {
		return nil
	}
	families, err := gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather: %w", err)
	}
	series := toTimeSeries(families, time.Now().UnixMilli())
	if len(series) == 0 {
		return nil
	}
	raw, err := proto.Marshal(protoadapt.MessageV2Of(&prompb.WriteRequest{Timeseries: series}))
	if err != nil {
		return fmt.Errorf("encode write request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(snappy.Encode(nil, raw)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("remote write %s: %s", p.endpoint, resp.Status)
	}
	return nil
}

// toTimeSeries turns each counter and gauge into one sample. Histograms
// contribute their _count and _sum; buckets and summaries are left to the
// Pushgateway.
func toTimeSeries(families []*dto.MetricFamily, ts int64) []prompb.TimeSeries {
	var out []prompb.TimeSeries
	add := func(name string, m *dto.Metric, v float64) {
		out = append(out, prompb.TimeSeries{
			Labels:  seriesLabels(name, m.GetLabel()),
			Samples: []prompb.Sample{{Value: v, Timestamp: ts}},
		})
	}
	for _, fam := range families {
		name := fam.GetName()
		for _, m := range fam.GetMetric() {
			switch {
			case fam.GetType() == dto.MetricType_COUNTER && m.Counter != nil:
				add(name, m, m.Counter.GetValue())
			case fam.GetType() == dto.MetricType_GAUGE && m.Gauge != nil:
				add(name, m, m.Gauge.GetValue())
			case fam.GetType() == dto.MetricType_HISTOGRAM && m.Histogram != nil:
				add(name+"_count", m, float64(m.Histogram.GetSampleCount()))
				add(name+"_sum", m, m.Histogram.GetSampleSum())
			}
		}
	}
	return out
}

// seriesLabels returns labels sorted by name with __name__ included, as
// remote_write receivers expect.
func seriesLabels(name string, pairs []*dto.LabelPair) []prompb.Label {
	labels := make([]prompb.Label, 0, len(pairs)+1)
	labels = append(labels, prompb.Label{Name: "__name__", Value: name})
	for _, lp := range pairs {
		labels = append(labels, prompb.Label{Name: lp.GetName(), Value: lp.GetValue()})
	}
	slices.SortFunc(labels, func(a, b prompb.Label) int { return cmp.Compare(a.Name, b.Name) })
	return labels
}
