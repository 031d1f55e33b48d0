package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/arbiter/internal/clock"
	"github.com/smallbiznis/arbiter/internal/providers/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProvider struct {
	role  string
	out   string
	err   error
	delay time.Duration
}

func (f *fakeProvider) Role() string  { return f.role }
func (f *fakeProvider) Model() string { return "fake-" + f.role }

func (f *fakeProvider) Complete(ctx context.Context, req llm.Request) (string, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return f.out, f.err
}

func newTestOrchestrator(providers ...*fakeProvider) *Orchestrator {
	panel := make(llm.Panel, 0, len(providers))
	for _, p := range providers {
		panel = append(panel, p)
	}
	return NewOrchestrator(panel, clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)), zap.NewNop(), nil)
}

func testCase() CaseContext {
	return CaseContext{DisputeID: "1", BookingID: "b1", Reason: "no_show", AmountMinor: 10000, Currency: "USD"}
}

var settings = Settings{ModelTimeout: time.Second, ToleranceBps: 1000}

func TestGenerateOptionsAllModelsSucceed(t *testing.T) {
	o := newTestOrchestrator(
		&fakeProvider{role: "policy", out: `{"proposals":[{"title":"Half","customer_refund_percent":50,"rationale":"split","key_factors":["late"]}]}`},
		&fakeProvider{role: "reasoning", out: "```json\n{\"proposals\":[{\"title\":\"Most\",\"customer_refund_percent\":55}]}\n```"},
		&fakeProvider{role: "context", out: `Sure. {"proposals":[{"title":"Full","customer_refund_percent":100}]}`},
	)

	res, err := o.GenerateOptions(context.Background(), testCase(), settings)
	require.NoError(t, err)
	require.Len(t, res.Options, 3)
	assert.Equal(t, 3, res.Log.SuccessCount)
	assert.Equal(t, StageOptions, res.Log.Stage)
	assert.Equal(t, AggregationCluster, res.Log.AggregationMethod)
	assert.NotEmpty(t, res.Log.RunID)

	recommended := 0
	for _, opt := range res.Options {
		if opt.Recommended {
			recommended++
			assert.Equal(t, 5250, opt.RefundBps)
		}
	}
	assert.Equal(t, 1, recommended)
}

func TestGenerateOptionsOneOfThreeSucceeds(t *testing.T) {
	o := newTestOrchestrator(
		&fakeProvider{role: "policy", err: errors.New("boom")},
		&fakeProvider{role: "reasoning", out: `{"proposals":[{"title":"Most","customer_refund_percent":70}]}`},
		&fakeProvider{role: "context", out: "I cannot answer"},
	)

	res, err := o.GenerateOptions(context.Background(), testCase(), settings)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Log.SuccessCount)
	require.Len(t, res.Log.Runs, 3)
	assert.Equal(t, RunStatusFailed, res.Log.Runs[0].Status)
	assert.Equal(t, RunStatusOK, res.Log.Runs[1].Status)
	assert.Equal(t, RunStatusInvalid, res.Log.Runs[2].Status)
	require.Len(t, res.Options, 3)
	assert.Equal(t, 7000, res.Options[2].RefundBps)
	assert.True(t, res.Options[2].Recommended)
	assert.True(t, res.Options[0].Synthesized)
}

func TestGenerateOptionsNoModelSucceeds(t *testing.T) {
	o := newTestOrchestrator(
		&fakeProvider{role: "policy", err: errors.New("down")},
		&fakeProvider{role: "reasoning", err: errors.New("down")},
		&fakeProvider{role: "context", out: `{"proposals":[{"customer_refund_percent":140}]}`},
	)

	res, err := o.GenerateOptions(context.Background(), testCase(), settings)
	require.ErrorIs(t, err, ErrNoModelSucceeded)
	assert.Empty(t, res.Options)
	assert.Equal(t, 0, res.Log.SuccessCount)

	entries, err := DecodeTranscript(res.Log.Transcript)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "down", entries[0].Error)
}

func TestGenerateOptionsPerModelTimeout(t *testing.T) {
	slow := &fakeProvider{role: "policy", delay: time.Second, out: `{"proposals":[{"customer_refund_percent":10}]}`}
	o := newTestOrchestrator(
		slow,
		&fakeProvider{role: "reasoning", out: `{"proposals":[{"customer_refund_percent":40}]}`},
		&fakeProvider{role: "context", out: `{"proposals":[{"customer_refund_percent":45}]}`},
	)

	start := time.Now()
	res, err := o.GenerateOptions(context.Background(), testCase(), Settings{ModelTimeout: 30 * time.Millisecond, ToleranceBps: 1000})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, RunStatusTimeout, res.Log.Runs[0].Status)
	assert.Equal(t, 2, res.Log.SuccessCount)
}

// stuckProvider ignores its context until release is closed.
type stuckProvider struct {
	release chan struct{}
}

func (p *stuckProvider) Role() string  { return "policy" }
func (p *stuckProvider) Model() string { return "stuck" }

func (p *stuckProvider) Complete(context.Context, llm.Request) (string, error) {
	<-p.release
	return `{"proposals":[{"customer_refund_percent":10}]}`, nil
}

func TestGenerateOptionsBoundsProviderIgnoringContext(t *testing.T) {
	stuck := &stuckProvider{release: make(chan struct{})}
	t.Cleanup(func() { close(stuck.release) })
	o := NewOrchestrator(llm.Panel{
		stuck,
		&fakeProvider{role: "reasoning", out: `{"proposals":[{"customer_refund_percent":40}]}`},
		&fakeProvider{role: "context", out: `{"proposals":[{"customer_refund_percent":45}]}`},
	}, clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)), zap.NewNop(), nil)

	start := time.Now()
	res, err := o.GenerateOptions(context.Background(), testCase(), Settings{ModelTimeout: 30 * time.Millisecond, ToleranceBps: 1000})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, RunStatusTimeout, res.Log.Runs[0].Status)
	assert.Equal(t, 2, res.Log.SuccessCount)
}

func TestGenerateVerdictTakesMedian(t *testing.T) {
	o := newTestOrchestrator(
		&fakeProvider{role: "policy", out: `{"customer_refund_percent":30,"summary":"low","reasoning":"r1"}`},
		&fakeProvider{role: "reasoning", out: `{"customer_refund_percent":50,"summary":"middle","reasoning":"r2","key_factors":["no show"]}`},
		&fakeProvider{role: "context", out: `{"customer_refund_percent":60,"vendor_payment_percent":35,"summary":"high","reasoning":"r3"}`},
	)

	res, err := o.GenerateVerdict(context.Background(), testCase(), settings)
	require.NoError(t, err)
	assert.Equal(t, 5000, res.Verdict.RefundBps)
	assert.Equal(t, 3500, res.Verdict.VendorBps)
	assert.Equal(t, "middle", res.Verdict.Summary)
	assert.Contains(t, res.Verdict.FullReasoning, "r1")
	assert.Contains(t, res.Verdict.FullReasoning, "r3")
	assert.Equal(t, []string{"no show"}, res.Verdict.KeyFactors)
	assert.Equal(t, AggregationMedian, res.Log.AggregationMethod)
}

func TestGenerateVerdictEvenCountRoundsHalfUp(t *testing.T) {
	o := newTestOrchestrator(
		&fakeProvider{role: "policy", out: `{"customer_refund_percent":33.33}`},
		&fakeProvider{role: "reasoning", out: `{"customer_refund_percent":33.34}`},
		&fakeProvider{role: "context", err: context.DeadlineExceeded},
	)

	res, err := o.GenerateVerdict(context.Background(), testCase(), settings)
	require.NoError(t, err)
	assert.Equal(t, 3334, res.Verdict.RefundBps)
	assert.Equal(t, 10000-3334, res.Verdict.VendorBps)
	assert.Contains(t, res.Verdict.FullReasoning, "[context/fake-context] timeout")
}

func TestGenerateVerdictNoModelSucceeds(t *testing.T) {
	o := newTestOrchestrator(
		&fakeProvider{role: "policy", err: errors.New("x")},
		&fakeProvider{role: "reasoning", err: errors.New("y")},
		&fakeProvider{role: "context", err: errors.New("z")},
	)

	res, err := o.GenerateVerdict(context.Background(), testCase(), settings)
	require.ErrorIs(t, err, ErrNoModelSucceeded)
	assert.Equal(t, 0, res.Log.SuccessCount)
	assert.Len(t, res.Log.Runs, 3)
}

func TestGenerateWithoutProviders(t *testing.T) {
	o := newTestOrchestrator()
	_, err := o.GenerateOptions(context.Background(), testCase(), settings)
	require.ErrorIs(t, err, ErrNoProviders)
}
