// Package consensus fans a dispute out to the specialist models and merges
// their answers into resolution options or a binding verdict.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/arbiter/internal/clock"
	obsmetrics "github.com/smallbiznis/arbiter/internal/observability/metrics"
	"github.com/smallbiznis/arbiter/internal/providers/llm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Settings are read from the dispute policy on every generation.
type Settings struct {
	ModelTimeout time.Duration
	ToleranceBps int
}

type Orchestrator struct {
	panel   llm.Panel
	clock   clock.Clock
	log     *zap.Logger
	prom    *obsmetrics.ConsensusMetrics
	metrics *obsmetrics.Metrics
}

type Params struct {
	fx.In

	Panel   llm.Panel
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func New(p Params) *Orchestrator {
	return NewOrchestrator(p.Panel, p.Clock, p.Log, p.Metrics)
}

func NewOrchestrator(panel llm.Panel, clk clock.Clock, log *zap.Logger, m *obsmetrics.Metrics) *Orchestrator {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		panel:   panel,
		clock:   clk,
		log:     log.Named("consensus"),
		prom:    obsmetrics.Consensus(),
		metrics: m,
	}
}

type reply struct {
	role    string
	model   string
	output  string
	err     error
	latency time.Duration
}

// GenerateOptions asks every specialist for proposals and clusters them into
// options A, B and C. The returned Log is populated even when err is non-nil.
func (o *Orchestrator) GenerateOptions(ctx context.Context, in CaseContext, s Settings) (OptionsResult, error) {
	started := o.clock.Now()
	replies, err := o.fanOut(ctx, StageOptions, in, s.ModelTimeout)
	if err != nil {
		return OptionsResult{}, err
	}

	var cands []candidate
	runs := make([]ModelRun, 0, len(replies))
	transcript := make([]TranscriptEntry, 0, len(replies))
	for _, r := range replies {
		run := o.runFromReply(r)
		if r.err == nil {
			parsed, perr := parseProposals(r.role, r.output)
			if perr != nil {
				run.Status = RunStatusInvalid
				run.Error = perr.Error()
			} else {
				cands = append(cands, parsed...)
			}
		}
		o.recordRun(ctx, StageOptions, run, r.latency)
		runs = append(runs, run)
		transcript = append(transcript, transcriptEntry(r))
	}

	success := countSuccesses(runs)
	result := OptionsResult{
		Log: o.buildLog(StageOptions, AggregationCluster, runs, transcript, success, started),
	}
	if success == 0 {
		o.finish(ctx, StageOptions, success, len(runs))
		return result, fmt.Errorf("%s: %w", StageOptions, ErrNoModelSucceeded)
	}

	result.Options = clusterOptions(cands, s.ToleranceBps)
	result.Log.FinalResult = result.Options
	o.finish(ctx, StageOptions, success, len(runs))
	return result, nil
}

// GenerateVerdict asks every specialist for one binding decision and takes the median.
func (o *Orchestrator) GenerateVerdict(ctx context.Context, in CaseContext, s Settings) (VerdictResult, error) {
	started := o.clock.Now()
	replies, err := o.fanOut(ctx, StageVerdict, in, s.ModelTimeout)
	if err != nil {
		return VerdictResult{}, err
	}

	var decisions []decisionCandidate
	runs := make([]ModelRun, 0, len(replies))
	transcript := make([]TranscriptEntry, 0, len(replies))
	for _, r := range replies {
		run := o.runFromReply(r)
		if r.err == nil {
			d, perr := parseDecision(r.role, r.model, r.output)
			if perr != nil {
				run.Status = RunStatusInvalid
				run.Error = perr.Error()
			} else {
				decisions = append(decisions, d)
			}
		}
		o.recordRun(ctx, StageVerdict, run, r.latency)
		runs = append(runs, run)
		transcript = append(transcript, transcriptEntry(r))
	}

	success := countSuccesses(runs)
	result := VerdictResult{
		Log: o.buildLog(StageVerdict, AggregationMedian, runs, transcript, success, started),
	}
	if success == 0 {
		o.finish(ctx, StageVerdict, success, len(runs))
		return result, fmt.Errorf("%s: %w", StageVerdict, ErrNoModelSucceeded)
	}

	result.Verdict = aggregateVerdict(decisions, runs)
	result.Log.FinalResult = result.Verdict
	o.finish(ctx, StageVerdict, success, len(runs))
	return result, nil
}

// fanOut calls every provider concurrently, each under its own timeout, and
// waits for all of them. Replies keep panel order.
func (o *Orchestrator) fanOut(ctx context.Context, stage string, in CaseContext, timeout time.Duration) ([]reply, error) {
	if len(o.panel) == 0 {
		return nil, ErrNoProviders
	}
	user, err := userPrompt(in)
	if err != nil {
		return nil, err
	}

	replies := make([]reply, len(o.panel))
	var g errgroup.Group
	for i, provider := range o.panel {
		g.Go(func() error {
			callCtx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			start := time.Now()
			out, err := complete(callCtx, provider, llm.Request{
				System:      systemPrompt(stage, provider.Role()),
				User:        user,
				MaxTokens:   1500,
				Temperature: 0.2,
			})
			replies[i] = reply{
				role:    provider.Role(),
				model:   provider.Model(),
				output:  out,
				err:     err,
				latency: time.Since(start),
			}
			return nil
		})
	}
	_ = g.Wait()
	return replies, nil
}

type completion struct {
	out string
	err error
}

// complete returns when the provider answers or ctx ends, whichever comes
// first. A provider that ignores ctx is left to finish in the background.
func complete(ctx context.Context, provider llm.Provider, req llm.Request) (string, error) {
	done := make(chan completion, 1)
	go func() {
		out, err := provider.Complete(ctx, req)
		done <- completion{out: out, err: err}
	}()
	select {
	case c := <-done:
		if c.err == nil && ctx.Err() != nil {
			return "", ctx.Err()
		}
		return c.out, c.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (o *Orchestrator) runFromReply(r reply) ModelRun {
	run := ModelRun{
		Role:      r.role,
		Model:     r.model,
		Status:    RunStatusOK,
		LatencyMS: r.latency.Milliseconds(),
	}
	if r.err != nil {
		run.Status = RunStatusFailed
		if errors.Is(r.err, context.DeadlineExceeded) {
			run.Status = RunStatusTimeout
		}
		run.Error = r.err.Error()
	}
	return run
}

func (o *Orchestrator) recordRun(ctx context.Context, stage string, run ModelRun, latency time.Duration) {
	o.prom.ObserveModelCall(stage, run.Role, run.Status, latency)
	o.metrics.RecordModelCall(ctx, stage, run.Role, run.Status)
	if run.Status != RunStatusOK {
		o.log.Warn("consensus.model.failed",
			zap.String("stage", stage),
			zap.String("role", run.Role),
			zap.String("model", run.Model),
			zap.String("status", run.Status),
			zap.String("error", run.Error),
			zap.Int64("latency_ms", run.LatencyMS),
		)
	}
}

func (o *Orchestrator) finish(ctx context.Context, stage string, success, total int) {
	o.prom.ObserveSuccesses(stage, success)
	status := "ok"
	switch {
	case success == 0:
		status = "failed"
		o.log.Error("consensus.generation.failed", zap.String("stage", stage), zap.Int("models", total))
	case success < total:
		status = "degraded"
		o.log.Warn("consensus.generation.degraded",
			zap.String("stage", stage),
			zap.Int("succeeded", success),
			zap.Int("models", total),
		)
	}
	o.metrics.RecordGeneration(ctx, stage, status)
}

func (o *Orchestrator) buildLog(stage, method string, runs []ModelRun, transcript []TranscriptEntry, success int, started time.Time) Log {
	blob, err := EncodeTranscript(transcript)
	if err != nil {
		o.log.Warn("consensus.transcript.encode_failed", zap.Error(err))
	}
	return Log{
		RunID:             ulid.Make().String(),
		Stage:             stage,
		Runs:              runs,
		AggregationMethod: method,
		SuccessCount:      success,
		Transcript:        blob,
		StartedAt:         started,
		CompletedAt:       o.clock.Now(),
	}
}

func transcriptEntry(r reply) TranscriptEntry {
	entry := TranscriptEntry{Role: r.role, Model: r.model, Output: r.output}
	if r.err != nil {
		entry.Error = r.err.Error()
	}
	return entry
}

func countSuccesses(runs []ModelRun) int {
	n := 0
	for _, r := range runs {
		if r.Status == RunStatusOK {
			n++
		}
	}
	return n
}
