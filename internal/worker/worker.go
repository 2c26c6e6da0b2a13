// Package worker implements the serverless worker runtime: many
// short-lived invocations cooperating purely through shared KV state,
// with no central orchestrator loop. Each invocation increments a
// per-job atomic counter, processes a bounded batch of frontier
// entries, and either self-reinvokes, triggers completion detection, or
// simply exits.
package worker

import (
	"context"
	"time"

	"github.com/docspasta/crawler-engine/internal/crawlerrors"
	"github.com/docspasta/crawler-engine/internal/frontier"
	"github.com/docspasta/crawler-engine/internal/kvstore"
	"github.com/docspasta/crawler-engine/internal/models"
	"github.com/docspasta/crawler-engine/internal/resultstore"
	"github.com/docspasta/crawler-engine/internal/urlnorm"
	"github.com/ternarybob/arbor"
)

// PageProcessor runs the page pipeline for one FrontierEntry. Satisfied
// by *pipeline.Pipeline; an interface here so the worker runtime's
// scheduling logic is testable without a live fetcher/frontier/eventlog.
type PageProcessor interface {
	Process(ctx context.Context, entry models.FrontierEntry, opts models.Options, filter *urlnorm.ScopeFilter) error
}

func activeWorkersKey(jobID string) string { return "activeWorkers:" + jobID }

// ActiveWorkers reads the live worker-invocation count for jobID, used by
// completion detection to re-check the terminal condition under its lock.
func ActiveWorkers(ctx context.Context, kv *kvstore.Store, jobID string) (int64, error) {
	return kv.CounterGet(ctx, activeWorkersKey(jobID))
}

// Dispatcher fires a worker invocation for jobID. In a true serverless
// deployment this would enqueue a new function invocation; here it runs
// the next invocation on its own goroutine, fire-and-forget, which is
// the single allowed "self-reinvocation" suspension point.
type Dispatcher interface {
	Dispatch(jobID string)
}

// CompletionTrigger is invoked when a worker observes the frontier
// empty and itself the last active worker, handing off to the job
// controller's completion detection.
type CompletionTrigger interface {
	DetectCompletion(ctx context.Context, jobID string)
}

// Runtime executes one worker invocation's lifecycle.
type Runtime struct {
	kv         *kvstore.Store
	fr         *frontier.Frontier
	pipe       PageProcessor
	results    *resultstore.Store
	dispatcher Dispatcher
	completion CompletionTrigger
	logger     arbor.ILogger
}

// NewRuntime assembles a worker Runtime from its collaborators.
func NewRuntime(kv *kvstore.Store, fr *frontier.Frontier, pipe PageProcessor, results *resultstore.Store, dispatcher Dispatcher, completion CompletionTrigger, logger arbor.ILogger) *Runtime {
	return &Runtime{kv: kv, fr: fr, pipe: pipe, results: results, dispatcher: dispatcher, completion: completion, logger: logger}
}

// Invoke runs one worker invocation for jobID against the given job
// Options, a hard deadline (the point past which the process itself
// would be killed), and the job's compiled scope filter.
func (r *Runtime) Invoke(ctx context.Context, jobID string, opts models.Options, hardDeadline time.Time, filter *urlnorm.ScopeFilter) {
	invocationStart := time.Now()

	active, err := r.kv.CounterIncr(ctx, activeWorkersKey(jobID), 1)
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("worker: failed to increment activeWorkers")
		return
	}
	if int(active) > opts.MaxWorkers {
		r.decrementAndExit(ctx, jobID, opts, false)
		return
	}

	batchCount := opts.BatchCount
	if batchCount <= 0 {
		batchCount = 10
	}

	for i := 0; i < batchCount; i++ {
		if r.jobCancelled(ctx, jobID) {
			r.logger.Info().Str("job_id", jobID).Msg("worker: job cancelled, exiting without self-reinvoking")
			r.decrement(ctx, jobID)
			return
		}

		entry, ok, err := r.fr.Dequeue(ctx, jobID)
		if err != nil {
			r.logger.Error().Err(err).Str("job_id", jobID).Msg("worker: dequeue failed")
			break
		}
		if !ok {
			break
		}

		if err := r.pipe.Process(ctx, entry, opts, filter); err != nil {
			if crawlerrors.Is(err, crawlerrors.Fatal) {
				r.logger.Error().Err(err).Str("job_id", jobID).Str("url", entry.URL).Msg("worker: fatal error processing page")
			} else {
				r.logger.Warn().Err(err).Str("job_id", jobID).Str("url", entry.URL).Msg("worker: error processing page")
			}
		}

		elapsed := time.Since(invocationStart)
		remaining := time.Until(hardDeadline)
		if elapsed > opts.SoftDeadline.D() || remaining < opts.ReinvokeMargin.D() {
			break
		}
	}

	r.decrementAndExit(ctx, jobID, opts, true)
}

func (r *Runtime) jobCancelled(ctx context.Context, jobID string) bool {
	job, err := r.results.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return false
	}
	return job.Status == models.JobStatusCancelled
}

// decrementAndExit decrements activeWorkers exactly once and decides,
// from the value the decrement itself returns, between
// self-reinvocation and completion detection. The decision must come
// from the atomic decrement, not a separate read: with a read-then-
// decrement, the last two workers can both observe the same
// pre-decrement count, both conclude someone else is still running,
// and leave no one to fire completion. Exactly one worker observes the
// counter cross zero. Every exit path from Invoke after the increment
// goes through here or through decrement directly.
func (r *Runtime) decrementAndExit(ctx context.Context, jobID string, opts models.Options, ranIterations bool) {
	remaining, err := r.kv.CounterIncr(ctx, activeWorkersKey(jobID), -1)
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("worker: failed to decrement activeWorkers")
		return
	}

	empty, err := r.fr.IsEmpty(ctx, jobID)
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("worker: failed to check frontier emptiness")
		return
	}

	if !empty {
		if ranIterations && int(remaining) < desiredConcurrency(opts.MaxWorkers) {
			r.dispatcher.Dispatch(jobID)
		}
		return
	}

	if remaining == 0 {
		r.completion.DetectCompletion(ctx, jobID)
	}
}

func (r *Runtime) decrement(ctx context.Context, jobID string) {
	if _, err := r.kv.CounterIncr(ctx, activeWorkersKey(jobID), -1); err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("worker: failed to decrement activeWorkers")
	}
}

func desiredConcurrency(maxWorkers int) int {
	if maxWorkers < 3 {
		return maxWorkers
	}
	return 3
}
