// Package retry runs operations against the cloud backend on a bounded
// pool, retrying failures on a fixed escalating delay schedule.
package retry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/mikepea/cloudsync/pkg/cloudsync/config"
	"github.com/mikepea/cloudsync/pkg/cloudsync/logging"
	"github.com/mikepea/cloudsync/pkg/cloudsync/metrics"
)

// Operation is a unit of work with its arguments already bound. Run must be
// safe to call again after a failure.
type Operation struct {
	Name string
	// Args are logged with every outcome
	Args map[string]any
	Run  func(ctx context.Context) (any, error)
}

// Sleeper pauses the worker between attempts
type Sleeper func(d time.Duration)

// Stats is a snapshot of executor counters
type Stats struct {
	Submitted int64 `json:"submitted"`
	Succeeded int64 `json:"succeeded"`
	Exhausted int64 `json:"exhausted"`
	Permanent int64 `json:"permanent"`
	Attempts  int64 `json:"attempts"`
	InFlight  int64 `json:"in_flight"`
}

// Executor runs submitted operations on at most Workers goroutines at a
// time. A worker sleeps through its retry delays, so a slow backend holds
// workers and new operations wait for a free slot.
type Executor struct {
	sem    *semaphore.Weighted
	delays []time.Duration
	sleep  Sleeper
	log    zerolog.Logger

	// mu orders Submit's wg.Add against Shutdown closing the executor
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool

	submitted atomic.Int64
	succeeded atomic.Int64
	exhausted atomic.Int64
	permanent atomic.Int64
	attempts  atomic.Int64
	inFlight  atomic.Int64
}

// Option configures an Executor
type Option func(*Executor)

// WithSleeper replaces time.Sleep between attempts
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) {
		e.sleep = s
	}
}

// WithLogger replaces the component logger
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) {
		e.log = l
	}
}

// New creates an executor. It lives for the whole process.
func New(cfg config.ExecutorConfig, opts ...Option) *Executor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	e := &Executor{
		sem:    semaphore.NewWeighted(int64(workers)),
		delays: append([]time.Duration(nil), cfg.Delays...),
		sleep:  time.Sleep,
		log:    logging.Component("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxAttempts is the number of times an operation runs before it is dropped
func (e *Executor) MaxAttempts() int {
	return len(e.delays) + 1
}

// Submit schedules op and returns at once with the task id. Outcomes are
// only reported through logs and Stats; nothing is returned to the caller.
func (e *Executor) Submit(op Operation) string {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.log.Error().Err(ErrShutdown).Str("operation", op.Name).Interface("args", op.Args).Msg("dropping operation")
		return ""
	}
	e.wg.Add(1)
	e.mu.Unlock()

	id := uuid.NewString()
	e.submitted.Add(1)
	e.inFlight.Add(1)
	metrics.TasksSubmitted.WithLabelValues(op.Name).Inc()
	metrics.TasksInFlight.Inc()

	go e.run(id, op)
	return id
}

func (e *Executor) run(id string, op Operation) {
	defer e.wg.Done()
	defer func() {
		e.inFlight.Add(-1)
		metrics.TasksInFlight.Dec()
	}()

	// Background never cancels, so Acquire cannot fail
	_ = e.sem.Acquire(context.Background(), 1)
	defer e.sem.Release(1)

	log := e.log.With().Str("task_id", id).Str("operation", op.Name).Interface("args", op.Args).Logger()
	maxAttempts := e.MaxAttempts()

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		e.attempts.Add(1)

		var result any
		result, err = e.attempt(op)
		if err == nil {
			e.succeeded.Add(1)
			metrics.RecordTaskOutcome(op.Name, "success", attempt)
			log.Debug().Int("attempts", attempt).Interface("result", result).Msg("operation succeeded")
			return
		}

		if IsPermanent(err) {
			e.permanent.Add(1)
			metrics.RecordTaskOutcome(op.Name, "permanent", attempt)
			log.Error().Err(err).Int("attempts", attempt).Msg("operation failed permanently")
			return
		}

		if attempt == maxAttempts {
			break
		}
		delay := e.delays[attempt-1]
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("operation failed, retrying")
		e.sleep(delay)
	}

	e.exhausted.Add(1)
	metrics.RecordTaskOutcome(op.Name, "exhausted", maxAttempts)
	log.Error().Err(err).Int("attempts", maxAttempts).Msg("operation failed, giving up")
}

func (e *Executor) attempt(op Operation) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", op.Name, r)
		}
	}()
	return op.Run(context.Background())
}

// Stats returns a snapshot of the counters
func (e *Executor) Stats() Stats {
	return Stats{
		Submitted: e.submitted.Load(),
		Succeeded: e.succeeded.Load(),
		Exhausted: e.exhausted.Load(),
		Permanent: e.permanent.Load(),
		Attempts:  e.attempts.Load(),
		InFlight:  e.inFlight.Load(),
	}
}

// Wait blocks until every submitted operation has finished
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Shutdown stops accepting operations and waits for running ones until ctx
// is done. Running operations are never interrupted.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d operations: %w", e.inFlight.Load(), ctx.Err())
	}
}
