package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/stellarlinkco/lorekeeper/internal/metrics"
)

// Handle registers fn as the worker for payloads of type P. Registering a
// type twice replaces the earlier handler.
func Handle[P Payload](q *Queue, opts WorkerOptions, fn func(ctx context.Context, job *Job, payload P) error) {
	var zero P
	t := zero.JobType()

	q.workerMu.Lock()
	defer q.workerMu.Unlock()
	q.workers[t] = registration{
		opts: opts.withDefaults(),
		fn: func(ctx context.Context, job *Job) error {
			p, ok := job.Payload.(P)
			if !ok {
				return fmt.Errorf("job %s: payload %T is not %T", job.ID, job.Payload, zero)
			}
			return fn(ctx, job, p)
		},
	}
}

// Start launches the polling loops of every registered worker.
func (q *Queue) Start(ctx context.Context) error {
	q.workerMu.Lock()
	defer q.workerMu.Unlock()

	if q.stopCh != nil {
		return errors.New("queue already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.stopCh = make(chan struct{})

	slots := 0
	for t, reg := range q.workers {
		for i := 0; i < reg.opts.Concurrency; i++ {
			q.wg.Add(1)
			go q.pollLoop(runCtx, q.stopCh, t, reg)
			slots++
		}
	}
	q.log.Info().Int("types", len(q.workers)).Int("pollers", slots).Msg("queue workers started")
	return nil
}

// Stop signals the pollers and waits for in-flight handlers to return.
func (q *Queue) Stop() {
	q.workerMu.Lock()
	cancel := q.cancel
	stopCh := q.stopCh
	q.cancel = nil
	q.stopCh = nil
	q.workerMu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	cancel()
	q.wg.Wait()
	q.log.Info().Msg("queue workers stopped")
}

func (q *Queue) pollLoop(ctx context.Context, stopCh <-chan struct{}, t Type, reg registration) {
	defer q.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		n, err := q.runBatch(ctx, t, reg)
		if err != nil && ctx.Err() == nil {
			q.log.Error().Err(err).Str("type", string(t)).Msg("poll failed")
		}
		// a full batch means more work is likely waiting
		if n >= reg.opts.BatchSize {
			timer.Reset(0)
		} else {
			timer.Reset(reg.opts.PollInterval)
		}
	}
}

// Work claims and runs one batch of jobs of type t synchronously and returns
// how many ran. The CLI and tests use it to drain the queue without pollers.
func (q *Queue) Work(ctx context.Context, t Type) (int, error) {
	q.workerMu.Lock()
	reg, ok := q.workers[t]
	q.workerMu.Unlock()
	if !ok {
		return 0, fmt.Errorf("no worker registered for %s", t)
	}
	return q.runBatch(ctx, t, reg)
}

func (q *Queue) runBatch(ctx context.Context, t Type, reg registration) (int, error) {
	jobs, err := q.fetch(ctx, t, reg.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		q.run(ctx, job, reg)
	}
	return len(jobs), nil
}

func (q *Queue) run(ctx context.Context, job *Job, reg registration) {
	log := q.log.With().Str("job_id", job.ID).Str("type", string(job.Type)).Int("attempt", job.RetryCount+1).Logger()

	// the deadline follows the job's expiry, measured on the queue clock
	deadline := time.Now().Add(job.ExpiresAt.Sub(q.now()))
	jobCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	start := time.Now()
	err := q.invoke(jobCtx, job, reg)
	metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())

	// bookkeeping must land even when the worker context is being cancelled
	storeCtx := context.WithoutCancel(ctx)
	if err == nil {
		if cerr := q.complete(storeCtx, job); cerr != nil {
			log.Error().Err(cerr).Msg("mark completed")
			return
		}
		metrics.JobsFinished.WithLabelValues(string(job.Type), string(StateCompleted)).Inc()
		log.Debug().Dur("took", time.Since(start)).Msg("job completed")
		return
	}

	state, ferr := q.fail(storeCtx, job, err)
	if ferr != nil {
		log.Error().Err(ferr).Msg("mark failed")
		return
	}
	metrics.JobsFinished.WithLabelValues(string(job.Type), string(state)).Inc()
	switch state {
	case StateRetry:
		log.Warn().Err(err).Dur("retry_in", job.nextDelay()).Msg("job failed, will retry")
	case StateExpired:
		log.Error().Err(err).Msg("job expired")
	default:
		log.Error().Err(err).Int("retry_limit", job.RetryLimit).Msg("job failed permanently")
	}
}

func (q *Queue) invoke(ctx context.Context, job *Job, reg registration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Str("job_id", job.ID).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if job.Payload == nil {
		return fmt.Errorf("undecodable payload: %s", job.LastError)
	}
	return reg.fn(ctx, job)
}
