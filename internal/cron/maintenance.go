package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/stellarlinkco/lorekeeper/internal/config"
)

// Maintenance task names.
const (
	TaskSessionSweep = "session-sweep"
	TaskThreadSweep  = "thread-sweep"
	TaskRequeue      = "requeue-stalled"
	TaskExpire       = "expire-overdue"
	TaskPurge        = "purge-jobs"
)

type SessionSweeper interface {
	SweepStale(ctx context.Context, olderThan time.Duration) (int, error)
}

type ThreadSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type QueueKeeper interface {
	RequeueStalled(ctx context.Context, olderThan time.Duration) (int, error)
	ExpireOverdue(ctx context.Context) (int, error)
	Purge(ctx context.Context, retention time.Duration) (int, error)
}

type MaintenanceOptions struct {
	Schedule     config.MaintenanceConfig
	StaleAfter   time.Duration
	StallTimeout time.Duration
	Retention    time.Duration
}

// MaintenanceTasks builds the housekeeping tasks. A task with an empty
// schedule is left out.
func MaintenanceTasks(opts MaintenanceOptions, sessions SessionSweeper, threads ThreadSweeper, q QueueKeeper) []Task {
	all := []Task{
		{
			Name:     TaskSessionSweep,
			Schedule: opts.Schedule.SessionSweep,
			Run: counted("sessions failed", func(ctx context.Context) (int, error) {
				return sessions.SweepStale(ctx, opts.StaleAfter)
			}),
		},
		{
			Name:     TaskThreadSweep,
			Schedule: opts.Schedule.ThreadSweep,
			Run:      counted("threads queued", threads.Sweep),
		},
		{
			Name:     TaskRequeue,
			Schedule: opts.Schedule.Requeue,
			Run: counted("jobs requeued", func(ctx context.Context) (int, error) {
				return q.RequeueStalled(ctx, opts.StallTimeout)
			}),
		},
		{
			Name:     TaskExpire,
			Schedule: opts.Schedule.Expire,
			Run:      counted("jobs expired", q.ExpireOverdue),
		},
		{
			Name:     TaskPurge,
			Schedule: opts.Schedule.Purge,
			Run: counted("jobs purged", func(ctx context.Context) (int, error) {
				return q.Purge(ctx, opts.Retention)
			}),
		},
	}

	tasks := all[:0]
	for _, t := range all {
		if t.Schedule != "" {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

func counted(label string, fn func(ctx context.Context) (int, error)) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		n, err := fn(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %s", n, label), nil
	}
}
