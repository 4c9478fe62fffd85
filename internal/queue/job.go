package queue

import "time"

// Priority orders dequeueing; lower values go first.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

type State string

const (
	StateCreated   State = "created"
	StateActive    State = "active"
	StateRetry     State = "retry"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateExpired   State = "expired"
)

const (
	DefaultRetryLimit = 3
	DefaultRetryDelay = 5 * time.Second
	DefaultExpiresIn  = 15 * time.Minute
	maxRetryDelay     = 10 * time.Minute
)

type Job struct {
	ID         string
	Type       Type
	Payload    Payload
	Priority   Priority
	State      State
	RetryCount int
	RetryLimit int
	RetryDelay time.Duration
	Backoff    bool
	DedupKey   string
	StartAfter time.Time
	ExpiresAt  time.Time
	CreatedAt  time.Time
	StartedAt  time.Time
	LastError  string
}

// FinalAttempt reports whether a failure of the current attempt is terminal.
func (j *Job) FinalAttempt() bool {
	return j.RetryCount >= j.RetryLimit
}

// nextDelay is the wait before the next attempt after retryCount failures.
func (j *Job) nextDelay() time.Duration {
	d := j.RetryDelay
	if d <= 0 {
		d = DefaultRetryDelay
	}
	if !j.Backoff {
		return d
	}
	for i := 0; i < j.RetryCount; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

// EnqueueOptions tune a single submission. Zero values pick the defaults,
// except Priority whose zero value is PriorityUrgent.
type EnqueueOptions struct {
	Priority    Priority
	RetryLimit  int
	NoRetry     bool
	RetryDelay  time.Duration
	NoBackoff   bool
	ExpiresIn   time.Duration
	StartAfter  time.Duration
	DedupKey    string
	DedupWindow time.Duration
}

func (o EnqueueOptions) withDefaults() EnqueueOptions {
	switch {
	case o.NoRetry:
		o.RetryLimit = 0
	case o.RetryLimit <= 0:
		o.RetryLimit = DefaultRetryLimit
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.ExpiresIn <= 0 {
		o.ExpiresIn = DefaultExpiresIn
	}
	if o.DedupKey != "" && o.DedupWindow <= 0 {
		o.DedupWindow = o.ExpiresIn
	}
	return o
}

type WorkerOptions struct {
	BatchSize    int
	PollInterval time.Duration
	Concurrency  int
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	return o
}
