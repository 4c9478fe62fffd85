// Package cron runs the pipeline's housekeeping on six-field cron schedules.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/stellarlinkco/lorekeeper/internal/logging"
)

var ErrUnknownTask = errors.New("unknown task")

var parser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// Task is one scheduled job. Run returns a short human-readable result.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) (string, error)
}

type TaskState struct {
	Name       string
	Schedule   string
	Runs       int
	LastRunAt  time.Time
	LastStatus string
	LastResult string
	LastError  string
}

type Service struct {
	mu       sync.Mutex
	tasks    map[string]Task
	states   map[string]*TaskState
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // task name -> cron entry ID
	runCtx   context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	now      func() time.Time
	log      zerolog.Logger
}

func NewService() *Service {
	return &Service{
		tasks:    make(map[string]Task),
		states:   make(map[string]*TaskState),
		entryMap: make(map[string]rcron.EntryID),
		now:      time.Now,
		log:      logging.For("cron"),
	}
}

// Add registers a task. Tasks added after Start are scheduled immediately.
func (s *Service) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return errors.New("cron task needs a name and a run func")
	}
	if _, err := parser.Parse(t.Schedule); err != nil {
		return fmt.Errorf("task %s: invalid schedule %q: %w", t.Name, t.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tasks[t.Name]; dup {
		return fmt.Errorf("task %s already registered", t.Name)
	}
	s.tasks[t.Name] = t
	s.states[t.Name] = &TaskState{Name: t.Name, Schedule: t.Schedule}
	if s.cron != nil {
		return s.registerTask(t)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = rcron.New(rcron.WithParser(parser), rcron.WithChain(rcron.SkipIfStillRunning(rcron.DiscardLogger)))
	for _, t := range s.tasks {
		if err := s.registerTask(t); err != nil {
			s.mu.Unlock()
			cancel()
			return err
		}
	}
	n := len(s.tasks)
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info().Int("tasks", n).Msg("started")

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// registerTask requires s.mu.
func (s *Service) registerTask(t Task) error {
	id, err := s.cron.AddFunc(t.Schedule, func() {
		s.execute(s.runCtx, t)
	})
	if err != nil {
		return fmt.Errorf("register task %s (%s): %w", t.Name, t.Schedule, err)
	}
	s.entryMap[t.Name] = id
	return nil
}

// RunNow runs a task outside its schedule and records the outcome.
func (s *Service) RunNow(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrUnknownTask)
	}
	return s.execute(ctx, t)
}

func (s *Service) execute(ctx context.Context, t Task) (string, error) {
	start := s.now()
	result, err := t.Run(ctx)

	s.mu.Lock()
	st := s.states[t.Name]
	st.Runs++
	st.LastRunAt = start
	if err != nil {
		st.LastStatus = "error"
		st.LastError = err.Error()
		st.LastResult = ""
	} else {
		st.LastStatus = "ok"
		st.LastError = ""
		st.LastResult = result
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Str("task", t.Name).Msg("task failed")
	} else {
		s.log.Debug().Str("task", t.Name).Str("result", truncate(result, 100)).Dur("took", s.now().Sub(start)).Msg("task done")
	}
	return result, err
}

// States returns a snapshot of every task, sorted by name.
func (s *Service) States() []TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Next returns the next scheduled run of a task, or the zero time when the
// service is not running.
func (s *Service) Next(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entryMap[name]
	if !ok || s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	close(stopCh)

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.log.Warn().Msg("stop timeout waiting for running tasks")
		}
	}
	s.log.Info().Msg("stopped")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
