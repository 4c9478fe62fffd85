// Package gateway assembles the pipeline and runs it as one process.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stellarlinkco/lorekeeper/internal/agent"
	"github.com/stellarlinkco/lorekeeper/internal/bus"
	"github.com/stellarlinkco/lorekeeper/internal/channel"
	"github.com/stellarlinkco/lorekeeper/internal/chat"
	"github.com/stellarlinkco/lorekeeper/internal/classify"
	"github.com/stellarlinkco/lorekeeper/internal/config"
	"github.com/stellarlinkco/lorekeeper/internal/cron"
	"github.com/stellarlinkco/lorekeeper/internal/enrich"
	"github.com/stellarlinkco/lorekeeper/internal/logging"
	"github.com/stellarlinkco/lorekeeper/internal/memo"
	"github.com/stellarlinkco/lorekeeper/internal/metrics"
	"github.com/stellarlinkco/lorekeeper/internal/provider"
	"github.com/stellarlinkco/lorekeeper/internal/queue"
	"github.com/stellarlinkco/lorekeeper/internal/session"
	"github.com/stellarlinkco/lorekeeper/internal/store"
	"github.com/stellarlinkco/lorekeeper/internal/trigger"
)

const shutdownTimeout = 5 * time.Second

// Provider is everything the stages need from the model gateway.
type Provider interface {
	classify.Classifier
	enrich.Provider
	Close()
}

// ProviderFactory creates the model gateway (allows injection for testing).
type ProviderFactory func(ctx context.Context, cfg *config.Config, ledger chat.UsageLedger) (Provider, error)

func defaultProviderFactory(ctx context.Context, cfg *config.Config, ledger chat.UsageLedger) (Provider, error) {
	return provider.NewFromConfig(ctx, cfg, ledger)
}

// Options allows injecting dependencies for testing.
type Options struct {
	ProviderFactory ProviderFactory
	SignalChan      chan os.Signal // for testing
}

// Deps holds the pipeline components. The CLI builds it for one-shot
// commands; Gateway runs it.
type Deps struct {
	Config    *config.Config
	Engine    *store.Engine
	Queue     *queue.Queue
	Provider  Provider
	Memos     *memo.Service
	Classify  *classify.Stage
	Threads   *classify.ThreadSweeper
	Enrich    *enrich.Stage
	Sessions  *session.Tracker
	Responder *agent.Responder
	Producer  *trigger.Producer
	Bus       *bus.MessageBus
	Cron      *cron.Service
}

// Build opens the store and wires every stage. Workers are registered on
// the queue but not started.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Deps, error) {
	engine, err := store.NewEngine(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	engine.SetDefaultMonthlyLimit(cfg.Budget.MonthlyLimitCents)

	d, err := build(ctx, cfg, engine, opts)
	if err != nil {
		_ = engine.Close()
		return nil, err
	}
	return d, nil
}

func build(ctx context.Context, cfg *config.Config, engine *store.Engine, opts Options) (*Deps, error) {
	d := &Deps{Config: cfg, Engine: engine}

	q, err := queue.New(engine.DB())
	if err != nil {
		return nil, fmt.Errorf("create queue: %w", err)
	}
	d.Queue = q

	factory := opts.ProviderFactory
	if factory == nil {
		factory = defaultProviderFactory
	}
	p, err := factory(ctx, cfg, engine)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}
	d.Provider = p

	memoStore, err := memo.NewStore(engine.DB())
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("create memo store: %w", err)
	}
	tracker, err := session.NewTracker(engine.DB(), session.Options{MaxToolResult: cfg.Sessions.MaxToolResult})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("create session tracker: %w", err)
	}
	d.Sessions = tracker

	window := contextWindow(cfg.Pipeline)
	d.Bus = bus.NewMessageBus(config.DefaultResponseBuffer)
	d.Memos = memo.NewService(memoStore, memo.NewIndex(), p, engine, memo.Options{Window: window})
	debounce := classify.DebouncePolicy{
		MinEvents: cfg.Pipeline.ThreadMinEvents,
		Recheck:   config.Duration(cfg.Pipeline.ThreadRecheck, 24*time.Hour),
		Quiet:     config.Duration(cfg.Pipeline.ThreadQuiet, time.Hour),
	}
	d.Classify = classify.NewStage(p, engine, q, classify.Options{
		Threshold: cfg.Pipeline.WorthEnqueueThreshold,
		Window:    window,
		Debounce:  debounce,
	})
	d.Threads = classify.NewThreadSweeper(engine, q, debounce, 0)
	d.Enrich = enrich.NewStage(p, engine, q, window)
	d.Responder = agent.NewResponder(p, d.Memos, engine, tracker, agent.Options{
		MaxToolIterations: cfg.Agent.MaxToolIterations,
		Window:            window,
		Publisher:         d.Bus,
	})
	d.Producer = trigger.NewProducer(q, engine)
	d.Memos.SetRetrievalSink(d.Producer)

	workers := workerOptions(cfg.Queue)
	queue.Handle(q, workers, d.Classify.Handle)
	queue.Handle(q, workers, d.Enrich.Handle)
	queue.Handle(q, workers, d.Memos.Handle)
	queue.Handle(q, workers, d.Responder.Handle)

	d.Cron = cron.NewService()
	tasks := cron.MaintenanceTasks(cron.MaintenanceOptions{
		Schedule:     cfg.Maintenance,
		StaleAfter:   staleAfter(cfg),
		StallTimeout: config.Duration(cfg.Queue.StallTimeout, 15*time.Minute),
		Retention:    config.Duration(cfg.Queue.Retention, 7*24*time.Hour),
	}, tracker, d.Threads, q)
	for _, t := range tasks {
		if err := d.Cron.Add(t); err != nil {
			p.Close()
			return nil, fmt.Errorf("register maintenance: %w", err)
		}
	}
	return d, nil
}

// Close releases the provider and the store.
func (d *Deps) Close() error {
	if d.Provider != nil {
		d.Provider.Close()
	}
	return d.Engine.Close()
}

func contextWindow(p config.PipelineConfig) chat.Window {
	def := enrich.DefaultWindow()
	w := chat.Window{
		Before:      config.Duration(p.ContextBefore, def.Before),
		After:       config.Duration(p.ContextAfter, def.After),
		BeforeCount: p.ContextBeforeCount,
		AfterCount:  p.ContextAfterCount,
	}
	if w.BeforeCount <= 0 {
		w.BeforeCount = def.BeforeCount
	}
	if w.AfterCount <= 0 {
		w.AfterCount = def.AfterCount
	}
	return w
}

func workerOptions(q config.QueueConfig) queue.WorkerOptions {
	return queue.WorkerOptions{
		BatchSize:    q.BatchSize,
		PollInterval: config.Duration(q.PollInterval, 2*time.Second),
		Concurrency:  q.Concurrency,
	}
}

func staleAfter(cfg *config.Config) time.Duration {
	return config.Duration(cfg.Sessions.StaleAfter, 5*time.Minute)
}

type Gateway struct {
	cfg        *config.Config
	deps       *Deps
	channels   *channel.ChannelManager
	signals    *bus.RedisSource
	metricsSrv *http.Server
	signalChan chan os.Signal // for testing
	log        zerolog.Logger
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	ctx := context.Background()
	deps, err := Build(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		cfg:        cfg,
		deps:       deps,
		signalChan: opts.SignalChan,
		log:        logging.For("gateway"),
	}

	chMgr, err := channel.NewChannelManager(cfg.Channels, deps.Bus)
	if err != nil {
		_ = deps.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	if cfg.Signals.RedisAddr != "" {
		src, err := bus.NewRedisSource(cfg.Signals)
		if err != nil {
			_ = deps.Close()
			return nil, fmt.Errorf("connect signal stream: %w", err)
		}
		g.signals = src
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		g.metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}
	return g, nil
}

func (g *Gateway) Deps() *Deps {
	return g.deps
}

// Run starts every loop and blocks until a shutdown signal or ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d := g.deps

	// sessions left open by a previous process can never finish
	if n, err := d.Sessions.SweepStale(ctx, staleAfter(g.cfg)); err != nil {
		g.log.Warn().Err(err).Msg("startup session sweep")
	} else if n > 0 {
		g.log.Info().Int("sessions", n).Msg("failed sessions interrupted by restart")
	}
	if _, err := d.Memos.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild memo index: %w", err)
	}

	go d.Bus.DispatchOutbound(ctx)
	go d.Producer.Consume(ctx, d.Bus)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	g.log.Info().Strs("channels", g.channels.EnabledChannels()).Msg("channels started")

	if err := d.Queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	if err := d.Cron.Start(ctx); err != nil {
		g.log.Warn().Err(err).Msg("cron start")
	}

	if g.signals != nil {
		go func() {
			if err := g.signals.Run(ctx, g.acceptSignal); err != nil {
				g.log.Error().Err(err).Msg("signal stream stopped")
			}
		}()
	}

	if g.metricsSrv != nil {
		go func() {
			if err := g.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				g.log.Error().Err(err).Str("addr", g.metricsSrv.Addr).Msg("metrics server")
			}
		}()
	}

	g.log.Info().Str("db", g.cfg.DBPath()).Msg("running")

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	g.log.Info().Msg("shutting down...")
	cancel()
	return g.Shutdown()
}

// acceptSignal feeds stream entries to the producer. Signals about messages
// the store never saw are acknowledged, since redelivery cannot fix them.
func (g *Gateway) acceptSignal(ctx context.Context, s bus.Signal) error {
	err := g.deps.Producer.Dispatch(ctx, s)
	if errors.Is(err, chat.ErrNotFound) {
		g.log.Warn().Err(err).Str("kind", string(s.Kind)).Msg("signal for unknown message dropped")
		return nil
	}
	return err
}

func (g *Gateway) Shutdown() error {
	if g.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := g.metricsSrv.Shutdown(ctx); err != nil {
			g.log.Warn().Err(err).Msg("metrics server shutdown")
		}
		cancel()
	}
	if g.signals != nil {
		if err := g.signals.Close(); err != nil {
			g.log.Warn().Err(err).Msg("close signal stream")
		}
	}
	g.deps.Cron.Stop()
	g.deps.Queue.Stop()
	_ = g.channels.StopAll()
	if err := g.deps.Close(); err != nil {
		g.log.Warn().Err(err).Msg("close store")
	}
	g.log.Info().Msg("shutdown complete")
	return nil
}
