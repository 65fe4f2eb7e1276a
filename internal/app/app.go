// Package app wires the agent together: config, storage, ledger, the three
// job loops, housekeeping, and the optional metrics listener.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"herald/internal/clock"
	"herald/internal/config"
	"herald/internal/dedup"
	"herald/internal/generate"
	"herald/internal/jobs"
	"herald/internal/ledger"
	"herald/internal/metrics"
	prommetrics "herald/internal/metrics/prometheus"
	"herald/internal/platform"
	"herald/internal/scheduler"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	mu      sync.Mutex
	store   storage.Store
	led     *ledger.Ledger
	loops   map[string]*scheduler.Loop
	bases   map[string]time.Duration
	cron    *cron.Cron
	metSrv  *http.Server
	group   *errgroup.Group
	cancel  context.CancelFunc
	started bool
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	return &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		loops:  map[string]*scheduler.Loop{},
		bases:  map[string]time.Duration{},
	}, nil
}

// Start builds the runtime from the current config and launches the job
// loops, the config watcher, and housekeeping. It returns once everything
// is running.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("already started")
	}

	cfg := a.cfgMgr.Get()
	st, err := parseSettings(cfg)
	if err != nil {
		return err
	}

	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: st.busyTimeout,
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	clk := clock.System()
	met := a.buildMetrics(cfg)

	a.led = ledger.New(store, a.log.With(logx.String("comp", "ledger")), clk, st.loc, cfg.Quota.DailyLimit)

	client := platform.NewHTTPClient(platform.HTTPConfig{
		BaseURL:    cfg.Platform.BaseURL,
		Token:      cfg.Platform.Token,
		PacePerSec: cfg.Platform.PacePerSec,
	})
	api := platform.NewInstrumentor(client, a.led, met,
		a.log.With(logx.String("comp", "platform")), clk, st.callTimeout)

	gen := generate.NewHTTP(generate.Config{
		BaseURL: cfg.Generator.BaseURL,
		Token:   cfg.Generator.Token,
		Model:   cfg.Generator.Model,
		Timeout: st.genTimeout,
	})

	deps := jobs.Deps{
		Store:  store,
		Guard:  dedup.New(store, a.log.With(logx.String("comp", "dedup"))),
		API:    api,
		Gen:    gen,
		Policy: st.policy,
		Log:    a.log.With(logx.String("comp", "jobs")),
		Clock:  clk,
	}

	posting := jobs.NewPosting(deps, cfg.Quota.CostPerPost, cfg.Generator.PromptTemplate)
	interact := jobs.NewInteractions(deps, cfg.Quota.CostPerPost, cfg.Platform.SelfID)
	monitor := jobs.NewMonitor(deps, cfg.Quota.CostPerCheck)

	schedLog := a.log.With(logx.String("comp", "scheduler"))
	a.loops = map[string]*scheduler.Loop{
		posting.Name():  scheduler.New(posting, a.led, st.alloc, st.loopOptions(st.basePost), schedLog, met, clk),
		interact.Name(): scheduler.New(interact, a.led, st.alloc, st.loopOptions(st.baseInteract), schedLog, met, clk),
		monitor.Name():  scheduler.New(monitor, a.led, st.alloc, st.loopOptions(st.baseMonitor), schedLog, met, clk),
	}
	a.bases = map[string]time.Duration{
		posting.Name():  st.basePost,
		interact.Name(): st.baseInteract,
		monitor.Name():  st.baseMonitor,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	a.group = g

	for name, loop := range a.loops {
		loop := loop
		a.log.Info("job loop starting", logx.String("job", name))
		g.Go(func() error { return loop.Run(gctx) })
	}

	// Config hot reload.
	g.Go(func() error { return a.cfgMgr.Watch(gctx) })
	sub := a.cfgMgr.Subscribe(1)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case cfg := <-sub:
				a.applyConfig(cfg)
			}
		}
	})

	// Housekeeping just after local midnight: rollover + pruning.
	a.cron = cron.New(cron.WithLocation(st.loc))
	retention := st.retention
	_, err = a.cron.AddFunc("5 0 * * *", func() { a.housekeeping(retention) })
	if err != nil {
		cancel()
		return fmt.Errorf("housekeeping schedule: %w", err)
	}
	a.cron.Start()

	a.startMetricsServer(cfg, g, gctx)

	a.started = true
	a.log.Info("agent started",
		logx.Int("daily_limit", cfg.Quota.DailyLimit),
		logx.String("tz", st.loc.String()))
	return nil
}

// Stop cancels every loop's pending timer and waits for in-flight runs to
// settle (bounded by ctx).
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	cancel := a.cancel
	group := a.group
	c := a.cron
	store := a.store
	srv := a.metSrv
	a.mu.Unlock()

	a.log.Info("stop requested")
	if c != nil {
		<-c.Stop().Done()
	}
	if srv != nil {
		shCtx, shCancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = srv.Shutdown(shCtx)
		shCancel()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("stop timed out waiting for loops")
	}

	if store != nil {
		_ = store.Close()
	}
	_ = a.logSvc.Close()
	a.log.Info("agent stopped")
	return nil
}

// Store exposes the persistence layer (artifact enqueue, entity
// registration, review resolution).
func (a *App) Store() storage.Store {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store
}

// Loop returns the named job loop, if any (used for manual triggers).
func (a *App) Loop(name string) *scheduler.Loop {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loops[name]
}

// applyConfig pushes a reloaded config into the running components.
// Structural settings (storage driver, listen addresses) need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	st, err := parseSettings(cfg)
	if err != nil {
		a.log.Warn("config reload rejected", logx.Err(err))
		return
	}

	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.led != nil {
		a.led.SetDailyLimit(cfg.Quota.DailyLimit)
	}
	for name, loop := range a.loops {
		loop.Apply(st.alloc, st.loopOptions(baseFor(st, name)))
		a.bases[name] = baseFor(st, name)
	}
	a.log.Info("config reloaded",
		logx.Int("daily_limit", cfg.Quota.DailyLimit),
		logx.Int("peak_windows", len(st.peaks)))
}

func baseFor(st settings, job string) time.Duration {
	switch job {
	case "posting":
		return st.basePost
	case "interactions":
		return st.baseInteract
	default:
		return st.baseMonitor
	}
}

func (a *App) housekeeping(retention time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	a.led.Rollover()
	now := time.Now()
	if n, err := a.store.PruneCallLog(ctx, now.Add(-retention)); err != nil {
		a.log.Warn("call log prune failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("call log pruned", logx.Int64("rows", n))
	}
	if n, err := a.store.PruneResolvedReview(ctx, now.Add(-7*24*time.Hour)); err != nil {
		a.log.Warn("review prune failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("resolved reviews pruned", logx.Int64("rows", n))
	}
}

func (a *App) buildMetrics(cfg *config.Config) metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return metrics.Noop{}
	}
	return prommetrics.New(prometheus.DefaultRegisterer, "herald")
}

func (a *App) startMetricsServer(cfg *config.Config, g *errgroup.Group, ctx context.Context) {
	if !cfg.Metrics.Enabled {
		return
	}
	listen := strings.TrimSpace(cfg.Metrics.Listen)
	if listen == "" {
		listen = ":9187"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: listen, Handler: mux}
	a.metSrv = srv

	g.Go(func() error {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics listener failed", logx.Err(err))
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	})
	a.log.Info("metrics listening", logx.String("addr", listen))
}
