// Package app wires the daemon together: config, logging, storage, the
// worker runner, the execution engine, the scheduler and the heartbeat, all
// under one supervisor.
package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"aide/internal/config"
	"aide/internal/eventbus"
	"aide/internal/observability/pprof"
	rtsup "aide/internal/runtime/supervisor"
	"aide/internal/storage"
	"aide/internal/task/breaker"
	"aide/internal/task/engine"
	"aide/internal/task/runner"
	"aide/internal/task/scheduler"
	logx "aide/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	breakers *breaker.Registry
	runner   *runner.Runner
	engine   *engine.Service
	sched    *scheduler.Service
	hb       *scheduler.Heartbeat
	pprof    *pprof.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("component", "app"))
	cfgm.SetLogger(log.With(logx.String("component", "config")))

	bus := eventbus.New()

	stCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(stCfg, log.With(logx.String("component", "storage")))
	if err != nil {
		return nil, err
	}
	if store == nil {
		// Degrade, don't stop: jobs still run, nothing survives a restart.
		store = storage.NewMemory()
		log.Warn("storage disabled, using in-memory job set")
	} else {
		log.Info("storage opened", logx.String("driver", stCfg.Driver), logx.String("path", stCfg.Path))
	}

	brCfg, err := mapBreakerConfig(cfg)
	if err != nil {
		return nil, err
	}
	brCfg.OnOpen = func(name string, failures int) {
		log.Warn("breaker opened", logx.String("breaker", name), logx.Int("failures", failures))
		bus.Publish(eventbus.Event{Type: eventbus.TopicBreakerOpened, Data: name})
	}
	brCfg.OnClose = func(name string) {
		log.Info("breaker closed", logx.String("breaker", name))
		bus.Publish(eventbus.Event{Type: eventbus.TopicBreakerClosed, Data: name})
	}
	breakers := breaker.NewRegistry(brCfg)

	runCfg, err := mapRunnerConfig(cfg)
	if err != nil {
		return nil, err
	}
	run := runner.New(runCfg, log.With(logx.String("component", "runner")))

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, run, breakers, log, bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	var sched *scheduler.Service
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(schedCfg, store, eng, log, bus)
		if err != nil {
			return nil, err
		}
	}

	var hb *scheduler.Heartbeat
	if cfg.Heartbeat.Enabled {
		hbCfg, err := mapHeartbeatConfig(cfg)
		if err != nil {
			return nil, err
		}
		gate := scheduler.NewDedupGate(store, hbCfg.DedupWindow, log)
		loc := time.Local
		if schedCfg.Timezone != "" {
			loc, _ = time.LoadLocation(schedCfg.Timezone)
		}
		hb = scheduler.NewHeartbeat(hbCfg, eng, gate, log, bus, loc)
	}

	ppCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		breakers: breakers,
		runner:   run,
		engine:   eng,
		sched:    sched,
		hb:       hb,
		pprof:    pprof.New(ppCfg, log),
	}, nil
}

// Engine exposes the execution engine for ad-hoc task triggers.
func (a *App) Engine() *engine.Service { return a.engine }

// Done is closed when the app supervisor context is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Reject bad hot reloads before they are committed.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	syncConfigJobs(a.sup.Context(), a.store, a.cfgm.Get().Jobs, a.log)

	if err := a.pprof.Start(a.sup.Context()); err != nil {
		a.log.Warn("pprof start failed", logx.Err(err))
	}

	if a.sched != nil {
		a.sup.Go("scheduler.run", a.sched.Run)
	}
	if a.hb != nil {
		a.sup.Go("heartbeat.run", a.hb.Run)
	}

	// Event log tap, debug-level to stay quiet under frequent schedules.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(c, newCfg)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	if iv, err := daemon.SdWatchdogEnabled(false); err == nil && iv > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			tkr := time.NewTicker(iv / 2)
			defer tkr.Stop()
			for {
				select {
				case <-c.Done():
					return
				case <-tkr.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		})
	}
	a.log.Info("aide started")
	return nil
}

// applyReload applies a validated config that arrived via hot reload. Only
// live-tunable settings change in place; worker, storage and scheduler
// topology changes need a restart and are logged as such.
func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if ppc, err := mapPprofConfig(cfg); err == nil {
		a.pprof.Reconfigure(ctx, ppc)
	}

	syncConfigJobs(ctx, a.store, cfg.Jobs, a.log)

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if a.sup == nil {
		return nil
	}

	err := a.sup.Stop(ctx)

	a.pprof.Stop(ctx)
	// Kill any live worker process groups so nothing leaks across restarts.
	a.runner.Shutdown()
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("aide stopped")
	_ = a.logs.Close()
	return err
}
