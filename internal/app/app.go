// Package app wires the components together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"groupcast/internal/channel"
	"groupcast/internal/config"
	"groupcast/internal/dispatch"
	"groupcast/internal/eventbus"
	"groupcast/internal/httpapi"
	"groupcast/internal/metrics"
	"groupcast/internal/runtime/supervisor"
	"groupcast/internal/scheduler"
	"groupcast/internal/service"
	"groupcast/internal/storage"
	"groupcast/internal/targets"
	"groupcast/pkg/logx"
	"groupcast/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sup  *supervisor.Supervisor

	targets *targets.Registry
	metrics *metrics.Metrics
	session *channel.Session
	engine  *dispatch.Engine

	// Built in Start, once storage is open.
	store storage.Store
	sched *scheduler.Service
	svc   *service.Service
	http  *httpapi.Server
}

// New loads the config and builds everything that does not need I/O.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(cfg.Logging.Logx())
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	bus := eventbus.New()

	reg, err := targets.New(cfg.TargetList())
	if err != nil {
		return nil, err
	}
	if len(reg.Names()) == 0 {
		log.Warn("no targets configured; broadcasts will be rejected until targets are added")
	}

	drv, err := newDriver(cfg.Channel, root.With(logx.String("comp", "driver")))
	if err != nil {
		return nil, err
	}
	sessCfg, err := cfg.Channel.Session()
	if err != nil {
		return nil, err
	}
	session := channel.New(drv, sessCfg, root.With(logx.String("comp", "channel")), bus)

	engCfg, err := cfg.Engine()
	if err != nil {
		return nil, err
	}
	engine := dispatch.New(engCfg, session, root.With(logx.String("comp", "dispatch")), bus)

	var m *metrics.Metrics
	if cfg.HTTP.MetricsEnabled() {
		m = metrics.New()
	}

	return &App{
		cfgm:    cfgm,
		cfg:     cfg,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		targets: reg,
		metrics: m,
		session: session,
		engine:  engine,
	}, nil
}

// Service is the request surface. Nil before Start.
func (a *App) Service() *service.Service { return a.svc }

// Done is closed when the app stops or a supervised loop fails.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal error of a supervised loop.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings components up in dependency order: storage, channel session,
// scheduler, HTTP. A failure stops what was already started.
func (a *App) Start(ctx context.Context) (err error) {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	defer func() {
		if err != nil {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			a.Stop(stopCtx, StopStartFailed)
			cancel()
		}
	}()

	if a.metrics != nil {
		a.sup.Go0("metrics", func(c context.Context) { a.metrics.Run(c, a.bus) })
	}

	stCfg, err := a.cfg.Storage.Store()
	if err != nil {
		return err
	}
	a.store, err = storage.Open(ctx, stCfg, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage opened", logx.String("driver", stCfg.Driver))

	if err := a.session.Start(ctx); err != nil {
		return fmt.Errorf("start channel session: %w", err)
	}

	schedCfg, err := a.cfg.Scheduler.Scheduler()
	if err != nil {
		return err
	}
	a.sched, err = scheduler.New(schedCfg, scheduler.Deps{
		Store:      a.store,
		Dispatcher: a.engine,
		Auth:       a.session,
		Targets:    a.targets,
		Log:        a.log.With(logx.String("comp", "scheduler")),
		Bus:        a.bus,
	})
	if err != nil {
		return err
	}
	if err := a.sched.Bootstrap(ctx); err != nil {
		return err
	}

	a.svc = service.New(a.sched, a.engine, a.session, a.targets, a.log.With(logx.String("comp", "service")))

	httpCfg, err := a.cfg.HTTP.Server()
	if err != nil {
		return err
	}
	a.http = httpapi.New(httpCfg, a.svc, a.metrics, a.log)
	if err := a.http.Start(ctx); err != nil {
		return err
	}

	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })
	updates := a.cfgm.Subscribe(4)
	a.sup.Go0("config.apply", func(c context.Context) {
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-updates:
				if !ok {
					return
				}
				a.applyConfig(c, next)
			}
		}
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) { systemd.Watchdog(c, a.log) })

	a.log.Info("app started",
		logx.String("channel", a.cfg.Channel.DriverName()),
		logx.Int("targets", len(a.targets.Names())),
		logx.Bool("http", httpCfg.Enabled),
	)
	return nil
}

// HTTPAddr returns the bound HTTP address, or "" when the server is off.
func (a *App) HTTPAddr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
}

// Stop shuts components down in reverse order. Each step is bounded so one
// stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) {
	if a.sup == nil {
		return
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.step(ctx, "http", 3*time.Second, func(c context.Context) error {
		if a.http != nil {
			a.http.Stop(c)
		}
		return nil
	})
	a.step(ctx, "scheduler", 5*time.Second, func(c context.Context) error {
		if a.sched != nil {
			return a.sched.Stop(c)
		}
		return nil
	})
	a.step(ctx, "channel", 5*time.Second, func(c context.Context) error { a.session.Shutdown(c); return nil })
	a.step(ctx, "storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// step runs fn with a deadline of at most max, never extending ctx.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			append([]logx.Field{
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			}, a.goroutineFields()...)...,
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Duration("took", time.Since(start)),
				logx.Err(err),
			)
		}()
	}
}

// goroutineFields describes what is still running under the supervisor.
func (a *App) goroutineFields() []logx.Field {
	if a.sup == nil {
		return nil
	}
	snap := a.sup.Snapshot()
	var busy []string
	for _, g := range snap.Goroutines {
		if g.Active > 0 {
			busy = append(busy, g.Name)
		}
	}
	return []logx.Field{logx.Int64("active_goroutines", snap.Active), logx.Strings("busy", busy)}
}
