// Package app wires the process: config, logging, storage, transports, the
// account pool, the dispatch service and the operator surfaces.
package app

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"botrelay/internal/config"
	"botrelay/internal/dispatch"
	"botrelay/internal/domain"
	"botrelay/internal/eventbus"
	"botrelay/internal/httpapi"
	"botrelay/internal/maintenance"
	"botrelay/internal/pool"
	"botrelay/internal/runtime/supervisor"
	"botrelay/internal/schedule"
	"botrelay/internal/stats"
	"botrelay/internal/storage"
	"botrelay/internal/transport"
	"botrelay/internal/transport/dryrun"
	"botrelay/internal/transport/telegrambot"
	logx "botrelay/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store    *storage.Guard
	registry *transport.Registry
	pool     *pool.Pool
	sched    *schedule.Scheduler
	engine   *dispatch.Engine
	jobs     *dispatch.Service
	counts   *stats.Memory
	redis    *stats.RedisRecorder
	maint    *maintenance.Service
	status   *httpapi.Server

	sup *supervisor.Supervisor

	statusMu     sync.Mutex
	statusCancel context.CancelFunc
	statusCfg    httpapi.Config
}

// New loads cfgPath and builds every component. Nothing connects or runs
// until Start (or RunOnce).
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// A nil *AlertSender must not end up inside the interface.
	var sender logx.AlertSender
	if alertsConfigured(cfg) {
		as, err := telegrambot.NewAlertSender(cfg.Alerts.BotToken, cfg.Alerts.ChatID, telegrambot.Options{APIURL: strings.TrimSpace(cfg.Alerts.APIURL)})
		if err != nil {
			return nil, fmt.Errorf("alerts: %w", err)
		}
		sender = as
	}
	logSvc, root := logx.New(mapLogging(cfg), sender)
	log := root.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, logs: logSvc, log: log, bus: eventbus.New()}
	if err := a.build(cfg, root); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func newRegistry(cfg *config.Config, root logx.Logger) *transport.Registry {
	tgOpts, _ := mapTelegramBot(cfg)
	dryOpts, _ := mapDryRun(cfg)
	reg := transport.NewRegistry()
	reg.Register(domain.KindTelegramBot, telegrambot.Factory(tgOpts, root))
	reg.Register(domain.KindDryRun, dryrun.Factory(dryOpts, root))
	return reg
}

// SupportedKinds lists the transport kinds this build can send through.
// Accounts of any other kind are stored but never enter rotation.
func SupportedKinds() []domain.TransportKind {
	return newRegistry(&config.Config{}, logx.Nop()).Kinds()
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	sc, _ := mapStorage(cfg)
	store, err := storage.Open(sc, root)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	a.registry = newRegistry(cfg, root)

	popts, _ := mapPool(cfg)
	a.pool = pool.New(popts, pool.Deps{
		Store:    store,
		Factory:  a.registry.New,
		Supports: a.registry.Supports,
		Bus:      a.bus,
		Log:      root,
	})

	schedCfg, _ := mapSchedule(cfg)
	a.sched, err = schedule.New(schedCfg, schedule.WithLogger(root))
	if err != nil {
		return err
	}

	a.counts = stats.NewMemory()
	recorders := stats.Tee{a.counts}
	if rs, ok, _ := mapRedis(cfg); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := stats.DialRedis(ctx, rs.Addr, rs.Password, rs.DB)
		cancel()
		if err != nil {
			// Counters are diagnostics; dispatch runs without them.
			a.log.Warn("redis stats disabled", logx.String("addr", rs.Addr), logx.Err(err))
		} else {
			opts := []stats.RedisOption{stats.WithAccountTracking(rs.TrackAccounts)}
			if rs.Prefix != "" {
				opts = append(opts, stats.WithPrefix(rs.Prefix))
			}
			if rs.TTL > 0 {
				opts = append(opts, stats.WithTTL(rs.TTL))
			}
			a.redis = stats.NewRedisRecorder(rdb, opts...)
			recorders = append(recorders, a.redis)
		}
	}

	a.engine = dispatch.NewEngine(dispatch.Deps{
		Pool:      a.pool,
		Scheduler: a.sched,
		Recorder:  recorders,
		Bus:       a.bus,
		Log:       root,
	})
	dcfg, _ := mapDispatch(cfg)
	a.jobs = dispatch.NewService(a.engine, dcfg, root)

	mcfg, _ := mapMaintenance(cfg)
	a.maint = maintenance.New(mcfg, a.pool, store, root)

	a.statusCfg, _ = mapStatus(cfg)
	a.status = httpapi.New(a.statusCfg, httpapi.Deps{
		Connections: a.pool,
		Accounts:    store,
		Banner:      a.pool,
		Batches:     a.jobs,
		Stats:       a.counts,
		Jobs:        a.maint,
		Tasks:       tasksFunc(a.tasks),
	}, root)
	return nil
}

type tasksFunc func() []supervisor.TaskStats

func (f tasksFunc) Snapshot() []supervisor.TaskStats { return f() }

func (a *App) tasks() []supervisor.TaskStats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Snapshot()
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start loads the accounts and launches the long-lived goroutines.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validate)

	if err := a.pool.Refresh(ctx); err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	// Connect everything up front so the first batch does not pay for it.
	a.sup.Go("pool.warmup", func(c context.Context) error {
		sum, err := a.pool.HealthSweep(c)
		if err != nil {
			a.log.Warn("initial health sweep failed", logx.Err(err))
			return nil
		}
		a.log.Info("accounts warmed up", logx.Int("checked", sum.Checked), logx.Int("connected", sum.Connected),
			logx.Int("reconnecting", sum.Reconnecting), logx.Int("failed", sum.Failed), logx.Int("logged_out", sum.LoggedOut))
		return nil
	})

	a.jobs.Start(a.sup)
	if err := a.maint.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}
	a.restartStatus(a.statusCfg)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Int("kinds", len(a.registry.Kinds())))
	return nil
}

func (a *App) logEvent(e eventbus.Event) {
	switch e.Type {
	case eventbus.AccountFailed, eventbus.AccountLoggedOut, eventbus.AccountBanned:
		a.log.Warn("account event", logx.String("type", e.Type), logx.Any("data", e.Data))
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

// applyConfig pushes a validated config into the components that support
// live updates and warns about sections that need a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(newCfg))

	if slices.Contains(sections, "pool") {
		if opts, err := mapPool(newCfg); err != nil {
			a.log.Warn("invalid pool config; keeping previous", logx.Err(err))
		} else {
			a.pool.Apply(opts)
		}
	}
	if slices.Contains(sections, "schedule") {
		if sc, err := mapSchedule(newCfg); err != nil {
			a.log.Warn("invalid schedule config; keeping previous", logx.Err(err))
		} else if err := a.sched.Apply(sc); err != nil {
			a.log.Warn("schedule apply failed", logx.Err(err))
		}
	}
	if slices.Contains(sections, "maintenance") {
		if mc, err := mapMaintenance(newCfg); err != nil {
			a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
		} else if err := a.maint.Apply(mc); err != nil {
			a.log.Warn("maintenance apply failed", logx.Err(err))
		}
	}
	if slices.Contains(sections, "status") {
		if hc, err := mapStatus(newCfg); err != nil {
			a.log.Warn("invalid status config; keeping previous", logx.Err(err))
		} else {
			a.restartStatus(hc)
		}
	}

	a.log.Info("config reloaded", fields...)
}

// restartStatus applies cfg to the status server. A token change is picked up
// by the running listener; anything else restarts it.
func (a *App) restartStatus(cfg httpapi.Config) {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()

	prev := a.statusCfg
	a.statusCfg = cfg
	a.status.Apply(cfg)

	prev.Token, cfg.Token = "", ""
	running := a.statusCancel != nil
	if running && reflect.DeepEqual(prev, cfg) {
		return
	}
	if running {
		a.statusCancel()
		a.statusCancel = nil
		a.log.Info("status server restarting")
	}
	if !cfg.Enabled || a.sup == nil {
		return
	}
	ctx, cancel := context.WithCancel(a.sup.Context())
	a.statusCancel = cancel
	a.sup.GoRestart("status.server", supervisor.RestartPolicy{MinBackoff: 250 * time.Millisecond, MaxBackoff: 10 * time.Second},
		func(context.Context) error { return a.status.Run(ctx) })
}

// RunOnce loads the accounts and runs b in the foreground without starting
// the background services.
func (a *App) RunOnce(ctx context.Context, b dispatch.Batch) (dispatch.Report, error) {
	if err := a.pool.Refresh(ctx); err != nil {
		return dispatch.Report{}, fmt.Errorf("load accounts: %w", err)
	}
	return a.engine.Run(ctx, b)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		// never extend the caller's deadline
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, max(time.Until(dl), 0))
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name),
				logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name),
					logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("pool", 3*time.Second, func(context.Context) error { a.pool.Stop(); return nil })
	if a.sup != nil {
		step("supervisor", 3*time.Second, a.sup.Wait)
	}
	if a.redis != nil {
		step("stats", time.Second, func(context.Context) error { return a.redis.Close() })
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// OpenStore opens only the account store configured in cfgPath, for
// offline account management.
func OpenStore(cfgPath string, log logx.Logger) (*storage.Guard, error) {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}
