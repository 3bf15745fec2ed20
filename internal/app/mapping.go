package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"botrelay/internal/config"
	"botrelay/internal/dispatch"
	"botrelay/internal/httpapi"
	"botrelay/internal/maintenance"
	"botrelay/internal/pool"
	"botrelay/internal/schedule"
	"botrelay/internal/session"
	"botrelay/internal/storage"
	"botrelay/internal/transport/dryrun"
	"botrelay/internal/transport/telegrambot"
	logx "botrelay/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    lc.Alert.Enabled,
			MinLevel:   lc.Alert.MinLevel,
			RatePerSec: lc.Alert.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), DSN: strings.TrimSpace(sc.DSN)}

	switch driver {
	case "", "memory":
		out.Driver = "memory"
	case "file":
		if out.Path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=file")
		}
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "postgres", "postgresql":
		if out.DSN == "" {
			return storage.Config{}, errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}

	def := storage.DefaultBreakerConfig()
	timeout, err := config.ParseDurationOrDefault("storage.breaker.timeout", sc.Breaker.Timeout, def.Timeout)
	if err != nil {
		return storage.Config{}, err
	}
	out.Breaker = storage.BreakerConfig{
		Threshold:   sc.Breaker.Threshold,
		Timeout:     timeout,
		MaxRequests: sc.Breaker.MaxRequests,
	}
	return out, nil
}

func mapPool(cfg *config.Config) (pool.Options, error) {
	pc := cfg.Pool
	def := session.DefaultConfig()
	sc := session.Config{
		MaxReconnectAttempts: def.MaxReconnectAttempts,
		BanOnMaxReconnects:   def.BanOnMaxReconnects,
	}
	if pc.MaxReconnectAttempts < 0 {
		return pool.Options{}, errors.New("pool.max_reconnect_attempts must be >= 0")
	}
	if pc.MaxReconnectAttempts > 0 {
		sc.MaxReconnectAttempts = pc.MaxReconnectAttempts
	}
	if pc.BanOnMaxReconnects != nil {
		sc.BanOnMaxReconnects = *pc.BanOnMaxReconnects
	}
	if pc.SweepWorkers < 0 {
		return pool.Options{}, errors.New("pool.sweep_workers must be >= 0")
	}

	if err := config.ParseDurations(
		config.DurationField{Path: "pool.connect_timeout", Raw: pc.ConnectTimeout, Def: def.ConnectTimeout, Dst: &sc.ConnectTimeout},
		config.DurationField{Path: "pool.ping_timeout", Raw: pc.PingTimeout, Def: def.PingTimeout, Dst: &sc.PingTimeout},
		config.DurationField{Path: "pool.reconnect_base", Raw: pc.ReconnectBase, Def: def.ReconnectBase, Dst: &sc.ReconnectBase},
		config.DurationField{Path: "pool.keepalive_interval", Raw: pc.KeepAliveInterval, Def: def.KeepAliveInterval, Dst: &sc.KeepAliveInterval},
		config.DurationField{Path: "pool.heartbeat_interval", Raw: pc.HeartbeatInterval, Def: def.HeartbeatInterval, Dst: &sc.HeartbeatInterval},
		config.DurationField{Path: "pool.idle_threshold", Raw: pc.IdleThreshold, Def: def.IdleThreshold, Dst: &sc.IdleThreshold},
	); err != nil {
		return pool.Options{}, err
	}
	return pool.Options{Session: sc, SweepWorkers: pc.SweepWorkers}, nil
}

func mapSchedule(cfg *config.Config) (schedule.Config, error) {
	sc := cfg.Schedule
	out := schedule.DefaultConfig()
	if sc.WindowStart != nil {
		out.WindowStart = *sc.WindowStart
	}
	if sc.WindowEnd != nil {
		out.WindowEnd = *sc.WindowEnd
	}
	if sc.EnforceWindow != nil {
		out.EnforceWindow = *sc.EnforceWindow
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return schedule.Config{}, fmt.Errorf("schedule.timezone: invalid %q: %w", tz, err)
		}
		out.Location = loc
	}
	var err error
	if out.MinDelay, err = config.ParseDurationOrDefault("schedule.min_delay", sc.MinDelay, out.MinDelay); err != nil {
		return schedule.Config{}, err
	}
	if out.MaxDelay, err = config.ParseDurationOrDefault("schedule.max_delay", sc.MaxDelay, out.MaxDelay); err != nil {
		return schedule.Config{}, err
	}
	if err := out.Validate(); err != nil {
		return schedule.Config{}, fmt.Errorf("schedule: %w", err)
	}
	return out, nil
}

func mapDispatch(cfg *config.Config) (dispatch.ServiceConfig, error) {
	dc := cfg.Dispatch
	if dc.Workers < 0 || dc.QueueSize < 0 || dc.StatusMax < 0 {
		return dispatch.ServiceConfig{}, errors.New("dispatch.workers, queue_size and status_max must be >= 0")
	}
	ttl, err := config.ParseDurationField("dispatch.status_ttl", dc.StatusTTL)
	if err != nil {
		return dispatch.ServiceConfig{}, err
	}
	return dispatch.ServiceConfig{
		Workers:   dc.Workers,
		QueueSize: dc.QueueSize,
		StatusMax: dc.StatusMax,
		StatusTTL: ttl,
	}, nil
}

// disabledSpec turns the "-" placeholder into an empty (disabled) spec.
func disabledSpec(spec string) string {
	if strings.TrimSpace(spec) == "-" {
		return ""
	}
	return spec
}

func mapMaintenance(cfg *config.Config) (maintenance.Config, error) {
	mc := cfg.Maintenance
	out := maintenance.DefaultConfig()
	if mc.Enabled != nil {
		out.Enabled = *mc.Enabled
	}
	out.Timezone = strings.TrimSpace(mc.Timezone)
	if mc.HealthSweep != "" {
		out.HealthSweep = disabledSpec(mc.HealthSweep)
	}
	if mc.DailyReset != "" {
		out.DailyReset = disabledSpec(mc.DailyReset)
	}
	timeout, err := config.ParseDurationOrDefault("maintenance.timeout", mc.Timeout, out.Timeout)
	if err != nil {
		return maintenance.Config{}, err
	}
	out.Timeout = timeout
	return out, nil
}

func mapStatus(cfg *config.Config) (httpapi.Config, error) {
	sc := cfg.Status
	out := httpapi.Config{
		Enabled:       sc.Enabled,
		Addr:          strings.TrimSpace(sc.Addr),
		Token:         strings.TrimSpace(sc.Token),
		AllowInsecure: sc.AllowInsecure,
		Pprof:         sc.Pprof,
	}
	// pprof profiles run for 30s by default; leave room for them.
	writeDef := 15 * time.Second
	if sc.Pprof {
		writeDef = 60 * time.Second
	}
	if err := config.ParseDurations(
		config.DurationField{Path: "status.read_timeout", Raw: sc.ReadTimeout, Def: 10 * time.Second, Dst: &out.ReadTimeout},
		config.DurationField{Path: "status.write_timeout", Raw: sc.WriteTimeout, Def: writeDef, Dst: &out.WriteTimeout},
		config.DurationField{Path: "status.idle_timeout", Raw: sc.IdleTimeout, Def: 60 * time.Second, Dst: &out.IdleTimeout},
	); err != nil {
		return httpapi.Config{}, err
	}
	if err := out.Validate(); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

func mapTelegramBot(cfg *config.Config) (telegrambot.Options, error) {
	tc := cfg.Transports.TelegramBot
	timeout, err := config.ParseDurationField("transports.telegram_bot.http_timeout", tc.HTTPTimeout)
	if err != nil {
		return telegrambot.Options{}, err
	}
	return telegrambot.Options{APIURL: strings.TrimSpace(tc.APIURL), HTTPTimeout: timeout}, nil
}

func mapDryRun(cfg *config.Config) (dryrun.Options, error) {
	latency, err := config.ParseDurationField("transports.dryrun.latency", cfg.Transports.DryRun.Latency)
	if err != nil {
		return dryrun.Options{}, err
	}
	return dryrun.Options{Latency: latency}, nil
}

type redisSettings struct {
	Addr          string
	Password      string
	DB            int
	Prefix        string
	TTL           time.Duration
	TrackAccounts bool
}

func mapRedis(cfg *config.Config) (redisSettings, bool, error) {
	rc := cfg.Stats.Redis
	if !rc.Enabled {
		return redisSettings{}, false, nil
	}
	out := redisSettings{
		Addr:          strings.TrimSpace(rc.Addr),
		Password:      rc.Password,
		DB:            rc.DB,
		Prefix:        strings.TrimSpace(rc.Prefix),
		TrackAccounts: true,
	}
	if out.Addr == "" {
		return redisSettings{}, false, errors.New("stats.redis.addr is required when stats.redis.enabled=true")
	}
	if rc.DB < 0 {
		return redisSettings{}, false, errors.New("stats.redis.db must be >= 0")
	}
	if rc.TrackAccounts != nil {
		out.TrackAccounts = *rc.TrackAccounts
	}
	ttl, err := config.ParseDurationField("stats.redis.ttl", rc.TTL)
	if err != nil {
		return redisSettings{}, false, err
	}
	out.TTL = ttl
	return out, true, nil
}

func alertsConfigured(cfg *config.Config) bool {
	return strings.TrimSpace(cfg.Alerts.BotToken) != "" && cfg.Alerts.ChatID != 0
}

// validate is the config manager hook: a reload that fails it is rejected and
// the previous config stays active.
func validate(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if cfg.Logging.Alert.Enabled && !alertsConfigured(cfg) {
		return errors.New("logging.alert.enabled requires alerts.bot_token and alerts.chat_id")
	}
	if cfg.Logging.Alert.RatePerSec < 0 {
		return errors.New("logging.alert.rate_per_sec must be >= 0")
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapPool(cfg); err != nil {
		return err
	}
	if _, err := mapSchedule(cfg); err != nil {
		return err
	}
	if _, err := mapDispatch(cfg); err != nil {
		return err
	}
	mc, err := mapMaintenance(cfg)
	if err != nil {
		return err
	}
	if err := maintenance.New(mc, nil, nil, logx.Nop()).Validate(mc); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}
	if _, err := mapStatus(cfg); err != nil {
		return err
	}
	if _, err := mapTelegramBot(cfg); err != nil {
		return err
	}
	if _, err := mapDryRun(cfg); err != nil {
		return err
	}
	if _, _, err := mapRedis(cfg); err != nil {
		return err
	}
	return nil
}
