package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "5m"); an omitted or zero duration means the default.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Pool        PoolConfig        `json:"pool"`
	Schedule    ScheduleConfig    `json:"schedule"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Transports  TransportsConfig  `json:"transports"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Stats       StatsConfig       `json:"stats"`
	Status      StatusConfig      `json:"status"`
	Alerts      AlertsConfig      `json:"alerts"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warn+ lines to the operator chat configured under
// alerts.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the account store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./botrelay.db" }
type StorageConfig struct {
	Driver      string        `json:"driver"`
	Path        string        `json:"path,omitempty"`
	DSN         string        `json:"dsn,omitempty"`          // postgres (do not log)
	BusyTimeout string        `json:"busy_timeout,omitempty"` // sqlite
	Breaker     BreakerConfig `json:"breaker"`
}

type BreakerConfig struct {
	Threshold   uint32 `json:"threshold,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	MaxRequests uint32 `json:"max_requests,omitempty"`
}

// PoolConfig tunes the per-account connection supervision.
//
// Defaults: connect_timeout 30s, ping_timeout 15s, reconnect_base 5s,
// max_reconnect_attempts 10, keepalive_interval 5m, heartbeat_interval 2m,
// idle_threshold 10m, ban_on_max_reconnects true, sweep_workers 8.
type PoolConfig struct {
	ConnectTimeout       string `json:"connect_timeout,omitempty"`
	PingTimeout          string `json:"ping_timeout,omitempty"`
	ReconnectBase        string `json:"reconnect_base,omitempty"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts,omitempty"`
	KeepAliveInterval    string `json:"keepalive_interval,omitempty"`
	HeartbeatInterval    string `json:"heartbeat_interval,omitempty"`
	IdleThreshold        string `json:"idle_threshold,omitempty"`
	// BanOnMaxReconnects is a pointer so an explicit false can be told from
	// an omitted field.
	BanOnMaxReconnects *bool `json:"ban_on_max_reconnects,omitempty"`
	SweepWorkers       int   `json:"sweep_workers,omitempty"`
}

// ScheduleConfig controls pacing and the working-hours window.
//
// Defaults: window 9..21 local time, enforced, delay 3m..31m.
type ScheduleConfig struct {
	WindowStart   *int   `json:"window_start,omitempty"`
	WindowEnd     *int   `json:"window_end,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
	EnforceWindow *bool  `json:"enforce_window,omitempty"`
	MinDelay      string `json:"min_delay,omitempty"`
	MaxDelay      string `json:"max_delay,omitempty"`
}

type DispatchConfig struct {
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	StatusMax int    `json:"status_max,omitempty"`
	StatusTTL string `json:"status_ttl,omitempty"`
}

type TransportsConfig struct {
	TelegramBot TelegramBotTransport `json:"telegram_bot"`
	DryRun      DryRunTransport      `json:"dryrun"`
}

type TelegramBotTransport struct {
	APIURL      string `json:"api_url,omitempty"`
	HTTPTimeout string `json:"http_timeout,omitempty"`
}

type DryRunTransport struct {
	Latency string `json:"latency,omitempty"`
}

// MaintenanceConfig schedules the cron jobs. Specs accept 5- or 6-field cron
// expressions and descriptors ("@every 10m", "@daily"); "-" disables a job.
type MaintenanceConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	HealthSweep string `json:"health_sweep,omitempty"`
	DailyReset  string `json:"daily_reset,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

type StatsConfig struct {
	Redis RedisStats `json:"redis"`
}

type RedisStats struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Password      string `json:"password,omitempty"` // do not log
	DB            int    `json:"db,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	TTL           string `json:"ttl,omitempty"`
	TrackAccounts *bool  `json:"track_accounts,omitempty"`
}

// StatusConfig controls the operator HTTP API.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8087").
//   - A non-loopback address needs a token or allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// AlertsConfig is the operator chat used by the logging alert sink.
type AlertsConfig struct {
	BotToken string `json:"bot_token,omitempty"` // do not log
	ChatID   int64  `json:"chat_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
}
