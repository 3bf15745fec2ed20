package config

import (
	"reflect"
	"sort"
	"strings"

	logx "botrelay/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens, DSNs, passwords) are only
// reported as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pool, newCfg.Pool) {
		changed = append(changed, "pool")
		attrs = append(attrs,
			logx.String("pool.reconnect_base", newCfg.Pool.ReconnectBase),
			logx.Int("pool.max_reconnect_attempts", newCfg.Pool.MaxReconnectAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.timezone", newCfg.Schedule.Timezone),
			logx.String("schedule.min_delay", newCfg.Schedule.MinDelay),
			logx.String("schedule.max_delay", newCfg.Schedule.MaxDelay),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs, logx.Int("dispatch.workers", newCfg.Dispatch.Workers))
	}

	if !reflect.DeepEqual(oldCfg.Transports, newCfg.Transports) {
		changed = append(changed, "transports")
	}

	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.health_sweep", newCfg.Maintenance.HealthSweep),
			logx.String("maintenance.daily_reset", newCfg.Maintenance.DailyReset),
		)
	}

	if !reflect.DeepEqual(oldCfg.Stats, newCfg.Stats) {
		changed = append(changed, "stats")
		attrs = append(attrs,
			logx.Bool("stats.redis_enabled", newCfg.Stats.Redis.Enabled),
			logx.String("stats.redis_addr", newCfg.Stats.Redis.Addr),
		)
	}

	oStatus, nStatus := oldCfg.Status, newCfg.Status
	tokenChanged := oStatus.Token != nStatus.Token
	oStatus.Token, nStatus.Token = "", ""
	if tokenChanged || oStatus != nStatus {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", nStatus.Enabled),
			logx.String("status.addr", nStatus.Addr),
			logx.Bool("status.token_set", strings.TrimSpace(newCfg.Status.Token) != ""),
		)
	}

	if oldCfg.Alerts != newCfg.Alerts {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.token_set", strings.TrimSpace(newCfg.Alerts.BotToken) != ""),
			logx.Int64("alerts.chat_id", newCfg.Alerts.ChatID),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a
// process restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "transports", "stats", "alerts", "dispatch":
			out = append(out, s)
		}
	}
	return out
}
