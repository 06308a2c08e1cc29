package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taigabot/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe
// structured attrs for logging. Tokens and secrets never appear in attrs.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Telegram (never log token)
	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.APIURL) != strings.TrimSpace(newCfg.Telegram.APIURL) ||
		!reflect.DeepEqual(oldCfg.Telegram.AdminUserIDs, newCfg.Telegram.AdminUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.Int("telegram.admin_count", len(newCfg.Telegram.AdminUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// HTTP (never log pprof token)
	oH, nH := oldCfg.HTTP, newCfg.HTTP
	oTok, nTok := strings.TrimSpace(oH.Pprof.Token) != "", strings.TrimSpace(nH.Pprof.Token) != ""
	oH.Pprof.Token, nH.Pprof.Token = "", ""
	if !reflect.DeepEqual(oH, nH) || oTok != nTok {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(nH.Addr)),
			logx.Bool("http.pprof", nH.Pprof.Enabled),
			logx.Bool("http.pprof_token_set", nTok),
		)
	}

	// Queue URL may carry a password; log only the driver.
	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.driver", newCfg.Queue.Driver),
			logx.Bool("queue.url_set", strings.TrimSpace(newCfg.Queue.URL) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Aggregation, newCfg.Aggregation) {
		changed = append(changed, "aggregation")
		a := newCfg.Aggregation
		delay := -1
		if a.DelaySeconds != nil {
			delay = *a.DelaySeconds
		}
		attrs = append(attrs,
			logx.Int("aggregation.delay_seconds", delay),
			logx.String("aggregation.timezone", strings.TrimSpace(a.Timezone)),
			logx.String("aggregation.sweep", strings.TrimSpace(a.Sweep)),
		)
	}

	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if (oldN == nil) != (newN == nil) || (oldN != nil && !reflect.DeepEqual(*oldN, *newN)) {
		changed = append(changed, "notifier")
		if newN != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", newN.Enabled),
				logx.Int("notifier.workers", newN.Workers),
				logx.Int("notifier.rate_per_sec", newN.RatePerSec),
				logx.Int("notifier.retry_max", newN.RetryMax),
				logx.Bool("notifier.persist_dedup", newN.PersistDedup),
			)
		}
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Locale != newCfg.Locale {
		changed = append(changed, "locale")
		attrs = append(attrs, logx.String("locale.default", newCfg.Locale.Default))
	}

	if !reflect.DeepEqual(oldCfg.Seed, newCfg.Seed) {
		changed = append(changed, "seed")
		attrs = append(attrs,
			logx.Int("seed.projects", len(newCfg.Seed.Projects)),
			logx.Int("seed.instances", len(newCfg.Seed.Instances)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that are only read at start.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "http", "queue", "storage", "locale", "seed":
			out = append(out, s)
		}
	}
	return out
}
