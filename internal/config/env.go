package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Environment overrides, applied after the file is decoded.
const (
	EnvTelegramToken    = "TELEGRAM_TOKEN"
	EnvAggregationDelay = "AGGREGATION_DELAY_SECONDS"
	EnvTimezone         = "TIMEZONE"
	EnvRedisURL         = "REDIS_URL"
	EnvHTTPAddr         = "HTTP_ADDR"
)

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get(EnvTelegramToken); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get(EnvAggregationDelay); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%s: want a non-negative integer, got %q", EnvAggregationDelay, v)
		}
		cfg.Aggregation.DelaySeconds = &n
	}
	if v, ok := get(EnvTimezone); ok {
		cfg.Aggregation.Timezone = v
	}
	if v, ok := get(EnvRedisURL); ok {
		cfg.Queue.URL = v
	}
	if v, ok := get(EnvHTTPAddr); ok {
		cfg.HTTP.Addr = v
	}
	return nil
}
