package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimitConfig tunes one Redis token bucket limiter.
type RateLimitConfig struct {
	Enabled        bool
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	TTL            time.Duration
	KeyStrategy    string
	Prefix         string
	Debug          bool
}

// Limiter scopes.  The public scope fronts the availability query; the
// booking scope covers the authenticated write routes, where every
// request contends for stock locks.
const (
	ScopePublic  = "public"
	ScopeBooking = "booking"
)

var scopeDefaults = map[string]RateLimitConfig{
	ScopePublic: {
		Enabled:        true,
		Capacity:       60,
		RefillTokens:   1,
		RefillInterval: time.Second,
		TTL:            10 * time.Minute,
		KeyStrategy:    "ip_route",
		Prefix:         "rl:public",
	},
	ScopeBooking: {
		Enabled:        true,
		Capacity:       10,
		RefillTokens:   1,
		RefillInterval: 2 * time.Second,
		TTL:            10 * time.Minute,
		KeyStrategy:    "user_route",
		Prefix:         "rl:booking",
	},
}

// LoadRateLimitConfig reads the limiter for scope.  Each variable is
// looked up as <SCOPE>_RATE_LIMIT_<NAME> first and RATE_LIMIT_<NAME>
// second, so shared settings can be given once.
func LoadRateLimitConfig(scope string) RateLimitConfig {
	def, ok := scopeDefaults[scope]
	if !ok {
		def = scopeDefaults[ScopePublic]
	}
	get := func(name string) string {
		if v := os.Getenv(strings.ToUpper(scope) + "_RATE_LIMIT_" + name); v != "" {
			return v
		}
		return os.Getenv("RATE_LIMIT_" + name)
	}

	c := RateLimitConfig{
		Enabled:        parseBool(get("ENABLED"), def.Enabled),
		Capacity:       parseInt(get("CAPACITY"), def.Capacity),
		RefillTokens:   parseInt(get("REFILL_TOKENS"), def.RefillTokens),
		RefillInterval: parseDur(get("REFILL_INTERVAL"), def.RefillInterval),
		TTL:            parseDur(get("TTL"), def.TTL),
		KeyStrategy:    orDefault(get("KEY_STRATEGY"), def.KeyStrategy),
		Prefix:         orDefault(get("PREFIX"), def.Prefix),
		Debug:          parseBool(get("DEBUG"), false),
	}
	if b := parseInt(get("BURST"), -1); b > 0 {
		c.Capacity = b
	}
	if every := parseDur(get("REFILL_EVERY"), 0); every > 0 {
		c.RefillTokens = 1
		c.RefillInterval = every
	}
	if c.Capacity < 1 {
		c.Capacity = 1
	}
	if c.RefillTokens < 1 {
		c.RefillTokens = 1
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = time.Second
	}
	// The bucket must outlive a few refills or idle users get a full burst.
	if minTTL := 5 * c.RefillInterval; c.TTL < minTTL {
		c.TTL = minTTL
	}
	return c
}

func envStr(k, d string) string { return orDefault(os.Getenv(k), d) }

func envBool(k string, d bool) bool { return parseBool(os.Getenv(k), d) }

func envInt(k string, d int) int { return parseInt(os.Getenv(k), d) }

func envDur(k string, d time.Duration) time.Duration { return parseDur(os.Getenv(k), d) }

func orDefault(v, d string) string {
	if v != "" {
		return v
	}
	return d
}

func parseBool(v string, d bool) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return d
}

func parseInt(v string, d int) int {
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func parseDur(v string, d time.Duration) time.Duration {
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}
