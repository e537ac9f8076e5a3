// Package config loads the facilitator's runtime configuration from the
// environment, following the same functional-options override pattern the
// teacher uses for its resource server/service/client constructors.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named in the external interface.
type Config struct {
	SettlementThresholdAmount string
	SettlementThresholdTime   time.Duration
	SettlementThresholdCount  int
	AutoSettlement            bool
	SettlementCheckInterval   time.Duration
	SolanaRPCURL              string
	USDCMint                  string
	MetricsSnapshotInterval   time.Duration

	ListenAddr string
}

// Option mutates a Config at load time, applied after environment defaults
// so tests and embedders can override individual fields without setting
// environment variables.
type Option func(*Config)

func WithSettlementThresholdAmount(v string) Option {
	return func(c *Config) { c.SettlementThresholdAmount = v }
}

func WithSettlementThresholdTime(v time.Duration) Option {
	return func(c *Config) { c.SettlementThresholdTime = v }
}

func WithSettlementThresholdCount(v int) Option {
	return func(c *Config) { c.SettlementThresholdCount = v }
}

func WithAutoSettlement(v bool) Option {
	return func(c *Config) { c.AutoSettlement = v }
}

func WithSettlementCheckInterval(v time.Duration) Option {
	return func(c *Config) { c.SettlementCheckInterval = v }
}

func WithSolanaRPCURL(v string) Option {
	return func(c *Config) { c.SolanaRPCURL = v }
}

func WithUSDCMint(v string) Option {
	return func(c *Config) { c.USDCMint = v }
}

func WithListenAddr(v string) Option {
	return func(c *Config) { c.ListenAddr = v }
}

// Load reads environment variables with the spec's documented defaults,
// then applies opts on top.
func Load(opts ...Option) *Config {
	c := &Config{
		SettlementThresholdAmount: getEnv("SETTLEMENT_THRESHOLD_AMOUNT", "1.00"),
		SettlementThresholdTime:   time.Duration(getEnvInt("SETTLEMENT_THRESHOLD_TIME", 3600)) * time.Second,
		SettlementThresholdCount:  getEnvInt("SETTLEMENT_THRESHOLD_COUNT", 100),
		AutoSettlement:            getEnvBool("AUTO_SETTLEMENT", true),
		SettlementCheckInterval:   time.Duration(getEnvInt("SETTLEMENT_CHECK_INTERVAL", 60000)) * time.Millisecond,
		SolanaRPCURL:              getEnv("SOLANA_RPC_URL", ""),
		USDCMint:                  getEnv("USDC_MINT", ""),
		MetricsSnapshotInterval:   300 * time.Second,
		ListenAddr:                getEnv("LISTEN_ADDR", ":8080"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
