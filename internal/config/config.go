package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Broker struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	ClientID          int    `yaml:"client_id"`
	PrimaryExchange   string `yaml:"primary_exchange"`
	MaxMsgsPerSec     int    `yaml:"max_msgs_per_sec"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_seconds"`
}

type News struct {
	ProviderCode    string `yaml:"provider_code"`
	DedupeWindowSec int    `yaml:"dedupe_window_seconds"`
}

type Detection struct {
	WorkerCount int     `yaml:"worker_count"`
	PriceMult   float64 `yaml:"price_mult"`
	VolMult     float64 `yaml:"vol_mult"`
	CooldownSec int     `yaml:"cooldown_seconds"`
	BarFetchSec int     `yaml:"bar_fetch_seconds"`
	SnapshotSec int     `yaml:"snapshot_seconds"`
}

type Risk struct {
	PerTradeFraction float64 `yaml:"per_trade_fraction"`
	TakeProfitPct    float64 `yaml:"take_profit_pct"`
	MaxHoldSec       int     `yaml:"max_hold_seconds"`
	AllowShort       bool    `yaml:"allow_short"`
	AccountValueTag  string  `yaml:"account_value_tag"` // equity | net_liquidation | cash
	AccountStaleSec  int     `yaml:"account_stale_seconds"`
	OrderTimeoutSec  int     `yaml:"order_timeout_seconds"`
}

type Extractor struct {
	URL           string  `yaml:"url"`
	TimeoutMs     int     `yaml:"timeout_ms"`
	MinConfidence float64 `yaml:"min_confidence"`
	MaxReqPerSec  float64 `yaml:"max_req_per_sec"`
}

type Store struct {
	DSN string `yaml:"dsn"`
}

type Log struct {
	Level string `yaml:"level"`
}

type Trace struct {
	Enabled bool `yaml:"enabled"`
}

type Root struct {
	Broker    Broker    `yaml:"broker"`
	News      News      `yaml:"news"`
	Detection Detection `yaml:"detection"`
	Risk      Risk      `yaml:"risk"`
	Extractor Extractor `yaml:"extractor"`
	Store     Store     `yaml:"store"`
	Log       Log       `yaml:"log"`
	Trace     Trace     `yaml:"trace"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}

	if c.Broker.Host == "" {
		c.Broker.Host = "127.0.0.1"
	}
	if c.Broker.Port == 0 {
		c.Broker.Port = 7497
	}
	if c.Broker.PrimaryExchange == "" {
		c.Broker.PrimaryExchange = "NASDAQ"
	}
	if c.Broker.MaxMsgsPerSec == 0 {
		c.Broker.MaxMsgsPerSec = 40
	}
	if c.Broker.ConnectTimeoutSec == 0 {
		c.Broker.ConnectTimeoutSec = 10
	}

	if c.News.ProviderCode == "" {
		c.News.ProviderCode = "BZ"
	}
	if c.News.DedupeWindowSec == 0 {
		c.News.DedupeWindowSec = 60
	}

	if c.Detection.WorkerCount == 0 {
		c.Detection.WorkerCount = 4
	}
	if c.Detection.PriceMult == 0 {
		c.Detection.PriceMult = 3.0
	}
	if c.Detection.VolMult == 0 {
		c.Detection.VolMult = 5.0
	}
	if c.Detection.CooldownSec == 0 {
		c.Detection.CooldownSec = 300
	}
	if c.Detection.BarFetchSec == 0 {
		c.Detection.BarFetchSec = 5
	}
	if c.Detection.SnapshotSec == 0 {
		c.Detection.SnapshotSec = 2
	}

	if c.Risk.PerTradeFraction == 0 {
		c.Risk.PerTradeFraction = 0.01
	}
	if c.Risk.TakeProfitPct == 0 {
		c.Risk.TakeProfitPct = 0.02
	}
	if c.Risk.MaxHoldSec == 0 {
		c.Risk.MaxHoldSec = 600
	}
	if c.Risk.AccountValueTag == "" {
		c.Risk.AccountValueTag = "net_liquidation"
	}
	if c.Risk.AccountStaleSec == 0 {
		c.Risk.AccountStaleSec = 30
	}
	if c.Risk.OrderTimeoutSec == 0 {
		c.Risk.OrderTimeoutSec = 5
	}

	if c.Extractor.URL == "" {
		c.Extractor.URL = "http://localhost:8092"
	}
	if c.Extractor.TimeoutMs == 0 {
		c.Extractor.TimeoutMs = 1000
	}
	if c.Extractor.MinConfidence == 0 {
		c.Extractor.MinConfidence = 0.5
	}
	if c.Extractor.MaxReqPerSec == 0 {
		c.Extractor.MaxReqPerSec = 5
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	// Env overrides for values that don't belong in a committed file.
	if dsn := os.Getenv("STORE_DSN"); dsn != "" {
		c.Store.DSN = dsn
	}
	if host := os.Getenv("BROKER_HOST"); host != "" {
		c.Broker.Host = host
	}
	if port := os.Getenv("BROKER_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return c, fmt.Errorf("BROKER_PORT: %w", err)
		}
		c.Broker.Port = p
	}

	return c, c.validate()
}

func (c Root) validate() error {
	if c.Risk.PerTradeFraction <= 0 || c.Risk.PerTradeFraction >= 1 {
		return fmt.Errorf("risk.per_trade_fraction %v out of (0,1)", c.Risk.PerTradeFraction)
	}
	if c.Detection.PriceMult <= 0 || c.Detection.VolMult <= 0 {
		return fmt.Errorf("detection multipliers must be positive")
	}
	switch c.Risk.AccountValueTag {
	case "equity", "net_liquidation", "cash":
	default:
		return fmt.Errorf("risk.account_value_tag %q not one of equity|net_liquidation|cash", c.Risk.AccountValueTag)
	}
	return nil
}
