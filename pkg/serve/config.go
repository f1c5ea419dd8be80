// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package serve

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-sql-driver/mysql"
)

const (
	maxAllowedPacket = 16777216 // OB
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

type Database struct {
	Name    string   `toml:"name"`
	User    string   `toml:"user"`
	Host    string   `toml:"host"`
	Port    int      `toml:"port"`
	Passwd  string   `toml:"passwd"`
	Timeout Duration `toml:"timeout,omitempty"`
}

func (d *Database) MakeConfig() (*mysql.Config, error) {
	if d.Timeout.Duration == 0 {
		d.Timeout.Duration = 30 * time.Second
	}

	cfg := mysql.NewConfig()
	cfg.User = d.User
	cfg.Passwd = d.Passwd
	cfg.DBName = d.Name
	cfg.Net = "tcp"
	cfg.Addr = d.Host + ":" + strconv.Itoa(d.Port)
	cfg.Timeout = d.Timeout.Duration
	cfg.ReadTimeout = d.Timeout.Duration
	cfg.WriteTimeout = d.Timeout.Duration
	cfg.ParseTime = true
	cfg.InterpolateParams = true
	cfg.MaxAllowedPacket = maxAllowedPacket

	return cfg, nil
}

type Cache struct {
	NumCounters int64 `toml:"num_counters"`
	MaxCost     int64 `toml:"max_cost"`
	BufferItems int64 `toml:"buffer_items"`
}

type BrokerConfig struct {
	// URL is the AMQP endpoint; empty runs the in-process broker.
	URL     string `toml:"url,omitempty"`
	Durable string `toml:"durable,omitempty"`
	Pattern string `toml:"pattern,omitempty"`
}

type DeltaConfig struct {
	CompressionThreshold float64 `toml:"compression_threshold,omitempty"`
	MaxChainLength       int     `toml:"max_chain_length,omitempty"`
	Workers              int     `toml:"workers,omitempty"`
}

type LockConfig struct {
	SweepInterval Duration `toml:"sweep_interval,omitempty"`
	AcquireWait   Duration `toml:"acquire_wait,omitempty"`
}

type IndexConfig struct {
	SwitchTimeout Duration `toml:"switch_timeout,omitempty"`
}

type OutboxConfig struct {
	PollInterval  Duration `toml:"poll_interval,omitempty"`
	BatchSize     int      `toml:"batch_size,omitempty"`
	MaxAttempts   int      `toml:"max_attempts,omitempty"`
	DeadRetention Duration `toml:"dead_retention,omitempty"`
}

type SubscriberConfig struct {
	IdempotencyWindow Duration `toml:"idempotency_window,omitempty"`
	MessageDeadline   Duration `toml:"message_deadline,omitempty"`
	RetryBudget       int      `toml:"retry_budget,omitempty"`
}

type MergeConfig struct {
	WallClockBudget Duration `toml:"wallclock_budget,omitempty"`
}

type CompactionConfig struct {
	Enabled  bool     `toml:"enabled,omitempty"`
	MaxChain int      `toml:"max_chain,omitempty"`
	Interval Duration `toml:"interval,omitempty"`
}

// ServerConfig is the whole TOML file. ${VAR} references in the file are
// expanded from the environment before decoding.
type ServerConfig struct {
	Database   Database         `toml:"database"`
	Cache      Cache            `toml:"cache"`
	Broker     BrokerConfig     `toml:"broker"`
	Delta      DeltaConfig      `toml:"delta"`
	Lock       LockConfig       `toml:"lock"`
	Index      IndexConfig      `toml:"index"`
	Outbox     OutboxConfig     `toml:"outbox"`
	Subscriber SubscriberConfig `toml:"subscriber"`
	Merge      MergeConfig      `toml:"merge"`
	Compaction CompactionConfig `toml:"compaction"`
}

// LoadConfig reads and decodes the server config, expanding environment
// references so secrets can stay out of the file.
func LoadConfig(file string, expandEnv bool) (*ServerConfig, error) {
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	text := string(buf)
	if expandEnv {
		text = os.ExpandEnv(text)
	}
	var sc ServerConfig
	if _, err := toml.Decode(text, &sc); err != nil {
		return nil, err
	}
	sc.fill()
	return &sc, nil
}

func (sc *ServerConfig) fill() {
	if sc.Cache.NumCounters == 0 {
		sc.Cache.NumCounters = 1e7
	}
	if sc.Cache.MaxCost == 0 {
		sc.Cache.MaxCost = 256 // MiB
	}
	if sc.Cache.BufferItems == 0 {
		sc.Cache.BufferItems = 64
	}
	if sc.Broker.Durable == "" {
		sc.Broker.Durable = "oms-projections"
	}
	if sc.Broker.Pattern == "" {
		sc.Broker.Pattern = "oms.events.#"
	}
	if sc.Compaction.MaxChain == 0 {
		sc.Compaction.MaxChain = 100
	}
	if sc.Compaction.Interval.Duration == 0 {
		sc.Compaction.Interval.Duration = time.Hour
	}
}
