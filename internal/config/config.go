// Package config declares the table reader's configuration surface:
// enumerated options and defaults, loadable from a TOML file and
// overridable by CLI flags, following the Bind/Preflight pattern used
// throughout this codebase's configuration layer.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
)

// Config is the full configuration for one table-reader worker.
type Config struct {
	BackfillID string `toml:"backfill_id"`
	TableOID   string `toml:"table_oid"`

	MaxPendingMessages int `toml:"max_pending_messages"`
	InitialPageSize    int `toml:"initial_page_size"`
	MaxTimeoutMS       int `toml:"max_timeout_ms"`
	MaxPageSize        int `toml:"max_page_size"`

	CheckStateTimeoutMS int `toml:"check_state_timeout_ms"`
	CheckSMSTimeoutMS   int `toml:"check_sms_timeout_ms"`

	MaxBatchesInMemory int `toml:"max_batches_in_memory"`

	MaxBackoffMS     int `toml:"max_backoff_ms"`
	MaxBackoffTimeMS int `toml:"max_backoff_time_ms"`

	// SourceDSN is the connection string for the Source Database
	// Adapter (postgres:// or mysql://).
	SourceDSN string `toml:"source_dsn"`

	// SlotName identifies the replication slot the watermark emitter
	// and slot-LSN probe operate against.
	SlotName string `toml:"slot_name"`
}

// Default returns a Config with every documented default applied.
// BackfillID, TableOID, and SourceDSN are required and left empty.
func Default() Config {
	return Config{
		MaxPendingMessages:  1_000_000,
		InitialPageSize:     1_000,
		MaxTimeoutMS:        5_000,
		MaxPageSize:         40_000,
		CheckStateTimeoutMS: 30_000,
		CheckSMSTimeoutMS:   5_000,
		MaxBatchesInMemory:  3,
		MaxBackoffMS:        1_000,
		MaxBackoffTimeMS:    60_000,
	}
}

// Load reads a TOML file into a Config that already carries defaults,
// so unset keys keep their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "loading config from %s", path)
	}
	return cfg, nil
}

// Bind registers CLI flags for every option, defaulting to whatever is
// already set on c (typically the result of Load).
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.BackfillID, "backfill-id", c.BackfillID, "identifies the per-backfill worker instance")
	flags.StringVar(&c.TableOID, "table-oid", c.TableOID, "identifies the source table")
	flags.StringVar(&c.SourceDSN, "source-dsn", c.SourceDSN, "connection string for the source database (postgres:// or mysql://)")
	flags.StringVar(&c.SlotName, "slot-name", c.SlotName, "replication slot name backing this backfill")
	flags.IntVar(&c.MaxPendingMessages, "max-pending-messages", c.MaxPendingMessages, "SMS backpressure cap")
	flags.IntVar(&c.InitialPageSize, "initial-page-size", c.InitialPageSize, "initial row-scan page size")
	flags.IntVar(&c.MaxTimeoutMS, "max-timeout-ms", c.MaxTimeoutMS, "per-query timeout budget in ms")
	flags.IntVar(&c.MaxPageSize, "max-page-size", c.MaxPageSize, "maximum row-scan page size")
	flags.IntVar(&c.CheckStateTimeoutMS, "check-state-timeout-ms", c.CheckStateTimeoutMS, "check_state timer period in ms")
	flags.IntVar(&c.CheckSMSTimeoutMS, "check-sms-timeout-ms", c.CheckSMSTimeoutMS, "check_sms timer period in ms")
	flags.IntVar(&c.MaxBatchesInMemory, "max-batches-in-memory", c.MaxBatchesInMemory, "max unflushed+flushed batches")
	flags.IntVar(&c.MaxBackoffMS, "max-backoff-ms", c.MaxBackoffMS, "SMS push retry backoff cap in ms")
	flags.IntVar(&c.MaxBackoffTimeMS, "max-backoff-time-ms", c.MaxBackoffTimeMS, "SMS push retry total elapsed budget in ms")
}

// Preflight validates the configuration, following the reference
// config's validate-after-bind convention.
func (c *Config) Preflight() error {
	if c.BackfillID == "" {
		return errors.New("backfill_id unset")
	}
	if c.TableOID == "" {
		return errors.New("table_oid unset")
	}
	if c.SourceDSN == "" {
		return errors.New("source_dsn unset")
	}
	if c.MaxPendingMessages <= 0 {
		return errors.New("max_pending_messages must be positive")
	}
	if c.InitialPageSize <= 0 {
		return errors.New("initial_page_size must be positive")
	}
	if c.MaxPageSize < c.InitialPageSize {
		return errors.New("max_page_size must be >= initial_page_size")
	}
	if c.MaxBatchesInMemory <= 0 {
		return errors.New("max_batches_in_memory must be positive")
	}
	if c.MaxBackoffMS <= 0 || c.MaxBackoffTimeMS <= 0 {
		return errors.New("backoff settings must be positive")
	}
	return nil
}

// QueryTimeout returns MaxTimeoutMS as a time.Duration.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.MaxTimeoutMS) * time.Millisecond
}

// CheckStateInterval returns CheckStateTimeoutMS as a time.Duration.
func (c *Config) CheckStateInterval() time.Duration {
	return time.Duration(c.CheckStateTimeoutMS) * time.Millisecond
}

// CheckSMSInterval returns CheckSMSTimeoutMS as a time.Duration.
func (c *Config) CheckSMSInterval() time.Duration {
	return time.Duration(c.CheckSMSTimeoutMS) * time.Millisecond
}

// MaxBackoff returns MaxBackoffMS as a time.Duration.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMS) * time.Millisecond
}

// MaxBackoffTime returns MaxBackoffTimeMS as a time.Duration.
func (c *Config) MaxBackoffTime() time.Duration {
	return time.Duration(c.MaxBackoffTimeMS) * time.Millisecond
}
