package config

import (
	"time"

	"github.com/olivergale/metis-portal2-sub002/pkg/api"
	"github.com/olivergale/metis-portal2-sub002/pkg/diagnostician"
	"github.com/olivergale/metis-portal2-sub002/pkg/monitor"
	"github.com/olivergale/metis-portal2-sub002/pkg/queue"
	"github.com/olivergale/metis-portal2-sub002/pkg/reasoning"
	"github.com/olivergale/metis-portal2-sub002/pkg/stores"
	"github.com/olivergale/metis-portal2-sub002/pkg/telemetry"
)

// DefaultPath is the configuration file read when none is given.
const DefaultPath = "metis.yaml"

// Config is the complete service configuration.
type Config struct {
	Database      DatabaseConfig       `yaml:"database"`
	Telemetry     telemetry.Config     `yaml:"telemetry"`
	Monitor       monitor.Config       `yaml:"monitor"`
	Escalation    EscalationConfig     `yaml:"escalation"`
	Diagnostician diagnostician.Config `yaml:"diagnostician"`
	Queue         QueueConfig          `yaml:"queue"`
	Reasoner      reasoning.Config     `yaml:"reasoner"`
	Server        api.Config           `yaml:"server"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
	BusyTimeout     time.Duration `yaml:"busy_timeout" validate:"gte=0"`
}

// StoreConfig converts the section for stores.NewSQLiteStore.
func (d DatabaseConfig) StoreConfig() stores.Config {
	return stores.Config{
		Path:            d.Path,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		BusyTimeout:     d.BusyTimeout,
	}
}

// EscalationConfig locates Rego files that extend or override the built-in
// escalation policy.
type EscalationConfig struct {
	PolicyPaths []string `yaml:"policy_paths" validate:"dive,required"`

	// Watch reloads the policies when a .rego file changes.
	Watch bool `yaml:"watch"`
}

// QueueConfig tunes the durable task queue and its worker.
type QueueConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	LeaseTTL     time.Duration `yaml:"lease_ttl" validate:"gt=0"`
	RetryDelay   time.Duration `yaml:"retry_delay" validate:"gte=0"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "metis.db",
			BusyTimeout: 5 * time.Second,
		},
		Telemetry:     *telemetry.DefaultConfig(),
		Monitor:       monitor.DefaultConfig(),
		Diagnostician: diagnostician.DefaultConfig(),
		Queue: QueueConfig{
			PollInterval: 5 * time.Second,
			LeaseTTL:     queue.DefaultLeaseTTL,
			RetryDelay:   queue.DefaultRetryDelay,
		},
		Reasoner: reasoning.DefaultConfig(),
		Server:   api.DefaultConfig(),
	}
}
