package changeflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

// Source kinds
const (
	SourceKindBinlog = "binlog"
	SourceKindLR     = "lr"
)

// Output kinds
const (
	OutputApply = "apply"
	OutputNATS  = "nats"
)

// DBConfig is a struct that stores database connection settings.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// Config is a struct that stores changeflow configuration settings.
type Config struct {
	// SourceKind selects the capture mechanism. May be one of `binlog` or `lr`.
	SourceKind     string `envconfig:"SOURCE_KIND" default:"binlog"`
	SourceDBHost   string `envconfig:"SOURCE_DB_HOST"`
	SourceDBPort   int    `envconfig:"SOURCE_DB_PORT"`
	SourceDBUser   string `envconfig:"SOURCE_DB_USER"`
	SourceDBPass   string `envconfig:"SOURCE_DB_PASS"`
	SourceDBName   string `envconfig:"SOURCE_DB_NAME"`
	SourceServerID uint32 `envconfig:"SOURCE_SERVER_ID" default:"1001"`
	SourceFlavor   string `envconfig:"SOURCE_FLAVOR" default:"mysql"`
	// (binlog) PositionFile persists the last applied binlog position.
	PositionFile string `envconfig:"POSITION_FILE" default:"changeflow.pos"`
	// (lr) ReplicationSlotName specifies the name to be used.
	ReplicationSlotName string `envconfig:"REPLICATION_SLOT_NAME"`

	// Output selects where events go. May be one of `apply` or `nats`.
	Output         string `envconfig:"OUTPUT" default:"apply"`
	TargetDriver   string `envconfig:"TARGET_DRIVER" default:"mysql"`
	TargetDBHost   string `envconfig:"TARGET_DB_HOST"`
	TargetDBPort   int    `envconfig:"TARGET_DB_PORT"`
	TargetDBUser   string `envconfig:"TARGET_DB_USER"`
	TargetDBPass   string `envconfig:"TARGET_DB_PASS"`
	TargetDBName   string `envconfig:"TARGET_DB_NAME"`
	// Fail instead of falling back to an update when an insert hits a duplicate key.
	FailOnDuplicate bool          `envconfig:"FAIL_ON_DUPLICATE" default:"false"`
	RetryAttempts   int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	RetryMaxElapsed time.Duration `envconfig:"RETRY_MAX_ELAPSED" default:"30s"`

	NATSURL           string `envconfig:"NATS_URL" default:"nats://127.0.0.1:4222"`
	NATSSubjectPrefix string `envconfig:"NATS_SUBJECT_PREFIX" default:"changeflow"`
	// NATSQueue is the queue group `consume` instances share.
	NATSQueue string `envconfig:"NATS_QUEUE" default:"changeflow"`

	// If set, only include events from the following tables.
	WhitelistTables []string `envconfig:"WHITELIST_TABLES"`
	// If set, tables will be ignored. Ignored tables win over whitelisted ones.
	IgnoreTables []string `envconfig:"IGNORE_TABLES"`
	// RoutesFile is an optional YAML file of route overrides.
	RoutesFile string `envconfig:"ROUTES_FILE"`
	// PairID is stamped on every captured event.
	PairID int64 `envconfig:"PAIR_ID" default:"-1"`

	BatchMaxEvents int           `envconfig:"BATCH_MAX_EVENTS" default:"500"`
	BatchMaxBytes  int64         `envconfig:"BATCH_MAX_BYTES" default:"4194304"`
	BatchWindow    time.Duration `envconfig:"BATCH_WINDOW" default:"200ms"`

	// Logging level
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// NewConfigFromEnv returns a new Config initialized with values read from the environment.
func NewConfigFromEnv() (*Config, error) {
	var c Config
	err := envconfig.Process("cf", &c)
	if err != nil {
		return nil, errors.New("unable to parse configuration from environment")
	}
	return &c, nil
}

// Validate checks the enumerated settings.
func (c *Config) Validate() error {
	switch c.SourceKind {
	case SourceKindBinlog, SourceKindLR:
	default:
		return fmt.Errorf("'%s' is not a valid source kind. Must be either `binlog` or `lr`", c.SourceKind)
	}
	switch c.Output {
	case OutputApply, OutputNATS:
	default:
		return fmt.Errorf("'%s' is not a valid output. Must be either `apply` or `nats`", c.Output)
	}
	switch c.TargetDriver {
	case "mysql", "postgres":
	default:
		return fmt.Errorf("'%s' is not a valid target driver. Must be either `mysql` or `postgres`", c.TargetDriver)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts must not be negative, got %d", c.RetryAttempts)
	}
	return nil
}

// SourceDB returns the source database settings.
func (c *Config) SourceDB() DBConfig {
	return DBConfig{
		Host:     c.SourceDBHost,
		Port:     c.SourceDBPort,
		User:     c.SourceDBUser,
		Password: c.SourceDBPass,
		Database: c.SourceDBName,
	}
}

// TargetDB returns the target database settings.
func (c *Config) TargetDB() DBConfig {
	return DBConfig{
		Host:     c.TargetDBHost,
		Port:     c.TargetDBPort,
		User:     c.TargetDBUser,
		Password: c.TargetDBPass,
		Database: c.TargetDBName,
	}
}

// BatchOptions returns the configured batching bounds.
func (c *Config) BatchOptions() BatchOptions {
	return BatchOptions{
		MaxEvents: c.BatchMaxEvents,
		MaxBytes:  c.BatchMaxBytes,
		Window:    c.BatchWindow,
	}
}

// ParseLogLevel parses a logrus level.
func ParseLogLevel(level string) (logrus.Level, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return 0, fmt.Errorf("Error: '%s' is not a valid log level. Must be one of: 'trace', 'debug', 'info', 'warn', 'error', 'fatal'", level)
	}
	return lvl, err
}
