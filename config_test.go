package changeflow_test

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perangel/changeflow"
)

func TestNewConfigFromEnv(t *testing.T) {
	t.Run("test with namespace", func(t *testing.T) {
		t.Setenv("CF_SOURCE_KIND", "lr")
		t.Setenv("CF_IGNORE_TABLES", "posts,comments")
		t.Setenv("CF_WHITELIST_TABLES", "users,pets")
		t.Setenv("CF_LOG_LEVEL", "debug")
		t.Setenv("CF_SOURCE_DB_HOST", "123.456.78.910")

		config, err := changeflow.NewConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, changeflow.SourceKindLR, config.SourceKind)
		assert.Equal(t, []string{"users", "pets"}, config.WhitelistTables)
		assert.Equal(t, []string{"posts", "comments"}, config.IgnoreTables)
		assert.Equal(t, "debug", config.LogLevel)
		assert.Equal(t, "123.456.78.910", config.SourceDB().Host)
	})

	t.Run("test with no namespace", func(t *testing.T) {
		t.Setenv("SOURCE_KIND", "lr")
		t.Setenv("IGNORE_TABLES", "posts,comments")
		t.Setenv("WHITELIST_TABLES", "users,pets")
		t.Setenv("LOG_LEVEL", "warn")

		config, err := changeflow.NewConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, changeflow.SourceKindLR, config.SourceKind)
		assert.Equal(t, []string{"users", "pets"}, config.WhitelistTables)
		assert.Equal(t, []string{"posts", "comments"}, config.IgnoreTables)
		assert.Equal(t, "warn", config.LogLevel)
	})

	t.Run("test parse database config", func(t *testing.T) {
		t.Setenv("SOURCE_DB_HOST", "localhost")
		t.Setenv("SOURCE_DB_PORT", "3307")
		t.Setenv("SOURCE_DB_NAME", "test_db")
		t.Setenv("SOURCE_DB_USER", "tester")
		t.Setenv("SOURCE_DB_PASS", "secret")
		t.Setenv("CF_TARGET_DB_PORT", "6432")
		t.Setenv("CF_TARGET_DB_NAME", "replica")

		config, err := changeflow.NewConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, changeflow.DBConfig{
			Host:     "localhost",
			Port:     3307,
			User:     "tester",
			Password: "secret",
			Database: "test_db",
		}, config.SourceDB())
		assert.Equal(t, 6432, config.TargetDB().Port)
		assert.Equal(t, "replica", config.TargetDB().Database)
	})

	t.Run("test defaults", func(t *testing.T) {
		config, err := changeflow.NewConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, changeflow.SourceKindBinlog, config.SourceKind)
		assert.Equal(t, changeflow.OutputApply, config.Output)
		assert.Equal(t, "mysql", config.TargetDriver)
		assert.Equal(t, 3, config.RetryAttempts)
		assert.Equal(t, changeflow.UnsetPairID, config.PairID)
		assert.Equal(t, changeflow.BatchOptions{
			MaxEvents: 500,
			MaxBytes:  4 << 20,
			Window:    200 * time.Millisecond,
		}, config.BatchOptions())
		assert.NoError(t, config.Validate())
	})
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(*changeflow.Config)
		err    bool
	}{
		{name: "valid", modify: func(c *changeflow.Config) {}},
		{name: "bad source kind", modify: func(c *changeflow.Config) { c.SourceKind = "audit" }, err: true},
		{name: "bad output", modify: func(c *changeflow.Config) { c.Output = "kafka" }, err: true},
		{name: "bad target driver", modify: func(c *changeflow.Config) { c.TargetDriver = "oracle" }, err: true},
		{name: "negative retries", modify: func(c *changeflow.Config) { c.RetryAttempts = -1 }, err: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			config := &changeflow.Config{
				SourceKind:   changeflow.SourceKindBinlog,
				Output:       changeflow.OutputNATS,
				TargetDriver: "postgres",
			}
			tc.modify(config)
			if tc.err {
				assert.Error(t, config.Validate())
			} else {
				assert.NoError(t, config.Validate())
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	testCases := []struct {
		level       string
		logrusLevel logrus.Level
		err         bool
	}{
		{
			level:       "debug",
			logrusLevel: logrus.DebugLevel,
			err:         false,
		},
		{
			level:       "info",
			logrusLevel: logrus.InfoLevel,
			err:         false,
		},
		{
			level:       "warn",
			logrusLevel: logrus.WarnLevel,
			err:         false,
		},
		{
			level:       "error",
			logrusLevel: logrus.ErrorLevel,
			err:         false,
		},
		{
			level:       "invalid",
			logrusLevel: 0,
			err:         true,
		},
	}

	for _, tc := range testCases {
		lvl, err := changeflow.ParseLogLevel(tc.level)
		assert.Equal(t, tc.logrusLevel, lvl)
		if tc.err {
			assert.Error(t, err)
		} else {
			assert.NoError(t, err)
		}
	}
}
