package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/perangel/changeflow"
)

// Flags
var (
	sourceKind      string
	dbHost          string
	dbPort          int
	dbName          string
	dbUser          string
	dbPass          string
	output          string
	targetDriver    string
	targetHost      string
	targetPort      int
	targetName      string
	targetUser      string
	targetPass      string
	natsURL         string
	ignoreTables    []string
	whitelistTables []string
	routesFile      string
	positionFile    string
	startFromLSN    int64
	logLevel        string
)

func init() {
	ChangeflowCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "", "log level")
	ChangeflowCmd.PersistentFlags().StringVar(&targetDriver, "target-driver", "", "target database driver (mysql or postgres)")
	ChangeflowCmd.PersistentFlags().StringVar(&targetHost, "target-host", "", "target database host")
	ChangeflowCmd.PersistentFlags().IntVar(&targetPort, "target-port", 0, "target database port")
	ChangeflowCmd.PersistentFlags().StringVar(&targetName, "target-name", "", "target database name")
	ChangeflowCmd.PersistentFlags().StringVar(&targetUser, "target-user", "", "target database user")
	ChangeflowCmd.PersistentFlags().StringVar(&targetPass, "target-pass", "", "target database password")
	ChangeflowCmd.PersistentFlags().StringVar(&natsURL, "nats-url", "", "NATS server url")
	ChangeflowCmd.PersistentFlags().StringSliceVarP(&ignoreTables, "ignore-tables", "i", nil, "tables to ignore during replication")
	ChangeflowCmd.PersistentFlags().StringSliceVarP(&whitelistTables, "whitelist-tables", "w", nil, "tables to include during replication")
	ChangeflowCmd.PersistentFlags().StringVarP(&routesFile, "routes", "r", "", "YAML file of route overrides")
	ChangeflowCmd.Flags().StringVarP(&sourceKind, "source-kind", "M", "", "capture mechanism (binlog or lr)")
	ChangeflowCmd.Flags().StringVarP(&dbHost, "db-host", "H", "", "source database host")
	ChangeflowCmd.Flags().IntVarP(&dbPort, "db-port", "p", 0, "source database port")
	ChangeflowCmd.Flags().StringVarP(&dbName, "db-name", "d", "", "source database name")
	ChangeflowCmd.Flags().StringVarP(&dbUser, "db-user", "U", "", "source database user")
	ChangeflowCmd.Flags().StringVarP(&dbPass, "db-pass", "P", "", "source database password")
	ChangeflowCmd.Flags().StringVarP(&output, "output", "o", "", "where events go (apply or nats)")
	ChangeflowCmd.Flags().StringVar(&positionFile, "position-file", "", "(binlog) file storing the committed binlog position")
	ChangeflowCmd.Flags().Int64Var(&startFromLSN, "start-from-lsn", -1, "(lr) stream all changes starting from the provided LSN")
	ChangeflowCmd.Flags().SortFlags = false

	ChangeflowCmd.AddCommand(consumeCmd)
}

// ChangeflowCmd is the root command.
var ChangeflowCmd = &cobra.Command{
	Use:   "changeflow",
	Short: "Run a changeflow",
	Long: `Run a changeflow and stream row changes from a MySQL binlog or a Postgres
logical replication slot into a target database or onto NATS.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		config, err := parseConfig()
		if err != nil {
			return err
		}

		logger, err := newLogger(config.LogLevel)
		if err != nil {
			return err
		}

		listener, err := initListener(config, logger)
		if err != nil {
			return err
		}

		out, err := initSink(config, logger)
		if err != nil {
			return err
		}
		defer out.Close()

		return run(listener, out, config, logger)
	},
}

var errStreamEnded = errors.New("change stream ended")

// run streams the listener through a Flow into the sink until a signal
// arrives or the listener stops. Source positions are committed only after
// the batch that carried them was written. A stream that ends without being
// asked to is an error, so supervisors restart the process.
func run(listener changeflow.Listener, out sink, config *changeflow.Config, logger *log.Logger) error {
	opts, err := flowOptions(config, logger)
	if err != nil {
		return err
	}

	flow, err := changeflow.NewFlow(listener, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := flow.Open(ctx); err != nil {
		return err
	}

	var stopping int32
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdownCh)
	go func() {
		select {
		case sig := <-shutdownCh:
			logger.WithField("signal", sig.String()).Info("shutting down")
			atomic.StoreInt32(&stopping, 1)
			cancel()
		case <-ctx.Done():
		}
	}()

	changes, errs := flow.ListenForChanges(ctx)
	batches := changeflow.Batch(ctx, changes, config.BatchOptions())
	persistent, _ := listener.(changeflow.PersistentListener)

	var (
		runErr  error
		lastErr error
	)
loop:
	for {
		select {
		case err := <-errs:
			logger.WithError(err).Error("flow error")
			lastErr = err
		case batch, ok := <-batches:
			if !ok {
				if atomic.LoadInt32(&stopping) == 0 {
					runErr = errStreamEnded
					if lastErr != nil {
						runErr = fmt.Errorf("%w: %v", errStreamEnded, lastErr)
					}
				}
				break loop
			}

			if err := out.Write(ctx, batch.Events); err != nil {
				if atomic.LoadInt32(&stopping) == 0 {
					logger.WithError(err).Error("failed to write batch")
					runErr = err
				}
				break loop
			}

			if persistent != nil {
				if err := persistent.CommitState(ctx, batch.Checkpoint); err != nil {
					logger.WithError(err).Warn("failed to commit source position")
				}
			}
		}
	}

	cancel()
	if err := flow.Close(); err != nil && runErr == nil {
		return err
	}
	return runErr
}
