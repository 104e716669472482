package cli

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/perangel/changeflow"
	"github.com/perangel/changeflow/internal/capture"
	"github.com/perangel/changeflow/internal/loader"
	"github.com/perangel/changeflow/internal/publish"
	"github.com/perangel/changeflow/internal/sqlgen"
)

func parseConfig() (*changeflow.Config, error) {
	config, err := changeflow.NewConfigFromEnv()
	if err != nil {
		return nil, err
	}

	if sourceKind != "" {
		config.SourceKind = sourceKind
	}
	if dbHost != "" {
		config.SourceDBHost = dbHost
	}
	if dbPort != 0 {
		config.SourceDBPort = dbPort
	}
	if dbUser != "" {
		config.SourceDBUser = dbUser
	}
	if dbPass != "" {
		config.SourceDBPass = dbPass
	}
	if dbName != "" {
		config.SourceDBName = dbName
	}

	if output != "" {
		config.Output = output
	}
	if targetDriver != "" {
		config.TargetDriver = targetDriver
	}
	if targetHost != "" {
		config.TargetDBHost = targetHost
	}
	if targetPort != 0 {
		config.TargetDBPort = targetPort
	}
	if targetUser != "" {
		config.TargetDBUser = targetUser
	}
	if targetPass != "" {
		config.TargetDBPass = targetPass
	}
	if targetName != "" {
		config.TargetDBName = targetName
	}

	if natsURL != "" {
		config.NATSURL = natsURL
	}
	if whitelistTables != nil {
		config.WhitelistTables = whitelistTables
	}
	if ignoreTables != nil {
		config.IgnoreTables = ignoreTables
	}
	if routesFile != "" {
		config.RoutesFile = routesFile
	}
	if positionFile != "" {
		config.PositionFile = positionFile
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func newLogger(level string) (*log.Logger, error) {
	lvl, err := changeflow.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	logger.SetLevel(lvl)
	return logger, nil
}

func initListener(config *changeflow.Config, logger *log.Logger) (changeflow.Listener, error) {
	switch config.SourceKind {
	case changeflow.SourceKindBinlog:
		return capture.NewBinlogListener(config.SourceDB(),
			capture.BinlogServerID(config.SourceServerID),
			capture.BinlogFlavor(config.SourceFlavor),
			capture.BinlogPositionFile(config.PositionFile),
			capture.BinlogLogger(logger),
		), nil
	case changeflow.SourceKindLR:
		opts := []capture.LROption{capture.LRLogger(logger)}
		if config.ReplicationSlotName != "" {
			opts = append(opts, capture.ReplSlotName(config.ReplicationSlotName))
		}
		if startFromLSN > 0 {
			opts = append(opts, capture.StartFromLSN(uint64(startFromLSN)))
		}
		return capture.NewLogicalReplicationListener(config.SourceDB(), opts...), nil
	default:
		return nil, fmt.Errorf("'%s' is not a valid value for `--source-kind`. Must be either `binlog` or `lr`", config.SourceKind)
	}
}

// sink is where batches leave the process.
type sink interface {
	Write(ctx context.Context, batch []*changeflow.ChangeEvent) error
	Close() error
}

type applySink struct {
	loader *loader.Loader
	close  func() error
	logger *log.Entry
}

func (s *applySink) Write(ctx context.Context, batch []*changeflow.ChangeEvent) error {
	res, err := s.loader.Load(ctx, batch)
	if err != nil {
		return err
	}
	s.logger.WithFields(log.Fields{
		"applied": res.Applied,
		"skipped": res.Skipped,
		"failed":  res.Failed,
	}).Debug("batch applied")
	return nil
}

func (s *applySink) Close() error {
	return s.close()
}

type natsSink struct {
	publisher *publish.Publisher
}

func (s *natsSink) Write(_ context.Context, batch []*changeflow.ChangeEvent) error {
	return s.publisher.Publish(batch)
}

func (s *natsSink) Close() error {
	s.publisher.Close()
	return nil
}

func initSink(config *changeflow.Config, logger *log.Logger) (sink, error) {
	switch config.Output {
	case changeflow.OutputApply:
		return initApplySink(config, logger)
	case changeflow.OutputNATS:
		p, err := publish.Connect(config.NATSURL, config.NATSSubjectPrefix, publish.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return &natsSink{publisher: p}, nil
	default:
		return nil, fmt.Errorf("'%s' is not a valid value for `--output`. Must be either `apply` or `nats`", config.Output)
	}
}

func initApplySink(config *changeflow.Config, logger *log.Logger) (sink, error) {
	db, err := loader.Open(config.TargetDriver, config.TargetDB())
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to connect to target database: %w", err)
	}

	l := loader.New(db, sqlgen.New(sqlgen.WithDialect(config.TargetDriver)),
		loader.FailOnDuplicate(config.FailOnDuplicate),
		loader.RetryAttempts(config.RetryAttempts),
		loader.RetryMaxElapsed(config.RetryMaxElapsed),
		loader.WithLogger(logger),
	)
	return &applySink{
		loader: l,
		close:  db.Close,
		logger: logger.WithField("component", "sink"),
	}, nil
}

func flowOptions(config *changeflow.Config, logger *log.Logger) ([]changeflow.Option, error) {
	opts := []changeflow.Option{
		changeflow.Logger(logger),
		changeflow.IgnoreTables(config.IgnoreTables),
		changeflow.WhitelistTables(config.WhitelistTables),
		changeflow.PairID(config.PairID),
	}
	if config.RoutesFile != "" {
		routes, err := changeflow.LoadRoutes(config.RoutesFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, changeflow.Routes(routes))
	}
	return opts, nil
}
