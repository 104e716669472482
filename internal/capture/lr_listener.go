package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx"
	log "github.com/sirupsen/logrus"

	"github.com/perangel/changeflow"
)

const (
	replicationSlotNamePrefix = "cf_"
	replicationOutputPlugin   = "wal2json"
)

var (
	defaultWal2jsonArgs = []string{
		"\"include-lsn\" 'on'",
		"\"pretty-print\" 'off'",
		"\"include-timestamp\" 'on'",
		"\"include-pk\" 'on'",
	}
)

// standbySender is the part of the replication connection that acknowledges
// WAL positions.
type standbySender interface {
	SendStandbyStatus(*pgx.StandbyStatus) error
}

// LROption is a LogicalReplicationListener option function
type LROption func(*LogicalReplicationListener)

// ReplSlotName is an option for setting the replication slot name.
func ReplSlotName(name string) LROption {
	return func(l *LogicalReplicationListener) {
		l.replSlotName = name
	}
}

// StartFromLSN is an option for setting the logical sequence number to start from.
func StartFromLSN(lsn uint64) LROption {
	return func(l *LogicalReplicationListener) {
		l.replLSN = lsn
	}
}

// HeartbeatInterval is an option for setting the connection heartbeat interval.
func HeartbeatInterval(seconds int) LROption {
	return func(l *LogicalReplicationListener) {
		l.connHeartbeatIntervalSeconds = seconds
	}
}

// LRLogger is an option for setting the logger
func LRLogger(logger *log.Logger) LROption {
	return func(l *LogicalReplicationListener) {
		l.logger = logger.WithFields(log.Fields{"component": "listener"})
	}
}

// LogicalReplicationListener is a Listener that uses a wal2json logical
// replication slot to listen for row changes.
type LogicalReplicationListener struct {
	connConfig                   pgx.ConnConfig
	conn                         *pgx.Conn
	replConn                     *pgx.ReplicationConn
	standby                      standbySender
	replSlotName                 string
	replLSN                      uint64
	wal2jsonArgs                 []string
	connHeartbeatIntervalSeconds int
	mu                           sync.Mutex
	sendMu                       sync.Mutex
	logger                       *log.Entry
}

// NewLogicalReplicationListener returns a new LogicalReplicationListener.
func NewLogicalReplicationListener(db changeflow.DBConfig, opts ...LROption) *LogicalReplicationListener {
	l := &LogicalReplicationListener{
		connConfig: pgx.ConnConfig{
			Host:     db.Host,
			Port:     uint16(db.Port),
			User:     db.User,
			Password: db.Password,
			Database: db.Database,
		},
		logger:       log.WithFields(log.Fields{"component": "listener"}),
		wal2jsonArgs: defaultWal2jsonArgs,
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.connHeartbeatIntervalSeconds == 0 {
		l.connHeartbeatIntervalSeconds = 10
	}

	if l.replSlotName == "" {
		l.replSlotName = fmt.Sprintf("%s%d", replicationSlotNamePrefix, time.Now().Unix())
	}

	return l
}

// Dial connects to the source database and creates the replication slot,
// reusing it when it already exists.
func (l *LogicalReplicationListener) Dial(ctx context.Context) error {
	conn, err := pgx.Connect(l.connConfig)
	if err != nil {
		l.logger.WithError(err).Error("failed to connect to database")
		return err
	}
	l.conn = conn

	replConn, err := pgx.ReplicationConnect(l.connConfig)
	if err != nil {
		l.logger.WithError(err).Error("failed to connect to database")
		return err
	}
	l.replConn = replConn
	l.standby = replConn

	var confirmed *string
	err = l.conn.QueryRowEx(ctx,
		"SELECT confirmed_flush_lsn::text FROM pg_replication_slots WHERE slot_name = $1",
		nil, l.replSlotName,
	).Scan(&confirmed)
	switch {
	case err == nil:
		l.logger.Infof("reusing replication slot %s", l.replSlotName)
		if l.replLSN == 0 && confirmed != nil {
			lsn, err := pgx.ParseLSN(*confirmed)
			if err != nil {
				l.logger.WithError(err).Error("failed to parse LSN from replication slot")
				return err
			}
			l.replLSN = lsn
		}
		return nil
	case err != pgx.ErrNoRows:
		l.logger.WithError(err).Error("failed to read replication slots")
		return err
	}

	consistentPoint, _, err := l.replConn.CreateReplicationSlotEx(l.replSlotName, replicationOutputPlugin)
	if err != nil {
		l.logger.WithError(err).Errorf("failed to create replication slot %s", l.replSlotName)
		return err
	}

	lsn, err := pgx.ParseLSN(consistentPoint)
	if err != nil {
		l.logger.WithError(err).Error("failed to parse LSN from consistent point")
		return err
	}

	if l.replLSN == 0 {
		l.replLSN = lsn
	}

	return nil
}

// ListenForChanges returns a channel that emits change events.
func (l *LogicalReplicationListener) ListenForChanges(ctx context.Context) (<-chan *changeflow.ChangeEvent, <-chan error) {
	eventCh := make(chan *changeflow.ChangeEvent)
	errCh := make(chan error)

	l.logger.Infof("Starting replication for slot '%s' from LSN %s",
		l.replSlotName,
		pgx.FormatLSN(l.committedLSN()),
	)

	go func() {
		defer close(eventCh)
		defer close(errCh)

		sendErr := func(err error) bool {
			select {
			case errCh <- err:
				return true
			case <-ctx.Done():
				return false
			}
		}

		err := l.replConn.StartReplication(l.replSlotName, l.committedLSN(), -1, l.wal2jsonArgs...)
		if err != nil {
			l.logger.WithError(err).Error("failed to start replication")
			sendErr(fmt.Errorf("failed to start replication: %w", err))
			return
		}

		go l.startHeartBeat(ctx)

		for {
			if !l.replConn.IsAlive() {
				l.logger.WithField("conn_err", l.replConn.CauseOfDeath()).Error(
					"replication connection is down",
				)
				sendErr(fmt.Errorf("replication connection is down: %v", l.replConn.CauseOfDeath()))
				return
			}

			msg, err := l.replConn.WaitForReplicationMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					l.logger.Info("shutting down...")
					return
				}
				l.logger.WithError(err).Error("encountered an error while waiting for replication message")
				if !sendErr(err) {
					return
				}
				continue
			}
			if msg == nil {
				continue
			}

			if msg.ServerHeartbeat != nil {
				l.logger.WithField("heartbeat", msg.ServerHeartbeat).Debug("received server heartbeat")
				if msg.ServerHeartbeat.ReplyRequested == 1 {
					if err := l.sendStandbyStatus(); err != nil && !sendErr(err) {
						return
					}
				}
			}

			if msg.WalMessage == nil {
				continue
			}

			w2jmsg, err := ParseWal2JSON(msg.WalMessage.WalData)
			if err != nil {
				l.logger.WithError(err).Error("failed to parse wal2json message")
				if !sendErr(err) {
					return
				}
				continue
			}

			for _, e := range ConvertWal2JSON(w2jmsg, int64(len(msg.WalMessage.WalData))) {
				e.Props["wal_start"] = pgx.FormatLSN(msg.WalMessage.WalStart)
				select {
				case eventCh <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return eventCh, errCh
}

// CommitState acknowledges the WAL position of the last handled event so the
// server can recycle everything before it.
func (l *LogicalReplicationListener) CommitState(ctx context.Context, last *changeflow.ChangeEvent) error {
	if last == nil || last.Props == nil || last.Props["wal_start"] == "" {
		return nil
	}

	lsn, err := pgx.ParseLSN(last.Props["wal_start"])
	if err != nil {
		return fmt.Errorf("invalid wal position %q: %w", last.Props["wal_start"], err)
	}

	l.mu.Lock()
	if lsn > l.replLSN {
		l.replLSN = lsn
	}
	l.mu.Unlock()

	return l.sendStandbyStatus()
}

// Close closes the database connection.
func (l *LogicalReplicationListener) Close() error {
	if l.replConn != nil {
		if err := l.replConn.Close(); err != nil {
			l.logger.WithError(err).Error("error when closing database replication connection.")
			return err
		}
	}

	if l.conn != nil {
		if err := l.conn.Close(); err != nil {
			l.logger.WithError(err).Error("error when closing database connection.")
			return err
		}
	}

	return nil
}

func (l *LogicalReplicationListener) committedLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.replLSN
}

func (l *LogicalReplicationListener) startHeartBeat(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(l.connHeartbeatIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.logger.Debug("sending heartbeat")
			if err := l.sendStandbyStatus(); err != nil {
				l.logger.WithError(err).Warn("heartbeat failed")
			}
		}
	}
}

// sendStandbyStatus is called from the heartbeat, the read loop and
// CommitState. The connection is not safe for concurrent writes, and holding
// sendMu while reading the LSN keeps acknowledgements in order.
func (l *LogicalReplicationListener) sendStandbyStatus() error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	lsn := l.committedLSN()
	status, err := pgx.NewStandbyStatus(lsn)
	if err != nil {
		l.logger.WithError(err).Error("failed to create StandbyStatus")
		return fmt.Errorf("failed to create standby status: %w", err)
	}

	status.ReplyRequested = 0
	l.logger.Debugf("sending StandbyStatus with LSN %s", pgx.FormatLSN(lsn))

	if err := l.standby.SendStandbyStatus(status); err != nil {
		l.logger.WithError(err).Error("failed to send StandbyStatus")
		return fmt.Errorf("failed to send standby status: %w", err)
	}
	return nil
}
