package capture

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	// registers the mysql driver for schema lookups
	_ "github.com/go-sql-driver/mysql"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"

	"github.com/perangel/changeflow"
)

const columnInfoQuery = `
	SELECT COLUMN_NAME, COLUMN_TYPE, COLUMN_KEY
	FROM INFORMATION_SCHEMA.COLUMNS
	WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
	ORDER BY ORDINAL_POSITION`

// BinlogOption is a BinlogListener option function
type BinlogOption func(*BinlogListener)

// BinlogServerID sets the replica server id announced to the source.
func BinlogServerID(id uint32) BinlogOption {
	return func(l *BinlogListener) {
		l.serverID = id
	}
}

// BinlogFlavor sets the server flavor, mysql or mariadb.
func BinlogFlavor(flavor string) BinlogOption {
	return func(l *BinlogListener) {
		l.flavor = flavor
	}
}

// BinlogPositionFile sets where the committed binlog position is stored.
func BinlogPositionFile(path string) BinlogOption {
	return func(l *BinlogListener) {
		l.positionFile = path
	}
}

// BinlogSourcingType sets the source kind stamped on captured events.
func BinlogSourcingType(st changeflow.SourcingType) BinlogOption {
	return func(l *BinlogListener) {
		l.sourcingType = st
	}
}

// BinlogLogger is an option for setting the logger
func BinlogLogger(logger *log.Logger) BinlogOption {
	return func(l *BinlogListener) {
		l.logger = logger.WithField("component", "listener")
	}
}

// BinlogListener is a Listener that reads row events from the MySQL binlog
// as a replica.
type BinlogListener struct {
	db           changeflow.DBConfig
	serverID     uint32
	flavor       string
	positionFile string
	sourcingType changeflow.SourcingType
	syncer       *replication.BinlogSyncer
	streamer     *replication.BinlogStreamer
	schemaDB     *sqlx.DB
	schemas      map[string]*TableSchema
	mu           sync.Mutex
	position     mysql.Position
	txnStart     mysql.Position
	logger       *log.Entry
}

// NewBinlogListener returns a new BinlogListener.
func NewBinlogListener(db changeflow.DBConfig, opts ...BinlogOption) *BinlogListener {
	l := &BinlogListener{
		db:           db,
		serverID:     1001,
		flavor:       mysql.MySQLFlavor,
		sourcingType: changeflow.SourcingTypeMySQL,
		schemas:      make(map[string]*TableSchema),
		logger:       log.WithField("component", "listener"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dial connects to the source and starts syncing from the stored position.
func (l *BinlogListener) Dial(ctx context.Context) error {
	schemaDB, err := sqlx.Open("mysql", fmt.Sprintf("%s:%s@tcp(%s:%d)/",
		l.db.User,
		l.db.Password,
		l.db.Host,
		l.db.Port,
	))
	if err != nil {
		l.logger.WithError(err).Error("failed to connect to database")
		return err
	}
	schemaDB.SetMaxOpenConns(1)
	if err := schemaDB.PingContext(ctx); err != nil {
		l.logger.WithError(err).Error("failed to connect to database")
		return err
	}
	l.schemaDB = schemaDB

	pos, err := ReadPosition(l.positionFile)
	if err != nil {
		return err
	}
	l.position = pos
	l.txnStart = pos

	l.syncer = replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: l.serverID,
		Flavor:   l.flavor,
		Host:     l.db.Host,
		Port:     uint16(l.db.Port),
		User:     l.db.User,
		Password: l.db.Password,
	})

	streamer, err := l.syncer.StartSync(pos)
	if err != nil {
		l.logger.WithError(err).Error("failed to start binlog sync")
		return fmt.Errorf("failed to start binlog sync: %w", err)
	}
	l.streamer = streamer

	l.logger.Infof("started binlog sync from position %s", pos)
	return nil
}

// ListenForChanges returns a channel that emits change events.
func (l *BinlogListener) ListenForChanges(ctx context.Context) (<-chan *changeflow.ChangeEvent, <-chan error) {
	eventCh := make(chan *changeflow.ChangeEvent)
	errCh := make(chan error)

	go func() {
		defer close(eventCh)
		defer close(errCh)

		for {
			ev, err := l.streamer.GetEvent(ctx)
			if err != nil {
				if ctx.Err() != nil {
					l.logger.Info("shutting down...")
					return
				}
				l.logger.WithError(err).Error("encountered an error while reading the binlog")
				select {
				case errCh <- err:
				case <-ctx.Done():
				}
				return
			}

			events, err := l.handle(ctx, ev)
			if err != nil {
				select {
				case errCh <- err:
					continue
				case <-ctx.Done():
					return
				}
			}

			for _, e := range events {
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

func (l *BinlogListener) handle(ctx context.Context, ev *replication.BinlogEvent) ([]*changeflow.ChangeEvent, error) {
	switch e := ev.Event.(type) {
	case *replication.RotateEvent:
		l.mu.Lock()
		l.position = mysql.Position{Name: string(e.NextLogName), Pos: uint32(e.Position)}
		l.txnStart = l.position
		l.mu.Unlock()
		return nil, nil

	case *replication.XIDEvent:
		l.boundary(ev.Header.LogPos)
		return nil, nil

	case *replication.RowsEvent:
		kind, ok := RowsKind(ev.Header.EventType)
		if !ok {
			return nil, nil
		}
		schema, err := l.tableSchema(ctx, e.Table)
		if err != nil {
			return nil, err
		}
		events, err := ConvertRows(ev.Header, e, kind, schema, l.sourcingType)
		if err != nil {
			return nil, err
		}
		l.stampTxnStart(events)
		return events, nil

	case *replication.QueryEvent:
		if strings.EqualFold(strings.TrimSpace(string(e.Query)), "COMMIT") {
			// non-transactional engines close their statements this way
			l.boundary(ev.Header.LogPos)
			return nil, nil
		}
		ddl := ConvertQuery(ev.Header, e, l.sourcingType)
		if ddl == nil {
			return nil, nil
		}
		// cached column layouts may be stale after any schema change
		l.mu.Lock()
		l.schemas = make(map[string]*TableSchema)
		l.mu.Unlock()
		l.boundary(ev.Header.LogPos)
		l.mu.Lock()
		ddl.Props["log_file"] = l.position.Name
		l.mu.Unlock()
		return []*changeflow.ChangeEvent{ddl}, nil
	}

	return nil, nil
}

// boundary records a transaction end. Only such positions are safe to resume
// from.
func (l *BinlogListener) boundary(logPos uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if logPos > 0 {
		l.position.Pos = logPos
	}
	l.txnStart = l.position
}

// stampTxnStart records the start of the enclosing transaction on row events.
// Committing it replays that transaction after a restart instead of skipping
// rows of it that were never applied.
func (l *BinlogListener) stampTxnStart(events []*changeflow.ChangeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range events {
		e.Props["log_file"] = l.txnStart.Name
		e.Props["log_pos"] = strconv.FormatUint(uint64(l.txnStart.Pos), 10)
	}
}

func (l *BinlogListener) tableSchema(ctx context.Context, tm *replication.TableMapEvent) (*TableSchema, error) {
	fromMap := SchemaFromTableMap(tm)
	if len(fromMap.Columns) > 0 && len(fromMap.PrimaryKey) > 0 {
		return fromMap, nil
	}

	key := fmt.Sprintf("%s.%s", tm.Schema, tm.Table)
	l.mu.Lock()
	cached, ok := l.schemas[key]
	l.mu.Unlock()
	if ok {
		return cached, nil
	}

	var rows []struct {
		Name string `db:"COLUMN_NAME"`
		Type string `db:"COLUMN_TYPE"`
		Key  string `db:"COLUMN_KEY"`
	}
	if err := l.schemaDB.SelectContext(ctx, &rows, columnInfoQuery, string(tm.Schema), string(tm.Table)); err != nil {
		return nil, fmt.Errorf("failed to query column info for %s: %w", key, err)
	}

	schema := &TableSchema{}
	for i, r := range rows {
		schema.Columns = append(schema.Columns, r.Name)
		schema.Types = append(schema.Types, r.Type)
		if r.Key == "PRI" {
			schema.PrimaryKey = append(schema.PrimaryKey, i)
		}
	}
	if len(schema.Columns) < int(tm.ColumnCount) {
		l.logger.Warnf("column count mismatch for %s: expected %d columns, got %d names", key, tm.ColumnCount, len(schema.Columns))
	}

	l.mu.Lock()
	l.schemas[key] = schema
	l.mu.Unlock()
	l.logger.Debugf("fetched %d columns for %s", len(schema.Columns), key)

	return schema, nil
}

// CommitState saves the binlog position stamped on the last handled event.
func (l *BinlogListener) CommitState(ctx context.Context, last *changeflow.ChangeEvent) error {
	pos, ok := EventPosition(last)
	if !ok {
		return nil
	}
	return WritePosition(l.positionFile, pos)
}

// EventPosition returns the binlog position recorded on a captured event.
func EventPosition(e *changeflow.ChangeEvent) (mysql.Position, bool) {
	if e == nil || e.Props == nil || e.Props["log_file"] == "" {
		return mysql.Position{}, false
	}
	n, err := strconv.ParseUint(e.Props["log_pos"], 10, 32)
	if err != nil {
		return mysql.Position{}, false
	}
	return mysql.Position{Name: e.Props["log_file"], Pos: uint32(n)}, true
}

// Close stops the replica connection.
func (l *BinlogListener) Close() error {
	if l.syncer != nil {
		l.syncer.Close()
	}
	if l.schemaDB != nil {
		if err := l.schemaDB.Close(); err != nil {
			l.logger.WithError(err).Error("error when closing database connection.")
			return err
		}
	}
	return nil
}

// ReadPosition loads a "file:pos" binlog position. A missing or empty file
// yields the zero position, which starts from the oldest available binlog.
func ReadPosition(path string) (mysql.Position, error) {
	var pos mysql.Position
	if path == "" {
		return pos, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return pos, nil
	}
	if err != nil {
		return pos, fmt.Errorf("failed to read position file: %w", err)
	}

	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return pos, nil
	}

	i := strings.LastIndex(raw, ":")
	if i <= 0 || i == len(raw)-1 {
		pos.Name = raw
		return pos, nil
	}

	n, err := strconv.ParseUint(raw[i+1:], 10, 32)
	if err != nil {
		return pos, fmt.Errorf("invalid binlog position %q: %w", raw, err)
	}
	pos.Name = raw[:i]
	pos.Pos = uint32(n)
	return pos, nil
}

// WritePosition stores a binlog position as "file:pos".
func WritePosition(path string, pos mysql.Position) error {
	if path == "" || pos.Name == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%s:%d", pos.Name, pos.Pos)), 0644); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}
