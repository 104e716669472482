// Package loader applies change events to a target database.
package loader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"

	"github.com/perangel/changeflow"
	"github.com/perangel/changeflow/internal/sqlgen"
)

var regexSpace = regexp.MustCompile(`\s+`)

func removeDuplicateSpaces(in string) string {
	return strings.TrimSpace(regexSpace.ReplaceAllString(in, " "))
}

// DB is the subset of *sqlx.DB used by the Loader.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// Option is a Loader option function
type Option func(*Loader)

// FailOnDuplicate makes inserts that hit an existing row fail instead of
// falling back to an update. Duplicates should never happen in some cases
// such as database migrations.
func FailOnDuplicate(fail bool) Option {
	return func(l *Loader) {
		l.failOnDuplicate = fail
	}
}

// RetryAttempts sets how many times a retryable failure is requeued.
func RetryAttempts(n int) Option {
	return func(l *Loader) {
		l.retryAttempts = n
	}
}

// RetryDelay sets the delay before the first retry. It doubles on each
// attempt, with jitter.
func RetryDelay(d time.Duration) Option {
	return func(l *Loader) {
		l.retryDelay = d
	}
}

// RetryMaxElapsed bounds the total time spent retrying one event.
func RetryMaxElapsed(d time.Duration) Option {
	return func(l *Loader) {
		l.retryMaxElapsed = d
	}
}

// WithLogger is an option for setting the logger
func WithLogger(logger *log.Logger) Option {
	return func(l *Loader) {
		l.logger = logger.WithField("component", "loader")
	}
}

// Result counts the outcome of a Load call.
type Result struct {
	Applied int
	Skipped int
	Failed  int
}

// Loader generates and executes statements for change events.
type Loader struct {
	db              DB
	gen             *sqlgen.Generator
	failOnDuplicate bool
	retryAttempts   int
	retryDelay      time.Duration
	retryMaxElapsed time.Duration
	logger          *log.Entry
}

// New returns a new Loader.
func New(db DB, gen *sqlgen.Generator, opts ...Option) *Loader {
	l := &Loader{
		db:              db,
		gen:             gen,
		retryAttempts:   3,
		retryDelay:      100 * time.Millisecond,
		retryMaxElapsed: 30 * time.Second,
		logger:          log.WithField("component", "loader"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open connects to the target database with sqlx.
func Open(driverName string, cfg changeflow.DBConfig) (*sqlx.DB, error) {
	var dsn string
	switch driverName {
	case "postgres":
		dsn = fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%d sslmode=%s",
			cfg.User,
			cfg.Password,
			cfg.Database,
			cfg.Host,
			cfg.Port,
			"disable",
		)
	case "mysql":
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?interpolateParams=true",
			cfg.User,
			cfg.Password,
			cfg.Host,
			cfg.Port,
			cfg.Database,
		)
	default:
		return nil, fmt.Errorf("unsupported target driver %q", driverName)
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to target database: %w", err)
	}
	return db, nil
}

// Load applies a batch of events in order. Events that cannot be applied are
// logged and counted; the returned error is reserved for failures that must
// stop the pipeline.
func (l *Loader) Load(ctx context.Context, batch []*changeflow.ChangeEvent) (*Result, error) {
	res := &Result{}
	for _, e := range batch {
		err := l.applyWithRetry(ctx, e)
		switch {
		case err == nil:
			res.Applied++
		case errors.Is(err, sqlgen.ErrNoChanges), errors.Is(err, sqlgen.ErrUnsupportedEvent):
			l.logger.WithField("table", e.TableName).Debugf("skipped %s event", e.EventType)
			res.Skipped++
		case errors.Is(err, changeflow.ErrPropsNotInitialized), ctx.Err() != nil:
			return res, err
		default:
			l.logger.WithError(err).WithField("table", e.TableName).
				Errorf("failed to apply %s event for table '%s'", e.EventType, e.TableName)
			res.Failed++
		}
	}
	return res, nil
}

// applyWithRetry retries retryable failures with jittered exponential
// backoff. Every retry applies a fresh clone of the event, so the event handed
// in is never mutated by a failed attempt.
func (l *Loader) applyWithRetry(ctx context.Context, e *changeflow.ChangeEvent) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.retryDelay
	policy.Multiplier = 2
	policy.MaxElapsedTime = l.retryMaxElapsed

	attempt := 0
	op := func() error {
		current := e
		if attempt > 0 {
			next, err := e.Clone()
			if err != nil {
				return backoff.Permanent(err)
			}
			current = next
		}
		attempt++

		err := l.apply(ctx, current)
		if err != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		l.logger.WithError(err).WithFields(log.Fields{"attempt": attempt, "wait": wait}).
			Warnf("retrying %s event for table '%s'", e.EventType, e.TableName)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(l.retryAttempts)), ctx)
	return backoff.RetryNotify(op, b, notify)
}

func (l *Loader) apply(ctx context.Context, e *changeflow.ChangeEvent) error {
	stmt, err := l.gen.Generate(e)
	if err != nil {
		return err
	}

	if stmt.Kind.IsDDL() {
		return l.execDDL(ctx, stmt)
	}

	_, err = l.db.ExecContext(ctx, stmt.SQL, stmt.Args...)
	if err == nil {
		l.logger.WithField("time-delta", time.Since(time.Unix(0, e.ExecuteTime*int64(time.Millisecond)))).
			Debugf("row %s: %s", e.EventType, e)
		return nil
	}

	if e.EventType.IsInsert() && isDuplicate(err) {
		if l.failOnDuplicate {
			return fmt.Errorf("duplicate row insert failed %s", e)
		}
		l.logger.Debugf("duplicate row insert, updating instead %s", e)
		return l.upsertFallback(ctx, e)
	}

	return fmt.Errorf("failed to %s %s for query %s: %w", e.EventType, e.TableName, removeDuplicateSpaces(stmt.SQL), err)
}

// upsertFallback rewrites a duplicate insert as an update of every column.
func (l *Loader) upsertFallback(ctx context.Context, e *changeflow.ChangeEvent) error {
	u, err := e.Clone()
	if err != nil {
		return err
	}
	u.EventType = changeflow.EventTypeUpdate
	u.OldKeys = nil
	for _, c := range u.Columns {
		c.IsUpdate = true
	}

	stmt, err := l.gen.Generate(u)
	if errors.Is(err, sqlgen.ErrNoChanges) {
		// key-only table, the row is already there
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := l.db.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
		return fmt.Errorf("failed to update duplicate %s for query %s: %w", e.TableName, removeDuplicateSpaces(stmt.SQL), err)
	}
	return nil
}

func (l *Loader) execDDL(ctx context.Context, stmt *sqlgen.Statement) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ddl transaction: %w", err)
	}

	if stmt.Schema != "" {
		var use string
		switch stmt.Dialect {
		case sqlgen.DialectMySQL:
			use = fmt.Sprintf("USE `%s`", strings.ReplaceAll(stmt.Schema, "`", "``"))
		case sqlgen.DialectPostgres:
			use = fmt.Sprintf(`SET LOCAL search_path TO "%s"`, strings.ReplaceAll(stmt.Schema, `"`, `""`))
		}
		if use != "" {
			if _, err := tx.ExecContext(ctx, use); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("failed to switch schema to %s: %w", stmt.Schema, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, stmt.SQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to execute ddl %s: %w", removeDuplicateSpaces(stmt.SQL), err)
	}

	l.logger.WithField("schema", stmt.Schema).Infof("ddl applied: %s", removeDuplicateSpaces(stmt.SQL))
	return tx.Commit()
}
