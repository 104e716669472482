// Package sqlgen turns change events into SQL statements for a target database.
package sqlgen

import (
	"errors"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	// registers the mysql dialect
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	// registers the postgres dialect
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/perangel/changeflow"
)

// Dialect names understood by the generator.
const (
	DialectMySQL    = "mysql"
	DialectPostgres = "postgres"
	DialectDefault  = "default"
)

var (
	// ErrMissingKeys is returned for DML events without a primary key.
	ErrMissingKeys = errors.New("change event has no primary key")
	// ErrNoChanges is returned for updates that change nothing.
	ErrNoChanges = errors.New("update does not change any column")
	// ErrNoSQL is returned for DDL events without statement text.
	ErrNoSQL = errors.New("ddl event carries no statement")
	// ErrUnsupportedSource is returned for sources that do not map to SQL.
	ErrUnsupportedSource = errors.New("source does not produce sql statements")
	// ErrUnsupportedEvent is returned for event types that are not applied.
	ErrUnsupportedEvent = errors.New("event type is not applied")
	// ErrInvalidHint is returned for hints that would close their comment early.
	ErrInvalidHint = errors.New("hint must be a single comment")
)

// Statement is a generated SQL statement.
type Statement struct {
	Kind changeflow.EventType
	// Schema is the schema a DDL statement must run under. Empty for DML.
	Schema  string
	SQL     string
	Args    []interface{}
	Dialect string
}

// DialectFor returns the dialect matching a source kind.
func DialectFor(st changeflow.SourcingType) (string, error) {
	switch {
	case st.IsPostgres():
		return DialectPostgres, nil
	case st.IsMysql(), st.IsTiDB(), st.IsGroup(), st.IsLocalBinlog():
		return DialectMySQL, nil
	case st.IsOracle():
		return DialectDefault, nil
	case st.IsRedis():
		return "", ErrUnsupportedSource
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedSource, st)
}

// Option is a Generator option function
type Option func(*Generator)

// WithDialect forces the dialect instead of deriving it from the event source.
func WithDialect(dialect string) Option {
	return func(g *Generator) {
		g.dialect = dialect
	}
}

// Generator builds statements from change events.
type Generator struct {
	dialect string
}

// New returns a new Generator.
func New(opts ...Option) *Generator {
	g := &Generator{}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns the statement applying the event. The event is only read.
func (g *Generator) Generate(e *changeflow.ChangeEvent) (*Statement, error) {
	if e.SourcingType.IsRedis() {
		return nil, ErrUnsupportedSource
	}

	dialect := g.dialect
	if dialect == "" {
		d, err := DialectFor(e.SourcingType)
		if err != nil {
			return nil, err
		}
		dialect = d
	}

	var (
		stmt *Statement
		err  error
	)
	switch {
	case e.EventType.IsInsert():
		stmt, err = g.insert(dialect, e)
	case e.EventType.IsUpdate():
		stmt, err = g.update(dialect, e)
	case e.EventType.IsDelete():
		stmt, err = g.delete(dialect, e)
	case e.EventType.IsDDL():
		stmt, err = g.ddl(e)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, e.EventType)
	}
	if err != nil {
		return nil, err
	}

	stmt.Kind = e.EventType
	stmt.Dialect = dialect
	stmt.SQL, err = withHint(e.Hint, stmt.SQL)
	if err != nil {
		return nil, err
	}
	return stmt, nil
}

func (g *Generator) insert(dialect string, e *changeflow.ChangeEvent) (*Statement, error) {
	if len(e.Keys) == 0 {
		return nil, ErrMissingKeys
	}

	cols := make([]interface{}, 0, len(e.Keys)+len(e.Columns))
	vals := make([]interface{}, 0, len(e.Keys)+len(e.Columns))
	for _, c := range e.Keys {
		cols = append(cols, c.Name)
		vals = append(vals, columnValue(c))
	}
	for _, c := range e.Columns {
		cols = append(cols, c.Name)
		vals = append(vals, columnValue(c))
	}

	sql, args, err := goqu.Dialect(dialect).
		Insert(tableExpr(e)).
		Cols(cols...).
		Vals(vals).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build insert for %s.%s: %w", e.SchemaName, e.TableName, err)
	}
	return &Statement{SQL: sql, Args: args}, nil
}

// UpdateSet returns the assignments an update applies. Field mode, the
// default, only writes changed columns; row mode writes every column. A
// rewritten key is always written.
func UpdateSet(e *changeflow.ChangeEvent) goqu.Record {
	columns := e.UpdatedColumns()
	if e.SyncMode != nil && *e.SyncMode == changeflow.SyncModeRow {
		columns = e.Columns
	}

	set := goqu.Record{}
	for _, c := range columns {
		set[c.Name] = columnValue(c)
	}
	if e.KeyChanged() {
		for _, c := range e.Keys {
			set[c.Name] = columnValue(c)
		}
	}
	return set
}

func (g *Generator) update(dialect string, e *changeflow.ChangeEvent) (*Statement, error) {
	if len(e.Keys) == 0 {
		return nil, ErrMissingKeys
	}

	set := UpdateSet(e)
	if len(set) == 0 {
		return nil, ErrNoChanges
	}

	where := e.OldKeys
	if len(where) == 0 {
		where = e.Keys
	}

	sql, args, err := goqu.Dialect(dialect).
		Update(tableExpr(e)).
		Set(set).
		Where(keyConditions(where)...).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build update for %s.%s: %w", e.SchemaName, e.TableName, err)
	}
	return &Statement{SQL: sql, Args: args}, nil
}

func (g *Generator) delete(dialect string, e *changeflow.ChangeEvent) (*Statement, error) {
	where := e.OldKeys
	if len(where) == 0 {
		where = e.Keys
	}
	if len(where) == 0 {
		return nil, ErrMissingKeys
	}

	sql, args, err := goqu.Dialect(dialect).
		Delete(tableExpr(e)).
		Where(keyConditions(where)...).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build delete for %s.%s: %w", e.SchemaName, e.TableName, err)
	}
	return &Statement{SQL: sql, Args: args}, nil
}

// ddl passes the captured statement through. Keys are ignored.
func (g *Generator) ddl(e *changeflow.ChangeEvent) (*Statement, error) {
	if strings.TrimSpace(e.SQL) == "" {
		return nil, ErrNoSQL
	}

	stmt := &Statement{SQL: e.SQL}
	if !e.WithoutSchema {
		stmt.Schema = e.DDLSchemaName
		if stmt.Schema == "" {
			stmt.Schema = e.SchemaName
		}
	}
	return stmt, nil
}

func tableExpr(e *changeflow.ChangeEvent) exp.IdentifierExpression {
	if e.WithoutSchema {
		return goqu.T(e.TableName)
	}

	schema := e.SchemaName
	if e.UsingShard && e.LogicSchemaName != "" {
		schema = e.LogicSchemaName
	}
	if schema == "" {
		return goqu.T(e.TableName)
	}
	return goqu.S(schema).Table(e.TableName)
}

func keyConditions(keys []*changeflow.EventColumn) []exp.Expression {
	conds := make([]exp.Expression, len(keys))
	for i, k := range keys {
		if k.IsNull {
			conds[i] = goqu.C(k.Name).IsNull()
		} else {
			conds[i] = goqu.C(k.Name).Eq(k.Value)
		}
	}
	return conds
}

func columnValue(c *changeflow.EventColumn) interface{} {
	if c.IsNull {
		return nil
	}
	return c.Value
}

// withHint prefixes sql with hint as a comment. A hint may already be wrapped
// in /* */, but its body must not open or close another comment.
func withHint(hint, sql string) (string, error) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return sql, nil
	}
	body := hint
	if strings.HasPrefix(body, "/*") && strings.HasSuffix(body, "*/") && len(body) >= 4 {
		body = body[2 : len(body)-2]
	}
	if strings.Contains(body, "*/") || strings.Contains(body, "/*") {
		return "", fmt.Errorf("%w: %q", ErrInvalidHint, hint)
	}
	return "/*" + body + "*/ " + sql, nil
}
