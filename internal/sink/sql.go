package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"gridsync/internal/config"
	"gridsync/internal/models"
)

// ErrUnavailable wraps every failure reported by the database driver.
var ErrUnavailable = errors.New("relational sink unavailable")

// systemUser is the user_id recorded for rows written on behalf of the grid
const systemUser = "system"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLSink is a pooled connection to the relational database that receives
// change records.
type SQLSink struct {
	db      *sql.DB
	dialect dialect
	cfg     config.DatabaseConfig
	logger  *logrus.Logger
}

// Open creates the connection pool described by cfg and verifies that the
// database answers within cfg.ConnectTimeout.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *logrus.Logger) (*SQLSink, error) {
	d, ok := dialectFor(cfg.Driver)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported database driver %q", config.ErrMalformedConfig, cfg.Driver)
	}

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s connection: %w", ErrUnavailable, cfg.Driver, err)
	}

	maxOpen := cfg.MaxOpenConns
	if d.name == config.DriverSQLite {
		// a single writer avoids SQLITE_BUSY between pooled connections
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	s := &SQLSink{db: db, dialect: d, cfg: cfg, logger: logger}
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Infof("Connected to %s database (pool: max_open=%d, max_idle=%d)", cfg.Driver, maxOpen, cfg.MaxIdleConns)
	return s, nil
}

// buildDSN merges the configured credentials and connect timeout into the DSN.
func buildDSN(cfg config.DatabaseConfig) (string, error) {
	switch cfg.Driver {
	case config.DriverMySQL:
		c, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return "", fmt.Errorf("%w: invalid mysql dsn: %v", config.ErrMalformedConfig, err)
		}
		if cfg.Username != "" {
			c.User = cfg.Username
		}
		if cfg.Password != "" {
			c.Passwd = cfg.Password
		}
		if cfg.ConnectTimeout > 0 {
			c.Timeout = cfg.ConnectTimeout
		}
		c.ParseTime = true
		return c.FormatDSN(), nil

	case config.DriverPostgres:
		if strings.HasPrefix(cfg.DSN, "postgres://") || strings.HasPrefix(cfg.DSN, "postgresql://") {
			u, err := url.Parse(cfg.DSN)
			if err != nil {
				return "", fmt.Errorf("%w: invalid postgres url: %v", config.ErrMalformedConfig, err)
			}
			if cfg.Username != "" {
				u.User = url.UserPassword(cfg.Username, cfg.Password)
			}
			q := u.Query()
			if cfg.ConnectTimeout > 0 && q.Get("connect_timeout") == "" {
				q.Set("connect_timeout", strconv.Itoa(int(cfg.ConnectTimeout.Seconds())))
			}
			u.RawQuery = q.Encode()
			return u.String(), nil
		}
		dsn := cfg.DSN
		if cfg.Username != "" {
			dsn += " user=" + quoteConnValue(cfg.Username)
		}
		if cfg.Password != "" {
			dsn += " password=" + quoteConnValue(cfg.Password)
		}
		if cfg.ConnectTimeout > 0 && !strings.Contains(dsn, "connect_timeout=") {
			dsn += " connect_timeout=" + strconv.Itoa(int(cfg.ConnectTimeout.Seconds()))
		}
		return strings.TrimSpace(dsn), nil

	case config.DriverSQLite:
		if strings.Contains(cfg.DSN, "busy_timeout") {
			return cfg.DSN, nil
		}
		sep := "?"
		if strings.Contains(cfg.DSN, "?") {
			sep = "&"
		}
		return cfg.DSN + sep + "_pragma=busy_timeout(5000)", nil
	}
	return "", fmt.Errorf("%w: unsupported database driver %q", config.ErrMalformedConfig, cfg.Driver)
}

func quoteConnValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrUnavailable, op, err)
}

// Driver returns the configured driver name
func (s *SQLSink) Driver() string {
	return s.dialect.name
}

// Ping checks that the database is reachable within the connect timeout.
func (s *SQLSink) Ping(ctx context.Context) error {
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping "+s.dialect.name+" database", err)
	}
	return nil
}

// Migrate creates the users table and the events table if they are missing.
func (s *SQLSink) Migrate(ctx context.Context, eventsTable string) error {
	if err := checkIdentifier(eventsTable); err != nil {
		return err
	}
	for _, stmt := range []string{s.dialect.usersTable, fmt.Sprintf(s.dialect.eventsTable, eventsTable)} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return unavailable("create tables", err)
		}
	}
	s.logger.Infof("Database tables verified (users, %s)", eventsTable)
	return nil
}

// Append inserts one change record into table.
func (s *SQLSink) Append(ctx context.Context, table string, rec *models.Record) (int64, error) {
	return s.Insert(ctx, table,
		[]string{"user_id", "event_type", "event_key", "old_value", "new_value", "event_data"},
		[]any{
			systemUser,
			rec.EventType(),
			rec.Key,
			nullString(rec.OldValue),
			nullString(rec.NewValue),
			rec.Details(),
		})
}

// Insert adds one row to table.
func (s *SQLSink) Insert(ctx context.Context, table string, columns []string, values []any) (int64, error) {
	if len(columns) == 0 || len(columns) != len(values) {
		return 0, fmt.Errorf("insert into %s: %d columns but %d values", table, len(columns), len(values))
	}
	if err := checkIdentifier(table); err != nil {
		return 0, err
	}
	for _, c := range columns {
		if err := checkIdentifier(c); err != nil {
			return 0, err
		}
	}

	res, err := s.db.ExecContext(ctx, insertStatement(table, columns, s.dialect.placeholder), values...)
	if err != nil {
		return 0, unavailable("insert into "+table, err)
	}
	return rowsAffected(res), nil
}

// Upsert inserts a row or, when keyColumn already holds the key value,
// updates the remaining columns.
func (s *SQLSink) Upsert(ctx context.Context, table, keyColumn string, columns []string, values []any) (int64, error) {
	if len(columns) == 0 || len(columns) != len(values) {
		return 0, fmt.Errorf("upsert into %s: %d columns but %d values", table, len(columns), len(values))
	}
	if err := checkIdentifier(table); err != nil {
		return 0, err
	}
	hasKey := false
	for _, c := range columns {
		if err := checkIdentifier(c); err != nil {
			return 0, err
		}
		if c == keyColumn {
			hasKey = true
		}
	}
	if !hasKey {
		return 0, fmt.Errorf("upsert into %s: key column %q is not among the columns", table, keyColumn)
	}

	res, err := s.db.ExecContext(ctx, s.dialect.upsert(table, keyColumn, columns), values...)
	if err != nil {
		return 0, unavailable("upsert into "+table, err)
	}
	return rowsAffected(res), nil
}

// Query runs a query and renders each row as its columns joined by ", ".
func (s *SQLSink) Query(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, unavailable("read columns", err)
	}

	var out []string
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, unavailable("scan row", err)
		}
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = formatValue(v)
		}
		out = append(out, strings.Join(parts, ", "))
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate rows", err)
	}
	return out, nil
}

// Exec runs a statement and returns the number of affected rows.
func (s *SQLSink) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, unavailable("execute statement", err)
	}
	return rowsAffected(res), nil
}

func (s *SQLSink) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.logger.Info("Database connection pool closed")
	return nil
}

func checkIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid SQL identifier %q", name)
	}
	return nil
}

func nullString(o models.Option[string]) sql.NullString {
	v, ok := o.Get()
	return sql.NullString{String: v, Valid: ok}
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}
