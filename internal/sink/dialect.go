package sink

import (
	"fmt"
	"strings"

	"gridsync/internal/config"
)

// dialect holds the SQL that differs between the supported databases.
type dialect struct {
	name       string
	driverName string

	// placeholder renders the i-th (1-based) bind parameter
	placeholder func(i int) string

	usersTable  string
	eventsTable string // format string taking the events table name

	upsert func(table, keyColumn string, columns []string) string
}

func positional(int) string { return "?" }

func numbered(i int) string { return fmt.Sprintf("$%d", i) }

var mysqlDialect = dialect{
	name:        config.DriverMySQL,
	driverName:  "mysql",
	placeholder: positional,
	usersTable: `CREATE TABLE IF NOT EXISTS users (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	user_id VARCHAR(50) NOT NULL UNIQUE,
	username VARCHAR(100) NOT NULL,
	email VARCHAR(255),
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	last_login TIMESTAMP NULL
)`,
	eventsTable: `CREATE TABLE IF NOT EXISTS %s (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	user_id VARCHAR(50) NOT NULL,
	event_type VARCHAR(50) NOT NULL,
	event_key VARCHAR(255),
	old_value TEXT,
	new_value TEXT,
	event_data TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`,
	upsert: func(table, keyColumn string, columns []string) string {
		var sets []string
		for _, c := range columns {
			if c != keyColumn {
				sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
			}
		}
		if len(sets) == 0 {
			sets = append(sets, fmt.Sprintf("%s = %s", keyColumn, keyColumn))
		}
		return fmt.Sprintf("%s ON DUPLICATE KEY UPDATE %s",
			insertStatement(table, columns, positional), strings.Join(sets, ", "))
	},
}

var postgresDialect = dialect{
	name:        config.DriverPostgres,
	driverName:  "postgres",
	placeholder: numbered,
	usersTable: `CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	user_id VARCHAR(50) NOT NULL UNIQUE,
	username VARCHAR(100) NOT NULL,
	email VARCHAR(255),
	created_at TIMESTAMPTZ DEFAULT NOW(),
	last_login TIMESTAMPTZ
)`,
	eventsTable: `CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	user_id VARCHAR(50) NOT NULL,
	event_type VARCHAR(50) NOT NULL,
	event_key VARCHAR(255),
	old_value TEXT,
	new_value TEXT,
	event_data TEXT,
	created_at TIMESTAMPTZ DEFAULT NOW()
)`,
	upsert: func(table, keyColumn string, columns []string) string {
		return onConflict(table, keyColumn, columns, numbered)
	},
}

var sqliteDialect = dialect{
	name:        config.DriverSQLite,
	driverName:  "sqlite",
	placeholder: positional,
	usersTable: `CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL UNIQUE,
	username TEXT NOT NULL,
	email TEXT,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP,
	last_login TEXT
)`,
	eventsTable: `CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_key TEXT,
	old_value TEXT,
	new_value TEXT,
	event_data TEXT,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP
)`,
	upsert: func(table, keyColumn string, columns []string) string {
		return onConflict(table, keyColumn, columns, positional)
	},
}

func dialectFor(driver string) (dialect, bool) {
	switch driver {
	case config.DriverMySQL:
		return mysqlDialect, true
	case config.DriverPostgres:
		return postgresDialect, true
	case config.DriverSQLite:
		return sqliteDialect, true
	default:
		return dialect{}, false
	}
}

func insertStatement(table string, columns []string, placeholder func(int) string) string {
	marks := make([]string, len(columns))
	for i := range columns {
		marks[i] = placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), strings.Join(marks, ", "))
}

func onConflict(table, keyColumn string, columns []string, placeholder func(int) string) string {
	var sets []string
	for _, c := range columns {
		if c != keyColumn {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("%s ON CONFLICT (%s) %s",
		insertStatement(table, columns, placeholder), keyColumn, action)
}
