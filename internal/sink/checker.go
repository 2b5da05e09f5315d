package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// requiredPrivileges are the grants the bridge needs on a MySQL server
var requiredPrivileges = []string{
	"INSERT",
	"SELECT",
	"CREATE",
}

// Checker validates the database connection and the permissions the sink needs
type Checker struct {
	sink   *SQLSink
	logger *logrus.Logger
}

// NewChecker creates a new checker for an open sink
func NewChecker(sink *SQLSink, logger *logrus.Logger) *Checker {
	return &Checker{sink: sink, logger: logger}
}

// Check verifies connectivity, grants and the presence of the events table.
func (c *Checker) Check(ctx context.Context, eventsTable string) error {
	if err := c.sink.Ping(ctx); err != nil {
		return err
	}
	c.logger.Infof("Successfully connected to %s database", c.sink.Driver())

	switch c.sink.Driver() {
	case mysqlDialect.name:
		if err := c.checkMySQLGrants(ctx); err != nil {
			return err
		}
	case postgresDialect.name:
		if err := c.checkPostgresPrivileges(ctx); err != nil {
			return err
		}
	default:
		c.logger.Debugf("No privilege checks for %s", c.sink.Driver())
	}

	if err := checkIdentifier(eventsTable); err != nil {
		return err
	}
	rows, err := c.sink.Query(ctx, "SELECT COUNT(*) FROM "+eventsTable)
	if err != nil {
		c.logger.Warnf("Events table %s is not readable, run with migrations enabled to create it: %v", eventsTable, err)
		return nil
	}
	if len(rows) == 1 {
		c.logger.Infof("Events table %s holds %s rows", eventsTable, rows[0])
	}
	return nil
}

func (c *Checker) checkMySQLGrants(ctx context.Context) error {
	// SHOW GRANTS can return multiple rows
	grants, err := c.sink.Query(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		// MySQL 5.6 does not accept CURRENT_USER() here
		grants, err = c.sink.Query(ctx, "SHOW GRANTS")
		if err != nil {
			return fmt.Errorf("failed to check grants: %w", err)
		}
	}

	if missing := missingPrivileges(grants, requiredPrivileges); len(missing) > 0 {
		return fmt.Errorf("missing required permissions: %s. Current grants: %s", strings.Join(missing, ", "), strings.Join(grants, "; "))
	}

	c.logger.Info("All required permissions verified")
	return nil
}

func (c *Checker) checkPostgresPrivileges(ctx context.Context) error {
	rows, err := c.sink.Query(ctx, "SELECT has_database_privilege(current_database(), 'CREATE')")
	if err != nil {
		return fmt.Errorf("failed to check privileges: %w", err)
	}
	if len(rows) != 1 || (rows[0] != "true" && rows[0] != "t") {
		return fmt.Errorf("missing required permissions: CREATE on current database")
	}
	c.logger.Info("All required permissions verified")
	return nil
}

// missingPrivileges returns the entries of required not granted by the
// SHOW GRANTS rows. ALL PRIVILEGES satisfies every requirement.
func missingPrivileges(grants []string, required []string) []string {
	granted := grantedPrivileges(grants)
	if granted["ALL PRIVILEGES"] || granted["ALL"] {
		return nil
	}
	var missing []string
	for _, priv := range required {
		if !granted[priv] {
			missing = append(missing, priv)
		}
	}
	return missing
}

// grantedPrivileges collects the privilege names listed between GRANT and ON.
// Column grants such as INSERT (name) do not cover the whole table and are
// left out, as are role grants, which have no ON clause.
func grantedPrivileges(grants []string) map[string]bool {
	granted := make(map[string]bool)
	for _, row := range grants {
		upper := strings.ToUpper(strings.TrimSpace(row))
		if !strings.HasPrefix(upper, "GRANT ") {
			continue
		}
		on := strings.Index(upper, " ON ")
		if on < 0 {
			continue
		}
		for _, priv := range splitPrivileges(upper[len("GRANT "):on]) {
			if strings.Contains(priv, "(") {
				continue
			}
			granted[strings.Join(strings.Fields(priv), " ")] = true
		}
	}
	return granted
}

// splitPrivileges splits on commas outside column lists.
func splitPrivileges(list string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range list {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(list[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(list[start:]))
}
