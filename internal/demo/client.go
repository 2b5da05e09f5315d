package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"gridsync/internal/grid"
)

// Map names used by the client walkthrough
const (
	ExampleMap  = "example-map"
	SessionsMap = "user-sessions"
	CacheMap    = "cache-data"
)

// Session is the value stored in the user-sessions map
type Session struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	LoginTime time.Time `json:"login_time"`
}

type Profile struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Product struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// ClientExample walks through the map operations a client of the grid has,
// then stores user sessions and cached lookups.
func ClientExample(ctx context.Context, g grid.Grid, logger *logrus.Logger) error {
	logger.Infof("Connected to grid cluster: %s (%s mode)", g.Name(), g.Mode())

	if err := distributedMap(ctx, g, logger); err != nil {
		return err
	}
	if err := userSessions(ctx, g, logger); err != nil {
		return err
	}
	return cacheOperations(ctx, g, logger)
}

func distributedMap(ctx context.Context, g grid.Grid, logger *logrus.Logger) error {
	logger.Info("=== Distributed Map Operations ===")

	m, err := g.Map(ctx, ExampleMap)
	if err != nil {
		return fmt.Errorf("failed to open map %s: %w", ExampleMap, err)
	}

	for _, kv := range [][2]string{{"key1", "Hello"}, {"key2", "Grid"}, {"key3", "5.5"}} {
		if _, err := m.Put(ctx, kv[0], kv[1]); err != nil {
			return fmt.Errorf("failed to put %s: %w", kv[0], err)
		}
	}
	size, err := m.Size(ctx)
	if err != nil {
		return err
	}
	logger.Infof("Added %d entries to distributed map", size)

	v1, err := m.Get(ctx, "key1")
	if err != nil {
		return err
	}
	v2, err := m.Get(ctx, "key2")
	if err != nil {
		return err
	}
	logger.Infof("Retrieved values: %s %s", v1.OrElse(""), v2.OrElse(""))

	contains, err := m.ContainsKey(ctx, "key3")
	if err != nil {
		return err
	}
	logger.Infof("Map contains key3: %t", contains)

	keys, err := m.KeySet(ctx)
	if err != nil {
		return err
	}
	logger.Infof("All keys in map: %v", keys)

	replaced, err := m.Replace(ctx, "key1", "Hi")
	if err != nil {
		return err
	}
	logger.Infof("Replaced value: %s", replaced.OrElse("<none>"))

	if err := putWithTTL(ctx, m, "temp-key", "temporary value", 10*time.Second, logger); err != nil {
		return err
	}
	logger.Info("Added temporary entry with 10 seconds TTL")
	return nil
}

func userSessions(ctx context.Context, g grid.Grid, logger *logrus.Logger) error {
	logger.Info("=== User Session Management ===")

	m, err := g.Map(ctx, SessionsMap)
	if err != nil {
		return fmt.Errorf("failed to open map %s: %w", SessionsMap, err)
	}

	now := time.Now().UTC()
	for _, s := range []Session{
		{UserID: "user123", Username: "John Doe", LoginTime: now},
		{UserID: "user456", Username: "Jane Smith", LoginTime: now},
	} {
		if err := putJSON(ctx, m, s.UserID, s); err != nil {
			return err
		}
	}
	size, err := m.Size(ctx)
	if err != nil {
		return err
	}
	logger.Infof("Stored %d user sessions", size)

	var session Session
	found, err := getJSON(ctx, m, "user123", &session)
	if err != nil {
		return err
	}
	if found {
		logger.Infof("Retrieved session for user: %s", session.Username)
	}
	logger.Infof("Total active sessions: %d", size)
	return nil
}

func cacheOperations(ctx context.Context, g grid.Grid, logger *logrus.Logger) error {
	logger.Info("=== Cache Operations ===")

	m, err := g.Map(ctx, CacheMap)
	if err != nil {
		return fmt.Errorf("failed to open map %s: %w", CacheMap, err)
	}

	if err := putJSON(ctx, m, "user:123:profile", Profile{Name: "John Doe", Email: "john@example.com"}); err != nil {
		return err
	}
	if err := putJSON(ctx, m, "product:456:details", Product{Name: "Laptop", Price: 999.99}); err != nil {
		return err
	}
	if err := putWithTTL(ctx, m, "api:weather:current", "Sunny, 25°C", 5*time.Minute, logger); err != nil {
		return err
	}

	size, err := m.Size(ctx)
	if err != nil {
		return err
	}
	logger.Infof("Cached %d items", size)

	var profile Profile
	if found, err := getJSON(ctx, m, "user:123:profile", &profile); err != nil {
		return err
	} else if found {
		logger.Infof("Retrieved cached user profile: %s", profile.Name)
	}

	var product Product
	if found, err := getJSON(ctx, m, "product:456:details", &product); err != nil {
		return err
	} else if found {
		logger.Infof("Retrieved cached product: %s - $%.2f", product.Name, product.Price)
	}
	return nil
}

// putWithTTL falls back to a plain put on grids without per-entry TTLs.
func putWithTTL(ctx context.Context, m grid.Map, key, value string, ttl time.Duration, logger *logrus.Logger) error {
	if err := m.PutWithTTL(ctx, key, value, ttl); err != nil {
		logger.Warnf("Per-entry TTL unavailable for %s, storing without it: %v", key, err)
		if _, err := m.Put(ctx, key, value); err != nil {
			return fmt.Errorf("failed to put %s: %w", key, err)
		}
	}
	return nil
}

func putJSON(ctx context.Context, m grid.Map, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if _, err := m.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func getJSON(ctx context.Context, m grid.Map, key string, v any) (bool, error) {
	raw, err := m.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	s, ok := raw.Get()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}
