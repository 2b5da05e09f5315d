package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"gridsync/internal/bridge"
	"gridsync/internal/grid"
	"gridsync/internal/models"
)

// Map names used by the demonstrations
const (
	UsersMap   = "users"
	ProductMap = "product-cache"
	SyncMap    = "sync-data"
)

const usersTable = "users"

// Store is the part of the relational sink used by the demonstrations
type Store interface {
	Upsert(ctx context.Context, table, keyColumn string, columns []string, values []any) (int64, error)
	Insert(ctx context.Context, table string, columns []string, values []any) (int64, error)
	Query(ctx context.Context, query string, args ...any) ([]string, error)
}

// Events is the part of the event bus used by the demonstrations
type Events interface {
	SendSystemEvent(ctx context.Context, component, level, message string) error
	SendUserEvent(ctx context.Context, userID, username, action, details string) error
}

type Config struct {
	EventsTable string
	ProductTTL  time.Duration
	// SyncPause is the delay between synchronized puts
	SyncPause time.Duration
}

// User is the value stored in the users map
type User struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Runner drives sample workloads against a running bridge
type Runner struct {
	cfg      Config
	grid     grid.Grid
	store    models.Option[Store]
	events   models.Option[Events]
	bridge   *bridge.Bridge
	attached map[string]bool
	detach   []func()
	logger   *logrus.Logger
}

// NewRunner creates a runner. attached lists the maps the bridge is already
// listening on.
func NewRunner(cfg Config, g grid.Grid, store models.Option[Store], events models.Option[Events], b *bridge.Bridge, attached []string, logger *logrus.Logger) *Runner {
	if cfg.EventsTable == "" {
		cfg.EventsTable = "user_events"
	}
	if cfg.ProductTTL <= 0 {
		cfg.ProductTTL = 30 * time.Second
	}
	r := &Runner{
		cfg:      cfg,
		grid:     g,
		store:    store,
		events:   events,
		bridge:   b,
		attached: make(map[string]bool),
		logger:   logger,
	}
	for _, name := range attached {
		r.attached[name] = true
	}
	return r
}

// RunAll runs every demonstration in order and stops at the first grid
// failure.
func (r *Runner) RunAll(ctx context.Context) error {
	r.logger.Info("Running integrated demonstrations...")
	if err := r.Users(ctx); err != nil {
		return err
	}
	if _, err := r.ProductCache(ctx); err != nil {
		return err
	}
	return r.Sync(ctx)
}

// Users stores five users in the grid and the users table and announces each
// one on the bus.
func (r *Runner) Users(ctx context.Context) error {
	r.logger.Info("=== Demonstrating User Operations with Persistence ===")

	m, err := r.grid.Map(ctx, UsersMap)
	if err != nil {
		return fmt.Errorf("failed to open map %s: %w", UsersMap, err)
	}

	for i := 1; i <= 5; i++ {
		user := User{
			UserID:   fmt.Sprintf("user%d", i),
			Username: fmt.Sprintf("User %d", i),
			Email:    fmt.Sprintf("user%d@example.com", i),
		}
		data, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("failed to encode user %s: %w", user.UserID, err)
		}
		if _, err := m.Put(ctx, user.UserID, string(data)); err != nil {
			return fmt.Errorf("failed to store user %s: %w", user.UserID, err)
		}

		if store, ok := r.store.Get(); ok {
			_, err := store.Upsert(ctx, usersTable, "user_id",
				[]string{"user_id", "username", "email", "last_login"},
				[]any{user.UserID, user.Username, user.Email, time.Now().UTC()})
			if err != nil {
				r.logger.Errorf("Failed to persist user %s: %v", user.UserID, err)
			}
		}
		if events, ok := r.events.Get(); ok {
			err := events.SendUserEvent(ctx, user.UserID, user.Username, "USER_CREATED",
				"User created and stored in cache and database")
			if err != nil {
				r.logger.Errorf("Failed to send user event for %s: %v", user.UserID, err)
			}
		}
		r.logger.Infof("Created user: %s", user.Username)
	}

	size, err := m.Size(ctx)
	if err != nil {
		return fmt.Errorf("failed to count users: %w", err)
	}
	r.logger.Infof("Total users in grid: %d", size)

	if store, ok := r.store.Get(); ok {
		rows, err := store.Query(ctx, "SELECT user_id, username, email FROM users ORDER BY user_id")
		if err != nil {
			r.logger.Errorf("Failed to read users table: %v", err)
			return nil
		}
		r.logger.Infof("Users in database: %d", len(rows))
		for _, row := range rows {
			r.logger.Infof("DB User: %s", row)
		}
	}
	return nil
}

var products = []string{"laptop", "mouse", "keyboard", "monitor", "headset"}

// ProductCache loads products into a map with a TTL, records each load as a
// cache miss, then reads them back. It returns the number of cache hits.
func (r *Runner) ProductCache(ctx context.Context) (int, error) {
	r.logger.Info("=== Demonstrating Cache Operations with Events ===")

	m, err := r.grid.Map(ctx, ProductMap)
	if err != nil {
		return 0, fmt.Errorf("failed to open map %s: %w", ProductMap, err)
	}

	for _, product := range products {
		data := fmt.Sprintf("Product data for %s - %s", product, time.Now().Format(time.RFC3339))
		if err := m.PutWithTTL(ctx, product, data, r.cfg.ProductTTL); err != nil {
			r.logger.Warnf("Entry TTL unavailable for %s, storing without expiry: %v", product, err)
			if _, err := m.Put(ctx, product, data); err != nil {
				return 0, fmt.Errorf("failed to cache product %s: %w", product, err)
			}
		}

		if store, ok := r.store.Get(); ok {
			_, err := store.Insert(ctx, r.cfg.EventsTable,
				[]string{"user_id", "event_type", "event_key", "event_data"},
				[]any{"system", "CACHE_MISS", product, "Product: " + product})
			if err != nil {
				r.logger.Errorf("Failed to record cache miss for %s: %v", product, err)
			}
		}
		r.systemEvent(ctx, "Cache miss for product: "+product)
		r.logger.Infof("Cached product: %s", product)
	}

	hits := 0
	for _, product := range products {
		v, err := m.Get(ctx, product)
		if err != nil {
			return hits, fmt.Errorf("failed to read product %s: %w", product, err)
		}
		data, ok := v.Get()
		if !ok {
			r.logger.Infof("Cache MISS for %s (expired)", product)
			continue
		}
		hits++
		if len(data) > 30 {
			data = data[:30] + "..."
		}
		r.logger.Infof("Cache HIT for %s: %s", product, data)
		r.systemEvent(ctx, "Cache hit for product: "+product)
	}
	return hits, nil
}

func (r *Runner) systemEvent(ctx context.Context, message string) {
	events, ok := r.events.Get()
	if !ok {
		return
	}
	if err := events.SendSystemEvent(ctx, "ProductCache", models.LevelInfo, message); err != nil {
		r.logger.Errorf("Failed to send system event: %v", err)
	}
}

// Sync attaches the bridge to the sync map if needed, puts three keys and
// removes sync-key-2.
func (r *Runner) Sync(ctx context.Context) error {
	r.logger.Info("=== Demonstrating Data Synchronization ===")

	if !r.attached[SyncMap] {
		detach, err := r.bridge.Attach(ctx, r.grid, []string{SyncMap})
		if err != nil {
			return err
		}
		r.attached[SyncMap] = true
		r.detach = append(r.detach, detach)
	}

	m, err := r.grid.Map(ctx, SyncMap)
	if err != nil {
		return fmt.Errorf("failed to open map %s: %w", SyncMap, err)
	}

	for i := 1; i <= 3; i++ {
		key := fmt.Sprintf("sync-key-%d", i)
		value := fmt.Sprintf("Synchronized data %d at %s", i, time.Now().Format(time.RFC3339))
		if _, err := m.Put(ctx, key, value); err != nil {
			return fmt.Errorf("failed to put %s: %w", key, err)
		}
		r.logger.Infof("Added synchronized data: %s", key)

		if r.cfg.SyncPause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.SyncPause):
			}
		}
	}

	if _, err := m.Remove(ctx, "sync-key-2"); err != nil {
		return fmt.Errorf("failed to remove sync-key-2: %w", err)
	}
	r.logger.Info("Removed sync-key-2")
	return nil
}

// Close removes the listeners registered by Sync
func (r *Runner) Close() {
	for _, detach := range r.detach {
		detach()
	}
	r.detach = nil
}
