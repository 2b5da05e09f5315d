package demo

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridsync/internal/bridge"
	"gridsync/internal/config"
	"gridsync/internal/grid"
	"gridsync/internal/models"
	"gridsync/internal/sink"
)

type sentEvent struct {
	kind    string
	subject string
	action  string
}

type fakeEvents struct {
	mu   sync.Mutex
	sent []sentEvent
	err  error
}

func (f *fakeEvents) SendSystemEvent(_ context.Context, component, level, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEvent{kind: "system", subject: component, action: message})
	return f.err
}

func (f *fakeEvents) SendUserEvent(_ context.Context, userID, _, action, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEvent{kind: "user", subject: userID, action: action})
	return f.err
}

func (f *fakeEvents) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.sent {
		if e.kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	grid   grid.Grid
	store  *sink.SQLSink
	events *fakeEvents
	runner *Runner
}

func newFixture(t *testing.T, logger *logrus.Logger) *fixture {
	t.Helper()
	ctx := context.Background()

	g, err := grid.NewEmbedded(config.GridConfig{ClusterName: "dev", MemberName: "m1"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	s, err := sink.Open(ctx, config.DatabaseConfig{
		Driver:         config.DriverSQLite,
		DSN:            filepath.Join(t.TempDir(), "demo.db"),
		MaxOpenConns:   1,
		ConnectTimeout: 5 * time.Second,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx, "user_events"))

	b := bridge.New(bridge.Config{Table: "user_events", Component: "GridMap"},
		models.Some[bridge.RelationalSink](s), models.None[bridge.EventBus](), nil, nil, logger)

	events := &fakeEvents{}
	r := NewRunner(Config{}, g, models.Some[Store](s), models.Some[Events](events), b, nil, logger)
	t.Cleanup(r.Close)

	return &fixture{grid: g, store: s, events: events, runner: r}
}

func TestUsers(t *testing.T) {
	logger, _ := test.NewNullLogger()
	f := newFixture(t, logger)
	ctx := context.Background()

	require.NoError(t, f.runner.Users(ctx))
	// a second run updates the same rows
	require.NoError(t, f.runner.Users(ctx))

	m, err := f.grid.Map(ctx, UsersMap)
	require.NoError(t, err)
	size, err := m.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, size)

	v, err := m.Get(ctx, "user3")
	require.NoError(t, err)
	assert.Equal(t, models.Some(`{"user_id":"user3","username":"User 3","email":"user3@example.com"}`), v)

	rows, err := f.store.Query(ctx, "SELECT user_id, username, email FROM users ORDER BY user_id")
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, "user1, User 1, user1@example.com", rows[0])

	assert.Equal(t, 10, f.events.count("user"))
	assert.Equal(t, "USER_CREATED", f.events.sent[0].action)
}

func TestProductCache(t *testing.T) {
	logger, _ := test.NewNullLogger()
	f := newFixture(t, logger)
	ctx := context.Background()

	hits, err := f.runner.ProductCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, hits)

	rows, err := f.store.Query(ctx, "SELECT event_key, event_data FROM user_events WHERE event_type = 'CACHE_MISS' ORDER BY id")
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, "laptop, Product: laptop", rows[0])

	// one miss and one hit per product
	assert.Equal(t, 10, f.events.count("system"))
}

func TestSync(t *testing.T) {
	logger, _ := test.NewNullLogger()
	f := newFixture(t, logger)
	ctx := context.Background()

	require.NoError(t, f.runner.Sync(ctx))
	assert.True(t, f.runner.attached[SyncMap])
	assert.Len(t, f.runner.detach, 1)

	assert.Eventually(t, func() bool {
		rows, err := f.store.Query(ctx, "SELECT COUNT(*) FROM user_events")
		return err == nil && len(rows) == 1 && rows[0] == "4"
	}, 5*time.Second, 20*time.Millisecond)

	rows, err := f.store.Query(ctx, "SELECT event_type, event_key FROM user_events WHERE event_type = 'MAP_ENTRY_REMOVED'")
	require.NoError(t, err)
	assert.Equal(t, []string{"MAP_ENTRY_REMOVED, sync-key-2"}, rows)

	m, err := f.grid.Map(ctx, SyncMap)
	require.NoError(t, err)
	size, err := m.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	t.Run("already attached maps are not attached twice", func(t *testing.T) {
		r := NewRunner(Config{}, f.grid, models.None[Store](), models.None[Events](), f.runner.bridge, []string{SyncMap}, logger)
		require.NoError(t, r.Sync(ctx))
		assert.Empty(t, r.detach)
	})
}

func TestSyncHonoursCancellation(t *testing.T) {
	logger, _ := test.NewNullLogger()
	f := newFixture(t, logger)
	f.runner.cfg.SyncPause = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.runner.Sync(ctx), context.DeadlineExceeded)
}

func TestFailuresAreLogged(t *testing.T) {
	logger, hook := test.NewNullLogger()
	f := newFixture(t, logger)
	f.events.err = errors.New("bus down")
	ctx := context.Background()

	require.NoError(t, f.runner.Users(ctx))

	errorsLogged := 0
	for _, e := range hook.AllEntries() {
		if _, member := e.Data["component"]; e.Level == logrus.ErrorLevel && !member {
			errorsLogged++
		}
	}
	assert.Equal(t, 5, errorsLogged)
}

func TestRunAllWithoutSinks(t *testing.T) {
	logger, _ := test.NewNullLogger()
	g, err := grid.NewEmbedded(config.GridConfig{ClusterName: "dev"}, logger)
	require.NoError(t, err)
	defer g.Close()

	b := bridge.New(bridge.Config{Table: "user_events"}, models.None[bridge.RelationalSink](), models.None[bridge.EventBus](), nil, nil, logger)
	r := NewRunner(Config{}, g, models.None[Store](), models.None[Events](), b, nil, logger)
	defer r.Close()

	assert.NoError(t, r.RunAll(context.Background()))
}

func TestClientExample(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx := context.Background()
	g, err := grid.NewEmbedded(config.GridConfig{
		ClusterName: "dev",
		Maps: []config.MapConfig{
			{Name: SessionsMap, TTL: time.Hour},
			{Name: CacheMap, MaxIdle: 30 * time.Minute},
		},
	}, logger)
	require.NoError(t, err)
	defer g.Close()

	require.NoError(t, ClientExample(ctx, g, logger))

	example, err := g.Map(ctx, ExampleMap)
	require.NoError(t, err)
	keys, err := example.KeySet(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"key1", "key2", "key3", "temp-key"}, keys)
	v, err := example.Get(ctx, "key1")
	require.NoError(t, err)
	assert.Equal(t, models.Some("Hi"), v)

	sessions, err := g.Map(ctx, SessionsMap)
	require.NoError(t, err)
	var session Session
	found, err := getJSON(ctx, sessions, "user456", &session)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Jane Smith", session.Username)

	cache, err := g.Map(ctx, CacheMap)
	require.NoError(t, err)
	size, err := cache.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, size)
	var product Product
	found, err = getJSON(ctx, cache, "product:456:details", &product)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Product{Name: "Laptop", Price: 999.99}, product)

	t.Run("runs again against existing entries", func(t *testing.T) {
		assert.NoError(t, ClientExample(ctx, g, logger))
	})
}
