package bridge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridsync/internal/bus"
	"gridsync/internal/config"
	"gridsync/internal/grid"
	"gridsync/internal/metrics"
	"gridsync/internal/models"
	"gridsync/internal/sink"
	"gridsync/internal/transform"
)

var (
	_ RelationalSink = (*sink.SQLSink)(nil)
	_ EventBus       = (*bus.Publisher)(nil)
)

type appended struct {
	table string
	rec   *models.Record
}

type fakeSink struct {
	mu      sync.Mutex
	records []appended
	err     error
	panics  bool
	block   bool
	calls   chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{calls: make(chan struct{}, 100)}
}

func (f *fakeSink) Append(ctx context.Context, table string, rec *models.Record) (int64, error) {
	defer func() { f.calls <- struct{}{} }()
	if f.panics {
		panic("sink exploded")
	}
	if f.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, appended{table: table, rec: rec})
	if f.err != nil {
		return 0, f.err
	}
	return 1, nil
}

func (f *fakeSink) all() []appended {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]appended(nil), f.records...)
}

type fakeBus struct {
	mu        sync.Mutex
	envelopes []*models.Envelope
	err       error
	calls     chan struct{}
}

func newFakeBus() *fakeBus {
	return &fakeBus{calls: make(chan struct{}, 100)}
}

func (f *fakeBus) Publish(ctx context.Context, env *models.Envelope) error {
	defer func() { f.calls <- struct{}{} }()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envelopes = append(f.envelopes, env)
	return f.err
}

func (f *fakeBus) all() []*models.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Envelope(nil), f.envelopes...)
}

func waitCalls(t *testing.T, calls chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-calls:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for call %d of %d", i+1, n)
		}
	}
}

func testConfig() Config {
	return Config{Table: "user_events", Component: "GridMap", Timeout: time.Second}
}

func newEmbeddedMap(t *testing.T, b *Bridge) grid.Map {
	t.Helper()
	logger, _ := test.NewNullLogger()
	g, err := grid.NewEmbedded(config.GridConfig{ClusterName: "test", MemberName: "member-1"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	detach, err := b.Attach(context.Background(), g, []string{"sync-data"})
	require.NoError(t, err)
	t.Cleanup(detach)

	m, err := g.Map(context.Background(), "sync-data")
	require.NoError(t, err)
	return m
}

func TestMutationsForwardOneRecordEach(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := newFakeSink()
	eb := newFakeBus()
	b := New(testConfig(), models.Some[RelationalSink](s), models.Some[EventBus](eb), nil, nil, logger)
	m := newEmbeddedMap(t, b)
	ctx := context.Background()

	t.Run("put on empty map", func(t *testing.T) {
		_, err := m.Put(ctx, "k1", "v1")
		require.NoError(t, err)
		waitCalls(t, s.calls, 1)
		waitCalls(t, eb.calls, 1)

		records := s.all()
		require.Len(t, records, 1)
		rec := records[0].rec
		assert.Equal(t, "user_events", records[0].table)
		assert.Equal(t, models.Added, rec.Kind)
		assert.Equal(t, "k1", rec.Key)
		assert.Equal(t, models.Some("v1"), rec.NewValue)
		assert.False(t, rec.OldValue.IsSome())
		assert.Equal(t, "member-1", rec.Member)
	})

	t.Run("update", func(t *testing.T) {
		_, err := m.Put(ctx, "k1", "v2")
		require.NoError(t, err)
		waitCalls(t, s.calls, 1)
		waitCalls(t, eb.calls, 1)

		records := s.all()
		require.Len(t, records, 2)
		rec := records[1].rec
		assert.Equal(t, models.Updated, rec.Kind)
		assert.Equal(t, models.Some("v1"), rec.OldValue)
		assert.Equal(t, models.Some("v2"), rec.NewValue)
	})

	t.Run("remove", func(t *testing.T) {
		_, err := m.Remove(ctx, "k1")
		require.NoError(t, err)
		waitCalls(t, s.calls, 1)
		waitCalls(t, eb.calls, 1)

		records := s.all()
		require.Len(t, records, 3)
		rec := records[2].rec
		assert.Equal(t, models.Removed, rec.Kind)
		assert.Equal(t, models.Some("v2"), rec.OldValue)
		assert.False(t, rec.NewValue.IsSome())
	})

	t.Run("bus envelopes", func(t *testing.T) {
		envs := eb.all()
		require.Len(t, envs, 3)
		for _, env := range envs {
			require.NoError(t, env.Validate())
			assert.Equal(t, models.SystemEventType, env.Type)
			assert.Equal(t, "GridMap", env.System.Component)
			assert.Equal(t, models.LevelInfo, env.System.Level)
			assert.Equal(t, "sync-data", env.Metadata["map"])
			assert.Equal(t, "k1", env.Metadata["key"])
		}
		assert.Equal(t, "Entry added - Key: k1", envs[0].System.Message)
		assert.Equal(t, "UPDATED", envs[1].Metadata["change_kind"])
		assert.Equal(t, "Entry removed - Key: k1", envs[2].System.Message)
	})
}

func TestConcurrentMutationsOnDistinctKeys(t *testing.T) {
	const n = 50
	logger, _ := test.NewNullLogger()
	s := newFakeSink()
	s.calls = make(chan struct{}, 3*n)
	eb := newFakeBus()
	eb.calls = make(chan struct{}, 3*n)
	b := New(testConfig(), models.Some[RelationalSink](s), models.Some[EventBus](eb), nil, nil, logger)
	m := newEmbeddedMap(t, b)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			if _, err := m.Put(ctx, key, "v1"); err != nil {
				errs <- err
				return
			}
			if _, err := m.Put(ctx, key, "v2"); err != nil {
				errs <- err
				return
			}
			if _, err := m.Remove(ctx, key); err != nil {
				errs <- err
			}
		}(fmt.Sprintf("key-%d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	waitCalls(t, s.calls, 3*n)
	waitCalls(t, eb.calls, 3*n)

	kinds := make(map[string][]models.ChangeKind)
	for _, a := range s.all() {
		kinds[a.rec.Key] = append(kinds[a.rec.Key], a.rec.Kind)
	}
	require.Len(t, kinds, n)
	for key, got := range kinds {
		assert.Equal(t, []models.ChangeKind{models.Added, models.Updated, models.Removed}, got, key)
	}
	assert.Len(t, eb.all(), 3*n)
}

func TestRedeliveryIsNotDeduplicated(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := newFakeSink()
	eb := newFakeBus()
	b := New(testConfig(), models.Some[RelationalSink](s), models.Some[EventBus](eb), nil, nil, logger)

	ev := models.NewAddedEvent("sync-data", "k1", "v1")
	b.Handle(ev)
	b.Handle(ev)

	records := s.all()
	require.Len(t, records, 2)
	assert.Equal(t, records[0].rec.Key, records[1].rec.Key)
	assert.Equal(t, records[0].rec.Timestamp, records[1].rec.Timestamp)
	assert.Len(t, eb.all(), 2)
}

func TestAbsentSinkStillPublishes(t *testing.T) {
	logger, hook := test.NewNullLogger()
	eb := newFakeBus()
	b := New(testConfig(), models.None[RelationalSink](), models.Some[EventBus](eb), nil, nil, logger)

	assert.NotPanics(t, func() {
		b.Handle(models.NewAddedEvent("sync-data", "k1", "v1"))
	})
	assert.Len(t, eb.all(), 1)
	for _, e := range hook.AllEntries() {
		assert.NotEqual(t, logrus.ErrorLevel, e.Level)
	}
}

func TestAbsentBusStillStores(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := newFakeSink()
	b := New(testConfig(), models.Some[RelationalSink](s), models.None[EventBus](), nil, nil, logger)

	b.Handle(models.NewRemovedEvent("sync-data", "k1", "v1"))
	assert.Len(t, s.all(), 1)
}

func TestBusFailureDoesNotAffectMutation(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := newFakeSink()
	eb := newFakeBus()
	eb.err = errors.New("queue unavailable")
	b := New(testConfig(), models.Some[RelationalSink](s), models.Some[EventBus](eb), nil, nil, logger)
	m := newEmbeddedMap(t, b)
	ctx := context.Background()

	_, err := m.Put(ctx, "k1", "v1")
	require.NoError(t, err)

	v, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, models.Some("v1"), v)

	waitCalls(t, eb.calls, 1)
	waitCalls(t, s.calls, 1)
	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.ErrorLevel && e.Data["sink"] == metrics.SinkBus {
				return e.Data["key"] == "k1" && e.Data["map"] == "sync-data"
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, eb.all(), 1)
}

func TestSinkFailuresAreContained(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		logger, hook := test.NewNullLogger()
		s := newFakeSink()
		s.err = sink.ErrUnavailable
		eb := newFakeBus()
		b := New(testConfig(), models.Some[RelationalSink](s), models.Some[EventBus](eb), nil, nil, logger)

		b.Handle(models.NewAddedEvent("sync-data", "k1", "v1"))
		assert.Len(t, s.all(), 1)
		assert.Len(t, eb.all(), 1)
		entries := hook.AllEntries()
		require.Len(t, entries, 1)
		assert.Equal(t, logrus.ErrorLevel, entries[0].Level)
		assert.Equal(t, metrics.SinkDatabase, entries[0].Data["sink"])
	})

	t.Run("panic", func(t *testing.T) {
		logger, _ := test.NewNullLogger()
		s := newFakeSink()
		s.panics = true
		eb := newFakeBus()
		b := New(testConfig(), models.Some[RelationalSink](s), models.Some[EventBus](eb), nil, nil, logger)

		assert.NotPanics(t, func() {
			b.Handle(models.NewAddedEvent("sync-data", "k1", "v1"))
		})
		assert.Len(t, eb.all(), 1)
	})

	t.Run("timeout", func(t *testing.T) {
		logger, _ := test.NewNullLogger()
		s := newFakeSink()
		s.block = true
		cfg := testConfig()
		cfg.Timeout = 50 * time.Millisecond
		b := New(cfg, models.Some[RelationalSink](s), models.None[EventBus](), nil, nil, logger)

		start := time.Now()
		b.Handle(models.NewAddedEvent("sync-data", "k1", "v1"))
		assert.Less(t, time.Since(start), 2*time.Second)
	})
}

func TestTransformerRejects(t *testing.T) {
	logger, _ := test.NewNullLogger()
	tr, err := transform.NewTransformer(&config.ProcessorConfig{
		Enabled: true,
		Rules: []config.Rule{
			{KeyPrefix: "tmp-", Drop: true},
			{KeyPrefix: "secret-", MaskValues: true},
		},
	}, logger, transform.Bindings{})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m, err := metrics.NewBridge(reg)
	require.NoError(t, err)

	s := newFakeSink()
	eb := newFakeBus()
	b := New(testConfig(), models.Some[RelationalSink](s), models.Some[EventBus](eb), tr, m, logger)

	b.Handle(models.NewAddedEvent("sync-data", "tmp-1", "v"))
	assert.Empty(t, s.all())
	assert.Empty(t, eb.all())

	b.Handle(models.NewAddedEvent("sync-data", "secret-1", "v"))
	records := s.all()
	require.Len(t, records, 1)
	assert.Equal(t, models.Some(transform.MaskedValue), records[0].rec.NewValue)

	expected := `
# HELP gridsync_bridge_events_total Change events observed by the bridge.
# TYPE gridsync_bridge_events_total counter
gridsync_bridge_events_total{kind="ADDED",map="sync-data"} 2
# HELP gridsync_bridge_forwards_total Forward attempts per sink and outcome.
# TYPE gridsync_bridge_forwards_total counter
gridsync_bridge_forwards_total{outcome="ok",sink="bus"} 1
gridsync_bridge_forwards_total{outcome="ok",sink="database"} 1
gridsync_bridge_forwards_total{outcome="rejected",sink="bus"} 1
gridsync_bridge_forwards_total{outcome="rejected",sink="database"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"gridsync_bridge_events_total", "gridsync_bridge_forwards_total"))
}

func TestUnknownKindIsIgnored(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := newFakeSink()
	b := New(testConfig(), models.Some[RelationalSink](s), models.None[EventBus](), nil, nil, logger)

	b.Handle(models.ChangeEvent{Map: "sync-data", Key: "k", Kind: "EVICTED"})
	assert.Empty(t, s.all())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestBridgeWithSQLSink(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx := context.Background()
	db, err := sink.Open(ctx, config.DatabaseConfig{
		Driver:         config.DriverSQLite,
		DSN:            filepath.Join(t.TempDir(), "bridge.db"),
		MaxOpenConns:   10,
		MaxIdleConns:   2,
		ConnectTimeout: 5 * time.Second,
	}, logger)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate(ctx, "user_events"))

	b := New(testConfig(), models.Some[RelationalSink](db), models.None[EventBus](), nil, nil, logger)
	b.Handle(models.NewAddedEvent("sync-data", "sync-key-1", "Synchronized Value 1"))
	b.Handle(models.NewUpdatedEvent("sync-data", "sync-key-1", "Synchronized Value 1", "Synchronized Value 2"))

	rows, err := db.Query(ctx, "SELECT event_type, event_key, event_data FROM user_events ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"MAP_ENTRY_ADDED, sync-key-1, Key: sync-key-1, Value: Synchronized Value 1",
		"MAP_ENTRY_UPDATED, sync-key-1, Key: sync-key-1, New: Synchronized Value 2, Old: Synchronized Value 1",
	}, rows)
}
