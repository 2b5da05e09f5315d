package grid

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"gridsync/internal/config"
	"gridsync/internal/models"
)

// defaultConnectWait applies when a grid config leaves connect_timeout unset
const defaultConnectWait = 5 * time.Second

// NATSGrid stores each map in a JetStream key/value bucket. It is either a
// client to a remote cluster or the owner of an in-process member.
type NATSGrid struct {
	cfg     config.GridConfig
	mode    string
	storage jetstream.StorageType
	conn    *nats.Conn
	js      jetstream.JetStream
	member  *Member
	logger  *logrus.Logger

	connClosed chan struct{}
	closed     atomic.Bool

	mu   sync.Mutex
	maps map[string]*kvMap
}

// NewNATSGrid connects to the cluster at cfg.Address and checks that
// JetStream is enabled.
func NewNATSGrid(ctx context.Context, cfg config.GridConfig, logger *logrus.Logger) (*NATSGrid, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: grid address is required in %s mode", config.ErrMalformedConfig, cfg.Mode)
	}

	g, err := dial(ctx, cfg, config.ModeNATS, cfg.Address, logger)
	if err != nil {
		return nil, err
	}
	g.storage = jetstream.FileStorage

	logger.Infof("Connected to NATS grid '%s' at %s", cfg.ClusterName, cfg.Address)
	return g, nil
}

func dial(ctx context.Context, cfg config.GridConfig, mode, url string, logger *logrus.Logger, extra ...nats.Option) (*NATSGrid, error) {
	if cfg.ConnectWait <= 0 {
		cfg.ConnectWait = defaultConnectWait
	}

	connClosed := make(chan struct{})
	opts := []nats.Option{
		nats.Name(cfg.MemberName),
		nats.Timeout(cfg.ConnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("Grid connection lost: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("Grid reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(connClosed)
		}),
	}
	opts = append(opts, extra...)

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to grid at %s: %w", url, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, cfg.ConnectWait)
	defer cancel()
	if _, err := js.AccountInfo(checkCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("JetStream is not available at %s: %w", url, err)
	}

	return &NATSGrid{
		cfg:        cfg,
		mode:       mode,
		conn:       conn,
		js:         js,
		logger:     logger,
		connClosed: connClosed,
		maps:       make(map[string]*kvMap),
	}, nil
}

func (g *NATSGrid) Name() string {
	return g.cfg.ClusterName
}

func (g *NATSGrid) Mode() string {
	return g.mode
}

// ClientURL is the address other instances use to join this grid.
func (g *NATSGrid) ClientURL() string {
	if g.member != nil {
		return g.member.ClientURL()
	}
	return g.cfg.Address
}

// Map opens (creating if needed) the bucket backing the named map.
func (g *NATSGrid) Map(ctx context.Context, name string) (Map, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed.Load() {
		return nil, ErrClosed
	}
	if m, ok := g.maps[name]; ok {
		return m, nil
	}

	mc := g.cfg.MapConfig(name)
	ttl := mc.TTL
	if mc.MaxIdle > 0 {
		if ttl == 0 {
			ttl = mc.MaxIdle
			g.logger.Warnf("Map %s: max_idle is applied as a TTL counted from the last write", name)
		} else {
			g.logger.Warnf("Map %s: max_idle is ignored because ttl is set", name)
		}
	}

	kvCfg := jetstream.KeyValueConfig{
		Bucket:  bucketName(g.cfg.ClusterName, name),
		History: 1,
		TTL:     ttl,
		Storage: g.storage,
	}
	if g.cfg.AllowEntryTTL {
		kvCfg.LimitMarkerTTL = time.Second
	}

	kv, err := g.js.CreateOrUpdateKeyValue(ctx, kvCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", kvCfg.Bucket, err)
	}

	m := &kvMap{name: name, kv: kv, grid: g}
	g.maps[name] = m
	g.logger.Debugf("Opened map %s on bucket %s", name, kvCfg.Bucket)
	return m, nil
}

// Close drains the connection, so listeners get the events already received,
// then stops the in-process member if there is one.
func (g *NATSGrid) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}

	if err := g.conn.Drain(); err != nil {
		g.conn.Close()
	}
	select {
	case <-g.connClosed:
	case <-time.After(g.cfg.ConnectWait):
		g.logger.Warn("Grid connection did not drain in time")
		g.conn.Close()
	}

	if g.member != nil {
		if err := g.member.Shutdown(); err != nil {
			return err
		}
		g.logger.Infof("Grid member %s stopped", g.cfg.MemberName)
		return nil
	}
	g.logger.Info("NATS grid client disconnected")
	return nil
}

// bucketName encodes cluster and map names into the bucket name alphabet.
// Letters, digits and '-' are kept, every other byte becomes _XX (hex), and
// the two parts are joined with "__", so distinct pairs never share a bucket.
func bucketName(cluster, mapName string) string {
	return encodeBucketPart(cluster) + "__" + encodeBucketPart(mapName)
}

func encodeBucketPart(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02X", c)
		}
	}
	return b.String()
}

type kvMap struct {
	name string
	kv   jetstream.KeyValue
	grid *NATSGrid
}

func (m *kvMap) Name() string {
	return m.name
}

func (m *kvMap) Get(ctx context.Context, key string) (models.Option[string], error) {
	if m.grid.closed.Load() {
		return models.None[string](), ErrClosed
	}
	entry, err := m.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return models.None[string](), nil
		}
		return models.None[string](), fmt.Errorf("failed to get %s/%s: %w", m.name, key, err)
	}
	return models.Some(string(entry.Value())), nil
}

func (m *kvMap) ContainsKey(ctx context.Context, key string) (bool, error) {
	v, err := m.Get(ctx, key)
	return v.IsSome(), err
}

// Put reads the previous value before writing it; the pair is not atomic.
func (m *kvMap) Put(ctx context.Context, key, value string) (models.Option[string], error) {
	previous, err := m.Get(ctx, key)
	if err != nil {
		return models.None[string](), err
	}
	if _, err := m.kv.Put(ctx, key, []byte(value)); err != nil {
		return models.None[string](), fmt.Errorf("failed to put %s/%s: %w", m.name, key, err)
	}
	return previous, nil
}

// PutWithTTL creates the key with a per-key TTL. An existing key is deleted
// first, so listeners see a removal followed by an addition.
func (m *kvMap) PutWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		_, err := m.Put(ctx, key, value)
		return err
	}
	if m.grid.closed.Load() {
		return ErrClosed
	}
	if !m.grid.cfg.AllowEntryTTL {
		return fmt.Errorf("per-entry TTL on %s requires grid.allow_entry_ttl", m.name)
	}

	_, err := m.kv.Create(ctx, key, []byte(value), jetstream.KeyTTL(ttl))
	if errors.Is(err, jetstream.ErrKeyExists) {
		if err := m.kv.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to replace %s/%s: %w", m.name, key, err)
		}
		_, err = m.kv.Create(ctx, key, []byte(value), jetstream.KeyTTL(ttl))
	}
	if err != nil {
		return fmt.Errorf("failed to put %s/%s with ttl: %w", m.name, key, err)
	}
	return nil
}

func (m *kvMap) Remove(ctx context.Context, key string) (models.Option[string], error) {
	previous, err := m.Get(ctx, key)
	if err != nil || !previous.IsSome() {
		return previous, err
	}
	if err := m.kv.Delete(ctx, key); err != nil {
		return models.None[string](), fmt.Errorf("failed to remove %s/%s: %w", m.name, key, err)
	}
	return previous, nil
}

// Replace swaps the value with a compare-and-set on the entry's revision,
// retrying when another writer got there first. A per-entry TTL is not
// carried over to the new revision.
func (m *kvMap) Replace(ctx context.Context, key, value string) (models.Option[string], error) {
	if m.grid.closed.Load() {
		return models.None[string](), ErrClosed
	}
	for {
		entry, err := m.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return models.None[string](), nil
		}
		if err != nil {
			return models.None[string](), fmt.Errorf("failed to replace %s/%s: %w", m.name, key, err)
		}
		_, err = m.kv.Update(ctx, key, []byte(value), entry.Revision())
		if errors.Is(err, jetstream.ErrKeyExists) {
			continue
		}
		if err != nil {
			return models.None[string](), fmt.Errorf("failed to replace %s/%s: %w", m.name, key, err)
		}
		return models.Some(string(entry.Value())), nil
	}
}

func (m *kvMap) keys(ctx context.Context) ([]string, error) {
	if m.grid.closed.Load() {
		return nil, ErrClosed
	}
	keys, err := m.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list keys of %s: %w", m.name, err)
	}
	return keys, nil
}

func (m *kvMap) KeySet(ctx context.Context) ([]string, error) {
	keys, err := m.keys(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *kvMap) Size(ctx context.Context) (int, error) {
	keys, err := m.keys(ctx)
	return len(keys), err
}

// Clear purges every key. Purges are not reported to listeners.
func (m *kvMap) Clear(ctx context.Context) error {
	keys, err := m.keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := m.kv.Purge(ctx, key); err != nil {
			return fmt.Errorf("failed to purge %s/%s: %w", m.name, key, err)
		}
	}
	return nil
}

// AddEntryListener starts a bucket watcher. The watcher keeps the last value
// seen per key so it can report old values and tell additions from updates.
// It returns once the initial snapshot has been consumed.
func (m *kvMap) AddEntryListener(l EntryListener) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	w, err := m.kv.WatchAll(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch %s: %w", m.name, err)
	}

	ready := make(chan struct{})
	done := make(chan struct{})
	var stopped atomic.Bool
	go func() {
		defer close(done)
		m.watch(w, l, ready, &stopped)
	}()

	timer := time.NewTimer(m.grid.cfg.ConnectWait)
	defer timer.Stop()
	select {
	case <-ready:
	case <-timer.C:
		_ = w.Stop()
		cancel()
		return nil, fmt.Errorf("timed out waiting for initial values of %s", m.name)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			stopped.Store(true)
			_ = w.Stop()
			cancel()
			select {
			case <-done:
			case <-time.After(m.grid.cfg.ConnectWait):
				m.grid.logger.Warnf("Watcher for %s did not stop in time", m.name)
			}
		})
	}, nil
}

func (m *kvMap) watch(w jetstream.KeyWatcher, l EntryListener, ready chan<- struct{}, stopped *atomic.Bool) {
	shadow := make(map[string]string)
	initial := true

	for entry := range w.Updates() {
		if stopped.Load() {
			return
		}
		if entry == nil {
			if initial {
				initial = false
				close(ready)
			}
			continue
		}

		key := entry.Key()
		old, existed := shadow[key]

		switch entry.Operation() {
		case jetstream.KeyValuePut:
			value := string(entry.Value())
			shadow[key] = value
			if initial {
				continue
			}
			previous := models.None[string]()
			if existed {
				previous = models.Some(old)
			}
			m.deliver(l, models.NewPutEvent(m.name, key, value, previous), entry.Created())

		case jetstream.KeyValueDelete:
			delete(shadow, key)
			if initial || !existed {
				continue
			}
			m.deliver(l, models.NewRemovedEvent(m.name, key, old), entry.Created())

		default:
			delete(shadow, key)
		}
	}

	if initial {
		close(ready)
	}
}

// deliver stamps ev with the time the server stored the mutation.
func (m *kvMap) deliver(l EntryListener, ev models.ChangeEvent, at time.Time) {
	ev.Member = m.grid.cfg.MemberName
	ev.Timestamp = at
	defer func() {
		if r := recover(); r != nil {
			m.grid.logger.Errorf("Entry listener panicked on %s event for %s/%s: %v", ev.Kind, ev.Map, ev.Key, r)
		}
	}()
	dispatch(l, ev)
}
