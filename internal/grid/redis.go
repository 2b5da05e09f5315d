package grid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"gridsync/internal/config"
	"gridsync/internal/models"
)

// putScript writes the value and publishes the change in one step so that
// subscribers observe mutations of a key in the order they were applied.
var putScript = redis.NewScript(`
local old = redis.call('GET', KEYS[1])
if tonumber(ARGV[2]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
  redis.call('SET', KEYS[1], ARGV[1])
end
local ev = {key = ARGV[3], new = ARGV[1]}
if old then ev.old = old end
redis.call('PUBLISH', KEYS[2], cjson.encode(ev))
return old
`)

// replaceScript only writes when the key exists. An idle timeout in ARGV[3]
// restarts the expiry, otherwise the key keeps its TTL.
var replaceScript = redis.NewScript(`
local old = redis.call('GET', KEYS[1])
if not old then return false end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[1], 'KEEPTTL')
end
redis.call('PUBLISH', KEYS[2], cjson.encode({key = ARGV[2], old = old, new = ARGV[1]}))
return old
`)

var removeScript = redis.NewScript(`
local old = redis.call('GET', KEYS[1])
if not old then return false end
redis.call('DEL', KEYS[1])
redis.call('PUBLISH', KEYS[2], cjson.encode({key = ARGV[1], old = old}))
return old
`)

// redisChange is the pub/sub message emitted by the scripts above
type redisChange struct {
	Key string  `json:"key"`
	New *string `json:"new,omitempty"`
	Old *string `json:"old,omitempty"`
}

// RedisGrid is a client to a Redis server acting as the shared map store.
type RedisGrid struct {
	cfg    config.GridConfig
	client *redis.Client
	logger *logrus.Logger

	mu   sync.Mutex
	maps map[string]*redisMap
}

// NewRedisGrid connects to cfg.Address and pings the server
func NewRedisGrid(ctx context.Context, cfg config.GridConfig, logger *logrus.Logger) (*RedisGrid, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: grid address is required in %s mode", config.ErrMalformedConfig, cfg.Mode)
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		ClientName:  cfg.MemberName,
		DialTimeout: cfg.ConnectWait,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectWait)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to grid at %s: %w", cfg.Address, err)
	}

	logger.Infof("Connected to Redis grid '%s' at %s", cfg.ClusterName, cfg.Address)

	return &RedisGrid{
		cfg:    cfg,
		client: client,
		logger: logger,
		maps:   make(map[string]*redisMap),
	}, nil
}

func (g *RedisGrid) Name() string {
	return g.cfg.ClusterName
}

func (g *RedisGrid) Mode() string {
	return config.ModeRedis
}

func (g *RedisGrid) Map(ctx context.Context, name string) (Map, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if m, ok := g.maps[name]; ok {
		return m, nil
	}

	cluster, segment := escapeKeySegment(g.cfg.ClusterName), escapeKeySegment(name)
	mc := g.cfg.MapConfig(name)
	m := &redisMap{
		name:    name,
		prefix:  cluster + ":" + segment + ":",
		channel: "__gridsync__:" + cluster + ":" + segment,
		ttl:     mc.TTL,
		grid:    g,
	}
	if mc.MaxIdle > 0 {
		if mc.TTL > 0 {
			g.logger.Warnf("Map %s: max_idle is ignored because ttl is set", name)
		} else {
			m.idle = mc.MaxIdle
		}
	}
	g.maps[name] = m
	return m, nil
}

func (g *RedisGrid) Close() error {
	if err := g.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	g.logger.Info("Redis grid client disconnected")
	return nil
}

type redisMap struct {
	name    string
	prefix  string
	channel string
	ttl     time.Duration
	idle    time.Duration // reads and writes restart the expiry
	grid    *RedisGrid
}

func (m *redisMap) Name() string {
	return m.name
}

func (m *redisMap) Put(ctx context.Context, key, value string) (models.Option[string], error) {
	if m.idle > 0 {
		return m.put(ctx, key, value, m.idle)
	}
	return m.put(ctx, key, value, m.ttl)
}

func (m *redisMap) PutWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := m.put(ctx, key, value, ttl)
	return err
}

func (m *redisMap) put(ctx context.Context, key, value string, ttl time.Duration) (models.Option[string], error) {
	old, err := putScript.Run(ctx, m.grid.client,
		[]string{m.prefix + key, m.channel},
		value, ttl.Milliseconds(), key,
	).Text()
	if errors.Is(err, redis.Nil) {
		return models.None[string](), nil
	}
	if err != nil {
		return models.None[string](), fmt.Errorf("failed to put %s/%s: %w", m.name, key, err)
	}
	return models.Some(old), nil
}

func (m *redisMap) Get(ctx context.Context, key string) (models.Option[string], error) {
	var cmd *redis.StringCmd
	if m.idle > 0 {
		cmd = m.grid.client.GetEx(ctx, m.prefix+key, m.idle)
	} else {
		cmd = m.grid.client.Get(ctx, m.prefix+key)
	}
	v, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return models.None[string](), nil
	}
	if err != nil {
		return models.None[string](), fmt.Errorf("failed to get %s/%s: %w", m.name, key, err)
	}
	return models.Some(v), nil
}

func (m *redisMap) ContainsKey(ctx context.Context, key string) (bool, error) {
	n, err := m.grid.client.Exists(ctx, m.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check %s/%s: %w", m.name, key, err)
	}
	return n > 0, nil
}

func (m *redisMap) Replace(ctx context.Context, key, value string) (models.Option[string], error) {
	old, err := replaceScript.Run(ctx, m.grid.client,
		[]string{m.prefix + key, m.channel},
		value, key, m.idle.Milliseconds(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return models.None[string](), nil
	}
	if err != nil {
		return models.None[string](), fmt.Errorf("failed to replace %s/%s: %w", m.name, key, err)
	}
	return models.Some(old), nil
}

func (m *redisMap) Remove(ctx context.Context, key string) (models.Option[string], error) {
	old, err := removeScript.Run(ctx, m.grid.client,
		[]string{m.prefix + key, m.channel},
		key,
	).Text()
	if errors.Is(err, redis.Nil) {
		return models.None[string](), nil
	}
	if err != nil {
		return models.None[string](), fmt.Errorf("failed to remove %s/%s: %w", m.name, key, err)
	}
	return models.Some(old), nil
}

func (m *redisMap) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := m.grid.client.Scan(ctx, 0, escapeGlob(m.prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", m.name, err)
	}
	return keys, nil
}

func (m *redisMap) KeySet(ctx context.Context) ([]string, error) {
	keys, err := m.scanKeys(ctx)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, m.prefix)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *redisMap) Size(ctx context.Context) (int, error) {
	keys, err := m.scanKeys(ctx)
	return len(keys), err
}

func (m *redisMap) Clear(ctx context.Context) error {
	keys, err := m.scanKeys(ctx)
	if err != nil || len(keys) == 0 {
		return err
	}
	if err := m.grid.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear %s: %w", m.name, err)
	}
	return nil
}

// AddEntryListener subscribes to the map's change channel. It returns after
// the subscription is confirmed by the server.
func (m *redisMap) AddEntryListener(l EntryListener) (func(), error) {
	ctx := context.Background()
	ps := m.grid.client.Subscribe(ctx, m.channel)

	confirmCtx, cancel := context.WithTimeout(ctx, m.grid.cfg.ConnectWait)
	defer cancel()
	if _, err := ps.Receive(confirmCtx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", m.name, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			m.handleMessage(l, msg.Payload)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ps.Close()
			<-done
		})
	}, nil
}

func (m *redisMap) handleMessage(l EntryListener, payload string) {
	var change redisChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		m.grid.logger.Warnf("Ignoring malformed change message on %s: %v", m.channel, err)
		return
	}

	var ev models.ChangeEvent
	switch {
	case change.New != nil && change.Old != nil:
		ev = models.NewUpdatedEvent(m.name, change.Key, *change.Old, *change.New)
	case change.New != nil:
		ev = models.NewAddedEvent(m.name, change.Key, *change.New)
	case change.Old != nil:
		ev = models.NewRemovedEvent(m.name, change.Key, *change.Old)
	default:
		return
	}
	ev.Member = m.grid.cfg.MemberName

	defer func() {
		if r := recover(); r != nil {
			m.grid.logger.Errorf("Entry listener panicked on %s event for %s/%s: %v", ev.Kind, ev.Map, ev.Key, r)
		}
	}()
	dispatch(l, ev)
}

// escapeKeySegment makes a name safe to use between ':' separators, so the
// prefix of one map is never a prefix of another's.
func escapeKeySegment(s string) string {
	return strings.NewReplacer(`\`, `\\`, `:`, `\:`).Replace(s)
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
