package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"gridsync/internal/config"
	"gridsync/internal/grid"
	"gridsync/internal/metrics"
	"gridsync/internal/models"
	"gridsync/internal/transform"
)

// RelationalSink stores change records
type RelationalSink interface {
	Append(ctx context.Context, table string, rec *models.Record) (int64, error)
}

// EventBus publishes envelopes
type EventBus interface {
	Publish(ctx context.Context, env *models.Envelope) error
}

// Config controls where and how records are forwarded
type Config struct {
	Table     string
	Component string
	Timeout   time.Duration
}

// ConfigFrom converts the bridge section of the configuration file
func ConfigFrom(c config.BridgeConfig) Config {
	return Config{Table: c.Table, Component: c.Component, Timeout: c.Timeout}
}

// Bridge forwards grid change events to a relational sink and an event bus.
// Forwarding is best effort: failures are logged and never reach the caller,
// and nothing is retried or deduplicated.
type Bridge struct {
	cfg         Config
	sink        models.Option[RelationalSink]
	bus         models.Option[EventBus]
	transformer *transform.Transformer
	metrics     *metrics.Bridge
	logger      *logrus.Logger
}

// New creates a bridge. An absent sink or bus is skipped when forwarding.
func New(cfg Config, sink models.Option[RelationalSink], bus models.Option[EventBus], transformer *transform.Transformer, m *metrics.Bridge, logger *logrus.Logger) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Bridge{
		cfg:         cfg,
		sink:        sink,
		bus:         bus,
		transformer: transformer,
		metrics:     m,
		logger:      logger,
	}
}

func (b *Bridge) OnAdded(ev models.ChangeEvent) {
	b.forward(ev)
}

func (b *Bridge) OnUpdated(ev models.ChangeEvent) {
	b.forward(ev)
}

func (b *Bridge) OnRemoved(ev models.ChangeEvent) {
	b.forward(ev)
}

// Handle dispatches ev to the callback matching its kind.
func (b *Bridge) Handle(ev models.ChangeEvent) {
	switch ev.Kind {
	case models.Added:
		b.OnAdded(ev)
	case models.Updated:
		b.OnUpdated(ev)
	case models.Removed:
		b.OnRemoved(ev)
	default:
		b.logger.Warnf("Ignoring change event with unknown kind %q for %s/%s", ev.Kind, ev.Map, ev.Key)
	}
}

// Attach registers the bridge as a listener on each named map. The returned
// function removes every registration.
func (b *Bridge) Attach(ctx context.Context, g grid.Grid, maps []string) (func(), error) {
	var cancels []func()
	detach := func() {
		for _, cancel := range cancels {
			cancel()
		}
	}

	for _, name := range maps {
		m, err := g.Map(ctx, name)
		if err != nil {
			detach()
			return nil, fmt.Errorf("failed to open map %s: %w", name, err)
		}
		cancel, err := m.AddEntryListener(b)
		if err != nil {
			detach()
			return nil, fmt.Errorf("failed to attach bridge to %s: %w", name, err)
		}
		cancels = append(cancels, cancel)
		b.logger.Infof("Sync bridge attached to map %s", name)
	}
	return detach, nil
}

func (b *Bridge) forward(ev models.ChangeEvent) {
	log := b.logger.WithFields(logrus.Fields{
		"map":  ev.Map,
		"key":  ev.Key,
		"kind": ev.Kind,
	})
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Sync bridge panicked: %v", r)
		}
	}()

	b.metrics.ObserveEvent(ev.Map, ev.Kind)

	rec := models.NewRecord(ev)
	if b.transformer.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
		transformed, err := b.transformer.Transform(ctx, rec)
		cancel()
		if err != nil {
			outcome := metrics.OutcomeFailed
			if errors.Is(err, transform.ErrRecordRejected) {
				outcome = metrics.OutcomeRejected
				log.Debug("Record rejected by transformer")
			} else {
				log.Errorf("Error transforming record: %v", err)
			}
			b.metrics.ObserveForward(metrics.SinkDatabase, outcome, 0)
			b.metrics.ObserveForward(metrics.SinkBus, outcome, 0)
			return
		}
		rec = transformed
	}

	b.toSink(log, rec)
	b.toBus(log, rec)
}

func (b *Bridge) toSink(log *logrus.Entry, rec *models.Record) {
	sink, ok := b.sink.Get()
	if !ok {
		b.metrics.ObserveForward(metrics.SinkDatabase, metrics.OutcomeDisabled, 0)
		return
	}
	log = log.WithField("sink", metrics.SinkDatabase)

	err := b.attempt(func(ctx context.Context) error {
		_, err := sink.Append(ctx, b.cfg.Table, rec)
		return err
	}, metrics.SinkDatabase)
	if err != nil {
		log.Errorf("Failed to store record in %s: %v", b.cfg.Table, err)
		return
	}
	log.Debugf("Stored %s record in %s", rec.EventType(), b.cfg.Table)
}

func (b *Bridge) toBus(log *logrus.Entry, rec *models.Record) {
	bus, ok := b.bus.Get()
	if !ok {
		b.metrics.ObserveForward(metrics.SinkBus, metrics.OutcomeDisabled, 0)
		return
	}
	log = log.WithField("sink", metrics.SinkBus)

	env := models.NewSystemEnvelope(b.cfg.Component, models.LevelInfo, rec.Summary())
	for k, v := range rec.Metadata {
		env.Metadata[k] = v
	}
	env.Metadata["map"] = rec.Map
	env.Metadata["key"] = rec.Key
	env.Metadata["change_kind"] = string(rec.Kind)
	if rec.Member != "" {
		env.Metadata["member"] = rec.Member
	}

	err := b.attempt(func(ctx context.Context) error {
		return bus.Publish(ctx, env)
	}, metrics.SinkBus)
	if err != nil {
		log.Errorf("Failed to publish system event: %v", err)
		return
	}
	log.Debugf("Published system event %s", env.ID)
}

// attempt runs one forwarding call with the configured timeout, turning a
// panic into an error.
func (b *Bridge) attempt(call func(ctx context.Context) error, sink string) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		outcome := metrics.OutcomeOK
		if err != nil {
			outcome = metrics.OutcomeFailed
		}
		b.metrics.ObserveForward(sink, outcome, time.Since(start))
	}()

	return call(ctx)
}
