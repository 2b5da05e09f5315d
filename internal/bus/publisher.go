package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"gridsync/internal/config"
	"gridsync/internal/models"
)

// ErrPublishFailed wraps every failure to hand an envelope to the bus.
var ErrPublishFailed = errors.New("event bus publish failed")

// Header names set on every published message
const (
	HeaderContentType = "Content-Type"
	HeaderEventType   = "Event-Type"
	HeaderTimestamp   = "Timestamp"

	// HeaderMetadataPrefix namespaces envelope metadata, so metadata can
	// never set a reserved or Nats-* header.
	HeaderMetadataPrefix = "Gridsync-Meta-"
)

// Publisher handles publishing envelopes to a JetStream work queue
type Publisher struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	stream  string
	subject string
	cfg     config.BusConfig
	logger  *logrus.Logger
}

// NewPublisher connects to NATS and makes sure the queue's stream exists
func NewPublisher(ctx context.Context, cfg config.BusConfig, logger *logrus.Logger) (*Publisher, error) {
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("%w: bus queue name is required", config.ErrMalformedConfig)
	}

	opts := []nats.Option{
		nats.Name("gridsync-" + cfg.QueueName),
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream := streamName(cfg.QueueName)
	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(streamCtx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{cfg.QueueName},
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create stream %s: %w", stream, err)
	}

	logger.Infof("Connected to NATS at %s (queue %s, stream %s)", cfg.URL, cfg.QueueName, stream)

	return &Publisher{
		conn:    conn,
		js:      js,
		stream:  stream,
		subject: cfg.QueueName,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// streamName derives a stream name from the queue name
func streamName(queue string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, queue)
}

// Publish validates env and publishes it to the queue. Messages carry no
// deduplication ID, so publishing the same envelope twice stores it twice.
func (p *Publisher) Publish(ctx context.Context, env *models.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal envelope: %w", ErrPublishFailed, err)
	}

	msg := nats.NewMsg(p.subject)
	msg.Data = data
	msg.Header.Set(HeaderContentType, "application/json")
	msg.Header.Set(HeaderEventType, string(env.Type))
	msg.Header.Set(HeaderTimestamp, env.Timestamp.Format(time.RFC3339Nano))
	for k, v := range env.Metadata {
		msg.Header.Set(HeaderMetadataPrefix+k, v)
	}

	if p.cfg.PublishWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.PublishWait)
		defer cancel()
	}

	ack, err := p.js.PublishMsg(ctx, msg)
	if err != nil {
		return fmt.Errorf("%w: failed to publish to %s: %w", ErrPublishFailed, p.subject, err)
	}
	if ack.Duplicate {
		return fmt.Errorf("%w: stream %s dropped %s as a duplicate", ErrPublishFailed, ack.Stream, env.ID)
	}

	p.logger.Debugf("Published %s %s to %s", env.Type, env.ID, p.subject)
	return nil
}

// SendSystemEvent publishes a system event
func (p *Publisher) SendSystemEvent(ctx context.Context, component, level, message string) error {
	return p.Publish(ctx, models.NewSystemEnvelope(component, level, message))
}

// SendUserEvent publishes a user event
func (p *Publisher) SendUserEvent(ctx context.Context, userID, username, action, details string) error {
	return p.Publish(ctx, models.NewUserEnvelope(userID, username, action, details))
}

// Ping publishes a connection test event.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.SendSystemEvent(ctx, "EventBus", models.LevelInfo, "Connection test")
}

// Close drains and closes the NATS connection
func (p *Publisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
