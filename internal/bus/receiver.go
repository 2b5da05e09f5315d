package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"gridsync/internal/models"
)

// receiverName is the durable consumer shared by every receive call
const receiverName = "gridsync-receiver"

// Handler processes one received envelope. Returning an error abandons the
// message so the stream redelivers it.
type Handler func(env *models.Envelope, headers map[string]string) error

// Receive pulls up to max messages, waiting at most timeout for each batch,
// and returns how many were handled. Handled messages are acknowledged and
// failed ones are negatively acknowledged.
func (p *Publisher) Receive(ctx context.Context, max int, timeout time.Duration, handler Handler) (int, error) {
	consumer, err := p.js.CreateOrUpdateConsumer(ctx, p.stream, jetstream.ConsumerConfig{
		Durable:       receiverName,
		FilterSubject: p.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create consumer on %s: %w", p.stream, err)
	}

	handled := 0
	for handled < max {
		if err := ctx.Err(); err != nil {
			return handled, err
		}

		batch, err := consumer.Fetch(max-handled, jetstream.FetchMaxWait(timeout))
		if err != nil {
			return handled, fmt.Errorf("failed to fetch from %s: %w", p.subject, err)
		}

		n := 0
		for msg := range batch.Messages() {
			p.process(msg, handler)
			n++
		}
		handled += n

		if err := batch.Error(); err != nil && !isFetchTimeout(err) {
			return handled, fmt.Errorf("failed to fetch from %s: %w", p.subject, err)
		}
		if n == 0 {
			break
		}
	}

	p.logger.Infof("Received %d messages from %s", handled, p.subject)
	return handled, nil
}

func isFetchTimeout(err error) bool {
	return errors.Is(err, jetstream.ErrNoMessages) || errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func (p *Publisher) process(msg jetstream.Msg, handler Handler) {
	var env models.Envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		p.logger.Errorf("Discarding undecodable message on %s: %v", msg.Subject(), err)
		if err := msg.Term(); err != nil {
			p.logger.Warnf("Failed to terminate message: %v", err)
		}
		return
	}

	headers := make(map[string]string, len(msg.Headers()))
	for k := range msg.Headers() {
		headers[k] = msg.Headers().Get(k)
	}

	if err := handler(&env, headers); err != nil {
		p.logger.Warnf("Handler failed for %s %s, abandoning for redelivery: %v", env.Type, env.ID, err)
		if err := msg.Nak(); err != nil {
			p.logger.Warnf("Failed to abandon message %s: %v", env.ID, err)
		}
		return
	}

	if err := msg.Ack(); err != nil {
		p.logger.Warnf("Failed to complete message %s: %v", env.ID, err)
	}
}
