package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridsync/internal/config"
	"gridsync/internal/models"
)

func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	s := natsserver.RunServer(&opts)
	t.Cleanup(s.Shutdown)

	logger, _ := test.NewNullLogger()
	p, err := NewPublisher(context.Background(), config.BusConfig{
		URL:           s.ClientURL(),
		QueueName:     "grid-events",
		MaxReconnect:  1,
		ReconnectWait: 100 * time.Millisecond,
		PublishWait:   5 * time.Second,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

type received struct {
	env     *models.Envelope
	headers map[string]string
}

func collect(out *[]received) Handler {
	return func(env *models.Envelope, headers map[string]string) error {
		*out = append(*out, received{env: env, headers: headers})
		return nil
	}
}

func TestStreamName(t *testing.T) {
	assert.Equal(t, "GRID_EVENTS", streamName("grid-events"))
	assert.Equal(t, "ORDERS_V2", streamName("orders.v2"))
}

func TestNewPublisherRequiresQueue(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := NewPublisher(context.Background(), config.BusConfig{URL: nats.DefaultURL}, logger)
	assert.ErrorIs(t, err, config.ErrMalformedConfig)
}

func TestPublishAndReceive(t *testing.T) {
	p := newTestPublisher(t)
	ctx := context.Background()

	env := models.NewSystemEnvelope("GridMap", models.LevelInfo, "Entry added - Key: k1")
	env.Metadata["map"] = "sync-data"
	env.Metadata["key"] = "k1"
	require.NoError(t, p.Publish(ctx, env))
	require.NoError(t, p.SendUserEvent(ctx, "user001", "john.doe", "USER_CREATED", "User created"))

	var got []received
	n, err := p.Receive(ctx, 10, 500*time.Millisecond, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, got, 2)

	first := got[0]
	assert.Equal(t, env.ID, first.env.ID)
	assert.Equal(t, models.SystemEventType, first.env.Type)
	require.NotNil(t, first.env.System)
	assert.Equal(t, "Entry added - Key: k1", first.env.System.Message)
	assert.Equal(t, "application/json", first.headers[HeaderContentType])
	assert.Equal(t, "SYSTEM_EVENT", first.headers[HeaderEventType])
	assert.NotEmpty(t, first.headers[HeaderTimestamp])
	assert.Equal(t, "sync-data", first.headers[HeaderMetadataPrefix+"map"])
	assert.Equal(t, "k1", first.headers[HeaderMetadataPrefix+"key"])

	second := got[1]
	assert.Equal(t, models.UserEventType, second.env.Type)
	require.NotNil(t, second.env.User)
	assert.Equal(t, "user001", second.env.User.UserID)
	assert.Nil(t, second.env.System)

	// completed messages are gone from the work queue
	n, err = p.Receive(ctx, 10, 200*time.Millisecond, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPublishIsNotDeduplicated(t *testing.T) {
	p := newTestPublisher(t)
	ctx := context.Background()

	env := models.NewSystemEnvelope("GridMap", models.LevelInfo, "Entry added - Key: k1")
	require.NoError(t, p.Publish(ctx, env))
	require.NoError(t, p.Publish(ctx, env))

	var got []received
	n, err := p.Receive(ctx, 10, 500*time.Millisecond, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, got[0].env.ID, got[1].env.ID)
}

func TestMetadataCannotSetReservedHeaders(t *testing.T) {
	p := newTestPublisher(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env := models.NewSystemEnvelope("GridMap", models.LevelInfo, fmt.Sprintf("record %d", i))
		env.Metadata["Nats-Msg-Id"] = "tenant-7"
		env.Metadata[HeaderContentType] = "text/plain"
		env.Metadata[HeaderEventType] = "USER_EVENT"
		require.NoError(t, p.Publish(ctx, env))
	}

	var got []received
	n, err := p.Receive(ctx, 10, 500*time.Millisecond, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, r := range got {
		assert.Equal(t, "application/json", r.headers[HeaderContentType])
		assert.Equal(t, "SYSTEM_EVENT", r.headers[HeaderEventType])
		assert.Equal(t, "tenant-7", r.headers[HeaderMetadataPrefix+"Nats-Msg-Id"])
		assert.NotContains(t, r.headers, "Nats-Msg-Id")
		assert.Equal(t, "tenant-7", r.env.Metadata["Nats-Msg-Id"])
	}
}

func TestPublishRejectsInvalidEnvelope(t *testing.T) {
	p := newTestPublisher(t)

	env := models.NewSystemEnvelope("GridMap", "LOUD", "message")
	err := p.Publish(context.Background(), env)
	assert.ErrorIs(t, err, ErrPublishFailed)
	assert.ErrorIs(t, err, models.ErrInvalidEnvelope)
}

func TestPublishAfterClose(t *testing.T) {
	p := newTestPublisher(t)
	p.conn.Close()

	err := p.Ping(context.Background())
	assert.ErrorIs(t, err, ErrPublishFailed)
}

func TestReceiveAbandonsFailedMessages(t *testing.T) {
	p := newTestPublisher(t)
	ctx := context.Background()
	require.NoError(t, p.Ping(ctx))

	attempts := 0
	n, err := p.Receive(ctx, 1, 500*time.Millisecond, func(env *models.Envelope, headers map[string]string) error {
		attempts++
		return errors.New("downstream unavailable")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var got []received
	n, err = p.Receive(ctx, 1, 2*time.Second, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, got, 1)
	assert.Equal(t, "Connection test", got[0].env.System.Message)
	assert.Equal(t, 1, attempts)
}

func TestReceiveDiscardsUndecodable(t *testing.T) {
	p := newTestPublisher(t)
	ctx := context.Background()

	_, err := p.js.Publish(ctx, "grid-events", []byte("not json"))
	require.NoError(t, err)

	var got []received
	n, err := p.Receive(ctx, 5, 300*time.Millisecond, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, got)
}
