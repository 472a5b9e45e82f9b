package messaging

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relay-go/contracts"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	args := m.Called(ctx, exchange, routingKey, msg)
	return args.Error(0)
}

func TestPublishEvent(t *testing.T) {
	t.Run("serializes envelope and mirrors correlation ID into properties", func(t *testing.T) {
		transport := &mockTransport{}
		publisher := NewEventPublisher(transport)

		env, err := contracts.NewEnvelope(EventUserRegistered,
			map[string]string{"userId": "42"},
			contracts.WithCorrelationID("abc-123"),
		)
		require.NoError(t, err)

		var sent amqp.Publishing
		transport.On("Publish", mock.Anything, ExchangeUserEvents, EventUserRegistered, mock.Anything).
			Run(func(args mock.Arguments) {
				sent = args.Get(3).(amqp.Publishing)
			}).
			Return(nil)

		err = publisher.PublishEvent(context.Background(), ExchangeUserEvents, EventUserRegistered, env)

		require.NoError(t, err)
		transport.AssertExpectations(t)
		assert.Equal(t, "application/json", sent.ContentType)
		assert.Equal(t, "abc-123", sent.CorrelationId)
		assert.Equal(t, EventUserRegistered, sent.Type)
		assert.NotEmpty(t, sent.MessageId)

		got, err := contracts.Deserialize(sent.Body)
		require.NoError(t, err)
		assert.Equal(t, "abc-123", got.CorrelationID)
	})

	t.Run("transport failure is surfaced without retry", func(t *testing.T) {
		transport := &mockTransport{}
		publisher := NewEventPublisher(transport)

		env, err := contracts.NewEnvelope(EventUserRegistered, map[string]string{})
		require.NoError(t, err)

		transport.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(contracts.ErrNotConnected).
			Once()

		err = publisher.PublishEvent(context.Background(), ExchangeUserEvents, EventUserRegistered, env)

		assert.ErrorIs(t, err, contracts.ErrNotConnected)
		transport.AssertExpectations(t)
	})

	t.Run("invalid envelope fails before any transport call", func(t *testing.T) {
		transport := &mockTransport{}
		publisher := NewEventPublisher(transport)

		err := publisher.PublishEvent(context.Background(), ExchangeUserEvents, "x", &contracts.Envelope{})

		assert.ErrorIs(t, err, contracts.ErrSchemaValidation)
		transport.AssertNotCalled(t, "Publish")
	})
}

func TestEmit(t *testing.T) {
	t.Run("creates an envelope and routes by event type", func(t *testing.T) {
		transport := &mockTransport{}
		publisher := NewEventPublisher(transport)

		transport.On("Publish", mock.Anything, ExchangeNotificationEvents, EventNotificationSent, mock.Anything).
			Return(nil)

		env, err := publisher.Emit(context.Background(), ExchangeNotificationEvents,
			EventNotificationSent,
			map[string]string{"email": "a@b.test"},
			contracts.WithCorrelationID("abc-123"),
		)

		require.NoError(t, err)
		assert.Equal(t, EventNotificationSent, env.Type)
		assert.Equal(t, "abc-123", env.CorrelationID)
		transport.AssertExpectations(t)
	})
}
