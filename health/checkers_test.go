package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relay-go/internal/rabbitmq"
)

func TestBrokerChecker(t *testing.T) {
	t.Run("reports unhealthy before any connection", func(t *testing.T) {
		manager := rabbitmq.NewConnectionManager("amqp://localhost:5672")
		checker := NewBrokerChecker(manager)

		assert.False(t, checker.Healthy())

		result := checker.Check(context.Background())
		assert.Equal(t, "broker", result.Name)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "disconnected", result.Details["state"])
	})

	t.Run("includes the last connection error", func(t *testing.T) {
		manager := rabbitmq.NewConnectionManager("amqp://localhost:1")
		_ = manager.Connect(context.Background())

		result := NewBrokerChecker(manager).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.NotEmpty(t, result.Error)
	})
}

func TestQueueChecker(t *testing.T) {
	t.Run("reports unhealthy when no channel is available", func(t *testing.T) {
		manager := rabbitmq.NewConnectionManager("amqp://localhost:5672")
		pool, err := rabbitmq.NewChannelPool(manager)
		require.NoError(t, err)

		checker := NewQueueChecker("notification.service.queue", pool, 0)

		result := checker.Check(context.Background())
		assert.Equal(t, "queue_notification.service.queue", result.Name)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.NotEmpty(t, result.Error)
	})
}
