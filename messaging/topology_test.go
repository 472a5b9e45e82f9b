package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"user.registered", "user.registered", true},
		{"user.registered", "user.deleted", false},
		{"user.*", "user.registered", true},
		{"user.*", "user.registered.v2", false},
		{"user.#", "user.registered", true},
		{"user.#", "user.registered.v2", true},
		{"user.#", "user", true},
		{"#", "anything.at.all", true},
		{"#", "", true},
		{"*.registered", "user.registered", true},
		{"*.registered", "account.registered", true},
		{"*.registered", "registered", false},
		{"notification.#", "user.registered", false},
		{"user.*.completed", "user.signup.completed", true},
		{"user.*.completed", "user.completed", false},
		{"#.failed", "notification.email.failed", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" vs "+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, TopicMatch(tt.pattern, tt.key))
		})
	}
}

func TestRoutingCorrectness(t *testing.T) {
	t.Run("a key reaches exactly the queues whose patterns match", func(t *testing.T) {
		topology := CoreTopology().
			Merge(ServiceTopology("notification.service.queue", ExchangeUserEvents, EventUserRegistered)).
			Merge(ServiceTopology("audit.queue", ExchangeUserEvents, "user.#")).
			Merge(ServiceTopology("billing.queue", ExchangeUserEvents, "billing.*"))

		var matched []string
		for _, binding := range topology.Bindings {
			if binding.Exchange == ExchangeUserEvents && TopicMatch(binding.Pattern, EventUserRegistered) {
				matched = append(matched, binding.Queue)
			}
		}

		assert.ElementsMatch(t, []string{"notification.service.queue", "audit.queue"}, matched)
	})
}

func TestCoreTopology(t *testing.T) {
	topology := CoreTopology()

	t.Run("all exchanges are durable topic exchanges", func(t *testing.T) {
		require.Len(t, topology.Exchanges, 3)
		for _, exchange := range topology.Exchanges {
			assert.Equal(t, "topic", exchange.Type, exchange.Name)
			assert.True(t, exchange.Durable, exchange.Name)
			assert.False(t, exchange.AutoDelete, exchange.Name)
		}
	})

	t.Run("dead letter queue catches every routing key", func(t *testing.T) {
		require.Len(t, topology.Bindings, 1)
		binding := topology.Bindings[0]
		assert.Equal(t, QueueDeadLetter, binding.Queue)
		assert.Equal(t, ExchangeDeadLetter, binding.Exchange)
		assert.True(t, TopicMatch(binding.Pattern, "any.key.whatsoever"))
	})
}

func TestServiceTopology(t *testing.T) {
	t.Run("declares a durable queue bound per pattern", func(t *testing.T) {
		topology := ServiceTopology("notification.service.queue", ExchangeUserEvents,
			EventUserRegistered, "user.updated.*")

		require.Len(t, topology.Queues, 1)
		assert.True(t, topology.Queues[0].Durable)
		assert.False(t, topology.Queues[0].AutoDelete)

		require.Len(t, topology.Bindings, 2)
		for _, binding := range topology.Bindings {
			assert.Equal(t, "notification.service.queue", binding.Queue)
			assert.Equal(t, ExchangeUserEvents, binding.Exchange)
		}
	})
}
