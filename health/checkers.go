package health

import (
	"context"
	"fmt"
	"time"

	"github.com/relayq/relay-go/internal/rabbitmq"
)

// BrokerChecker reports the broker connection state. Healthy is a pure
// state query and performs no I/O, so it is cheap enough for an HTTP
// handler to call on every request.
type BrokerChecker struct {
	manager *rabbitmq.ConnectionManager
}

// NewBrokerChecker creates a broker connection checker.
func NewBrokerChecker(manager *rabbitmq.ConnectionManager) *BrokerChecker {
	return &BrokerChecker{manager: manager}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

// Healthy reports whether the connection is currently usable.
func (c *BrokerChecker) Healthy() bool {
	return c.manager.IsConnected()
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	state := c.manager.State()
	result.Details["state"] = state.String()

	if !c.manager.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "not connected to broker"
		if err := c.manager.LastError(); err != nil {
			result.Error = err.Error()
		}
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "connected to broker"
	result.Duration = time.Since(start)
	return result
}

// QueueChecker verifies a queue exists and watches its depth.
type QueueChecker struct {
	queueName      string
	pool           *rabbitmq.ChannelPool
	depthThreshold int
}

// NewQueueChecker creates a queue checker. Queues holding more than
// depthThreshold messages report degraded.
func NewQueueChecker(queueName string, pool *rabbitmq.ChannelPool, depthThreshold int) *QueueChecker {
	if depthThreshold <= 0 {
		depthThreshold = 10000
	}
	return &QueueChecker{
		queueName:      queueName,
		pool:           pool,
		depthThreshold: depthThreshold,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to get channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer c.pool.Put(ch)

	queue, err := ch.QueueInspect(c.queueName)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s not accessible", c.queueName)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("queue %s is accessible", c.queueName)
	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers

	if queue.Messages > c.depthThreshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has high message count", c.queueName)
	}

	result.Duration = time.Since(start)
	return result
}
