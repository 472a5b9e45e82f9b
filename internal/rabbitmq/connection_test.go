package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relay-go/contracts"
	"github.com/relayq/relay-go/internal/reliability"
)

// failingDialer never reaches a broker and counts attempts.
type failingDialer struct {
	attempts atomic.Int32
	times    []time.Time
	mu       sync.Mutex
}

func (d *failingDialer) dial(url string) (*amqp.Connection, error) {
	d.attempts.Add(1)
	d.mu.Lock()
	d.times = append(d.times, time.Now())
	d.mu.Unlock()
	return nil, errors.New("dial tcp: connection refused")
}

type recordingListener struct {
	mu           sync.Mutex
	reconnecting []int
	disconnected []error
}

func (l *recordingListener) OnConnected() {}

func (l *recordingListener) OnDisconnected(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnected = append(l.disconnected, err)
}

func (l *recordingListener) OnReconnecting(attempt int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reconnecting = append(l.reconnecting, attempt)
}

func TestNewConnectionManager(t *testing.T) {
	t.Run("creates manager with defaults", func(t *testing.T) {
		manager := NewConnectionManager("amqp://localhost:5672")

		assert.Equal(t, "amqp://localhost:5672", manager.url)
		assert.Equal(t, 5, manager.maxRetries)
		assert.True(t, manager.autoReconnect)
		assert.NotNil(t, manager.logger)
		assert.Equal(t, StateDisconnected, manager.State())
	})

	t.Run("applies options", func(t *testing.T) {
		logger := slog.Default()
		policy := reliability.NewConstantDelay(time.Second)
		manager := NewConnectionManager(
			"amqp://test:5672",
			WithMaxRetries(3),
			WithDelayPolicy(policy),
			WithAutoReconnect(false),
			WithConnectTimeout(time.Second),
			WithLogger(logger),
		)

		assert.Equal(t, 3, manager.maxRetries)
		assert.Equal(t, policy, manager.delayPolicy)
		assert.False(t, manager.autoReconnect)
		assert.Equal(t, time.Second, manager.connectTimeout)
		assert.Equal(t, logger, manager.logger)
	})
}

func TestConnect(t *testing.T) {
	t.Run("unreachable broker fails with ConnectionError", func(t *testing.T) {
		dialer := &failingDialer{}
		manager := NewConnectionManager("amqp://localhost:5672", WithDialer(dialer.dial))

		err := manager.Connect(context.Background())

		require.Error(t, err)
		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, "connect", connErr.Op)
		assert.Equal(t, 1, connErr.Attempts)
		assert.False(t, manager.IsConnected())
		assert.Equal(t, StateDisconnected, manager.State())
		assert.Error(t, manager.LastError())
	})

	t.Run("connect is not retried internally", func(t *testing.T) {
		dialer := &failingDialer{}
		manager := NewConnectionManager("amqp://localhost:5672", WithDialer(dialer.dial))

		_ = manager.Connect(context.Background())

		assert.Equal(t, int32(1), dialer.attempts.Load())
	})

	t.Run("connect after Close fails", func(t *testing.T) {
		manager := NewConnectionManager("amqp://localhost:5672")
		require.NoError(t, manager.Close())

		err := manager.Connect(context.Background())
		assert.ErrorIs(t, err, ErrManagerClosed)
	})
}

func TestReconnect(t *testing.T) {
	t.Run("makes exactly maxRetries attempts spaced by the delay then fails", func(t *testing.T) {
		dialer := &failingDialer{}
		manager := NewConnectionManager(
			"amqp://localhost:5672",
			WithDialer(dialer.dial),
			WithMaxRetries(3),
			WithReconnectDelay(100*time.Millisecond),
		)

		start := time.Now()
		err := manager.Reconnect(context.Background())
		elapsed := time.Since(start)

		require.Error(t, err)
		assert.ErrorIs(t, err, contracts.ErrReconnectExhausted)
		assert.Equal(t, int32(3), dialer.attempts.Load())
		// Two inter-attempt gaps of >= 100ms each.
		assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)

		dialer.mu.Lock()
		for i := 1; i < len(dialer.times); i++ {
			assert.GreaterOrEqual(t, dialer.times[i].Sub(dialer.times[i-1]), 100*time.Millisecond)
		}
		dialer.mu.Unlock()

		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, "reconnect", connErr.Op)
		assert.Equal(t, 3, connErr.Attempts)
		assert.Equal(t, StateDisconnected, manager.State())
	})

	t.Run("notifies listeners of each attempt and final failure", func(t *testing.T) {
		dialer := &failingDialer{}
		listener := &recordingListener{}
		manager := NewConnectionManager(
			"amqp://localhost:5672",
			WithDialer(dialer.dial),
			WithMaxRetries(2),
			WithReconnectDelay(10*time.Millisecond),
		)
		manager.AddStateListener(listener)

		err := manager.Reconnect(context.Background())
		require.Error(t, err)

		assert.Eventually(t, func() bool {
			listener.mu.Lock()
			defer listener.mu.Unlock()
			return len(listener.reconnecting) == 2 && len(listener.disconnected) == 1
		}, time.Second, 10*time.Millisecond)

		listener.mu.Lock()
		assert.Equal(t, []int{1, 2}, listener.reconnecting)
		assert.ErrorIs(t, listener.disconnected[0], contracts.ErrReconnectExhausted)
		listener.mu.Unlock()
	})

	t.Run("cancelled context aborts between attempts", func(t *testing.T) {
		dialer := &failingDialer{}
		manager := NewConnectionManager(
			"amqp://localhost:5672",
			WithDialer(dialer.dial),
			WithMaxRetries(10),
			WithReconnectDelay(time.Hour),
		)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		err := manager.Reconnect(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int32(1), dialer.attempts.Load())
	})
}

func TestClose(t *testing.T) {
	t.Run("close without connection is tolerated", func(t *testing.T) {
		manager := NewConnectionManager("amqp://localhost:5672")
		assert.NoError(t, manager.Close())
		assert.Equal(t, StateDisconnected, manager.State())
	})

	t.Run("close is idempotent", func(t *testing.T) {
		manager := NewConnectionManager("amqp://localhost:5672")
		assert.NoError(t, manager.Close())
		assert.NoError(t, manager.Close())
	})
}

func TestGetConnection(t *testing.T) {
	t.Run("returns error when never connected", func(t *testing.T) {
		manager := NewConnectionManager("amqp://localhost:5672")
		_, err := manager.GetConnection()
		assert.ErrorIs(t, err, ErrConnectionNotReady)
	})
}
