package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relayq/relay-go/contracts"
	"github.com/relayq/relay-go/internal/reliability"
)

// State describes where the connection manager is in its lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Dialer opens a broker connection. Swappable in tests.
type Dialer func(url string) (*amqp.Connection, error)

// ConnectionStateListener receives connection state change notifications.
// Listeners are invoked on their own goroutines and must not block forever.
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the single broker connection: it establishes it,
// detects loss through the close notification channel, and restores it with
// a bounded reconnect loop. No other component may close or replace the
// connection.
type ConnectionManager struct {
	url            string
	dial           Dialer
	conn           *amqp.Connection
	mu             sync.RWMutex
	state          State
	lastErr        error
	maxRetries     int
	delayPolicy    reliability.DelayPolicy
	autoReconnect  bool
	connectTimeout time.Duration
	logger         *slog.Logger
	done           chan struct{}
	closeOnce      sync.Once
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithMaxRetries bounds the number of dial attempts per Reconnect call.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithReconnectDelay sets a constant delay between reconnection attempts.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.delayPolicy = reliability.NewConstantDelay(delay)
	}
}

// WithDelayPolicy sets the reconnect delay policy. The policy is a pure
// function of the attempt number, so retry timing is testable without I/O.
func WithDelayPolicy(policy reliability.DelayPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.delayPolicy = policy
	}
}

// WithAutoReconnect controls whether a broker-initiated close triggers the
// bounded reconnect loop automatically. Enabled by default.
func WithAutoReconnect(enabled bool) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.autoReconnect = enabled
	}
}

// WithConnectTimeout bounds a single dial attempt.
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithDialer replaces the AMQP dialer.
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           amqp.Dial,
		maxRetries:     5,
		delayPolicy:    reliability.NewConstantDelay(5 * time.Second),
		autoReconnect:  true,
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection. Failure is surfaced to the
// caller and not retried here; use Reconnect for the bounded retry loop.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	if cm.isClosed() {
		return ErrManagerClosed
	}

	cm.mu.Lock()
	if cm.state == StateConnected {
		cm.mu.Unlock()
		return nil
	}
	cm.state = StateConnecting
	cm.mu.Unlock()

	conn, err := cm.dialWithTimeout(ctx)
	if err != nil {
		cm.mu.Lock()
		cm.state = StateDisconnected
		cm.lastErr = err
		cm.mu.Unlock()

		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.install(conn)
	cm.logger.Info("connected to broker", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	return nil
}

// Reconnect runs the bounded reconnect state machine: at most maxRetries
// dial attempts, separated by the configured delay policy. Exhausting the
// budget fails with an error wrapping contracts.ErrReconnectExhausted and
// is not retried further by the manager; the caller decides what happens
// next.
func (cm *ConnectionManager) Reconnect(ctx context.Context) error {
	if cm.isClosed() {
		return ErrManagerClosed
	}

	cm.mu.Lock()
	if cm.state == StateConnected {
		cm.mu.Unlock()
		return nil
	}
	cm.state = StateReconnecting
	cm.mu.Unlock()

	start := time.Now()
	for attempt := 0; attempt < cm.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cm.delayPolicy.NextDelay(attempt - 1)):
			case <-ctx.Done():
				cm.setState(StateDisconnected)
				return ctx.Err()
			case <-cm.done:
				return ErrManagerClosed
			}
		}

		cm.notifyReconnecting(attempt + 1)

		conn, err := cm.dialWithTimeout(ctx)
		if err == nil {
			cm.install(conn)
			cm.logger.Info("reconnected to broker",
				"attempts", attempt+1,
				"duration", time.Since(start))
			cm.notifyConnected()
			return nil
		}

		cm.mu.Lock()
		cm.lastErr = err
		cm.mu.Unlock()

		cm.logger.Warn("reconnect attempt failed",
			"attempt", attempt+1,
			"maxRetries", cm.maxRetries,
			"error", err)
	}

	cm.setState(StateDisconnected)

	err := &ConnectionError{
		Op:        "reconnect",
		URL:       SanitizeURL(cm.url),
		Err:       contracts.ErrReconnectExhausted,
		Timestamp: time.Now(),
		Attempts:  cm.maxRetries,
	}
	cm.notifyDisconnected(err)
	return err
}

// IsConnected reports the current state without performing I/O. It returns
// false if the manager never connected or an error/close event has fired
// since the last successful connect.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state == StateConnected && cm.conn != nil && !cm.conn.IsClosed()
}

// State returns the current lifecycle state.
func (cm *ConnectionManager) State() State {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// LastError returns the most recent connection-level error.
func (cm *ConnectionManager) LastError() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.lastErr
}

// GetConnection returns the live connection for channel creation. Only the
// channel pool should call this.
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.state != StateConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// Close releases the connection, tolerating an already-closed one, and
// unconditionally marks the manager disconnected. The manager cannot be
// reused afterwards.
func (cm *ConnectionManager) Close() error {
	var err error
	cm.closeOnce.Do(func() {
		close(cm.done)

		cm.mu.Lock()
		conn := cm.conn
		cm.conn = nil
		cm.state = StateDisconnected
		cm.mu.Unlock()

		if conn != nil && !conn.IsClosed() {
			err = conn.Close()
		}
		cm.logger.Info("connection manager closed")
	})
	return err
}

// AddStateListener registers a connection state listener. Listeners added
// before Connect observe the initial connection as well.
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// install stores a freshly dialed connection, marks the manager connected,
// and arms the close watcher for this connection generation.
func (cm *ConnectionManager) install(conn *amqp.Connection) {
	closeCh := make(chan *amqp.Error, 1)
	conn.NotifyClose(closeCh)

	cm.mu.Lock()
	cm.conn = conn
	cm.state = StateConnected
	cm.lastErr = nil
	cm.mu.Unlock()

	go cm.watch(closeCh)
}

// watch waits for a broker-initiated close on one connection generation.
func (cm *ConnectionManager) watch(closeCh chan *amqp.Error) {
	select {
	case amqpErr := <-closeCh:
		if amqpErr != nil {
			cm.logger.Error("connection closed by broker", "error", amqpErr)
		}

		cm.mu.Lock()
		// A deliberate Close already moved the state; don't fight it.
		if cm.state != StateConnected {
			cm.mu.Unlock()
			return
		}
		cm.state = StateDisconnected
		cm.conn = nil
		if amqpErr != nil {
			cm.lastErr = amqpErr
		}
		cm.mu.Unlock()

		var cause error
		if amqpErr != nil {
			cause = amqpErr
		}
		cm.notifyDisconnected(cause)

		if cm.autoReconnect {
			if err := cm.Reconnect(context.Background()); err != nil {
				cm.logger.Error("automatic reconnect failed", "error", err)
			}
		}

	case <-cm.done:
	}
}

// dialWithTimeout performs a single dial attempt bounded by the connect
// timeout and the caller's context.
func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	connCh := make(chan *amqp.Connection, 1)
	errCh := make(chan error, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		if err != nil {
			errCh <- err
			return
		}
		select {
		case connCh <- conn:
		default:
			// The attempt was abandoned; don't leak the connection.
			conn.Close()
		}
	}()

	select {
	case conn := <-connCh:
		return conn, nil
	case err := <-errCh:
		return nil, err
	case <-dialCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	case <-cm.done:
		return nil, ErrManagerClosed
	}
}

func (cm *ConnectionManager) isClosed() bool {
	select {
	case <-cm.done:
		return true
	default:
		return false
	}
}

func (cm *ConnectionManager) setState(s State) {
	cm.mu.Lock()
	cm.state = s
	cm.mu.Unlock()
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
