package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool lends AMQP channels to the publisher, consumer, and topology
// manager. The pool is the only component allowed to create or close
// channels; borrowers return them with Put or borrow scoped via Execute.
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	done        chan struct{}
	maxSize     int
	mu          sync.Mutex
	closed      bool
	activeCount int
}

// PooledChannel wraps an AMQP channel with pool bookkeeping.
type PooledChannel struct {
	*amqp.Channel
	lastUsed time.Time
	id       string
}

// ID identifies the channel in logs.
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPoolOption configures the channel pool.
type ChannelPoolOption func(*ChannelPool)

// WithMaxChannels caps the number of channels the pool will open.
func WithMaxChannels(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// NewChannelPool creates a channel pool over the manager's connection.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager: manager,
		maxSize: 10,
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max channels must be at least 1", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)
	pool.done = make(chan struct{})
	return pool, nil
}

// Get borrows a channel, creating one when none is idle and the pool is
// under its cap. Channels found closed on checkout are discarded and
// replaced.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	select {
	case ch := <-cp.channels:
		if ch.Channel.IsClosed() {
			cp.discard(ch)
			return cp.create(ctx)
		}
		ch.lastUsed = time.Now()
		return ch, nil
	default:
	}

	cp.mu.Lock()
	underCap := cp.activeCount < cp.maxSize
	cp.mu.Unlock()
	if underCap {
		return cp.create(ctx)
	}

	// At the cap: wait for a borrower to return one.
	select {
	case ch := <-cp.channels:
		if ch.Channel.IsClosed() {
			cp.discard(ch)
			return cp.create(ctx)
		}
		ch.lastUsed = time.Now()
		return ch, nil
	case <-cp.done:
		return nil, ErrChannelPoolClosed
	case <-ctx.Done():
		return nil, &ChannelError{
			Op:        "get channel",
			ChannelID: "pool",
			Err:       ctx.Err(),
			Timestamp: time.Now(),
		}
	case <-time.After(5 * time.Second):
		return nil, &ChannelError{
			Op:        "get channel",
			ChannelID: "pool",
			Err:       ErrChannelPoolExhausted,
			Timestamp: time.Now(),
		}
	}
}

// Put returns a borrowed channel to the pool.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	// The stash happens under the pool lock so it cannot race Close's
	// drain: once Close has run, every returned channel is closed here
	// instead of parked in a dead pool.
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		ch.Channel.Close()
		return
	}

	if ch.Channel.IsClosed() {
		cp.activeCount--
		cp.mu.Unlock()
		return
	}

	ch.lastUsed = time.Now()
	select {
	case cp.channels <- ch:
		cp.mu.Unlock()
	default:
		cp.mu.Unlock()
		cp.discard(ch)
	}
}

// Execute borrows a channel for the duration of fn.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch.Channel)
	}()

	return execErr
}

// Size returns the number of channels the pool currently owns.
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Close closes every pooled channel. In-flight unacknowledged deliveries on
// closed channels return to the broker.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return nil
	}
	cp.closed = true
	close(cp.done)

	// Drain idle channels without closing cp.channels: a racing Get must
	// never receive the zero value, and a racing Put must never send on
	// a closed channel.
	for {
		select {
		case ch := <-cp.channels:
			if !ch.Channel.IsClosed() {
				ch.Channel.Close()
			}
			cp.activeCount--
		default:
			return nil
		}
	}
}

func (cp *ChannelPool) create(ctx context.Context) (*PooledChannel, error) {
	select {
	case <-ctx.Done():
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       ctx.Err(),
			Timestamp: time.Now(),
		}
	default:
	}

	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	cp.mu.Lock()
	cp.activeCount++
	cp.mu.Unlock()

	return &PooledChannel{
		Channel:  ch,
		lastUsed: time.Now(),
		id:       uuid.New().String(),
	}, nil
}

func (cp *ChannelPool) discard(ch *PooledChannel) {
	ch.Channel.Close()
	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()
}
