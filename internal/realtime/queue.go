package realtime

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const defaultSendBuffer = 64

var (
	// ErrConnectionClosed is returned when sending to a closed connection.
	ErrConnectionClosed = errors.New("realtime: connection closed")
	// ErrSendBufferFull is returned when a peer does not drain its outbound queue.
	ErrSendBufferFull = errors.New("realtime: send buffer full")
)

// Connection is an open, addressable channel to one client.
type Connection interface {
	ID() string
	CreatedAt() time.Time
	Send(envelope Envelope) error
	Close() error
}

// Queue is a Connection backed by a bounded outbound buffer. The transport
// goroutine owning the socket drains Outbound until Done is closed, so Send
// never blocks on a slow peer.
type Queue struct {
	id        string
	createdAt time.Time
	outbound  chan Envelope
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs an open Queue. A non-positive bufferSize selects the default.
func NewQueue(id string, createdAt time.Time, bufferSize int) *Queue {
	if bufferSize <= 0 {
		bufferSize = defaultSendBuffer
	}
	return &Queue{
		id:        id,
		createdAt: createdAt,
		outbound:  make(chan Envelope, bufferSize),
		done:      make(chan struct{}),
	}
}

func (q *Queue) ID() string {
	return q.id
}

func (q *Queue) CreatedAt() time.Time {
	return q.createdAt
}

// Send enqueues the envelope without blocking.
func (q *Queue) Send(envelope Envelope) error {
	select {
	case <-q.done:
		return fmt.Errorf("%w: %w", ErrTransport, ErrConnectionClosed)
	default:
	}
	select {
	case q.outbound <- envelope:
		return nil
	case <-q.done:
		return fmt.Errorf("%w: %w", ErrTransport, ErrConnectionClosed)
	default:
		return fmt.Errorf("%w: %w", ErrTransport, ErrSendBufferFull)
	}
}

// Close marks the queue closed. It is safe to call more than once.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		close(q.done)
	})
	return nil
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Outbound exposes queued envelopes to the transport writer.
func (q *Queue) Outbound() <-chan Envelope {
	return q.outbound
}

// Done is closed once the queue is closed.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}
