// Package pool keeps the bounded set of TCP clients served by the agent.
//
// The pool and its clients belong to the event loop goroutine. The only
// methods meant for other goroutines are Closed, Done and WaitResume, which
// a client's reader uses to pace itself.
package pool

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// State says which direction a client is waiting for.
type State int

const (
	// AwaitingRequest accumulates request bytes.
	AwaitingRequest State = iota
	// AwaitingSend holds a reply that still has to be written.
	AwaitingSend
)

func (s State) String() string {
	switch s {
	case AwaitingRequest:
		return "awaiting-request"
	case AwaitingSend:
		return "awaiting-send"
	default:
		return "unknown"
	}
}

// Client is one accepted TCP peer.
type Client struct {
	Conn         net.Conn
	Addr         net.Addr
	LastActivity time.Time
	Buf          []byte
	State        State

	resume    chan struct{}
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewClient wraps an accepted connection.
func NewClient(conn net.Conn, now time.Time) *Client {
	return &Client{
		Conn:         conn,
		Addr:         conn.RemoteAddr(),
		LastActivity: now,
		State:        AwaitingRequest,
		resume:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Append adds received bytes to the request buffer.
func (c *Client) Append(data []byte, now time.Time) {
	c.Buf = append(c.Buf, data...)
	c.LastActivity = now
}

// SetReply replaces the buffer with a reply to be written.
func (c *Client) SetReply(reply []byte) {
	c.Buf = append(c.Buf[:0], reply...)
	c.State = AwaitingSend
}

// ResetRequest empties the buffer and waits for the next request.
func (c *Client) ResetRequest(now time.Time) {
	c.Buf = c.Buf[:0]
	c.State = AwaitingRequest
	c.LastActivity = now
}

// Resume lets the client's reader take the next chunk.
func (c *Client) Resume() {
	select {
	case c.resume <- struct{}{}:
	default:
	}
}

// WaitResume blocks until Resume is called or the client is closed. It
// reports whether reading may continue.
func (c *Client) WaitResume() bool {
	select {
	case <-c.resume:
		return !c.Closed()
	case <-c.done:
		return false
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	return c.closed.Load()
}

// Done is closed when the client is.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Pool is a bounded set of clients.
type Pool struct {
	clients  []*Client
	capacity int
}

// New returns an empty pool holding at most capacity clients.
func New(capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		clients:  make([]*Client, 0, capacity),
		capacity: capacity,
	}
}

// Add inserts c. At capacity the client with the oldest LastActivity is
// closed and its slot reused; ties go to the lowest slot. The evicted client
// is returned, or nil.
func (p *Pool) Add(c *Client) *Client {
	if len(p.clients) < p.capacity {
		p.clients = append(p.clients, c)
		return nil
	}

	oldest := 0
	for i, other := range p.clients[1:] {
		if other.LastActivity.Before(p.clients[oldest].LastActivity) {
			oldest = i + 1
		}
	}

	evicted := p.clients[oldest]
	evicted.Close()
	p.clients[oldest] = c
	return evicted
}

// Clients returns the live slice; it is invalidated by Add and Compact.
func (p *Pool) Clients() []*Client {
	return p.clients
}

// Compact drops closed clients, keeping the others in slot order, and
// returns how many were removed.
func (p *Pool) Compact() int {
	kept := p.clients[:0]
	for _, c := range p.clients {
		if !c.Closed() {
			kept = append(kept, c)
		}
	}

	removed := len(p.clients) - len(kept)
	for i := len(kept); i < len(p.clients); i++ {
		p.clients[i] = nil
	}
	p.clients = kept
	return removed
}

// Len returns the number of clients, closed ones included until Compact.
func (p *Pool) Len() int {
	return len(p.clients)
}

// Cap returns the maximum number of clients.
func (p *Pool) Cap() int {
	return p.capacity
}

// CloseAll closes and removes every client.
func (p *Pool) CloseAll() {
	for _, c := range p.clients {
		c.Close()
	}
	p.Compact()
}
