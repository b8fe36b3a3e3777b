package pool

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeClient(t *testing.T, lastActivity time.Time) (*Client, net.Conn) {
	t.Helper()
	server, peer := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		peer.Close()
	})
	return NewClient(server, lastActivity), peer
}

func TestAddWithinCapacity(t *testing.T) {
	p := New(3)
	base := time.Now()

	for i := 0; i < 3; i++ {
		c, _ := newPipeClient(t, base.Add(time.Duration(i)*time.Second))
		assert.Nil(t, p.Add(c))
	}

	assert.Equal(t, 3, p.Len())
	assert.Equal(t, 3, p.Cap())
}

func TestAddEvictsLeastRecentlyActive(t *testing.T) {
	const capacity = 4
	p := New(capacity)
	base := time.Now()

	clients := make([]*Client, capacity)
	for i := range clients {
		clients[i], _ = newPipeClient(t, base.Add(time.Duration(i)*time.Second))
		require.Nil(t, p.Add(clients[i]))
	}

	// the first client was active most recently, the third least
	clients[0].Append([]byte{0x30}, base.Add(time.Minute))
	clients[2].LastActivity = base.Add(-time.Minute)

	incoming, _ := newPipeClient(t, base.Add(2*time.Minute))
	evicted := p.Add(incoming)

	require.NotNil(t, evicted)
	assert.Same(t, clients[2], evicted)
	assert.True(t, evicted.Closed())
	assert.Equal(t, capacity, p.Len())
	assert.Same(t, incoming, p.Clients()[2])

	closed := 0
	for _, c := range p.Clients() {
		if c.Closed() {
			closed++
		}
	}
	assert.Zero(t, closed)
}

func TestAddEvictionTieGoesToLowestSlot(t *testing.T) {
	p := New(2)
	same := time.Now()

	first, _ := newPipeClient(t, same)
	second, _ := newPipeClient(t, same)
	p.Add(first)
	p.Add(second)

	incoming, _ := newPipeClient(t, same)
	assert.Same(t, first, p.Add(incoming))
	assert.False(t, second.Closed())
}

func TestCompact(t *testing.T) {
	p := New(4)
	now := time.Now()

	clients := make([]*Client, 4)
	for i := range clients {
		clients[i], _ = newPipeClient(t, now)
		p.Add(clients[i])
	}

	clients[1].Close()
	clients[3].Close()

	assert.Equal(t, 2, p.Compact())
	assert.Equal(t, []*Client{clients[0], clients[2]}, p.Clients())
	assert.Zero(t, p.Compact())
}

func TestCloseAll(t *testing.T) {
	p := New(2)
	a, peerA := newPipeClient(t, time.Now())
	b, _ := newPipeClient(t, time.Now())
	p.Add(a)
	p.Add(b)

	p.CloseAll()

	assert.Zero(t, p.Len())
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())

	_, err := peerA.Write([]byte{1})
	assert.Error(t, err)
}

func TestClientStates(t *testing.T) {
	c, _ := newPipeClient(t, time.Now())
	assert.Equal(t, AwaitingRequest, c.State)

	later := time.Now().Add(time.Second)
	c.Append([]byte{0x30, 0x03}, later)
	c.Append([]byte{0x02, 0x01, 0x00}, later)
	assert.Equal(t, []byte{0x30, 0x03, 0x02, 0x01, 0x00}, c.Buf)
	assert.Equal(t, later, c.LastActivity)

	c.SetReply([]byte{0xAA, 0xBB})
	assert.Equal(t, AwaitingSend, c.State)
	assert.Equal(t, []byte{0xAA, 0xBB}, c.Buf)

	c.ResetRequest(later)
	assert.Equal(t, AwaitingRequest, c.State)
	assert.Empty(t, c.Buf)
	assert.Equal(t, "awaiting-request", c.State.String())
}

func TestResumeAndClose(t *testing.T) {
	c, _ := newPipeClient(t, time.Now())

	c.Resume()
	c.Resume() // does not block when already pending
	assert.True(t, c.WaitResume())

	go c.Close()
	assert.False(t, c.WaitResume())

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done was not closed")
	}
	assert.NoError(t, c.Close())
}
