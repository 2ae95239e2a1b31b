package realtime

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConnection struct {
	id        string
	createdAt time.Time
	sendErr   error

	mu     sync.Mutex
	sent   []Envelope
	closed atomic.Bool
}

func newRecordingConnection(id string, createdAt time.Time) *recordingConnection {
	return &recordingConnection{id: id, createdAt: createdAt}
}

func (c *recordingConnection) ID() string           { return c.id }
func (c *recordingConnection) CreatedAt() time.Time { return c.createdAt }

func (c *recordingConnection) Send(envelope Envelope) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, envelope)
	return nil
}

func (c *recordingConnection) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *recordingConnection) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestRegistryEvictsOldestAtCapacity(t *testing.T) {
	registry := NewRegistry[string](RegistryConfig{MaxPerOwner: 5})
	base := time.Unix(1700000000, 0)

	connections := make([]*recordingConnection, 0, 6)
	for index := 0; index < 6; index++ {
		conn := newRecordingConnection(fmt.Sprintf("conn-%d", index), base.Add(time.Duration(index)*time.Second))
		connections = append(connections, conn)
		registration := registry.Register("alice", conn.ID(), conn)
		if index < 5 {
			require.Empty(t, registration.Evicted)
		} else {
			require.Len(t, registration.Evicted, 1)
			assert.Same(t, connections[0], registration.Evicted[0])
		}
	}

	assert.Equal(t, 5, registry.Count("alice"))
	assert.True(t, connections[0].closed.Load())
	_, found := registry.Lookup("alice", "conn-0")
	assert.False(t, found)
	for _, conn := range connections[1:] {
		assert.False(t, conn.closed.Load())
	}
}

func TestRegistryEvictionFallsBackToRegistrationOrder(t *testing.T) {
	registry := NewRegistry[string](RegistryConfig{MaxPerOwner: 2})
	stamp := time.Unix(1700000000, 0)

	first := newRecordingConnection("b-first", stamp)
	second := newRecordingConnection("a-second", stamp)
	third := newRecordingConnection("c-third", stamp)
	registry.Register("alice", first.ID(), first)
	registry.Register("alice", second.ID(), second)
	registration := registry.Register("alice", third.ID(), third)

	require.Len(t, registration.Evicted, 1)
	assert.Same(t, first, registration.Evicted[0])
}

func TestRegistryReplacesSameKey(t *testing.T) {
	registry := NewRegistry[int64](RegistryConfig{})
	now := time.Now()

	first := newRecordingConnection("a-1", now)
	other := newRecordingConnection("b-1", now)
	second := newRecordingConnection("a-2", now)

	registry.Register(7, "alice", first)
	registry.Register(7, "bob", other)
	registration := registry.Register(7, "alice", second)

	assert.Same(t, first, registration.Replaced)
	assert.True(t, first.closed.Load())
	assert.Equal(t, 2, registry.Count(7))
	current, found := registry.Lookup(7, "alice")
	require.True(t, found)
	assert.Same(t, second, current)
	assert.Equal(t, []string{"alice", "bob"}, registry.Keys(7))
}

func TestRegistryUnregisterIgnoresStaleConnection(t *testing.T) {
	registry := NewRegistry[int64](RegistryConfig{})
	stale := newRecordingConnection("a-1", time.Now())
	fresh := newRecordingConnection("a-2", time.Now())

	registry.Register(1, "alice", stale)
	registry.Register(1, "alice", fresh)

	assert.False(t, registry.Unregister(1, "alice", stale))
	assert.Equal(t, 1, registry.Count(1))
	assert.False(t, fresh.closed.Load())
}

func TestRegistryUnregisterIsIdempotentAndDropsEmptyOwner(t *testing.T) {
	registry := NewRegistry[string](RegistryConfig{})
	conn := newRecordingConnection("conn-1", time.Now())
	registry.Register("alice", conn.ID(), conn)

	assert.True(t, registry.Unregister("alice", conn.ID(), nil))
	assert.False(t, registry.Unregister("alice", conn.ID(), nil))
	assert.True(t, conn.closed.Load())
	assert.Equal(t, 0, registry.TotalOwners())
	assert.Equal(t, 0, registry.TotalConnections())
}

func TestRegistryForEachContinuesPastFailures(t *testing.T) {
	registry := NewRegistry[string](RegistryConfig{})
	base := time.Unix(1700000000, 0)

	var connections []*recordingConnection
	for index := 0; index < 4; index++ {
		conn := newRecordingConnection(fmt.Sprintf("conn-%d", index), base.Add(time.Duration(index)*time.Second))
		if index == 2 {
			conn.sendErr = errors.New("broken pipe")
		}
		connections = append(connections, conn)
		registry.Register("alice", conn.ID(), conn)
	}

	envelope := NewEnvelope("notice", nil, base)
	result := registry.ForEach("alice", func(_ string, conn Connection) error {
		return conn.Send(envelope)
	})

	assert.Equal(t, 3, result.Delivered)
	require.Len(t, result.Removed, 1)
	assert.Equal(t, "conn-2", result.Removed[0].Key)
	assert.Equal(t, 3, registry.Count("alice"))
	assert.True(t, connections[2].closed.Load())
	for index, conn := range connections {
		if index == 2 {
			continue
		}
		assert.Equal(t, 1, conn.sentCount(), "connection %d", index)
	}
}

func TestRegistryForEachSkip(t *testing.T) {
	registry := NewRegistry[int64](RegistryConfig{})
	alice := newRecordingConnection("a", time.Now())
	bob := newRecordingConnection("b", time.Now())
	registry.Register(3, "alice", alice)
	registry.Register(3, "bob", bob)

	result := registry.ForEach(3, func(key string, conn Connection) error {
		if key == "alice" {
			return ErrSkipConnection
		}
		return conn.Send(Envelope{Type: "user_joined"})
	})

	assert.Equal(t, 1, result.Delivered)
	assert.Empty(t, result.Removed)
	assert.Equal(t, 0, alice.sentCount())
	assert.Equal(t, 1, bob.sentCount())
}

func TestRegistryForEachOwnerRemovesFailedAcrossOwners(t *testing.T) {
	registry := NewRegistry[string](RegistryConfig{})
	healthy := newRecordingConnection("healthy", time.Now())
	broken := newRecordingConnection("broken", time.Now())
	broken.sendErr = ErrTransport
	registry.Register("alice", healthy.ID(), healthy)
	registry.Register("bob", broken.ID(), broken)

	result := registry.ForEachOwner(func(_ string, _ string, conn Connection) error {
		return conn.Send(Envelope{Type: "broadcast"})
	})

	assert.Equal(t, 1, result.Delivered)
	require.Len(t, result.Removed, 1)
	assert.Equal(t, 1, registry.TotalOwners())
	assert.Equal(t, 0, registry.Count("bob"))
}

func TestRegistryRemoveOwnerClosesAll(t *testing.T) {
	registry := NewRegistry[string](RegistryConfig{})
	first := newRecordingConnection("one", time.Now())
	second := newRecordingConnection("two", time.Now())
	registry.Register("alice", first.ID(), first)
	registry.Register("alice", second.ID(), second)

	removed := registry.RemoveOwner("alice")

	assert.Len(t, removed, 2)
	assert.True(t, first.closed.Load())
	assert.True(t, second.closed.Load())
	assert.Equal(t, 0, registry.TotalOwners())
}

func TestRegistryConcurrentRegistration(t *testing.T) {
	registry := NewRegistry[string](RegistryConfig{MaxPerOwner: 5})
	owners := []string{"alice", "bob", "carol"}

	var wg sync.WaitGroup
	for index := 0; index < 90; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			owner := owners[index%len(owners)]
			conn := newRecordingConnection(fmt.Sprintf("conn-%d", index), time.Now())
			registry.Register(owner, conn.ID(), conn)
			registry.ForEach(owner, func(_ string, c Connection) error {
				return c.Send(Envelope{Type: "ping"})
			})
		}(index)
	}
	wg.Wait()

	assert.Equal(t, len(owners), registry.TotalOwners())
	assert.Equal(t, 15, registry.TotalConnections())
	for _, owner := range owners {
		assert.Equal(t, 5, registry.Count(owner))
	}
}
