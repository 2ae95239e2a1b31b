package notifications

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/timeweaver/internal/realtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]Record
	saveErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[int64]Record)}
}

func (s *memoryStore) Save(_ context.Context, record Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return Record{}, s.saveErr
	}
	s.nextID++
	record.ID = s.nextID
	s.records[record.ID] = record
	return record, nil
}

func (s *memoryStore) FindUnreadByUser(_ context.Context, username string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []Record
	for _, record := range s.records {
		if record.Username == username && !record.ReadStatus {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].ID > records[j].ID
		}
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records, nil
}

func (s *memoryStore) FindByID(_ context.Context, id int64) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	return record, ok, nil
}

func (s *memoryStore) DeleteByID(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *memoryStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
	err  error
}

func (p *sequenceIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.next++
	return fmt.Sprintf("stream-%d", p.next), nil
}

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *steppingClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

func newTestEngine(t *testing.T, store Store, sendBuffer int) *Engine {
	t.Helper()
	clock := &steppingClock{current: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	engine, err := NewEngine(EngineConfig{
		Store:      store,
		SendBuffer: sendBuffer,
		Clock:      clock.now,
		IDProvider: &sequenceIDs{},
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return engine
}

func drain(stream *Stream) []realtime.Envelope {
	var envelopes []realtime.Envelope
	for {
		select {
		case envelope := <-stream.Outbound():
			envelopes = append(envelopes, envelope)
		default:
			return envelopes
		}
	}
}

func TestOpenStreamSendsConnectConfirmation(t *testing.T) {
	engine := newTestEngine(t, newMemoryStore(), 8)

	stream, err := engine.OpenStream("alice")
	require.NoError(t, err)

	envelopes := drain(stream)
	require.Len(t, envelopes, 1)
	assert.Equal(t, EventConnect, envelopes[0].Type)
	assert.Equal(t, "Connected to notification stream", envelopes[0].Data["message"])
	assert.Equal(t, stream.ID(), envelopes[0].Data["connectionId"])
	assert.NotNil(t, envelopes[0].Data["timestamp"])
	assert.Equal(t, "alice", stream.Identity())
	assert.Equal(t, 1, engine.UserConnectionCount("alice"))
}

func TestOpenStreamRejectsBlankIdentity(t *testing.T) {
	engine := newTestEngine(t, newMemoryStore(), 8)

	_, err := engine.OpenStream("  ")
	assert.True(t, errors.Is(err, realtime.ErrValidation))
	assert.Equal(t, 0, engine.ActiveUserCount())
}

func TestOpenStreamFailsWhenIDCannotBeIssued(t *testing.T) {
	engine, err := NewEngine(EngineConfig{
		Store:      newMemoryStore(),
		IDProvider: &sequenceIDs{err: errors.New("entropy exhausted")},
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)

	stream, err := engine.OpenStream("alice")
	assert.Nil(t, stream)
	assert.Error(t, err)
	assert.Equal(t, 0, engine.ActiveConnectionCount())
}

func TestCloseStreamIsIdempotent(t *testing.T) {
	engine := newTestEngine(t, newMemoryStore(), 8)
	stream, err := engine.OpenStream("alice")
	require.NoError(t, err)

	engine.CloseStream("alice", stream.ID())
	engine.CloseStream("alice", stream.ID())
	engine.CloseStream("nobody", "missing")

	assert.True(t, stream.Closed())
	assert.Equal(t, 0, engine.UserConnectionCount("alice"))
	assert.Equal(t, 0, engine.ActiveUserCount())
}

func TestSixthStreamEvictsOldest(t *testing.T) {
	engine := newTestEngine(t, newMemoryStore(), 8)

	streams := make([]*Stream, 0, 6)
	for index := 0; index < 6; index++ {
		stream, err := engine.OpenStream("alice")
		require.NoError(t, err)
		streams = append(streams, stream)
	}

	assert.Equal(t, 5, engine.UserConnectionCount("alice"))
	assert.True(t, streams[0].Closed())
	for _, stream := range streams[1:] {
		assert.False(t, stream.Closed())
	}

	confirmations := drain(streams[5])
	require.Len(t, confirmations, 1)
	for _, stream := range streams[1:5] {
		assert.Len(t, drain(stream), 1)
	}
}

func TestNotifyUserPersistsWithoutLiveStreams(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, 8)

	delivery, err := engine.NotifyUser(context.Background(), "bob", "project_invitation", map[string]any{"projectId": float64(3)})
	require.NoError(t, err)

	assert.True(t, delivery.Persisted)
	assert.Equal(t, 0, delivery.Delivered)
	require.NotNil(t, delivery.View.ID)
	assert.Equal(t, 1, store.size())

	stored, found, err := store.FindByID(context.Background(), *delivery.View.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "bob", stored.Username)
	assert.False(t, stored.ReadStatus)
	assert.JSONEq(t, `{"projectId":3}`, stored.DataJSON)
}

func TestNotifyUserDeliversToEveryStream(t *testing.T) {
	engine := newTestEngine(t, newMemoryStore(), 8)
	first, err := engine.OpenStream("bob")
	require.NoError(t, err)
	second, err := engine.OpenStream("bob")
	require.NoError(t, err)
	other, err := engine.OpenStream("carol")
	require.NoError(t, err)
	drain(first)
	drain(second)
	drain(other)

	delivery, err := engine.NotifyUser(context.Background(), "bob", "project_invitation", map[string]any{"projectName": "Launch"})
	require.NoError(t, err)
	assert.Equal(t, 2, delivery.Delivered)
	assert.Equal(t, 0, delivery.Failed)

	for _, stream := range []*Stream{first, second} {
		envelopes := drain(stream)
		require.Len(t, envelopes, 1)
		assert.Equal(t, "project_invitation", envelopes[0].Type)
		assert.Equal(t, *delivery.View.ID, envelopes[0].Data["id"])
		assert.Equal(t, "bob", envelopes[0].Data["username"])
		assert.Equal(t, false, envelopes[0].Data["readStatus"])
		assert.Equal(t, map[string]any{"projectName": "Launch"}, envelopes[0].Data["data"])
	}
	assert.Empty(t, drain(other))
}

func TestNotifyUserFallsBackToTransientView(t *testing.T) {
	store := newMemoryStore()
	store.saveErr = errors.New("database is locked")
	engine := newTestEngine(t, store, 8)
	stream, err := engine.OpenStream("bob")
	require.NoError(t, err)
	drain(stream)

	delivery, err := engine.NotifyUser(context.Background(), "bob", "invitation_accepted", map[string]any{"username": "carol"})
	require.NoError(t, err)

	assert.False(t, delivery.Persisted)
	assert.Nil(t, delivery.View.ID)
	assert.Equal(t, 1, delivery.Delivered)
	envelopes := drain(stream)
	require.Len(t, envelopes, 1)
	assert.Nil(t, envelopes[0].Data["id"])
	assert.Equal(t, 0, store.size())
}

func TestNotifyUserRemovesFailingStreamAfterPass(t *testing.T) {
	engine := newTestEngine(t, newMemoryStore(), 1)
	streams := make([]*Stream, 0, 3)
	for index := 0; index < 3; index++ {
		stream, err := engine.OpenStream("bob")
		require.NoError(t, err)
		streams = append(streams, stream)
	}
	// The middle stream never drains its confirmation, so its buffer stays full.
	drain(streams[0])
	drain(streams[2])

	delivery, err := engine.NotifyUser(context.Background(), "bob", "reminder", map[string]any{"text": "standup"})
	require.NoError(t, err)

	assert.Equal(t, 2, delivery.Delivered)
	assert.Equal(t, 1, delivery.Failed)
	assert.True(t, streams[1].Closed())
	assert.Equal(t, 2, engine.UserConnectionCount("bob"))
	assert.Len(t, drain(streams[0]), 1)
	assert.Len(t, drain(streams[2]), 1)
}

func TestNotifyAllReachesEveryUserWithoutPersisting(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, 8)
	alice, err := engine.OpenStream("alice")
	require.NoError(t, err)
	bob, err := engine.OpenStream("bob")
	require.NoError(t, err)
	drain(alice)
	drain(bob)

	delivery := engine.NotifyAll("maintenance", map[string]any{"message": "down at noon"})

	assert.Equal(t, 2, delivery.Delivered)
	assert.Equal(t, 0, store.size())
	for _, stream := range []*Stream{alice, bob} {
		envelopes := drain(stream)
		require.Len(t, envelopes, 1)
		assert.Equal(t, "maintenance", envelopes[0].Type)
		assert.Equal(t, BroadcastUsername, envelopes[0].Data["username"])
		assert.Nil(t, envelopes[0].Data["id"])
	}
}

func TestListUnreadNewestFirstWithRawFallback(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, 8)
	ctx := context.Background()

	payloads := []any{
		map[string]any{"nested": map[string]any{"list": []any{float64(1), "two", nil}}},
		"plain string",
		float64(42),
		[]any{true, false},
	}
	for _, payload := range payloads {
		_, err := engine.NotifyUser(ctx, "alice", "note", payload)
		require.NoError(t, err)
	}
	broken, err := store.Save(ctx, Record{Username: "alice", EventName: "legacy", DataJSON: "{not json", Timestamp: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	_, err = engine.NotifyUser(ctx, "bob", "note", "for bob")
	require.NoError(t, err)

	views, err := engine.ListUnread(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, views, 5)

	assert.Equal(t, broken.ID, *views[0].ID)
	assert.Equal(t, "{not json", views[0].Data)
	for index, payload := range payloads {
		view := views[len(views)-1-index]
		assert.Equal(t, payload, view.Data)
		assert.Equal(t, "alice", view.Username)
		assert.False(t, view.ReadStatus)
	}
}

func TestMarkReadDeletesOwnNotificationOnly(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, 8)
	ctx := context.Background()

	delivery, err := engine.NotifyUser(ctx, "alice", "note", map[string]any{"n": float64(1)})
	require.NoError(t, err)
	id := *delivery.View.ID

	err = engine.MarkRead(ctx, "mallory", id)
	assert.True(t, errors.Is(err, realtime.ErrForbidden))
	assert.Equal(t, 1, store.size())

	err = engine.MarkRead(ctx, "alice", 9999)
	assert.True(t, errors.Is(err, realtime.ErrNotFound))

	require.NoError(t, engine.MarkRead(ctx, "alice", id))
	assert.Equal(t, 0, store.size())

	err = engine.MarkRead(ctx, "alice", id)
	assert.True(t, errors.Is(err, realtime.ErrNotFound))
}

func TestStreamCloseAndRemoveAllStreams(t *testing.T) {
	engine := newTestEngine(t, newMemoryStore(), 8)
	first, err := engine.OpenStream("alice")
	require.NoError(t, err)
	second, err := engine.OpenStream("alice")
	require.NoError(t, err)
	_, err = engine.OpenStream("bob")
	require.NoError(t, err)

	require.NoError(t, first.Close())
	require.NoError(t, first.Close())
	assert.True(t, first.Closed())
	assert.Equal(t, 1, engine.UserConnectionCount("alice"))
	assert.Equal(t, 2, engine.ActiveConnectionCount())

	assert.Equal(t, 1, engine.RemoveAllStreams("alice"))
	assert.True(t, second.Closed())
	assert.Equal(t, 0, engine.UserConnectionCount("alice"))
	assert.Equal(t, 1, engine.ActiveUserCount())
}

func TestConcurrentOpenNeverExceedsCapacity(t *testing.T) {
	engine := newTestEngine(t, newMemoryStore(), 8)

	var wg sync.WaitGroup
	for index := 0; index < 40; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = engine.OpenStream("alice")
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, engine.UserConnectionCount("alice"))
}

func TestEnvelopeMetricsKeepEventLabelsBounded(t *testing.T) {
	registry := prometheus.NewRegistry()
	engine, err := NewEngine(EngineConfig{
		Store:      newMemoryStore(),
		SendBuffer: 128,
		IDProvider: &sequenceIDs{},
		Metrics:    realtime.NewMetrics(registry),
	})
	require.NoError(t, err)
	_, err = engine.OpenStream("alice")
	require.NoError(t, err)

	for index := 0; index < 50; index++ {
		engine.NotifyAll(fmt.Sprintf("announcement-%d", index), map[string]any{"message": "hello"})
	}
	_, err = engine.NotifyUser(context.Background(), "alice", EventProjectInvitation, map[string]any{"projectId": 1})
	require.NoError(t, err)

	// connect, project_invitation and custom
	assert.Equal(t, 3, testutil.CollectAndCount(registry, "timeweaver_realtime_envelopes_sent_total"))
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "timeweaver_realtime_envelopes_sent_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "type" && label.GetValue() == metricsCustomEvent {
					assert.Equal(t, 50.0, metric.GetCounter().GetValue())
				}
			}
		}
	}
}
