package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/timeweaver/internal/realtime"
	"go.uber.org/zap"
)

const (
	opEngineNew = "rooms.engine.new"
	opJoin      = "rooms.join"
	opAdd       = "rooms.add"
	opUpdate    = "rooms.update"
	opDelete    = "rooms.delete"

	metricsComponent = "rooms"

	messageGenericFailure = "Invalid message format or server error"
	messageAuthRequired   = "Authentication required"
	messageLoadFailed     = "Unable to load project events"
)

var (
	errMissingStore   = errors.New("event store is required")
	errMissingSession = errors.New("identity and project id are required")
	noOpLogger        = zap.NewNop()
)

// Session is the identity context resolved for a room connection.
type Session struct {
	Identity  string
	ProjectID int64
}

func (s Session) valid() bool {
	return strings.TrimSpace(s.Identity) != "" && s.ProjectID > 0
}

// State is the lifecycle position of a room connection.
type State int32

const (
	StateConnecting State = iota
	StateJoined
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Member is a connection that joined a project room.
type Member struct {
	session Session
	conn    realtime.Connection
	state   atomic.Int32
}

func (m *Member) Session() Session {
	return m.session
}

func (m *Member) Connection() realtime.Connection {
	return m.conn
}

func (m *Member) State() State {
	return State(m.state.Load())
}

func (m *Member) transition(from, to State) bool {
	return m.state.CompareAndSwap(int32(from), int32(to))
}

func (m *Member) markClosed() bool {
	for {
		current := m.state.Load()
		if State(current) == StateClosed {
			return false
		}
		if m.state.CompareAndSwap(current, int32(StateClosed)) {
			return true
		}
	}
}

// EngineConfig describes the dependencies of the room engine.
type EngineConfig struct {
	Store   EventStore
	Clock   func() time.Time
	Logger  *zap.Logger
	Metrics *realtime.Metrics
}

// Engine synchronizes edit records across every connection of a project room.
// All methods are safe for concurrent use.
type Engine struct {
	store   EventStore
	rooms   *realtime.Registry[int64]
	locks   *recordLocks
	clock   func() time.Time
	logger  *zap.Logger
	metrics *realtime.Metrics
}

// NewEngine constructs a room engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, realtime.NewServiceError(opEngineNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		store:   cfg.Store,
		rooms:   realtime.NewRegistry[int64](realtime.RegistryConfig{}),
		locks:   newRecordLocks(),
		clock:   clock,
		logger:  logger,
		metrics: cfg.Metrics,
	}, nil
}

// Join registers conn in the room of session.ProjectID, replacing any prior
// connection of the same identity, sends the joiner the project snapshot and
// announces the join to the other members. A session without identity or
// project closes conn without touching any room.
func (e *Engine) Join(ctx context.Context, session Session, conn realtime.Connection) (*Member, error) {
	if !session.valid() {
		_ = conn.Close()
		e.logger.Warn("room connection rejected without identity or project",
			zap.String("connection_id", conn.ID()))
		e.metrics.Operation(metricsComponent, "join", "rejected")
		return nil, realtime.NewServiceError(opJoin, "missing_session",
			fmt.Errorf("%w: %w", realtime.ErrValidation, errMissingSession))
	}

	member := &Member{session: session, conn: conn}
	projectID := session.ProjectID
	username := session.Identity

	registration := e.rooms.Register(projectID, username, conn)
	e.metrics.ConnectionOpened(realtime.ChannelRoom)
	if registration.Replaced != nil {
		e.metrics.ConnectionClosed(realtime.ChannelRoom, "replaced")
		e.logger.Info("room connection replaced",
			zap.String("username", username),
			zap.Int64("project_id", projectID),
			zap.String("replaced_connection_id", registration.Replaced.ID()))
	}

	records, err := e.store.FindByProject(ctx, projectID)
	if err != nil {
		e.logger.Error("failed to load project events",
			zap.String("username", username),
			zap.Int64("project_id", projectID),
			zap.Error(err))
		_ = conn.Send(e.errorEnvelope(messageLoadFailed))
		e.abortJoin(member, registration.Replaced != nil)
		e.metrics.Operation(metricsComponent, "join", "failed")
		return nil, realtime.NewServiceError(opJoin, "load_failed",
			fmt.Errorf("%w: %w", realtime.ErrPersistence, err))
	}

	snapshot := e.buildSnapshot(records)
	now := e.clock()
	success := realtime.NewEnvelope(TypeConnectionSuccess, map[string]any{
		"projectId":     projectID,
		"username":      username,
		"activeUsers":   e.rooms.Keys(projectID),
		"projectEvents": snapshot,
	}, now)
	if err := conn.Send(success); err != nil {
		e.logger.Warn("failed to send room snapshot",
			zap.String("username", username),
			zap.Int64("project_id", projectID),
			zap.Error(err))
		e.metrics.SendFailures(realtime.ChannelRoom, 1)
		e.metrics.Operation(metricsComponent, "join", "failed")
		e.abortJoin(member, registration.Replaced != nil)
		return nil, realtime.NewServiceError(opJoin, "snapshot_send_failed", err)
	}
	e.metrics.EnvelopesSent(realtime.ChannelRoom, TypeConnectionSuccess, 1)
	member.transition(StateConnecting, StateJoined)

	e.logger.Info("room connection established",
		zap.String("username", username),
		zap.Int64("project_id", projectID),
		zap.Int("events", len(snapshot)))

	joined := realtime.NewEnvelope(TypeUserJoined, map[string]any{
		"username":    username,
		"activeUsers": e.rooms.Keys(projectID),
	}, now)
	e.broadcast(projectID, joined, username)
	e.metrics.Operation(metricsComponent, "join", "ok")
	return member, nil
}

// HandleMessage decodes and applies one inbound message from member. Failures
// are answered to the sender alone and never reach other members.
func (e *Engine) HandleMessage(ctx context.Context, member *Member, raw []byte) {
	if member == nil {
		return
	}
	if !member.session.valid() {
		e.reply(member, messageAuthRequired)
		return
	}
	if !e.registered(member) {
		member.markClosed()
		e.logger.Info("dropped message from replaced room connection",
			zap.String("username", member.session.Identity),
			zap.Int64("project_id", member.session.ProjectID),
			zap.String("connection_id", member.conn.ID()))
		e.metrics.Operation(metricsComponent, "handle", "replaced")
		return
	}
	if !member.transition(StateJoined, StateActive) {
		if member.State() == StateClosed {
			return
		}
	} else {
		defer member.transition(StateActive, StateJoined)
	}

	logger := e.logger.With(
		zap.String("username", member.session.Identity),
		zap.Int64("project_id", member.session.ProjectID))
	logger.Debug("room message received", zap.Int("bytes", len(raw)))
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("room message handler panicked", zap.Any("panic", recovered))
			e.metrics.Operation(metricsComponent, "handle", "panic")
			e.reply(member, messageGenericFailure)
		}
	}()

	message, err := DecodeMessage(raw)
	if err != nil {
		logger.Warn("rejected room message", zap.Error(err))
		e.metrics.Operation(metricsComponent, "decode", "rejected")
		e.reply(member, clientMessage(err))
		return
	}

	switch typed := message.(type) {
	case Add:
		err = e.applyAdd(ctx, member, typed)
	case Update:
		err = e.applyUpdate(ctx, member, typed)
	case Delete:
		err = e.applyDelete(ctx, member, typed)
	default:
		logger.Warn("unknown room message type", zap.String("type", message.MessageType()))
		e.metrics.Operation(metricsComponent, "unknown", "dropped")
		return
	}

	if err != nil {
		logger.Warn("room message failed",
			zap.String("type", message.MessageType()),
			zap.Error(err))
		e.metrics.Operation(metricsComponent, message.MessageType(), outcomeOf(err))
		e.reply(member, clientMessage(err))
		return
	}
	e.metrics.Operation(metricsComponent, message.MessageType(), "ok")
}

// Leave removes member from its room. Graceful closes, timeouts and transport
// errors all end here; it is idempotent.
func (e *Engine) Leave(member *Member) {
	if member == nil || !member.markClosed() {
		return
	}
	projectID := member.session.ProjectID
	username := member.session.Identity

	removed := e.rooms.Unregister(projectID, username, member.conn)
	_ = member.conn.Close()
	e.logger.Info("room connection closed",
		zap.String("username", username),
		zap.Int64("project_id", projectID),
		zap.String("connection_id", member.conn.ID()),
		zap.Bool("registered", removed))
	if !removed {
		return
	}
	e.metrics.ConnectionClosed(realtime.ChannelRoom, "closed")
	e.announceLeave(projectID, username)
}

// abortJoin unregisters a member that never announced itself. user_left is
// sent only when the join had replaced a connection the room already knew.
func (e *Engine) abortJoin(member *Member, replaced bool) {
	member.markClosed()
	projectID := member.session.ProjectID
	removed := e.rooms.Unregister(projectID, member.session.Identity, member.conn)
	_ = member.conn.Close()
	if !removed {
		return
	}
	e.metrics.ConnectionClosed(realtime.ChannelRoom, "closed")
	if replaced {
		e.announceLeave(projectID, member.session.Identity)
	}
}

// registered reports whether member still owns its identity's room slot.
func (e *Engine) registered(member *Member) bool {
	conn, ok := e.rooms.Lookup(member.session.ProjectID, member.session.Identity)
	return ok && conn == member.conn
}

// ActiveUsers lists the identities currently joined to projectID.
func (e *Engine) ActiveUsers(projectID int64) []string {
	return e.rooms.Keys(projectID)
}

// ActiveRoomCount returns the number of non-empty rooms.
func (e *Engine) ActiveRoomCount() int {
	return e.rooms.TotalOwners()
}

// ActiveConnectionCount returns the number of joined connections.
func (e *Engine) ActiveConnectionCount() int {
	return e.rooms.TotalConnections()
}

func (e *Engine) applyAdd(ctx context.Context, member *Member, message Add) error {
	projectID := member.session.ProjectID
	unlock := e.locks.lock(message.ID)
	defer unlock()

	existing, found, err := e.store.FindByID(ctx, message.ID)
	if err != nil {
		return realtime.NewServiceError(opAdd, "lookup_failed", fmt.Errorf("%w: %w", realtime.ErrPersistence, err))
	}
	if found && existing.ProjectID != projectID {
		return realtime.NewServiceError(opAdd, "foreign_project", newClientError(realtime.ErrForbidden, "Permission denied to add event."))
	}

	payload, err := json.Marshal(message.Fields)
	if err != nil {
		return realtime.NewServiceError(opAdd, "encode_failed", err)
	}
	record := EditRecord{
		ID:        message.ID,
		ProjectID: projectID,
		Username:  member.session.Identity,
		DataJSON:  string(payload),
	}
	if found {
		record.CreatedAt = existing.CreatedAt
	}
	if _, err := e.store.Save(ctx, record); err != nil {
		return realtime.NewServiceError(opAdd, "save_failed", fmt.Errorf("%w: %w", realtime.ErrPersistence, err))
	}

	e.broadcastChange(member, TypeAdd, message.Fields)
	return nil
}

func (e *Engine) applyUpdate(ctx context.Context, member *Member, message Update) error {
	projectID := member.session.ProjectID
	unlock := e.locks.lock(message.ID)
	defer unlock()

	existing, found, err := e.store.FindByID(ctx, message.ID)
	if err != nil {
		return realtime.NewServiceError(opUpdate, "lookup_failed", fmt.Errorf("%w: %w", realtime.ErrPersistence, err))
	}
	if !found {
		return realtime.NewServiceError(opUpdate, "not_found", newClientError(realtime.ErrNotFound, "Event not found for update."))
	}
	if existing.ProjectID != projectID {
		return realtime.NewServiceError(opUpdate, "foreign_project", newClientError(realtime.ErrForbidden, "Permission denied to update event."))
	}

	payload, err := json.Marshal(message.Fields)
	if err != nil {
		return realtime.NewServiceError(opUpdate, "encode_failed", err)
	}
	existing.DataJSON = string(payload)
	existing.ProjectID = projectID
	existing.Username = member.session.Identity
	if _, err := e.store.Save(ctx, existing); err != nil {
		return realtime.NewServiceError(opUpdate, "save_failed", fmt.Errorf("%w: %w", realtime.ErrPersistence, err))
	}

	e.broadcastChange(member, TypeUpdate, message.Fields)
	return nil
}

func (e *Engine) applyDelete(ctx context.Context, member *Member, message Delete) error {
	projectID := member.session.ProjectID
	unlock := e.locks.lock(message.ID)
	defer unlock()

	existing, found, err := e.store.FindByID(ctx, message.ID)
	if err != nil {
		return realtime.NewServiceError(opDelete, "lookup_failed", fmt.Errorf("%w: %w", realtime.ErrPersistence, err))
	}
	if !found {
		return realtime.NewServiceError(opDelete, "not_found", newClientError(realtime.ErrNotFound, "Event not found for deletion."))
	}
	if existing.ProjectID != projectID {
		return realtime.NewServiceError(opDelete, "foreign_project", newClientError(realtime.ErrForbidden, "Permission denied to delete event."))
	}
	if err := e.store.DeleteByID(ctx, message.ID); err != nil {
		return realtime.NewServiceError(opDelete, "delete_failed", fmt.Errorf("%w: %w", realtime.ErrPersistence, err))
	}

	e.broadcastChange(member, TypeDelete, map[string]any{fieldID: message.ID})
	return nil
}

// broadcastChange runs under the record lock so persist and broadcast of one
// record id are never interleaved with another change to it.
func (e *Engine) broadcastChange(member *Member, messageType string, data map[string]any) {
	fields := make(map[string]any, len(data))
	for key, value := range data {
		fields[key] = value
	}
	envelope := realtime.NewEnvelope(messageType, map[string]any{
		"data":     fields,
		"username": member.session.Identity,
	}, e.clock())
	e.broadcast(member.session.ProjectID, envelope, "")
}

// broadcast sends envelope to every member except the one keyed by except.
// Members whose send fails are dropped after the pass and announced as left.
func (e *Engine) broadcast(projectID int64, envelope realtime.Envelope, except string) int {
	result := e.rooms.ForEach(projectID, func(key string, conn realtime.Connection) error {
		if except != "" && key == except {
			return realtime.ErrSkipConnection
		}
		return conn.Send(envelope)
	})
	e.metrics.EnvelopesSent(realtime.ChannelRoom, envelope.Type, result.Delivered)
	e.metrics.SendFailures(realtime.ChannelRoom, len(result.Removed))
	for _, dropped := range result.Removed {
		e.metrics.ConnectionClosed(realtime.ChannelRoom, "send_failed")
		e.logger.Warn("dropped room connection after send failure",
			zap.String("username", dropped.Key),
			zap.Int64("project_id", projectID),
			zap.String("connection_id", dropped.Conn.ID()))
		e.announceLeave(projectID, dropped.Key)
	}
	return result.Delivered
}

func (e *Engine) announceLeave(projectID int64, username string) {
	if e.rooms.Count(projectID) == 0 {
		e.logger.Info("room discarded", zap.Int64("project_id", projectID))
		return
	}
	left := realtime.NewEnvelope(TypeUserLeft, map[string]any{
		"username":    username,
		"activeUsers": e.rooms.Keys(projectID),
	}, e.clock())
	e.broadcast(projectID, left, "")
}

func (e *Engine) reply(member *Member, message string) {
	if err := member.conn.Send(e.errorEnvelope(message)); err != nil {
		e.metrics.SendFailures(realtime.ChannelRoom, 1)
		e.logger.Warn("failed to send room error",
			zap.String("username", member.session.Identity),
			zap.Error(err))
		return
	}
	e.metrics.EnvelopesSent(realtime.ChannelRoom, TypeError, 1)
}

func (e *Engine) errorEnvelope(message string) realtime.Envelope {
	return realtime.NewEnvelope(TypeError, map[string]any{"message": message}, e.clock())
}

// buildSnapshot parses stored payloads, dropping records whose payload is not
// a JSON object. A blank payload yields a record carrying only its id.
func (e *Engine) buildSnapshot(records []EditRecord) []map[string]any {
	snapshot := make([]map[string]any, 0, len(records))
	for _, record := range records {
		content := map[string]any{}
		if strings.TrimSpace(record.DataJSON) == "" {
			e.logger.Warn("event data is blank, sending id only", zap.String("event_id", record.ID))
		} else if err := json.Unmarshal([]byte(record.DataJSON), &content); err != nil {
			e.logger.Error("failed to deserialize event data",
				zap.String("event_id", record.ID),
				zap.String("raw_data", record.DataJSON),
				zap.Error(err))
			continue
		}
		if content == nil {
			content = map[string]any{}
		}
		content[fieldID] = record.ID
		snapshot = append(snapshot, content)
	}
	return snapshot
}

// clientError pairs a taxonomy sentinel with the text returned to the sender.
type clientError struct {
	kind    error
	message string
}

func newClientError(kind error, message string) error {
	return &clientError{kind: kind, message: message}
}

func (e *clientError) Error() string {
	return e.message
}

func (e *clientError) Unwrap() error {
	return e.kind
}

func clientMessage(err error) string {
	var protocolErr *protocolError
	if errors.As(err, &protocolErr) {
		return protocolErr.message
	}
	var clientErr *clientError
	if errors.As(err, &clientErr) {
		return clientErr.message
	}
	return messageGenericFailure
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, realtime.ErrValidation):
		return "rejected"
	case errors.Is(err, realtime.ErrNotFound):
		return "not_found"
	case errors.Is(err, realtime.ErrForbidden):
		return "forbidden"
	case errors.Is(err, realtime.ErrPersistence):
		return "persistence_error"
	default:
		return "error"
	}
}

// recordLocks serializes changes to the same record id.
type recordLocks struct {
	mu      sync.Mutex
	entries map[string]*recordLock
}

type recordLock struct {
	mu   sync.Mutex
	refs int
}

func newRecordLocks() *recordLocks {
	return &recordLocks{entries: make(map[string]*recordLock)}
}

func (l *recordLocks) lock(id string) func() {
	l.mu.Lock()
	entry, ok := l.entries[id]
	if !ok {
		entry = &recordLock{}
		l.entries[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, id)
		}
		l.mu.Unlock()
	}
}
