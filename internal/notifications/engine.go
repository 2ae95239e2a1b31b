package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/timeweaver/internal/realtime"
	"go.uber.org/zap"
)

const (
	// EventConnect is the confirmation sent on every new stream.
	EventConnect = "connect"
	// EventProjectInvitation tells a user they were invited to a project.
	EventProjectInvitation = "project_invitation"
	// EventInvitationAccepted tells an inviter the invitation was accepted.
	EventInvitationAccepted = "invitation_accepted"
	// BroadcastUsername addresses views that belong to every user.
	BroadcastUsername = "broadcast"

	// metricsCustomEvent labels every event name outside knownEvents.
	metricsCustomEvent = "custom"

	defaultMaxConnectionsPerUser = 5
	connectMessage               = "Connected to notification stream"
	metricsComponent             = "notifications"

	opEngineNew  = "notifications.engine.new"
	opOpenStream = "notifications.open_stream"
	opNotifyUser = "notifications.notify_user"
	opListUnread = "notifications.list_unread"
	opMarkRead   = "notifications.mark_read"
)

var (
	errMissingStore    = errors.New("notification store is required")
	errMissingIdentity = errors.New("identity is required")
	errMissingEvent    = errors.New("event name is required")
	noOpLogger         = zap.NewNop()

	knownEvents = map[string]struct{}{
		EventConnect:            {},
		EventProjectInvitation:  {},
		EventInvitationAccepted: {},
	}
)

// EngineConfig describes the dependencies of the notification fan-out engine.
type EngineConfig struct {
	Store                 Store
	MaxConnectionsPerUser int
	SendBuffer            int
	Clock                 func() time.Time
	IDProvider            realtime.IDProvider
	Logger                *zap.Logger
	Metrics               *realtime.Metrics
}

// Engine persists notifications and delivers them to the live streams of
// their owners. All methods are safe for concurrent use.
type Engine struct {
	store      Store
	streams    *realtime.Registry[string]
	sendBuffer int
	clock      func() time.Time
	ids        realtime.IDProvider
	logger     *zap.Logger
	metrics    *realtime.Metrics
}

// Delivery reports the outcome of one notification.
type Delivery struct {
	View      View
	Persisted bool
	Delivered int
	Failed    int
}

// Stream is one live push connection of a user.
type Stream struct {
	*realtime.Queue
	identity string
	engine   *Engine
}

// Identity returns the owner of the stream.
func (s *Stream) Identity() string {
	return s.identity
}

// Close unregisters the stream. Completion, timeout and error paths all end
// here and it may be called more than once.
func (s *Stream) Close() error {
	s.engine.CloseStream(s.identity, s.ID())
	return nil
}

// NewEngine constructs a notification engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, realtime.NewServiceError(opEngineNew, "missing_store", errMissingStore)
	}
	maxConnections := cfg.MaxConnectionsPerUser
	if maxConnections <= 0 {
		maxConnections = defaultMaxConnectionsPerUser
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = realtime.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		store:      cfg.Store,
		streams:    realtime.NewRegistry[string](realtime.RegistryConfig{MaxPerOwner: maxConnections}),
		sendBuffer: cfg.SendBuffer,
		clock:      clock,
		ids:        ids,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// OpenStream registers a new push stream for identity, evicting the oldest
// stream when the user is at capacity, and sends the connect confirmation on
// the new stream only. A stream whose confirmation cannot be sent is
// unregistered before OpenStream returns.
func (e *Engine) OpenStream(identity string) (*Stream, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, realtime.NewServiceError(opOpenStream, "missing_identity",
			fmt.Errorf("%w: %w", realtime.ErrValidation, errMissingIdentity))
	}
	connectionID, err := e.ids.NewID()
	if err != nil {
		return nil, realtime.NewServiceError(opOpenStream, "id_failed", err)
	}

	now := e.clock()
	stream := &Stream{
		Queue:    realtime.NewQueue(connectionID, now, e.sendBuffer),
		identity: identity,
		engine:   e,
	}
	registration := e.streams.Register(identity, connectionID, stream.Queue)
	e.metrics.ConnectionOpened(realtime.ChannelStream)
	for _, evicted := range registration.Evicted {
		e.metrics.ConnectionClosed(realtime.ChannelStream, "evicted")
		e.logger.Info("evicted oldest notification stream",
			zap.String("username", identity),
			zap.String("connection_id", evicted.ID()))
	}

	confirmation := realtime.NewEnvelope(EventConnect, map[string]any{
		"message":      connectMessage,
		"connectionId": connectionID,
	}, now)
	if err := stream.Queue.Send(confirmation); err != nil {
		e.logger.Error("failed to send notification stream confirmation",
			zap.String("username", identity),
			zap.String("connection_id", connectionID),
			zap.Error(err))
		e.metrics.SendFailures(realtime.ChannelStream, 1)
		e.CloseStream(identity, connectionID)
		return nil, realtime.NewServiceError(opOpenStream, "confirmation_failed", err)
	}
	e.metrics.EnvelopesSent(realtime.ChannelStream, EventConnect, 1)

	e.logger.Info("notification stream established",
		zap.String("username", identity),
		zap.String("connection_id", connectionID))
	return stream, nil
}

// CloseStream unregisters one stream of identity. It is idempotent.
func (e *Engine) CloseStream(identity, connectionID string) {
	if !e.streams.Unregister(identity, connectionID, nil) {
		return
	}
	e.metrics.ConnectionClosed(realtime.ChannelStream, "closed")
	e.logger.Info("notification stream closed",
		zap.String("username", identity),
		zap.String("connection_id", connectionID))
	if e.streams.Count(identity) == 0 {
		e.logger.Debug("no notification streams left for user", zap.String("username", identity))
	}
}

// RemoveAllStreams closes every stream of identity.
func (e *Engine) RemoveAllStreams(identity string) int {
	closed := e.streams.RemoveOwner(identity)
	for range closed {
		e.metrics.ConnectionClosed(realtime.ChannelStream, "removed")
	}
	if len(closed) > 0 {
		e.logger.Info("closed all notification streams",
			zap.String("username", identity),
			zap.Int("count", len(closed)))
	}
	return len(closed)
}

// NotifyUser persists a notification for identity and delivers it to every
// live stream of that user. A persistence failure is logged and delivery
// continues with a transient view.
func (e *Engine) NotifyUser(ctx context.Context, identity, eventName string, payload any) (Delivery, error) {
	identity = strings.TrimSpace(identity)
	eventName = strings.TrimSpace(eventName)
	if identity == "" {
		return Delivery{}, realtime.NewServiceError(opNotifyUser, "missing_identity",
			fmt.Errorf("%w: %w", realtime.ErrValidation, errMissingIdentity))
	}
	if eventName == "" {
		return Delivery{}, realtime.NewServiceError(opNotifyUser, "missing_event",
			fmt.Errorf("%w: %w", realtime.ErrValidation, errMissingEvent))
	}

	now := e.clock().UTC()
	delivery := Delivery{View: View{
		Username:  identity,
		EventName: eventName,
		Data:      payload,
		Timestamp: now,
	}}

	saved, err := e.persist(ctx, identity, eventName, payload, now)
	if err != nil {
		e.logger.Error("failed to persist notification, delivering transient view",
			zap.String("username", identity),
			zap.String("event", eventName),
			zap.Error(err))
		e.metrics.Operation(metricsComponent, "persist", "persistence_error")
	} else {
		id := saved.ID
		delivery.View.ID = &id
		delivery.View.Timestamp = saved.Timestamp
		delivery.Persisted = true
		e.metrics.Operation(metricsComponent, "persist", "ok")
		e.logger.Info("notification persisted",
			zap.String("username", identity),
			zap.String("event", eventName),
			zap.Int64("notification_id", id))
	}

	envelope := realtime.NewEnvelope(eventName, delivery.View.Payload(), now)
	result := e.streams.ForEach(identity, func(_ string, conn realtime.Connection) error {
		return conn.Send(envelope)
	})
	delivery.Delivered = result.Delivered
	delivery.Failed = len(result.Removed)
	e.recordPass(eventName, result)
	return delivery, nil
}

// NotifyAll delivers one transient view to every registered stream. Broadcast
// notifications are not persisted.
func (e *Engine) NotifyAll(eventName string, payload any) Delivery {
	now := e.clock().UTC()
	view := View{
		Username:  BroadcastUsername,
		EventName: strings.TrimSpace(eventName),
		Data:      payload,
		Timestamp: now,
	}
	envelope := realtime.NewEnvelope(view.EventName, view.Payload(), now)
	result := e.streams.ForEachOwner(func(_ string, _ string, conn realtime.Connection) error {
		return conn.Send(envelope)
	})
	e.recordPass(view.EventName, result)
	e.logger.Info("broadcast notification delivered",
		zap.String("event", view.EventName),
		zap.Int("delivered", result.Delivered),
		zap.Int("failed", len(result.Removed)))
	return Delivery{View: view, Delivered: result.Delivered, Failed: len(result.Removed)}
}

// ListUnread returns the unread notifications of identity, newest first. A
// stored payload that does not parse is returned as its raw string.
func (e *Engine) ListUnread(ctx context.Context, identity string) ([]View, error) {
	records, err := e.store.FindUnreadByUser(ctx, identity)
	if err != nil {
		return nil, realtime.NewServiceError(opListUnread, "query_failed",
			fmt.Errorf("%w: %w", realtime.ErrPersistence, err))
	}
	views := make([]View, 0, len(records))
	for _, record := range records {
		views = append(views, e.toView(record))
	}
	return views, nil
}

// MarkRead deletes notification id on behalf of identity. An unknown id fails
// with ErrNotFound and another user's notification with ErrForbidden.
func (e *Engine) MarkRead(ctx context.Context, identity string, id int64) error {
	record, found, err := e.store.FindByID(ctx, id)
	if err != nil {
		return realtime.NewServiceError(opMarkRead, "lookup_failed",
			fmt.Errorf("%w: %w", realtime.ErrPersistence, err))
	}
	if !found {
		e.metrics.Operation(metricsComponent, "mark_read", "not_found")
		return realtime.NewServiceError(opMarkRead, "not_found",
			fmt.Errorf("%w: notification %d", realtime.ErrNotFound, id))
	}
	if record.Username != identity {
		e.logger.Warn("refused to mark foreign notification as read",
			zap.String("username", identity),
			zap.String("owner", record.Username),
			zap.Int64("notification_id", id))
		e.metrics.Operation(metricsComponent, "mark_read", "forbidden")
		return realtime.NewServiceError(opMarkRead, "forbidden",
			fmt.Errorf("%w: notification %d", realtime.ErrForbidden, id))
	}
	if err := e.store.DeleteByID(ctx, id); err != nil {
		return realtime.NewServiceError(opMarkRead, "delete_failed",
			fmt.Errorf("%w: %w", realtime.ErrPersistence, err))
	}
	e.metrics.Operation(metricsComponent, "mark_read", "ok")
	e.logger.Info("notification removed",
		zap.String("username", identity),
		zap.Int64("notification_id", id))
	return nil
}

// ActiveUserCount returns the number of users with at least one stream.
func (e *Engine) ActiveUserCount() int {
	return e.streams.TotalOwners()
}

// ActiveConnectionCount returns the number of open streams.
func (e *Engine) ActiveConnectionCount() int {
	return e.streams.TotalConnections()
}

// UserConnectionCount returns the number of open streams of identity.
func (e *Engine) UserConnectionCount(identity string) int {
	return e.streams.Count(identity)
}

func (e *Engine) persist(ctx context.Context, identity, eventName string, payload any, now time.Time) (Record, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("encode payload: %w", err)
	}
	saved, err := e.store.Save(ctx, Record{
		Username:   identity,
		EventName:  eventName,
		DataJSON:   string(encoded),
		Timestamp:  now,
		ReadStatus: false,
	})
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", realtime.ErrPersistence, err)
	}
	return saved, nil
}

func (e *Engine) recordPass(eventName string, result realtime.PassResult) {
	e.metrics.EnvelopesSent(realtime.ChannelStream, metricsEventLabel(eventName), result.Delivered)
	e.metrics.SendFailures(realtime.ChannelStream, len(result.Removed))
	for _, dropped := range result.Removed {
		e.metrics.ConnectionClosed(realtime.ChannelStream, "send_failed")
		e.logger.Warn("dropped notification stream after send failure",
			zap.String("connection_id", dropped.Key),
			zap.String("event", eventName))
	}
}

// metricsEventLabel bounds the label values derived from caller-chosen names.
func metricsEventLabel(eventName string) string {
	if _, ok := knownEvents[eventName]; ok {
		return eventName
	}
	return metricsCustomEvent
}

func (e *Engine) toView(record Record) View {
	id := record.ID
	view := View{
		ID:         &id,
		Username:   record.Username,
		EventName:  record.EventName,
		Timestamp:  record.Timestamp,
		ReadStatus: record.ReadStatus,
	}
	if record.DataJSON == "" {
		return view
	}
	var data any
	if err := json.Unmarshal([]byte(record.DataJSON), &data); err != nil {
		e.logger.Warn("notification data is not valid JSON, returning raw string",
			zap.Int64("notification_id", record.ID),
			zap.Error(err))
		view.Data = record.DataJSON
		return view
	}
	view.Data = data
	return view
}
