package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/airlock/internal/airlock"
)

// Store persists audit events.
type Store interface {
	AppendAudit(ctx context.Context, ev airlock.AuditEvent) error
}

// Logger is a fire-and-forget audit sink. LogEvent never blocks the caller;
// events are written by Run in the background.
type Logger struct {
	store   Store
	events  chan airlock.AuditEvent
	timeout time.Duration
	logger  *slog.Logger
}

// NewLogger creates a Logger with a queue of the given size.
// If buffer is <= 0, it defaults to 256.
func NewLogger(store Store, buffer int) *Logger {
	if buffer <= 0 {
		buffer = 256
	}
	return &Logger{
		store:   store,
		events:  make(chan airlock.AuditEvent, buffer),
		timeout: 5 * time.Second,
		logger:  slog.Default(),
	}
}

// LogEvent queues an audit event. When the queue is full the event is
// dropped and a warning is logged.
func (l *Logger) LogEvent(eventType, entityType, entityID, actorType, actorID, action string, details map[string]any) {
	ev := airlock.AuditEvent{
		ID:         uuid.NewString(),
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		ActorType:  actorType,
		ActorID:    actorID,
		Action:     action,
		Details:    json.RawMessage(`{}`),
		CreatedAt:  time.Now().UTC(),
	}
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			l.logger.Warn("audit details not serialisable", "event_type", eventType, "error", err)
		} else {
			ev.Details = b
		}
	}

	select {
	case l.events <- ev:
	default:
		l.logger.Warn("audit queue full, dropping event", "event_type", eventType, "entity_id", entityID)
	}
}

// Run writes queued events until ctx is cancelled, then flushes what is
// already queued.
func (l *Logger) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.flush()
			return
		case ev := <-l.events:
			if err := l.write(context.Background(), ev); err != nil {
				l.logger.Error("audit write failed", "event_type", ev.EventType, "entity_id", ev.EntityID, "error", err)
			}
		}
	}
}

// RunOnce writes a single queued event if one is available.
// Returns true if an event was taken from the queue.
func (l *Logger) RunOnce(ctx context.Context) (bool, error) {
	select {
	case ev := <-l.events:
		if err := l.write(ctx, ev); err != nil {
			return true, err
		}
		return true, nil
	default:
		return false, nil
	}
}

func (l *Logger) flush() {
	for {
		done, err := l.RunOnce(context.Background())
		if err != nil {
			l.logger.Error("audit write failed during shutdown", "error", err)
		}
		if !done {
			return
		}
	}
}

func (l *Logger) write(ctx context.Context, ev airlock.AuditEvent) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.store.AppendAudit(ctx, ev); err != nil {
		return fmt.Errorf("writing audit event %s: %w", ev.ID, err)
	}
	return nil
}

// Discard is a sink that drops every event.
type Discard struct{}

func (Discard) LogEvent(eventType, entityType, entityID, actorType, actorID, action string, details map[string]any) {
}
