package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/airlock/internal/airlock"
	"github.com/kalambet/airlock/internal/realtime"
	"github.com/kalambet/airlock/internal/storage"
)

// ErrNoChanges is returned by UpdateItem when the patch changes nothing.
var ErrNoChanges = errors.New("no changes")

// Store is the persistence the review workflow needs.
type Store interface {
	CreateItem(ctx context.Context, in airlock.NewItem) (airlock.Item, airlock.ChatMessage, error)
	GetItem(ctx context.Context, id string) (airlock.Item, error)
	ListItems(ctx context.Context, f airlock.ItemFilter) ([]airlock.Item, error)
	MutateItem(ctx context.Context, id string, fn storage.Mutation) (airlock.Item, airlock.ChatMessage, error)
	CreateRevision(ctx context.Context, itemID string, in airlock.NewRevision) (storage.RevisionResult, error)
	ListRevisions(ctx context.Context, itemID string) ([]airlock.Revision, error)
	AppendMessage(ctx context.Context, itemID string, in airlock.NewMessage) (airlock.ChatMessage, error)
	ListMessages(ctx context.Context, itemID string, limit, offset int) ([]airlock.ChatMessage, error)
	AppendFeedback(ctx context.Context, itemID string, in airlock.NewFeedback, senderType airlock.ParticipantType) (airlock.Feedback, airlock.ChatMessage, error)
	ListFeedback(ctx context.Context, itemID string, limit, offset int) ([]airlock.Feedback, error)
	ListAudit(ctx context.Context, entityType, entityID string, limit, offset int) ([]airlock.AuditEvent, error)
	Stats(ctx context.Context, reviewerID string) (airlock.DashboardStats, error)
	Ping(ctx context.Context) error
}

// Broadcaster fans events out to the live connections of an item.
type Broadcaster interface {
	Broadcast(itemID string, ev realtime.Event, exclude string)
	ClearTyping(itemID, userID string)
}

// AuditSink records audit events without blocking the caller.
type AuditSink interface {
	LogEvent(eventType, entityType, entityID, actorType, actorID, action string, details map[string]any)
}

const entityItem = "airlock_item"

// Service is the single entry point for every review operation. Each state
// change is one store transaction followed by one broadcast, both under a
// per-item lock so clients observe events in commit order.
type Service struct {
	store  Store
	hub    Broadcaster
	audit  AuditSink
	locks  *keyedMutex
	logger *slog.Logger
}

func NewService(store Store, hub Broadcaster, audit AuditSink) *Service {
	return &Service{
		store:  store,
		hub:    hub,
		audit:  audit,
		locks:  newKeyedMutex(),
		logger: slog.Default(),
	}
}

// itemUpdate is the payload of item_updated events.
type itemUpdate struct {
	Item          airlock.Item        `json:"item"`
	Action        string              `json:"action"`
	Actor         string              `json:"actor"`
	Changes       airlock.Changes     `json:"changes,omitempty"`
	SystemMessage airlock.ChatMessage `json:"system_message"`
}

type revisionCreated struct {
	Revision      airlock.Revision    `json:"revision"`
	ItemStatus    airlock.Status      `json:"item_status"`
	SystemMessage airlock.ChatMessage `json:"system_message"`
}

// --- Items ---

func (s *Service) CreateItem(ctx context.Context, in airlock.NewItem) (airlock.Item, error) {
	if err := in.Validate(); err != nil {
		return airlock.Item{}, err
	}
	it, _, err := s.store.CreateItem(ctx, in)
	if err != nil {
		return airlock.Item{}, err
	}

	actor := in.CreatedByAgentID
	if actor == "" {
		actor = in.SourceService
	}
	s.audit.LogEvent("airlock_item_created", entityItem, it.ID, "agent", actor, "created", map[string]any{
		"content_type":   it.ContentType,
		"source_service": it.SourceService,
		"source_id":      it.SourceID,
		"priority":       it.Priority,
	})
	if it.AssignedReviewerID != "" {
		s.notifyReviewer(it)
	}
	s.logger.Info("item submitted", "item_id", it.ID, "content_type", it.ContentType, "source_service", it.SourceService)
	return it, nil
}

func (s *Service) GetItem(ctx context.Context, id string) (airlock.Item, error) {
	return s.store.GetItem(ctx, id)
}

func (s *Service) ListItems(ctx context.Context, f airlock.ItemFilter) ([]airlock.Item, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, &airlock.ValidationError{Field: "status", Reason: "has unknown value " + string(f.Status)}
	}
	if f.ContentType != "" && !f.ContentType.Valid() {
		return nil, &airlock.ValidationError{Field: "content_type", Reason: "has unknown value " + string(f.ContentType)}
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return nil, &airlock.ValidationError{Field: "priority", Reason: "has unknown value " + string(f.Priority)}
	}
	return s.store.ListItems(ctx, f)
}

// UpdateItem applies a generic patch. It returns ErrNoChanges when nothing
// would change; nothing is written or broadcast in that case.
func (s *Service) UpdateItem(ctx context.Context, id string, p airlock.Patch, updatedBy string) (airlock.Item, error) {
	if updatedBy == "" {
		updatedBy = "system"
	}
	if err := p.Validate(); err != nil {
		return airlock.Item{}, err
	}

	var changes airlock.Changes
	var prevReviewer string
	return s.mutate(ctx, id, "update", updatedBy, func(it *airlock.Item, at time.Time) (storage.Note, error) {
		prevReviewer = it.AssignedReviewerID
		var err error
		changes, err = it.ApplyPatch(p, updatedBy, at)
		if err != nil {
			return storage.Note{}, err
		}
		if len(changes) == 0 {
			return storage.Note{}, ErrNoChanges
		}
		return storage.Note{
			Content:  airlock.TransitionSummary("update", *it, updatedBy),
			Metadata: map[string]any{"event": "item_updated", "changes": changes},
		}, nil
	}, func(it airlock.Item) (airlock.Changes, map[string]any) {
		if it.AssignedReviewerID != "" && it.AssignedReviewerID != prevReviewer {
			s.notifyReviewer(it)
		}
		return changes, map[string]any{"changes": changes}
	})
}

// Approve moves a pending item to approved.
func (s *Service) Approve(ctx context.Context, id, reviewerID, comments string) (airlock.Item, error) {
	if reviewerID == "" {
		return airlock.Item{}, &airlock.ValidationError{Field: "reviewer_id", Reason: "is required"}
	}
	return s.mutate(ctx, id, "approve", reviewerID, func(it *airlock.Item, at time.Time) (storage.Note, error) {
		if err := it.Approve(reviewerID, at); err != nil {
			return storage.Note{}, err
		}
		return storage.Note{
			Content:  airlock.TransitionSummary("approve", *it, reviewerID),
			Metadata: map[string]any{"event": "item_approved", "comments": comments},
		}, nil
	}, func(airlock.Item) (airlock.Changes, map[string]any) {
		return nil, map[string]any{"comments": comments}
	})
}

// Reject moves a pending item to rejected.
func (s *Service) Reject(ctx context.Context, id, reviewerID, reason, comments string) (airlock.Item, error) {
	if reviewerID == "" {
		return airlock.Item{}, &airlock.ValidationError{Field: "reviewer_id", Reason: "is required"}
	}
	if reason == "" {
		return airlock.Item{}, &airlock.ValidationError{Field: "reason", Reason: "is required"}
	}
	return s.mutate(ctx, id, "reject", reviewerID, func(it *airlock.Item, at time.Time) (storage.Note, error) {
		if err := it.Reject(reviewerID, reason, at); err != nil {
			return storage.Note{}, err
		}
		return storage.Note{
			Content:  airlock.TransitionSummary("reject", *it, reviewerID),
			Metadata: map[string]any{"event": "item_rejected", "reason": reason, "comments": comments},
		}, nil
	}, func(airlock.Item) (airlock.Changes, map[string]any) {
		return nil, map[string]any{"reason": reason, "comments": comments}
	})
}

// RequestChanges sends a pending item back to its producer.
func (s *Service) RequestChanges(ctx context.Context, id, reviewerID, reason string, required []string) (airlock.Item, error) {
	if reviewerID == "" {
		return airlock.Item{}, &airlock.ValidationError{Field: "reviewer_id", Reason: "is required"}
	}
	if reason == "" {
		return airlock.Item{}, &airlock.ValidationError{Field: "reason", Reason: "is required"}
	}
	return s.mutate(ctx, id, "request_changes", reviewerID, func(it *airlock.Item, at time.Time) (storage.Note, error) {
		if err := it.RequestChanges(reviewerID, reason, at); err != nil {
			return storage.Note{}, err
		}
		return storage.Note{
			Content:  airlock.TransitionSummary("request_changes", *it, reviewerID),
			Metadata: map[string]any{"event": "changes_requested", "reason": reason, "required_changes": required},
		}, nil
	}, func(airlock.Item) (airlock.Changes, map[string]any) {
		return nil, map[string]any{"reason": reason, "required_changes": required}
	})
}

// Resubmit puts a draft, rejected or revised item back in the review queue.
func (s *Service) Resubmit(ctx context.Context, id, submittedBy, comments string) (airlock.Item, error) {
	if submittedBy == "" {
		return airlock.Item{}, &airlock.ValidationError{Field: "submitted_by", Reason: "is required"}
	}
	var from airlock.Status
	return s.mutate(ctx, id, "resubmit", submittedBy, func(it *airlock.Item, at time.Time) (storage.Note, error) {
		from = it.Status
		if err := it.Resubmit(at); err != nil {
			return storage.Note{}, err
		}
		return storage.Note{
			Content:  airlock.TransitionSummary("resubmit", *it, submittedBy),
			Metadata: map[string]any{"event": "review_requested", "previous_status": from, "comments": comments},
		}, nil
	}, func(it airlock.Item) (airlock.Changes, map[string]any) {
		if it.AssignedReviewerID != "" {
			s.notifyReviewer(it)
		}
		return airlock.Changes{"status": airlock.FieldChange{From: from, To: it.Status}},
			map[string]any{"previous_status": from, "comments": comments}
	})
}

// mutate runs one locked write and broadcasts item_updated after commit.
// after runs once the write succeeded and returns the changes to publish
// and the audit details.
func (s *Service) mutate(ctx context.Context, id, action, actor string, fn storage.Mutation, after func(airlock.Item) (airlock.Changes, map[string]any)) (airlock.Item, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	it, msg, err := s.store.MutateItem(ctx, id, fn)
	if err != nil {
		return airlock.Item{}, err
	}
	changes, details := after(it)

	s.hub.Broadcast(id, realtime.NewEvent(realtime.EventItemUpdated, itemUpdate{
		Item:          it,
		Action:        action,
		Actor:         actor,
		Changes:       changes,
		SystemMessage: msg,
	}), "")

	if details == nil {
		details = map[string]any{}
	}
	details["status"] = it.Status
	s.audit.LogEvent("airlock_item_"+action, entityItem, id, "human", actor, action, details)
	s.logger.Info("item "+action, "item_id", id, "actor", actor, "status", it.Status)
	return it, nil
}

func (s *Service) notifyReviewer(it airlock.Item) {
	s.logger.Info("reviewer assigned", "item_id", it.ID, "reviewer_id", it.AssignedReviewerID, "title", it.Title)
}

// --- Revisions ---

func (s *Service) CreateRevision(ctx context.Context, itemID string, in airlock.NewRevision) (airlock.Revision, error) {
	if err := in.Validate(); err != nil {
		return airlock.Revision{}, err
	}
	unlock := s.locks.Lock(itemID)
	defer unlock()

	res, err := s.store.CreateRevision(ctx, itemID, in)
	if err != nil {
		return airlock.Revision{}, err
	}

	s.hub.Broadcast(itemID, realtime.NewEvent(realtime.EventNewRevision, revisionCreated{
		Revision:      res.Revision,
		ItemStatus:    res.Item.Status,
		SystemMessage: res.Message,
	}), "")
	s.audit.LogEvent("airlock_revision_created", entityItem, itemID, "agent", in.CreatedBy, "revised", map[string]any{
		"revision_id":     res.Revision.ID,
		"revision_number": res.Revision.RevisionNumber,
		"changes_summary": in.ChangesSummary,
	})
	s.logger.Info("revision created", "item_id", itemID, "revision", res.Revision.RevisionNumber, "created_by", in.CreatedBy)
	return res.Revision, nil
}

func (s *Service) ListRevisions(ctx context.Context, itemID string) ([]airlock.Revision, error) {
	return s.store.ListRevisions(ctx, itemID)
}

// --- Chat and feedback ---

// AppendMessage stores a chat message and broadcasts it. originConn is the
// connection that sent it over the real-time channel, or "" for REST.
func (s *Service) AppendMessage(ctx context.Context, itemID string, in airlock.NewMessage, originConn string) (airlock.ChatMessage, error) {
	if err := in.Validate(); err != nil {
		return airlock.ChatMessage{}, err
	}
	unlock := s.locks.Lock(itemID)
	defer unlock()

	msg, err := s.store.AppendMessage(ctx, itemID, in)
	if err != nil {
		return airlock.ChatMessage{}, err
	}
	s.hub.Broadcast(itemID, realtime.NewEvent(realtime.EventNewMessage, msg), originConn)
	// The typing snapshot that may follow is presence state, not part of the write.
	s.hub.ClearTyping(itemID, in.SenderID)
	return msg, nil
}

// React records a reaction to an existing message.
func (s *Service) React(ctx context.Context, itemID, targetMessageID string, senderType airlock.ParticipantType, userID, userName, reaction, originConn string) (airlock.ChatMessage, error) {
	if reaction == "" {
		return airlock.ChatMessage{}, &airlock.ValidationError{Field: "reaction", Reason: "is required"}
	}
	return s.AppendMessage(ctx, itemID, airlock.NewMessage{
		SenderType:       senderType,
		SenderID:         userID,
		SenderName:       userName,
		MessageType:      airlock.MessageReaction,
		Content:          reaction,
		ReplyToMessageID: targetMessageID,
	}, originConn)
}

// AppendFeedback stores feedback with its chat mirror and broadcasts
// new_feedback followed by new_message.
func (s *Service) AppendFeedback(ctx context.Context, itemID string, in airlock.NewFeedback, senderType airlock.ParticipantType, originConn string) (airlock.Feedback, error) {
	if err := in.Validate(); err != nil {
		return airlock.Feedback{}, err
	}
	if senderType == "" {
		senderType = airlock.ParticipantHuman
	} else if !senderType.Valid() {
		return airlock.Feedback{}, &airlock.ValidationError{Field: "sender_type", Reason: "has unknown value " + string(senderType)}
	}
	unlock := s.locks.Lock(itemID)
	defer unlock()

	fb, msg, err := s.store.AppendFeedback(ctx, itemID, in, senderType)
	if err != nil {
		return airlock.Feedback{}, err
	}
	s.hub.Broadcast(itemID, realtime.NewEvent(realtime.EventNewFeedback, fb), originConn)
	s.hub.Broadcast(itemID, realtime.NewEvent(realtime.EventNewMessage, msg), originConn)
	s.audit.LogEvent("airlock_feedback_added", entityItem, itemID, string(senderType), fb.ProvidedBy, "feedback", map[string]any{
		"feedback_id":   fb.ID,
		"feedback_type": fb.FeedbackType,
		"severity":      fb.Severity,
	})
	return fb, nil
}

func (s *Service) ListMessages(ctx context.Context, itemID string, limit, offset int) ([]airlock.ChatMessage, error) {
	return s.store.ListMessages(ctx, itemID, limit, offset)
}

func (s *Service) ListFeedback(ctx context.Context, itemID string, limit, offset int) ([]airlock.Feedback, error) {
	return s.store.ListFeedback(ctx, itemID, limit, offset)
}

// --- Read side ---

// AuditTrail returns the audit events recorded for an item, newest first.
func (s *Service) AuditTrail(ctx context.Context, itemID string, limit, offset int) ([]airlock.AuditEvent, error) {
	if _, err := s.store.GetItem(ctx, itemID); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, entityItem, itemID, limit, offset)
}

func (s *Service) Stats(ctx context.Context, reviewerID string) (airlock.DashboardStats, error) {
	return s.store.Stats(ctx, reviewerID)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
