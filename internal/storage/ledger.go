package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/airlock/internal/airlock"
)

// --- Sessions ---

// GetOrCreateSession returns the chat session for a participant on an item,
// creating it on first use. Concurrent callers converge on the same row.
func (s *Store) GetOrCreateSession(ctx context.Context, itemID string, ptype airlock.ParticipantType, participantID string) (airlock.ChatSession, error) {
	if err := s.ensureItem(ctx, s.db, itemID); err != nil {
		return airlock.ChatSession{}, err
	}
	return s.session(ctx, s.db, itemID, ptype, participantID)
}

func (s *Store) session(ctx context.Context, q querier, itemID string, ptype airlock.ParticipantType, participantID string) (airlock.ChatSession, error) {
	_, err := q.ExecContext(ctx, s.rebind(`INSERT INTO chat_sessions (id, item_id, participant_type, participant_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (item_id, participant_type, participant_id) DO NOTHING`),
		uuid.NewString(), itemID, string(ptype), participantID, formatTime(s.now()),
	)
	if err != nil {
		return airlock.ChatSession{}, storageErr("insert session", err)
	}

	var sess airlock.ChatSession
	var createdAt string
	err = q.QueryRowContext(ctx, s.rebind(`SELECT id, item_id, participant_type, participant_id, created_at
		FROM chat_sessions WHERE item_id = ? AND participant_type = ? AND participant_id = ?`),
		itemID, string(ptype), participantID,
	).Scan(&sess.ID, &sess.ItemID, &sess.ParticipantType, &sess.ParticipantID, &createdAt)
	if err != nil {
		return airlock.ChatSession{}, storageErr("select session", err)
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return airlock.ChatSession{}, storageErr("select session", err)
	}
	return sess, nil
}

// --- Messages ---

const messageColumns = `id, session_id, item_id, sender_type, sender_id, sender_name, message_type,
	content, metadata, reply_to_message_id, thread_id, created_at`

func (s *Store) insertMessage(ctx context.Context, q querier, m airlock.ChatMessage) error {
	_, err := q.ExecContext(ctx, s.rebind(`INSERT INTO chat_messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.SessionID, m.ItemID, string(m.SenderType), m.SenderID, m.SenderName, string(m.MessageType),
		m.Content, string(m.Metadata), m.ReplyToMessageID, m.ThreadID, formatTime(m.CreatedAt),
	)
	if err != nil {
		return storageErr("insert message", err)
	}
	return nil
}

func (s *Store) insertSystemMessage(ctx context.Context, q querier, itemID string, note Note, at time.Time) (airlock.ChatMessage, error) {
	sess, err := s.session(ctx, q, itemID, airlock.ParticipantSystem, airlock.SystemSenderID)
	if err != nil {
		return airlock.ChatMessage{}, err
	}
	msg := airlock.SystemMessage(uuid.NewString(), itemID, note.Content, note.Metadata, at)
	msg.SessionID = sess.ID
	if err := s.insertMessage(ctx, q, msg); err != nil {
		return airlock.ChatMessage{}, err
	}
	return msg, nil
}

// AppendMessage persists a participant's message. Reactions must point at a
// message on the same item.
func (s *Store) AppendMessage(ctx context.Context, itemID string, in airlock.NewMessage) (airlock.ChatMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return airlock.ChatMessage{}, storageErr("begin append message", err)
	}
	defer tx.Rollback()

	if err := s.ensureItem(ctx, tx, itemID); err != nil {
		return airlock.ChatMessage{}, err
	}
	if in.MessageType == airlock.MessageReaction {
		var n int
		err := tx.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM chat_messages WHERE id = ? AND item_id = ?"),
			in.ReplyToMessageID, itemID).Scan(&n)
		if err != nil {
			return airlock.ChatMessage{}, storageErr("check reaction target", err)
		}
		if n == 0 {
			return airlock.ChatMessage{}, &airlock.NotFoundError{Entity: "message", ID: in.ReplyToMessageID}
		}
	}

	sess, err := s.session(ctx, tx, itemID, in.SenderType, in.SenderID)
	if err != nil {
		return airlock.ChatMessage{}, err
	}
	msg := in.Message(uuid.NewString(), itemID, sess.ID, s.now())
	if err := s.insertMessage(ctx, tx, msg); err != nil {
		return airlock.ChatMessage{}, err
	}
	if err := tx.Commit(); err != nil {
		return airlock.ChatMessage{}, storageErr("commit append message", err)
	}
	return msg, nil
}

// ListMessages returns an item's chat history in chronological order.
func (s *Store) ListMessages(ctx context.Context, itemID string, limit, offset int) ([]airlock.ChatMessage, error) {
	if err := s.ensureItem(ctx, s.db, itemID); err != nil {
		return nil, err
	}
	limit, offset = clampPage(limit, offset)
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+messageColumns+`
		FROM chat_messages WHERE item_id = ? ORDER BY created_at ASC LIMIT ? OFFSET ?`),
		itemID, limit, offset,
	)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	defer rows.Close()

	msgs := []airlock.ChatMessage{}
	for rows.Next() {
		var m airlock.ChatMessage
		var metadata, createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.ItemID, &m.SenderType, &m.SenderID, &m.SenderName,
			&m.MessageType, &m.Content, &metadata, &m.ReplyToMessageID, &m.ThreadID, &createdAt); err != nil {
			return nil, storageErr("scan message", err)
		}
		m.Metadata = json.RawMessage(metadata)
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, storageErr("scan message", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list messages", err)
	}
	return msgs, nil
}

// --- Feedback ---

// AppendFeedback stores feedback and its mirrored chat message atomically.
func (s *Store) AppendFeedback(ctx context.Context, itemID string, in airlock.NewFeedback, senderType airlock.ParticipantType) (airlock.Feedback, airlock.ChatMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return airlock.Feedback{}, airlock.ChatMessage{}, storageErr("begin append feedback", err)
	}
	defer tx.Rollback()

	if err := s.ensureItem(ctx, tx, itemID); err != nil {
		return airlock.Feedback{}, airlock.ChatMessage{}, err
	}

	fb := in.Feedback(uuid.NewString(), itemID, s.now())
	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO feedback
		(id, item_id, feedback_type, feedback_data, provided_by, provided_by_name, target_content_id, severity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		fb.ID, fb.ItemID, string(fb.FeedbackType), string(fb.FeedbackData), fb.ProvidedBy, fb.ProvidedByName,
		fb.TargetContentID, string(fb.Severity), formatTime(fb.CreatedAt),
	)
	if err != nil {
		return airlock.Feedback{}, airlock.ChatMessage{}, storageErr("insert feedback", err)
	}

	sess, err := s.session(ctx, tx, itemID, senderType, fb.ProvidedBy)
	if err != nil {
		return airlock.Feedback{}, airlock.ChatMessage{}, err
	}
	msg := airlock.FeedbackMirror(uuid.NewString(), fb, senderType)
	msg.SessionID = sess.ID
	if err := s.insertMessage(ctx, tx, msg); err != nil {
		return airlock.Feedback{}, airlock.ChatMessage{}, err
	}

	if err := tx.Commit(); err != nil {
		return airlock.Feedback{}, airlock.ChatMessage{}, storageErr("commit append feedback", err)
	}
	return fb, msg, nil
}

// ListFeedback returns an item's feedback, newest first.
func (s *Store) ListFeedback(ctx context.Context, itemID string, limit, offset int) ([]airlock.Feedback, error) {
	if err := s.ensureItem(ctx, s.db, itemID); err != nil {
		return nil, err
	}
	limit, offset = clampPage(limit, offset)
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, item_id, feedback_type, feedback_data, provided_by,
		provided_by_name, target_content_id, severity, created_at
		FROM feedback WHERE item_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`),
		itemID, limit, offset,
	)
	if err != nil {
		return nil, storageErr("list feedback", err)
	}
	defer rows.Close()

	out := []airlock.Feedback{}
	for rows.Next() {
		var f airlock.Feedback
		var data, createdAt string
		if err := rows.Scan(&f.ID, &f.ItemID, &f.FeedbackType, &data, &f.ProvidedBy, &f.ProvidedByName,
			&f.TargetContentID, &f.Severity, &createdAt); err != nil {
			return nil, storageErr("scan feedback", err)
		}
		f.FeedbackData = json.RawMessage(data)
		if f.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, storageErr("scan feedback", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list feedback", err)
	}
	return out, nil
}

// --- Revisions ---

// RevisionResult is everything a revision commit produced.
type RevisionResult struct {
	Revision airlock.Revision
	Item     airlock.Item
	Message  airlock.ChatMessage
}

// CreateRevision appends the next revision, replaces the item's content and
// moves it to in_revision, all in one transaction. The revision number is
// computed while the item row is locked.
func (s *Store) CreateRevision(ctx context.Context, itemID string, in airlock.NewRevision) (RevisionResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RevisionResult{}, storageErr("begin create revision", err)
	}
	defer tx.Rollback()

	it, err := s.loadItem(ctx, tx, itemID, true)
	if err != nil {
		return RevisionResult{}, err
	}

	at := s.now()
	rev := airlock.Revision{
		ID:             uuid.NewString(),
		ItemID:         itemID,
		RevisionNumber: it.LatestRevision + 1,
		Content:        in.Content,
		ChangesSummary: in.ChangesSummary,
		CreatedBy:      in.CreatedBy,
		CreatedAt:      at,
	}
	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO revisions
		(id, item_id, revision_number, content, changes_summary, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		rev.ID, rev.ItemID, rev.RevisionNumber, string(rev.Content), rev.ChangesSummary, rev.CreatedBy, formatTime(at),
	)
	if err != nil {
		return RevisionResult{}, storageErr("insert revision", err)
	}

	it.Revise(in.Content, at)
	it.RevisionCount++
	it.LatestRevision = rev.RevisionNumber
	if err := s.updateItem(ctx, tx, it); err != nil {
		return RevisionResult{}, err
	}

	msg, err := s.insertSystemMessage(ctx, tx, itemID, Note{
		Content: airlock.RevisionSummary(rev),
		Metadata: map[string]any{
			"event":           "revision_created",
			"revision_id":     rev.ID,
			"revision_number": rev.RevisionNumber,
		},
	}, at)
	if err != nil {
		return RevisionResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return RevisionResult{}, storageErr("commit create revision", err)
	}
	return RevisionResult{Revision: rev, Item: it, Message: msg}, nil
}

// ListRevisions returns an item's revisions, highest number first.
func (s *Store) ListRevisions(ctx context.Context, itemID string) ([]airlock.Revision, error) {
	if err := s.ensureItem(ctx, s.db, itemID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, item_id, revision_number, content, changes_summary, created_by, created_at
		FROM revisions WHERE item_id = ? ORDER BY revision_number DESC`), itemID)
	if err != nil {
		return nil, storageErr("list revisions", err)
	}
	defer rows.Close()

	out := []airlock.Revision{}
	for rows.Next() {
		var r airlock.Revision
		var content, createdAt string
		if err := rows.Scan(&r.ID, &r.ItemID, &r.RevisionNumber, &content, &r.ChangesSummary, &r.CreatedBy, &createdAt); err != nil {
			return nil, storageErr("scan revision", err)
		}
		r.Content = json.RawMessage(content)
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, storageErr("scan revision", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list revisions", err)
	}
	return out, nil
}

// --- Audit ---

// AppendAudit writes one audit event. The table is append-only.
func (s *Store) AppendAudit(ctx context.Context, ev airlock.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	details := string(ev.Details)
	if details == "" {
		details = "{}"
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO audit_events
		(id, event_type, entity_type, entity_id, actor_type, actor_id, action, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.EventType, ev.EntityType, ev.EntityID, ev.ActorType, ev.ActorID, ev.Action, details,
		formatTime(ev.CreatedAt),
	)
	if err != nil {
		return storageErr("insert audit event", err)
	}
	return nil
}

// ListAudit returns the audit trail for one entity, newest first.
func (s *Store) ListAudit(ctx context.Context, entityType, entityID string, limit, offset int) ([]airlock.AuditEvent, error) {
	limit, offset = clampPage(limit, offset)
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, event_type, entity_type, entity_id, actor_type, actor_id,
		action, details, created_at
		FROM audit_events WHERE entity_type = ? AND entity_id = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`),
		entityType, entityID, limit, offset,
	)
	if err != nil {
		return nil, storageErr("list audit", err)
	}
	defer rows.Close()

	out := []airlock.AuditEvent{}
	for rows.Next() {
		var ev airlock.AuditEvent
		var details, createdAt string
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.EntityType, &ev.EntityID, &ev.ActorType, &ev.ActorID,
			&ev.Action, &details, &createdAt); err != nil {
			return nil, storageErr("scan audit event", err)
		}
		ev.Details = json.RawMessage(details)
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, storageErr("scan audit event", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list audit", err)
	}
	return out, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
