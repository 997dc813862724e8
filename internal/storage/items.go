package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/airlock/internal/airlock"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// Note is the system chat line recorded alongside an item mutation.
type Note struct {
	Content  string
	Metadata any
}

// Mutation changes it in place at the given commit time. Returning an error
// aborts the transaction and the error is passed through unchanged.
type Mutation func(it *airlock.Item, at time.Time) (Note, error)

const itemColumns = `id, content_type, source_service, source_id, title, description, content, metadata,
	status, priority, created_by_agent_id, assigned_reviewer_id, approved_by, approved_at,
	rejected_by, rejected_at, rejection_reason, review_deadline, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner, extra ...any) (airlock.Item, error) {
	var it airlock.Item
	var content, metadata string
	var approvedAt, rejectedAt, deadline sql.NullString
	var createdAt, updatedAt string
	dest := []any{
		&it.ID, &it.ContentType, &it.SourceService, &it.SourceID, &it.Title, &it.Description,
		&content, &metadata, &it.Status, &it.Priority, &it.CreatedByAgentID, &it.AssignedReviewerID,
		&it.ApprovedBy, &approvedAt, &it.RejectedBy, &rejectedAt, &it.RejectionReason, &deadline,
		&createdAt, &updatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return airlock.Item{}, err
	}
	it.Content = json.RawMessage(content)
	it.Metadata = json.RawMessage(metadata)

	var err error
	if it.ApprovedAt, err = parseNullTime(approvedAt); err != nil {
		return airlock.Item{}, err
	}
	if it.RejectedAt, err = parseNullTime(rejectedAt); err != nil {
		return airlock.Item{}, err
	}
	if it.ReviewDeadline, err = parseNullTime(deadline); err != nil {
		return airlock.Item{}, err
	}
	if it.CreatedAt, err = parseTime(createdAt); err != nil {
		return airlock.Item{}, err
	}
	if it.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return airlock.Item{}, err
	}
	return it, nil
}

// loadItem reads one item with its revision counters. When lock is set the
// row is locked for the rest of the transaction.
func (s *Store) loadItem(ctx context.Context, q querier, id string, lock bool) (airlock.Item, error) {
	query := "SELECT " + itemColumns + " FROM items WHERE id = ?"
	if lock {
		query += s.forUpdate()
	}
	it, err := scanItem(q.QueryRowContext(ctx, s.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return airlock.Item{}, &airlock.NotFoundError{Entity: "item", ID: id}
	}
	if err != nil {
		return airlock.Item{}, storageErr("load item", err)
	}
	err = q.QueryRowContext(ctx,
		s.rebind("SELECT COUNT(*), COALESCE(MAX(revision_number), 0) FROM revisions WHERE item_id = ?"), id,
	).Scan(&it.RevisionCount, &it.LatestRevision)
	if err != nil {
		return airlock.Item{}, storageErr("count revisions", err)
	}
	return it, nil
}

func (s *Store) ensureItem(ctx context.Context, q querier, id string) error {
	var n int
	if err := q.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM items WHERE id = ?"), id).Scan(&n); err != nil {
		return storageErr("check item", err)
	}
	if n == 0 {
		return &airlock.NotFoundError{Entity: "item", ID: id}
	}
	return nil
}

// CreateItem stores a validated submission as a pending item together with
// the system message announcing it.
func (s *Store) CreateItem(ctx context.Context, in airlock.NewItem) (airlock.Item, airlock.ChatMessage, error) {
	at := s.now()
	it := in.Item(uuid.NewString(), at)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return airlock.Item{}, airlock.ChatMessage{}, storageErr("begin create item", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		it.ID, string(it.ContentType), it.SourceService, it.SourceID, it.Title, it.Description,
		string(it.Content), string(it.Metadata), string(it.Status), string(it.Priority), it.CreatedByAgentID,
		it.AssignedReviewerID, it.ApprovedBy, formatNullTime(it.ApprovedAt), it.RejectedBy,
		formatNullTime(it.RejectedAt), it.RejectionReason, formatNullTime(it.ReviewDeadline),
		formatTime(it.CreatedAt), formatTime(it.UpdatedAt),
	)
	if err != nil {
		return airlock.Item{}, airlock.ChatMessage{}, storageErr("insert item", err)
	}

	msg, err := s.insertSystemMessage(ctx, tx, it.ID, Note{
		Content:  airlock.TransitionSummary("create", it, it.SourceService),
		Metadata: map[string]any{"event": "item_created", "status": it.Status},
	}, at)
	if err != nil {
		return airlock.Item{}, airlock.ChatMessage{}, err
	}

	if err := tx.Commit(); err != nil {
		return airlock.Item{}, airlock.ChatMessage{}, storageErr("commit create item", err)
	}
	return it, msg, nil
}

// GetItem returns the item with its revision counters.
func (s *Store) GetItem(ctx context.Context, id string) (airlock.Item, error) {
	return s.loadItem(ctx, s.db, id, false)
}

// ListItems returns items matching f, newest first.
func (s *Store) ListItems(ctx context.Context, f airlock.ItemFilter) ([]airlock.Item, error) {
	var where []string
	var args []any
	add := func(col, val string) {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}
	add("status", string(f.Status))
	add("assigned_reviewer_id", f.AssignedReviewer)
	add("source_service", f.SourceService)
	add("content_type", string(f.ContentType))
	add("priority", string(f.Priority))

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := "SELECT " + itemColumns + `,
		(SELECT COUNT(*) FROM revisions r WHERE r.item_id = items.id),
		(SELECT COALESCE(MAX(r.revision_number), 0) FROM revisions r WHERE r.item_id = items.id)
		FROM items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, storageErr("list items", err)
	}
	defer rows.Close()

	items := []airlock.Item{}
	for rows.Next() {
		var count, latest int
		it, err := scanItem(rows, &count, &latest)
		if err != nil {
			return nil, storageErr("scan item", err)
		}
		it.RevisionCount = count
		it.LatestRevision = latest
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list items", err)
	}
	return items, nil
}

// MutateItem locks the item, applies fn and writes the item row and the
// resulting system message in one transaction. Nothing is written when fn fails.
func (s *Store) MutateItem(ctx context.Context, id string, fn Mutation) (airlock.Item, airlock.ChatMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return airlock.Item{}, airlock.ChatMessage{}, storageErr("begin update item", err)
	}
	defer tx.Rollback()

	it, err := s.loadItem(ctx, tx, id, true)
	if err != nil {
		return airlock.Item{}, airlock.ChatMessage{}, err
	}

	at := s.now()
	note, err := fn(&it, at)
	if err != nil {
		return airlock.Item{}, airlock.ChatMessage{}, err
	}

	if err := s.updateItem(ctx, tx, it); err != nil {
		return airlock.Item{}, airlock.ChatMessage{}, err
	}
	msg, err := s.insertSystemMessage(ctx, tx, it.ID, note, at)
	if err != nil {
		return airlock.Item{}, airlock.ChatMessage{}, err
	}

	if err := tx.Commit(); err != nil {
		return airlock.Item{}, airlock.ChatMessage{}, storageErr("commit update item", err)
	}
	return it, msg, nil
}

func (s *Store) updateItem(ctx context.Context, q querier, it airlock.Item) error {
	_, err := q.ExecContext(ctx, s.rebind(`UPDATE items SET
		title = ?, description = ?, content = ?, metadata = ?, status = ?, priority = ?,
		assigned_reviewer_id = ?, approved_by = ?, approved_at = ?, rejected_by = ?, rejected_at = ?,
		rejection_reason = ?, review_deadline = ?, updated_at = ?
		WHERE id = ?`),
		it.Title, it.Description, string(it.Content), string(it.Metadata), string(it.Status), string(it.Priority),
		it.AssignedReviewerID, it.ApprovedBy, formatNullTime(it.ApprovedAt), it.RejectedBy,
		formatNullTime(it.RejectedAt), it.RejectionReason, formatNullTime(it.ReviewDeadline),
		formatTime(it.UpdatedAt), it.ID,
	)
	if err != nil {
		return storageErr("update item", err)
	}
	return nil
}

// Stats aggregates item counts, optionally scoped to one reviewer.
func (s *Store) Stats(ctx context.Context, reviewerID string) (airlock.DashboardStats, error) {
	stats := airlock.DashboardStats{
		ByStatus:      map[string]int{},
		ByPriority:    map[string]int{},
		ByContentType: map[string]int{},
	}

	scope := ""
	var scopeArgs []any
	if reviewerID != "" {
		scope = " WHERE assigned_reviewer_id = ?"
		scopeArgs = append(scopeArgs, reviewerID)
	}

	groups := []struct {
		col string
		dst map[string]int
	}{
		{"status", stats.ByStatus},
		{"priority", stats.ByPriority},
		{"content_type", stats.ByContentType},
	}
	for _, g := range groups {
		query := "SELECT " + g.col + ", COUNT(*) FROM items" + scope + " GROUP BY " + g.col
		if err := s.countInto(ctx, query, scopeArgs, g.dst); err != nil {
			return airlock.DashboardStats{}, err
		}
	}

	query := "SELECT COUNT(*) FROM items WHERE status = ? AND review_deadline IS NOT NULL AND review_deadline < ?"
	args := []any{string(airlock.StatusPendingReview), formatTime(s.clockNow())}
	if reviewerID != "" {
		query += " AND assigned_reviewer_id = ?"
		args = append(args, reviewerID)
	}
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&stats.OverdueCount); err != nil {
		return airlock.DashboardStats{}, storageErr("count overdue", err)
	}
	return stats, nil
}

func (s *Store) countInto(ctx context.Context, query string, args []any, dst map[string]int) error {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return storageErr("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return storageErr("stats", err)
		}
		dst[k] = n
	}
	if err := rows.Err(); err != nil {
		return storageErr("stats", err)
	}
	return nil
}

// clockNow reads the clock without advancing the monotonic write cursor.
func (s *Store) clockNow() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	return s.clock()
}
