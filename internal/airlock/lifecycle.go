package airlock

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Patch is a partial update of an item. Nil fields are left untouched.
type Patch struct {
	Title              *string         `json:"title,omitempty"`
	Description        *string         `json:"description,omitempty"`
	Content            json.RawMessage `json:"content,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	Status             *Status         `json:"status,omitempty"`
	AssignedReviewerID *string         `json:"assigned_reviewer_id,omitempty"`
	ReviewDeadline     *time.Time      `json:"review_deadline,omitempty"`
	// Reason is recorded as the rejection reason when Status is rejected.
	Reason *string `json:"reason,omitempty"`
}

// Validate checks enum membership and payload shape.
func (p Patch) Validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return invalidEnum("status", *p.Status)
	}
	if p.Content != nil && !isJSONObject(p.Content) {
		return &ValidationError{Field: "content", Reason: "must be a JSON object"}
	}
	if p.Metadata != nil && !isJSONObject(p.Metadata) {
		return &ValidationError{Field: "metadata", Reason: "must be a JSON object"}
	}
	if p.Title != nil && *p.Title == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	return nil
}

// Approve moves a pending item to approved.
func (it *Item) Approve(reviewerID string, at time.Time) error {
	if reviewerID == "" {
		return required("reviewer_id")
	}
	if err := it.guard("approve", StatusPendingReview); err != nil {
		return err
	}
	it.markApproved(reviewerID, at)
	it.touch(at)
	return nil
}

// Reject moves a pending item to rejected. A reason is mandatory.
func (it *Item) Reject(reviewerID, reason string, at time.Time) error {
	if reviewerID == "" {
		return required("reviewer_id")
	}
	if reason == "" {
		return required("reason")
	}
	if err := it.guard("reject", StatusPendingReview); err != nil {
		return err
	}
	it.markRejected(reviewerID, reason, at)
	it.touch(at)
	return nil
}

// RequestChanges sends a pending item back to its producer.
func (it *Item) RequestChanges(reviewerID, reason string, at time.Time) error {
	if reviewerID == "" {
		return required("reviewer_id")
	}
	if reason == "" {
		return required("reason")
	}
	if err := it.guard("request changes on", StatusPendingReview); err != nil {
		return err
	}
	it.Status = StatusRequiresChanges
	it.touch(at)
	return nil
}

// Resubmit puts an item back in the review queue. Items already pending or
// approved cannot be resubmitted.
func (it *Item) Resubmit(at time.Time) error {
	switch it.Status {
	case StatusDraft, StatusInRevision, StatusRequiresChanges, StatusRejected:
	default:
		return &InvalidStateError{ItemID: it.ID, Action: "resubmit", Current: it.Status, Required: StatusInRevision}
	}
	it.Status = StatusPendingReview
	it.touch(at)
	return nil
}

func (it *Item) markApproved(by string, at time.Time) {
	ts := at.UTC()
	it.Status = StatusApproved
	it.ApprovedBy = by
	it.ApprovedAt = &ts
	it.RejectedBy = ""
	it.RejectedAt = nil
	it.RejectionReason = ""
}

func (it *Item) markRejected(by, reason string, at time.Time) {
	ts := at.UTC()
	it.Status = StatusRejected
	it.RejectedBy = by
	it.RejectedAt = &ts
	it.RejectionReason = reason
	it.ApprovedBy = ""
	it.ApprovedAt = nil
}

// Revise replaces the current content and forces the item into revision.
// It is allowed from every status, including approved and rejected.
func (it *Item) Revise(content json.RawMessage, at time.Time) {
	it.Content = content
	it.Status = StatusInRevision
	it.touch(at)
}

// ApplyPatch applies p and reports what actually changed. An empty result
// means the patch was a no-op and nothing should be written.
func (it *Item) ApplyPatch(p Patch, updatedBy string, at time.Time) (Changes, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	changes := Changes{}

	if p.Title != nil && *p.Title != it.Title {
		changes["title"] = FieldChange{From: it.Title, To: *p.Title}
		it.Title = *p.Title
	}
	if p.Description != nil && *p.Description != it.Description {
		changes["description"] = FieldChange{From: it.Description, To: *p.Description}
		it.Description = *p.Description
	}
	if p.Content != nil && !bytes.Equal(p.Content, it.Content) {
		changes["content"] = "updated"
		it.Content = p.Content
	}
	if p.Metadata != nil && !bytes.Equal(p.Metadata, it.Metadata) {
		changes["metadata"] = "updated"
		it.Metadata = p.Metadata
	}
	if p.AssignedReviewerID != nil && *p.AssignedReviewerID != it.AssignedReviewerID {
		changes["assigned_reviewer"] = FieldChange{From: it.AssignedReviewerID, To: *p.AssignedReviewerID}
		it.AssignedReviewerID = *p.AssignedReviewerID
	}
	if p.ReviewDeadline != nil && (it.ReviewDeadline == nil || !p.ReviewDeadline.Equal(*it.ReviewDeadline)) {
		changes["review_deadline"] = FieldChange{From: it.ReviewDeadline, To: *p.ReviewDeadline}
		d := p.ReviewDeadline.UTC()
		it.ReviewDeadline = &d
	}
	// A status patch is unguarded: approved and rejected only carry their
	// reviewer fields along. The guarded path is Approve and Reject.
	if p.Status != nil && *p.Status != it.Status {
		from := it.Status
		switch *p.Status {
		case StatusApproved:
			it.markApproved(updatedBy, at)
		case StatusRejected:
			reason := ""
			if p.Reason != nil {
				reason = *p.Reason
			}
			it.markRejected(updatedBy, reason, at)
		default:
			it.Status = *p.Status
		}
		changes["status"] = FieldChange{From: from, To: it.Status}
	}

	if len(changes) > 0 {
		it.touch(at)
	}
	return changes, nil
}

func (it *Item) guard(action string, want Status) error {
	if it.Status != want {
		return &InvalidStateError{ItemID: it.ID, Action: action, Current: it.Status, Required: want}
	}
	return nil
}

// touch advances UpdatedAt, keeping it strictly increasing even when the
// caller's clock has not moved.
func (it *Item) touch(at time.Time) {
	at = at.UTC()
	if !at.After(it.UpdatedAt) {
		at = it.UpdatedAt.Add(time.Microsecond)
	}
	it.UpdatedAt = at
}

// TransitionSummary renders the system chat line for a status change.
func TransitionSummary(action string, it Item, actor string) string {
	switch action {
	case "approve":
		return fmt.Sprintf("Item approved by %s", actor)
	case "reject":
		return fmt.Sprintf("Item rejected by %s: %s", actor, it.RejectionReason)
	case "request_changes":
		return fmt.Sprintf("Changes requested by %s", actor)
	case "resubmit":
		return fmt.Sprintf("Item resubmitted for review by %s", actor)
	case "create":
		return fmt.Sprintf("Airlock item created for review: %s", it.Title)
	default:
		return fmt.Sprintf("Item updated by %s", actor)
	}
}

// RevisionSummary renders the system chat line for a new revision.
func RevisionSummary(rev Revision) string {
	msg := fmt.Sprintf("Revision %d created by %s", rev.RevisionNumber, rev.CreatedBy)
	if rev.ChangesSummary != "" {
		msg += ": " + rev.ChangesSummary
	}
	return msg
}
