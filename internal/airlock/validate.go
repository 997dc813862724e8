package airlock

import (
	"bytes"
	"encoding/json"
	"time"
)

// NewItem is the producer's submission.
type NewItem struct {
	ContentType        ContentType     `json:"content_type"`
	SourceService      string          `json:"source_service"`
	SourceID           string          `json:"source_id"`
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	Content            json.RawMessage `json:"content"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	Priority           Priority        `json:"priority,omitempty"`
	CreatedByAgentID   string          `json:"created_by_agent_id,omitempty"`
	AssignedReviewerID string          `json:"assigned_reviewer_id,omitempty"`
	ReviewDeadline     *time.Time      `json:"review_deadline,omitempty"`
}

// Validate checks required fields and fills defaults in place.
func (n *NewItem) Validate() error {
	if !n.ContentType.Valid() {
		if n.ContentType == "" {
			return required("content_type")
		}
		return invalidEnum("content_type", n.ContentType)
	}
	if n.SourceService == "" {
		return required("source_service")
	}
	if n.SourceID == "" {
		return required("source_id")
	}
	if n.Title == "" {
		return required("title")
	}
	if len(n.Content) == 0 {
		return required("content")
	}
	if !isJSONObject(n.Content) {
		return &ValidationError{Field: "content", Reason: "must be a JSON object"}
	}
	if len(n.Metadata) == 0 {
		n.Metadata = json.RawMessage(`{}`)
	} else if !isJSONObject(n.Metadata) {
		return &ValidationError{Field: "metadata", Reason: "must be a JSON object"}
	}
	if n.Priority == "" {
		n.Priority = PriorityMedium
	} else if !n.Priority.Valid() {
		return invalidEnum("priority", n.Priority)
	}
	return nil
}

// Item builds the pending item for a validated submission.
func (n NewItem) Item(id string, at time.Time) Item {
	at = at.UTC()
	var deadline *time.Time
	if n.ReviewDeadline != nil {
		d := n.ReviewDeadline.UTC()
		deadline = &d
	}
	return Item{
		ID:                 id,
		ContentType:        n.ContentType,
		SourceService:      n.SourceService,
		SourceID:           n.SourceID,
		Title:              n.Title,
		Description:        n.Description,
		Content:            n.Content,
		Metadata:           n.Metadata,
		Status:             StatusPendingReview,
		Priority:           n.Priority,
		CreatedByAgentID:   n.CreatedByAgentID,
		AssignedReviewerID: n.AssignedReviewerID,
		ReviewDeadline:     deadline,
		CreatedAt:          at,
		UpdatedAt:          at,
	}
}

// NewMessage is a chat message posted by a participant.
type NewMessage struct {
	SenderType       ParticipantType `json:"sender_type"`
	SenderID         string          `json:"sender_id"`
	SenderName       string          `json:"sender_name,omitempty"`
	MessageType      MessageType     `json:"message_type,omitempty"`
	Content          string          `json:"content"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	ReplyToMessageID string          `json:"reply_to_message_id,omitempty"`
	ThreadID         string          `json:"thread_id,omitempty"`
}

func (n *NewMessage) Validate() error {
	if !n.SenderType.Valid() {
		if n.SenderType == "" {
			return required("sender_type")
		}
		return invalidEnum("sender_type", n.SenderType)
	}
	if n.SenderID == "" {
		return required("sender_id")
	}
	if n.MessageType == "" {
		n.MessageType = MessageText
	} else if !n.MessageType.Valid() {
		return invalidEnum("message_type", n.MessageType)
	}
	if n.Content == "" && n.MessageType != MessageReaction {
		return required("content")
	}
	if n.MessageType == MessageReaction && n.ReplyToMessageID == "" {
		return required("reply_to_message_id")
	}
	if len(n.Metadata) == 0 {
		n.Metadata = json.RawMessage(`{}`)
	} else if !isJSONObject(n.Metadata) {
		return &ValidationError{Field: "metadata", Reason: "must be a JSON object"}
	}
	return nil
}

// Message builds the stored message for a validated input.
func (n NewMessage) Message(id, itemID, sessionID string, at time.Time) ChatMessage {
	return ChatMessage{
		ID:               id,
		SessionID:        sessionID,
		ItemID:           itemID,
		SenderType:       n.SenderType,
		SenderID:         n.SenderID,
		SenderName:       n.SenderName,
		MessageType:      n.MessageType,
		Content:          n.Content,
		Metadata:         n.Metadata,
		ReplyToMessageID: n.ReplyToMessageID,
		ThreadID:         n.ThreadID,
		CreatedAt:        at.UTC(),
	}
}

// NewFeedback is structured feedback from a reviewer.
type NewFeedback struct {
	FeedbackType    FeedbackType    `json:"feedback_type"`
	FeedbackData    json.RawMessage `json:"feedback_data"`
	ProvidedBy      string          `json:"provided_by"`
	ProvidedByName  string          `json:"provided_by_name,omitempty"`
	TargetContentID string          `json:"target_content_id,omitempty"`
	Severity        Severity        `json:"severity,omitempty"`
}

func (n *NewFeedback) Validate() error {
	if !n.FeedbackType.Valid() {
		if n.FeedbackType == "" {
			return required("feedback_type")
		}
		return invalidEnum("feedback_type", n.FeedbackType)
	}
	if n.ProvidedBy == "" {
		return required("provided_by")
	}
	if len(n.FeedbackData) == 0 {
		n.FeedbackData = json.RawMessage(`{}`)
	} else if !isJSONObject(n.FeedbackData) {
		return &ValidationError{Field: "feedback_data", Reason: "must be a JSON object"}
	}
	if n.Severity == "" {
		n.Severity = SeverityMedium
	} else if !n.Severity.Valid() {
		return invalidEnum("severity", n.Severity)
	}
	return nil
}

func (n NewFeedback) Feedback(id, itemID string, at time.Time) Feedback {
	return Feedback{
		ID:              id,
		ItemID:          itemID,
		FeedbackType:    n.FeedbackType,
		FeedbackData:    n.FeedbackData,
		ProvidedBy:      n.ProvidedBy,
		ProvidedByName:  n.ProvidedByName,
		TargetContentID: n.TargetContentID,
		Severity:        n.Severity,
		CreatedAt:       at.UTC(),
	}
}

// NewRevision replaces an item's content with a new snapshot.
type NewRevision struct {
	Content        json.RawMessage `json:"content"`
	ChangesSummary string          `json:"changes_summary,omitempty"`
	CreatedBy      string          `json:"created_by"`
}

func (n *NewRevision) Validate() error {
	if len(n.Content) == 0 {
		return required("content")
	}
	if !isJSONObject(n.Content) {
		return &ValidationError{Field: "content", Reason: "must be a JSON object"}
	}
	if n.CreatedBy == "" {
		return required("created_by")
	}
	return nil
}

// SystemMessage builds a message authored by the airlock itself.
func SystemMessage(id, itemID, content string, metadata any, at time.Time) ChatMessage {
	meta := json.RawMessage(`{}`)
	if metadata != nil {
		if b, err := json.Marshal(metadata); err == nil {
			meta = b
		}
	}
	return ChatMessage{
		ID:          id,
		ItemID:      itemID,
		SenderType:  ParticipantSystem,
		SenderID:    SystemSenderID,
		MessageType: MessageSystem,
		Content:     content,
		Metadata:    meta,
		CreatedAt:   at.UTC(),
	}
}

// FeedbackMirror builds the chat message that accompanies a feedback record.
func FeedbackMirror(id string, fb Feedback, senderType ParticipantType) ChatMessage {
	meta, _ := json.Marshal(map[string]any{
		"feedback_id":       fb.ID,
		"feedback_type":     fb.FeedbackType,
		"feedback_data":     fb.FeedbackData,
		"severity":          fb.Severity,
		"target_content_id": fb.TargetContentID,
	})
	return ChatMessage{
		ID:          id,
		ItemID:      fb.ItemID,
		SenderType:  senderType,
		SenderID:    fb.ProvidedBy,
		SenderName:  fb.ProvidedByName,
		MessageType: MessageFeedback,
		Content:     "Feedback: " + string(fb.FeedbackType),
		Metadata:    meta,
		CreatedAt:   fb.CreatedAt,
	}
}

func isJSONObject(b json.RawMessage) bool {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return false
	}
	return json.Valid(b)
}
