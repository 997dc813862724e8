package airlock

import (
	"encoding/json"
	"time"
)

// ContentType classifies what a producer submitted for review.
type ContentType string

const (
	ContentTrainingValidation ContentType = "training_validation"
	ContentCreativeAsset      ContentType = "creative_asset"
	ContentIdeation           ContentType = "ideation"
	ContentDesign             ContentType = "design"
	ContentCampaign           ContentType = "campaign"
	ContentDocument           ContentType = "document"
	ContentReport             ContentType = "report"
)

var contentTypes = []ContentType{
	ContentTrainingValidation, ContentCreativeAsset, ContentIdeation, ContentDesign,
	ContentCampaign, ContentDocument, ContentReport,
}

func (c ContentType) Valid() bool { return oneOf(c, contentTypes) }

// Status is the review lifecycle state of an item.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusPendingReview   Status = "pending_review"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
	StatusRequiresChanges Status = "requires_changes"
	StatusInRevision      Status = "in_revision"
)

var statuses = []Status{
	StatusDraft, StatusPendingReview, StatusApproved, StatusRejected,
	StatusRequiresChanges, StatusInRevision,
}

func (s Status) Valid() bool { return oneOf(s, statuses) }

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

func (p Priority) Valid() bool { return oneOf(p, priorities) }

// ParticipantType identifies who is on the other end of a chat session.
type ParticipantType string

const (
	ParticipantHuman  ParticipantType = "human"
	ParticipantAgent  ParticipantType = "agent"
	ParticipantSystem ParticipantType = "system"
)

var participantTypes = []ParticipantType{ParticipantHuman, ParticipantAgent, ParticipantSystem}

func (p ParticipantType) Valid() bool { return oneOf(p, participantTypes) }

type MessageType string

const (
	MessageText       MessageType = "text"
	MessageFeedback   MessageType = "feedback"
	MessageSuggestion MessageType = "suggestion"
	MessageApproval   MessageType = "approval"
	MessageRejection  MessageType = "rejection"
	MessageSystem     MessageType = "system"
	MessageTyping     MessageType = "typing"
	MessageReaction   MessageType = "reaction"
)

var messageTypes = []MessageType{
	MessageText, MessageFeedback, MessageSuggestion, MessageApproval,
	MessageRejection, MessageSystem, MessageTyping, MessageReaction,
}

func (m MessageType) Valid() bool { return oneOf(m, messageTypes) }

type FeedbackType string

const (
	FeedbackApproval    FeedbackType = "approval"
	FeedbackRejection   FeedbackType = "rejection"
	FeedbackSuggestion  FeedbackType = "suggestion"
	FeedbackRating      FeedbackType = "rating"
	FeedbackComment     FeedbackType = "comment"
	FeedbackImprovement FeedbackType = "improvement"
)

var feedbackTypes = []FeedbackType{
	FeedbackApproval, FeedbackRejection, FeedbackSuggestion,
	FeedbackRating, FeedbackComment, FeedbackImprovement,
}

func (f FeedbackType) Valid() bool { return oneOf(f, feedbackTypes) }

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

func (s Severity) Valid() bool { return oneOf(s, severities) }

func oneOf[T comparable](v T, set []T) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}

// SystemSenderID is the participant id used for messages the airlock writes itself.
const SystemSenderID = "airlock_system"

// Item is a unit of AI-produced content awaiting human review.
// Content and Metadata are opaque JSON objects owned by the producer.
type Item struct {
	ID                 string          `json:"id"`
	ContentType        ContentType     `json:"content_type"`
	SourceService      string          `json:"source_service"`
	SourceID           string          `json:"source_id"`
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	Content            json.RawMessage `json:"content"`
	Metadata           json.RawMessage `json:"metadata"`
	Status             Status          `json:"status"`
	Priority           Priority        `json:"priority"`
	CreatedByAgentID   string          `json:"created_by_agent_id,omitempty"`
	AssignedReviewerID string          `json:"assigned_reviewer_id,omitempty"`
	ApprovedBy         string          `json:"approved_by,omitempty"`
	ApprovedAt         *time.Time      `json:"approved_at,omitempty"`
	RejectedBy         string          `json:"rejected_by,omitempty"`
	RejectedAt         *time.Time      `json:"rejected_at,omitempty"`
	RejectionReason    string          `json:"rejection_reason,omitempty"`
	ReviewDeadline     *time.Time      `json:"review_deadline,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	RevisionCount      int             `json:"revision_count"`
	LatestRevision     int             `json:"latest_revision,omitempty"`
}

type Revision struct {
	ID             string          `json:"id"`
	ItemID         string          `json:"item_id"`
	RevisionNumber int             `json:"revision_number"`
	Content        json.RawMessage `json:"content"`
	ChangesSummary string          `json:"changes_summary,omitempty"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
}

type ChatSession struct {
	ID              string          `json:"id"`
	ItemID          string          `json:"item_id"`
	ParticipantType ParticipantType `json:"participant_type"`
	ParticipantID   string          `json:"participant_id"`
	CreatedAt       time.Time       `json:"created_at"`
}

type ChatMessage struct {
	ID               string          `json:"id"`
	SessionID        string          `json:"session_id"`
	ItemID           string          `json:"item_id"`
	SenderType       ParticipantType `json:"sender_type"`
	SenderID         string          `json:"sender_id"`
	SenderName       string          `json:"sender_name,omitempty"`
	MessageType      MessageType     `json:"message_type"`
	Content          string          `json:"content"`
	Metadata         json.RawMessage `json:"metadata"`
	ReplyToMessageID string          `json:"reply_to_message_id,omitempty"`
	ThreadID         string          `json:"thread_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

type Feedback struct {
	ID              string          `json:"id"`
	ItemID          string          `json:"item_id"`
	FeedbackType    FeedbackType    `json:"feedback_type"`
	FeedbackData    json.RawMessage `json:"feedback_data"`
	ProvidedBy      string          `json:"provided_by"`
	ProvidedByName  string          `json:"provided_by_name,omitempty"`
	TargetContentID string          `json:"target_content_id,omitempty"`
	Severity        Severity        `json:"severity"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ItemFilter narrows ListItems. Zero-valued fields are ignored.
type ItemFilter struct {
	Status           Status
	AssignedReviewer string
	SourceService    string
	ContentType      ContentType
	Priority         Priority
	Limit            int
	Offset           int
}

type DashboardStats struct {
	ByStatus      map[string]int `json:"by_status"`
	ByPriority    map[string]int `json:"by_priority"`
	ByContentType map[string]int `json:"by_content_type"`
	OverdueCount  int            `json:"overdue_count"`
}

// Changes records the fields a mutation touched, keyed by field name.
type Changes map[string]any

// FieldChange is the before/after pair stored in Changes for scalar fields.
type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// AuditEvent is one entry of the append-only audit trail.
type AuditEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	ActorType  string          `json:"actor_type"`
	ActorID    string          `json:"actor_id"`
	Action     string          `json:"action"`
	Details    json.RawMessage `json:"details"`
	CreatedAt  time.Time       `json:"created_at"`
}
