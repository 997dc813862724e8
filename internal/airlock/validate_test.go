package airlock

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewItemValidate(t *testing.T) {
	valid := func() NewItem {
		return NewItem{
			ContentType:   ContentCampaign,
			SourceService: "campaigns",
			SourceID:      "c-9",
			Title:         "Spring",
			Content:       json.RawMessage(`{"copy":"hi"}`),
		}
	}

	tests := []struct {
		name  string
		mod   func(*NewItem)
		field string
	}{
		{"missing content type", func(n *NewItem) { n.ContentType = "" }, "content_type"},
		{"unknown content type", func(n *NewItem) { n.ContentType = "video" }, "content_type"},
		{"missing source service", func(n *NewItem) { n.SourceService = "" }, "source_service"},
		{"missing source id", func(n *NewItem) { n.SourceID = "" }, "source_id"},
		{"missing title", func(n *NewItem) { n.Title = "" }, "title"},
		{"missing content", func(n *NewItem) { n.Content = nil }, "content"},
		{"array content", func(n *NewItem) { n.Content = json.RawMessage(`[]`) }, "content"},
		{"string metadata", func(n *NewItem) { n.Metadata = json.RawMessage(`"x"`) }, "metadata"},
		{"bad priority", func(n *NewItem) { n.Priority = "asap" }, "priority"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := valid()
			tt.mod(&n)
			err := n.Validate()
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}

	n := valid()
	if err := n.Validate(); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
	if n.Priority != PriorityMedium {
		t.Errorf("default priority = %q, want medium", n.Priority)
	}
	if string(n.Metadata) != `{}` {
		t.Errorf("default metadata = %s, want {}", n.Metadata)
	}
	it := n.Item("id-1", t0)
	if it.Status != StatusPendingReview {
		t.Errorf("new item status = %q, want pending_review", it.Status)
	}
}

func TestNewMessageValidate(t *testing.T) {
	m := NewMessage{SenderType: ParticipantHuman, SenderID: "u1", Content: "hello"}
	if err := m.Validate(); err != nil {
		t.Fatal(err)
	}
	if m.MessageType != MessageText {
		t.Errorf("default message type = %q", m.MessageType)
	}

	bad := NewMessage{SenderType: "robot", SenderID: "u1", Content: "x"}
	if err := bad.Validate(); !IsValidation(err) {
		t.Errorf("unknown sender type accepted: %v", err)
	}

	reaction := NewMessage{SenderType: ParticipantHuman, SenderID: "u1", MessageType: MessageReaction}
	if err := reaction.Validate(); !IsValidation(err) {
		t.Errorf("reaction without target accepted: %v", err)
	}
	reaction.ReplyToMessageID = "m-1"
	if err := reaction.Validate(); err != nil {
		t.Errorf("reaction with target rejected: %v", err)
	}
}

func TestNewFeedbackValidate(t *testing.T) {
	f := NewFeedback{FeedbackType: FeedbackRating, ProvidedBy: "r1", FeedbackData: json.RawMessage(`{"score":4}`)}
	if err := f.Validate(); err != nil {
		t.Fatal(err)
	}
	if f.Severity != SeverityMedium {
		t.Errorf("default severity = %q", f.Severity)
	}

	f = NewFeedback{FeedbackType: "praise", ProvidedBy: "r1"}
	if err := f.Validate(); !IsValidation(err) {
		t.Errorf("unknown feedback type accepted: %v", err)
	}
}

func TestFeedbackMirror(t *testing.T) {
	fb := NewFeedback{FeedbackType: FeedbackSuggestion, ProvidedBy: "r1", ProvidedByName: "Rae"}
	if err := fb.Validate(); err != nil {
		t.Fatal(err)
	}
	rec := fb.Feedback("fb-1", "item-1", t0)
	msg := FeedbackMirror("m-1", rec, ParticipantHuman)

	if msg.MessageType != MessageFeedback || msg.Content != "Feedback: suggestion" {
		t.Errorf("mirror = %+v", msg)
	}
	var meta map[string]any
	if err := json.Unmarshal(msg.Metadata, &meta); err != nil {
		t.Fatal(err)
	}
	if meta["feedback_id"] != "fb-1" || meta["severity"] != "medium" {
		t.Errorf("metadata = %v", meta)
	}
}

func TestErrorMessages(t *testing.T) {
	err := &InvalidStateError{ItemID: "i1", Action: "approve", Current: StatusApproved, Required: StatusPendingReview}
	want := "cannot approve item i1 in status approved (requires pending_review)"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
	wrapped := &StorageError{Op: "update item", Err: errors.New("disk full")}
	if !IsStorage(wrapped) || errors.Unwrap(wrapped).Error() != "disk full" {
		t.Errorf("StorageError does not unwrap: %v", wrapped)
	}
}
