package realtime

import "time"

// Outbound event types.
const (
	EventPong             = "pong"
	EventNewMessage       = "new_message"
	EventNewFeedback      = "new_feedback"
	EventNewRevision      = "new_revision"
	EventItemUpdated      = "item_updated"
	EventUserJoined       = "user_joined"
	EventUserLeft         = "user_left"
	EventTypingUpdate     = "typing_update"
	EventParticipantsList = "participants_list"
	EventError            = "error"
)

// Event is the envelope for every frame sent to a client.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(typ string, data any) Event {
	return Event{Type: typ, Data: data, Timestamp: time.Now().UTC()}
}

// Participant is a user present on an item.
type Participant struct {
	UserID   string    `json:"user_id"`
	UserName string    `json:"user_name"`
	LastSeen time.Time `json:"last_seen"`
	// ConnectionID is the user's most recent live connection.
	ConnectionID string `json:"connection_id"`
	Connections  int    `json:"connections"`
}

// TypingUser is one entry of a typing snapshot.
type TypingUser struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

type userEvent struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

type participantsData struct {
	Participants []Participant `json:"participants"`
}

type typingData struct {
	TypingUsers []TypingUser `json:"typing_users"`
}
