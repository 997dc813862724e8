package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/websocket"

	"github.com/kalambet/airlock/internal/airlock"
	"github.com/kalambet/airlock/internal/realtime"
)

// Inbound frame types.
const (
	framePing        = "ping"
	frameChatMessage = "chat_message"
	frameFeedback    = "feedback"
	frameTyping      = "typing"
	frameReaction    = "reaction"
)

const (
	wsWriteTimeout  = 10 * time.Second
	frameTimeout    = 10 * time.Second
	maxFramePayload = 1 << 20
)

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type chatFrame struct {
	Content          string              `json:"content"`
	MessageType      airlock.MessageType `json:"message_type"`
	Metadata         json.RawMessage     `json:"metadata"`
	ReplyToMessageID string              `json:"reply_to_message_id"`
	ThreadID         string              `json:"thread_id"`
}

type typingFrame struct {
	IsTyping bool `json:"is_typing"`
}

type reactionFrame struct {
	MessageID string `json:"message_id"`
	Reaction  string `json:"reaction"`
}

type errorData struct {
	Message string `json:"message"`
}

// wsSender adapts a websocket connection to realtime.Sender.
type wsSender struct {
	conn *websocket.Conn
}

func (s wsSender) Send(ev realtime.Event) error {
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return websocket.JSON.Send(s.conn, ev)
}

func (s wsSender) Close() error {
	return s.conn.Close()
}

// wsSession is one client's view of the real-time channel for an item.
type wsSession struct {
	deps     AppDeps
	itemID   string
	userID   string
	userName string
	connID   string
}

func handleWebSocket(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		itemID := chi.URLParam(r, "id")
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		if _, err := deps.Service.GetItem(r.Context(), itemID); err != nil {
			writeServiceError(w, err)
			return
		}
		userName := r.URL.Query().Get("user_name")

		srv := websocket.Server{
			// Any origin may connect; authentication is out of scope.
			Handshake: func(*websocket.Config, *http.Request) error { return nil },
			Handler: func(conn *websocket.Conn) {
				conn.MaxPayloadBytes = maxFramePayload
				sess := &wsSession{deps: deps, itemID: itemID, userID: userID, userName: userName}
				sess.connID = deps.Registry.Connect(itemID, userID, userName, wsSender{conn: conn})
				defer deps.Registry.Disconnect(itemID, sess.connID, userID)
				sess.readLoop(conn)
			},
		}
		srv.ServeHTTP(w, r)
	}
}

// readLoop handles frames until the client goes away. Bad frames are
// answered with an error event; only a read failure ends the session.
func (s *wsSession) readLoop(conn *websocket.Conn) {
	for {
		var raw []byte
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			slog.Debug("websocket read ended", "item_id", s.itemID, "user_id", s.userID, "error", err)
			return
		}
		s.deps.Registry.Touch(s.itemID, s.userID)

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.reply(realtime.EventError, errorData{Message: fmt.Sprintf("malformed frame: %v", err)})
			continue
		}
		if err := s.dispatch(frame); err != nil {
			s.reply(realtime.EventError, errorData{Message: err.Error()})
		}
	}
}

func (s *wsSession) dispatch(frame inboundFrame) error {
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	switch frame.Type {
	case framePing:
		s.reply(realtime.EventPong, nil)
		return nil

	case frameChatMessage:
		var in chatFrame
		if err := decodeFrame(frame, &in); err != nil {
			return err
		}
		_, err := s.deps.Service.AppendMessage(ctx, s.itemID, airlock.NewMessage{
			SenderType:       airlock.ParticipantHuman,
			SenderID:         s.userID,
			SenderName:       s.userName,
			MessageType:      in.MessageType,
			Content:          in.Content,
			Metadata:         in.Metadata,
			ReplyToMessageID: in.ReplyToMessageID,
			ThreadID:         in.ThreadID,
		}, s.connID)
		return err

	case frameFeedback:
		var in airlock.NewFeedback
		if err := decodeFrame(frame, &in); err != nil {
			return err
		}
		in.ProvidedBy = s.userID
		if in.ProvidedByName == "" {
			in.ProvidedByName = s.userName
		}
		_, err := s.deps.Service.AppendFeedback(ctx, s.itemID, in, airlock.ParticipantHuman, s.connID)
		return err

	case frameTyping:
		var in typingFrame
		if err := decodeFrame(frame, &in); err != nil {
			return err
		}
		s.deps.Registry.SetTyping(s.itemID, s.userID, in.IsTyping)
		return nil

	case frameReaction:
		var in reactionFrame
		if err := decodeFrame(frame, &in); err != nil {
			return err
		}
		_, err := s.deps.Service.React(ctx, s.itemID, in.MessageID, airlock.ParticipantHuman, s.userID, s.userName, in.Reaction, s.connID)
		return err

	case "":
		return fmt.Errorf("frame type is required")
	default:
		return fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

func (s *wsSession) reply(typ string, data any) {
	s.deps.Registry.SendTo(s.itemID, s.connID, realtime.NewEvent(typ, data))
}

func decodeFrame(frame inboundFrame, v any) error {
	if len(frame.Data) == 0 {
		return fmt.Errorf("%s frame has no data", frame.Type)
	}
	if err := json.Unmarshal(frame.Data, v); err != nil {
		return fmt.Errorf("invalid %s data: %v", frame.Type, err)
	}
	return nil
}
