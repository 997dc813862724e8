package realtime

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/kalambet/airlock/internal/airlock"
)

const (
	DefaultTypingTTL     = 10 * time.Second
	DefaultSweepInterval = 5 * time.Second
	DefaultSendBuffer    = 64
)

type presence struct {
	name         string
	lastSeen     time.Time
	connectionID string
	conns        mapset.Set[string]
}

// Options configures a Registry. Zero values select the defaults.
type Options struct {
	TypingTTL  time.Duration
	SendBuffer int
	Clock      func() time.Time
	Logger     *slog.Logger
}

// Registry tracks live connections, presence and typing state per item and
// fans events out to them. All state is guarded by a single mutex; sends go
// through per-connection queues so a slow client never blocks a broadcast.
type Registry struct {
	mu       sync.Mutex
	conns    map[string]map[string]*Connection
	presence map[string]map[string]*presence
	typing   map[string]map[string]time.Time

	typingTTL  time.Duration
	sendBuffer int
	clock      func() time.Time
	logger     *slog.Logger
}

func NewRegistry(opts Options) *Registry {
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		conns:      make(map[string]map[string]*Connection),
		presence:   make(map[string]map[string]*presence),
		typing:     make(map[string]map[string]time.Time),
		typingTTL:  opts.TypingTTL,
		sendBuffer: opts.SendBuffer,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}
}

// Connect registers a client on itemID and starts its writer. Other
// connections receive user_joined; the new one receives participants_list.
func (r *Registry) Connect(itemID, userID, userName string, s Sender) string {
	if userName == "" {
		userName = userID
	}
	c := newConnection(uuid.NewString(), itemID, userID, userName, s, r.sendBuffer)
	go c.writeLoop(r.dropFailed)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[itemID] == nil {
		r.conns[itemID] = make(map[string]*Connection)
	}
	r.conns[itemID][c.ID] = c

	if r.presence[itemID] == nil {
		r.presence[itemID] = make(map[string]*presence)
	}
	p := r.presence[itemID][userID]
	if p == nil {
		p = &presence{conns: mapset.NewThreadUnsafeSet[string]()}
		r.presence[itemID][userID] = p
	}
	p.name = userName
	p.lastSeen = r.clock().UTC()
	p.connectionID = c.ID
	p.conns.Add(c.ID)

	r.publishLocked(itemID, r.event(EventUserJoined, userEvent{UserID: userID, UserName: userName}), c.ID)
	if err := c.enqueue(r.event(EventParticipantsList, participantsData{Participants: r.participantsLocked(itemID)})); err != nil {
		r.logDelivery(c, err)
	}

	r.logger.Info("user connected", "item_id", itemID, "user_id", userID, "connection_id", c.ID)
	return c.ID
}

// Disconnect removes a connection. user_left is broadcast when it was the
// user's last connection on the item.
func (r *Registry) Disconnect(itemID, connectionID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.conns[itemID][connectionID]
	if c == nil || c.UserID != userID {
		return
	}
	for _, ev := range r.removeLocked(c) {
		r.publishLocked(itemID, ev, "")
	}
	r.logger.Info("user disconnected", "item_id", itemID, "user_id", userID, "connection_id", connectionID)
}

// Broadcast enqueues ev to every connection on itemID except exclude.
// Connections that cannot accept the event are pruned; the caller never
// sees a delivery failure.
func (r *Registry) Broadcast(itemID string, ev Event, exclude string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishLocked(itemID, ev, exclude)
}

// SendTo enqueues ev to a single connection.
func (r *Registry) SendTo(itemID, connectionID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[itemID][connectionID]
	if c == nil {
		return
	}
	if err := c.enqueue(ev); err != nil {
		r.logDelivery(c, err)
		for _, left := range r.removeLocked(c) {
			r.publishLocked(itemID, left, "")
		}
	}
}

// SetTyping sets or clears a user's typing indicator and broadcasts the
// full snapshot to everyone on the item.
func (r *Registry) SetTyping(itemID, userID string, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if isTyping {
		if r.typing[itemID] == nil {
			r.typing[itemID] = make(map[string]time.Time)
		}
		r.typing[itemID][userID] = r.clock().UTC()
	} else if !r.clearTypingLocked(itemID, userID) {
		return
	}
	r.publishLocked(itemID, r.typingEventLocked(itemID), "")
}

// ClearTyping drops a user's indicator, broadcasting only if one existed.
func (r *Registry) ClearTyping(itemID, userID string) {
	r.SetTyping(itemID, userID, false)
}

// Touch refreshes a user's last-seen time.
func (r *Registry) Touch(itemID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.presence[itemID][userID]; p != nil {
		p.lastSeen = r.clock().UTC()
	}
}

// Sweep removes typing indicators older than the TTL and re-broadcasts the
// snapshot for every affected item. It returns the number of entries removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for itemID, users := range r.typing {
		expired := false
		for userID, ts := range users {
			if now.Sub(ts) > r.typingTTL {
				delete(users, userID)
				removed++
				expired = true
			}
		}
		if len(users) == 0 {
			delete(r.typing, itemID)
		}
		if expired {
			r.publishLocked(itemID, r.typingEventLocked(itemID), "")
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(r.clock()); n > 0 {
				r.logger.Debug("expired typing indicators", "count", n)
			}
		}
	}
}

// Participants returns the users present on itemID, ordered by user id.
func (r *Registry) Participants(itemID string) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.participantsLocked(itemID)
}

// TypingUsers returns the current typing snapshot for itemID.
func (r *Registry) TypingUsers(itemID string) []TypingUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typingUsersLocked(itemID)
}

// ConnectionCount returns the number of live connections across all items.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, conns := range r.conns {
		n += len(conns)
	}
	return n
}

// Close stops every connection. Used on server shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for itemID, conns := range r.conns {
		for _, c := range conns {
			c.stop()
		}
		delete(r.conns, itemID)
	}
	r.presence = make(map[string]map[string]*presence)
	r.typing = make(map[string]map[string]time.Time)
}

// publishLocked delivers ev and any user_left/typing events caused by
// pruning failed connections. r.mu must be held.
func (r *Registry) publishLocked(itemID string, ev Event, exclude string) {
	pending := []Event{ev}
	for len(pending) > 0 {
		next := pending[0]
		pending = pending[1:]

		var failed []*Connection
		for id, c := range r.conns[itemID] {
			if id == exclude {
				continue
			}
			if err := c.enqueue(next); err != nil {
				r.logDelivery(c, err)
				failed = append(failed, c)
			}
		}
		exclude = ""
		for _, c := range failed {
			pending = append(pending, r.removeLocked(c)...)
		}
	}
}

// removeLocked unregisters c and returns the events its departure causes.
func (r *Registry) removeLocked(c *Connection) []Event {
	conns := r.conns[c.ItemID]
	if _, ok := conns[c.ID]; !ok {
		return nil
	}
	delete(conns, c.ID)
	if len(conns) == 0 {
		delete(r.conns, c.ItemID)
	}
	c.stop()

	var events []Event
	if p := r.presence[c.ItemID][c.UserID]; p != nil {
		p.conns.Remove(c.ID)
		if p.conns.Cardinality() == 0 {
			delete(r.presence[c.ItemID], c.UserID)
			if len(r.presence[c.ItemID]) == 0 {
				delete(r.presence, c.ItemID)
			}
			events = append(events, r.event(EventUserLeft, userEvent{UserID: c.UserID, UserName: p.name}))
		} else if p.connectionID == c.ID {
			p.connectionID = p.conns.ToSlice()[0]
		}
	}
	if r.clearTypingLocked(c.ItemID, c.UserID) {
		events = append(events, r.typingEventLocked(c.ItemID))
	}
	return events
}

// dropFailed is called by a connection's writer when a send fails.
func (r *Registry) dropFailed(c *Connection, err error) {
	r.logDelivery(c, err)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.removeLocked(c) {
		r.publishLocked(c.ItemID, ev, "")
	}
}

func (r *Registry) clearTypingLocked(itemID, userID string) bool {
	users := r.typing[itemID]
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(r.typing, itemID)
	}
	return true
}

func (r *Registry) typingEventLocked(itemID string) Event {
	return r.event(EventTypingUpdate, typingData{TypingUsers: r.typingUsersLocked(itemID)})
}

func (r *Registry) typingUsersLocked(itemID string) []TypingUser {
	users := []TypingUser{}
	for userID := range r.typing[itemID] {
		name := userID
		if p := r.presence[itemID][userID]; p != nil {
			name = p.name
		}
		users = append(users, TypingUser{UserID: userID, UserName: name})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

func (r *Registry) participantsLocked(itemID string) []Participant {
	out := []Participant{}
	for userID, p := range r.presence[itemID] {
		out = append(out, Participant{
			UserID:       userID,
			UserName:     p.name,
			LastSeen:     p.lastSeen,
			ConnectionID: p.connectionID,
			Connections:  p.conns.Cardinality(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Registry) event(typ string, data any) Event {
	return Event{Type: typ, Data: data, Timestamp: r.clock().UTC()}
}

func (r *Registry) logDelivery(c *Connection, err error) {
	derr := &airlock.DeliveryError{ConnectionID: c.ID, Err: err}
	r.logger.Warn("pruning connection", "item_id", c.ItemID, "user_id", c.UserID, "error", derr)
}
