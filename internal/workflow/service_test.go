package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/kalambet/airlock/internal/airlock"
	"github.com/kalambet/airlock/internal/realtime"
	"github.com/kalambet/airlock/internal/storage"
)

type sent struct {
	itemID  string
	event   realtime.Event
	exclude string
}

type mockHub struct {
	mu      sync.Mutex
	sent    []sent
	cleared []string
	ops     []string
}

func (m *mockHub) Broadcast(itemID string, ev realtime.Event, exclude string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sent{itemID, ev, exclude})
	m.ops = append(m.ops, "broadcast "+ev.Type)
}

func (m *mockHub) ClearTyping(itemID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared = append(m.cleared, userID)
	m.ops = append(m.ops, "clear "+userID)
}

func (m *mockHub) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		out = append(out, s.event.Type)
	}
	return out
}

type auditCall struct {
	eventType, entityID, actorID, action string
}

type mockAudit struct {
	mu    sync.Mutex
	calls []auditCall
}

func (m *mockAudit) LogEvent(eventType, entityType, entityID, actorType, actorID, action string, details map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, auditCall{eventType, entityID, actorID, action})
}

func newTestService(t *testing.T) (*Service, *mockHub, *mockAudit, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	hub := &mockHub{}
	audit := &mockAudit{}
	return NewService(store, hub, audit), hub, audit, store
}

func submit(t *testing.T, svc *Service) airlock.Item {
	t.Helper()
	it, err := svc.CreateItem(context.Background(), airlock.NewItem{
		ContentType:        airlock.ContentTrainingValidation,
		SourceService:      "training-validation",
		SourceID:           "unit-42",
		Title:              "Unit 42 assessment",
		Content:            json.RawMessage(`{"score":0.8}`),
		AssignedReviewerID: "r1",
	})
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	return it
}

func TestApproveScenario(t *testing.T) {
	svc, hub, audit, _ := newTestService(t)
	ctx := context.Background()
	it := submit(t, svc)

	got, err := svc.Approve(ctx, it.ID, "r1", "looks right")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if got.Status != airlock.StatusApproved || got.ApprovedBy != "r1" || got.ApprovedAt == nil {
		t.Errorf("approved item = %+v", got)
	}

	if types := hub.types(); len(types) != 1 || types[0] != realtime.EventItemUpdated {
		t.Errorf("broadcasts = %v, want one item_updated", types)
	}
	upd := hub.sent[0].event.Data.(itemUpdate)
	if upd.SystemMessage.SenderID != airlock.SystemSenderID || upd.SystemMessage.Content != "Item approved by r1" {
		t.Errorf("system message = %+v", upd.SystemMessage)
	}
	if hub.sent[0].exclude != "" {
		t.Error("REST-triggered transition should reach every connection")
	}

	if len(audit.calls) != 2 || audit.calls[1].eventType != "airlock_item_approve" {
		t.Errorf("audit calls = %+v", audit.calls)
	}

	msgs, err := svc.ListMessages(ctx, it.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[1].MessageType != airlock.MessageSystem {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestRejectAfterApproveScenario(t *testing.T) {
	svc, hub, _, _ := newTestService(t)
	ctx := context.Background()
	it := submit(t, svc)

	if _, err := svc.Approve(ctx, it.ID, "r1", ""); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Reject(ctx, it.ID, "r2", "changed my mind", "")
	var ise *airlock.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("err = %v, want InvalidStateError", err)
	}
	if ise.Current != airlock.StatusApproved {
		t.Errorf("current = %q", ise.Current)
	}

	got, _ := svc.GetItem(ctx, it.ID)
	if got.Status != airlock.StatusApproved || got.RejectedBy != "" {
		t.Errorf("item changed: %+v", got)
	}
	if len(hub.types()) != 1 {
		t.Errorf("failed transition broadcast something: %v", hub.types())
	}
}

func TestRevisionScenario(t *testing.T) {
	svc, hub, _, _ := newTestService(t)
	ctx := context.Background()
	it := submit(t, svc)

	if _, err := svc.RequestChanges(ctx, it.ID, "r1", "tighten criteria", []string{"add evidence"}); err != nil {
		t.Fatalf("RequestChanges: %v", err)
	}
	rev, err := svc.CreateRevision(ctx, it.ID, airlock.NewRevision{
		Content:        json.RawMessage(`{"score":0.9}`),
		ChangesSummary: "added evidence",
		CreatedBy:      "agent-7",
	})
	if err != nil {
		t.Fatalf("CreateRevision: %v", err)
	}
	if rev.RevisionNumber != 1 {
		t.Errorf("revision number = %d, want 1", rev.RevisionNumber)
	}

	got, _ := svc.GetItem(ctx, it.ID)
	if got.Status != airlock.StatusInRevision || string(got.Content) != `{"score":0.9}` {
		t.Errorf("item after revision: status=%q content=%s", got.Status, got.Content)
	}

	types := hub.types()
	if len(types) != 2 || types[1] != realtime.EventNewRevision {
		t.Errorf("broadcasts = %v", types)
	}

	// Revising moves out of pending_review, so approval is no longer allowed.
	if _, err := svc.Approve(ctx, it.ID, "r1", ""); !airlock.IsInvalidState(err) {
		t.Errorf("approve in_revision: err = %v, want InvalidStateError", err)
	}
}

func TestConcurrentRevisionsGapFree(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	it := submit(t, svc)

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var numbers []int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rev, err := svc.CreateRevision(ctx, it.ID, airlock.NewRevision{
				Content:   json.RawMessage(fmt.Sprintf(`{"v":%d}`, i)),
				CreatedBy: "agent",
			})
			if err != nil {
				t.Errorf("CreateRevision: %v", err)
				return
			}
			mu.Lock()
			numbers = append(numbers, rev.RevisionNumber)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	sort.Ints(numbers)
	for i, got := range numbers {
		if got != i+1 {
			t.Fatalf("revision numbers = %v, want 1..%d", numbers, n)
		}
	}
}

func TestUpdateItemNoChanges(t *testing.T) {
	svc, hub, _, _ := newTestService(t)
	ctx := context.Background()
	it := submit(t, svc)

	same := it.Title
	_, err := svc.UpdateItem(ctx, it.ID, airlock.Patch{Title: &same}, "u1")
	if !errors.Is(err, ErrNoChanges) {
		t.Fatalf("err = %v, want ErrNoChanges", err)
	}
	if len(hub.types()) != 0 {
		t.Errorf("no-op update broadcast %v", hub.types())
	}

	title := "Renamed"
	got, err := svc.UpdateItem(ctx, it.ID, airlock.Patch{Title: &title}, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != title {
		t.Errorf("title = %q", got.Title)
	}
	upd := hub.sent[0].event.Data.(itemUpdate)
	if _, ok := upd.Changes["title"]; !ok {
		t.Errorf("changes = %v", upd.Changes)
	}
}

func TestUpdateItemStatusPatchSkipsGuards(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	it := submit(t, svc)
	if _, err := svc.RequestChanges(ctx, it.ID, "r1", "tighten wording", nil); err != nil {
		t.Fatal(err)
	}
	approved := airlock.StatusApproved
	got, err := svc.UpdateItem(ctx, it.ID, airlock.Patch{Status: &approved}, "u1")
	if err != nil {
		t.Fatalf("approve via patch from requires_changes: %v", err)
	}
	if got.Status != airlock.StatusApproved || got.ApprovedBy != "u1" || got.ApprovedAt == nil {
		t.Errorf("approved item = %+v", got)
	}

	other := submit(t, svc)
	if _, err := svc.CreateRevision(ctx, other.ID, airlock.NewRevision{
		Content: json.RawMessage(`{"score":0.9}`), CreatedBy: "agent",
	}); err != nil {
		t.Fatal(err)
	}
	rejected := airlock.StatusRejected
	got, err = svc.UpdateItem(ctx, other.ID, airlock.Patch{Status: &rejected}, "u1")
	if err != nil {
		t.Fatalf("reject via patch without reason: %v", err)
	}
	if got.Status != airlock.StatusRejected || got.RejectedBy != "u1" || got.RejectedAt == nil {
		t.Errorf("rejected item = %+v", got)
	}
}

func TestResubmit(t *testing.T) {
	svc, hub, audit, _ := newTestService(t)
	ctx := context.Background()
	it := submit(t, svc)

	if _, err := svc.Resubmit(ctx, it.ID, "agent", ""); !airlock.IsInvalidState(err) {
		t.Fatalf("resubmit pending item: err = %v, want InvalidStateError", err)
	}
	if _, err := svc.Resubmit(ctx, it.ID, "", ""); !airlock.IsValidation(err) {
		t.Fatalf("resubmit without actor: err = %v, want ValidationError", err)
	}
	if _, err := svc.Reject(ctx, it.ID, "r1", "blurry", ""); err != nil {
		t.Fatal(err)
	}

	hub.mu.Lock()
	hub.sent = nil
	hub.mu.Unlock()
	got, err := svc.Resubmit(ctx, it.ID, "agent", "fixed")
	if err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	if got.Status != airlock.StatusPendingReview {
		t.Errorf("status = %q", got.Status)
	}
	if len(hub.sent) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(hub.sent))
	}
	upd := hub.sent[0].event.Data.(itemUpdate)
	if upd.Action != "resubmit" || upd.SystemMessage.MessageType != airlock.MessageSystem {
		t.Errorf("update = %+v", upd)
	}
	if last := audit.calls[len(audit.calls)-1]; last.eventType != "airlock_item_resubmit" || last.actorID != "agent" {
		t.Errorf("audit = %+v", last)
	}
	if _, err := svc.Approve(ctx, it.ID, "r1", ""); err != nil {
		t.Errorf("approve after resubmit: %v", err)
	}
}

func TestUnknownItem(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Approve(ctx, "missing", "r1", ""); !airlock.IsNotFound(err) {
		t.Errorf("Approve: err = %v, want NotFoundError", err)
	}
	if _, err := svc.AppendMessage(ctx, "missing", airlock.NewMessage{SenderType: airlock.ParticipantHuman, SenderID: "u", Content: "x"}, ""); !airlock.IsNotFound(err) {
		t.Errorf("AppendMessage: err = %v, want NotFoundError", err)
	}
	if _, err := svc.AuditTrail(ctx, "missing", 0, 0); !airlock.IsNotFound(err) {
		t.Errorf("AuditTrail: err = %v, want NotFoundError", err)
	}
}

func TestAppendMessageEchoPolicy(t *testing.T) {
	svc, hub, _, _ := newTestService(t)
	ctx := context.Background()
	it := submit(t, svc)

	_, err := svc.AppendMessage(ctx, it.ID, airlock.NewMessage{
		SenderType: airlock.ParticipantHuman, SenderID: "alice", Content: "hi",
	}, "conn-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(hub.sent) != 1 || hub.sent[0].exclude != "conn-a" || hub.sent[0].event.Type != realtime.EventNewMessage {
		t.Errorf("broadcast = %+v", hub.sent)
	}
	if len(hub.cleared) != 1 || hub.cleared[0] != "alice" {
		t.Errorf("typing not cleared for sender: %v", hub.cleared)
	}
	if len(hub.ops) != 2 || hub.ops[0] != "broadcast new_message" || hub.ops[1] != "clear alice" {
		t.Errorf("ops = %v, want new_message before typing clear", hub.ops)
	}
}

func TestAppendFeedbackBroadcastOrder(t *testing.T) {
	svc, hub, audit, _ := newTestService(t)
	ctx := context.Background()
	it := submit(t, svc)

	fb, err := svc.AppendFeedback(ctx, it.ID, airlock.NewFeedback{
		FeedbackType: airlock.FeedbackImprovement,
		FeedbackData: json.RawMessage(`{"note":"shorter"}`),
		ProvidedBy:   "r1",
	}, "", "")
	if err != nil {
		t.Fatal(err)
	}
	types := hub.types()
	if len(types) != 2 || types[0] != realtime.EventNewFeedback || types[1] != realtime.EventNewMessage {
		t.Errorf("broadcast order = %v", types)
	}
	mirror := hub.sent[1].event.Data.(airlock.ChatMessage)
	if mirror.MessageType != airlock.MessageFeedback || mirror.SenderID != "r1" {
		t.Errorf("mirror = %+v", mirror)
	}
	if fb.Severity != airlock.SeverityMedium {
		t.Errorf("severity = %q", fb.Severity)
	}
	if last := audit.calls[len(audit.calls)-1]; last.eventType != "airlock_feedback_added" {
		t.Errorf("audit = %+v", last)
	}
}

func TestReact(t *testing.T) {
	svc, hub, _, _ := newTestService(t)
	ctx := context.Background()
	it := submit(t, svc)

	msg, err := svc.AppendMessage(ctx, it.ID, airlock.NewMessage{SenderType: airlock.ParticipantHuman, SenderID: "alice", Content: "v2?"}, "")
	if err != nil {
		t.Fatal(err)
	}
	r, err := svc.React(ctx, it.ID, msg.ID, airlock.ParticipantHuman, "bob", "Bob", "👍", "conn-b")
	if err != nil {
		t.Fatalf("React: %v", err)
	}
	if r.MessageType != airlock.MessageReaction || r.ReplyToMessageID != msg.ID {
		t.Errorf("reaction = %+v", r)
	}
	if last := hub.sent[len(hub.sent)-1]; last.exclude != "conn-b" {
		t.Errorf("reaction echoed to origin: %+v", last)
	}
}

func TestListItemsRejectsUnknownFilter(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	if _, err := svc.ListItems(context.Background(), airlock.ItemFilter{Status: "archived"}); !airlock.IsValidation(err) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestKeyedMutexReleasesKeys(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	done := make(chan struct{})
	go func() {
		u := k.Lock("a")
		u()
		close(done)
	}()
	unlock()
	<-done
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.locks) != 0 {
		t.Errorf("locks not released: %d", len(k.locks))
	}
}
