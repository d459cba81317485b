package collab

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"livecollab/backend/internal/ot"
)

type recorder struct {
	events []Event
}

func (r *recorder) Send(evt Event) error {
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) last() Event {
	if len(r.events) == 0 {
		return Event{}
	}
	return r.events[len(r.events)-1]
}

func (r *recorder) ofType(k EventKind) []Event {
	var out []Event
	for _, e := range r.events {
		if e.Type == k {
			out = append(out, e)
		}
	}
	return out
}

type fakeSink struct {
	events []DocOpEvent
}

func (f *fakeSink) TryEnqueue(evt DocOpEvent) bool {
	f.events = append(f.events, evt)
	return true
}

func newTestSession(content string) *Session {
	n := 0
	return NewSession("s1", Document{Content: content, Filename: "main.go", Language: "go"}, Options{
		Now:   func() time.Time { return time.Unix(1700000000, 0) },
		NewID: func() string { n++; return fmt.Sprintf("id-%d", n) },
	})
}

func join(t *testing.T, s *Session, id string) *recorder {
	t.Helper()
	r := &recorder{}
	if _, err := s.AddClient(id, UserData{Name: "user-" + id}, r); err != nil {
		t.Fatalf("AddClient(%s) error = %v", id, err)
	}
	return r
}

func TestSession_FirstClientIsHostAndGetsSnapshot(t *testing.T) {
	s := newTestSession("HELLO")
	a := join(t, s, "A")

	if s.HostClientID() != "A" {
		t.Fatalf("host = %q, want A", s.HostClientID())
	}
	st, ok := a.last().Data.(SessionStatePayload)
	if a.last().Type != EventSessionState || !ok {
		t.Fatalf("first event = %+v, want session-state", a.last())
	}
	if !st.IsHost || st.Document.Content != "HELLO" || st.Revision != 0 {
		t.Fatalf("snapshot = %+v", st)
	}

	b := join(t, s, "B")
	if got := a.last(); got.Type != EventClientJoined {
		t.Fatalf("A got %s, want client-joined", got.Type)
	}
	st = b.last().Data.(SessionStatePayload)
	if st.IsHost || len(st.Clients) != 2 {
		t.Fatalf("B snapshot isHost=%v clients=%d", st.IsHost, len(st.Clients))
	}
	if len(b.ofType(EventClientJoined)) != 0 {
		t.Fatalf("joiner must not receive its own client-joined")
	}
}

func TestSession_OperationBroadcastToAllIncludingSender(t *testing.T) {
	s := newTestSession("HELLO")
	sink := &fakeSink{}
	s.opts.Sink = sink
	a := join(t, s, "A")
	b := join(t, s, "B")

	applied, err := s.HandleOperation("A", ot.Operation{Type: ot.KindInsert, Position: 5, Content: " WORLD"})
	if err != nil {
		t.Fatalf("HandleOperation error = %v", err)
	}
	if applied.Revision != 1 || s.Revision() != 1 {
		t.Fatalf("revision = %d/%d, want 1", applied.Revision, s.Revision())
	}
	if s.Content() != "HELLO WORLD" {
		t.Fatalf("content = %q", s.Content())
	}
	for name, r := range map[string]*recorder{"A": a, "B": b} {
		ev := r.last()
		p, ok := ev.Data.(OperationPayload)
		if ev.Type != EventOperation || !ok {
			t.Fatalf("%s last event = %+v", name, ev)
		}
		if p.ClientID != "A" || p.Revision != 1 || p.Operation.ClientID != "A" {
			t.Fatalf("%s payload = %+v", name, p)
		}
	}
	if len(sink.events) != 1 || sink.events[0].EventType != EventTypeOpApplied {
		t.Fatalf("sink events = %+v", sink.events)
	}
}

func TestSession_ConcurrentOpsTransformed(t *testing.T) {
	s := newTestSession("HELLO")
	join(t, s, "A")
	join(t, s, "B")

	if _, err := s.HandleOperation("B", ot.Operation{Type: ot.KindInsert, Position: 5, Content: "2"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.HandleOperation("A", ot.Operation{Type: ot.KindInsert, Position: 5, Content: "1"}); err != nil {
		t.Fatal(err)
	}
	if s.Content() != "HELLO12" {
		t.Fatalf("content = %q, want HELLO12", s.Content())
	}
}

// 所有客户端副本按服务端广播的顺序应用同样的操作，最终和服务端一致
func TestSession_ReplicasConverge(t *testing.T) {
	s := newTestSession("collaborative editing")
	recs := map[string]*recorder{}
	for _, id := range []string{"A", "B", "C"} {
		recs[id] = join(t, s, id)
	}
	// 三个客户端都基于版本 0 并发提交
	ops := []struct {
		client string
		op     ot.Operation
	}{
		{"C", ot.Operation{Type: ot.KindDelete, Position: 0, Length: 14}},
		{"A", ot.Operation{Type: ot.KindInsert, Position: 13, Content: " live"}},
		{"B", ot.Operation{Type: ot.KindReplace, Position: 14, OldLength: 7, Content: "EDITING"}},
	}
	for _, o := range ops {
		if _, err := s.HandleOperation(o.client, o.op); err != nil {
			t.Fatalf("HandleOperation(%s) error = %v", o.client, err)
		}
	}
	for id, r := range recs {
		doc := "collaborative editing"
		for _, ev := range r.ofType(EventOperation) {
			doc = ot.ApplyToString(doc, ev.Data.(OperationPayload).Operation)
		}
		if doc != s.Content() {
			t.Fatalf("replica %s = %q, server = %q", id, doc, s.Content())
		}
	}
	if s.Revision() != 3 {
		t.Fatalf("revision = %d, want 3", s.Revision())
	}
}

func TestSession_LockRejectsNonHost(t *testing.T) {
	s := newTestSession("abc")
	a := join(t, s, "A")
	b := join(t, s, "B")

	if err := s.SetLocked("B", true); !errors.Is(err, ErrNotHost) {
		t.Fatalf("non-host lock error = %v", err)
	}
	if err := s.SetLocked("A", true); err != nil {
		t.Fatalf("host lock error = %v", err)
	}
	if a.last().Type != EventSessionLocked || b.last().Type != EventSessionLocked {
		t.Fatalf("lock not broadcast")
	}

	_, err := s.HandleOperation("B", ot.Operation{Type: ot.KindInsert, Content: "x"})
	if !errors.Is(err, ErrSessionLocked) {
		t.Fatalf("locked op error = %v", err)
	}
	if b.last().Type != EventOperationRejected {
		t.Fatalf("B last = %s, want operation-rejected", b.last().Type)
	}
	if s.Content() != "abc" || s.Revision() != 0 {
		t.Fatalf("document changed while locked")
	}

	// host 仍可编辑，聊天也照常
	if _, err := s.HandleOperation("A", ot.Operation{Type: ot.KindInsert, Position: 3, Content: "d"}); err != nil {
		t.Fatalf("host op error = %v", err)
	}
	if _, err := s.AddChatMessage("B", "hi", ""); err != nil {
		t.Fatalf("chat while locked error = %v", err)
	}
}

func TestSession_OperationErrorGoesToSenderOnly(t *testing.T) {
	s := newTestSession("abc")
	a := join(t, s, "A")
	b := join(t, s, "B")
	before := len(b.events)

	if _, err := s.HandleOperation("A", ot.Operation{Type: "move", Position: 1}); err == nil {
		t.Fatalf("expected error for unknown type")
	}
	if a.last().Type != EventOperationError {
		t.Fatalf("A last = %s, want operation-error", a.last().Type)
	}
	if len(b.events) != before {
		t.Fatalf("B should not see the failure")
	}
	if s.Content() != "abc" || s.Revision() != 0 {
		t.Fatalf("document changed after failure")
	}
}

func TestSession_HostFailover(t *testing.T) {
	s := newTestSession("")
	join(t, s, "A")
	b := join(t, s, "B")
	c := join(t, s, "C")
	_ = s.UpdateCursor("A", Cursor{Line: 2, Column: 3})

	if !s.RemoveClient("A") {
		t.Fatalf("RemoveClient returned false")
	}
	if s.HostClientID() != "B" {
		t.Fatalf("new host = %q, want B (earliest remaining)", s.HostClientID())
	}
	for _, r := range []*recorder{b, c} {
		p, ok := r.last().Data.(ClientLeftPayload)
		if !ok || p.ClientID != "A" || p.HostClientID != "B" {
			t.Fatalf("client-left payload = %+v", r.last())
		}
	}
	if _, ok := s.Snapshot("B").Cursors["A"]; ok {
		t.Fatalf("cursor of departed client still present")
	}

	s.RemoveClient("B")
	s.RemoveClient("C")
	if s.State() != StateTerminated || s.HostClientID() != "" {
		t.Fatalf("state = %s host = %q after last leave", s.State(), s.HostClientID())
	}
	if _, err := s.AddClient("D", UserData{}, &recorder{}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("join terminated session error = %v", err)
	}
}

func TestSession_CursorIdempotent(t *testing.T) {
	s := newTestSession("abc")
	join(t, s, "A")
	b := join(t, s, "B")

	_ = s.UpdateCursor("A", Cursor{Line: 1, Column: 2})
	first := b.last()
	snap1 := s.Snapshot("B")
	_ = s.UpdateCursor("A", Cursor{Line: 1, Column: 2})
	second := b.last()
	snap2 := s.Snapshot("B")

	if first != second {
		t.Fatalf("broadcasts differ: %+v vs %+v", first, second)
	}
	if snap1.Cursors["A"] != snap2.Cursors["A"] {
		t.Fatalf("cursor state differs")
	}
	if s.Content() != "abc" || s.Revision() != 0 {
		t.Fatalf("cursor update mutated document")
	}
}

func TestSession_SelectionOthersOnly(t *testing.T) {
	s := newTestSession("abc")
	a := join(t, s, "A")
	b := join(t, s, "B")
	before := len(a.events)

	sel := &Selection{Start: Cursor{Line: 1, Column: 1}, End: Cursor{Line: 1, Column: 3}}
	if err := s.UpdateSelection("A", sel); err != nil {
		t.Fatal(err)
	}
	if len(a.events) != before {
		t.Fatalf("sender received its own selection-update")
	}
	if b.last().Type != EventSelectionUpdate {
		t.Fatalf("B last = %s", b.last().Type)
	}
	if _, ok := s.Snapshot("B").Selections["A"]; !ok {
		t.Fatalf("selection missing from snapshot")
	}
	_ = s.UpdateSelection("A", nil)
	if _, ok := s.Snapshot("B").Selections["A"]; ok {
		t.Fatalf("selection not cleared")
	}
}

func TestSession_ChatCappedAndSnapshotTail(t *testing.T) {
	s := newTestSession("")
	join(t, s, "A")
	for i := 0; i < 130; i++ {
		if _, err := s.AddChatMessage("A", fmt.Sprintf("m%d", i), ""); err != nil {
			t.Fatal(err)
		}
	}
	if len(s.chat) != 100 {
		t.Fatalf("chat len = %d, want 100", len(s.chat))
	}
	if s.chat[0].Content != "m30" {
		t.Fatalf("oldest = %q, want m30", s.chat[0].Content)
	}
	snap := s.Snapshot("A")
	if len(snap.ChatMessages) != 50 || snap.ChatMessages[0].Content != "m80" {
		t.Fatalf("snapshot chat len=%d first=%q", len(snap.ChatMessages), snap.ChatMessages[0].Content)
	}
}

func TestSession_Comments(t *testing.T) {
	s := newTestSession("")
	a := join(t, s, "A")
	cm, err := s.AddComment("A", "typo here", 3, 7)
	if err != nil {
		t.Fatal(err)
	}
	if cm.Author != "user-A" || cm.Line != 3 || a.last().Type != EventCommentAdded {
		t.Fatalf("comment = %+v last = %s", cm, a.last().Type)
	}
	if err := s.ResolveComment("A", cm.ID); err != nil {
		t.Fatal(err)
	}
	if !s.comments[0].Resolved || a.last().Type != EventCommentResolved {
		t.Fatalf("comment not resolved")
	}
	if err := s.ResolveComment("A", "nope"); !errors.Is(err, ErrCommentNotFound) {
		t.Fatalf("unknown comment error = %v", err)
	}
}

func TestSession_Password(t *testing.T) {
	s := newTestSession("")
	if err := s.CheckPassword("anything"); err != nil {
		t.Fatalf("no password set, got %v", err)
	}
	if err := s.SetPassword("s3cret"); err != nil {
		t.Fatal(err)
	}
	if err := s.CheckPassword("wrong"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("wrong password error = %v", err)
	}
	if err := s.CheckPassword("s3cret"); err != nil {
		t.Fatalf("right password error = %v", err)
	}
}

func TestSession_CloseNotifiesMembers(t *testing.T) {
	s := newTestSession("x")
	sink := &fakeSink{}
	s.opts.Sink = sink
	a := join(t, s, "A")
	b := join(t, s, "B")

	ids := s.Close("capacity")
	if len(ids) != 2 {
		t.Fatalf("closed ids = %v", ids)
	}
	for _, r := range []*recorder{a, b} {
		if r.last().Type != EventSessionClosed {
			t.Fatalf("last = %s, want session-closed", r.last().Type)
		}
	}
	if s.ClientCount() != 0 || s.State() != StateTerminated {
		t.Fatalf("session not terminated")
	}
	if len(sink.events) != 1 || sink.events[0].EventType != EventTypeSessionClosed {
		t.Fatalf("sink = %+v", sink.events)
	}
}

// fullTransport 模拟发送队列已满的连接
type fullTransport struct {
	full   bool
	closed int
}

func (f *fullTransport) Send(Event) error {
	if f.full {
		return ErrSendQueueFull
	}
	return nil
}

func (f *fullTransport) Close() { f.closed++ }

func TestSession_LostOperationClosesClient(t *testing.T) {
	s := newTestSession("abc")
	join(t, s, "A")
	slow := &fullTransport{}
	if _, err := s.AddClient("B", UserData{Name: "user-B"}, slow); err != nil {
		t.Fatal(err)
	}
	slow.full = true

	// 光标、选区、聊天丢了不断开
	_ = s.UpdateCursor("A", Cursor{Line: 1, Column: 1})
	_ = s.UpdateSelection("A", &Selection{End: Cursor{Line: 1, Column: 2}})
	if _, err := s.AddChatMessage("A", "hi", ""); err != nil {
		t.Fatal(err)
	}
	if slow.closed != 0 {
		t.Fatalf("closed %d times on droppable events", slow.closed)
	}

	if _, err := s.HandleOperation("A", ot.Operation{Type: ot.KindInsert, Position: 3, Content: "d"}); err != nil {
		t.Fatalf("HandleOperation error = %v", err)
	}
	if slow.closed != 1 {
		t.Fatalf("closed %d times after lost operation, want 1", slow.closed)
	}
	if s.Content() != "abcd" {
		t.Fatalf("content = %q", s.Content())
	}
}

func TestSession_LostSnapshotClosesClient(t *testing.T) {
	s := newTestSession("abc")
	join(t, s, "A")
	slow := &fullTransport{full: true}
	if _, err := s.AddClient("B", UserData{Name: "user-B"}, slow); err != nil {
		t.Fatal(err)
	}
	if slow.closed != 1 {
		t.Fatalf("closed %d times after lost session-state, want 1", slow.closed)
	}
}
