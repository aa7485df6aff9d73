package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/nats-chat-gateway/gateways"
	"github.com/example/nats-chat-gateway/protocol"
	"github.com/example/nats-chat-gateway/session"
)

// fakePersist records appends and can be told to fail.
type fakePersist struct {
	mu      sync.Mutex
	fail    bool
	appends []protocol.Message
}

func (f *fakePersist) Append(_ context.Context, msg protocol.Message) (gateways.PersistedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends = append(f.appends, msg)
	if f.fail {
		return gateways.PersistedMessage{}, errors.New("store unavailable")
	}
	return gateways.PersistedMessage{ID: "msg-1", CreatedAt: 1700000000000}, nil
}

func (f *fakePersist) History(context.Context, string, int64, int) (gateways.HistoryPage, error) {
	return gateways.HistoryPage{}, nil
}

func (f *fakePersist) appendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appends)
}

// recordRelay captures relay publishes.
type recordRelay struct {
	mu     sync.Mutex
	frames []struct {
		room   string
		except string
	}
}

func (r *recordRelay) Publish(roomID string, _ []byte, exceptUser string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, struct {
		room   string
		except string
	}{roomID, exceptUser})
	return nil
}

func (r *recordRelay) Subscribe(string) error   { return nil }
func (r *recordRelay) Unsubscribe(string) error { return nil }
func (r *recordRelay) Close()                   {}

func drain(t *testing.T, s *session.Session) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for {
		select {
		case data := <-s.Outbound():
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatal(err)
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func joined(t *testing.T, reg *session.Registry, id, userID, room string) *session.Session {
	t.Helper()
	s := session.New(id, userID, userID, 16)
	reg.Add(s)
	s.AddRoom(room)
	reg.Subscribe(room, s)
	return s
}

func newBroadcaster(persist *fakePersist, rel *recordRelay) (*Broadcaster, *session.Registry) {
	reg := session.NewRegistry()
	b := New(reg, rel, persist, 4096, 2*time.Second)
	b.newID = func() string { return "local-id" }
	b.nowFunc = func() time.Time { return time.UnixMilli(1700000000000) }
	return b, reg
}

func TestPublish_DeliversToMembersNotSenderSession(t *testing.T) {
	persist := &fakePersist{}
	b, reg := newBroadcaster(persist, &recordRelay{})

	alice := joined(t, reg, "s1", "alice", "general")
	aliceTablet := joined(t, reg, "s2", "alice", "general")
	bob := joined(t, reg, "s3", "bob", "general")

	msg, err := b.Publish(context.Background(), alice, "general", "hello", "text")
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "msg-1" || msg.CreatedAt != 1700000000000 {
		t.Errorf("expected canonical id and timestamp from store, got %+v", msg)
	}

	if got := drain(t, alice); len(got) != 0 {
		t.Errorf("sender session must not receive its own message, got %v", got)
	}
	for _, s := range []*session.Session{aliceTablet, bob} {
		events := drain(t, s)
		if len(events) != 1 || events[0].Type != protocol.EvtMessageReceived {
			t.Errorf("session %s expected 1 message_received, got %v", s.ID, events)
		}
	}
}

func TestPublish_RejectsNonMemberWithoutSideEffects(t *testing.T) {
	persist := &fakePersist{}
	rel := &recordRelay{}
	b, reg := newBroadcaster(persist, rel)

	alice := session.New("s1", "alice", "alice", 16)
	reg.Add(alice)
	bob := joined(t, reg, "s2", "bob", "general")

	_, err := b.Publish(context.Background(), alice, "general", "hello", "text")
	if !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
	if persist.appendCount() != 0 {
		t.Error("rejected send must not reach the store")
	}
	if got := drain(t, bob); len(got) != 0 {
		t.Errorf("rejected send must not fan out, got %v", got)
	}
	if len(rel.frames) != 0 {
		t.Error("rejected send must not hit the relay")
	}
}

func TestPublish_ValidatesContent(t *testing.T) {
	b, reg := newBroadcaster(&fakePersist{}, &recordRelay{})
	alice := joined(t, reg, "s1", "alice", "general")

	for _, content := range []string{"", "   ", strings.Repeat("x", 5000)} {
		if _, err := b.Publish(context.Background(), alice, "general", content, "text"); !errors.Is(err, ErrValidation) {
			t.Errorf("content %q should be rejected, got %v", content[:min(len(content), 10)], err)
		}
	}
}

func TestPublish_PersistFailureStillDelivers(t *testing.T) {
	persist := &fakePersist{fail: true}
	b, reg := newBroadcaster(persist, &recordRelay{})

	alice := joined(t, reg, "s1", "alice", "general")
	bob := joined(t, reg, "s2", "bob", "general")

	msg, err := b.Publish(context.Background(), alice, "general", "hello", "text")
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "local-id" {
		t.Errorf("expected locally generated id, got %q", msg.ID)
	}

	events := drain(t, bob)
	if len(events) != 1 || events[0].Type != protocol.EvtMessageReceived {
		t.Fatalf("recipient must still get the message, got %v", events)
	}

	senderEvents := drain(t, alice)
	if len(senderEvents) != 1 || senderEvents[0].Type != protocol.EvtPersistWarning {
		t.Fatalf("sender must get a persistence_warning, got %v", senderEvents)
	}
}

func TestFanoutEvent_ExcludesAllSessionsOfUser(t *testing.T) {
	rel := &recordRelay{}
	b, reg := newBroadcaster(&fakePersist{}, rel)

	alice := joined(t, reg, "s1", "alice", "general")
	aliceTablet := joined(t, reg, "s2", "alice", "general")
	bob := joined(t, reg, "s3", "bob", "general")

	data := protocol.MustEncode(protocol.EvtUserTyping, protocol.TypingEvent{RoomID: "general", UserID: "alice"})
	b.FanoutEvent("general", data, "alice")

	if got := drain(t, alice); len(got) != 0 {
		t.Errorf("alice s1 must be excluded, got %v", got)
	}
	if got := drain(t, aliceTablet); len(got) != 0 {
		t.Errorf("alice s2 must be excluded, got %v", got)
	}
	if got := drain(t, bob); len(got) != 1 {
		t.Errorf("bob must receive the event, got %v", got)
	}

	rel.mu.Lock()
	defer rel.mu.Unlock()
	if len(rel.frames) != 1 || rel.frames[0].except != "alice" {
		t.Errorf("relay must carry the user exclusion, got %+v", rel.frames)
	}
}

func TestHandleRemote_MirrorsWithoutRepublishing(t *testing.T) {
	rel := &recordRelay{}
	b, reg := newBroadcaster(&fakePersist{}, rel)

	bob := joined(t, reg, "s1", "bob", "general")

	data := protocol.MustEncode(protocol.EvtMessageReceived, protocol.Message{RoomID: "general", UserID: "alice", Content: "hi"})
	b.HandleRemote("general", data, "")

	if got := drain(t, bob); len(got) != 1 {
		t.Errorf("remote frame must reach local sessions, got %v", got)
	}
	if len(rel.frames) != 0 {
		t.Error("remote frames must not be re-published to the relay")
	}
}
