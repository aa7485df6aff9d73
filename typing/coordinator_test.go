package typing

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/example/nats-chat-gateway/protocol"
)

// eventSink records fanned-out typing events.
type eventSink struct {
	mu     sync.Mutex
	events []recorded
}

type recorded struct {
	roomID string
	typ    string
	userID string
	except string
}

func (s *eventSink) fanout(roomID string, data []byte, exceptUser string) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		panic(err)
	}
	var evt protocol.TypingEvent
	if err := json.Unmarshal(env.Payload, &evt); err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recorded{roomID: roomID, typ: env.Type, userID: evt.UserID, except: exceptUser})
}

func (s *eventSink) byType(typ string) []recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recorded
	for _, e := range s.events {
		if e.typ == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestCoordinator_BeginBroadcastsOnce(t *testing.T) {
	sink := &eventSink{}
	c := New(3*time.Second, sink.fanout)

	c.Begin("general", "alice", "Alice")
	c.Begin("general", "alice", "Alice")
	c.Begin("general", "alice", "Alice")

	typed := sink.byType(protocol.EvtUserTyping)
	if len(typed) != 1 {
		t.Fatalf("expected exactly 1 user_typing event, got %d", len(typed))
	}
	if typed[0].userID != "alice" || typed[0].roomID != "general" {
		t.Errorf("unexpected event %+v", typed[0])
	}
	if typed[0].except != "alice" {
		t.Errorf("typing event should exclude its author, except=%q", typed[0].except)
	}
}

func TestCoordinator_EndIdempotent(t *testing.T) {
	sink := &eventSink{}
	c := New(3*time.Second, sink.fanout)

	c.Begin("general", "alice", "Alice")
	c.End("general", "alice")
	c.End("general", "alice")

	stops := sink.byType(protocol.EvtUserStoppedTyping)
	if len(stops) != 1 {
		t.Fatalf("expected exactly 1 user_stopped_typing event, got %d", len(stops))
	}
	if c.Active("general", "alice") {
		t.Error("entry should be gone after End")
	}
}

func TestCoordinator_AutoExpiry(t *testing.T) {
	sink := &eventSink{}
	c := New(3*time.Second, sink.fanout)
	now := time.Now()
	c.nowFunc = func() time.Time { return now }

	c.Begin("general", "alice", "Alice")

	now = now.Add(2 * time.Second)
	c.sweep()
	if got := len(sink.byType(protocol.EvtUserStoppedTyping)); got != 0 {
		t.Fatalf("entry expired early: %d stop events", got)
	}

	now = now.Add(2 * time.Second)
	c.sweep()
	stops := sink.byType(protocol.EvtUserStoppedTyping)
	if len(stops) != 1 {
		t.Fatalf("expected exactly 1 stop event after expiry, got %d", len(stops))
	}
	if c.Active("general", "alice") {
		t.Error("expired entry should be removed")
	}
}

func TestCoordinator_RefreshDefersExpiry(t *testing.T) {
	sink := &eventSink{}
	c := New(3*time.Second, sink.fanout)
	now := time.Now()
	c.nowFunc = func() time.Time { return now }

	c.Begin("general", "alice", "Alice")
	now = now.Add(2 * time.Second)
	c.Begin("general", "alice", "Alice") // refresh, no re-broadcast
	now = now.Add(2 * time.Second)
	c.sweep()

	if got := len(sink.byType(protocol.EvtUserStoppedTyping)); got != 0 {
		t.Fatalf("refreshed entry should not expire yet, got %d stops", got)
	}
	if got := len(sink.byType(protocol.EvtUserTyping)); got != 1 {
		t.Fatalf("refresh must not re-broadcast, got %d typing events", got)
	}
}

func TestCoordinator_StopNeverPrecedesStart(t *testing.T) {
	sink := &eventSink{}
	c := New(3*time.Second, sink.fanout)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Begin("general", "alice", "Alice")
		}()
		go func() {
			defer wg.Done()
			c.End("general", "alice")
		}()
		wg.Wait()
		c.End("general", "alice") // clear any entry that outlived the race
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	starts, stops := 0, 0
	for _, e := range sink.events {
		switch e.typ {
		case protocol.EvtUserTyping:
			starts++
		case protocol.EvtUserStoppedTyping:
			stops++
		}
		if stops > starts {
			t.Fatal("stop event emitted before its matching start")
		}
	}
	if starts != stops {
		t.Errorf("unbalanced typing events: %d starts, %d stops", starts, stops)
	}
}

func TestCoordinator_EndAllStopsEveryRoom(t *testing.T) {
	sink := &eventSink{}
	c := New(3*time.Second, sink.fanout)

	c.Begin("general", "alice", "Alice")
	c.Begin("random", "alice", "Alice")
	c.Begin("general", "bob", "Bob")

	c.EndAll("alice")

	stops := sink.byType(protocol.EvtUserStoppedTyping)
	if len(stops) != 2 {
		t.Fatalf("expected 2 stop events for alice, got %d", len(stops))
	}
	for _, s := range stops {
		if s.userID != "alice" {
			t.Errorf("unexpected stop for %s", s.userID)
		}
	}
	if !c.Active("general", "bob") {
		t.Error("bob's entry must survive alice's disconnect")
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 remaining entry, got %d", c.Len())
	}
}
