package session

import (
	"fmt"
	"testing"
)

func TestSession_RoomBookkeeping(t *testing.T) {
	s := New("s1", "alice", "Alice", 8)

	if !s.AddRoom("general") {
		t.Fatal("first join should report new subscription")
	}
	if s.AddRoom("general") {
		t.Fatal("repeated join should report existing subscription")
	}
	if !s.InRoom("general") {
		t.Fatal("session should be in general")
	}
	if !s.RemoveRoom("general") {
		t.Fatal("leave should succeed")
	}
	if s.RemoveRoom("general") {
		t.Fatal("second leave should report not subscribed")
	}
}

func TestSession_EnqueueOrder(t *testing.T) {
	s := New("s1", "alice", "Alice", 8)

	for i := 0; i < 3; i++ {
		s.Enqueue([]byte(fmt.Sprintf("m%d", i)))
	}
	for i := 0; i < 3; i++ {
		got := string(<-s.Outbound())
		want := fmt.Sprintf("m%d", i)
		if got != want {
			t.Errorf("expected %s at position %d, got %s", want, i, got)
		}
	}
}

func TestSession_EnqueueDropsOldestWhenFull(t *testing.T) {
	s := New("s1", "alice", "Alice", 2)

	s.Enqueue([]byte("m0"))
	s.Enqueue([]byte("m1"))
	s.Enqueue([]byte("m2")) // overflow: m0 is shed

	if got := string(<-s.Outbound()); got != "m1" {
		t.Errorf("expected oldest surviving event m1, got %s", got)
	}
	if got := string(<-s.Outbound()); got != "m2" {
		t.Errorf("expected m2, got %s", got)
	}
	if s.Dropped() != 1 {
		t.Errorf("expected 1 dropped event, got %d", s.Dropped())
	}
}

func TestSession_EnqueueSignalsSlowConsumer(t *testing.T) {
	s := New("s1", "alice", "Alice", 1)
	s.Enqueue([]byte("fill"))

	ok := true
	for i := 0; i < maxConsecutiveDrops+1; i++ {
		ok = s.Enqueue([]byte("x"))
	}
	if ok {
		t.Fatal("session exceeding the consecutive-drop threshold should be flagged for disconnect")
	}
}

func TestSession_EnqueueAfterClose(t *testing.T) {
	s := New("s1", "alice", "Alice", 8)
	s.Close()
	s.Close() // idempotent

	if s.Enqueue([]byte("x")) {
		t.Fatal("enqueue after close should report failure")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestRegistry_SubscribeUnsubscribe(t *testing.T) {
	r := NewRegistry()
	s1 := New("s1", "alice", "Alice", 8)
	s2 := New("s2", "bob", "Bob", 8)
	r.Add(s1)
	r.Add(s2)

	if first := r.Subscribe("general", s1); !first {
		t.Fatal("first subscriber should be reported as first")
	}
	if first := r.Subscribe("general", s2); first {
		t.Fatal("second subscriber should not be first")
	}

	subs := r.Subscribers("general")
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscribers, got %d", len(subs))
	}

	if last := r.Unsubscribe("general", "s1"); last {
		t.Fatal("room still has a subscriber")
	}
	if last := r.Unsubscribe("general", "s2"); !last {
		t.Fatal("removing the final subscriber should report last")
	}
	if r.RoomCount() != 0 {
		t.Errorf("expected 0 rooms, got %d", r.RoomCount())
	}
}

func TestRegistry_RemoveClearsAllRooms(t *testing.T) {
	r := NewRegistry()
	s := New("s1", "alice", "Alice", 8)
	r.Add(s)
	r.Subscribe("general", s)
	r.Subscribe("random", s)

	r.Remove("s1")

	if r.Count() != 0 {
		t.Errorf("expected 0 sessions, got %d", r.Count())
	}
	if got := r.Subscribers("general"); got != nil {
		t.Errorf("expected no subscribers in general, got %d", len(got))
	}
	if got := r.Subscribers("random"); got != nil {
		t.Errorf("expected no subscribers in random, got %d", len(got))
	}
}
