package memory

import "testing"

func TestAppendThenGet(t *testing.T) {
	s := New()
	s.Append("u1", RoleUser, "hi")
	s.Append("u1", RoleAssistant, "hello")

	history := s.Get("u1", 0)
	if len(history) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(history))
	}
	if history[0].Content != "hi" || history[1].Content != "hello" {
		t.Fatalf("unexpected order: %+v", history)
	}
}

func TestGetUnknownUserIsEmpty(t *testing.T) {
	s := New()
	if history := s.Get("nobody", 0); len(history) != 0 {
		t.Fatalf("expected empty history, got %+v", history)
	}
}

func TestGetRespectsLimit(t *testing.T) {
	s := New()
	for i := 0; i < 5; i++ {
		s.Append("u1", RoleUser, "msg")
	}
	if history := s.Get("u1", 2); len(history) != 2 {
		t.Fatalf("expected 2 messages with limit, got %d", len(history))
	}
	if history := s.Get("u1", 0); len(history) != 5 {
		t.Fatalf("expected all 5 messages with no limit, got %d", len(history))
	}
}

func TestClearIsIdempotent(t *testing.T) {
	s := New()
	s.Append("u1", RoleUser, "hi")
	s.Clear("u1")
	s.Clear("u1")
	if history := s.Get("u1", 0); len(history) != 0 {
		t.Fatalf("expected cleared history, got %+v", history)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := New()
	s.Append("u1", RoleUser, "hi")
	history := s.Get("u1", 0)
	history[0].Content = "mutated"

	fresh := s.Get("u1", 0)
	if fresh[0].Content != "hi" {
		t.Fatalf("store history was mutated through returned slice")
	}
}
