package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type flakySender struct {
	failures int32
	calls    int32
}

func (s *flakySender) SendClientReminder(context.Context, string, []string, string, string) error {
	n := atomic.AddInt32(&s.calls, 1)
	if n <= s.failures {
		return errors.New("smtp unavailable")
	}
	return nil
}

func (s *flakySender) SendConfirmationRequest(context.Context, []string, string, string, string) error {
	return nil
}

func TestRetryingSenderEventuallySucceeds(t *testing.T) {
	inner := &flakySender{failures: 2}
	s := NewRetryingSender(inner, 3, time.Millisecond, nil)

	err := s.SendClientReminder(context.Background(), "Acme", []string{"a@b.test"}, "hi", "http://portal")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetryingSenderExhausts(t *testing.T) {
	inner := &flakySender{failures: 10}
	s := NewRetryingSender(inner, 3, time.Millisecond, nil)

	err := s.SendClientReminder(context.Background(), "Acme", nil, "hi", "")
	if err == nil {
		t.Fatal("want error after exhausted retries")
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetryingSenderHonorsContext(t *testing.T) {
	inner := &flakySender{failures: 10}
	s := NewRetryingSender(inner, 5, time.Hour, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := s.SendClientReminder(ctx, "Acme", nil, "hi", "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestMemorySender(t *testing.T) {
	s := &MemorySender{}
	_ = s.SendClientReminder(context.Background(), "Acme", []string{"a@b.test"}, "hi", "http://portal")
	_ = s.SendConfirmationRequest(context.Background(), []string{"a@b.test"}, "Acme", "Fallback template", "http://portal")

	if s.Count() != 2 {
		t.Fatalf("count = %d, want 2", s.Count())
	}
	if s.Sent[0].Kind != "reminder" || s.Sent[1].Kind != "confirmation" {
		t.Errorf("kinds = %q, %q", s.Sent[0].Kind, s.Sent[1].Kind)
	}
}
