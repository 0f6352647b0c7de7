package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManagerAcquireSerializesSession(t *testing.T) {
	m := NewManager(time.Minute)
	release, err := m.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx, "s1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Acquire() error = %v, want deadline exceeded", err)
	}

	other, err := m.Acquire(context.Background(), "s2")
	if err != nil {
		t.Fatalf("Acquire(s2) error = %v", err)
	}
	other()

	release()
	release()

	again, err := m.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	again()

	got, err := m.Get("s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Turns != 2 || got.Busy {
		t.Fatalf("unexpected activity: %+v", got)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	release, err := m.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	release()

	expired := make(chan Activity, 1)
	m.SetExpireHook(func(a Activity) { expired <- a })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case a := <-expired:
		if a.SessionID != "s1" {
			t.Fatalf("expired SessionID = %q, want s1", a.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatalf("session was not expired")
	}
	if _, err := m.Get("s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}
