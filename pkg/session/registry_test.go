package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCreateIdempotent(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll("test")

	first, created, err := r.Create("abc", Params{SampleRate: 16000})
	if err != nil || !created {
		t.Fatalf("first Create() = %v, %v", created, err)
	}
	second, created, err := r.Create("abc", Params{SampleRate: 8000})
	if err != nil || created {
		t.Fatalf("second Create() = %v, %v", created, err)
	}
	if first != second {
		t.Error("Create should return the existing session")
	}
	if second.Snapshot().SampleRate != 16000 {
		t.Error("existing session must keep its sample rate")
	}
	if first.ID() != "ssid_abc" {
		t.Errorf("ID = %s, want ssid_abc", first.ID())
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestCreateConcurrent(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll("test")

	var wg sync.WaitGroup
	var createdCount atomic.Int32
	sessions := make([]*Session, 20)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, created, _ := r.Create("same", Params{SampleRate: 16000})
			if created {
				createdCount.Add(1)
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	if createdCount.Load() != 1 {
		t.Errorf("created %d sessions, want 1", createdCount.Load())
	}
	for _, s := range sessions {
		if s != sessions[0] {
			t.Fatal("concurrent Create returned different sessions")
		}
	}
}

func TestCreateRequiresClientID(t *testing.T) {
	r := NewRegistry()
	if _, _, err := r.Create("", Params{}); !errors.Is(err, ErrInvalidClientID) {
		t.Errorf("Create(\"\") error = %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	r := NewRegistry()
	if s, ok := r.Get("ssid_nobody"); ok || s != nil {
		t.Error("Get of unknown id should report absent")
	}
}

func TestCloseUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	if r.Close("ssid_nobody", "test") {
		t.Error("Close of unknown id should report false")
	}
}

func TestCloseAndHooks(t *testing.T) {
	var created, closed atomic.Int32
	var reason string
	r := NewRegistry(WithHooks(Hooks{
		Created: func(*Session) { created.Add(1) },
		Closed: func(_ *Session, why string) {
			closed.Add(1)
			reason = why
		},
	}))

	s, _, _ := r.Create("x", Params{SampleRate: 16000})
	r.ArmExpiry(s.ID(), time.Hour, func(string) {})

	if !r.Close(s.ID(), "end_call") {
		t.Fatal("Close() should report true")
	}
	<-s.Stopped()

	if _, ok := r.Get(s.ID()); ok {
		t.Error("session still registered")
	}
	if r.ExpiryArmed(s.ID()) {
		t.Error("Close should cancel the expiry timer")
	}
	if created.Load() != 1 || closed.Load() != 1 || reason != "end_call" {
		t.Errorf("hooks: created=%d closed=%d reason=%q", created.Load(), closed.Load(), reason)
	}
	if r.Close(s.ID(), "again") {
		t.Error("second Close should be a no-op")
	}
}

func TestIDs(t *testing.T) {
	r := NewRegistry(WithKeyPrefix("call_"))
	defer r.CloseAll("test")

	r.Create("b", Params{})
	r.Create("a", Params{})

	ids := r.IDs()
	if len(ids) != 2 || ids[0] != "call_a" || ids[1] != "call_b" {
		t.Errorf("IDs() = %v", ids)
	}
}

func TestArmExpiryFires(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll("test")
	s, _, _ := r.Create("x", Params{})

	fired := make(chan string, 1)
	if !r.ArmExpiry(s.ID(), 10*time.Millisecond, func(id string) { fired <- id }) {
		t.Fatal("ArmExpiry should succeed for a live session")
	}

	select {
	case id := <-fired:
		if id != s.ID() {
			t.Errorf("fired for %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("expiry did not fire")
	}
	if r.ExpiryArmed(s.ID()) {
		t.Error("fired timer should be cleared")
	}
}

func TestArmExpiryReplaces(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll("test")
	s, _, _ := r.Create("x", Params{})

	var first, second atomic.Int32
	r.ArmExpiry(s.ID(), 20*time.Millisecond, func(string) { first.Add(1) })
	r.ArmExpiry(s.ID(), 40*time.Millisecond, func(string) { second.Add(1) })

	time.Sleep(100 * time.Millisecond)
	if first.Load() != 0 {
		t.Error("replaced timer fired")
	}
	if second.Load() != 1 {
		t.Error("replacement timer did not fire")
	}
}

func TestCancelExpiry(t *testing.T) {
	r := NewRegistry()
	defer r.CloseAll("test")
	s, _, _ := r.Create("x", Params{})

	var fired atomic.Bool
	r.ArmExpiry(s.ID(), 20*time.Millisecond, func(string) { fired.Store(true) })
	if !r.CancelExpiry(s.ID()) {
		t.Fatal("CancelExpiry should report true")
	}
	time.Sleep(50 * time.Millisecond)
	if fired.Load() {
		t.Error("cancelled timer fired")
	}
	if r.CancelExpiry(s.ID()) {
		t.Error("second CancelExpiry should report false")
	}
}

func TestArmExpiryUnknown(t *testing.T) {
	r := NewRegistry()
	if r.ArmExpiry("ssid_none", time.Millisecond, func(string) {}) {
		t.Error("ArmExpiry for unknown id should fail")
	}
}
