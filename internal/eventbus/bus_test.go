package eventbus

import (
	"testing"
)

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	fast, unsubFast := b.Subscribe(4)
	defer unsubFast()
	slow, unsubSlow := b.Subscribe(1)
	defer unsubSlow()

	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: "job.started", Data: i})
	}

	if len(fast) != 3 {
		t.Fatalf("fast subscriber got %d events, want 3", len(fast))
	}
	if len(slow) != 1 {
		t.Fatalf("slow subscriber got %d events, want 1", len(slow))
	}
	if got := b.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
	e := <-fast
	if e.Time.IsZero() {
		t.Fatal("Publish should stamp a time")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub() // idempotent
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "job.queued"})
}

func TestHasPrefix(t *testing.T) {
	t.Parallel()
	tests := []struct {
		typ, prefix string
		want        bool
	}{
		{"job.started", "job", true},
		{"job.started", "job.", true},
		{"job", "job", true},
		{"jobs.started", "job", false},
		{"config.published", "job", false},
	}
	for _, tt := range tests {
		if got := HasPrefix(Event{Type: tt.typ}, tt.prefix); got != tt.want {
			t.Fatalf("HasPrefix(%q, %q) = %v, want %v", tt.typ, tt.prefix, got, tt.want)
		}
	}
}
