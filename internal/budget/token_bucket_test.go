package budget

import (
	"testing"
	"time"

	"github.com/fieldcap/irrigator/internal/zone"
)

func TestConsumeForPriorityCriticalBypassesBudget(t *testing.T) {
	b := New(1, time.Hour)
	defer b.Close()

	// Drain the bucket.
	if !b.Consume(1) {
		t.Fatal("expected initial consume to succeed")
	}
	if b.Remaining() != 0 {
		t.Fatalf("expected 0 tokens remaining, got %d", b.Remaining())
	}

	if !b.ConsumeForPriority(zone.PriorityCritical) {
		t.Fatal("Critical jobs must never be deferred by exhausted budget")
	}
}

func TestConsumeForPriorityRespectsCost(t *testing.T) {
	b := New(3, time.Hour)
	defer b.Close()

	if !b.ConsumeForPriority(zone.PriorityNormal) {
		t.Fatal("expected Normal-priority consume (cost 2) to succeed with capacity 3")
	}
	if b.ConsumeForPriority(zone.PriorityHigh) {
		t.Fatal("expected High-priority consume (cost 5) to fail with only 1 token left")
	}
}

func TestRefillRestoresFullCapacity(t *testing.T) {
	b := New(2, 10*time.Millisecond)
	defer b.Close()

	b.Consume(2)
	if b.Remaining() != 0 {
		t.Fatalf("expected 0 remaining after draining, got %d", b.Remaining())
	}

	time.Sleep(50 * time.Millisecond)
	if b.Remaining() != 2 {
		t.Fatalf("expected refill to restore full capacity 2, got %d", b.Remaining())
	}
}
