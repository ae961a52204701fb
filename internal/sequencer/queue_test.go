package sequencer

import (
	"testing"
	"time"

	"github.com/fieldcap/irrigator/internal/zone"
)

func TestQueueOrdersByPriorityThenRankThenFIFO(t *testing.T) {
	q := newJobQueue()
	now := time.Now()

	q.push(&Job{ZoneID: 2, Priority: zone.PriorityNormal, RankKey: 5, EnqueuedAt: now})
	q.push(&Job{ZoneID: 1, Priority: zone.PriorityCritical, RankKey: 0, EnqueuedAt: now.Add(time.Second)})
	q.push(&Job{ZoneID: 3, Priority: zone.PriorityNormal, RankKey: 1, EnqueuedAt: now})
	q.push(&Job{ZoneID: 4, Priority: zone.PriorityHigh, RankKey: 0, EnqueuedAt: now})
	q.push(&Job{ZoneID: 5, Priority: zone.PriorityNormal, RankKey: 5, EnqueuedAt: now.Add(-time.Second)})

	order := []int{}
	for {
		j := q.pop()
		if j == nil {
			break
		}
		order = append(order, j.ZoneID)
	}

	want := []int{1, 4, 3, 5, 2}
	if len(order) != len(want) {
		t.Fatalf("expected %d jobs, got %d (%v)", len(want), len(order), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("pop order = %v, want %v", order, want)
		}
	}
}

func TestQueueRemoveZone(t *testing.T) {
	q := newJobQueue()
	q.push(&Job{ZoneID: 1, Priority: zone.PriorityNormal})
	q.push(&Job{ZoneID: 2, Priority: zone.PriorityNormal})

	if !q.removeZone(1) {
		t.Fatal("expected removeZone(1) to succeed")
	}
	if q.removeZone(1) {
		t.Fatal("expected second removeZone(1) to report nothing removed")
	}
	j := q.pop()
	if j == nil || j.ZoneID != 2 {
		t.Fatalf("expected zone 2 remaining, got %+v", j)
	}
}

func TestEvaluateGroupBurst(t *testing.T) {
	members := []GroupCandidate{
		{ZoneID: 1, BelowThresh: true, Enabled: true},
		{ZoneID: 2, BelowThresh: true, Enabled: true},
		{ZoneID: 3, BelowThresh: false, Enabled: true},
	}
	// 2/3 = 66.7% >= 50% threshold.
	ids := EvaluateGroupBurst(members, 50)
	if len(ids) != 2 {
		t.Fatalf("expected 2 zones in burst, got %v", ids)
	}

	// Raise the bar above the observed fraction: no burst.
	if ids := EvaluateGroupBurst(members, 80); ids != nil {
		t.Fatalf("expected no burst at 80%% threshold, got %v", ids)
	}
}

func TestEvaluateGroupBurstExcludesDisabledFromDenominator(t *testing.T) {
	members := []GroupCandidate{
		{ZoneID: 1, BelowThresh: true, Enabled: true},
		{ZoneID: 2, BelowThresh: false, Enabled: false},
		{ZoneID: 3, BelowThresh: false, Enabled: false},
	}
	// Only zone 1 is enabled, and it's below threshold: 1/1 = 100%.
	ids := EvaluateGroupBurst(members, 80)
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("expected burst of [1], got %v", ids)
	}

	if ids := EvaluateGroupBurst([]GroupCandidate{
		{ZoneID: 1, BelowThresh: true, Enabled: false},
	}, 1); ids != nil {
		t.Fatalf("expected no burst when every member is disabled, got %v", ids)
	}
}
