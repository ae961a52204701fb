package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := OpenLedger(path, "node-1", 30)
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedgerAppendAssignsIncreasingSeq(t *testing.T) {
	l := openTestLedger(t)
	now := time.Now()

	if err := l.Append("phase_transition", 1, map[string]interface{}{"to": "P1"}, now); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append("phase_transition", 2, map[string]interface{}{"to": "P2"}, now); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := l.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// Recent returns newest first, so the later append carries the higher seq.
	if entries[0].Seq <= entries[1].Seq {
		t.Fatalf("expected increasing seq (newest first), got %d then %d", entries[0].Seq, entries[1].Seq)
	}
}

func TestLedgerCount(t *testing.T) {
	l := openTestLedger(t)
	now := time.Now()

	for i := 0; i < 5; i++ {
		if err := l.Append("shot_completed", i, nil, now); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	n, err := l.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected count 5, got %d", n)
	}
}

func TestLedgerPruneRemovesOnlyStaleEntries(t *testing.T) {
	l := openTestLedger(t)
	old := time.Now().Add(-60 * 24 * time.Hour)
	fresh := time.Now()

	if err := l.Append("shot_completed", 1, nil, old); err != nil {
		t.Fatalf("Append old: %v", err)
	}
	if err := l.Append("shot_completed", 2, nil, fresh); err != nil {
		t.Fatalf("Append fresh: %v", err)
	}

	removed, err := l.Prune(time.Now())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", removed)
	}

	entries, err := l.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].ZoneID != 2 {
		t.Fatalf("expected only the fresh entry to survive, got %+v", entries)
	}
}

func TestLedgerRecentOrdersNewestFirst(t *testing.T) {
	l := openTestLedger(t)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if err := l.Append("shot_completed", i, nil, now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := l.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ZoneID != 2 || entries[1].ZoneID != 1 {
		t.Fatalf("expected newest-first order [2,1], got [%d,%d]", entries[0].ZoneID, entries[1].ZoneID)
	}
}
