package fusion

import (
	"testing"
	"time"
)

func TestFuseNoReliableSample(t *testing.T) {
	f := New(KindVWC, DefaultConfig())
	if _, err := f.Fuse(time.Now()); err != ErrNoReliableSample {
		t.Fatalf("expected ErrNoReliableSample on empty fusion, got %v", err)
	}
}

func TestFuseWeightedMean(t *testing.T) {
	f := New(KindVWC, DefaultConfig())
	now := time.Now()
	f.Ingest(Reading{SensorID: "a", Kind: KindVWC, Value: 60, Timestamp: now})
	f.Ingest(Reading{SensorID: "b", Kind: KindVWC, Value: 62, Timestamp: now})

	fv, err := f.Fuse(now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fv.ContributingSensors != 2 {
		t.Fatalf("expected 2 contributing sensors, got %d", fv.ContributingSensors)
	}
	if fv.Value < 60 || fv.Value > 62 {
		t.Fatalf("fused value %f out of expected range", fv.Value)
	}
}

func TestFuseDropsStaleSamples(t *testing.T) {
	f := New(KindVWC, DefaultConfig())
	now := time.Now()
	f.Ingest(Reading{SensorID: "a", Kind: KindVWC, Value: 60, Timestamp: now.Add(-10 * time.Minute)})

	if _, err := f.Fuse(now); err != ErrNoReliableSample {
		t.Fatalf("expected stale sample to be dropped, got %v", err)
	}
}

func TestFuseRejectsOutOfRange(t *testing.T) {
	f := New(KindVWC, DefaultConfig())
	now := time.Now()
	f.Ingest(Reading{SensorID: "a", Kind: KindVWC, Value: 150, Timestamp: now})

	if _, err := f.Fuse(now); err != ErrNoReliableSample {
		t.Fatalf("expected out-of-range sample to be dropped, got %v", err)
	}
}

func TestFuseOutlierReducesReliabilityButNotSticky(t *testing.T) {
	f := New(KindVWC, DefaultConfig())
	now := time.Now()
	f.Ingest(Reading{SensorID: "a", Kind: KindVWC, Value: 60, Timestamp: now})
	f.Ingest(Reading{SensorID: "b", Kind: KindVWC, Value: 61, Timestamp: now})
	f.Ingest(Reading{SensorID: "c", Kind: KindVWC, Value: 95, Timestamp: now})
	f.Ingest(Reading{SensorID: "d", Kind: KindVWC, Value: 60.5, Timestamp: now})
	f.Ingest(Reading{SensorID: "e", Kind: KindVWC, Value: 61.5, Timestamp: now})

	if _, err := f.Fuse(now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.reliability["c"]; got >= 1.0 {
		t.Fatalf("expected sensor c reliability to drop below 1.0 after outlier pass, got %f", got)
	}

	// Next pass with consistent readings: outlier-ness is recomputed, not
	// latched, so a previously-outlying sensor can contribute again.
	now2 := now.Add(time.Second)
	f.Ingest(Reading{SensorID: "a", Kind: KindVWC, Value: 60, Timestamp: now2})
	f.Ingest(Reading{SensorID: "b", Kind: KindVWC, Value: 61, Timestamp: now2})
	f.Ingest(Reading{SensorID: "c", Kind: KindVWC, Value: 60.5, Timestamp: now2})

	fv, err := f.Fuse(now2)
	if err != nil {
		t.Fatalf("unexpected error on second pass: %v", err)
	}
	if fv.ContributingSensors != 5 {
		t.Fatalf("expected all 5 sensors to contribute once consistent, got %d", fv.ContributingSensors)
	}
}

func TestFuseIdempotentWithoutNewIngest(t *testing.T) {
	f := New(KindVWC, DefaultConfig())
	now := time.Now()
	f.Ingest(Reading{SensorID: "a", Kind: KindVWC, Value: 60, Timestamp: now})
	f.Ingest(Reading{SensorID: "b", Kind: KindVWC, Value: 62, Timestamp: now})

	first, err := f.Fuse(now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := f.Fuse(now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Value != second.Value {
		t.Fatalf("expected idempotent fused value, got %f then %f", first.Value, second.Value)
	}
}
