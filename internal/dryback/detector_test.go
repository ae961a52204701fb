package dryback

import (
	"testing"
	"time"
)

func TestDrybackCompletion(t *testing.T) {
	now := time.Now()
	d := New(DefaultConfig(), 70, now)

	samples := []struct {
		value  float64
		offset time.Duration
	}{
		{65, 30 * time.Minute},
		{60, 60 * time.Minute},
		{56, 90 * time.Minute},
	}

	var lastWindow Window
	var confirmed bool
	for _, s := range samples {
		w, ok := d.Observe(s.value, now.Add(s.offset))
		if ok {
			lastWindow = w
			confirmed = true
		}
	}

	if confirmed {
		t.Fatalf("valley should not confirm while VWC is still falling, got window %+v", lastWindow)
	}

	pct := d.CurrentDrybackPercent(56)
	want := (70.0 - 56.0) / 70.0 * 100
	if pct != want {
		t.Fatalf("currentDrybackPercent = %f, want %f", pct, want)
	}
}

func TestDrybackValleyConfirmAndReset(t *testing.T) {
	now := time.Now()
	d := New(DefaultConfig(), 70, now)

	d.Observe(60, now.Add(time.Minute))
	d.Observe(58, now.Add(2*time.Minute)) // new valley

	w, ok := d.Observe(60, now.Add(3*time.Minute)) // rises past noiseBand (1.0) -> confirms
	if !ok {
		t.Fatalf("expected valley confirmation on rise past noiseBand")
	}
	if w.Valley != 58 {
		t.Fatalf("expected confirmed valley 58, got %f", w.Valley)
	}
	if w.PercentDrop <= 0 {
		t.Fatalf("expected positive percent drop, got %f", w.PercentDrop)
	}
	if d.RunningPeak() != 60 {
		t.Fatalf("expected running peak reset to confirming value 60, got %f", d.RunningPeak())
	}

	windows := d.Windows()
	if len(windows) != 1 {
		t.Fatalf("expected 1 recorded window, got %d", len(windows))
	}
}

func TestDrybackResetOnP0Entry(t *testing.T) {
	now := time.Now()
	d := New(DefaultConfig(), 70, now)
	d.Observe(60, now.Add(time.Minute))

	d.ResetToPeak(55, now.Add(2*time.Minute))
	if d.RunningPeak() != 55 {
		t.Fatalf("expected running peak reset to 55, got %f", d.RunningPeak())
	}
	if pct := d.CurrentDrybackPercent(55); pct != 0 {
		t.Fatalf("expected 0%% dryback immediately after reset, got %f", pct)
	}
}
