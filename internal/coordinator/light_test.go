package coordinator

import (
	"testing"
	"time"

	"github.com/fieldcap/irrigator/internal/config"
)

func TestLightsStateSameDaySchedule(t *testing.T) {
	sched := config.LightScheduleConfig{OnHour: 6, OffHour: 20}
	loc := time.UTC

	midday := time.Date(2026, 7, 31, 12, 0, 0, 0, loc)
	on, nextOff := lightsState(midday, sched)
	if !on {
		t.Fatal("expected lights on at midday within a 06:00-20:00 schedule")
	}
	wantOff := time.Date(2026, 7, 31, 20, 0, 0, 0, loc)
	if !nextOff.Equal(wantOff) {
		t.Fatalf("expected next off at %v, got %v", wantOff, nextOff)
	}

	night := time.Date(2026, 7, 31, 22, 0, 0, 0, loc)
	on, nextOff = lightsState(night, sched)
	if on {
		t.Fatal("expected lights off at 22:00 within a 06:00-20:00 schedule")
	}
	wantOff = time.Date(2026, 8, 1, 20, 0, 0, 0, loc)
	if !nextOff.Equal(wantOff) {
		t.Fatalf("expected next off tomorrow at %v, got %v", wantOff, nextOff)
	}
}

func TestLightsStateOvernightSchedule(t *testing.T) {
	sched := config.LightScheduleConfig{OnHour: 20, OffHour: 6}
	loc := time.UTC

	lateNight := time.Date(2026, 7, 31, 23, 0, 0, 0, loc)
	on, nextOff := lightsState(lateNight, sched)
	if !on {
		t.Fatal("expected lights on at 23:00 within a 20:00-06:00 overnight schedule")
	}
	wantOff := time.Date(2026, 8, 1, 6, 0, 0, 0, loc)
	if !nextOff.Equal(wantOff) {
		t.Fatalf("expected next off tomorrow at %v, got %v", wantOff, nextOff)
	}

	earlyMorning := time.Date(2026, 8, 1, 3, 0, 0, 0, loc)
	on, nextOff = lightsState(earlyMorning, sched)
	if !on {
		t.Fatal("expected lights still on at 03:00, carried over from yesterday's on-period")
	}
	wantOff = time.Date(2026, 8, 1, 6, 0, 0, 0, loc)
	if !nextOff.Equal(wantOff) {
		t.Fatalf("expected next off today at %v, got %v", wantOff, nextOff)
	}

	midday := time.Date(2026, 8, 1, 12, 0, 0, 0, loc)
	on, _ = lightsState(midday, sched)
	if on {
		t.Fatal("expected lights off at midday within a 20:00-06:00 overnight schedule")
	}
}
