package sequencer

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fieldcap/irrigator/internal/bridge"
	"github.com/fieldcap/irrigator/internal/budget"
	"github.com/fieldcap/irrigator/internal/zone"
)

type fakeSafety struct {
	mu       sync.Mutex
	override bool
	unsafe   bool
	overBudg bool
}

func (f *fakeSafety) ManualOverrideActive(time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.override
}
func (f *fakeSafety) IsUnsafe() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsafe
}
func (f *fakeSafety) DailyBudgetExceeded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overBudg
}
func (f *fakeSafety) MarkUnsafe() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsafe = true
}

func recordingBridge(t *testing.T) (*bridge.Bridge, *[]string, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var writes []string
	writer := func(ctx context.Context, name, value string) error {
		mu.Lock()
		writes = append(writes, name+"="+value)
		mu.Unlock()
		return nil
	}
	b := bridge.New(bridge.DefaultConfig(), writer, bridge.NewChannelSink(32), zap.NewNop())
	return b, &writes, &mu
}

func TestComputeDurationMsClampsToRange(t *testing.T) {
	ent := ZoneEntities{DripperCount: 4, DripperFlowMlPerMs: 0.05}
	d := ComputeDurationMs(100, ent, 500, 60000)
	if d < 500 {
		t.Fatalf("expected duration clamped to minShotMs=500, got %d", d)
	}

	d = ComputeDurationMs(1_000_000, ent, 500, 60000)
	if d != 60000 {
		t.Fatalf("expected duration clamped to maxShotMs=60000, got %d", d)
	}
}

func TestRunJobCompletesAndInvokesCallback(t *testing.T) {
	b, writes, mu := recordingBridge(t)
	defer b.Close(context.Background())

	bucket := budget.New(10, time.Hour)
	defer bucket.Close()

	var completedZone int
	var completedVol float64
	var completedOK bool
	var wg sync.WaitGroup
	wg.Add(1)
	complete := func(zoneID int, volumeMl float64, emergency, ok bool) {
		completedZone, completedVol, completedOK = zoneID, volumeMl, ok
		wg.Done()
	}

	cfg := Config{
		PumpPrimeMs:        time.Millisecond,
		MainLinePressureMs: time.Millisecond,
		MainLineDrainMs:    time.Millisecond,
	}
	seq := New(cfg, b, bucket, nil, complete, zap.NewNop())
	seq.RegisterZone(1, ZoneEntities{
		PumpEntity: "pump1", MainValveEntity: "main1", ValveEntity: "zone1valve",
		DripperCount: 4, DripperFlowMlPerMs: 1, Enabled: true,
	}, &fakeSafety{})

	ctx, cancel := context.WithCancel(context.Background())
	go seq.Run(ctx)

	seq.Enqueue(&Job{ZoneID: 1, VolumeMl: 40, Priority: zone.PriorityNormal, EnqueuedAt: time.Now()})

	wg.Wait()
	cancel()
	seq.Wait()

	if completedZone != 1 || completedVol != 40 || !completedOK {
		t.Fatalf("unexpected completion: zone=%d vol=%f ok=%v", completedZone, completedVol, completedOK)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"pump1=on", "main1=on", "zone1valve=on", "zone1valve=off", "main1=off", "pump1=off"}
	if len(*writes) != len(want) {
		t.Fatalf("write sequence = %v, want %v", *writes, want)
	}
	for i := range want {
		if (*writes)[i] != want[i] {
			t.Fatalf("write sequence = %v, want %v", *writes, want)
		}
	}
}

func TestRunJobSkipsWhenUnsafe(t *testing.T) {
	b, writes, mu := recordingBridge(t)
	defer b.Close(context.Background())

	bucket := budget.New(10, time.Hour)
	defer bucket.Close()

	done := make(chan struct{})
	complete := func(zoneID int, volumeMl float64, emergency, ok bool) { close(done) }

	seq := New(Config{}, b, bucket, nil, complete, zap.NewNop())
	seq.RegisterZone(1, ZoneEntities{PumpEntity: "pump1", MainValveEntity: "main1", ValveEntity: "zone1valve", Enabled: true},
		&fakeSafety{unsafe: true})

	ctx, cancel := context.WithCancel(context.Background())
	go seq.Run(ctx)
	defer func() { cancel(); seq.Wait() }()

	seq.Enqueue(&Job{ZoneID: 1, VolumeMl: 10, Priority: zone.PriorityNormal, EnqueuedAt: time.Now()})

	select {
	case <-done:
		t.Fatal("unsafe zone's job must be skipped before actuating, not completed via callback")
	case <-time.After(200 * time.Millisecond):
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*writes) != 0 {
		t.Fatalf("expected no actuation writes for unsafe zone, got %v", *writes)
	}
}
