package health

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestTracker(cfg Config) *Tracker {
	return NewTracker(cfg, zap.NewNop())
}

func TestUnknownProviderIsNeitherAvailableNorHealthy(t *testing.T) {
	tr := newTestTracker(Config{})
	if tr.Available("ghost") {
		t.Fatal("unknown provider reported available")
	}
	if tr.Healthy("ghost") {
		t.Fatal("unknown provider reported healthy")
	}
	if _, ok := tr.Snapshot("ghost"); ok {
		t.Fatal("unknown provider returned a snapshot")
	}
}

func TestFreshProviderIsAvailableAndHealthy(t *testing.T) {
	tr := newTestTracker(Config{})
	tr.Register("qwen", 60)

	if !tr.Available("qwen") {
		t.Fatal("fresh provider not available")
	}
	if !tr.Healthy("qwen") {
		t.Fatal("fresh provider not healthy")
	}
	if q := tr.Quality("qwen"); q < 70 {
		t.Fatalf("fresh quality = %.1f, want >= 70", q)
	}
}

func TestFailureStreakOpensCircuitAndRemovesAvailability(t *testing.T) {
	tr := newTestTracker(Config{FailureThreshold: 3, RecoveryTime: time.Hour})
	tr.Register("p", 50)

	for i := 0; i < 3; i++ {
		tr.Begin("p")
		tr.RecordFailure("p")
	}

	snap, _ := tr.Snapshot("p")
	if snap.Circuit != CircuitOpen {
		t.Fatalf("circuit = %v, want open", snap.Circuit)
	}
	if tr.Available("p") {
		t.Fatal("provider with open circuit reported available")
	}
	if tr.Healthy("p") {
		t.Fatal("provider with open circuit reported healthy")
	}
	if snap.ConsecutiveFailures != 3 {
		t.Fatalf("consecutive failures = %d, want 3", snap.ConsecutiveFailures)
	}
}

// After the recovery window the provider must come back into rotation as
// a probe target even though it is not yet strictly healthy.
func TestHalfOpenIsAvailableButNotHealthy(t *testing.T) {
	tr := newTestTracker(Config{FailureThreshold: 1, HalfOpenRetries: 2, RecoveryTime: 10 * time.Millisecond})
	tr.Register("p", 50)

	tr.Begin("p")
	tr.RecordFailure("p")
	if tr.Available("p") {
		t.Fatal("available immediately after circuit opened")
	}

	time.Sleep(15 * time.Millisecond)
	if !tr.Available("p") {
		t.Fatal("not available after recovery window")
	}
	if tr.Healthy("p") {
		t.Fatal("half-open provider reported strictly healthy")
	}

	// Two successful probes close the circuit.
	tr.Begin("p")
	tr.RecordSuccess("p", 100*time.Millisecond)
	tr.Begin("p")
	tr.RecordSuccess("p", 100*time.Millisecond)

	snap, _ := tr.Snapshot("p")
	if snap.Circuit != CircuitClosed {
		t.Fatalf("circuit = %v after probe successes, want closed", snap.Circuit)
	}
}

func TestQualityDegradesWithErrorsAndLatency(t *testing.T) {
	tr := newTestTracker(Config{FailureThreshold: 100})
	tr.Register("fast", 50)
	tr.Register("slow", 50)

	for i := 0; i < 20; i++ {
		tr.Begin("fast")
		tr.RecordSuccess("fast", 100*time.Millisecond)
		tr.Begin("slow")
		tr.RecordSuccess("slow", 5*time.Second)
	}
	for i := 0; i < 5; i++ {
		tr.Begin("slow")
		tr.RecordFailure("slow")
	}

	if qf, qs := tr.Quality("fast"), tr.Quality("slow"); qf <= qs {
		t.Fatalf("fast quality %.1f <= slow quality %.1f", qf, qs)
	}
}

func TestInFlightAccounting(t *testing.T) {
	tr := newTestTracker(Config{})
	tr.Register("p", 50)

	tr.Begin("p")
	tr.Begin("p")
	snap, _ := tr.Snapshot("p")
	if snap.InFlight != 2 {
		t.Fatalf("in flight = %d, want 2", snap.InFlight)
	}

	tr.RecordSuccess("p", time.Millisecond)
	tr.RecordFailure("p")
	snap, _ = tr.Snapshot("p")
	if snap.InFlight != 0 {
		t.Fatalf("in flight = %d after completion, want 0", snap.InFlight)
	}
	if snap.TotalRequests != 2 || snap.TotalFailures != 1 {
		t.Fatalf("totals = %d/%d, want 2/1", snap.TotalRequests, snap.TotalFailures)
	}
}

func TestResetRestoresAvailability(t *testing.T) {
	tr := newTestTracker(Config{FailureThreshold: 1, RecoveryTime: time.Hour})
	tr.Register("p", 50)

	tr.Begin("p")
	tr.RecordFailure("p")
	if tr.Available("p") {
		t.Fatal("open circuit reported available")
	}

	tr.Reset("p")
	if !tr.Available("p") {
		t.Fatal("reset did not restore availability")
	}
}

func TestSnapshotsSortedByName(t *testing.T) {
	tr := newTestTracker(Config{})
	tr.Register("zeta", 50)
	tr.Register("alpha", 50)

	snaps := tr.Snapshots()
	if len(snaps) != 2 || snaps[0].Provider != "alpha" || snaps[1].Provider != "zeta" {
		t.Fatalf("snapshots = %+v, want alpha then zeta", snaps)
	}
}
