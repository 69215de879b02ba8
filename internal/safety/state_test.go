package safety

import (
	"testing"
	"time"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	limits := DefaultLimits()
	limits.SessionTimeoutSec = 1
	return New(limits, nil, nil)
}

func TestArmReadOnlyAlwaysSucceeds(t *testing.T) {
	s := newTestState(t)
	if err := s.Arm(ReadOnly); err != nil {
		t.Fatalf("Arm(ReadOnly): %v", err)
	}
	if !s.Info().Armed {
		t.Fatal("expected Armed after Arm(ReadOnly)")
	}
}

func TestArmLiveApplyRejectedWithViolations(t *testing.T) {
	s := newTestState(t)
	s.CheckParameters(map[string]float64{"boost_pressure": 999})
	if err := s.Arm(LiveApply); err == nil {
		t.Fatal("expected Arm(LiveApply) to fail with an outstanding violation")
	}
}

func TestArmFlashRespectsSafeToFlashCheck(t *testing.T) {
	s := newTestState(t)
	s.SetSafeToFlashCheck(func(*State) bool { return false })
	if err := s.Arm(Flash); err == nil {
		t.Fatal("expected Arm(Flash) to fail when SafeToFlashCheck returns false")
	}
}

func TestCanApplyLiveFollowsLevel(t *testing.T) {
	s := newTestState(t)
	if s.CanApplyLive() {
		t.Fatal("CanApplyLive should be false before arming")
	}
	if err := s.Arm(LiveApply); err != nil {
		t.Fatalf("Arm(LiveApply): %v", err)
	}
	if !s.CanApplyLive() {
		t.Fatal("CanApplyLive should be true once armed at LiveApply")
	}
}

func TestCheckSessionExpiryDisarmsAfterTimeout(t *testing.T) {
	s := newTestState(t)
	if err := s.Arm(ReadOnly); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)
	if !s.CheckSessionExpiry() {
		t.Fatal("expected session to have expired")
	}
	if s.Info().Armed {
		t.Fatal("expected state to be disarmed after session expiry")
	}
}

func TestViolationsExpireAfterRetentionWindow(t *testing.T) {
	s := newTestState(t)
	s.CheckParameters(map[string]float64{"boost_pressure": 999})
	if !s.HasViolations() {
		t.Fatal("expected a freshly detected violation to be outstanding")
	}

	s.mu.Lock()
	for i := range s.violations {
		s.violations[i].DetectedAt = time.Now().Add(-(violationRetention + time.Minute))
	}
	s.mu.Unlock()

	if s.HasViolations() {
		t.Fatal("expected violation older than the retention window to have expired")
	}
}

func TestReloadSafetyLimitsRejectedWhileArmedLive(t *testing.T) {
	s := newTestState(t)
	if err := s.Arm(LiveApply); err != nil {
		t.Fatalf("Arm(LiveApply): %v", err)
	}
	if err := s.ReloadSafetyLimits(DefaultLimits()); err == nil {
		t.Fatal("expected ReloadSafetyLimits to fail while armed at LiveApply")
	}
}

func TestReloadSafetyLimitsAppliesWhenNotArmedLive(t *testing.T) {
	s := newTestState(t)
	newLimits := DefaultLimits()
	newLimits.MaxBoost = 1.0
	if err := s.ReloadSafetyLimits(newLimits); err != nil {
		t.Fatalf("ReloadSafetyLimits: %v", err)
	}
	s.CheckParameters(map[string]float64{"boost_pressure": 2.0})
	if !s.HasViolations() {
		t.Fatal("expected new, lower MaxBoost limit to be in effect")
	}
}

type fakeWriter struct {
	written map[string]float64
}

func (f *fakeWriter) WriteParam(name string, value float64) error {
	if f.written == nil {
		f.written = make(map[string]float64)
	}
	f.written[name] = value
	return nil
}

func TestApplyLiveRejectedWithoutLiveSession(t *testing.T) {
	s := newTestState(t)
	w := &fakeWriter{}
	if _, err := s.ApplyLive(map[string]float64{"boost_pressure": 10}, map[string]float64{"boost_pressure": 12}, w); err == nil {
		t.Fatal("expected ApplyLive to fail when not armed at LiveApply or Flash")
	}
}

func TestApplyLiveWritesAndSnapshotsPreviousValues(t *testing.T) {
	s := newTestState(t)
	if err := s.Arm(LiveApply); err != nil {
		t.Fatalf("Arm(LiveApply): %v", err)
	}
	w := &fakeWriter{}
	id, err := s.ApplyLive(map[string]float64{"boost_pressure": 10}, map[string]float64{"boost_pressure": 12}, w)
	if err != nil {
		t.Fatalf("ApplyLive: %v", err)
	}
	if w.written["boost_pressure"] != 12 {
		t.Fatalf("written boost_pressure = %v, want 12", w.written["boost_pressure"])
	}
	snap, ok := s.GetSnapshot(id)
	if !ok {
		t.Fatal("expected snapshot to be retrievable after ApplyLive")
	}
	if snap.Parameters["boost_pressure"] != 10 {
		t.Fatalf("snapshot boost_pressure = %v, want 10", snap.Parameters["boost_pressure"])
	}
}

func TestRevertLiveRestoresSnapshottedValues(t *testing.T) {
	s := newTestState(t)
	if err := s.Arm(LiveApply); err != nil {
		t.Fatalf("Arm(LiveApply): %v", err)
	}
	w := &fakeWriter{}
	id, err := s.ApplyLive(map[string]float64{"boost_pressure": 10}, map[string]float64{"boost_pressure": 12}, w)
	if err != nil {
		t.Fatalf("ApplyLive: %v", err)
	}
	if err := s.RevertLive(id, w); err != nil {
		t.Fatalf("RevertLive: %v", err)
	}
	if w.written["boost_pressure"] != 10 {
		t.Fatalf("reverted boost_pressure = %v, want 10", w.written["boost_pressure"])
	}
}

func TestRevertLiveUnknownSnapshotFails(t *testing.T) {
	s := newTestState(t)
	w := &fakeWriter{}
	if err := s.RevertLive("no-such-snapshot", w); err == nil {
		t.Fatal("expected RevertLive to fail for an unknown snapshot id")
	}
}

func TestSnapshotChecksumIsOrderIndependent(t *testing.T) {
	a := createSnapshot(map[string]float64{"boost_pressure": 10, "ignition_timing": 5})
	b := createSnapshot(map[string]float64{"ignition_timing": 5, "boost_pressure": 10})
	if a.Checksum != b.Checksum {
		t.Fatalf("checksums differ for the same parameter set built in different map orders: %s vs %s", a.Checksum, b.Checksum)
	}
}
