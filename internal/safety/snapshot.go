package safety

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Snapshot captures a parameter set immediately before a live-apply
// write, so RevertLive can restore it. Grounded on safety.rs's
// SafetySnapshot/SafetyManager.create_snapshot, with the hash swapped
// from Rust's SipHash-based DefaultHasher for stdlib FNV-1a, and keys
// sorted before hashing so the checksum for a given parameter set is
// deterministic (the reference hashes a HashMap in iteration order,
// which is not guaranteed stable).
type Snapshot struct {
	ID         string             `json:"id"`
	Timestamp  time.Time          `json:"timestamp"`
	Parameters map[string]float64 `json:"parameters"`
	Checksum   string             `json:"checksum"`
}

func createSnapshot(params map[string]float64) Snapshot {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%d;", k, math.Float64bits(params[k]))
	}

	copied := make(map[string]float64, len(params))
	for k, v := range params {
		copied[k] = v
	}

	return Snapshot{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		Parameters: copied,
		Checksum:   fmt.Sprintf("%x", h.Sum64()),
	}
}

// ParamWriter abstracts writing a single live parameter to the ECU,
// the capability ApplyLive/RevertLive need. Kept narrow, the same way
// flash.ECUReader/Verifier avoid an internal/diagnostics import here.
type ParamWriter interface {
	WriteParam(name string, value float64) error
}

// snapshotStore holds every in-flight live-apply snapshot, keyed by
// snapshot id, mirroring SafetyManager's snapshots map.
type snapshotStore struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
}

func newSnapshotStore() *snapshotStore {
	return &snapshotStore{snapshots: make(map[string]Snapshot)}
}

// ApplyLive gated by CanApplyLive: it snapshots the current (pre-write)
// map exactly as given, writes the new values through w, and returns
// the snapshot id RevertLive needs to undo it. Parameters named in
// newValues but missing from current are not recorded in the snapshot.
func (s *State) ApplyLive(current, newValues map[string]float64, w ParamWriter) (string, error) {
	if !s.CanApplyLive() {
		return "", fmt.Errorf("safety: apply_live requires an armed LiveApply or Flash session")
	}

	snap := createSnapshot(current)
	s.snapshots.mu.Lock()
	s.snapshots.snapshots[snap.ID] = snap
	s.snapshots.mu.Unlock()

	for name, value := range newValues {
		if err := w.WriteParam(name, value); err != nil {
			return "", fmt.Errorf("safety: apply_live write %s: %w", name, err)
		}
	}

	s.log.WithField("snapshot_id", snap.ID).Info("live parameter apply snapshot created")
	return snap.ID, nil
}

// RevertLive restores every parameter recorded in the named snapshot
// by writing its pre-apply value back through w.
func (s *State) RevertLive(snapshotID string, w ParamWriter) error {
	s.snapshots.mu.Lock()
	snap, ok := s.snapshots.snapshots[snapshotID]
	s.snapshots.mu.Unlock()
	if !ok {
		return fmt.Errorf("safety: no snapshot %s", snapshotID)
	}

	for name, value := range snap.Parameters {
		if err := w.WriteParam(name, value); err != nil {
			return fmt.Errorf("safety: revert_live write %s: %w", name, err)
		}
	}

	s.log.WithField("snapshot_id", snapshotID).Info("live parameters reverted from snapshot")
	return nil
}

// GetSnapshot returns the snapshot recorded under id, if any.
func (s *State) GetSnapshot(id string) (Snapshot, bool) {
	s.snapshots.mu.Lock()
	defer s.snapshots.mu.Unlock()
	snap, ok := s.snapshots.snapshots[id]
	return snap, ok
}
