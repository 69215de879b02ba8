package flash

import (
	"hash/crc32"
	"sync"
	"testing"
	"time"

	"ecusafe/internal/eventbus"
)

func buildValidROM(size int) []byte {
	data := make([]byte, size)
	copy(data[0x40:], "MAZDA TEST")
	copy(data[0x100:], "CAL-TEST-1")
	body := data[:size-4]
	sum := crc32.ChecksumIEEE(body)
	data[size-4] = byte(sum)
	data[size-3] = byte(sum >> 8)
	data[size-2] = byte(sum >> 16)
	data[size-1] = byte(sum >> 24)
	return data
}

func newTestSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	bus, err := eventbus.New(eventbus.DefaultConfig(), eventbus.NewMemoryPersistence(), nil, nil)
	if err != nil {
		t.Fatalf("eventbus.New: %v", err)
	}
	t.Cleanup(bus.Close)
	s := New(cfg, bus, nil, nil, nil, nil, nil)
	t.Cleanup(s.Close)
	return s
}

// fakeECUReader returns a fixed image from ReadImage.
type fakeECUReader struct {
	image []byte
}

func (f *fakeECUReader) ReadImage() ([]byte, error) {
	return f.image, nil
}

// Verify always succeeds; fakeECUReader doubles as a Verifier in tests
// that exercise VerifyAfterFlash.
func (f *fakeECUReader) Verify(romData []byte) error {
	return nil
}

// fakeModeSwitcher records Enter/Leave calls and their ordering so
// tests can assert the supervisor brackets its reads with them.
type fakeModeSwitcher struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeModeSwitcher) EnterFlashMode() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "enter")
}

func (f *fakeModeSwitcher) LeaveFlashMode() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "leave")
}

func (f *fakeModeSwitcher) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.BlockWriteLatency = 5 * time.Millisecond
	cfg.WatchdogTick = 10 * time.Millisecond
	cfg.WatchdogTimeout = 60 * time.Millisecond
	return cfg
}

func TestPrepareRejectsDuplicateJobID(t *testing.T) {
	s := newTestSupervisor(t, fastConfig())
	rom := buildValidROM(4096)
	if err := s.Prepare("job-1", rom); err != nil {
		t.Fatalf("first Prepare: %v", err)
	}
	if err := s.Prepare("job-1", rom); err != ErrJobExists {
		t.Fatalf("second Prepare error = %v, want ErrJobExists", err)
	}
}

func TestPrepareInvalidROMFailsJob(t *testing.T) {
	s := newTestSupervisor(t, fastConfig())
	if err := s.Prepare("job-bad", make([]byte, 128)); err == nil {
		t.Fatal("expected Prepare to fail for undersized ROM")
	}
	status, err := s.GetStatus("job-bad")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.State != Failed {
		t.Fatalf("state = %v, want Failed", status.State)
	}
}

func TestPrepareStartCompletes(t *testing.T) {
	s := newTestSupervisor(t, fastConfig())
	rom := buildValidROM(4096) // 4 execution blocks at 1KiB
	if err := s.Prepare("job-ok", rom); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	status, _ := s.GetStatus("job-ok")
	if status.State != Ready {
		t.Fatalf("state after prepare = %v, want Ready", status.State)
	}
	if err := s.Start("job-ok"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, _ = s.GetStatus("job-ok")
		if status.State == Completed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if status.State != Completed {
		t.Fatalf("final state = %v, want Completed", status.State)
	}
	if status.Progress != 100 {
		t.Fatalf("progress = %d, want 100", status.Progress)
	}
}

// TestModeSwitchBracketsBackupAndVerify confirms a job configured for
// BackupBeforeFlash and VerifyAfterFlash enters diagnostic mode before
// its first transport read and leaves it only once the job reaches a
// terminal state, with no unmatched enter/leave in between.
func TestModeSwitchBracketsBackupAndVerify(t *testing.T) {
	cfg := fastConfig()
	cfg.BackupBeforeFlash = true
	cfg.VerifyAfterFlash = true

	bus, err := eventbus.New(eventbus.DefaultConfig(), eventbus.NewMemoryPersistence(), nil, nil)
	if err != nil {
		t.Fatalf("eventbus.New: %v", err)
	}
	t.Cleanup(bus.Close)

	rom := buildValidROM(4096)
	reader := &fakeECUReader{image: append([]byte{}, rom...)}
	modeSw := &fakeModeSwitcher{}
	s := New(cfg, bus, reader, reader, modeSw, nil, nil)
	t.Cleanup(s.Close)

	if err := s.Prepare("job-mode", rom); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := s.Start("job-mode"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var status Status
	for time.Now().Before(deadline) {
		status, _ = s.GetStatus("job-mode")
		if status.State == Completed || status.State == Failed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if status.State != Completed {
		t.Fatalf("final state = %v, want Completed", status.State)
	}

	events := modeSw.snapshot()
	if len(events) != 2 || events[0] != "enter" || events[1] != "leave" {
		t.Fatalf("mode switch events = %v, want [enter leave]", events)
	}
}

// TestAbortWithinDeadline is the S3 scenario: start a job, abort
// mid-flight, and require the observed Aborted transition and recorded
// abort_latency_ms both respect the 25ms deadline.
func TestAbortWithinDeadline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockWriteLatency = 50 * time.Millisecond // slow enough to abort mid-block
	s := newTestSupervisor(t, cfg)

	rom := buildValidROM(256 * 1024)
	if err := s.Prepare("job-abort", rom); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := s.Start("job-abort"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(125 * time.Millisecond) // land mid-block

	abortStart := time.Now()
	if err := s.Abort("job-abort"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	observedLatency := time.Since(abortStart)

	status, err := s.GetStatus("job-abort")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.State != Aborted {
		t.Fatalf("state = %v, want Aborted", status.State)
	}
	if observedLatency > 25*time.Millisecond {
		t.Fatalf("Abort call took %v, want <=25ms", observedLatency)
	}

	metrics := s.Metrics()
	if metrics.AbortLatencyMS > 25 {
		t.Fatalf("recorded abort_latency_ms = %d, want <=25", metrics.AbortLatencyMS)
	}

	// No further progress should arrive for the in-flight block.
	progressAfterAbort := status.BlocksCompleted
	time.Sleep(100 * time.Millisecond)
	status2, _ := s.GetStatus("job-abort")
	if status2.BlocksCompleted != progressAfterAbort {
		t.Fatalf("blocks completed advanced after abort: %d -> %d", progressAfterAbort, status2.BlocksCompleted)
	}
}

// TestWatchdogForcesFailure is the S4 scenario: a job stalls mid-flight
// (simulated here with a write latency far longer than the watchdog
// timeout) and the watchdog must force it to Failed.
func TestWatchdogForcesFailure(t *testing.T) {
	cfg := fastConfig()
	cfg.BlockWriteLatency = 10 * time.Second // never completes a block normally
	cfg.WatchdogTimeout = 30 * time.Millisecond
	cfg.WatchdogTick = 10 * time.Millisecond
	s := newTestSupervisor(t, cfg)

	rom := buildValidROM(4096)
	if err := s.Prepare("job-stall", rom); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := s.Start("job-stall"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var status Status
	for time.Now().Before(deadline) {
		status, _ = s.GetStatus("job-stall")
		if status.State == Failed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if status.State != Failed {
		t.Fatalf("state = %v, want Failed", status.State)
	}
	if status.FailReason != "Watchdog timeout" {
		t.Fatalf("fail reason = %q, want %q", status.FailReason, "Watchdog timeout")
	}

	metrics := s.Metrics()
	if metrics.JobsFailed == 0 {
		t.Fatal("expected JobsFailed to be incremented")
	}
}

func TestSingleFlashOwner(t *testing.T) {
	s := newTestSupervisor(t, fastConfig())
	rom := buildValidROM(4096)

	if err := s.Prepare("job-a", rom); err != nil {
		t.Fatalf("Prepare job-a: %v", err)
	}
	if err := s.Prepare("job-b", rom); err != nil {
		t.Fatalf("Prepare job-b: %v", err)
	}
	if err := s.Start("job-a"); err != nil {
		t.Fatalf("Start job-a: %v", err)
	}
	if err := s.Start("job-b"); err != nil {
		t.Fatalf("Start job-b (queue): %v", err)
	}

	// job-b must not be Flashing while job-a is still Flashing.
	statusB, _ := s.GetStatus("job-b")
	if statusB.State == Flashing {
		t.Fatal("job-b entered Flashing while job-a was still active")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		statusB, _ = s.GetStatus("job-b")
		if statusB.State == Completed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if statusB.State != Completed {
		t.Fatalf("job-b final state = %v, want Completed", statusB.State)
	}
}

func TestAbortUnknownJob(t *testing.T) {
	s := newTestSupervisor(t, fastConfig())
	if err := s.Abort("no-such-job"); err != ErrJobNotFound {
		t.Fatalf("Abort error = %v, want ErrJobNotFound", err)
	}
}

func TestAbortRejectedWhenNotFlashing(t *testing.T) {
	s := newTestSupervisor(t, fastConfig())
	rom := buildValidROM(4096)
	if err := s.Prepare("job-ready", rom); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := s.Abort("job-ready"); err == nil {
		t.Fatal("expected Abort to fail for a job that is only Ready, not Flashing")
	}
}
