package flash

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"ecusafe/internal/eventbus"
	"ecusafe/internal/rom"
)

// Sentinel errors.
var (
	ErrJobExists     = errors.New("flash: job already exists")
	ErrJobNotFound   = errors.New("flash: job not found")
	ErrAnotherActive = errors.New("flash: another job is flashing")
)

// command variants delivered over the supervisor's mailbox, mirroring
// flash_supervisor.rs's FlashCommand enum. Each carries a reply channel
// so callers observe the result synchronously without breaking the
// single-owner discipline: only the command loop goroutine ever
// mutates a Job's state directly outside of its own spawned execution
// goroutine (which is itself serialized against the owner by holding
// Supervisor.mu for every field write).
type command interface {
	apply(s *Supervisor)
}

type prepareCmd struct {
	jobID string
	rom   []byte
	reply chan error
}

type startCmd struct {
	jobID string
	reply chan error
}

type abortCmd struct {
	jobID string
	reply chan error
}

type statusCmd struct {
	jobID string
	reply chan Status
}

// Supervisor is the Flash Supervisor: a single-owner actor serializing
// Prepare/Start/Abort/GetStatus over a mailbox, with exactly one job
// permitted in Flashing at any instant.
type Supervisor struct {
	cfg       Config
	bus       *eventbus.Bus
	ecuReader ECUReader
	verifier  Verifier
	modeSw    ModeSwitcher
	log       *logrus.Entry
	metrics   *flashMetrics

	mu       sync.Mutex
	jobs     map[string]*Job
	activeID string // job id currently Flashing/Verifying, "" if none

	pendingStarts []string // job ids queued behind activeID

	mailbox chan command
	stop    chan struct{}
	done    chan struct{}
}

// New builds a Supervisor and starts its command loop and watchdog
// goroutines. ecuReader and verifier may be nil; when nil,
// BackupBeforeFlash/VerifyAfterFlash in cfg are treated as disabled
// regardless of their configured value. modeSw may also be nil, in
// which case the supervisor performs backup reads and verification
// without switching transport mode around them (the caller is then
// responsible for there being no concurrent streaming reader).
func New(cfg Config, bus *eventbus.Bus, ecuReader ECUReader, verifier Verifier, modeSw ModeSwitcher, reg prometheus.Registerer, log *logrus.Entry) *Supervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Supervisor{
		cfg:       cfg,
		bus:       bus,
		ecuReader: ecuReader,
		verifier:  verifier,
		modeSw:    modeSw,
		log:       log.WithField("component", "flash"),
		metrics:   newFlashMetrics(reg),
		jobs:      make(map[string]*Job),
		mailbox:   make(chan command, 64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.runCommandLoop()
	go s.runWatchdog()
	return s
}

// Close stops the command loop and watchdog goroutines. In-flight
// execution goroutines are left to observe their own abort channel if
// one was already signaled; Close does not force-abort running jobs.
func (s *Supervisor) Close() {
	close(s.stop)
	<-s.done
}

// Prepare registers a new job and validates rom synchronously via
// internal/rom, transitioning Idle -> Preparing -> Ready|Failed. If
// cfg.BackupBeforeFlash is set and an ECUReader is configured, the
// current ECU image is read before the job reaches Ready.
func (s *Supervisor) Prepare(jobID string, romBytes []byte) error {
	reply := make(chan error, 1)
	s.mailbox <- prepareCmd{jobID: jobID, rom: romBytes, reply: reply}
	return <-reply
}

// Start transitions a Ready job to Flashing and begins its execution
// goroutine. If another job is already Flashing or Verifying, Start
// queues jobID and returns nil immediately; it is started automatically
// once the active job reaches a terminal state.
func (s *Supervisor) Start(jobID string) error {
	reply := make(chan error, 1)
	s.mailbox <- startCmd{jobID: jobID, reply: reply}
	return <-reply
}

// Abort signals the job's abort channel and drives it to Aborted,
// measuring end-to-end latency from command arrival to observed
// Aborted state; this must stay within a 25ms deadline.
func (s *Supervisor) Abort(jobID string) error {
	reply := make(chan error, 1)
	s.mailbox <- abortCmd{jobID: jobID, reply: reply}
	return <-reply
}

// GetStatus returns a snapshot of jobID's current state.
func (s *Supervisor) GetStatus(jobID string) (Status, error) {
	reply := make(chan Status, 1)
	s.mailbox <- statusCmd{jobID: jobID, reply: reply}
	status := <-reply
	if status.JobID == "" {
		return Status{}, ErrJobNotFound
	}
	return status, nil
}

// Metrics returns a snapshot of the supervisor's counters.
func (s *Supervisor) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	var completed, failed, aborted, watchdog uint64
	for _, j := range s.jobs {
		switch j.State {
		case Completed:
			completed++
		case Failed:
			failed++
			if j.FailReason == "Watchdog timeout" {
				watchdog++
			}
		case Aborted:
			aborted++
		}
	}
	return Metrics{
		JobsCompleted:    completed,
		JobsFailed:       failed,
		JobsAborted:      aborted,
		AbortLatencyMS:   s.metrics.lastAbortLatency(),
		WatchdogTriggers: watchdog,
	}
}

func (s *Supervisor) runCommandLoop() {
	defer close(s.done)
	s.log.Info("flash supervisor started")
	for {
		select {
		case <-s.stop:
			s.log.Info("flash supervisor stopped")
			return
		case cmd := <-s.mailbox:
			s.handle(cmd)
		}
	}
}

func (s *Supervisor) handle(cmd command) {
	switch c := cmd.(type) {
	case prepareCmd:
		c.reply <- s.handlePrepare(c.jobID, c.rom)
	case startCmd:
		c.reply <- s.handleStart(c.jobID)
	case abortCmd:
		c.reply <- s.handleAbort(c.jobID)
	case statusCmd:
		c.reply <- s.handleStatus(c.jobID)
	}
}

// usesModeSwitch reports whether this supervisor's configuration ever
// has the diagnostic engine read the transport during a job (backup or
// verification), meaning EnterFlashMode/LeaveFlashMode need to bracket
// the job so those reads never race the telemetry streamer.
func (s *Supervisor) usesModeSwitch() bool {
	return s.modeSw != nil && (s.cfg.BackupBeforeFlash || s.cfg.VerifyAfterFlash)
}

func (s *Supervisor) handlePrepare(jobID string, romBytes []byte) error {
	s.mu.Lock()
	if _, exists := s.jobs[jobID]; exists {
		s.mu.Unlock()
		return ErrJobExists
	}
	job := &Job{
		ID:        jobID,
		State:     Idle,
		CreatedAt: time.Now(),
		abortCh:   make(chan struct{}),
	}
	job.transition(Preparing) //nolint:errcheck // Idle->Preparing is always legal
	job.TotalBlocks = rom.BlockCount(len(romBytes), s.cfg.PrepareEstimateBlockSize)
	s.jobs[jobID] = job
	s.mu.Unlock()

	if s.usesModeSwitch() {
		s.modeSw.EnterFlashMode()
	}

	s.emitFlash("flash_state_change", stateChangePayload{JobID: jobID, State: Preparing.String()})

	validation := rom.Validate(romBytes)
	if !validation.Valid {
		s.mu.Lock()
		job.rom = nil
		job.FailReason = fmt.Sprintf("Validation: %v", validation.Errors)
		job.transition(Failed) //nolint:errcheck
		s.mu.Unlock()
		s.metrics.jobsFailed.Inc()
		s.emitFlash("flash_state_change", stateChangePayload{JobID: jobID, State: Failed.String()})
		if s.usesModeSwitch() {
			s.modeSw.LeaveFlashMode()
		}
		return fmt.Errorf("flash: %s", job.FailReason)
	}

	var backup []byte
	if s.cfg.BackupBeforeFlash && s.ecuReader != nil {
		img, err := s.ecuReader.ReadImage()
		if err != nil {
			s.log.WithError(err).WithField("job_id", jobID).Warn("failed to back up current ECU image before flash")
		} else {
			backup = img
		}
	}

	s.mu.Lock()
	job.rom = romBytes
	job.BackupBytes = backup
	job.transition(Ready) //nolint:errcheck
	s.mu.Unlock()

	s.emitFlash("flash_state_change", stateChangePayload{JobID: jobID, State: Ready.String()})
	return nil
}

func (s *Supervisor) handleStart(jobID string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if job.State != Ready {
		s.mu.Unlock()
		return fmt.Errorf("flash: job %s not Ready (state %s)", jobID, job.State)
	}
	if s.activeID != "" {
		s.pendingStarts = append(s.pendingStarts, jobID)
		s.mu.Unlock()
		s.log.WithField("job_id", jobID).Info("flash start queued behind active job")
		return nil
	}

	job.transition(Flashing) //nolint:errcheck
	job.TotalBlocks = rom.BlockCount(len(job.rom), s.cfg.ExecutionBlockSize)
	job.LastActivity = time.Now()
	s.activeID = jobID
	s.mu.Unlock()

	s.emitFlash("flash_state_change", stateChangePayload{JobID: jobID, State: Flashing.String()})
	go s.runExecution(job)
	return nil
}

func (s *Supervisor) handleAbort(jobID string) error {
	start := time.Now()

	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if job.State != Flashing {
		s.mu.Unlock()
		return fmt.Errorf("flash: cannot abort job %s in state %s", jobID, job.State)
	}
	job.signalAbort()
	job.transition(Aborted) //nolint:errcheck
	s.mu.Unlock()

	// The transition above is synchronous under s.mu, so by the time a
	// caller's GetStatus observes it the state is already Aborted; this
	// poll only measures how long the watcher took to notice for the
	// metric, matching flash_supervisor.rs's confirmation loop.
	deadline := start.Add(s.cfg.AbortDeadline)
	for {
		s.mu.Lock()
		state := job.State
		s.mu.Unlock()
		if state == Aborted {
			break
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	latency := time.Since(start)
	latencyMS := latency.Milliseconds()
	s.metrics.recordAbort(latencyMS)

	if latency > s.cfg.AbortDeadline {
		s.emitSafety("abort_deadline_missed", abortDeadlineMissedPayload{JobID: jobID}, true)
	}
	s.emitFlash("flash_aborted", abortedPayload{JobID: jobID, LatencyMS: latencyMS})
	if s.usesModeSwitch() {
		s.modeSw.LeaveFlashMode()
	}

	s.mu.Lock()
	if s.activeID == jobID {
		s.activeID = ""
	}
	s.mu.Unlock()
	go s.startNextPending()

	s.log.WithField("job_id", jobID).WithField("latency_ms", latencyMS).Info("flash job aborted")
	return nil
}

func (s *Supervisor) handleStatus(jobID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return Status{}
	}
	return job.status()
}

// startNextPending pops the next queued Start, if any, now that the
// active job has reached a terminal state. Called with s.mu unheld.
func (s *Supervisor) startNextPending() {
	s.mu.Lock()
	if s.activeID != "" || len(s.pendingStarts) == 0 {
		s.mu.Unlock()
		return
	}
	next := s.pendingStarts[0]
	s.pendingStarts = s.pendingStarts[1:]
	s.mu.Unlock()

	if err := s.Start(next); err != nil {
		s.log.WithError(err).WithField("job_id", next).Warn("failed to auto-start queued flash job")
	}
}

// runExecution drives one job block-by-block. Each block is a single
// cancellable suspension point: the abort channel is checked before
// and raced against the simulated write latency, so a
// mid-block Abort reacts within cfg.AbortDeadline and never lets a
// block that was aborted mid-write emit a further progress event.
func (s *Supervisor) runExecution(job *Job) {
	total := job.TotalBlocks
	s.log.WithField("job_id", job.ID).WithField("total_blocks", total).Info("flash execution started")

	for block := 0; block < total; block++ {
		select {
		case <-job.abortCh:
			return
		default:
		}

		select {
		case <-time.After(s.cfg.BlockWriteLatency):
		case <-job.abortCh:
			return
		}

		select {
		case <-job.abortCh:
			return
		default:
		}

		s.mu.Lock()
		job.BlocksCompleted = block + 1
		job.Progress = (job.BlocksCompleted * 100) / total
		job.LastActivity = time.Now()
		s.mu.Unlock()

		s.emitFlash("flash_progress", progressPayload{JobID: job.ID, Progress: job.Progress, Block: block, TotalBlocks: total})
	}

	s.finishExecution(job)
}

func (s *Supervisor) finishExecution(job *Job) {
	if s.cfg.VerifyAfterFlash && s.verifier != nil {
		s.mu.Lock()
		job.transition(Verifying) //nolint:errcheck
		s.mu.Unlock()
		s.emitFlash("flash_state_change", stateChangePayload{JobID: job.ID, State: Verifying.String()})

		if err := s.verifier.Verify(job.rom); err != nil {
			s.mu.Lock()
			job.FailReason = err.Error()
			job.transition(Failed) //nolint:errcheck
			s.mu.Unlock()
			s.metrics.jobsFailed.Inc()
			s.emitFlash("flash_state_change", stateChangePayload{JobID: job.ID, State: Failed.String()})
			if s.usesModeSwitch() {
				s.modeSw.LeaveFlashMode()
			}
			s.clearActive(job.ID)
			return
		}
	}

	s.mu.Lock()
	job.Progress = 100
	job.transition(Completed) //nolint:errcheck
	s.mu.Unlock()

	s.metrics.jobsCompleted.Inc()
	s.emitFlash("flash_completed", completedPayload{JobID: job.ID, TotalBlocks: job.TotalBlocks})
	s.log.WithField("job_id", job.ID).Info("flash job completed")
	if s.usesModeSwitch() {
		s.modeSw.LeaveFlashMode()
	}
	s.clearActive(job.ID)
}

func (s *Supervisor) clearActive(jobID string) {
	s.mu.Lock()
	if s.activeID == jobID {
		s.activeID = ""
	}
	s.mu.Unlock()
	s.startNextPending()
}

// runWatchdog ticks every cfg.WatchdogTick and forces any job that has
// been Flashing without activity for longer than cfg.WatchdogTimeout to
// Failed, emitting a requires_ack P0-Safety event.
func (s *Supervisor) runWatchdog() {
	ticker := time.NewTicker(s.cfg.WatchdogTick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.checkWatchdog()
		}
	}
}

func (s *Supervisor) checkWatchdog() {
	now := time.Now()
	var stalled []*Job

	s.mu.Lock()
	for _, job := range s.jobs {
		if job.State == Flashing && now.Sub(job.LastActivity) > s.cfg.WatchdogTimeout {
			stalled = append(stalled, job)
		}
	}
	s.mu.Unlock()

	for _, job := range stalled {
		s.mu.Lock()
		job.signalAbort()
		job.FailReason = "Watchdog timeout"
		s.mu.Unlock()

		// The P0 event must be persisted before Failed becomes observable
		// via GetStatus, so emit before taking the lock back for the
		// transition rather than after.
		s.emitSafety("watchdog_timeout", watchdogPayload{JobID: job.ID, Reason: "Flash operation stalled"}, true)

		s.mu.Lock()
		job.transition(Failed) //nolint:errcheck
		s.mu.Unlock()

		s.metrics.watchdogTriggers.Inc()
		s.metrics.jobsFailed.Inc()
		if s.usesModeSwitch() {
			s.modeSw.LeaveFlashMode()
		}
		s.log.WithField("job_id", job.ID).Error("watchdog forced flash job to Failed")

		s.clearActive(job.ID)
	}
}
