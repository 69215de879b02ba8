// Package corectx assembles the four safe-operation subsystems into a
// single "core context" value, in place of an ad hoc process-wide
// singleton: an explicit Core value is built once by Start (main.go
// does this) and its parts are handed to internal/api. A
// package-level accessor
// (Global) is provided for callers that genuinely cannot thread the
// value through, but it is initialized exactly once; a second Start
// call is an error.
package corectx

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"ecusafe/internal/diagnostics"
	"ecusafe/internal/eventbus"
	"ecusafe/internal/flash"
	"ecusafe/internal/isotp"
	"ecusafe/internal/rom"
	"ecusafe/internal/safety"
	"ecusafe/internal/telemetry"
	"ecusafe/internal/transport"
)

// sessionExpiryPoll is how often the session-expiry watchdog calls
// Safety.CheckSessionExpiry; well under any realistic session timeout
// so expiry is caught promptly without busy-polling.
const sessionExpiryPoll = time.Second

// Core holds every subsystem handle a top-level entry point needs.
// Transport is shared under a strict discipline: one writer (the
// ISO-TP segmenter), one reader selected by Mode.
type Core struct {
	Transport   transport.Transport
	Segmenter   *isotp.Segmenter
	Diagnostics *diagnostics.Engine
	Streamer    *telemetry.Streamer
	Bus         *eventbus.Bus
	Safety      *safety.State
	Flash       *flash.Supervisor
	Registry    *prometheus.Registry
	Log         *logrus.Logger

	mu   sync.Mutex
	mode Mode

	stop chan struct{}
	wg   sync.WaitGroup
}

// Mode selects which of the diagnostic engine or the telemetry
// streamer currently owns the transport's read side: exactly one
// reader at a time, switched by operating mode.
type Mode int

const (
	// ModeStreaming: the telemetry streamer owns transport reads.
	ModeStreaming Mode = iota
	// ModeDiagnostic: the diagnostic engine owns transport reads
	// (selected automatically while a flash job is in flight).
	ModeDiagnostic
)

func (m Mode) String() string {
	if m == ModeDiagnostic {
		return "diagnostic"
	}
	return "streaming"
}

// Params bundles the already-constructed subsystem handles Start
// assembles into a Core. Building each subsystem is the caller's
// responsibility (main.go wires config into concrete instances); Core
// only owns the cross-subsystem coordination (mode switching, single
// init).
type Params struct {
	Transport   transport.Transport
	Segmenter   *isotp.Segmenter
	Diagnostics *diagnostics.Engine
	Streamer    *telemetry.Streamer
	Bus         *eventbus.Bus
	Safety      *safety.State
	Flash       *flash.Supervisor
	Registry    *prometheus.Registry
	Log         *logrus.Logger
}

var (
	globalMu   sync.Mutex
	globalCore *Core
)

// New builds a Core from already-wired subsystem handles. Most callers
// should use this directly and thread the result through explicitly;
// Start additionally installs it as the package-level Global.
func New(p Params) *Core {
	c := &Core{
		Transport:   p.Transport,
		Segmenter:   p.Segmenter,
		Diagnostics: p.Diagnostics,
		Streamer:    p.Streamer,
		Bus:         p.Bus,
		Safety:      p.Safety,
		Flash:       p.Flash,
		Registry:    p.Registry,
		Log:         p.Log,
		mode:        ModeStreaming,
		stop:        make(chan struct{}),
	}
	c.startBackgroundTasks()
	return c
}

// Start builds a Core and installs it as the process-wide Global.
// Re-initialization is an error: a process only ever builds one Core.
func Start(p Params) (*Core, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCore != nil {
		return nil, fmt.Errorf("corectx: already initialized")
	}
	globalCore = New(p)
	return globalCore, nil
}

// Global returns the process-wide Core installed by Start, or nil if
// Start has not been called. Prefer threading Core explicitly; Global
// exists for call sites (signal handlers, http.Handler closures wired
// before Core exists) that cannot receive it as a parameter.
func Global() *Core {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalCore
}

// SetMode records which subsystem currently owns the transport's read
// side. EnterFlashMode/LeaveFlashMode are the only callers in this
// tree; it is exported for tests and alternate entry points.
func (c *Core) SetMode(m Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == m {
		return
	}
	c.mode = m
	c.Log.WithField("mode", m.String()).Info("core transport mode switched")
}

// Mode reports the current transport-read owner.
func (c *Core) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// startBackgroundTasks launches the goroutines that keep the safety
// monitor live against the running system rather than only against
// direct callers in tests: continuous parameter checking against
// telemetry and the session-expiry timer. The flash-mode switch
// (EnterFlashMode/LeaveFlashMode) is wired directly into the flash
// supervisor's job lifecycle via the ModeSwitcher interface instead of
// a subscription here, since the switch must happen synchronously with
// the supervisor's own backup/verify reads rather than racing an
// asynchronously delivered event.
func (c *Core) startBackgroundTasks() {
	if c.Bus != nil && c.Safety != nil {
		ch := c.Bus.Subscribe(eventbus.PriorityTelemetry)
		c.wg.Add(1)
		go c.runSafetyMonitor(ch)
	}
	if c.Safety != nil {
		c.wg.Add(1)
		go c.runSessionExpiryWatchdog()
	}
}

// runSafetyMonitor drains P2-Telemetry samples and feeds each one's
// decoded signals into Safety.CheckParameters, so a live telemetry
// reading that violates a configured limit is recorded (and can block
// arming Flash) without anything else in the tree having to call
// CheckParameters directly.
func (c *Core) runSafetyMonitor(ch <-chan eventbus.Event) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.EventType != "telemetry_sample" {
				continue
			}
			var sample telemetry.Sample
			if err := json.Unmarshal(ev.Data, &sample); err != nil {
				c.Log.WithError(err).Warn("corectx: failed to decode telemetry sample for safety monitor")
				continue
			}
			c.Safety.CheckParameters(sample.Signals)
		}
	}
}

// runSessionExpiryWatchdog periodically calls Safety.CheckSessionExpiry
// so an armed session that has gone quiet returns to ReadOnly and emits
// its P0 event even with no other request driving the check.
func (c *Core) runSessionExpiryWatchdog() {
	defer c.wg.Done()
	ticker := time.NewTicker(sessionExpiryPoll)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Safety.CheckSessionExpiry()
		}
	}
}

// EnterFlashMode stops the telemetry streamer (if running) and selects
// ModeDiagnostic, so the diagnostic engine has exclusive transport
// reads for the duration of a flash job.
func (c *Core) EnterFlashMode() {
	if c.Streamer != nil {
		c.Streamer.Stop()
	}
	c.SetMode(ModeDiagnostic)
}

// LeaveFlashMode restarts telemetry streaming and selects ModeStreaming
// once a flash job reaches a terminal state.
func (c *Core) LeaveFlashMode() {
	c.SetMode(ModeStreaming)
	if c.Streamer != nil {
		if err := c.Streamer.Start(); err != nil {
			c.Log.WithError(err).Warn("failed to resume telemetry streaming after flash mode")
		}
	}
}

// DiagnosticsECUAdapter bridges internal/diagnostics.Engine to
// flash.ECUReader and flash.Verifier, the narrow interfaces the flash
// supervisor uses for BackupBeforeFlash/VerifyAfterFlash so that
// package never imports internal/diagnostics directly. Reads proceed
// in fixed-size chunks via UDS service 0x23 (ReadMemory); Verify reads
// the image back and checks its CRC-32/ISO-HDLC trailer the same way
// internal/rom does for a freshly prepared image.
type DiagnosticsECUAdapter struct {
	Engine    *diagnostics.Engine
	ImageSize int
	ChunkSize int
}

var _ flash.ECUReader = (*DiagnosticsECUAdapter)(nil)
var _ flash.Verifier = (*DiagnosticsECUAdapter)(nil)
var _ flash.ModeSwitcher = (*Core)(nil)

// ReadImage reads ImageSize bytes back from the ECU in ChunkSize pieces
// using the 0x23 read-memory service, addressed from zero.
func (a *DiagnosticsECUAdapter) ReadImage() ([]byte, error) {
	chunk := a.ChunkSize
	if chunk <= 0 {
		chunk = 4096
	}
	out := make([]byte, 0, a.ImageSize)
	for addr := 0; addr < a.ImageSize; addr += chunk {
		n := chunk
		if addr+n > a.ImageSize {
			n = a.ImageSize - addr
		}
		payload := []byte{
			byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr),
			byte(n >> 8), byte(n),
		}
		resp, err := a.Engine.SendRequest(diagnostics.ServiceReadMemory, payload)
		if err != nil {
			return nil, fmt.Errorf("corectx: read memory at 0x%X: %w", addr, err)
		}
		out = append(out, resp.Data...)
	}
	return out, nil
}

// Verify reads the ECU's image back and confirms its CRC-32/ISO-HDLC
// trailer validates, the same check internal/rom.Validate performs on
// a ROM image supplied for flashing.
func (a *DiagnosticsECUAdapter) Verify(romData []byte) error {
	readBack, err := a.ReadImage()
	if err != nil {
		return fmt.Errorf("corectx: verify read-back: %w", err)
	}
	result := rom.VerifyChecksum(readBack)
	if !result.Valid {
		return fmt.Errorf("corectx: post-flash verification failed: checksum mismatch (calculated 0x%X, expected 0x%X)", result.Calculated, result.Expected)
	}
	return nil
}

// paramAddresses maps a tunable live-calibration parameter name to the
// RAM offset the write-memory service targets for it. Distinct from
// the CAN signal table internal/signal uses for reading back live
// sensor data; these are the addresses live-apply writes calibration
// changes to.
var paramAddresses = map[string]uint32{
	"boost_pressure":  0x1000,
	"ignition_timing": 0x1004,
	"fuel_pressure":   0x1008,
}

// DiagnosticsParamWriter bridges internal/diagnostics.Engine to
// safety.ParamWriter, the narrow interface ApplyLive/RevertLive use so
// internal/safety never imports internal/diagnostics directly. Each
// parameter value is written as a big-endian IEEE 754 single-precision
// float via UDS service 0x3D (WriteMemory) at its fixed RAM offset.
type DiagnosticsParamWriter struct {
	Engine *diagnostics.Engine
}

var _ safety.ParamWriter = (*DiagnosticsParamWriter)(nil)

// WriteParam writes value to the RAM address registered for name.
func (w *DiagnosticsParamWriter) WriteParam(name string, value float64) error {
	addr, ok := paramAddresses[name]
	if !ok {
		return fmt.Errorf("corectx: no live-apply address registered for parameter %q", name)
	}
	bits := math.Float32bits(float32(value))
	payload := []byte{
		byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr),
		4,
		byte(bits >> 24), byte(bits >> 16), byte(bits >> 8), byte(bits),
	}
	if _, err := w.Engine.SendRequest(diagnostics.ServiceWriteMemory, payload); err != nil {
		return fmt.Errorf("corectx: write memory for %s at 0x%X: %w", name, addr, err)
	}
	return nil
}

// Shutdown stops every background subsystem in dependency order:
// streamer and flash supervisor first (producers), then the event bus
// (so any in-flight P0 send still completes its persistence barrier
// before the process exits), then the transport.
func (c *Core) Shutdown() {
	close(c.stop)
	c.wg.Wait()
	if c.Streamer != nil {
		c.Streamer.Stop()
	}
	if c.Flash != nil {
		c.Flash.Close()
	}
	if c.Bus != nil {
		c.Bus.Close()
	}
	if c.Transport != nil {
		if err := c.Transport.Close(); err != nil {
			c.Log.WithError(err).Warn("error closing transport")
		}
	}
}
