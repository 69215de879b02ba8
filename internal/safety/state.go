package safety

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ecusafe/internal/eventbus"
)

// violationRetention is how long a recorded Violation counts against
// re-arming. The reference implementation this is grounded on compared
// a capture timestamp against itself (`now.signed_duration_since(now)`),
// which is always ~0 and never expires anything; here each Violation
// carries its own DetectedAt and is compared against the real clock.
const violationRetention = 10 * time.Minute

// Violation records one parameter reading that crossed its configured
// limit.
type Violation struct {
	Parameter  string    `json:"parameter"`
	Value      float64   `json:"value"`
	Limit      float64   `json:"limit"`
	Severity   Severity  `json:"severity"`
	DetectedAt time.Time `json:"detected_at"`
}

// Info is a read-only snapshot of State for callers that only need to
// observe it (e.g. the API layer).
type Info struct {
	Armed         bool
	Level         Level
	TimeRemaining time.Duration // zero if not armed or already expired
	Violations    []Violation
}

// SafeToFlashCheck is a pluggable precondition evaluated in addition to
// the "no outstanding violations" rule before arming to Flash. The
// reference implementation hardcodes this to true; here it defaults to
// a check against outstanding violations of any severity so arming
// Flash has a real, if conservative, precondition instead of a stub.
type SafeToFlashCheck func(s *State) bool

func defaultSafeToFlashCheck(s *State) bool {
	return !s.hasViolationsLocked()
}

// State is the arming state machine plus the accumulated violation
// list it gates on. All access is synchronized; a State is shared
// across corectx's telemetry monitor and session watchdog, the HTTP
// API, and main.go's config-reload callback.
type State struct {
	mu sync.RWMutex

	armed      bool
	level      Level
	armedAt    time.Time
	violations []Violation

	limits         Limits
	sessionTimeout time.Duration
	safeToFlash    SafeToFlashCheck

	snapshots *snapshotStore

	bus *eventbus.Bus
	log *logrus.Entry
}

// New builds a State at ReadOnly, disarmed.
func New(limits Limits, bus *eventbus.Bus, log *logrus.Entry) *State {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &State{
		level:          ReadOnly,
		limits:         limits,
		sessionTimeout: time.Duration(limits.SessionTimeoutSec) * time.Second,
		safeToFlash:    defaultSafeToFlashCheck,
		snapshots:      newSnapshotStore(),
		bus:            bus,
		log:            log.WithField("component", "safety"),
	}
}

// ReloadSafetyLimits replaces the active Limits, gated on no live-apply
// or flash session currently being armed: a config file edit on disk
// must never silently loosen the ceilings a session is already relying
// on. Callers (the config hot-reload path) are expected to check
// CanApplyLive themselves before invoking this, but the check is
// re-verified here so it cannot be bypassed by a racing Arm call.
func (s *State) ReloadSafetyLimits(limits Limits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed && (s.level == LiveApply || s.level == Flash) {
		return fmt.Errorf("safety: cannot reload limits while armed at %v", s.level)
	}
	s.limits = limits
	s.sessionTimeout = time.Duration(limits.SessionTimeoutSec) * time.Second
	s.log.Info("safety limits reloaded")
	return nil
}

// SetSafeToFlashCheck overrides the Flash-arming precondition.
func (s *State) SetSafeToFlashCheck(check SafeToFlashCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.safeToFlash = check
}

// Arm attempts to raise the safety level. Each level has stricter
// preconditions than the one below it:
//   - ReadOnly: always permitted
//   - Simulate: no Critical violations outstanding
//   - LiveApply: no violations outstanding at all
//   - Flash: no violations outstanding, and SafeToFlashCheck passes
func (s *State) Arm(level Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearExpiredViolationsLocked()

	switch level {
	case ReadOnly:
		// always permitted
	case Simulate:
		if s.hasCriticalViolationsLocked() {
			return fmt.Errorf("safety: cannot arm Simulate: critical violations present")
		}
	case LiveApply:
		if s.hasViolationsLocked() {
			return fmt.Errorf("safety: cannot arm LiveApply: violations present")
		}
	case Flash:
		if s.hasViolationsLocked() {
			return fmt.Errorf("safety: cannot arm Flash: violations present")
		}
		if !s.safeToFlash(s) {
			return fmt.Errorf("safety: cannot arm Flash: conditions not safe for flashing")
		}
	default:
		return fmt.Errorf("safety: unknown level %v", level)
	}

	s.armed = true
	s.level = level
	s.armedAt = time.Now()
	s.log.WithField("level", level).Info("safety system armed")
	return nil
}

// Disarm drops to ReadOnly and clears the violation list, matching the
// reference's full-reset disarm semantics.
func (s *State) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked("operator disarm")
}

func (s *State) disarmLocked(reason string) {
	s.armed = false
	s.level = ReadOnly
	s.armedAt = time.Time{}
	s.violations = nil
	s.log.WithField("reason", reason).Info("safety system disarmed")
}

// CanConnect is always true: read-only connection carries no risk.
func (s *State) CanConnect() bool { return true }

// CanApplyLive reports whether the current level permits a live
// parameter apply.
func (s *State) CanApplyLive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.armed && (s.level == LiveApply || s.level == Flash)
}

// CanFlash reports whether the current level permits flashing.
func (s *State) CanFlash() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.armed && s.level == Flash
}

// CheckSessionExpiry disarms and emits a P0-Safety event if the armed
// session has outlived its timeout. Returns true if it disarmed.
func (s *State) CheckSessionExpiry() bool {
	s.mu.Lock()
	if !s.armed || s.armedAt.IsZero() || time.Since(s.armedAt) < s.sessionTimeout {
		s.mu.Unlock()
		return false
	}
	level := s.level
	s.disarmLocked("session timeout")
	s.mu.Unlock()

	s.emitSafetyEvent("session_timeout", SeverityWarning, fmt.Sprintf("armed level %v", level))
	return true
}

// CheckParameters evaluates params against limits, appends any new
// Violations to the running list, emits a P0-Safety event for each
// Critical violation, and returns just the newly detected ones.
func (s *State) CheckParameters(params map[string]float64) []Violation {
	s.mu.Lock()
	limits := s.limits
	var fresh []Violation

	check := func(name string, value float64, over float64, sev Severity) {
		if value > over {
			fresh = append(fresh, Violation{Parameter: name, Value: value, Limit: over, Severity: sev, DetectedAt: time.Now()})
		}
	}

	if v, ok := params["boost_pressure"]; ok {
		check("boost_pressure", v, limits.MaxBoost, SeverityCritical)
	}
	if v, ok := params["ignition_timing"]; ok {
		check("ignition_timing", v, limits.MaxTimingAdvance, SeverityCritical)
	}
	if v, ok := params["fuel_pressure"]; ok {
		check("fuel_pressure", v, limits.MaxFuelPressure, SeverityCritical)
	}
	if v, ok := params["engine_rpm"]; ok {
		check("engine_rpm", v, limits.MaxRPM, SeverityCritical)
	}
	if v, ok := params["lambda"]; ok {
		if v < limits.MinAFR {
			fresh = append(fresh, Violation{Parameter: "lambda", Value: v, Limit: limits.MinAFR, Severity: SeverityWarning, DetectedAt: time.Now()})
		} else if v > limits.MaxAFR {
			fresh = append(fresh, Violation{Parameter: "lambda", Value: v, Limit: limits.MaxAFR, Severity: SeverityWarning, DetectedAt: time.Now()})
		}
	}
	if v, ok := params["iat"]; ok {
		check("iat", v, limits.MaxIAT, SeverityWarning)
	}
	if v, ok := params["ect"]; ok {
		check("ect", v, limits.MaxECT, SeverityCritical)
	}

	s.violations = append(s.violations, fresh...)
	s.mu.Unlock()

	for _, v := range fresh {
		if v.Severity == SeverityCritical {
			s.emitSafetyEvent("parameter_violation", v.Severity, fmt.Sprintf("%s=%.2f exceeds %.2f", v.Parameter, v.Value, v.Limit))
		}
	}

	return fresh
}

func (s *State) emitSafetyEvent(eventType string, severity Severity, detail string) {
	if s.bus == nil {
		return
	}
	payload := map[string]string{"detail": detail}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.WithError(err).Warn("failed to marshal safety event payload")
		return
	}
	ev, err := eventbus.NewEvent(eventbus.PrioritySafety, eventType, json.RawMessage(data), true)
	if err != nil {
		s.log.WithError(err).Warn("failed to build safety event")
		return
	}
	busSeverity := eventbus.SeverityWarning
	if severity == SeverityCritical {
		busSeverity = eventbus.SeverityCritical
	}
	safetyEvent := eventbus.SafetyEvent{Event: ev, Severity: busSeverity, SystemState: s.levelUnsafe().String()}
	if err := s.bus.SendSafety(safetyEvent); err != nil {
		s.log.WithError(err).Error("failed to send safety event")
	}
}

func (s *State) levelUnsafe() Level {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.level
}

// clearExpiredViolationsLocked drops violations older than
// violationRetention. Caller must hold s.mu.
func (s *State) clearExpiredViolationsLocked() {
	now := time.Now()
	kept := s.violations[:0]
	for _, v := range s.violations {
		if now.Sub(v.DetectedAt) < violationRetention {
			kept = append(kept, v)
		}
	}
	s.violations = kept
}

func (s *State) hasViolationsLocked() bool {
	return len(s.violations) > 0
}

func (s *State) hasCriticalViolationsLocked() bool {
	for _, v := range s.violations {
		if v.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// HasViolations reports whether any violation is currently outstanding.
func (s *State) HasViolations() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearExpiredViolationsLocked()
	return s.hasViolationsLocked()
}

// HasCriticalViolations reports whether any outstanding violation is
// Critical.
func (s *State) HasCriticalViolations() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearExpiredViolationsLocked()
	return s.hasCriticalViolationsLocked()
}

// Info returns a snapshot of the current arming state.
func (s *State) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearExpiredViolationsLocked()

	var remaining time.Duration
	if s.armed && !s.armedAt.IsZero() {
		elapsed := time.Since(s.armedAt)
		if elapsed < s.sessionTimeout {
			remaining = s.sessionTimeout - elapsed
		}
	}

	violations := make([]Violation, len(s.violations))
	copy(violations, s.violations)

	return Info{
		Armed:         s.armed,
		Level:         s.level,
		TimeRemaining: remaining,
		Violations:    violations,
	}
}
