package flash

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"ecusafe/internal/eventbus"
)

// Event payload shapes. job_id rides on every payload.

type stateChangePayload struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

type progressPayload struct {
	JobID       string `json:"job_id"`
	Progress    int    `json:"progress"`
	Block       int    `json:"block"`
	TotalBlocks int    `json:"total_blocks"`
}

type completedPayload struct {
	JobID       string `json:"job_id"`
	TotalBlocks int    `json:"total_blocks"`
}

type abortedPayload struct {
	JobID     string `json:"job_id"`
	LatencyMS int64  `json:"latency_ms"`
}

type watchdogPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

type abortDeadlineMissedPayload struct {
	JobID string `json:"job_id"`
}

func (s *Supervisor) emitFlash(eventType string, payload interface{}) {
	if s.bus == nil {
		return
	}
	ev, err := eventbus.NewEvent(eventbus.PriorityFlash, eventType, payload, false)
	if err != nil {
		s.log.WithError(err).Warn("failed to build flash event")
		return
	}
	if err := s.bus.SendFlash(ev); err != nil {
		// P1 delivery failure is not fatal to the job; a supervisor with
		// no subscribers still must keep flashing.
		s.log.WithError(err).WithField("event_type", eventType).Debug("flash event not delivered")
	}
}

func (s *Supervisor) emitSafety(eventType string, payload interface{}, requiresAck bool) {
	if s.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.WithError(err).Warn("failed to marshal safety event payload")
		return
	}
	ev, err := eventbus.NewEvent(eventbus.PrioritySafety, eventType, json.RawMessage(data), requiresAck)
	if err != nil {
		s.log.WithError(err).Warn("failed to build safety event")
		return
	}
	safetyEvent := eventbus.SafetyEvent{Event: ev, Severity: eventbus.SeverityCritical, SystemState: "flash"}
	if err := s.bus.SendSafety(safetyEvent); err != nil {
		s.log.WithError(err).WithField("event_type", eventType).Error("failed to send P0 safety event")
	}
}

func stateChangeEntry(log *logrus.Entry, jobID string, state State) *logrus.Entry {
	return log.WithField("job_id", jobID).WithField("state", state.String())
}
