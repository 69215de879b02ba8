// Package diagnostics implements the UDS diagnostic session engine:
// opening a session at a given type, sending service requests over
// ISO-TP, and recognizing positive/negative responses.
package diagnostics

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ecusafe/internal/isotp"
)

// Service byte registry (§4.3). Implementers recognize these, they are
// not reimplemented as separate request builders.
const (
	ServiceSessionControl  byte = 0x10
	ServiceECUReset        byte = 0x11
	ServiceClearDTC        byte = 0x14
	ServiceReadDTC         byte = 0x19
	ServiceReadByID        byte = 0x22
	ServiceReadMemory      byte = 0x23
	ServiceSecurityAccess  byte = 0x27
	ServiceWriteByID       byte = 0x2E
	ServiceWriteMemory     byte = 0x3D
	ServiceTesterPresent   byte = 0x3E
	negativeResponseMarker byte = 0x7F
)

// Data identifiers of interest (§4.3).
const (
	DataIDVIN                   uint16 = 0xF190
	DataIDCalibrationID         uint16 = 0xF18A
	DataIDCalibrationVerification uint16 = 0xF18B
	DataIDECUName               uint16 = 0xF18C
	DataIDActiveSession         uint16 = 0xF194
)

// SessionKind selects the sub-function sent with service 0x10.
type SessionKind byte

const (
	SessionDefault     SessionKind = 0x01
	SessionProgramming SessionKind = 0x02
	SessionExtended    SessionKind = 0x03
)

// Session is an open diagnostic session against one transport instance.
// Invariant: at most one active Session per transport; enforced by
// Engine.StartSession refusing to open a second one.
type Session struct {
	ID       string
	Kind     SessionKind
	OpenedAt time.Time
	Active   bool
}

// Response is the result of a single service request.
type Response struct {
	ServiceID       byte
	Data            []byte
	Success         bool
	Timestamp       time.Time
	ResponseTimeMS  int64
}

// NegativeResponseError reports a UDS negative response (0x7F req nrc).
type NegativeResponseError struct {
	RequestService byte
	NRC            byte
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("diagnostics: negative response to service 0x%02X: nrc 0x%02X", e.RequestService, e.NRC)
}

// Engine owns at most one active Session at a time over a shared
// Segmenter and serializes requests against it.
type Engine struct {
	segmenter *isotp.Segmenter
	log       *logrus.Entry

	mu      sync.Mutex
	session *Session
}

// New builds an Engine bound to seg.
func New(seg *isotp.Segmenter, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{segmenter: seg, log: log.WithField("component", "diagnostics")}
}

// StartSession opens a diagnostic session of the given kind. Returns an
// error if a session is already active; only one session may be open
// per transport instance.
func (e *Engine) StartSession(kind SessionKind) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil && e.session.Active {
		return nil, fmt.Errorf("diagnostics: session %s already active", e.session.ID)
	}

	resp, err := e.sendRequestLocked(ServiceSessionControl, []byte{byte(kind)})
	if err != nil {
		return nil, fmt.Errorf("diagnostics: start session: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("diagnostics: start session: unexpected response")
	}

	sess := &Session{
		ID:       uuid.NewString(),
		Kind:     kind,
		OpenedAt: time.Now(),
		Active:   true,
	}
	e.session = sess
	e.log.WithFields(logrus.Fields{"session_id": sess.ID, "kind": kind}).Info("diagnostic session opened")
	return sess, nil
}

// SendRequest sends service/data over the active session, serialized
// against the shared transport, and returns the parsed response.
func (e *Engine) SendRequest(service byte, data []byte) (*Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil || !e.session.Active {
		return nil, fmt.Errorf("diagnostics: no active session")
	}
	return e.sendRequestLocked(service, data)
}

func (e *Engine) sendRequestLocked(service byte, data []byte) (*Response, error) {
	start := time.Now()

	message := make([]byte, 1+len(data))
	message[0] = service
	copy(message[1:], data)

	if err := e.segmenter.Send(message); err != nil {
		return nil, fmt.Errorf("diagnostics: send request: %w", err)
	}

	raw, err := e.segmenter.Receive()
	if err != nil {
		return nil, fmt.Errorf("diagnostics: receive response: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("diagnostics: empty response")
	}

	elapsed := time.Since(start)

	if raw[0] == negativeResponseMarker {
		if len(raw) < 3 {
			return nil, fmt.Errorf("diagnostics: malformed negative response")
		}
		return nil, &NegativeResponseError{RequestService: raw[1], NRC: raw[2]}
	}

	if raw[0] != service+0x40 {
		return nil, fmt.Errorf("diagnostics: unexpected response service 0x%02X for request 0x%02X", raw[0], service)
	}

	return &Response{
		ServiceID:      raw[0],
		Data:           append([]byte(nil), raw[1:]...),
		Success:        true,
		Timestamp:      time.Now(),
		ResponseTimeMS: elapsed.Milliseconds(),
	}, nil
}

// EndSession closes the active session, sending a final session-control
// request back to the default session type.
func (e *Engine) EndSession(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil || e.session.ID != id {
		return fmt.Errorf("diagnostics: no active session with id %s", id)
	}

	_, err := e.sendRequestLocked(ServiceSessionControl, []byte{byte(SessionDefault)})
	e.session.Active = false
	e.log.WithField("session_id", id).Info("diagnostic session closed")
	if err != nil {
		return fmt.Errorf("diagnostics: end session: %w", err)
	}
	return nil
}

// ActiveSession returns the current session, or nil if none is open.
func (e *Engine) ActiveSession() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// BuildReadByIDRequest formats the payload for a 0x22 read-by-id
// request for the given data identifier.
func BuildReadByIDRequest(did uint16) []byte {
	return []byte{byte(did >> 8), byte(did)}
}

// BuildWriteByIDRequest formats the payload for a 0x2E write-by-id
// request for the given data identifier and value.
func BuildWriteByIDRequest(did uint16, value []byte) []byte {
	out := make([]byte, 2+len(value))
	out[0] = byte(did >> 8)
	out[1] = byte(did)
	copy(out[2:], value)
	return out
}
