// Package transport abstracts the CAN-class link an ECU diagnostic
// session runs over: a raw CAN socket, a pass-through adapter, a plain
// TCP link, or (dev-mode only) an in-memory mock.
package transport

import (
	"errors"
	"fmt"
	"os"
	"time"

	"ecusafe/internal/frame"
)

// Sentinel errors surfaced by every Transport implementation.
var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrTimeout      = errors.New("transport: timeout")
)

// IOError wraps a genuine transport fault (as opposed to a clean,
// empty receive on timeout).
type IOError struct {
	Detail string
	Err    error
}

func (e *IOError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: io error: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("transport: io error: %s", e.Detail)
}

func (e *IOError) Unwrap() error { return e.Err }

// NewIOError builds an IOError, the only error variant allowed to wrap
// an underlying cause.
func NewIOError(detail string, err error) error {
	return &IOError{Detail: detail, Err: err}
}

// Transport is the capability set every variant implements: send one
// frame, receive one frame within a deadline, report liveness.
//
// Discipline: a single writer sends at a time and a single dedicated
// reader receives; callers enforce that serialization, Transport itself
// does not lock against concurrent use.
type Transport interface {
	// SendFrame transmits a single frame. Returns ErrNotConnected if the
	// link is down, or an *IOError for any other send fault.
	SendFrame(f frame.Frame) error

	// ReceiveFrame waits up to timeout for the next frame. A timeout
	// with no frame available returns (frame.Frame{}, false, nil) — a
	// clean empty receive, not an error. Only a genuine fault returns a
	// non-nil error.
	ReceiveFrame(timeout time.Duration) (frame.Frame, bool, error)

	// IsConnected reports current liveness without blocking.
	IsConnected() bool

	// Identifier returns the "<kind>:<device>" string the transport was
	// constructed from.
	Identifier() string

	// Close releases any underlying resource.
	Close() error
}

// Config selects and parameterizes a Transport variant.
type Config struct {
	// Kind is one of "socketcan", "passthrough", "tcp", or "mock".
	Kind string
	// Device is the interface name, serial path, or TCP address,
	// depending on Kind.
	Device string
	BaudRate int
	Debug    bool
}

// Identifier formats the "<kind>:<device>" identifier for cfg.
func (cfg Config) Identifier() string {
	return fmt.Sprintf("%s:%s", cfg.Kind, cfg.Device)
}

// operatorModeDev reports whether OPERATOR_MODE=dev, the only condition
// under which mock:* transports may be constructed.
func operatorModeDev() bool {
	return os.Getenv("OPERATOR_MODE") == "dev"
}

// New constructs the Transport variant named by cfg.Kind.
func New(cfg Config) (Transport, error) {
	switch cfg.Kind {
	case "socketcan":
		return newSocketCANTransport(cfg)
	case "passthrough":
		return newPassthroughTransport(cfg)
	case "tcp":
		return newTCPTransport(cfg)
	case "mock":
		if !operatorModeDev() {
			return nil, fmt.Errorf("transport: mock transport requires OPERATOR_MODE=dev")
		}
		return newMockTransport(cfg), nil
	default:
		return nil, fmt.Errorf("transport: unsupported kind %q", cfg.Kind)
	}
}
