package transport

import (
	"sync"
	"time"

	"github.com/rzetterberg/elmobd"

	"ecusafe/internal/frame"
)

// passthroughTransport wraps an ELM327-class pass-through adapter.
// elmobd.Device speaks AT-command OBD-II, not raw ISO-TP frames.
// SendFrame runs each frame through its raw command path and discards
// the command's response. Nothing fills the receive buffer, so
// ReceiveFrame returns at once with no frame and does not wait for the
// timeout.
type passthroughTransport struct {
	id     string
	device *elmobd.Device

	mu        sync.Mutex
	recv      []frame.Frame
	connected bool
}

func newPassthroughTransport(cfg Config) (Transport, error) {
	addr := "serial://" + cfg.Device
	dev, err := elmobd.NewDevice(addr, cfg.Debug)
	if err != nil {
		return nil, NewIOError("open passthrough device "+cfg.Device, err)
	}
	return &passthroughTransport{
		id:        cfg.Identifier(),
		device:    dev,
		connected: true,
	}, nil
}

func (t *passthroughTransport) SendFrame(f frame.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	cmd, err := elmobd.NewRawCommand(encodeHex(f.Data))
	if err != nil {
		return NewIOError("build raw command", err)
	}
	if _, err := t.device.RunOBDCommand(cmd); err != nil {
		return NewIOError("send raw command", err)
	}
	return nil
}

func (t *passthroughTransport) ReceiveFrame(timeout time.Duration) (frame.Frame, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return frame.Frame{}, false, ErrNotConnected
	}
	if len(t.recv) == 0 {
		return frame.Frame{}, false, nil
	}
	f := t.recv[0]
	t.recv = t.recv[1:]
	return f, true, nil
}

func (t *passthroughTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *passthroughTransport) Identifier() string { return t.id }

func (t *passthroughTransport) Close() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}

func encodeHex(data []byte) string {
	const hexDigits = "0123456789ABCDEF"
	out := make([]byte, 0, len(data)*2)
	for _, b := range data {
		out = append(out, hexDigits[b>>4], hexDigits[b&0x0F])
	}
	return string(out)
}
