package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/brutella/can"

	"ecusafe/internal/frame"
)

// socketcanTransport bridges the brutella/can bus API onto Transport by
// subscribing a handler that fans received frames into a channel, the
// same shape as the CANHandler pattern used for the ops status feed.
type socketcanTransport struct {
	id   string
	bus  *can.Bus
	recv chan frame.Frame

	mu        sync.Mutex
	connected bool
}

func newSocketCANTransport(cfg Config) (Transport, error) {
	bus, err := can.NewBusForInterfaceWithName(cfg.Device)
	if err != nil {
		return nil, NewIOError("open socketcan interface "+cfg.Device, err)
	}

	t := &socketcanTransport{
		id:        cfg.Identifier(),
		bus:       bus,
		recv:      make(chan frame.Frame, 256),
		connected: true,
	}
	bus.Subscribe(t)

	go func() {
		if err := bus.ConnectAndPublish(); err != nil {
			t.mu.Lock()
			t.connected = false
			t.mu.Unlock()
		}
	}()

	return t, nil
}

// Handle implements can.Handler, receiving every frame the bus sees.
func (t *socketcanTransport) Handle(f can.Frame) {
	data := make([]byte, f.Length)
	copy(data, f.Data[:f.Length])
	select {
	case t.recv <- frame.Frame{ID: f.ID, Extended: f.Flags != 0, Data: data, Timestamp: time.Now()}:
	default:
		// receive buffer full; drop this incoming frame rather than block the bus reader
	}
}

func (t *socketcanTransport) SendFrame(f frame.Frame) error {
	if !t.IsConnected() {
		return ErrNotConnected
	}
	var data [8]byte
	n := copy(data[:], f.Data)
	out := can.Frame{
		ID:     f.ID,
		Length: uint8(n),
		Data:   data,
	}
	if err := t.bus.Publish(out); err != nil {
		return NewIOError("publish frame", err)
	}
	return nil
}

func (t *socketcanTransport) ReceiveFrame(timeout time.Duration) (frame.Frame, bool, error) {
	select {
	case f := <-t.recv:
		return f, true, nil
	case <-time.After(timeout):
		return frame.Frame{}, false, nil
	}
}

func (t *socketcanTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *socketcanTransport) Identifier() string { return t.id }

func (t *socketcanTransport) Close() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	if err := t.bus.Disconnect(); err != nil {
		return fmt.Errorf("transport: close socketcan: %w", err)
	}
	return nil
}
