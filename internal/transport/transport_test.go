package transport

import (
	"os"
	"testing"
	"time"

	"ecusafe/internal/frame"
)

func TestMockTransportRequiresDevMode(t *testing.T) {
	os.Unsetenv("OPERATOR_MODE")
	_, err := New(Config{Kind: "mock", Device: "bench"})
	if err == nil {
		t.Fatalf("expected error constructing mock transport outside dev mode")
	}
}

func TestMockTransportSendReceive(t *testing.T) {
	os.Setenv("OPERATOR_MODE", "dev")
	defer os.Unsetenv("OPERATOR_MODE")

	tr, err := New(Config{Kind: "mock", Device: "bench"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mt := tr.(*mockTransport)

	if err := tr.SendFrame(frame.New(0x7E0, []byte{0x02, 0x10, 0x01})); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	sent := mt.Sent()
	if len(sent) != 1 || sent[0].ID != 0x7E0 {
		t.Fatalf("unexpected sent frames: %+v", sent)
	}

	mt.Inject(frame.New(0x7E8, []byte{0x06, 0x50, 0x01}))
	f, ok, err := tr.ReceiveFrame(50 * time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("ReceiveFrame: ok=%v err=%v", ok, err)
	}
	if f.ID != 0x7E8 {
		t.Fatalf("unexpected frame id %x", f.ID)
	}
}

func TestMockTransportReceiveTimeoutIsNotError(t *testing.T) {
	os.Setenv("OPERATOR_MODE", "dev")
	defer os.Unsetenv("OPERATOR_MODE")

	tr, _ := New(Config{Kind: "mock", Device: "bench"})
	_, ok, err := tr.ReceiveFrame(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("expected clean empty receive, got err=%v", err)
	}
	if ok {
		t.Fatalf("expected no frame")
	}
}

func TestMockTransportNotConnected(t *testing.T) {
	os.Setenv("OPERATOR_MODE", "dev")
	defer os.Unsetenv("OPERATOR_MODE")

	tr, _ := New(Config{Kind: "mock", Device: "bench"})
	mt := tr.(*mockTransport)
	mt.SetConnected(false)

	if err := tr.SendFrame(frame.New(0x1, nil)); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestIdentifierFormat(t *testing.T) {
	cfg := Config{Kind: "socketcan", Device: "can0"}
	if got, want := cfg.Identifier(), "socketcan:can0"; got != want {
		t.Fatalf("Identifier() = %q, want %q", got, want)
	}
}
