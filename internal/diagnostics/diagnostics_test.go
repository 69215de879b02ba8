package diagnostics

import (
	"errors"
	"os"
	"testing"

	"ecusafe/internal/frame"
	"ecusafe/internal/isotp"
	"ecusafe/internal/transport"
)

type injector interface {
	Inject(frame.Frame)
}

func newEngine(t *testing.T) (*Engine, transport.Transport) {
	t.Helper()
	os.Setenv("OPERATOR_MODE", "dev")
	tr, err := transport.New(transport.Config{Kind: "mock", Device: "bench"})
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	seg := isotp.New(tr)
	return New(seg, nil), tr
}

func TestStartSessionSingleFrame(t *testing.T) {
	eng, tr := newEngine(t)
	tr.(injector).Inject(frame.New(isotp.DefaultResponseID, []byte{0x02, 0x50, 0x01}))

	sess, err := eng.StartSession(SessionDefault)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if !sess.Active || sess.Kind != SessionDefault {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestStartSessionTwiceFails(t *testing.T) {
	eng, tr := newEngine(t)
	tr.(injector).Inject(frame.New(isotp.DefaultResponseID, []byte{0x02, 0x50, 0x01}))
	if _, err := eng.StartSession(SessionDefault); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	_, err := eng.StartSession(SessionExtended)
	if err == nil {
		t.Fatalf("expected error starting a second session")
	}
}

func TestReadByIDPositiveResponse(t *testing.T) {
	eng, tr := newEngine(t)
	tr.(injector).Inject(frame.New(isotp.DefaultResponseID, []byte{0x02, 0x50, 0x01}))
	if _, err := eng.StartSession(SessionDefault); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	tr.(injector).Inject(frame.New(isotp.DefaultResponseID, []byte{0x0A, 0x62, 0xF1, 0x90, 'V', 'I', 'N', '1', '2', '3', '4'}))
	resp, err := eng.SendRequest(ServiceReadByID, BuildReadByIDRequest(DataIDVIN))
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if !resp.Success || resp.ServiceID != 0x62 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	want := "VIN1234"
	if string(resp.Data[2:]) != want {
		t.Fatalf("got %q want %q", resp.Data[2:], want)
	}
}

func TestNegativeResponse(t *testing.T) {
	eng, tr := newEngine(t)
	tr.(injector).Inject(frame.New(isotp.DefaultResponseID, []byte{0x02, 0x50, 0x01}))
	if _, err := eng.StartSession(SessionDefault); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	tr.(injector).Inject(frame.New(isotp.DefaultResponseID, []byte{0x03, 0x7F, 0x22, 0x31}))
	_, err := eng.SendRequest(ServiceReadByID, BuildReadByIDRequest(DataIDVIN))

	var nrErr *NegativeResponseError
	if !errors.As(err, &nrErr) {
		t.Fatalf("expected NegativeResponseError, got %v", err)
	}
	if nrErr.NRC != 0x31 {
		t.Fatalf("unexpected NRC: %x", nrErr.NRC)
	}
}

func TestSendRequestWithoutSessionFails(t *testing.T) {
	eng, _ := newEngine(t)
	_, err := eng.SendRequest(ServiceReadByID, BuildReadByIDRequest(DataIDVIN))
	if err == nil {
		t.Fatalf("expected error sending request with no active session")
	}
}
