package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"ecusafe/internal/eventbus"
	"ecusafe/internal/safety"
)

type fakeParamWriter struct {
	written map[string]float64
}

func (f *fakeParamWriter) WriteParam(name string, value float64) error {
	if f.written == nil {
		f.written = make(map[string]float64)
	}
	f.written[name] = value
	return nil
}

func TestHealthzReturnsOK(t *testing.T) {
	_, router := New(nil, nil, nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestSafetyStatusReportsArmState(t *testing.T) {
	bus, err := eventbus.New(eventbus.DefaultConfig(), eventbus.NewMemoryPersistence(), nil, nil)
	if err != nil {
		t.Fatalf("eventbus.New: %v", err)
	}
	defer bus.Close()
	state := safety.New(safety.DefaultLimits(), bus, nil)

	_, router := New(bus, state, nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/safety", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestFlashStatusUnavailableWithoutSupervisor(t *testing.T) {
	_, router := New(nil, nil, nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/flash/job-1", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestApplyLiveRejectedWithoutArmedSession(t *testing.T) {
	bus, err := eventbus.New(eventbus.DefaultConfig(), eventbus.NewMemoryPersistence(), nil, nil)
	if err != nil {
		t.Fatalf("eventbus.New: %v", err)
	}
	defer bus.Close()
	state := safety.New(safety.DefaultLimits(), bus, nil)
	writer := &fakeParamWriter{}

	_, router := New(bus, state, nil, nil, writer, nil)
	body := bytes.NewBufferString(`{"current":{"boost_pressure":10},"new":{"boost_pressure":12}}`)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/live/apply", body)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestApplyLiveThenRevertRoundTrips(t *testing.T) {
	bus, err := eventbus.New(eventbus.DefaultConfig(), eventbus.NewMemoryPersistence(), nil, nil)
	if err != nil {
		t.Fatalf("eventbus.New: %v", err)
	}
	defer bus.Close()
	state := safety.New(safety.DefaultLimits(), bus, nil)
	if err := state.Arm(safety.LiveApply); err != nil {
		t.Fatalf("Arm(LiveApply): %v", err)
	}
	writer := &fakeParamWriter{}

	_, router := New(bus, state, nil, nil, writer, nil)
	body := bytes.NewBufferString(`{"current":{"boost_pressure":10},"new":{"boost_pressure":12}}`)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/live/apply", body)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("apply status = %d, want %d", rec.Code, http.StatusOK)
	}
	if writer.written["boost_pressure"] != 12 {
		t.Fatalf("written boost_pressure = %v, want 12", writer.written["boost_pressure"])
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode apply response: %v", err)
	}

	revertRec := httptest.NewRecorder()
	revertReq := httptest.NewRequest(http.MethodPost, "/live/revert/"+resp["snapshot_id"], nil)
	router.ServeHTTP(revertRec, revertReq)
	if revertRec.Code != http.StatusNoContent {
		t.Fatalf("revert status = %d, want %d", revertRec.Code, http.StatusNoContent)
	}
	if writer.written["boost_pressure"] != 10 {
		t.Fatalf("reverted boost_pressure = %v, want 10", writer.written["boost_pressure"])
	}
}
