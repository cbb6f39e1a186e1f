package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"taosim-validator/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubStepHandler struct {
	batch types.MergedBatch
	err   error
	got   StepUpdate
}

func (s *stubStepHandler) HandleStep(ctx context.Context, update StepUpdate) (types.MergedBatch, error) {
	s.got = update
	return s.batch, s.err
}

type stubEventHandler struct {
	err error
	got AccountEvent
}

func (s *stubEventHandler) HandleEvent(ctx context.Context, event AccountEvent) error {
	s.got = event
	return s.err
}

func TestHandleOrderbookRoundTrip(t *testing.T) {
	step := &stubStepHandler{batch: types.MergedBatch{Responses: []types.MergedBatchEntry{
		{AgentID: 1, Delay: 100, Type: types.CancelOrders},
	}}}
	h := NewHandlers(step, &stubEventHandler{}, discardLogger())

	body := `{"step":5,"timestamp":1000,"validatorId":"v1","books":{}}`
	req := httptest.NewRequest(http.MethodPost, "/orderbook", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.HandleOrderbook(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if step.got.Step != 5 || step.got.ValidatorID != "v1" {
		t.Fatalf("expected decoded step update, got %+v", step.got)
	}

	var batch types.MergedBatch
	if err := json.NewDecoder(w.Body).Decode(&batch); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(batch.Responses) != 1 || batch.Responses[0].AgentID != 1 {
		t.Fatalf("expected merged batch echoed back, got %+v", batch)
	}
}

func TestHandleOrderbookBadRequest(t *testing.T) {
	h := NewHandlers(&stubStepHandler{}, &stubEventHandler{}, discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/orderbook", strings.NewReader("not json"))
	w := httptest.NewRecorder()

	h.HandleOrderbook(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleOrderbookStepHandlerError(t *testing.T) {
	step := &stubStepHandler{err: errors.New("boom")}
	h := NewHandlers(step, &stubEventHandler{}, discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/orderbook", strings.NewReader(`{"step":1}`))
	w := httptest.NewRecorder()

	h.HandleOrderbook(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestHandleOrderbookRejectsNonPost(t *testing.T) {
	h := NewHandlers(&stubStepHandler{}, &stubEventHandler{}, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/orderbook", nil)
	w := httptest.NewRecorder()

	h.HandleOrderbook(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestHandleAccountEventRoundTrip(t *testing.T) {
	event := &stubEventHandler{}
	h := NewHandlers(&stubStepHandler{}, event, discardLogger())

	body := `{"kind":"EVENT_SIMULATION_START","logDir":"/var/log/sim"}`
	req := httptest.NewRequest(http.MethodPost, "/account", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.HandleAccount(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if event.got.Kind != "EVENT_SIMULATION_START" || event.got.LogDir != "/var/log/sim" {
		t.Fatalf("expected decoded event, got %+v", event.got)
	}
}

func TestHandleHealth(t *testing.T) {
	h := NewHandlers(&stubStepHandler{}, &stubEventHandler{}, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	h.HandleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
