package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"rentalflow/agreement"
	"rentalflow/auth"
	"rentalflow/identity"
	"rentalflow/instruction"
	"rentalflow/processor"
	"rentalflow/store"
)

func testID(b byte) identity.ID {
	var id identity.ID
	for i := range id {
		id[i] = b
	}
	return id
}

var (
	agreementKey = testID(0xA0)
	payee        = testID(1)
	payer        = testID(2)
)

type stubExecutor struct {
	outcome     processor.Outcome
	executeErr  error
	allocateErr error
	lastRequest store.Request
	lastAlloc   store.AllocateParams
}

func (s *stubExecutor) Execute(_ context.Context, req store.Request) (processor.Outcome, error) {
	s.lastRequest = req
	return s.outcome, s.executeErr
}

func (s *stubExecutor) Allocate(_ context.Context, params store.AllocateParams) error {
	s.lastAlloc = params
	return s.allocateErr
}

type stubReader struct {
	snapshot store.Snapshot
	entries  []store.TimelineEntry
	err      error
}

func (s *stubReader) Get(_ context.Context, _ identity.ID) (store.Snapshot, error) {
	return s.snapshot, s.err
}

func (s *stubReader) Timeline(_ context.Context, _ identity.ID) ([]store.TimelineEntry, error) {
	return s.entries, s.err
}

type stubVerifier struct {
	envelope auth.Envelope
	err      error
}

func (s stubVerifier) Verify(string) (auth.Envelope, error) {
	return s.envelope, s.err
}

func activeRecord() agreement.Record {
	return agreement.Record{
		Status:            agreement.StatusActive,
		Payee:             payee,
		Payer:             payer,
		Deposit:           500,
		RentAmount:        100,
		Duration:          12,
		RemainingPayments: 11,
	}
}

func instructionBody(payeeKey identity.ID) *strings.Reader {
	return strings.NewReader(fmt.Sprintf(`{"agreement":%q,"payee":%q,"token":"t"}`, agreementKey.String(), payeeKey.String()))
}

func TestHandleInstructions_Success(t *testing.T) {
	exec := &stubExecutor{outcome: processor.Outcome{
		Transition:  instruction.TagPayment,
		Record:      activeRecord(),
		Transferred: 100,
	}}
	server := &Server{
		executor: exec,
		verifier: stubVerifier{envelope: auth.Envelope{Signer: payer, Instruction: []byte{1}}},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/instructions", instructionBody(payee))
	rec := httptest.NewRecorder()

	server.handleInstructions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp outcomeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Agreement == nil {
		t.Fatalf("expected agreement in response: %s", rec.Body.String())
	}
	if resp.Transition != "payment" || resp.Transferred != 100 || resp.Agreement.RemainingPayments != 11 {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
	if exec.lastRequest.Agreement != agreementKey || exec.lastRequest.Payee != payee {
		t.Fatalf("unexpected executor request: %+v", exec.lastRequest)
	}
	if exec.lastRequest.Envelope.Signer != payer {
		t.Fatalf("envelope not forwarded")
	}
}

func TestHandleInstructions_NoopReportsStoredRecord(t *testing.T) {
	exec := &stubExecutor{outcome: processor.Outcome{Transition: instruction.TagPayment, Noop: true}}
	server := &Server{
		executor: exec,
		reader:   &stubReader{snapshot: store.Snapshot{Key: agreementKey, Lamports: 1572960, Record: activeRecord()}},
		verifier: stubVerifier{envelope: auth.Envelope{Signer: payer, Instruction: []byte{1}}},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/instructions", instructionBody(payer))
	rec := httptest.NewRecorder()
	server.handleInstructions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp outcomeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Noop || resp.Transferred != 0 {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
	if resp.Agreement == nil || resp.Agreement.Status != "active" || resp.Agreement.RemainingPayments != 11 {
		t.Fatalf("expected stored active record, got %s", rec.Body.String())
	}
}

func TestHandleInstructions_NoopOmitsUnreadableRecord(t *testing.T) {
	server := &Server{
		executor: &stubExecutor{outcome: processor.Outcome{Transition: instruction.TagPayment, Noop: true}},
		reader:   &stubReader{err: errors.New("db down")},
		verifier: stubVerifier{envelope: auth.Envelope{Signer: payer, Instruction: []byte{1}}},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/instructions", instructionBody(payer))
	rec := httptest.NewRecorder()
	server.handleInstructions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), `"agreement"`) {
		t.Fatalf("expected agreement to be omitted, got %s", rec.Body.String())
	}
}

func TestHandleInstructions_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   uint32
	}{
		{processor.ErrPaymentAmountMismatch, http.StatusConflict, processor.CodePaymentAmountMismatch},
		{processor.ErrAlreadyPaidInFull, http.StatusConflict, processor.CodeAlreadyPaidInFull},
		{processor.ErrMissingSignature, http.StatusForbidden, processor.CodeMissingSignature},
		{processor.ErrPayeeMismatch, http.StatusForbidden, processor.CodeInvalidAccountData},
		{instruction.ErrMalformedInstruction, http.StatusBadRequest, processor.CodeMalformedInstruction},
		{store.ErrDuplicateInstruction, http.StatusConflict, processor.CodeInternal},
		{store.ErrAccountNotFound, http.StatusNotFound, processor.CodeInternal},
		{errors.New("boom"), http.StatusInternalServerError, processor.CodeInternal},
	}
	for _, tc := range cases {
		server := &Server{
			executor: &stubExecutor{executeErr: tc.err},
			verifier: stubVerifier{envelope: auth.Envelope{Signer: payer}},
		}
		req := httptest.NewRequest(http.MethodPost, "/api/instructions", instructionBody(payee))
		rec := httptest.NewRecorder()

		server.handleInstructions(rec, req)

		if rec.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
		}
		var resp errorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode error response: %v", err)
		}
		if resp.Code != tc.code {
			t.Fatalf("%v: expected code %d, got %d", tc.err, tc.code, resp.Code)
		}
	}
}

func TestHandleInstructions_InvalidToken(t *testing.T) {
	exec := &stubExecutor{}
	server := &Server{
		executor: exec,
		verifier: stubVerifier{err: auth.ErrInvalidToken},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/instructions", instructionBody(payee))
	rec := httptest.NewRecorder()

	server.handleInstructions(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if exec.lastRequest.Envelope.Signer != (identity.ID{}) {
		t.Fatalf("executor must not run for invalid tokens")
	}
}

func TestHandleInstructions_BadBody(t *testing.T) {
	server := &Server{executor: &stubExecutor{}, verifier: stubVerifier{}}

	for _, body := range []string{`{`, `{"agreement":"nope","token":"t"}`, `{"unknown":1}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/instructions", strings.NewReader(body))
		rec := httptest.NewRecorder()

		server.handleInstructions(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestHandleInstructions_WrongMethod(t *testing.T) {
	server := &Server{}

	req := httptest.NewRequest(http.MethodGet, "/api/instructions", nil)
	rec := httptest.NewRecorder()

	server.handleInstructions(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleAccounts(t *testing.T) {
	key := testID(0xB0)
	exec := &stubExecutor{}
	server := &Server{
		executor: exec,
		verifier: stubVerifier{envelope: auth.Envelope{
			Signer:      payer,
			Instruction: store.AllocationMessage(key, 1572960),
		}},
	}

	body := fmt.Sprintf(`{"key":%q,"lamports":1572960,"token":"t"}`, key.String())
	req := httptest.NewRequest(http.MethodPost, "/api/accounts", strings.NewReader(body))
	rec := httptest.NewRecorder()

	server.handleAccounts(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if exec.lastAlloc.Funder != payer || exec.lastAlloc.Key != key || exec.lastAlloc.Lamports != 1572960 {
		t.Fatalf("unexpected allocation: %+v", exec.lastAlloc)
	}

	// A token for a different amount does not authorize this one.
	body = fmt.Sprintf(`{"key":%q,"lamports":9,"token":"t"}`, key.String())
	req = httptest.NewRequest(http.MethodPost, "/api/accounts", strings.NewReader(body))
	rec = httptest.NewRecorder()

	server.handleAccounts(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleAccounts_Exists(t *testing.T) {
	key := testID(0xB0)
	server := &Server{
		executor: &stubExecutor{allocateErr: store.ErrAccountExists},
		verifier: stubVerifier{envelope: auth.Envelope{Signer: payer, Instruction: store.AllocationMessage(key, 0)}},
	}

	body := fmt.Sprintf(`{"key":%q,"lamports":0,"token":"t"}`, key.String())
	req := httptest.NewRequest(http.MethodPost, "/api/accounts", strings.NewReader(body))
	rec := httptest.NewRecorder()

	server.handleAccounts(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleAgreementDetail_Success(t *testing.T) {
	server := &Server{
		reader: &stubReader{snapshot: store.Snapshot{
			Key:      agreementKey,
			Owner:    testID(0xEE),
			Lamports: 1572960,
			Record:   activeRecord(),
		}},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/agreements/"+agreementKey.String(), nil)
	rec := httptest.NewRecorder()

	server.handleAgreementDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp agreementResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "active" || resp.Payee != payee.String() || resp.Lamports != 1572960 || resp.DurationUnit != "months" {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
}

func TestHandleAgreementDetail_NotFound(t *testing.T) {
	server := &Server{reader: &stubReader{err: store.ErrAccountNotFound}}

	req := httptest.NewRequest(http.MethodGet, "/api/agreements/"+agreementKey.String(), nil)
	rec := httptest.NewRecorder()

	server.handleAgreementDetail(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleAgreementDetail_InvalidPath(t *testing.T) {
	server := &Server{reader: &stubReader{}}

	for _, path := range []string{"/api/agreements/", "/api/agreements/not-a-key", "/api/agreements/" + agreementKey.String() + "/other"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()

		server.handleAgreementDetail(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rec.Code)
		}
	}
}

func TestHandleTimeline(t *testing.T) {
	now := time.Date(2024, 10, 31, 15, 4, 5, 0, time.UTC)
	server := &Server{reader: &stubReader{entries: []store.TimelineEntry{
		{ID: 1, Type: store.EventAgreementInitialized, Payload: map[string]any{"rent_amount": 100.0}, CreatedAt: now},
		{ID: 2, Type: store.EventRentPaid, Payload: map[string]any{"amount": 100.0}, CreatedAt: now},
	}}}

	req := httptest.NewRequest(http.MethodGet, "/api/agreements/"+agreementKey.String()+"/timeline", nil)
	rec := httptest.NewRecorder()

	server.handleAgreementDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var payload struct {
		Items []timelineResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 2 || payload.Items[1].Type != store.EventRentPaid || payload.Items[0].CreatedAt != now.Format(time.RFC3339) {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestRoutes_HealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	processor.NewMetrics(reg)
	server := &Server{gatherer: reg}
	handler := server.routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "rental_processor_rent_transferred_total") {
		t.Fatalf("metrics output missing processor counter")
	}
}
