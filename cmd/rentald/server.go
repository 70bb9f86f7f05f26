package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"rentalflow/auth"
	"rentalflow/identity"
	"rentalflow/ledger"
	"rentalflow/processor"
	"rentalflow/store"
)

type ctxKey string

const ctxKeyRequestID ctxKey = "request_id"

const maxBodyBytes = 64 << 10

type instructionExecutor interface {
	Execute(ctx context.Context, req store.Request) (processor.Outcome, error)
	Allocate(ctx context.Context, params store.AllocateParams) error
}

type agreementReader interface {
	Get(ctx context.Context, key identity.ID) (store.Snapshot, error)
	Timeline(ctx context.Context, key identity.ID) ([]store.TimelineEntry, error)
}

type tokenVerifier interface {
	Verify(token string) (auth.Envelope, error)
}

// Server exposes the executor and reader over HTTP.
type Server struct {
	executor instructionExecutor
	reader   agreementReader
	verifier tokenVerifier
	gatherer prometheus.Gatherer
	log      logrus.FieldLogger
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/accounts", s.handleAccounts)
	mux.HandleFunc("/api/instructions", s.handleInstructions)
	mux.HandleFunc("/api/agreements/", s.handleAgreementDetail)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return s.withRequestLog(mux)
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))

		s.logger(r).WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sw.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  id,
		}).Info("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) logger(r *http.Request) logrus.FieldLogger {
	log := s.log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if id, ok := r.Context().Value(ctxKeyRequestID).(string); ok {
		return log.WithField("request_id", id)
	}
	return log
}

type allocateRequest struct {
	Key      string `json:"key"`
	Lamports uint64 `json:"lamports"`
	Token    string `json:"token"`
}

type instructionRequest struct {
	Agreement string `json:"agreement"`
	Payee     string `json:"payee"`
	Token     string `json:"token"`
}

type agreementResponse struct {
	Key               string `json:"key"`
	Owner             string `json:"owner,omitempty"`
	Lamports          uint64 `json:"lamports"`
	Status            string `json:"status"`
	Payee             string `json:"payee"`
	Payer             string `json:"payer"`
	Deposit           uint64 `json:"deposit"`
	RentAmount        uint64 `json:"rentAmount"`
	Duration          uint64 `json:"duration"`
	DurationUnit      string `json:"durationUnit"`
	RemainingPayments uint64 `json:"remainingPayments"`
}

type outcomeResponse struct {
	Transition  string            `json:"transition"`
	Noop        bool              `json:"noop"`
	Transferred uint64            `json:"transferred"`
	Agreement   *agreementResponse `json:"agreement,omitempty"`
}

type timelineResponse struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Actor     *string        `json:"actor,omitempty"`
	CreatedAt string         `json:"createdAt"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  uint32 `json:"code"`
	Class string `json:"class"`
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req allocateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	key, err := identity.Parse(req.Key)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid key")
		return
	}
	env, err := s.verifier.Verify(req.Token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	if !bytes.Equal(env.Instruction, store.AllocationMessage(key, req.Lamports)) {
		writeError(w, http.StatusUnauthorized, "token does not authorize this allocation")
		return
	}

	err = s.executor.Allocate(r.Context(), store.AllocateParams{
		Key:        key,
		Funder:     env.Signer,
		Lamports:   req.Lamports,
		Signatures: env,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": key.String(), "lamports": req.Lamports})
}

func (s *Server) handleInstructions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req instructionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	key, err := identity.Parse(req.Agreement)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agreement key")
		return
	}
	var payee identity.ID
	if req.Payee != "" {
		if payee, err = identity.Parse(req.Payee); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payee")
			return
		}
	}
	env, err := s.verifier.Verify(req.Token)
	if err != nil {
		s.logger(r).WithError(err).Info("token rejected")
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	out, err := s.executor.Execute(r.Context(), store.Request{Agreement: key, Payee: payee, Envelope: env})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	resp := outcomeResponse{
		Transition:  out.Transition.String(),
		Noop:        out.Noop,
		Transferred: out.Transferred,
	}
	if out.Noop {
		// a no-op carries no record; report the stored one when it can be read
		snap, err := s.reader.Get(r.Context(), key)
		if err != nil {
			s.logger(r).WithError(err).Warn("read agreement after no-op")
		} else {
			detail := toAgreementResponse(snap)
			resp.Agreement = &detail
		}
	} else {
		detail := toAgreementResponse(store.Snapshot{Key: key, Record: out.Record})
		resp.Agreement = &detail
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAgreementDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/agreements/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 || (len(parts) == 2 && parts[1] != "timeline") {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	key, err := identity.Parse(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agreement key")
		return
	}

	if len(parts) == 2 {
		entries, err := s.reader.Timeline(r.Context(), key)
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		items := make([]timelineResponse, 0, len(entries))
		for _, e := range entries {
			items = append(items, timelineResponse{
				ID:        e.ID,
				Type:      e.Type,
				Payload:   e.Payload,
				Actor:     e.Actor,
				CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	snap, err := s.reader.Get(r.Context(), key)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(snap))
}

func toAgreementResponse(snap store.Snapshot) agreementResponse {
	rec := snap.Record
	resp := agreementResponse{
		Key:               snap.Key.String(),
		Lamports:          snap.Lamports,
		Status:            rec.Status.String(),
		Payee:             rec.Payee.String(),
		Payer:             rec.Payer.String(),
		Deposit:           rec.Deposit,
		RentAmount:        rec.RentAmount,
		Duration:          rec.Duration,
		DurationUnit:      rec.DurationUnit.String(),
		RemainingPayments: rec.RemainingPayments,
	}
	if !snap.Owner.IsZero() {
		resp.Owner = snap.Owner.String()
	}
	return resp
}

// writeFailure maps executor and reader errors to HTTP statuses.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrAccountNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateInstruction), errors.Is(err, store.ErrAccountExists):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, store.ErrAmountTooLarge):
		status = http.StatusUnprocessableEntity
	default:
		switch processor.ClassOf(err) {
		case processor.ClassMalformed:
			status = http.StatusBadRequest
		case processor.ClassAuthorization:
			status = http.StatusForbidden
		case processor.ClassState:
			status = http.StatusConflict
		}
	}

	if status == http.StatusInternalServerError {
		s.logger(r).WithError(err).Error("request failed")
		writeJSON(w, status, errorResponse{Error: "internal error", Class: processor.ClassInternal.String()})
		return
	}
	writeJSON(w, status, errorResponse{
		Error: err.Error(),
		Code:  processor.Code(err),
		Class: processor.ClassOf(err).String(),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
