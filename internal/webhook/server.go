// Package webhook is the HTTP intake: signal ingestion with constant-time
// secret authentication, per-process rate limiting, an append-only request
// log, and operational probes for health, positions, and reconciliation.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/patchwell/signalgate/internal/executor"
	"github.com/patchwell/signalgate/internal/models"
	"github.com/patchwell/signalgate/internal/store"
	"github.com/patchwell/signalgate/internal/tracker"
	"github.com/patchwell/signalgate/internal/venue"
)

const (
	maxBodyBytes = 64 << 10
	dedupHorizon = 5 * time.Minute
	probeTimeout = 5 * time.Second
)

// Exec is the slice of the executor the server needs.
type Exec interface {
	Execute(ctx context.Context, in *models.Intent) (*executor.Result, error)
}

// AdapterRegistry resolves adapters for the operational probes.
type AdapterRegistry interface {
	Get(ctx context.Context, user, venueName string) (venue.Adapter, error)
	Venues() []string
}

// Config tunes the intake.
type Config struct {
	// RateCapacity and RatePerSecond shape the per-process token bucket.
	RateCapacity  float64
	RatePerSecond float64
}

// Server is the webhook HTTP surface.
type Server struct {
	store    store.Interface
	exec     Exec
	tracker  *tracker.Tracker
	adapters AdapterRegistry
	logger   *logrus.Entry
	limiter  *TokenBucket
	router   chi.Router
	started  time.Time
	draining atomic.Bool
}

// New builds the server and its routes.
func New(st store.Interface, exec Exec, tr *tracker.Tracker, adapters AdapterRegistry,
	cfg Config, logger *logrus.Logger) *Server {
	if cfg.RateCapacity <= 0 {
		cfg.RateCapacity = 20
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	s := &Server{
		store:    st,
		exec:     exec,
		tracker:  tr,
		adapters: adapters,
		logger:   logger.WithField("component", "webhook"),
		limiter:  NewTokenBucket(cfg.RateCapacity, cfg.RatePerSecond),
		started:  time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/webhook", s.handleWebhook)
	r.Get("/health", s.handleHealth)
	r.Get("/positions", s.handlePositions)
	r.Post("/positions/sync", s.handleSync)
	s.router = r
	return s
}

// Handler exposes the router for the HTTP server.
func (s *Server) Handler() http.Handler { return s.router }

// SetDraining makes the intake refuse new webhooks during shutdown.
func (s *Server) SetDraining(v bool) { s.draining.Store(v) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// logRejection writes the single request-log row for a request that never
// reached the executor.
func (s *Server) logRejection(ctx context.Context, user, redacted, errMsg string, p *payload) {
	rec := &models.WebhookRecord{
		ID:         uuid.NewString(),
		User:       user,
		Payload:    redacted,
		Status:     models.WebhookRejected,
		Error:      errMsg,
		ReceivedAt: time.Now().UTC(),
	}
	if p != nil {
		rec.Venue = p.Exchange
		rec.Action = p.Action
		rec.Symbol = p.Symbol
		rec.SignalID = p.SignalID
	}
	if err := s.store.InsertWebhookRecord(ctx, rec); err != nil {
		s.logger.WithError(err).Warn("writing rejected request-log row")
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body")
		return
	}
	redacted := redactPayload(body)

	if s.draining.Load() {
		s.logRejection(ctx, "", redacted, "shutting down", nil)
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	if !s.limiter.TryTake() {
		s.logRejection(ctx, "", redacted, "rate limit exceeded", nil)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		s.logRejection(ctx, "", redacted, "unparseable JSON body", nil)
		writeError(w, http.StatusBadRequest, "unparseable JSON body")
		return
	}
	if p.Secret == "" {
		s.logRejection(ctx, "", redacted, "missing required field: secret", &p)
		writeError(w, http.StatusBadRequest, "missing required field: secret")
		return
	}

	user, stored, err := s.store.FindUserBySecret(ctx, p.Secret)
	if err != nil || subtle.ConstantTimeCompare([]byte(p.Secret), []byte(stored)) != 1 {
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.WithError(err).Warn("secret lookup failed")
		}
		s.logRejection(ctx, "", redacted, "authentication failed", &p)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	in, warnings, err := p.normalise(user)
	if err != nil {
		s.logRejection(ctx, user, redacted, err.Error(), &p)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, warn := range warnings {
		s.logger.WithField("user", user).Warn(warn)
	}

	if in.SignalID != "" {
		seen, err := s.store.RecentSignalSeen(ctx, user, in.SignalID, dedupHorizon)
		if err != nil {
			s.logger.WithError(err).Warn("signal dedup check failed")
		} else if seen {
			rec := s.pendingRecord(ctx, user, redacted, &p)
			s.finishRecord(ctx, rec, models.WebhookExecuted, "", "duplicate signal_id, idempotent accept")
			writeJSON(w, http.StatusOK, executor.Result{
				Action:  "skipped",
				Symbol:  in.Symbol,
				Message: "duplicate signal",
			})
			return
		}
	}

	rec := s.pendingRecord(ctx, user, redacted, &p)

	res, err := s.exec.Execute(ctx, in)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"user":   user,
			"venue":  in.Venue,
			"symbol": in.Symbol,
		}).Error("execution failed")
		switch {
		case errors.Is(err, venue.ErrNoCredentials):
			s.finishRecord(ctx, rec, models.WebhookRejected, "no credentials configured for exchange", "")
			writeError(w, http.StatusUnprocessableEntity, "no credentials configured for exchange")
		case errors.Is(err, venue.ErrUnknownVenue):
			s.finishRecord(ctx, rec, models.WebhookRejected, "unknown exchange", "")
			writeError(w, http.StatusBadRequest, "unknown exchange")
		default:
			s.finishRecord(ctx, rec, models.WebhookFailed, "execution failed", "")
			writeError(w, http.StatusBadGateway, "execution failed")
		}
		return
	}

	status := models.WebhookExecuted
	errMsg := ""
	if res.Code != executor.CodeOK {
		status = models.WebhookRejected
		errMsg = res.Message
	}
	s.finishRecord(ctx, rec, status, errMsg, res.Action)

	writeJSON(w, httpStatusFor(res.Code), res)
}

func (s *Server) pendingRecord(ctx context.Context, user, redacted string, p *payload) *models.WebhookRecord {
	rec := &models.WebhookRecord{
		ID:         uuid.NewString(),
		User:       user,
		Venue:      p.Exchange,
		Action:     p.Action,
		Symbol:     p.Symbol,
		Payload:    redacted,
		Status:     models.WebhookPending,
		SignalID:   p.SignalID,
		ReceivedAt: time.Now().UTC(),
	}
	if err := s.store.InsertWebhookRecord(ctx, rec); err != nil {
		s.logger.WithError(err).Warn("writing pending request-log row")
	}
	return rec
}

func (s *Server) finishRecord(ctx context.Context, rec *models.WebhookRecord,
	status models.WebhookStatus, errMsg, note string) {
	if err := s.store.FinishWebhookRecord(ctx, rec.ID, status, errMsg, note); err != nil {
		s.logger.WithError(err).Warn("finishing request-log row")
	}
}

func httpStatusFor(code executor.Code) int {
	switch code {
	case executor.CodeOverLimit:
		return http.StatusTooManyRequests
	case executor.CodeOutsideWindow, executor.CodeRejected:
		return http.StatusUnprocessableEntity
	default:
		// Blocked-by-ML is a deliberate policy verdict, reported in-band.
		return http.StatusOK
	}
}

// authenticate resolves the user for the operational probes. The secret
// arrives as a bearer token or X-Webhook-Secret header.
func (s *Server) authenticate(r *http.Request) (string, bool) {
	secret := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if secret == "" || secret == r.Header.Get("Authorization") {
		secret = r.Header.Get("X-Webhook-Secret")
	}
	if secret == "" {
		return "", false
	}
	user, stored, err := s.store.FindUserBySecret(r.Context(), secret)
	if err != nil || subtle.ConstantTimeCompare([]byte(secret), []byte(stored)) != 1 {
		return "", false
	}
	return user, true
}

type venueHealth struct {
	Venue  string `json:"venue"`
	Status string `json:"status"`
}

type healthBody struct {
	Status        string        `json:"status"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	OpenPositions int           `json:"open_positions"`
	Venues        []venueHealth `json:"venues,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	resp := healthBody{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		OpenPositions: s.tracker.Count(),
	}
	for _, name := range s.adapters.Venues() {
		adapter, err := s.adapters.Get(r.Context(), user, name)
		if err != nil {
			if errors.Is(err, venue.ErrNoCredentials) {
				continue
			}
			resp.Venues = append(resp.Venues, venueHealth{Venue: name, Status: "error"})
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err = adapter.CheckConnection(ctx)
		cancel()
		status := "ok"
		if err != nil {
			status = "unreachable"
		}
		resp.Venues = append(resp.Venues, venueHealth{Venue: name, Status: status})
	}
	writeJSON(w, http.StatusOK, resp)
}

type positionRow struct {
	models.Position
	// NeedsProtectionRepair marks positions whose protective leg failed at
	// entry and was recorded with a null order id.
	NeedsProtectionRepair bool `json:"needs_protection_repair,omitempty"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	positions := s.tracker.Summary(user, r.URL.Query().Get("exchange"))
	rows := make([]positionRow, 0, len(positions))
	for i := range positions {
		rows = append(rows, positionRow{
			Position:              positions[i],
			NeedsProtectionRepair: positions[i].MissingProtection(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": rows})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	synced := make([]string, 0)
	for _, name := range s.adapters.Venues() {
		adapter, err := s.adapters.Get(r.Context(), user, name)
		if err != nil {
			continue
		}
		if err := s.tracker.Reconcile(r.Context(), user, name, adapter); err != nil {
			s.logger.WithError(err).WithField("venue", name).Warn("manual reconciliation failed")
			continue
		}
		synced = append(synced, name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "synced": synced})
}
