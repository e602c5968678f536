package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchwell/signalgate/internal/executor"
	"github.com/patchwell/signalgate/internal/models"
	"github.com/patchwell/signalgate/internal/store"
	"github.com/patchwell/signalgate/internal/tracker"
	"github.com/patchwell/signalgate/internal/venue"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeExec struct {
	intents []*models.Intent
	res     *executor.Result
	err     error
}

func (f *fakeExec) Execute(_ context.Context, in *models.Intent) (*executor.Result, error) {
	f.intents = append(f.intents, in)
	if f.err != nil {
		return nil, f.err
	}
	if f.res != nil {
		return f.res, nil
	}
	return &executor.Result{Success: true, Code: executor.CodeOK, Action: "opened", Symbol: in.Symbol}, nil
}

type probeAdapter struct {
	venue.Adapter
}

func (probeAdapter) CheckConnection(context.Context) error { return nil }
func (probeAdapter) GetPositions(context.Context) ([]venue.PositionSnapshot, error) {
	return nil, nil
}

type fakeRegistry struct{}

func (fakeRegistry) Get(context.Context, string, string) (venue.Adapter, error) {
	return probeAdapter{}, nil
}
func (fakeRegistry) Venues() []string { return []string{"aster"} }

type harness struct {
	mock   *store.Mock
	exec   *fakeExec
	track  *tracker.Tracker
	server *Server
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)

	mock := store.NewMock()
	mock.Users["u1"] = "s3cret-u1"
	exec := &fakeExec{}
	tr := tracker.New(l)
	return &harness{
		mock:   mock,
		exec:   exec,
		track:  tr,
		server: New(mock, exec, tr, fakeRegistry{}, cfg, l),
	}
}

func (h *harness) post(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rr, req)
	return rr
}

func (h *harness) recordCount() int { return len(h.mock.Webhooks) }

func (h *harness) onlyRecord(t *testing.T) *models.WebhookRecord {
	t.Helper()
	require.Len(t, h.mock.Webhooks, 1)
	for _, rec := range h.mock.Webhooks {
		return rec
	}
	return nil
}

func TestBadSecretIs401AndNeverEchoed(t *testing.T) {
	h := newHarness(t, Config{})

	rr := h.post(t, `{"secret":"wrong-secret","exchange":"aster","action":"buy","symbol":"BTCUSDT"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.NotContains(t, rr.Body.String(), "wrong-secret")
	assert.Empty(t, h.exec.intents)

	rec := h.onlyRecord(t)
	assert.Equal(t, models.WebhookRejected, rec.Status)
	assert.Equal(t, "authentication failed", rec.Error)
	assert.NotContains(t, rec.Payload, "wrong-secret")
	assert.Contains(t, rec.Payload, models.SecretRedacted)
}

func TestMissingFieldsIs400(t *testing.T) {
	h := newHarness(t, Config{})

	rr := h.post(t, `{"secret":"s3cret-u1","action":"buy","symbol":"BTCUSDT"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "exchange")

	rec := h.onlyRecord(t)
	assert.Equal(t, models.WebhookRejected, rec.Status)
	assert.NotEmpty(t, rec.Error)
}

func TestAliasesFoldIntoCanonicalIntent(t *testing.T) {
	h := newHarness(t, Config{})

	rr := h.post(t, `{
		"secret":"s3cret-u1","exchange":"tradier","action":"long","symbol":"AAPL",
		"orderType":"limit","limit_price":190.5,
		"stopLoss":1.5,"takeProfit":3,"extendedHours":true
	}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, h.exec.intents, 1)

	in := h.exec.intents[0]
	assert.Equal(t, "u1", in.User)
	assert.Equal(t, models.ActionBuy, in.Action, "long folds to buy")
	assert.Equal(t, models.OrderTypeLimit, in.OrderType)
	assert.True(t, in.LimitPrice.Equal(d("190.5")))
	assert.True(t, in.StopLossPercent.Equal(d("1.5")))
	assert.True(t, in.TakeProfitPercent.Equal(d("3")))
	assert.True(t, in.ExtendedHours)
	assert.Equal(t, models.SourceWebhook, in.Source)

	rec := h.onlyRecord(t)
	assert.Equal(t, models.WebhookExecuted, rec.Status)
	assert.Equal(t, "opened", rec.Note)
}

func TestSellPercentageOutOfRangeCoercesTo100(t *testing.T) {
	h := newHarness(t, Config{})

	rr := h.post(t, `{"secret":"s3cret-u1","exchange":"aster","action":"close","symbol":"BTCUSDT","sell_percentage":150}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, h.exec.intents, 1)
	assert.True(t, h.exec.intents[0].SellPercentage.Equal(d("100")))
}

func TestDuplicateSignalShortCircuits(t *testing.T) {
	h := newHarness(t, Config{})
	h.mock.Webhooks["prior"] = &models.WebhookRecord{
		ID: "prior", User: "u1", SignalID: "sig-9",
		Status: models.WebhookExecuted, ReceivedAt: time.Now().UTC().Add(-time.Minute),
	}

	rr := h.post(t, `{"secret":"s3cret-u1","exchange":"aster","action":"buy","symbol":"BTCUSDT","signal_id":"sig-9"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, h.exec.intents, "duplicate never reaches the executor")

	var res executor.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.False(t, res.Success)
	assert.Equal(t, "skipped", res.Action)
}

func TestRiskDenialMapsTo429(t *testing.T) {
	h := newHarness(t, Config{})
	h.exec.res = &executor.Result{
		Code:    executor.CodeOverLimit,
		Message: "weekly trade cap reached (max_trades_per_week: 5/5)",
	}

	rr := h.post(t, `{"secret":"s3cret-u1","exchange":"aster","action":"buy","symbol":"BTCUSDT"}`)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Contains(t, rr.Body.String(), "max_trades_per_week")

	rec := h.onlyRecord(t)
	assert.Equal(t, models.WebhookRejected, rec.Status)
}

func TestMLBlockStays200(t *testing.T) {
	h := newHarness(t, Config{})
	h.exec.res = &executor.Result{
		Code: executor.CodeBlocked, BlockedByML: true,
		Confidence: d("55"), Threshold: d("70"),
	}

	rr := h.post(t, `{"secret":"s3cret-u1","exchange":"aster","action":"buy","symbol":"BTCUSDT"}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"blocked_by_ml":true`)
}

func TestRateLimitExhaustionIs429(t *testing.T) {
	h := newHarness(t, Config{RateCapacity: 1, RatePerSecond: 0.001})

	first := h.post(t, `{"secret":"s3cret-u1","exchange":"aster","action":"buy","symbol":"BTCUSDT"}`)
	assert.Equal(t, http.StatusOK, first.Code)

	second := h.post(t, `{"secret":"s3cret-u1","exchange":"aster","action":"buy","symbol":"BTCUSDT"}`)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Len(t, h.exec.intents, 1)

	require.Equal(t, 2, h.recordCount(), "the limited request still gets a log row")
	rejected := 0
	for _, rec := range h.mock.Webhooks {
		if rec.Status == models.WebhookRejected {
			rejected++
			assert.Equal(t, "rate limit exceeded", rec.Error)
			assert.Contains(t, rec.Payload, models.SecretRedacted)
		}
	}
	assert.Equal(t, 1, rejected)
}

func TestDrainingRefusesNewWebhooks(t *testing.T) {
	h := newHarness(t, Config{})
	h.server.SetDraining(true)

	rr := h.post(t, `{"secret":"s3cret-u1","exchange":"aster","action":"buy","symbol":"BTCUSDT"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Empty(t, h.exec.intents)

	rec := h.onlyRecord(t)
	assert.Equal(t, models.WebhookRejected, rec.Status)
	assert.Equal(t, "shutting down", rec.Error)
	assert.Contains(t, rec.Payload, models.SecretRedacted)
}

func TestExecutorNoCredentialsIs422(t *testing.T) {
	h := newHarness(t, Config{})
	h.exec.err = fmt.Errorf("resolving adapter for u1/aster: %w", venue.ErrNoCredentials)

	rr := h.post(t, `{"secret":"s3cret-u1","exchange":"aster","action":"buy","symbol":"BTCUSDT"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "no credentials")

	rec := h.onlyRecord(t)
	assert.Equal(t, models.WebhookRejected, rec.Status)
	assert.Equal(t, "no credentials configured for exchange", rec.Error)
}

func TestExecutorUnknownVenueIs400(t *testing.T) {
	h := newHarness(t, Config{})
	h.exec.err = fmt.Errorf("resolving adapter for u1/hyperliquid: %w", venue.ErrUnknownVenue)

	rr := h.post(t, `{"secret":"s3cret-u1","exchange":"hyperliquid","action":"buy","symbol":"BTCUSDT"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "unknown exchange")

	rec := h.onlyRecord(t)
	assert.Equal(t, models.WebhookRejected, rec.Status)
}

func TestExecutorFailureIs502(t *testing.T) {
	h := newHarness(t, Config{})
	h.exec.err = errors.New("placing entry order: venue API status 500")

	rr := h.post(t, `{"secret":"s3cret-u1","exchange":"aster","action":"buy","symbol":"BTCUSDT"}`)
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	rec := h.onlyRecord(t)
	assert.Equal(t, models.WebhookFailed, rec.Status)
}

func TestHealthReportsPositionsAndVenues(t *testing.T) {
	h := newHarness(t, Config{})
	h.track.Add(&models.Position{
		User: "u1", Venue: "aster", Symbol: "BTCUSDT",
		Side: models.SideLong, Quantity: d("0.02"),
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Authorization", "Bearer s3cret-u1")
	rr := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var body healthBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.OpenPositions)
	require.Len(t, body.Venues, 1)
	assert.Equal(t, "ok", body.Venues[0].Status)
}

func TestPositionsProbeMarksMissingProtection(t *testing.T) {
	h := newHarness(t, Config{})
	h.track.Add(&models.Position{
		User: "u1", Venue: "aster", Symbol: "BTCUSDT",
		Side: models.SideLong, Quantity: d("0.02"),
		StopLossPrice: d("47500"), // no order id: the leg failed at entry
	})

	req := httptest.NewRequest(http.MethodGet, "/positions", nil)
	req.Header.Set("X-Webhook-Secret", "s3cret-u1")
	rr := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"needs_protection_repair":true`)
	assert.NotContains(t, rr.Body.String(), "s3cret-u1")
}

func TestUnauthenticatedProbeIs401(t *testing.T) {
	h := newHarness(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/positions", nil)
	rr := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
