package capital

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchwell/signalgate/internal/models"
	"github.com/patchwell/signalgate/internal/store"
	"github.com/patchwell/signalgate/internal/venue"
)

const positionsJSON = `{"positions":[{"position":{"dealId":"D1","direction":"BUY","size":1.5,"level":1.085},
	"market":{"epic":"EURUSD","bid":1.09,"offer":1.091}}]}`

func newTestAdapter(t *testing.T, handler http.HandlerFunc) venue.Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	mock := store.NewMock()
	mock.Credentials["u1|capital"] = &models.CredentialRecord{
		User: "u1", Venue: "capital",
		Fields: map[string]string{
			"api_key": "k", "identifier": "id", "password": "pw", "base_url": srv.URL,
		},
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	adapter, err := Factory(mock.Credentials["u1|capital"], venue.Env{Logger: l, Creds: mock})
	require.NoError(t, err)
	return adapter
}

func sessionHandler(logins *atomic.Int32, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/session" {
			logins.Add(1)
			w.Header().Set("CST", "cst-token")
			w.Header().Set("X-SECURITY-TOKEN", "sec-token")
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func TestSessionLoginBeforeFirstCall(t *testing.T) {
	var logins atomic.Int32
	adapter := newTestAdapter(t, sessionHandler(&logins, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cst-token", r.Header.Get("CST"))
		assert.Equal(t, "sec-token", r.Header.Get("X-SECURITY-TOKEN"))
		_, _ = w.Write([]byte(positionsJSON))
	}))

	snaps, err := adapter.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, int32(1), logins.Load(), "one login for the session")
	assert.Equal(t, "EURUSD", snaps[0].Symbol)
	assert.Equal(t, models.SideLong, snaps[0].Side)
	assert.True(t, snaps[0].Quantity.Equal(decimal.RequireFromString("1.5")))
}

func TestForcedRenewalOn401(t *testing.T) {
	var logins atomic.Int32
	var calls atomic.Int32
	adapter := newTestAdapter(t, sessionHandler(&logins, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(positionsJSON))
	}))

	_, err := adapter.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), logins.Load(), "initial login plus forced renewal")
}

func TestProtectedEntryAttachesLevels(t *testing.T) {
	var logins atomic.Int32
	var deal map[string]interface{}
	adapter := newTestAdapter(t, sessionHandler(&logins, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/positions" && r.Method == http.MethodPost:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&deal))
			_, _ = w.Write([]byte(`{"dealReference":"ref-1"}`))
		case r.URL.Path == "/api/v1/confirms/ref-1":
			_, _ = w.Write([]byte(`{"dealStatus":"ACCEPTED","level":1.09,"affectedDeals":[{"dealId":"D9"}]}`))
		}
	}))

	ack, err := adapter.PlaceEntryWithProtection(context.Background(), venue.BracketSpec{
		Symbol:          "EUR_USD",
		Side:            models.OrderBuy,
		Quantity:        decimal.RequireFromString("1.238"),
		EntryType:       models.OrderTypeMarket,
		TakeProfitPrice: decimal.RequireFromString("1.12"),
		StopLossPrice:   decimal.RequireFromString("1.07"),
	})
	require.NoError(t, err)
	assert.Equal(t, "D9", ack.EntryOrderID)
	assert.Equal(t, "EURUSD", deal["epic"])
	assert.Equal(t, "1.23", deal["size"], "lot rounding")
	assert.Equal(t, "1.07", deal["stopLevel"])
	assert.Equal(t, "1.12", deal["profitLevel"])
}

func TestPartialCloseOpensNettingDeal(t *testing.T) {
	var logins atomic.Int32
	var nettingDeal map[string]interface{}
	adapter := newTestAdapter(t, sessionHandler(&logins, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/positions" && r.Method == http.MethodGet:
			_, _ = w.Write([]byte(positionsJSON))
		case r.URL.Path == "/api/v1/positions" && r.Method == http.MethodPost:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&nettingDeal))
			_, _ = w.Write([]byte(`{"dealReference":"ref-2"}`))
		case r.URL.Path == "/api/v1/confirms/ref-2":
			_, _ = w.Write([]byte(`{"dealStatus":"ACCEPTED","affectedDeals":[{"dealId":"D2"}]}`))
		}
	}))

	ack, err := adapter.ClosePosition(context.Background(), "EUR_USD", models.OrderSell, decimal.RequireFromString("0.5"))
	require.NoError(t, err)
	assert.Equal(t, "D2", ack.OrderID)
	assert.Equal(t, "SELL", nettingDeal["direction"])
	assert.Equal(t, "0.5", nettingDeal["size"])
}

func TestFullCloseDeletesDeal(t *testing.T) {
	var logins atomic.Int32
	var deleted string
	adapter := newTestAdapter(t, sessionHandler(&logins, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/positions" && r.Method == http.MethodGet:
			_, _ = w.Write([]byte(positionsJSON))
		case r.Method == http.MethodDelete:
			deleted = r.URL.Path
			_, _ = w.Write([]byte(`{"dealReference":""}`))
		}
	}))

	ack, err := adapter.ClosePosition(context.Background(), "EUR_USD", models.OrderSell, decimal.RequireFromString("1.5"))
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/positions/D1", deleted)
	assert.Equal(t, "CLOSED", ack.Status)
}
