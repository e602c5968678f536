package schwab

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
	"github.com/patchwell/signalgate/internal/venue"
)

func newTestAdapter(t *testing.T, refreshes *atomic.Int32, handler http.HandlerFunc) venue.Adapter {
	t.Helper()
	srv := httptest.NewServer(func() http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/oauth/token" {
				refreshes.Add(1)
				require.NoError(t, r.ParseForm())
				assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
				assert.Equal(t, "rt-1", r.PostForm.Get("refresh_token"))
				_, _ = w.Write([]byte(`{"access_token":"at-1","expires_in":1800}`))
				return
			}
			handler(w, r)
		}
	}())
	t.Cleanup(srv.Close)
	l := logrus.New()
	l.SetOutput(io.Discard)
	adapter, err := Factory(&models.CredentialRecord{
		User: "u1", Venue: "schwab",
		Fields: map[string]string{
			"client_id": "cid", "client_secret": "cs",
			"refresh_token": "rt-1", "account_hash": "HASH1",
			"base_url": srv.URL,
		},
	}, venue.Env{Logger: l})
	require.NoError(t, err)
	return adapter
}

func TestRefreshBeforeFirstCall(t *testing.T) {
	var refreshes atomic.Int32
	adapter := newTestAdapter(t, &refreshes, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"securitiesAccount":{"currentBalances":{"cashBalance":1000,"equity":5000}}}`))
	})

	balances, err := adapter.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), refreshes.Load())
	assert.True(t, balances[0].Available.Equal(decimal.NewFromInt(1000)))
}

func TestOrderIDFromLocationHeader(t *testing.T) {
	var refreshes atomic.Int32
	adapter := newTestAdapter(t, &refreshes, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/trader/v1/accounts/HASH1/orders/123456789")
		w.WriteHeader(http.StatusCreated)
	})

	ack, err := adapter.PlaceMarketOrder(context.Background(), "AAPL", models.OrderBuy, decimal.RequireFromString("1.5"))
	require.NoError(t, err)
	assert.Equal(t, "123456789", ack.OrderID)
}

func TestBracketNestsTriggerAndOCO(t *testing.T) {
	var refreshes atomic.Int32
	var body map[string]interface{}
	adapter := newTestAdapter(t, &refreshes, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Location", "/orders/55")
		w.WriteHeader(http.StatusCreated)
	})

	_, err := adapter.PlaceBracketOrder(context.Background(), venue.BracketSpec{
		Symbol:          "MSFT",
		Side:            models.OrderBuy,
		Quantity:        decimal.NewFromInt(5),
		EntryType:       models.OrderTypeMarket,
		TakeProfitPrice: decimal.RequireFromString("430"),
		StopLossPrice:   decimal.RequireFromString("410"),
	})
	require.NoError(t, err)
	assert.Equal(t, "TRIGGER", body["orderStrategyType"])
	children := body["childOrderStrategies"].([]interface{})
	require.Len(t, children, 1)
	oco := children[0].(map[string]interface{})
	assert.Equal(t, "OCO", oco["orderStrategyType"])
	legs := oco["childOrderStrategies"].([]interface{})
	require.Len(t, legs, 2)
	assert.Equal(t, "LIMIT", legs[0].(map[string]interface{})["orderType"])
	assert.Equal(t, "STOP", legs[1].(map[string]interface{})["orderType"])
}

func TestFractionalOrderSizesByNotional(t *testing.T) {
	var refreshes atomic.Int32
	var order map[string]interface{}
	adapter := newTestAdapter(t, &refreshes, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/quotes":
			_, _ = w.Write([]byte(`{"AAPL":{"quote":{"lastPrice":200,"bidPrice":199.9,"askPrice":200.1}}}`))
		default:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&order))
			w.Header().Set("Location", "/orders/9")
			w.WriteHeader(http.StatusCreated)
		}
	})

	_, err := adapter.PlaceFractionalOrder(context.Background(), "AAPL", models.OrderBuy, decimal.NewFromInt(50))
	require.NoError(t, err)
	legs := order["orderLegCollection"].([]interface{})
	require.Len(t, legs, 1)
	assert.InDelta(t, 0.25, legs[0].(map[string]interface{})["quantity"], 1e-9, "50 USD at 200/share")
}
