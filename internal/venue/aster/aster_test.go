package aster

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchwell/signalgate/internal/models"
	"github.com/patchwell/signalgate/internal/venue"
)

const exchangeInfoJSON = `{"symbols":[{"symbol":"BTCUSDT","filters":[
	{"filterType":"PRICE_FILTER","tickSize":"0.10"},
	{"filterType":"LOT_SIZE","stepSize":"0.001"}]}]}`

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("component", "venue")
}

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "test-key", "test-secret", testLogger())
}

func verifySignature(t *testing.T, r *http.Request) url.Values {
	t.Helper()
	q := r.URL.Query()
	sig := q.Get("signature")
	require.NotEmpty(t, sig, "signature missing")
	require.NotEmpty(t, q.Get("timestamp"), "timestamp missing")
	q.Del("signature")
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(q.Encode()))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig, "HMAC mismatch")
	assert.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))
	return q
}

func TestPlaceMarketOrderSignsAndRoundsQuantity(t *testing.T) {
	var got url.Values
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/exchangeInfo":
			_, _ = w.Write([]byte(exchangeInfoJSON))
		case "/fapi/v1/order":
			got = verifySignature(t, r)
			_, _ = w.Write([]byte(`{"orderId":42,"status":"FILLED","executedQty":"0.023","avgPrice":"50000.1"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	ack, err := adapter.PlaceMarketOrder(context.Background(), "BTCUSDT", models.OrderBuy, decimal.RequireFromString("0.0239"))
	require.NoError(t, err)
	assert.Equal(t, "42", ack.OrderID)
	assert.Equal(t, "FILLED", ack.Status)
	assert.Equal(t, "0.023", got.Get("quantity"), "lot rounding")
	assert.Equal(t, "BUY", got.Get("side"))
	assert.Equal(t, "MARKET", got.Get("type"))
	assert.Empty(t, got.Get("reduceOnly"))
}

func TestClosePositionIsReduceOnly(t *testing.T) {
	var got url.Values
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/exchangeInfo":
			_, _ = w.Write([]byte(exchangeInfoJSON))
		case "/fapi/v1/order":
			got = r.URL.Query()
			_, _ = w.Write([]byte(`{"orderId":7,"status":"FILLED"}`))
		}
	})

	_, err := adapter.ClosePosition(context.Background(), "BTCUSDT", models.OrderSell, decimal.RequireFromString("0.023"))
	require.NoError(t, err)
	assert.Equal(t, "true", got.Get("reduceOnly"))
	assert.Equal(t, "SELL", got.Get("side"))
}

func TestGetPositionSkipsFlatRows(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"symbol":"BTCUSDT","positionAmt":"0","entryPrice":"0","markPrice":"0"},
			{"symbol":"BTCUSDT","positionAmt":"-0.5","entryPrice":"49000","markPrice":"48000"}]`))
	})

	snap, err := adapter.GetPosition(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, models.SideShort, snap.Side)
	assert.True(t, snap.Quantity.Equal(decimal.RequireFromString("0.5")))
}

func TestBatchEntryCollectsLegOrderIDs(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/exchangeInfo":
			_, _ = w.Write([]byte(exchangeInfoJSON))
		case "/fapi/v1/batchOrders":
			batch := r.URL.Query().Get("batchOrders")
			assert.Contains(t, batch, "TAKE_PROFIT_MARKET")
			assert.Contains(t, batch, "STOP_MARKET")
			_, _ = w.Write([]byte(`[
				{"orderId":1,"status":"FILLED"},
				{"orderId":2,"status":"NEW"},
				{"orderId":3,"status":"NEW"}]`))
		}
	})

	ack, err := adapter.PlaceEntryWithProtection(context.Background(), bracketSpec())
	require.NoError(t, err)
	assert.Equal(t, "1", ack.EntryOrderID)
	assert.Equal(t, "2", ack.TakeProfitOrderID)
	assert.Equal(t, "3", ack.StopLossOrderID)
}

func TestBatchEntryToleratesProtectiveRejection(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/exchangeInfo":
			_, _ = w.Write([]byte(exchangeInfoJSON))
		case "/fapi/v1/batchOrders":
			_, _ = w.Write([]byte(`[
				{"orderId":1,"status":"FILLED"},
				{"code":-2021,"msg":"Order would immediately trigger."},
				{"orderId":3,"status":"NEW"}]`))
		}
	})

	ack, err := adapter.PlaceEntryWithProtection(context.Background(), bracketSpec())
	require.NoError(t, err)
	assert.Equal(t, "1", ack.EntryOrderID)
	assert.Empty(t, ack.TakeProfitOrderID)
	assert.Equal(t, "3", ack.StopLossOrderID)
}

func TestCancelOrderMapsUnknownOrder(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
	})

	err := adapter.CancelOrder(context.Background(), "BTCUSDT", "99")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "order not found"))
}

func bracketSpec() venue.BracketSpec {
	return venue.BracketSpec{
		Symbol:          "BTCUSDT",
		Side:            models.OrderBuy,
		Quantity:        decimal.RequireFromString("0.023"),
		EntryType:       models.OrderTypeMarket,
		TakeProfitPrice: decimal.RequireFromString("51500"),
		StopLossPrice:   decimal.RequireFromString("49250"),
	}
}
