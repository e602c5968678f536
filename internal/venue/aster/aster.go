// Package aster implements the venue adapter for the Aster perpetual
// futures API. Authentication is a per-request HMAC-SHA256 signature over
// the canonical query string with timestamp and recvWindow; there is no
// renewal. Order parameters travel in the signed query.
package aster

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/patchwell/signalgate/internal/models"
	"github.com/patchwell/signalgate/internal/util"
	"github.com/patchwell/signalgate/internal/venue"
)

const (
	prodURL    = "https://fapi.asterdex.com"
	filtersTTL = time.Hour
)

type signer struct {
	key    string
	secret string
}

// Sign appends timestamp and recvWindow to the query, signs the canonical
// encoding with HMAC-SHA256, and attaches the API key header. The secret
// never leaves this method.
func (s *signer) Sign(req *http.Request, _ []byte) error {
	q := req.URL.Query()
	q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	q.Set("recvWindow", "5000")
	canonical := q.Encode()
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(canonical))
	req.URL.RawQuery = canonical + "&signature=" + hex.EncodeToString(mac.Sum(nil))
	req.Header.Set("X-MBX-APIKEY", s.key)
	return nil
}

type symbolFilter struct {
	tick decimal.Decimal
	lot  decimal.Decimal
}

// Adapter talks to Aster perpetual futures.
type Adapter struct {
	venue.Unsupported

	transport *venue.Transport
	logger    *logrus.Entry

	mu        sync.Mutex
	filters   map[string]symbolFilter
	filtersAt time.Time
}

var _ venue.Adapter = (*Adapter)(nil)

// Factory builds an aster adapter from a credential record with fields
// api_key and api_secret.
func Factory(rec *models.CredentialRecord, env venue.Env) (venue.Adapter, error) {
	key := rec.Fields["api_key"]
	secret := rec.Fields["api_secret"]
	if key == "" || secret == "" {
		return nil, venue.ErrNoCredentials
	}
	base := rec.Fields["base_url"]
	if base == "" {
		base = prodURL
	}
	logger := env.Logger.WithFields(logrus.Fields{"component": "venue", "venue": "aster", "user": rec.User})
	return New(base, key, secret, logger), nil
}

// New builds an adapter against the given base URL.
func New(baseURL, key, secret string, logger *logrus.Entry) *Adapter {
	return &Adapter{
		transport: venue.NewTransport(venue.TransportConfig{
			BaseURL:     baseURL,
			BreakerName: "aster",
		}, &signer{key: key, secret: secret}, logger),
		logger:  logger,
		filters: make(map[string]symbolFilter),
	}
}

func (a *Adapter) Name() string { return "aster" }

func (a *Adapter) Capabilities() venue.Capabilities {
	return venue.Capabilities{
		Market:                true,
		Limit:                 true,
		StopLoss:              true,
		StopLimit:             true,
		TakeProfit:            true,
		TrailingStop:          true,
		ReduceOnly:            true,
		CancelAll:             true,
		AtomicEntryProtection: true,
		Candles:               true,
	}
}

// Intent symbols are already in the venue-native BTCUSDT form.
func nativeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

func (a *Adapter) CheckConnection(ctx context.Context) error {
	var out struct {
		CanTrade bool `json:"canTrade"`
	}
	if err := a.transport.Get(ctx, "/fapi/v2/account", url.Values{}, &out); err != nil {
		return fmt.Errorf("aster account probe: %w", err)
	}
	return nil
}

func (a *Adapter) GetBalance(ctx context.Context) ([]venue.Balance, error) {
	var rows []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := a.transport.Get(ctx, "/fapi/v2/balance", url.Values{}, &rows); err != nil {
		return nil, fmt.Errorf("aster balance: %w", err)
	}
	out := make([]venue.Balance, 0, len(rows))
	for _, r := range rows {
		total, err := decimal.NewFromString(r.Balance)
		if err != nil {
			return nil, fmt.Errorf("aster balance for %s: %w", r.Asset, err)
		}
		avail, err := decimal.NewFromString(r.AvailableBalance)
		if err != nil {
			return nil, fmt.Errorf("aster available balance for %s: %w", r.Asset, err)
		}
		out = append(out, venue.Balance{Asset: r.Asset, Available: avail, Total: total})
	}
	return out, nil
}

func (a *Adapter) GetAvailableMargin(ctx context.Context) (decimal.Decimal, error) {
	var out struct {
		AvailableBalance string `json:"availableBalance"`
	}
	if err := a.transport.Get(ctx, "/fapi/v2/account", url.Values{}, &out); err != nil {
		return decimal.Zero, fmt.Errorf("aster available margin: %w", err)
	}
	margin, err := decimal.NewFromString(out.AvailableBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("aster available margin: %w", err)
	}
	return margin, nil
}

type positionRow struct {
	Symbol      string `json:"symbol"`
	PositionAmt string `json:"positionAmt"`
	EntryPrice  string `json:"entryPrice"`
	MarkPrice   string `json:"markPrice"`
}

func (r positionRow) snapshot() (*venue.PositionSnapshot, error) {
	amt, err := decimal.NewFromString(r.PositionAmt)
	if err != nil {
		return nil, fmt.Errorf("position amount for %s: %w", r.Symbol, err)
	}
	if amt.IsZero() {
		return nil, nil
	}
	entry, err := decimal.NewFromString(r.EntryPrice)
	if err != nil {
		return nil, fmt.Errorf("entry price for %s: %w", r.Symbol, err)
	}
	mark, err := decimal.NewFromString(r.MarkPrice)
	if err != nil {
		return nil, fmt.Errorf("mark price for %s: %w", r.Symbol, err)
	}
	side := models.SideLong
	if amt.IsNegative() {
		side = models.SideShort
	}
	return &venue.PositionSnapshot{
		Symbol:     r.Symbol,
		Side:       side,
		Quantity:   amt.Abs(),
		EntryPrice: entry,
		MarkPrice:  mark,
	}, nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]venue.PositionSnapshot, error) {
	var rows []positionRow
	if err := a.transport.Get(ctx, "/fapi/v2/positionRisk", url.Values{}, &rows); err != nil {
		return nil, fmt.Errorf("aster positions: %w", err)
	}
	var out []venue.PositionSnapshot
	for _, r := range rows {
		snap, err := r.snapshot()
		if err != nil {
			return nil, err
		}
		if snap != nil {
			out = append(out, *snap)
		}
	}
	return out, nil
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*venue.PositionSnapshot, error) {
	q := url.Values{}
	q.Set("symbol", nativeSymbol(symbol))
	var rows []positionRow
	if err := a.transport.Get(ctx, "/fapi/v2/positionRisk", q, &rows); err != nil {
		return nil, fmt.Errorf("aster position %s: %w", symbol, err)
	}
	for _, r := range rows {
		snap, err := r.snapshot()
		if err != nil {
			return nil, err
		}
		if snap != nil {
			return snap, nil
		}
	}
	return nil, nil
}

func (a *Adapter) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	snap, err := a.GetPosition(ctx, symbol)
	if err != nil {
		return false, err
	}
	return snap != nil, nil
}

func (a *Adapter) GetTicker(ctx context.Context, symbol string) (*venue.Ticker, error) {
	q := url.Values{}
	q.Set("symbol", nativeSymbol(symbol))
	var out struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := a.transport.Get(ctx, "/fapi/v1/ticker/bookTicker", q, &out); err != nil {
		return nil, fmt.Errorf("aster ticker %s: %w", symbol, err)
	}
	bid, err := decimal.NewFromString(out.BidPrice)
	if err != nil {
		return nil, fmt.Errorf("aster ticker %s bid: %w", symbol, err)
	}
	ask, err := decimal.NewFromString(out.AskPrice)
	if err != nil {
		return nil, fmt.Errorf("aster ticker %s ask: %w", symbol, err)
	}
	return &venue.Ticker{
		Symbol: symbol,
		Last:   bid.Add(ask).Div(decimal.NewFromInt(2)),
		Bid:    bid,
		Ask:    ask,
	}, nil
}

func (a *Adapter) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	q := url.Values{}
	q.Set("symbol", nativeSymbol(symbol))
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))
	var rows [][]json.RawMessage
	if err := a.transport.Get(ctx, "/fapi/v1/klines", q, &rows); err != nil {
		return nil, fmt.Errorf("aster klines %s: %w", symbol, err)
	}
	out := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("aster kline row for %s has %d fields", symbol, len(row))
		}
		var openMs int64
		if err := json.Unmarshal(row[0], &openMs); err != nil {
			return nil, fmt.Errorf("aster kline open time: %w", err)
		}
		vals := make([]decimal.Decimal, 5)
		for i := 1; i <= 5; i++ {
			var s string
			if err := json.Unmarshal(row[i], &s); err != nil {
				return nil, fmt.Errorf("aster kline field %d: %w", i, err)
			}
			v, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("aster kline field %d: %w", i, err)
			}
			vals[i-1] = v
		}
		out = append(out, models.Candle{
			OpenTime: time.UnixMilli(openMs).UTC(),
			Open:     vals[0],
			High:     vals[1],
			Low:      vals[2],
			Close:    vals[3],
			Volume:   vals[4],
		})
	}
	return out, nil
}

type orderResponse struct {
	OrderID     int64  `json:"orderId"`
	Status      string `json:"status"`
	ExecutedQty string `json:"executedQty"`
	AvgPrice    string `json:"avgPrice"`
	Code        int    `json:"code"`
	Msg         string `json:"msg"`
}

func (r *orderResponse) ack() (*venue.OrderAck, error) {
	if r.Code != 0 {
		return nil, fmt.Errorf("aster order rejected: code %d: %s", r.Code, r.Msg)
	}
	ack := &venue.OrderAck{
		OrderID: strconv.FormatInt(r.OrderID, 10),
		Status:  r.Status,
	}
	if r.ExecutedQty != "" {
		if q, err := decimal.NewFromString(r.ExecutedQty); err == nil {
			ack.FilledQty = q
		}
	}
	if r.AvgPrice != "" {
		if p, err := decimal.NewFromString(r.AvgPrice); err == nil {
			ack.AvgFillPrice = p
		}
	}
	return ack, nil
}

func sideParam(side models.OrderSide) string {
	return strings.ToUpper(string(side))
}

func (a *Adapter) submitOrder(ctx context.Context, q url.Values) (*venue.OrderAck, error) {
	var resp orderResponse
	if err := a.transport.PostQuery(ctx, "/fapi/v1/order", q, &resp); err != nil {
		return nil, err
	}
	return resp.ack()
}

func (a *Adapter) PlaceMarketOrder(ctx context.Context, symbol string, side models.OrderSide, qty decimal.Decimal) (*venue.OrderAck, error) {
	rounded, err := a.RoundQuantity(ctx, symbol, qty)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("symbol", nativeSymbol(symbol))
	q.Set("side", sideParam(side))
	q.Set("type", "MARKET")
	q.Set("quantity", rounded.String())
	ack, err := a.submitOrder(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("aster market order %s: %w", symbol, err)
	}
	return ack, nil
}

func (a *Adapter) PlaceLimitOrder(ctx context.Context, symbol string, side models.OrderSide, qty, price decimal.Decimal) (*venue.OrderAck, error) {
	rounded, err := a.RoundQuantity(ctx, symbol, qty)
	if err != nil {
		return nil, err
	}
	tickPrice, err := a.RoundPrice(ctx, symbol, price)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("symbol", nativeSymbol(symbol))
	q.Set("side", sideParam(side))
	q.Set("type", "LIMIT")
	q.Set("timeInForce", "GTC")
	q.Set("quantity", rounded.String())
	q.Set("price", tickPrice.String())
	ack, err := a.submitOrder(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("aster limit order %s: %w", symbol, err)
	}
	return ack, nil
}

func (a *Adapter) PlaceStopLoss(ctx context.Context, symbol string, side models.OrderSide, qty, stopPrice, limitPrice decimal.Decimal) (*venue.OrderAck, error) {
	rounded, err := a.RoundQuantity(ctx, symbol, qty)
	if err != nil {
		return nil, err
	}
	stop, err := a.RoundPrice(ctx, symbol, stopPrice)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("symbol", nativeSymbol(symbol))
	q.Set("side", sideParam(side))
	q.Set("quantity", rounded.String())
	q.Set("stopPrice", stop.String())
	q.Set("reduceOnly", "true")
	if limitPrice.IsPositive() {
		limit, err := a.RoundPrice(ctx, symbol, limitPrice)
		if err != nil {
			return nil, err
		}
		q.Set("type", "STOP")
		q.Set("timeInForce", "GTC")
		q.Set("price", limit.String())
	} else {
		q.Set("type", "STOP_MARKET")
	}
	ack, err := a.submitOrder(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("aster stop loss %s: %w", symbol, err)
	}
	return ack, nil
}

func (a *Adapter) PlaceTakeProfit(ctx context.Context, symbol string, side models.OrderSide, qty, price decimal.Decimal) (*venue.OrderAck, error) {
	rounded, err := a.RoundQuantity(ctx, symbol, qty)
	if err != nil {
		return nil, err
	}
	tp, err := a.RoundPrice(ctx, symbol, price)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("symbol", nativeSymbol(symbol))
	q.Set("side", sideParam(side))
	q.Set("type", "TAKE_PROFIT_MARKET")
	q.Set("quantity", rounded.String())
	q.Set("stopPrice", tp.String())
	q.Set("reduceOnly", "true")
	ack, err := a.submitOrder(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("aster take profit %s: %w", symbol, err)
	}
	return ack, nil
}

func (a *Adapter) PlaceTrailingStop(ctx context.Context, symbol string, side models.OrderSide, qty decimal.Decimal, trail venue.Trailing) (*venue.OrderAck, error) {
	if trail.Percent.IsZero() {
		return nil, fmt.Errorf("aster trailing stop %s: callback rate required: %w", symbol, venue.ErrUnsupported)
	}
	rounded, err := a.RoundQuantity(ctx, symbol, qty)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("symbol", nativeSymbol(symbol))
	q.Set("side", sideParam(side))
	q.Set("type", "TRAILING_STOP_MARKET")
	q.Set("quantity", rounded.String())
	q.Set("callbackRate", trail.Percent.String())
	q.Set("reduceOnly", "true")
	ack, err := a.submitOrder(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("aster trailing stop %s: %w", symbol, err)
	}
	return ack, nil
}

func (a *Adapter) ClosePosition(ctx context.Context, symbol string, side models.OrderSide, qty decimal.Decimal) (*venue.OrderAck, error) {
	rounded, err := a.RoundQuantity(ctx, symbol, qty)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("symbol", nativeSymbol(symbol))
	q.Set("side", sideParam(side))
	q.Set("type", "MARKET")
	q.Set("quantity", rounded.String())
	q.Set("reduceOnly", "true")
	ack, err := a.submitOrder(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("aster close %s: %w", symbol, err)
	}
	return ack, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	q := url.Values{}
	q.Set("symbol", nativeSymbol(symbol))
	q.Set("orderId", orderID)
	err := a.transport.Delete(ctx, "/fapi/v1/order", q, nil)
	if err != nil {
		// -2011 is "unknown order sent": already filled or cancelled.
		if apiErr := venue.StatusOf(err); apiErr == http.StatusBadRequest && strings.Contains(err.Error(), "-2011") {
			return fmt.Errorf("aster cancel %s: %w", orderID, venue.ErrOrderNotFound)
		}
		return fmt.Errorf("aster cancel %s: %w", orderID, err)
	}
	return nil
}

func (a *Adapter) CancelAllOrders(ctx context.Context, symbol string) error {
	q := url.Values{}
	q.Set("symbol", nativeSymbol(symbol))
	if err := a.transport.Delete(ctx, "/fapi/v1/allOpenOrders", q, nil); err != nil {
		return fmt.Errorf("aster cancel all %s: %w", symbol, err)
	}
	return nil
}

// PlaceEntryWithProtection submits the entry plus both protective legs in
// one batch call. The venue evaluates the batch atomically; a rejected leg
// is reported per element.
func (a *Adapter) PlaceEntryWithProtection(ctx context.Context, spec venue.BracketSpec) (*venue.CompoundAck, error) {
	native := nativeSymbol(spec.Symbol)
	qty, err := a.RoundQuantity(ctx, spec.Symbol, spec.Quantity)
	if err != nil {
		return nil, err
	}
	exitSide := sideParam(spec.Side.Opposite())

	entry := map[string]string{
		"symbol":   native,
		"side":     sideParam(spec.Side),
		"type":     "MARKET",
		"quantity": qty.String(),
	}
	if spec.EntryType == models.OrderTypeLimit {
		price, err := a.RoundPrice(ctx, spec.Symbol, spec.LimitPrice)
		if err != nil {
			return nil, err
		}
		entry["type"] = "LIMIT"
		entry["timeInForce"] = "GTC"
		entry["price"] = price.String()
	}
	batch := []map[string]string{entry}

	if spec.TakeProfitPrice.IsPositive() {
		tp, err := a.RoundPrice(ctx, spec.Symbol, spec.TakeProfitPrice)
		if err != nil {
			return nil, err
		}
		batch = append(batch, map[string]string{
			"symbol":     native,
			"side":       exitSide,
			"type":       "TAKE_PROFIT_MARKET",
			"quantity":   qty.String(),
			"stopPrice":  tp.String(),
			"reduceOnly": "true",
		})
	}
	if spec.StopLossPrice.IsPositive() {
		sl, err := a.RoundPrice(ctx, spec.Symbol, spec.StopLossPrice)
		if err != nil {
			return nil, err
		}
		leg := map[string]string{
			"symbol":     native,
			"side":       exitSide,
			"type":       "STOP_MARKET",
			"quantity":   qty.String(),
			"stopPrice":  sl.String(),
			"reduceOnly": "true",
		}
		if spec.StopLimitPrice.IsPositive() {
			limit, err := a.RoundPrice(ctx, spec.Symbol, spec.StopLimitPrice)
			if err != nil {
				return nil, err
			}
			leg["type"] = "STOP"
			leg["timeInForce"] = "GTC"
			leg["price"] = limit.String()
		}
		batch = append(batch, leg)
	}

	raw, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encoding batch orders: %w", err)
	}
	q := url.Values{}
	q.Set("batchOrders", string(raw))
	var resp []orderResponse
	if err := a.transport.PostQuery(ctx, "/fapi/v1/batchOrders", q, &resp); err != nil {
		return nil, fmt.Errorf("aster batch entry %s: %w", spec.Symbol, err)
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("aster batch entry %s: empty response", spec.Symbol)
	}

	out := &venue.CompoundAck{}
	for i, r := range resp {
		ack, err := r.ack()
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("aster batch entry %s: entry leg rejected: %w", spec.Symbol, err)
			}
			a.logger.WithError(err).WithField("leg", i).Warn("protective leg rejected in batch")
			continue
		}
		switch i {
		case 0:
			out.EntryOrderID = ack.OrderID
			out.Status = ack.Status
			out.AvgFillPrice = ack.AvgFillPrice
		case 1:
			out.TakeProfitOrderID = ack.OrderID
		case 2:
			out.StopLossOrderID = ack.OrderID
		}
	}
	return out, nil
}

func (a *Adapter) loadFilters(ctx context.Context) (map[string]symbolFilter, error) {
	a.mu.Lock()
	if time.Since(a.filtersAt) < filtersTTL && len(a.filters) > 0 {
		defer a.mu.Unlock()
		return a.filters, nil
	}
	a.mu.Unlock()

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := a.transport.Get(ctx, "/fapi/v1/exchangeInfo", url.Values{}, &info); err != nil {
		return nil, fmt.Errorf("aster exchange info: %w", err)
	}

	filters := make(map[string]symbolFilter, len(info.Symbols))
	for _, s := range info.Symbols {
		var f symbolFilter
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "PRICE_FILTER":
				if v, err := decimal.NewFromString(flt.TickSize); err == nil {
					f.tick = v
				}
			case "LOT_SIZE":
				if v, err := decimal.NewFromString(flt.StepSize); err == nil {
					f.lot = v
				}
			}
		}
		filters[s.Symbol] = f
	}

	a.mu.Lock()
	a.filters = filters
	a.filtersAt = time.Now()
	a.mu.Unlock()
	return filters, nil
}

func (a *Adapter) RoundQuantity(ctx context.Context, symbol string, qty decimal.Decimal) (decimal.Decimal, error) {
	filters, err := a.loadFilters(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	f, ok := filters[nativeSymbol(symbol)]
	if !ok || f.lot.IsZero() {
		return qty, nil
	}
	return util.FloorToLot(qty, f.lot), nil
}

func (a *Adapter) RoundPrice(ctx context.Context, symbol string, price decimal.Decimal) (decimal.Decimal, error) {
	filters, err := a.loadFilters(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	f, ok := filters[nativeSymbol(symbol)]
	if !ok || f.tick.IsZero() {
		return price, nil
	}
	return util.RoundToTick(price, f.tick), nil
}
