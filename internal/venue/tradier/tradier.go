// Package tradier implements the venue adapter for the Tradier brokerage
// API (equities and OCC-encoded options). Authentication is a static
// Bearer token; orders travel as url-encoded forms. Tradier provides OTOCO
// brackets, OTO, OCO, and pre/post-market sessions.
package tradier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/patchwell/signalgate/internal/models"
	"github.com/patchwell/signalgate/internal/util"
	"github.com/patchwell/signalgate/internal/venue"
)

const (
	prodURL    = "https://api.tradier.com"
	sandboxURL = "https://sandbox.tradier.com"
)

// equityTick is the price increment Tradier enforces for equities >= $1.
var equityTick = decimal.RequireFromString("0.01")

type signer struct {
	token string
}

func (s *signer) Sign(req *http.Request, _ []byte) error {
	req.Header.Set("Authorization", "Bearer "+s.token)
	return nil
}

// Adapter talks to the Tradier brokerage.
type Adapter struct {
	venue.Unsupported

	transport *venue.Transport
	accountID string
	logger    *logrus.Entry
}

var _ venue.Adapter = (*Adapter)(nil)

// Factory builds a tradier adapter from a credential record with fields
// access_token and account_id.
func Factory(rec *models.CredentialRecord, env venue.Env) (venue.Adapter, error) {
	token := rec.Fields["access_token"]
	account := rec.Fields["account_id"]
	if token == "" || account == "" {
		return nil, venue.ErrNoCredentials
	}
	base := prodURL
	if rec.Environment == "sandbox" {
		base = sandboxURL
	}
	if override := rec.Fields["base_url"]; override != "" {
		base = override
	}
	logger := env.Logger.WithFields(logrus.Fields{"component": "venue", "venue": "tradier", "user": rec.User})
	return New(base, token, account, logger), nil
}

// New builds an adapter against the given base URL.
func New(baseURL, token, accountID string, logger *logrus.Entry) *Adapter {
	return &Adapter{
		transport: venue.NewTransport(venue.TransportConfig{
			BaseURL:     baseURL,
			BreakerName: "tradier",
		}, &signer{token: token}, logger),
		accountID: accountID,
		logger:    logger,
	}
}

func (a *Adapter) Name() string { return "tradier" }

func (a *Adapter) Capabilities() venue.Capabilities {
	return venue.Capabilities{
		Market:        true,
		Limit:         true,
		StopLoss:      true,
		StopLimit:     true,
		TakeProfit:    true,
		Bracket:       true,
		OCO:           true,
		OTO:           true,
		ExtendedHours: true,
		Options:       true,
		CancelAll:     false,
		Candles:       true,
	}
}

func (a *Adapter) ordersPath() string {
	return "/v1/accounts/" + a.accountID + "/orders"
}

func (a *Adapter) CheckConnection(ctx context.Context) error {
	var out struct {
		Profile struct {
			ID string `json:"id"`
		} `json:"profile"`
	}
	if err := a.transport.Get(ctx, "/v1/user/profile", nil, &out); err != nil {
		return fmt.Errorf("tradier profile probe: %w", err)
	}
	return nil
}

func (a *Adapter) GetBalance(ctx context.Context) ([]venue.Balance, error) {
	var out struct {
		Balances struct {
			TotalEquity float64 `json:"total_equity"`
			TotalCash   float64 `json:"total_cash"`
			Cash        struct {
				CashAvailable float64 `json:"cash_available"`
			} `json:"cash"`
		} `json:"balances"`
	}
	if err := a.transport.Get(ctx, "/v1/accounts/"+a.accountID+"/balances", nil, &out); err != nil {
		return nil, fmt.Errorf("tradier balances: %w", err)
	}
	avail := decimal.NewFromFloat(out.Balances.Cash.CashAvailable)
	if avail.IsZero() {
		avail = decimal.NewFromFloat(out.Balances.TotalCash)
	}
	return []venue.Balance{{
		Asset:     "USD",
		Available: avail,
		Total:     decimal.NewFromFloat(out.Balances.TotalEquity),
	}}, nil
}

func (a *Adapter) GetAvailableMargin(ctx context.Context) (decimal.Decimal, error) {
	balances, err := a.GetBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return balances[0].Available, nil
}

type positionRow struct {
	Symbol    string  `json:"symbol"`
	Quantity  float64 `json:"quantity"`
	CostBasis float64 `json:"cost_basis"`
}

// positionList tolerates Tradier's single-object-or-array encoding.
type positionList []positionRow

func (p *positionList) UnmarshalJSON(data []byte) error {
	var many []positionRow
	if err := json.Unmarshal(data, &many); err == nil {
		*p = many
		return nil
	}
	var one positionRow
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*p = positionList{one}
	return nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]venue.PositionSnapshot, error) {
	// An empty book comes back as {"positions":"null"}.
	var out struct {
		Positions json.RawMessage `json:"positions"`
	}
	if err := a.transport.Get(ctx, "/v1/accounts/"+a.accountID+"/positions", nil, &out); err != nil {
		return nil, fmt.Errorf("tradier positions: %w", err)
	}
	trimmed := strings.Trim(string(out.Positions), `"`)
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var book struct {
		Position positionList `json:"position"`
	}
	if err := json.Unmarshal(out.Positions, &book); err != nil {
		return nil, fmt.Errorf("tradier positions: decoding: %w", err)
	}
	var snaps []venue.PositionSnapshot
	for _, row := range book.Position {
		if row.Quantity == 0 {
			continue
		}
		qty := decimal.NewFromFloat(row.Quantity)
		side := models.SideLong
		if qty.IsNegative() {
			side = models.SideShort
		}
		entry := decimal.Zero
		if row.Quantity != 0 {
			entry = decimal.NewFromFloat(row.CostBasis / row.Quantity)
		}
		snaps = append(snaps, venue.PositionSnapshot{
			Symbol:     row.Symbol,
			Side:       side,
			Quantity:   qty.Abs(),
			EntryPrice: entry.Abs(),
		})
	}
	return snaps, nil
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*venue.PositionSnapshot, error) {
	snaps, err := a.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	native := strings.ToUpper(symbol)
	for i := range snaps {
		if snaps[i].Symbol == native {
			return &snaps[i], nil
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
	q.Set("symbols", strings.ToUpper(symbol))
	var out struct {
		Quotes struct {
			Quote json.RawMessage `json:"quote"`
		} `json:"quotes"`
	}
	if err := a.transport.Get(ctx, "/v1/markets/quotes", q, &out); err != nil {
		return nil, fmt.Errorf("tradier quote %s: %w", symbol, err)
	}
	type quote struct {
		Last float64 `json:"last"`
		Bid  float64 `json:"bid"`
		Ask  float64 `json:"ask"`
	}
	var single quote
	if err := json.Unmarshal(out.Quotes.Quote, &single); err != nil {
		var many []quote
		if err2 := json.Unmarshal(out.Quotes.Quote, &many); err2 != nil || len(many) == 0 {
			return nil, fmt.Errorf("tradier quote %s: decoding: %w", symbol, err)
		}
		single = many[0]
	}
	return &venue.Ticker{
		Symbol: symbol,
		Last:   decimal.NewFromFloat(single.Last),
		Bid:    decimal.NewFromFloat(single.Bid),
		Ask:    decimal.NewFromFloat(single.Ask),
	}, nil
}

func (a *Adapter) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("interval", interval)
	var out struct {
		Series struct {
			Data []struct {
				Time   string  `json:"time"`
				Open   float64 `json:"open"`
				High   float64 `json:"high"`
				Low    float64 `json:"low"`
				Close  float64 `json:"close"`
				Volume float64 `json:"volume"`
			} `json:"data"`
		} `json:"series"`
	}
	if err := a.transport.Get(ctx, "/v1/markets/timesales", q, &out); err != nil {
		return nil, fmt.Errorf("tradier timesales %s: %w", symbol, err)
	}
	data := out.Series.Data
	if limit > 0 && len(data) > limit {
		data = data[len(data)-limit:]
	}
	candles := make([]models.Candle, 0, len(data))
	for _, d := range data {
		c := models.Candle{
			Open:   decimal.NewFromFloat(d.Open),
			High:   decimal.NewFromFloat(d.High),
			Low:    decimal.NewFromFloat(d.Low),
			Close:  decimal.NewFromFloat(d.Close),
			Volume: decimal.NewFromFloat(d.Volume),
		}
		if ts, err := time.Parse("2006-01-02T15:04:05", d.Time); err == nil {
			c.OpenTime = ts.UTC()
		}
		candles = append(candles, c)
	}
	return candles, nil
}

type orderEnvelope struct {
	Order struct {
		ID           int64   `json:"id"`
		Status       string  `json:"status"`
		AvgFillPrice float64 `json:"avg_fill_price"`
	} `json:"order"`
	Errors struct {
		Error json.RawMessage `json:"error"`
	} `json:"errors"`
}

func (e *orderEnvelope) ack() (*venue.OrderAck, error) {
	if len(e.Errors.Error) > 0 {
		return nil, fmt.Errorf("tradier order rejected: %s", string(e.Errors.Error))
	}
	return &venue.OrderAck{
		OrderID:      strconv.FormatInt(e.Order.ID, 10),
		Status:       e.Order.Status,
		AvgFillPrice: decimal.NewFromFloat(e.Order.AvgFillPrice),
	}, nil
}

func durationFor(extendedHours bool) string {
	if extendedHours {
		return "pre"
	}
	return "day"
}

// baseParams fills the class/symbol fields, switching to the option class
// for OCC-encoded symbols.
func baseParams(symbol string) url.Values {
	params := url.Values{}
	native := strings.ToUpper(symbol)
	if util.IsOCCSymbol(native) {
		params.Set("class", "option")
		params.Set("symbol", util.OCCUnderlying(native))
		params.Set("option_symbol", native)
	} else {
		params.Set("class", "equity")
		params.Set("symbol", native)
	}
	return params
}

func (a *Adapter) submit(ctx context.Context, params url.Values) (*venue.OrderAck, error) {
	var resp orderEnvelope
	if err := a.transport.PostForm(ctx, a.ordersPath(), params, &resp); err != nil {
		return nil, err
	}
	return resp.ack()
}

func (a *Adapter) PlaceMarketOrder(ctx context.Context, symbol string, side models.OrderSide, qty decimal.Decimal) (*venue.OrderAck, error) {
	rounded, err := a.RoundQuantity(ctx, symbol, qty)
	if err != nil {
		return nil, err
	}
	params := baseParams(symbol)
	params.Set("side", string(side))
	params.Set("type", "market")
	params.Set("duration", "day")
	params.Set("quantity", rounded.String())
	ack, err := a.submit(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("tradier market order %s: %w", symbol, err)
	}
	return ack, nil
}

func (a *Adapter) PlaceLimitOrder(ctx context.Context, symbol string, side models.OrderSide, qty, price decimal.Decimal) (*venue.OrderAck, error) {
	rounded, err := a.RoundQuantity(ctx, symbol, qty)
	if err != nil {
		return nil, err
	}
	limit, err := a.RoundPrice(ctx, symbol, price)
	if err != nil {
		return nil, err
	}
	params := baseParams(symbol)
	params.Set("side", string(side))
	params.Set("type", "limit")
	params.Set("duration", "day")
	params.Set("quantity", rounded.String())
	params.Set("price", limit.String())
	ack, err := a.submit(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("tradier limit order %s: %w", symbol, err)
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
	params := baseParams(symbol)
	params.Set("side", string(side))
	params.Set("duration", "gtc")
	params.Set("quantity", rounded.String())
	params.Set("stop", stop.String())
	if limitPrice.IsPositive() {
		limit, err := a.RoundPrice(ctx, symbol, limitPrice)
		if err != nil {
			return nil, err
		}
		params.Set("type", "stop_limit")
		params.Set("price", limit.String())
	} else {
		params.Set("type", "stop")
	}
	ack, err := a.submit(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("tradier stop loss %s: %w", symbol, err)
	}
	return ack, nil
}

func (a *Adapter) PlaceTakeProfit(ctx context.Context, symbol string, side models.OrderSide, qty, price decimal.Decimal) (*venue.OrderAck, error) {
	ack, err := a.PlaceLimitOrder(ctx, symbol, side, qty, price)
	if err != nil {
		return nil, fmt.Errorf("tradier take profit: %w", err)
	}
	return ack, nil
}

// ClosePosition has no reduce-only flag on Tradier; the exit side encodes
// the intent. A short position closes with buy_to_cover.
func (a *Adapter) ClosePosition(ctx context.Context, symbol string, side models.OrderSide, qty decimal.Decimal) (*venue.OrderAck, error) {
	rounded, err := a.RoundQuantity(ctx, symbol, qty)
	if err != nil {
		return nil, err
	}
	exitSide := string(side)
	if side == models.OrderBuy {
		snap, err := a.GetPosition(ctx, symbol)
		if err == nil && snap != nil && snap.Side == models.SideShort {
			exitSide = "buy_to_cover"
		}
	}
	params := baseParams(symbol)
	params.Set("side", exitSide)
	params.Set("type", "market")
	params.Set("duration", "day")
	params.Set("quantity", rounded.String())
	ack, err := a.submit(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("tradier close %s: %w", symbol, err)
	}
	return ack, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, _ string, orderID string) error {
	err := a.transport.Delete(ctx, a.ordersPath()+"/"+orderID, nil, nil)
	if err != nil {
		if venue.StatusOf(err) == http.StatusNotFound {
			return fmt.Errorf("tradier cancel %s: %w", orderID, venue.ErrOrderNotFound)
		}
		return fmt.Errorf("tradier cancel %s: %w", orderID, err)
	}
	return nil
}

func (a *Adapter) CancelAllOrders(context.Context, string) error {
	return fmt.Errorf("tradier cancel all: %w", venue.ErrUnsupported)
}

// PlaceBracketOrder submits an OTOCO: entry leg plus a profit limit and a
// protective stop that cancel each other.
func (a *Adapter) PlaceBracketOrder(ctx context.Context, spec venue.BracketSpec) (*venue.CompoundAck, error) {
	qty, err := a.RoundQuantity(ctx, spec.Symbol, spec.Quantity)
	if err != nil {
		return nil, err
	}
	tp, err := a.RoundPrice(ctx, spec.Symbol, spec.TakeProfitPrice)
	if err != nil {
		return nil, err
	}
	sl, err := a.RoundPrice(ctx, spec.Symbol, spec.StopLossPrice)
	if err != nil {
		return nil, err
	}
	exitSide := string(spec.Side.Opposite())

	params := url.Values{}
	params.Set("class", "otoco")
	params.Set("duration", durationFor(spec.ExtendedHours))
	native := strings.ToUpper(spec.Symbol)

	setLeg := func(i int, side, typ, qtyStr string) {
		idx := "[" + strconv.Itoa(i) + "]"
		params.Set("symbol"+idx, native)
		params.Set("side"+idx, side)
		params.Set("type"+idx, typ)
		params.Set("quantity"+idx, qtyStr)
	}

	entryType := "market"
	if spec.EntryType == models.OrderTypeLimit {
		entryType = "limit"
		price, err := a.RoundPrice(ctx, spec.Symbol, spec.LimitPrice)
		if err != nil {
			return nil, err
		}
		params.Set("price[0]", price.String())
	}
	setLeg(0, string(spec.Side), entryType, qty.String())

	setLeg(1, exitSide, "limit", qty.String())
	params.Set("price[1]", tp.String())

	if spec.StopLimitPrice.IsPositive() {
		limit, err := a.RoundPrice(ctx, spec.Symbol, spec.StopLimitPrice)
		if err != nil {
			return nil, err
		}
		setLeg(2, exitSide, "stop_limit", qty.String())
		params.Set("price[2]", limit.String())
	} else {
		setLeg(2, exitSide, "stop", qty.String())
	}
	params.Set("stop[2]", sl.String())

	ack, err := a.submit(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("tradier otoco %s: %w", spec.Symbol, err)
	}
	// Tradier reports a single envelope id for the OTOCO group.
	return &venue.CompoundAck{
		EntryOrderID: ack.OrderID,
		Status:       ack.Status,
		AvgFillPrice: ack.AvgFillPrice,
	}, nil
}

// PlaceOCOOrder attaches a profit/stop pair to an existing position.
func (a *Adapter) PlaceOCOOrder(ctx context.Context, spec venue.OCOSpec) (*venue.CompoundAck, error) {
	qty, err := a.RoundQuantity(ctx, spec.Symbol, spec.Quantity)
	if err != nil {
		return nil, err
	}
	tp, err := a.RoundPrice(ctx, spec.Symbol, spec.TakeProfitPrice)
	if err != nil {
		return nil, err
	}
	sl, err := a.RoundPrice(ctx, spec.Symbol, spec.StopLossPrice)
	if err != nil {
		return nil, err
	}
	native := strings.ToUpper(spec.Symbol)

	params := url.Values{}
	params.Set("class", "oco")
	params.Set("duration", "gtc")
	params.Set("symbol[0]", native)
	params.Set("side[0]", string(spec.Side))
	params.Set("type[0]", "limit")
	params.Set("quantity[0]", qty.String())
	params.Set("price[0]", tp.String())
	params.Set("symbol[1]", native)
	params.Set("side[1]", string(spec.Side))
	params.Set("quantity[1]", qty.String())
	params.Set("stop[1]", sl.String())
	if spec.StopLimitPrice.IsPositive() {
		limit, err := a.RoundPrice(ctx, spec.Symbol, spec.StopLimitPrice)
		if err != nil {
			return nil, err
		}
		params.Set("type[1]", "stop_limit")
		params.Set("price[1]", limit.String())
	} else {
		params.Set("type[1]", "stop")
	}

	ack, err := a.submit(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("tradier oco %s: %w", spec.Symbol, err)
	}
	return &venue.CompoundAck{EntryOrderID: ack.OrderID, Status: ack.Status}, nil
}

// PlaceOTOOrder submits an entry that triggers a single exit on fill.
func (a *Adapter) PlaceOTOOrder(ctx context.Context, spec venue.OTOSpec) (*venue.CompoundAck, error) {
	qty, err := a.RoundQuantity(ctx, spec.Symbol, spec.Quantity)
	if err != nil {
		return nil, err
	}
	exitPrice, err := a.RoundPrice(ctx, spec.Symbol, spec.ExitPrice)
	if err != nil {
		return nil, err
	}
	native := strings.ToUpper(spec.Symbol)
	exitSide := string(spec.Side.Opposite())

	params := url.Values{}
	params.Set("class", "oto")
	params.Set("duration", durationFor(spec.ExtendedHours))
	params.Set("symbol[0]", native)
	params.Set("side[0]", string(spec.Side))
	params.Set("quantity[0]", qty.String())
	if spec.EntryType == models.OrderTypeLimit {
		price, err := a.RoundPrice(ctx, spec.Symbol, spec.LimitPrice)
		if err != nil {
			return nil, err
		}
		params.Set("type[0]", "limit")
		params.Set("price[0]", price.String())
	} else {
		params.Set("type[0]", "market")
	}
	params.Set("symbol[1]", native)
	params.Set("side[1]", exitSide)
	params.Set("quantity[1]", qty.String())
	if spec.ExitIsStop {
		params.Set("type[1]", "stop")
		params.Set("stop[1]", exitPrice.String())
	} else {
		params.Set("type[1]", "limit")
		params.Set("price[1]", exitPrice.String())
	}

	ack, err := a.submit(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("tradier oto %s: %w", spec.Symbol, err)
	}
	return &venue.CompoundAck{EntryOrderID: ack.OrderID, Status: ack.Status}, nil
}

// RoundQuantity floors to whole shares (contracts for options).
func (a *Adapter) RoundQuantity(_ context.Context, _ string, qty decimal.Decimal) (decimal.Decimal, error) {
	return qty.Floor(), nil
}

func (a *Adapter) RoundPrice(_ context.Context, _ string, price decimal.Decimal) (decimal.Decimal, error) {
	return util.RoundToTick(price, equityTick), nil
}
