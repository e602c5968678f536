// Package schwab implements the venue adapter for the Schwab Trader API
// (equities, fractional shares, bracket orders). Authentication is OAuth:
// a long-lived refresh token is exchanged for a short-lived access token,
// refreshed within five minutes of expiry and forced once on 401. The
// access token is persisted as credential sub-state so restarts reuse it.
package schwab

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
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
	apiURL   = "https://api.schwabapi.com/trader/v1"
	tokenURL = "https://api.schwabapi.com/v1/oauth/token"

	// Refresh ahead of the access-token deadline.
	refreshHeadroom = 5 * time.Minute
)

var (
	equityTick  = decimal.RequireFromString("0.01")
	fractionLot = decimal.RequireFromString("0.0001")
)

type oauthSigner struct {
	tokenURL     string
	clientID     string
	clientSecret string
	refreshToken string

	user  string
	creds venue.CredentialSource
	log   *logrus.Entry

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

func (s *oauthSigner) Sign(req *http.Request, _ []byte) error {
	s.mu.Lock()
	stale := s.accessToken == "" || time.Until(s.expiresAt) < refreshHeadroom
	s.mu.Unlock()
	if stale {
		if err := s.Renew(req.Context()); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	return nil
}

// Renew exchanges the refresh token for a fresh access token.
func (s *oauthSigner) Renew(ctx context.Context) error {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", s.refreshToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building token request: %w", err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(s.clientID + ":" + s.clientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("schwab token exchange: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &venue.APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return fmt.Errorf("decoding token response: %w", err)
	}
	if token.AccessToken == "" {
		return fmt.Errorf("schwab token exchange: empty access token")
	}

	expiresAt := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	s.mu.Lock()
	s.accessToken = token.AccessToken
	s.expiresAt = expiresAt
	s.mu.Unlock()

	if s.creds != nil {
		err := s.creds.SaveCredentialSubState(ctx, s.user, "schwab", map[string]string{
			"access_token": token.AccessToken,
			"expires_at":   expiresAt.UTC().Format(time.RFC3339),
		})
		if err != nil {
			s.log.WithError(err).Warn("persisting schwab access token")
		}
	}
	s.log.Info("schwab access token refreshed")
	return nil
}

func (s *oauthSigner) restore(sub map[string]string) {
	token := sub["access_token"]
	if token == "" {
		return
	}
	expiresAt, err := time.Parse(time.RFC3339, sub["expires_at"])
	if err != nil || time.Until(expiresAt) < refreshHeadroom {
		return
	}
	s.mu.Lock()
	s.accessToken = token
	s.expiresAt = expiresAt
	s.mu.Unlock()
}

// Adapter talks to the Schwab Trader API.
type Adapter struct {
	venue.Unsupported

	transport   *venue.Transport
	accountHash string
	logger      *logrus.Entry
}

var _ venue.Adapter = (*Adapter)(nil)
var _ venue.Renewer = (*oauthSigner)(nil)

// Factory builds a schwab adapter from a credential record with fields
// client_id, client_secret, refresh_token, and account_hash.
func Factory(rec *models.CredentialRecord, env venue.Env) (venue.Adapter, error) {
	clientID := rec.Fields["client_id"]
	clientSecret := rec.Fields["client_secret"]
	refreshToken := rec.Fields["refresh_token"]
	accountHash := rec.Fields["account_hash"]
	if clientID == "" || clientSecret == "" || refreshToken == "" || accountHash == "" {
		return nil, venue.ErrNoCredentials
	}
	base := apiURL
	token := tokenURL
	if override := rec.Fields["base_url"]; override != "" {
		base = override
		token = override + "/oauth/token"
	}
	logger := env.Logger.WithFields(logrus.Fields{"component": "venue", "venue": "schwab", "user": rec.User})
	signer := &oauthSigner{
		tokenURL:     token,
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
		user:         rec.User,
		creds:        env.Creds,
		log:          logger,
	}
	signer.restore(rec.SubState)
	return &Adapter{
		transport: venue.NewTransport(venue.TransportConfig{
			BaseURL:     base,
			BreakerName: "schwab",
		}, signer, logger),
		accountHash: accountHash,
		logger:      logger,
	}, nil
}

func (a *Adapter) Name() string { return "schwab" }

func (a *Adapter) Capabilities() venue.Capabilities {
	return venue.Capabilities{
		Market:        true,
		Limit:         true,
		StopLoss:      true,
		StopLimit:     true,
		TakeProfit:    true,
		Bracket:       true,
		OCO:           true,
		Fractional:    true,
		ExtendedHours: true,
	}
}

func (a *Adapter) accountPath() string {
	return "/accounts/" + a.accountHash
}

type accountEnvelope struct {
	SecuritiesAccount struct {
		CurrentBalances struct {
			CashBalance float64 `json:"cashBalance"`
			BuyingPower float64 `json:"buyingPower"`
			Equity      float64 `json:"equity"`
		} `json:"currentBalances"`
		Positions []struct {
			Instrument struct {
				Symbol string `json:"symbol"`
			} `json:"instrument"`
			LongQuantity  float64 `json:"longQuantity"`
			ShortQuantity float64 `json:"shortQuantity"`
			AveragePrice  float64 `json:"averagePrice"`
		} `json:"positions"`
	} `json:"securitiesAccount"`
}

func (a *Adapter) account(ctx context.Context) (*accountEnvelope, error) {
	q := url.Values{}
	q.Set("fields", "positions")
	var out accountEnvelope
	if err := a.transport.Get(ctx, a.accountPath(), q, &out); err != nil {
		return nil, fmt.Errorf("schwab account: %w", err)
	}
	return &out, nil
}

func (a *Adapter) CheckConnection(ctx context.Context) error {
	_, err := a.account(ctx)
	return err
}

func (a *Adapter) GetBalance(ctx context.Context) ([]venue.Balance, error) {
	acct, err := a.account(ctx)
	if err != nil {
		return nil, err
	}
	b := acct.SecuritiesAccount.CurrentBalances
	return []venue.Balance{{
		Asset:     "USD",
		Available: decimal.NewFromFloat(b.CashBalance),
		Total:     decimal.NewFromFloat(b.Equity),
	}}, nil
}

func (a *Adapter) GetAvailableMargin(ctx context.Context) (decimal.Decimal, error) {
	acct, err := a.account(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(acct.SecuritiesAccount.CurrentBalances.BuyingPower), nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]venue.PositionSnapshot, error) {
	acct, err := a.account(ctx)
	if err != nil {
		return nil, err
	}
	var snaps []venue.PositionSnapshot
	for _, p := range acct.SecuritiesAccount.Positions {
		qty := p.LongQuantity - p.ShortQuantity
		if qty == 0 {
			continue
		}
		side := models.SideLong
		if qty < 0 {
			side = models.SideShort
			qty = -qty
		}
		snaps = append(snaps, venue.PositionSnapshot{
			Symbol:     p.Instrument.Symbol,
			Side:       side,
			Quantity:   decimal.NewFromFloat(qty),
			EntryPrice: decimal.NewFromFloat(p.AveragePrice),
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
	native := strings.ToUpper(symbol)
	var out map[string]struct {
		Quote struct {
			LastPrice float64 `json:"lastPrice"`
			BidPrice  float64 `json:"bidPrice"`
			AskPrice  float64 `json:"askPrice"`
		} `json:"quote"`
	}
	q := url.Values{}
	q.Set("symbols", native)
	if err := a.transport.Get(ctx, "/quotes", q, &out); err != nil {
		return nil, fmt.Errorf("schwab quote %s: %w", symbol, err)
	}
	entry, ok := out[native]
	if !ok {
		return nil, fmt.Errorf("schwab quote %s: symbol missing from response", symbol)
	}
	return &venue.Ticker{
		Symbol: symbol,
		Last:   decimal.NewFromFloat(entry.Quote.LastPrice),
		Bid:    decimal.NewFromFloat(entry.Quote.BidPrice),
		Ask:    decimal.NewFromFloat(entry.Quote.AskPrice),
	}, nil
}

type orderLeg struct {
	Instruction string  `json:"instruction"`
	Quantity    float64 `json:"quantity"`
	Instrument  struct {
		Symbol    string `json:"symbol"`
		AssetType string `json:"assetType"`
	} `json:"instrument"`
}

type orderBody struct {
	OrderType            string      `json:"orderType"`
	Session              string      `json:"session"`
	Duration             string      `json:"duration"`
	OrderStrategyType    string      `json:"orderStrategyType"`
	Price                string      `json:"price,omitempty"`
	StopPrice            string      `json:"stopPrice,omitempty"`
	OrderLegCollection   []orderLeg  `json:"orderLegCollection"`
	ChildOrderStrategies []orderBody `json:"childOrderStrategies,omitempty"`
}

func leg(symbol string, side models.OrderSide, qty decimal.Decimal) orderLeg {
	l := orderLeg{Quantity: qty.InexactFloat64()}
	l.Instruction = strings.ToUpper(string(side))
	l.Instrument.Symbol = strings.ToUpper(symbol)
	l.Instrument.AssetType = "EQUITY"
	return l
}

func sessionFor(extendedHours bool) string {
	if extendedHours {
		return "SEAMLESS"
	}
	return "NORMAL"
}

// submit posts the order and extracts the order id from the Location
// header Schwab answers with.
func (a *Adapter) submit(ctx context.Context, body orderBody) (*venue.OrderAck, error) {
	header, err := a.transport.PostJSONHeaders(ctx, a.accountPath()+"/orders", body, nil)
	if err != nil {
		return nil, err
	}
	loc := header.Get("Location")
	id := loc
	if i := strings.LastIndex(loc, "/"); i >= 0 {
		id = loc[i+1:]
	}
	if id == "" {
		return nil, fmt.Errorf("order accepted but Location header missing")
	}
	return &venue.OrderAck{OrderID: id, Status: "WORKING"}, nil
}

func (a *Adapter) PlaceMarketOrder(ctx context.Context, symbol string, side models.OrderSide, qty decimal.Decimal) (*venue.OrderAck, error) {
	rounded, err := a.RoundQuantity(ctx, symbol, qty)
	if err != nil {
		return nil, err
	}
	ack, err := a.submit(ctx, orderBody{
		OrderType:          "MARKET",
		Session:            "NORMAL",
		Duration:           "DAY",
		OrderStrategyType:  "SINGLE",
		OrderLegCollection: []orderLeg{leg(symbol, side, rounded)},
	})
	if err != nil {
		return nil, fmt.Errorf("schwab market order %s: %w", symbol, err)
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
	ack, err := a.submit(ctx, orderBody{
		OrderType:          "LIMIT",
		Session:            "NORMAL",
		Duration:           "DAY",
		OrderStrategyType:  "SINGLE",
		Price:              limit.String(),
		OrderLegCollection: []orderLeg{leg(symbol, side, rounded)},
	})
	if err != nil {
		return nil, fmt.Errorf("schwab limit order %s: %w", symbol, err)
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
	body := orderBody{
		OrderType:          "STOP",
		Session:            "NORMAL",
		Duration:           "GOOD_TILL_CANCEL",
		OrderStrategyType:  "SINGLE",
		StopPrice:          stop.String(),
		OrderLegCollection: []orderLeg{leg(symbol, side, rounded)},
	}
	if limitPrice.IsPositive() {
		limit, err := a.RoundPrice(ctx, symbol, limitPrice)
		if err != nil {
			return nil, err
		}
		body.OrderType = "STOP_LIMIT"
		body.Price = limit.String()
	}
	ack, err := a.submit(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("schwab stop loss %s: %w", symbol, err)
	}
	return ack, nil
}

func (a *Adapter) PlaceTakeProfit(ctx context.Context, symbol string, side models.OrderSide, qty, price decimal.Decimal) (*venue.OrderAck, error) {
	ack, err := a.PlaceLimitOrder(ctx, symbol, side, qty, price)
	if err != nil {
		return nil, fmt.Errorf("schwab take profit: %w", err)
	}
	return ack, nil
}

func (a *Adapter) ClosePosition(ctx context.Context, symbol string, side models.OrderSide, qty decimal.Decimal) (*venue.OrderAck, error) {
	rounded, err := a.RoundQuantity(ctx, symbol, qty)
	if err != nil {
		return nil, err
	}
	exit := leg(symbol, side, rounded)
	if side == models.OrderBuy {
		snap, err := a.GetPosition(ctx, symbol)
		if err == nil && snap != nil && snap.Side == models.SideShort {
			exit.Instruction = "BUY_TO_COVER"
		}
	}
	ack, err := a.submit(ctx, orderBody{
		OrderType:          "MARKET",
		Session:            "NORMAL",
		Duration:           "DAY",
		OrderStrategyType:  "SINGLE",
		OrderLegCollection: []orderLeg{exit},
	})
	if err != nil {
		return nil, fmt.Errorf("schwab close %s: %w", symbol, err)
	}
	return ack, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, _ string, orderID string) error {
	err := a.transport.Delete(ctx, a.accountPath()+"/orders/"+url.PathEscape(orderID), nil, nil)
	if err != nil {
		if venue.StatusOf(err) == http.StatusNotFound {
			return fmt.Errorf("schwab cancel %s: %w", orderID, venue.ErrOrderNotFound)
		}
		return fmt.Errorf("schwab cancel %s: %w", orderID, err)
	}
	return nil
}

// PlaceBracketOrder submits a TRIGGER entry whose fill releases an OCO
// pair of take-profit and stop legs.
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
	exitSide := spec.Side.Opposite()
	session := sessionFor(spec.ExtendedHours)

	entry := orderBody{
		OrderType:          "MARKET",
		Session:            session,
		Duration:           "DAY",
		OrderStrategyType:  "TRIGGER",
		OrderLegCollection: []orderLeg{leg(spec.Symbol, spec.Side, qty)},
	}
	if spec.EntryType == models.OrderTypeLimit {
		price, err := a.RoundPrice(ctx, spec.Symbol, spec.LimitPrice)
		if err != nil {
			return nil, err
		}
		entry.OrderType = "LIMIT"
		entry.Price = price.String()
	}

	profit := orderBody{
		OrderType:          "LIMIT",
		Session:            "NORMAL",
		Duration:           "GOOD_TILL_CANCEL",
		OrderStrategyType:  "SINGLE",
		Price:              tp.String(),
		OrderLegCollection: []orderLeg{leg(spec.Symbol, exitSide, qty)},
	}
	stop := orderBody{
		OrderType:          "STOP",
		Session:            "NORMAL",
		Duration:           "GOOD_TILL_CANCEL",
		OrderStrategyType:  "SINGLE",
		StopPrice:          sl.String(),
		OrderLegCollection: []orderLeg{leg(spec.Symbol, exitSide, qty)},
	}
	if spec.StopLimitPrice.IsPositive() {
		limit, err := a.RoundPrice(ctx, spec.Symbol, spec.StopLimitPrice)
		if err != nil {
			return nil, err
		}
		stop.OrderType = "STOP_LIMIT"
		stop.Price = limit.String()
	}

	entry.ChildOrderStrategies = []orderBody{{
		OrderStrategyType:    "OCO",
		ChildOrderStrategies: []orderBody{profit, stop},
	}}

	ack, err := a.submit(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("schwab bracket %s: %w", spec.Symbol, err)
	}
	// Children are addressed through the parent order id.
	return &venue.CompoundAck{EntryOrderID: ack.OrderID, Status: ack.Status}, nil
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
	profit := orderBody{
		OrderType:          "LIMIT",
		Session:            "NORMAL",
		Duration:           "GOOD_TILL_CANCEL",
		OrderStrategyType:  "SINGLE",
		Price:              tp.String(),
		OrderLegCollection: []orderLeg{leg(spec.Symbol, spec.Side, qty)},
	}
	stop := orderBody{
		OrderType:          "STOP",
		Session:            "NORMAL",
		Duration:           "GOOD_TILL_CANCEL",
		OrderStrategyType:  "SINGLE",
		StopPrice:          sl.String(),
		OrderLegCollection: []orderLeg{leg(spec.Symbol, spec.Side, qty)},
	}
	ack, err := a.submit(ctx, orderBody{
		OrderStrategyType:    "OCO",
		ChildOrderStrategies: []orderBody{profit, stop},
		OrderLegCollection:   []orderLeg{},
	})
	if err != nil {
		return nil, fmt.Errorf("schwab oco %s: %w", spec.Symbol, err)
	}
	return &venue.CompoundAck{EntryOrderID: ack.OrderID, Status: ack.Status}, nil
}

// PlaceFractionalOrder sizes a market order by notional value using the
// current quote, at four-decimal share precision.
func (a *Adapter) PlaceFractionalOrder(ctx context.Context, symbol string, side models.OrderSide, notional decimal.Decimal) (*venue.OrderAck, error) {
	ticker, err := a.GetTicker(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("schwab fractional order %s: %w", symbol, err)
	}
	if !ticker.Last.IsPositive() {
		return nil, fmt.Errorf("schwab fractional order %s: no last price", symbol)
	}
	qty := notional.Div(ticker.Last).RoundDown(4)
	if !qty.IsPositive() {
		qty = fractionLot
	}
	ack, err := a.submit(ctx, orderBody{
		OrderType:          "MARKET",
		Session:            "NORMAL",
		Duration:           "DAY",
		OrderStrategyType:  "SINGLE",
		OrderLegCollection: []orderLeg{leg(symbol, side, qty)},
	})
	if err != nil {
		return nil, fmt.Errorf("schwab fractional order %s: %w", symbol, err)
	}
	return ack, nil
}

// RoundQuantity keeps four decimal places; Schwab accepts fractional
// shares on market orders.
func (a *Adapter) RoundQuantity(_ context.Context, _ string, qty decimal.Decimal) (decimal.Decimal, error) {
	return qty.RoundDown(4), nil
}

func (a *Adapter) RoundPrice(_ context.Context, _ string, price decimal.Decimal) (decimal.Decimal, error) {
	return util.RoundToTick(price, equityTick), nil
}
