// Package capital implements the venue adapter for the Capital.com CFD
// API. Authentication is a session-token pair (CST + security token)
// obtained through a login exchange; tokens are refreshed ahead of their
// expiry and renewed once when the venue answers 401. The acquired tokens
// are persisted as credential sub-state so restarts reuse a live session.
package capital

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
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
	prodURL = "https://api-capital.backend-capital.com"
	demoURL = "https://demo-api-capital.backend-capital.com"

	// Capital sessions live ~10 minutes; renew with headroom.
	sessionTTL      = 10 * time.Minute
	sessionHeadroom = 2 * time.Minute
)

var lotStep = decimal.RequireFromString("0.01")

// sessionSigner holds the login material and the current session tokens.
// It refreshes ahead of the deadline inside Sign and supports the
// transport's forced renewal on 401.
type sessionSigner struct {
	baseURL    string
	apiKey     string
	identifier string
	password   string

	user  string
	creds venue.CredentialSource
	log   *logrus.Entry

	mu        sync.Mutex
	cst       string
	security  string
	expiresAt time.Time
}

func (s *sessionSigner) Sign(req *http.Request, _ []byte) error {
	// The login exchange itself carries only the API key.
	if strings.HasSuffix(req.URL.Path, "/api/v1/session") {
		req.Header.Set("X-CAP-API-KEY", s.apiKey)
		return nil
	}
	s.mu.Lock()
	stale := s.cst == "" || time.Until(s.expiresAt) < sessionHeadroom
	s.mu.Unlock()
	if stale {
		if err := s.Renew(req.Context()); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req.Header.Set("X-CAP-API-KEY", s.apiKey)
	req.Header.Set("CST", s.cst)
	req.Header.Set("X-SECURITY-TOKEN", s.security)
	return nil
}

// Renew performs the login exchange and stores the fresh token pair.
func (s *sessionSigner) Renew(ctx context.Context) error {
	body := fmt.Sprintf(`{"identifier":%q,"password":%q}`, s.identifier, s.password)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/session", strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("building session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CAP-API-KEY", s.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("capital session exchange: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &venue.APIError{Status: resp.StatusCode, Body: string(raw)}
	}

	cst := resp.Header.Get("CST")
	security := resp.Header.Get("X-SECURITY-TOKEN")
	if cst == "" || security == "" {
		return fmt.Errorf("capital session exchange: token headers missing")
	}

	expiresAt := time.Now().Add(sessionTTL)
	s.mu.Lock()
	s.cst = cst
	s.security = security
	s.expiresAt = expiresAt
	s.mu.Unlock()

	if s.creds != nil {
		err := s.creds.SaveCredentialSubState(ctx, s.user, "capital", map[string]string{
			"cst":            cst,
			"security_token": security,
			"expires_at":     expiresAt.UTC().Format(time.RFC3339),
		})
		if err != nil {
			s.log.WithError(err).Warn("persisting capital session tokens")
		}
	}
	s.log.Info("capital session renewed")
	return nil
}

// restore seeds the signer from previously persisted sub-state.
func (s *sessionSigner) restore(sub map[string]string) {
	cst, security := sub["cst"], sub["security_token"]
	if cst == "" || security == "" {
		return
	}
	expiresAt, err := time.Parse(time.RFC3339, sub["expires_at"])
	if err != nil || time.Until(expiresAt) < sessionHeadroom {
		return
	}
	s.mu.Lock()
	s.cst = cst
	s.security = security
	s.expiresAt = expiresAt
	s.mu.Unlock()
}

// Adapter talks to Capital.com.
type Adapter struct {
	venue.Unsupported

	transport *venue.Transport
	logger    *logrus.Entry
}

var _ venue.Adapter = (*Adapter)(nil)
var _ venue.Renewer = (*sessionSigner)(nil)

// Factory builds a capital adapter from a credential record with fields
// api_key, identifier, and password.
func Factory(rec *models.CredentialRecord, env venue.Env) (venue.Adapter, error) {
	apiKey := rec.Fields["api_key"]
	identifier := rec.Fields["identifier"]
	password := rec.Fields["password"]
	if apiKey == "" || identifier == "" || password == "" {
		return nil, venue.ErrNoCredentials
	}
	base := prodURL
	if rec.Environment == "sandbox" {
		base = demoURL
	}
	if override := rec.Fields["base_url"]; override != "" {
		base = override
	}
	logger := env.Logger.WithFields(logrus.Fields{"component": "venue", "venue": "capital", "user": rec.User})
	signer := &sessionSigner{
		baseURL:    base,
		apiKey:     apiKey,
		identifier: identifier,
		password:   password,
		user:       rec.User,
		creds:      env.Creds,
		log:        logger,
	}
	signer.restore(rec.SubState)
	return &Adapter{
		transport: venue.NewTransport(venue.TransportConfig{
			BaseURL:     base,
			BreakerName: "capital",
		}, signer, logger),
		logger: logger,
	}, nil
}

func (a *Adapter) Name() string { return "capital" }

func (a *Adapter) Capabilities() venue.Capabilities {
	return venue.Capabilities{
		Market:                true,
		StopLoss:              true,
		TakeProfit:            true,
		TrailingStop:          true,
		AtomicEntryProtection: true,
		Candles:               true,
	}
}

// epicFor maps the intent-form symbol (EUR_USD, XAU_USD, BTCUSD) to the
// venue epic. Capital epics are the concatenated pair.
func epicFor(symbol string) string {
	return strings.ToUpper(strings.NewReplacer("_", "", "/", "", "-", "").Replace(symbol))
}

func (a *Adapter) CheckConnection(ctx context.Context) error {
	var out struct {
		Accounts []json.RawMessage `json:"accounts"`
	}
	if err := a.transport.Get(ctx, "/api/v1/accounts", nil, &out); err != nil {
		return fmt.Errorf("capital account probe: %w", err)
	}
	return nil
}

func (a *Adapter) GetBalance(ctx context.Context) ([]venue.Balance, error) {
	var out struct {
		Accounts []struct {
			Currency string `json:"currency"`
			Balance  struct {
				Balance   float64 `json:"balance"`
				Available float64 `json:"available"`
			} `json:"balance"`
		} `json:"accounts"`
	}
	if err := a.transport.Get(ctx, "/api/v1/accounts", nil, &out); err != nil {
		return nil, fmt.Errorf("capital balances: %w", err)
	}
	balances := make([]venue.Balance, 0, len(out.Accounts))
	for _, acct := range out.Accounts {
		balances = append(balances, venue.Balance{
			Asset:     acct.Currency,
			Available: decimal.NewFromFloat(acct.Balance.Available),
			Total:     decimal.NewFromFloat(acct.Balance.Balance),
		})
	}
	return balances, nil
}

func (a *Adapter) GetAvailableMargin(ctx context.Context) (decimal.Decimal, error) {
	balances, err := a.GetBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, b := range balances {
		total = total.Add(b.Available)
	}
	return total, nil
}

type dealRow struct {
	Position struct {
		DealID    string  `json:"dealId"`
		Direction string  `json:"direction"`
		Size      float64 `json:"size"`
		Level     float64 `json:"level"`
	} `json:"position"`
	Market struct {
		Epic string  `json:"epic"`
		Bid  float64 `json:"bid"`
		Offer float64 `json:"offer"`
	} `json:"market"`
}

func (a *Adapter) deals(ctx context.Context) ([]dealRow, error) {
	var out struct {
		Positions []dealRow `json:"positions"`
	}
	if err := a.transport.Get(ctx, "/api/v1/positions", nil, &out); err != nil {
		return nil, fmt.Errorf("capital positions: %w", err)
	}
	return out.Positions, nil
}

func snapshotOf(d dealRow) venue.PositionSnapshot {
	side := models.SideLong
	mark := d.Market.Bid
	if d.Position.Direction == "SELL" {
		side = models.SideShort
		mark = d.Market.Offer
	}
	return venue.PositionSnapshot{
		Symbol:     d.Market.Epic,
		Side:       side,
		Quantity:   decimal.NewFromFloat(d.Position.Size),
		EntryPrice: decimal.NewFromFloat(d.Position.Level),
		MarkPrice:  decimal.NewFromFloat(mark),
	}
}

func (a *Adapter) GetPositions(ctx context.Context) ([]venue.PositionSnapshot, error) {
	deals, err := a.deals(ctx)
	if err != nil {
		return nil, err
	}
	snaps := make([]venue.PositionSnapshot, 0, len(deals))
	for _, d := range deals {
		snaps = append(snaps, snapshotOf(d))
	}
	return snaps, nil
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*venue.PositionSnapshot, error) {
	deals, err := a.deals(ctx)
	if err != nil {
		return nil, err
	}
	epic := epicFor(symbol)
	for _, d := range deals {
		if d.Market.Epic == epic {
			snap := snapshotOf(d)
			return &snap, nil
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
	var out struct {
		Snapshot struct {
			Bid   float64 `json:"bid"`
			Offer float64 `json:"offer"`
		} `json:"snapshot"`
	}
	if err := a.transport.Get(ctx, "/api/v1/markets/"+epicFor(symbol), nil, &out); err != nil {
		return nil, fmt.Errorf("capital market %s: %w", symbol, err)
	}
	bid := decimal.NewFromFloat(out.Snapshot.Bid)
	ask := decimal.NewFromFloat(out.Snapshot.Offer)
	return &venue.Ticker{
		Symbol: symbol,
		Last:   bid.Add(ask).Div(decimal.NewFromInt(2)),
		Bid:    bid,
		Ask:    ask,
	}, nil
}

var resolutions = map[string]string{
	"1m": "MINUTE", "5m": "MINUTE_5", "15m": "MINUTE_15",
	"1h": "HOUR", "4h": "HOUR_4", "1d": "DAY",
}

func (a *Adapter) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	resolution, ok := resolutions[interval]
	if !ok {
		resolution = "MINUTE"
	}
	path := fmt.Sprintf("/api/v1/prices/%s?resolution=%s&max=%d", epicFor(symbol), resolution, limit)
	var out struct {
		Prices []struct {
			SnapshotTime string `json:"snapshotTime"`
			OpenPrice    struct {
				Bid float64 `json:"bid"`
			} `json:"openPrice"`
			HighPrice struct {
				Bid float64 `json:"bid"`
			} `json:"highPrice"`
			LowPrice struct {
				Bid float64 `json:"bid"`
			} `json:"lowPrice"`
			ClosePrice struct {
				Bid float64 `json:"bid"`
			} `json:"closePrice"`
			LastTradedVolume float64 `json:"lastTradedVolume"`
		} `json:"prices"`
	}
	if err := a.transport.Get(ctx, path, nil, &out); err != nil {
		return nil, fmt.Errorf("capital prices %s: %w", symbol, err)
	}
	candles := make([]models.Candle, 0, len(out.Prices))
	for _, p := range out.Prices {
		c := models.Candle{
			Open:   decimal.NewFromFloat(p.OpenPrice.Bid),
			High:   decimal.NewFromFloat(p.HighPrice.Bid),
			Low:    decimal.NewFromFloat(p.LowPrice.Bid),
			Close:  decimal.NewFromFloat(p.ClosePrice.Bid),
			Volume: decimal.NewFromFloat(p.LastTradedVolume),
		}
		if ts, err := time.Parse("2006-01-02T15:04:05", p.SnapshotTime); err == nil {
			c.OpenTime = ts.UTC()
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func directionFor(side models.OrderSide) string {
	if side == models.OrderSell {
		return "SELL"
	}
	return "BUY"
}

type dealRequest struct {
	Epic         string  `json:"epic"`
	Direction    string  `json:"direction"`
	Size         string  `json:"size"`
	StopLevel    string  `json:"stopLevel,omitempty"`
	ProfitLevel  string  `json:"profitLevel,omitempty"`
	TrailingStop bool    `json:"trailingStop,omitempty"`
	StopDistance string  `json:"stopDistance,omitempty"`
}

type dealReference struct {
	DealReference string `json:"dealReference"`
}

// confirm resolves a deal reference to the venue's deal id and status.
func (a *Adapter) confirm(ctx context.Context, ref string) (*venue.OrderAck, error) {
	var out struct {
		DealStatus    string `json:"dealStatus"`
		Level         float64 `json:"level"`
		AffectedDeals []struct {
			DealID string `json:"dealId"`
		} `json:"affectedDeals"`
	}
	if err := a.transport.Get(ctx, "/api/v1/confirms/"+ref, nil, &out); err != nil {
		return nil, fmt.Errorf("capital confirm %s: %w", ref, err)
	}
	ack := &venue.OrderAck{OrderID: ref, Status: out.DealStatus, AvgFillPrice: decimal.NewFromFloat(out.Level)}
	if len(out.AffectedDeals) > 0 {
		ack.OrderID = out.AffectedDeals[0].DealID
	}
	if out.DealStatus == "REJECTED" {
		return nil, fmt.Errorf("capital deal %s rejected", ref)
	}
	return ack, nil
}

func (a *Adapter) openDeal(ctx context.Context, req dealRequest) (*venue.OrderAck, error) {
	var ref dealReference
	if err := a.transport.PostJSON(ctx, "/api/v1/positions", req, &ref); err != nil {
		return nil, err
	}
	return a.confirm(ctx, ref.DealReference)
}

func (a *Adapter) PlaceMarketOrder(ctx context.Context, symbol string, side models.OrderSide, qty decimal.Decimal) (*venue.OrderAck, error) {
	rounded, err := a.RoundQuantity(ctx, symbol, qty)
	if err != nil {
		return nil, err
	}
	ack, err := a.openDeal(ctx, dealRequest{
		Epic:      epicFor(symbol),
		Direction: directionFor(side),
		Size:      rounded.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("capital market order %s: %w", symbol, err)
	}
	return ack, nil
}

func (a *Adapter) PlaceLimitOrder(ctx context.Context, symbol string, _ models.OrderSide, _, _ decimal.Decimal) (*venue.OrderAck, error) {
	return nil, fmt.Errorf("capital limit order %s: %w", symbol, venue.ErrUnsupported)
}

// PlaceStopLoss amends the open deal's stop level.
func (a *Adapter) PlaceStopLoss(ctx context.Context, symbol string, _ models.OrderSide, _, stopPrice, _ decimal.Decimal) (*venue.OrderAck, error) {
	return a.amendDeal(ctx, symbol, map[string]string{"stopLevel": stopPrice.String()})
}

// PlaceTakeProfit amends the open deal's profit level.
func (a *Adapter) PlaceTakeProfit(ctx context.Context, symbol string, _ models.OrderSide, _, price decimal.Decimal) (*venue.OrderAck, error) {
	return a.amendDeal(ctx, symbol, map[string]string{"profitLevel": price.String()})
}

// PlaceTrailingStop converts the deal's stop into a trailing stop at the
// given distance.
func (a *Adapter) PlaceTrailingStop(ctx context.Context, symbol string, _ models.OrderSide, _ decimal.Decimal, trail venue.Trailing) (*venue.OrderAck, error) {
	if trail.Distance.IsZero() {
		return nil, fmt.Errorf("capital trailing stop %s: distance required: %w", symbol, venue.ErrUnsupported)
	}
	return a.amendDeal(ctx, symbol, map[string]string{
		"trailingStop": "true",
		"stopDistance": trail.Distance.String(),
	})
}

func (a *Adapter) amendDeal(ctx context.Context, symbol string, fields map[string]string) (*venue.OrderAck, error) {
	deals, err := a.deals(ctx)
	if err != nil {
		return nil, err
	}
	epic := epicFor(symbol)
	for _, d := range deals {
		if d.Market.Epic != epic {
			continue
		}
		body := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			if k == "trailingStop" {
				body[k] = v == "true"
				continue
			}
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				body[k] = f
			} else {
				body[k] = v
			}
		}
		var ref dealReference
		if err := a.transport.PutJSON(ctx, "/api/v1/positions/"+d.Position.DealID, body, &ref); err != nil {
			return nil, fmt.Errorf("capital amend %s: %w", symbol, err)
		}
		return &venue.OrderAck{OrderID: d.Position.DealID, Status: "AMENDED"}, nil
	}
	return nil, fmt.Errorf("capital amend %s: %w", symbol, venue.ErrNoPosition)
}

// PlaceEntryWithProtection opens the deal with stop and profit levels
// attached in the same call.
func (a *Adapter) PlaceEntryWithProtection(ctx context.Context, spec venue.BracketSpec) (*venue.CompoundAck, error) {
	rounded, err := a.RoundQuantity(ctx, spec.Symbol, spec.Quantity)
	if err != nil {
		return nil, err
	}
	req := dealRequest{
		Epic:      epicFor(spec.Symbol),
		Direction: directionFor(spec.Side),
		Size:      rounded.String(),
	}
	if spec.StopLossPrice.IsPositive() {
		req.StopLevel = spec.StopLossPrice.String()
	}
	if spec.TakeProfitPrice.IsPositive() {
		req.ProfitLevel = spec.TakeProfitPrice.String()
	}
	ack, err := a.openDeal(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("capital protected entry %s: %w", spec.Symbol, err)
	}
	// Stop and profit live on the deal itself; there are no separate legs.
	return &venue.CompoundAck{
		EntryOrderID:      ack.OrderID,
		TakeProfitOrderID: ack.OrderID,
		StopLossOrderID:   ack.OrderID,
		Status:            ack.Status,
		AvgFillPrice:      ack.AvgFillPrice,
	}, nil
}

// ClosePosition closes the deal fully via DELETE, or partially by opening
// a netting deal in the opposite direction.
func (a *Adapter) ClosePosition(ctx context.Context, symbol string, side models.OrderSide, qty decimal.Decimal) (*venue.OrderAck, error) {
	deals, err := a.deals(ctx)
	if err != nil {
		return nil, err
	}
	epic := epicFor(symbol)
	for _, d := range deals {
		if d.Market.Epic != epic {
			continue
		}
		size := decimal.NewFromFloat(d.Position.Size)
		rounded, err := a.RoundQuantity(ctx, symbol, qty)
		if err != nil {
			return nil, err
		}
		if rounded.GreaterThanOrEqual(size) {
			var ref dealReference
			if err := a.transport.Delete(ctx, "/api/v1/positions/"+d.Position.DealID, nil, &ref); err != nil {
				return nil, fmt.Errorf("capital close %s: %w", symbol, err)
			}
			if ref.DealReference != "" {
				return a.confirm(ctx, ref.DealReference)
			}
			return &venue.OrderAck{OrderID: d.Position.DealID, Status: "CLOSED"}, nil
		}
		ack, err := a.openDeal(ctx, dealRequest{
			Epic:      epic,
			Direction: directionFor(side),
			Size:      rounded.String(),
		})
		if err != nil {
			return nil, fmt.Errorf("capital partial close %s: %w", symbol, err)
		}
		return ack, nil
	}
	return nil, fmt.Errorf("capital close %s: %w", symbol, venue.ErrNoPosition)
}

// CancelOrder is a no-op target on Capital: protective levels live on the
// deal and disappear with it.
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := a.amendDeal(ctx, symbol, map[string]string{"stopLevel": "0", "profitLevel": "0"})
	if err != nil {
		if errors.Is(err, venue.ErrNoPosition) || venue.StatusOf(err) == http.StatusNotFound {
			return fmt.Errorf("capital cancel %s: %w", orderID, venue.ErrOrderNotFound)
		}
		return fmt.Errorf("capital cancel %s: %w", orderID, err)
	}
	return nil
}

func (a *Adapter) RoundQuantity(_ context.Context, _ string, qty decimal.Decimal) (decimal.Decimal, error) {
	return util.FloorToLot(qty, lotStep), nil
}

func (a *Adapter) RoundPrice(_ context.Context, _ string, price decimal.Decimal) (decimal.Decimal, error) {
	return price, nil
}
