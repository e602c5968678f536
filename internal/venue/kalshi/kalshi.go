// Package kalshi implements the venue adapter for the Kalshi prediction
// market API. Every request carries an asymmetric signature over
// timestamp‖method‖path: RSA-PSS with SHA-256 for RSA keys, or Ed25519
// when the stored key is of that type. There is no renewal.
//
// Quantities are whole contract counts and prices are quoted in cents;
// the adapter converts to and from dollar decimals at the boundary. The
// contract leg is carried as a ":yes" or ":no" suffix on the symbol
// (e.g. FED-25DEC-T3.00:no); a bare symbol trades the YES leg.
package kalshi

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/patchwell/signalgate/internal/models"
	"github.com/patchwell/signalgate/internal/venue"
)

const prodURL = "https://api.elections.kalshi.com"

var cents = decimal.NewFromInt(100)

type signer struct {
	keyID string
	rsaPK *rsa.PrivateKey
	edPK  ed25519.PrivateKey
}

func parseKey(pemData string) (*rsa.PrivateKey, ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, nil, fmt.Errorf("no PEM block in private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing private key: %w", err)
	}
	switch key := parsed.(type) {
	case *rsa.PrivateKey:
		return key, nil, nil
	case ed25519.PrivateKey:
		return nil, key, nil
	default:
		return nil, nil, fmt.Errorf("unsupported private key type %T", parsed)
	}
}

func (s *signer) Sign(req *http.Request, _ []byte) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	msg := []byte(ts + req.Method + req.URL.Path)

	var sig []byte
	switch {
	case s.rsaPK != nil:
		digest := sha256.Sum256(msg)
		var err error
		sig, err = rsa.SignPSS(rand.Reader, s.rsaPK, crypto.SHA256, digest[:], &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
		})
		if err != nil {
			return fmt.Errorf("signing request: %w", err)
		}
	case s.edPK != nil:
		sig = ed25519.Sign(s.edPK, msg)
	default:
		return venue.ErrNoCredentials
	}

	req.Header.Set("KALSHI-ACCESS-KEY", s.keyID)
	req.Header.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	req.Header.Set("KALSHI-ACCESS-SIGNATURE", base64.StdEncoding.EncodeToString(sig))
	return nil
}

// Adapter talks to Kalshi.
type Adapter struct {
	venue.Unsupported

	transport *venue.Transport
	logger    *logrus.Entry
}

var _ venue.Adapter = (*Adapter)(nil)

// Factory builds a kalshi adapter from a credential record with fields
// key_id and private_key (PEM, RSA or Ed25519).
func Factory(rec *models.CredentialRecord, env venue.Env) (venue.Adapter, error) {
	keyID := rec.Fields["key_id"]
	pemKey := rec.Fields["private_key"]
	if keyID == "" || pemKey == "" {
		return nil, venue.ErrNoCredentials
	}
	rsaPK, edPK, err := parseKey(pemKey)
	if err != nil {
		return nil, fmt.Errorf("kalshi credentials: %w", err)
	}
	base := prodURL
	if override := rec.Fields["base_url"]; override != "" {
		base = override
	}
	logger := env.Logger.WithFields(logrus.Fields{"component": "venue", "venue": "kalshi", "user": rec.User})
	return &Adapter{
		transport: venue.NewTransport(venue.TransportConfig{
			BaseURL:     base,
			BreakerName: "kalshi",
		}, &signer{keyID: keyID, rsaPK: rsaPK, edPK: edPK}, logger),
		logger: logger,
	}, nil
}

func (a *Adapter) Name() string { return "kalshi" }

func (a *Adapter) Capabilities() venue.Capabilities {
	return venue.Capabilities{
		Market:     true,
		Limit:      true,
		Prediction: true,
	}
}

// splitSymbol separates the market ticker from the contract-leg suffix.
func splitSymbol(symbol string) (ticker string, side models.PredictionSide) {
	side = models.PredictionYes
	ticker = strings.ToUpper(symbol)
	if i := strings.LastIndex(symbol, ":"); i >= 0 {
		if strings.EqualFold(symbol[i+1:], "no") {
			side = models.PredictionNo
		}
		ticker = strings.ToUpper(symbol[:i])
	}
	return ticker, side
}

func dollarsFromCents(c int64) decimal.Decimal {
	return decimal.NewFromInt(c).Div(cents)
}

func centsFromDollars(d decimal.Decimal) int64 {
	return d.Mul(cents).Round(0).IntPart()
}

func (a *Adapter) CheckConnection(ctx context.Context) error {
	var out struct {
		Balance int64 `json:"balance"`
	}
	if err := a.transport.Get(ctx, "/trade-api/v2/portfolio/balance", nil, &out); err != nil {
		return fmt.Errorf("kalshi balance probe: %w", err)
	}
	return nil
}

func (a *Adapter) GetBalance(ctx context.Context) ([]venue.Balance, error) {
	var out struct {
		Balance int64 `json:"balance"`
	}
	if err := a.transport.Get(ctx, "/trade-api/v2/portfolio/balance", nil, &out); err != nil {
		return nil, fmt.Errorf("kalshi balance: %w", err)
	}
	usd := dollarsFromCents(out.Balance)
	return []venue.Balance{{Asset: "USD", Available: usd, Total: usd}}, nil
}

func (a *Adapter) GetAvailableMargin(ctx context.Context) (decimal.Decimal, error) {
	balances, err := a.GetBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return balances[0].Available, nil
}

type marketPosition struct {
	Ticker   string `json:"ticker"`
	Position int64  `json:"position"` // signed contract count, + = yes
}

func (a *Adapter) marketPositions(ctx context.Context) ([]marketPosition, error) {
	var out struct {
		MarketPositions []marketPosition `json:"market_positions"`
	}
	if err := a.transport.Get(ctx, "/trade-api/v2/portfolio/positions", nil, &out); err != nil {
		return nil, fmt.Errorf("kalshi positions: %w", err)
	}
	return out.MarketPositions, nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]venue.PositionSnapshot, error) {
	rows, err := a.marketPositions(ctx)
	if err != nil {
		return nil, err
	}
	var snaps []venue.PositionSnapshot
	for _, row := range rows {
		if row.Position == 0 {
			continue
		}
		// A negative count is a NO holding, not a short: record the leg
		// in the symbol and keep the side long.
		symbol := row.Ticker
		if row.Position < 0 {
			symbol += ":no"
		}
		snaps = append(snaps, venue.PositionSnapshot{
			Symbol:   symbol,
			Side:     models.SideLong,
			Quantity: decimal.NewFromInt(abs64(row.Position)),
		})
	}
	return snaps, nil
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*venue.PositionSnapshot, error) {
	ticker, _ := splitSymbol(symbol)
	snaps, err := a.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range snaps {
		t, _ := splitSymbol(snaps[i].Symbol)
		if t == ticker {
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
	ticker, side := splitSymbol(symbol)
	var out struct {
		Market struct {
			YesBid    int64 `json:"yes_bid"`
			YesAsk    int64 `json:"yes_ask"`
			NoBid     int64 `json:"no_bid"`
			NoAsk     int64 `json:"no_ask"`
			LastPrice int64 `json:"last_price"`
		} `json:"market"`
	}
	if err := a.transport.Get(ctx, "/trade-api/v2/markets/"+ticker, nil, &out); err != nil {
		return nil, fmt.Errorf("kalshi market %s: %w", ticker, err)
	}
	bid, ask := out.Market.YesBid, out.Market.YesAsk
	last := out.Market.LastPrice
	if side == models.PredictionNo {
		bid, ask = out.Market.NoBid, out.Market.NoAsk
		last = 100 - out.Market.LastPrice
	}
	return &venue.Ticker{
		Symbol: symbol,
		Last:   dollarsFromCents(last),
		Bid:    dollarsFromCents(bid),
		Ask:    dollarsFromCents(ask),
	}, nil
}

type orderRequest struct {
	Ticker   string `json:"ticker"`
	Action   string `json:"action"` // buy | sell
	Side     string `json:"side"`   // yes | no
	Count    int64  `json:"count"`
	Type     string `json:"type"` // market | limit
	YesPrice int64  `json:"yes_price,omitempty"`
	NoPrice  int64  `json:"no_price,omitempty"`
}

type orderEnvelope struct {
	Order struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	} `json:"order"`
}

func (a *Adapter) submit(ctx context.Context, req orderRequest) (*venue.OrderAck, error) {
	var resp orderEnvelope
	if err := a.transport.PostJSON(ctx, "/trade-api/v2/portfolio/orders", req, &resp); err != nil {
		return nil, err
	}
	return &venue.OrderAck{OrderID: resp.Order.OrderID, Status: resp.Order.Status}, nil
}

// actionFor maps the order side onto Kalshi's action verb: buying the
// contract opens, selling reduces.
func actionFor(side models.OrderSide) string {
	if side == models.OrderSell {
		return "sell"
	}
	return "buy"
}

func (a *Adapter) PlaceMarketOrder(ctx context.Context, symbol string, side models.OrderSide, qty decimal.Decimal) (*venue.OrderAck, error) {
	ticker, leg := splitSymbol(symbol)
	count := qty.Floor().IntPart()
	if count < 1 {
		return nil, fmt.Errorf("kalshi order %s: count must be at least 1 contract", symbol)
	}
	ack, err := a.submit(ctx, orderRequest{
		Ticker: ticker,
		Action: actionFor(side),
		Side:   string(leg),
		Count:  count,
		Type:   "market",
	})
	if err != nil {
		return nil, fmt.Errorf("kalshi market order %s: %w", symbol, err)
	}
	return ack, nil
}

func (a *Adapter) PlaceLimitOrder(ctx context.Context, symbol string, side models.OrderSide, qty, price decimal.Decimal) (*venue.OrderAck, error) {
	ticker, leg := splitSymbol(symbol)
	count := qty.Floor().IntPart()
	if count < 1 {
		return nil, fmt.Errorf("kalshi order %s: count must be at least 1 contract", symbol)
	}
	req := orderRequest{
		Ticker: ticker,
		Action: actionFor(side),
		Side:   string(leg),
		Count:  count,
		Type:   "limit",
	}
	priceCents := centsFromDollars(price)
	if priceCents < 1 || priceCents > 99 {
		return nil, fmt.Errorf("kalshi limit order %s: price %s outside (0.01, 0.99)", symbol, price)
	}
	if leg == models.PredictionNo {
		req.NoPrice = priceCents
	} else {
		req.YesPrice = priceCents
	}
	ack, err := a.submit(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("kalshi limit order %s: %w", symbol, err)
	}
	return ack, nil
}

func (a *Adapter) PlaceStopLoss(ctx context.Context, symbol string, _ models.OrderSide, _, _, _ decimal.Decimal) (*venue.OrderAck, error) {
	return nil, fmt.Errorf("kalshi stop loss %s: %w", symbol, venue.ErrUnsupported)
}

func (a *Adapter) PlaceTakeProfit(ctx context.Context, symbol string, _ models.OrderSide, _, _ decimal.Decimal) (*venue.OrderAck, error) {
	return nil, fmt.Errorf("kalshi take profit %s: %w", symbol, venue.ErrUnsupported)
}

// ClosePosition sells held contracts; there is no reduce-only flag but a
// sell can never flip a holding past zero on Kalshi.
func (a *Adapter) ClosePosition(ctx context.Context, symbol string, _ models.OrderSide, qty decimal.Decimal) (*venue.OrderAck, error) {
	snap, err := a.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("kalshi close %s: %w", symbol, venue.ErrNoPosition)
	}
	return a.PlaceMarketOrder(ctx, snap.Symbol, models.OrderSell, qty)
}

func (a *Adapter) CancelOrder(ctx context.Context, _ string, orderID string) error {
	err := a.transport.Delete(ctx, "/trade-api/v2/portfolio/orders/"+url.PathEscape(orderID), nil, nil)
	if err != nil {
		if venue.StatusOf(err) == http.StatusNotFound {
			return fmt.Errorf("kalshi cancel %s: %w", orderID, venue.ErrOrderNotFound)
		}
		return fmt.Errorf("kalshi cancel %s: %w", orderID, err)
	}
	return nil
}

// RoundQuantity floors to whole contracts.
func (a *Adapter) RoundQuantity(_ context.Context, _ string, qty decimal.Decimal) (decimal.Decimal, error) {
	return qty.Floor(), nil
}

// RoundPrice snaps to the one-cent tick.
func (a *Adapter) RoundPrice(_ context.Context, _ string, price decimal.Decimal) (decimal.Decimal, error) {
	return dollarsFromCents(centsFromDollars(price)), nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
