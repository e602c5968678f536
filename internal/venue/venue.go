// Package venue defines the uniform adapter contract over heterogeneous
// broker APIs, the shared signing/retrying HTTP transport, and the registry
// that resolves (user, venue) pairs to live adapter instances.
//
// Operations a venue does not natively support fail loudly with
// ErrUnsupported; nothing is silently simulated.
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/patchwell/signalgate/internal/models"
)

// Capabilities declares what an adapter can do. The trade executor plans
// protective-order placement from these flags, never from venue names.
type Capabilities struct {
	Market       bool
	Limit        bool
	StopLoss     bool
	StopLimit    bool
	TakeProfit   bool
	TrailingStop bool
	ReduceOnly   bool
	CancelAll    bool

	// Compound primitives.
	Bracket bool
	OCO     bool
	OTO     bool
	// AtomicEntryProtection marks venues that accept an entry plus both
	// protective legs in one batched call.
	AtomicEntryProtection bool
	Fractional            bool

	ExtendedHours bool
	Options       bool
	Prediction    bool
	Candles       bool
}

// Balance is one asset row from a venue account.
type Balance struct {
	Asset     string
	Available decimal.Decimal
	Total     decimal.Decimal
}

// Ticker is a venue quote. Bid/Ask may be zero on venues that only report
// a last price.
type Ticker struct {
	Symbol string
	Last   decimal.Decimal
	Bid    decimal.Decimal
	Ask    decimal.Decimal
}

// PositionSnapshot is the venue's own view of an open position. The venue
// is authoritative for quantity and mark price.
type PositionSnapshot struct {
	Symbol     string
	Side       models.PositionSide
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
}

// OrderAck is the venue's acknowledgement of one order.
type OrderAck struct {
	OrderID      string
	Status       string
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
}

// Trailing parameterises a trailing stop: exactly one of Percent (callback
// rate) or Distance (absolute offset) is set, per venue support.
type Trailing struct {
	Percent  decimal.Decimal
	Distance decimal.Decimal
}

// BracketSpec is an entry order plus both protective exits, for venues with
// a native bracket primitive.
type BracketSpec struct {
	Symbol          string
	Side            models.OrderSide
	Quantity        decimal.Decimal
	EntryType       models.OrderType
	LimitPrice      decimal.Decimal
	TakeProfitPrice decimal.Decimal
	StopLossPrice   decimal.Decimal
	StopLimitPrice  decimal.Decimal
	ExtendedHours   bool
}

// OTOSpec is an entry that triggers a single exit order once filled.
type OTOSpec struct {
	Symbol        string
	Side          models.OrderSide
	Quantity      decimal.Decimal
	EntryType     models.OrderType
	LimitPrice    decimal.Decimal
	ExitPrice     decimal.Decimal
	ExitIsStop    bool
	ExtendedHours bool
}

// OCOSpec is a one-cancels-other pair of exits for an existing position.
type OCOSpec struct {
	Symbol          string
	Side            models.OrderSide // side of the exit orders
	Quantity        decimal.Decimal
	TakeProfitPrice decimal.Decimal
	StopLossPrice   decimal.Decimal
	StopLimitPrice  decimal.Decimal
}

// CompoundAck reports the order ids created by a compound placement.
// Venues that return a single envelope id leave the leg ids empty.
type CompoundAck struct {
	EntryOrderID      string
	TakeProfitOrderID string
	StopLossOrderID   string
	Status            string
	AvgFillPrice      decimal.Decimal
}

// Adapter is the uniform contract over a venue's trading API. Adapters
// encapsulate the venue's authentication scheme entirely; callers never see
// tokens, signatures, or renewal. All operations accept the intent-form
// symbol (e.g. BTCUSDT, EUR_USD, AAPL) and map it to the venue-native form
// internally. Quantity and price arguments arrive unrounded; the adapter
// rounds per venue lot and tick rules and sends the rounded value.
type Adapter interface {
	Name() string
	Capabilities() Capabilities

	// CheckConnection performs a cheap authenticated call, for probes.
	CheckConnection(ctx context.Context) error

	GetBalance(ctx context.Context) ([]Balance, error)
	GetAvailableMargin(ctx context.Context) (decimal.Decimal, error)
	GetPositions(ctx context.Context) ([]PositionSnapshot, error)
	GetPosition(ctx context.Context, symbol string) (*PositionSnapshot, error)
	HasOpenPosition(ctx context.Context, symbol string) (bool, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)

	PlaceMarketOrder(ctx context.Context, symbol string, side models.OrderSide, qty decimal.Decimal) (*OrderAck, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side models.OrderSide, qty, price decimal.Decimal) (*OrderAck, error)
	// PlaceStopLoss places a stop-market order, or a stop-limit when
	// limitPrice is non-zero and the venue supports it.
	PlaceStopLoss(ctx context.Context, symbol string, side models.OrderSide, qty, stopPrice, limitPrice decimal.Decimal) (*OrderAck, error)
	PlaceTakeProfit(ctx context.Context, symbol string, side models.OrderSide, qty, price decimal.Decimal) (*OrderAck, error)
	PlaceTrailingStop(ctx context.Context, symbol string, side models.OrderSide, qty decimal.Decimal, trail Trailing) (*OrderAck, error)

	// ClosePosition submits a reduce-only order where the venue provides
	// such a flag.
	ClosePosition(ctx context.Context, symbol string, side models.OrderSide, qty decimal.Decimal) (*OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error

	// Compound primitives; ErrUnsupported where the capability flag is off.
	PlaceBracketOrder(ctx context.Context, spec BracketSpec) (*CompoundAck, error)
	PlaceOCOOrder(ctx context.Context, spec OCOSpec) (*CompoundAck, error)
	PlaceOTOOrder(ctx context.Context, spec OTOSpec) (*CompoundAck, error)
	PlaceEntryWithProtection(ctx context.Context, spec BracketSpec) (*CompoundAck, error)
	PlaceFractionalOrder(ctx context.Context, symbol string, side models.OrderSide, notional decimal.Decimal) (*OrderAck, error)

	// RoundQuantity and RoundPrice apply the venue's lot and tick rules.
	RoundQuantity(ctx context.Context, symbol string, qty decimal.Decimal) (decimal.Decimal, error)
	RoundPrice(ctx context.Context, symbol string, price decimal.Decimal) (decimal.Decimal, error)
}

// Unsupported is an embeddable base that answers every optional operation
// with ErrUnsupported. Adapters embed it and override what their venue
// actually provides.
type Unsupported struct{}

func (Unsupported) PlaceBracketOrder(context.Context, BracketSpec) (*CompoundAck, error) {
	return nil, opUnsupported("bracket order")
}

func (Unsupported) PlaceOCOOrder(context.Context, OCOSpec) (*CompoundAck, error) {
	return nil, opUnsupported("oco order")
}

func (Unsupported) PlaceOTOOrder(context.Context, OTOSpec) (*CompoundAck, error) {
	return nil, opUnsupported("oto order")
}

func (Unsupported) PlaceEntryWithProtection(context.Context, BracketSpec) (*CompoundAck, error) {
	return nil, opUnsupported("batched entry with protection")
}

func (Unsupported) PlaceFractionalOrder(context.Context, string, models.OrderSide, decimal.Decimal) (*OrderAck, error) {
	return nil, opUnsupported("fractional order")
}

func (Unsupported) PlaceTrailingStop(context.Context, string, models.OrderSide, decimal.Decimal, Trailing) (*OrderAck, error) {
	return nil, opUnsupported("trailing stop")
}

func (Unsupported) CancelAllOrders(context.Context, string) error {
	return opUnsupported("cancel all orders")
}

func (Unsupported) GetCandles(context.Context, string, string, int) ([]models.Candle, error) {
	return nil, opUnsupported("candles")
}
