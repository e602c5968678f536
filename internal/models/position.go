package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	// SideLong marks a position that profits when price rises.
	SideLong PositionSide = "long"
	// SideShort marks a position that profits when price falls.
	SideShort PositionSide = "short"
)

// CloseSide returns the order side that reduces the position.
func (s PositionSide) CloseSide() OrderSide {
	if s == SideLong {
		return OrderSell
	}
	return OrderBuy
}

// EntryOrderSide returns the order side that opened the position.
func (s PositionSide) EntryOrderSide() OrderSide {
	if s == SideLong {
		return OrderBuy
	}
	return OrderSell
}

// SideForAction maps an entry action to the position side it produces.
func SideForAction(a Action) PositionSide {
	if a == ActionSell {
		return SideShort
	}
	return SideLong
}

// StopLossType distinguishes how a position's stop is held at the venue.
type StopLossType string

const (
	// StopRegular is a plain stop-market order.
	StopRegular StopLossType = "regular"
	// StopLimit is a stop order that becomes a limit order on trigger.
	StopLimit StopLossType = "stop_limit"
	// StopTrailing is a venue-side trailing stop.
	StopTrailing StopLossType = "trailing"
)

// Position is an open position record. At most one exists per
// (user, venue, symbol) at any time; the tracker enforces that invariant.
// The venue is authoritative for current size and mark price; this record is
// authoritative for the adjunct metadata (protective order ids, trailing
// parameters, strategy reference) that the venue does not retain.
type Position struct {
	ID     string       `json:"id"`
	User   string       `json:"user"`
	Venue  string       `json:"exchange"`
	Symbol string       `json:"symbol"`
	Side   PositionSide `json:"side"`

	Quantity        decimal.Decimal `json:"qty"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	EntryTime       time.Time       `json:"entry_time"`
	PositionSizeUSD decimal.Decimal `json:"position_size_usd"`

	StopLossPrice    decimal.Decimal `json:"stop_loss_price,omitempty"`
	TakeProfitPrice  decimal.Decimal `json:"take_profit_price,omitempty"`
	EntryOrderID     string          `json:"entry_order_id,omitempty"`
	StopLossOrderID  string          `json:"stop_loss_order_id,omitempty"`
	TakeProfitOrderID string         `json:"take_profit_order_id,omitempty"`
	StopLossType     StopLossType    `json:"stop_loss_type,omitempty"`
	TrailingDistance decimal.Decimal `json:"trailing_distance,omitempty"`
	TrailingPercent  decimal.Decimal `json:"trailing_percent,omitempty"`

	AssetClass string `json:"asset_class,omitempty"`
	StrategyID string `json:"strategy_id,omitempty"`
}

// MissingProtection reports whether a protective leg failed at entry and
// was recorded with a null order id, so operators can repair it.
func (p *Position) MissingProtection() bool {
	wantSL := !p.StopLossPrice.IsZero() || p.StopLossType == StopTrailing
	wantTP := !p.TakeProfitPrice.IsZero()
	return (wantSL && p.StopLossOrderID == "") || (wantTP && p.TakeProfitOrderID == "")
}

// ExitReason classifies why a trade was closed.
type ExitReason string

const (
	// ExitTakeProfit means the take-profit leg filled.
	ExitTakeProfit ExitReason = "take_profit"
	// ExitStopLoss means the stop-loss leg filled.
	ExitStopLoss ExitReason = "stop_loss"
	// ExitManual means a close intent arrived from outside.
	ExitManual ExitReason = "manual"
	// ExitReversal means an opposite-side signal closed the position
	// before opening the new one.
	ExitReversal ExitReason = "reversal"
	// ExitAutoCloseWindow means the trading-window policy closed it.
	ExitAutoCloseWindow ExitReason = "auto_close_window"
	// ExitTime means a time-based exit fired.
	ExitTime ExitReason = "time_exit"
)

// ClosedTrade is the immutable record written when a position (or part of
// one) is closed.
type ClosedTrade struct {
	ID     string       `json:"id"`
	User   string       `json:"user"`
	Venue  string       `json:"exchange"`
	Symbol string       `json:"symbol"`
	Side   PositionSide `json:"side"`

	EntryPrice decimal.Decimal `json:"entry_price"`
	EntryTime  time.Time       `json:"entry_time"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	ExitTime   time.Time       `json:"exit_time"`

	Quantity        decimal.Decimal `json:"qty"`
	PositionSizeUSD decimal.Decimal `json:"position_size_usd"`
	PnLUSD          decimal.Decimal `json:"pnl_usd"`
	PnLPercent      decimal.Decimal `json:"pnl_percent"`
	IsWinner        bool            `json:"is_winner"`

	ExitReason ExitReason `json:"exit_reason"`
	OrderID    string     `json:"order_id,omitempty"`
	AssetClass string     `json:"asset_class,omitempty"`
	StrategyID string     `json:"strategy_id,omitempty"`
}

// ComputePnL returns realised PnL in quote currency for the given fill:
// qty × (exit − entry) for a long, negated for a short.
func ComputePnL(side PositionSide, qty, entry, exit decimal.Decimal) decimal.Decimal {
	pnl := exit.Sub(entry).Mul(qty)
	if side == SideShort {
		pnl = pnl.Neg()
	}
	return pnl
}

// ComputePnLPercent returns PnL as a percentage of the entry notional.
// Zero entry notional yields zero rather than a division error.
func ComputePnLPercent(side PositionSide, entry, exit decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	pct := exit.Sub(entry).Div(entry).Mul(decimal.NewFromInt(100))
	if side == SideShort {
		pct = pct.Neg()
	}
	return pct
}
