// Package models defines the domain types shared across the gateway:
// trading intents, positions, closed trades, policies, and notifications.
// All monetary quantities use decimal.Decimal; float64 is reserved for
// analytics (indicator features) that never touch an order.
package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Action is the normalised trading instruction carried by an intent.
type Action string

const (
	// ActionBuy opens or reverses into a long position.
	ActionBuy Action = "buy"
	// ActionSell opens or reverses into a short position.
	ActionSell Action = "sell"
	// ActionClose closes (fully or partially) an existing position.
	ActionClose Action = "close"
)

// Valid returns true if the Action is one of the defined constants.
func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionClose:
		return true
	default:
		return false
	}
}

// ParseAction maps a wire action to the canonical form. The deprecated
// aliases "long" and "short" fold into buy/sell.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return ActionBuy, nil
	case "sell", "short":
		return ActionSell, nil
	case "close":
		return ActionClose, nil
	default:
		return "", fmt.Errorf("unsupported action %q", s)
	}
}

// OrderType is the entry order style requested by an intent.
type OrderType string

const (
	// OrderTypeMarket executes at the venue's current price.
	OrderTypeMarket OrderType = "market"
	// OrderTypeLimit executes at the intent's limit price or better.
	OrderTypeLimit OrderType = "limit"
)

// OrderSide is the direction of an individual order sent to a venue.
type OrderSide string

const (
	// OrderBuy is the buy side of an order.
	OrderBuy OrderSide = "buy"
	// OrderSell is the sell side of an order.
	OrderSell OrderSide = "sell"
)

// Opposite returns the other side, used for protective and closing orders.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderBuy {
		return OrderSell
	}
	return OrderBuy
}

// PredictionSide selects the contract leg on prediction-market venues.
type PredictionSide string

const (
	// PredictionYes buys/sells the YES contract.
	PredictionYes PredictionSide = "yes"
	// PredictionNo buys/sells the NO contract.
	PredictionNo PredictionSide = "no"
)

// SourceWebhook and SourceAIEngine tag where an intent originated.
const (
	SourceWebhook  = "webhook"
	SourceAIEngine = "ai_engine"
)

// OptionLeg carries the option-specific extras an equities venue needs.
type OptionLeg struct {
	Right      string          `json:"right"` // "call" | "put"
	Strike     decimal.Decimal `json:"strike"`
	Expiration string          `json:"expiration"` // YYYY-MM-DD
}

// Intent is the normalised internal representation of a trading instruction,
// whether it arrived as a webhook or was synthesised by the AI worker.
// Downstream code sees canonical names only; alias folding happens at the
// webhook boundary.
type Intent struct {
	User      string    `json:"user"`
	Venue     string    `json:"venue"`
	Action    Action    `json:"action"`
	Symbol    string    `json:"symbol"`
	OrderType OrderType `json:"order_type"`

	LimitPrice        decimal.Decimal `json:"limit_price,omitempty"`
	PositionSizeUSD   decimal.Decimal `json:"position_size_usd,omitempty"`
	StopLossPercent   decimal.Decimal `json:"stop_loss_percent,omitempty"`
	TakeProfitPercent decimal.Decimal `json:"take_profit_percent,omitempty"`
	TrailingDistance  decimal.Decimal `json:"trailing_distance,omitempty"`
	TrailingPercent   decimal.Decimal `json:"trailing_percent,omitempty"`
	StopLimitOffset   decimal.Decimal `json:"stop_limit_offset,omitempty"`
	SellPercentage    decimal.Decimal `json:"sell_percentage,omitempty"`

	UseBracket    bool `json:"use_bracket,omitempty"`
	UseOCO        bool `json:"use_oco,omitempty"`
	UseOTO        bool `json:"use_oto,omitempty"`
	ExtendedHours bool `json:"extended_hours,omitempty"`

	StrategyID string `json:"strategy_id,omitempty"`
	SignalID   string `json:"signal_id,omitempty"`
	Source     string `json:"source,omitempty"`

	Option     *OptionLeg     `json:"option,omitempty"`
	Prediction PredictionSide `json:"prediction_side,omitempty"`
}

// EntrySide maps the intent's action to the order side used for entry.
// Only meaningful for buy/sell intents.
func (in *Intent) EntrySide() OrderSide {
	if in.Action == ActionSell {
		return OrderSell
	}
	return OrderBuy
}

// Validate checks the fields every intent must carry before execution.
func (in *Intent) Validate() error {
	if in.User == "" {
		return fmt.Errorf("intent missing user")
	}
	if in.Venue == "" {
		return fmt.Errorf("intent missing venue")
	}
	if in.Symbol == "" {
		return fmt.Errorf("intent missing symbol")
	}
	if !in.Action.Valid() {
		return fmt.Errorf("intent has invalid action %q", in.Action)
	}
	if in.OrderType != OrderTypeMarket && in.OrderType != OrderTypeLimit {
		return fmt.Errorf("intent has invalid order type %q", in.OrderType)
	}
	if in.OrderType == OrderTypeLimit && !in.LimitPrice.IsPositive() {
		return fmt.Errorf("limit order requires a positive limit_price")
	}
	if in.SellPercentage.IsNegative() {
		return fmt.Errorf("sell_percentage must be positive")
	}
	return nil
}
