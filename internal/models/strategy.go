package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// StrategyStatus is the lifecycle state of a webhook strategy definition.
type StrategyStatus string

const (
	// StrategyActive strategies accept signals.
	StrategyActive StrategyStatus = "active"
	// StrategyInactive strategies are ignored.
	StrategyInactive StrategyStatus = "inactive"
	// StrategyTesting strategies accept signals but are flagged for review.
	StrategyTesting StrategyStatus = "testing"
)

// OrderConfig carries per-strategy overrides applied when an intent does not
// name its own values.
type OrderConfig struct {
	PositionSizeUSD   decimal.Decimal `json:"position_size_usd,omitempty"`
	StopLossPercent   decimal.Decimal `json:"stop_loss_percent,omitempty"`
	TakeProfitPercent decimal.Decimal `json:"take_profit_percent,omitempty"`
	UseBracket        bool            `json:"use_bracket,omitempty"`
}

// Strategy is a webhook strategy definition.
type Strategy struct {
	ID         string         `json:"id"`
	User       string         `json:"user"`
	Name       string         `json:"name"`
	Status     StrategyStatus `json:"status"`
	AssetClass string         `json:"asset_class,omitempty"`
	Symbols    []string       `json:"symbols,omitempty"`
	RiskClass  string         `json:"risk_class,omitempty"`

	OrderConfig OrderConfig `json:"order_config"`

	// MLAssisted strategies route every signal through the ML validator
	// before execution; signals under ConfidenceThreshold are blocked.
	MLAssisted          bool            `json:"ml_assistance_enabled"`
	ConfidenceThreshold decimal.Decimal `json:"confidence_threshold"`
}

// AIStrategyStatus is the lifecycle state of an AI-engine strategy.
type AIStrategyStatus string

const (
	// AIStrategyRunning strategies are evaluated every worker tick.
	AIStrategyRunning AIStrategyStatus = "running"
	// AIStrategyPaused strategies are skipped.
	AIStrategyPaused AIStrategyStatus = "paused"
	// AIStrategyBacktesting strategies never reach live execution.
	AIStrategyBacktesting AIStrategyStatus = "backtesting"
	// AIStrategyTerminated strategies are done.
	AIStrategyTerminated AIStrategyStatus = "terminated"
)

// AIStrategy is a strategy the AI worker evaluates on its own clock.
type AIStrategy struct {
	ID           string           `json:"id"`
	User         string           `json:"user"`
	Name         string           `json:"name"`
	Status       AIStrategyStatus `json:"status"`
	Venue        string           `json:"exchange"`
	RiskProfile  string           `json:"risk_profile"`
	TargetAssets []string         `json:"target_assets"`

	PositionSizeUSD    decimal.Decimal `json:"position_size_usd"`
	MaxDrawdownPercent decimal.Decimal `json:"max_drawdown_percent"`
	LeverageMax        int             `json:"leverage_max"`
	IsPaperTrading     bool            `json:"is_paper_trading"`

	// ConfidenceThreshold splits the hybrid route: ML predictions at or
	// above it execute directly; below it the LLM decides.
	ConfidenceThreshold decimal.Decimal `json:"confidence_threshold"`
	Prompt              string          `json:"prompt,omitempty"`
}

// AIDecision is the persisted outcome of one strategy evaluation, including
// HOLDs that never produce an intent.
type AIDecision struct {
	ID         string    `json:"id"`
	User       string    `json:"user"`
	StrategyID string    `json:"strategy"`
	Symbol     string    `json:"symbol"`
	DecidedAt  time.Time `json:"decided_at"`

	Action     string          `json:"action"` // BUY | SELL | HOLD | CLOSE
	Confidence decimal.Decimal `json:"confidence_final"`
	Source     string          `json:"decision_source"` // ml | llm
	Reasoning  string          `json:"reasoning,omitempty"`
	ModelID    string          `json:"model_id,omitempty"`

	MarketSnapshot      map[string]float64 `json:"market_snapshot,omitempty"`
	TechnicalIndicators map[string]float64 `json:"technical_indicators,omitempty"`
}

// ValidationResult is a row in the strategy validation log written whenever
// the ML gate evaluates (and possibly blocks) an inbound signal.
type ValidationResult struct {
	User       string          `json:"user"`
	StrategyID string          `json:"strategy"`
	SignalID   string          `json:"signal_id,omitempty"`
	Symbol     string          `json:"symbol"`
	Result     string          `json:"validation_result"` // allowed | blocked | error
	Confidence decimal.Decimal `json:"confidence"`
	Threshold  decimal.Decimal `json:"threshold"`
	Reasons    []string        `json:"reasons,omitempty"`
	CheckedAt  time.Time       `json:"checked_at"`
}
