package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/patchwell/signalgate/internal/models"
)

// payload is the wire form of an inbound webhook. Producers use two field
// conventions interchangeably, so the aliased keys are accepted here and
// folded into the canonical intent; downstream code never sees them.
type payload struct {
	Secret   string `json:"secret"`
	Exchange string `json:"exchange"`
	Action   string `json:"action"`
	Symbol   string `json:"symbol"`

	OrderType      string `json:"order_type"`
	OrderTypeAlias string `json:"orderType"`

	LimitPrice      decimal.Decimal `json:"limit_price"`
	PositionSizeUSD decimal.Decimal `json:"position_size_usd"`

	StopLossPercent   decimal.Decimal `json:"stop_loss_percent"`
	StopLossAlias     decimal.Decimal `json:"stopLoss"`
	TakeProfitPercent decimal.Decimal `json:"take_profit_percent"`
	TakeProfitAlias   decimal.Decimal `json:"takeProfit"`

	TrailingDistance decimal.Decimal `json:"trailing_distance"`
	TrailingPercent  decimal.Decimal `json:"trailing_percent"`
	StopLimitOffset  decimal.Decimal `json:"stop_limit_offset"`
	SellPercentage   decimal.Decimal `json:"sell_percentage"`

	UseBracket         bool `json:"use_bracket"`
	UseOCO             bool `json:"use_oco"`
	UseOTO             bool `json:"use_oto"`
	ExtendedHours      bool `json:"extended_hours"`
	ExtendedHoursAlias bool `json:"extendedHours"`

	StrategyID string `json:"strategy_id"`
	SignalID   string `json:"signal_id"`

	Option     *models.OptionLeg `json:"option"`
	Prediction string            `json:"prediction_side"`
}

func firstPositive(a, b decimal.Decimal) decimal.Decimal {
	if a.IsPositive() {
		return a
	}
	return b
}

// normalise folds aliases and validates the payload into an intent.
// warnings report coercions that changed the caller's values.
func (p *payload) normalise(user string) (*models.Intent, []string, error) {
	if p.Exchange == "" {
		return nil, nil, fmt.Errorf("missing required field: exchange")
	}
	if p.Symbol == "" {
		return nil, nil, fmt.Errorf("missing required field: symbol")
	}
	action, err := models.ParseAction(p.Action)
	if err != nil {
		return nil, nil, err
	}

	orderType := p.OrderType
	if orderType == "" {
		orderType = p.OrderTypeAlias
	}
	if orderType == "" {
		orderType = string(models.OrderTypeMarket)
	}
	if orderType != string(models.OrderTypeMarket) && orderType != string(models.OrderTypeLimit) {
		return nil, nil, fmt.Errorf("unsupported order_type %q", orderType)
	}

	var warnings []string
	hundred := decimal.NewFromInt(100)
	sellPct := p.SellPercentage
	if !sellPct.IsZero() && (sellPct.IsNegative() || sellPct.GreaterThan(hundred)) {
		warnings = append(warnings, fmt.Sprintf("sell_percentage %s outside (0,100], coerced to 100", sellPct))
		sellPct = hundred
	}

	in := &models.Intent{
		User:      user,
		Venue:     p.Exchange,
		Action:    action,
		Symbol:    p.Symbol,
		OrderType: models.OrderType(orderType),

		LimitPrice:        p.LimitPrice,
		PositionSizeUSD:   p.PositionSizeUSD,
		StopLossPercent:   firstPositive(p.StopLossPercent, p.StopLossAlias),
		TakeProfitPercent: firstPositive(p.TakeProfitPercent, p.TakeProfitAlias),
		TrailingDistance:  p.TrailingDistance,
		TrailingPercent:   p.TrailingPercent,
		StopLimitOffset:   p.StopLimitOffset,
		SellPercentage:    sellPct,

		UseBracket:    p.UseBracket,
		UseOCO:        p.UseOCO,
		UseOTO:        p.UseOTO,
		ExtendedHours: p.ExtendedHours || p.ExtendedHoursAlias,

		StrategyID: p.StrategyID,
		SignalID:   p.SignalID,
		Source:     models.SourceWebhook,

		Option:     p.Option,
		Prediction: models.PredictionSide(p.Prediction),
	}
	if err := in.Validate(); err != nil {
		return nil, warnings, err
	}
	return in, warnings, nil
}

// redactPayload returns the request body with the secret replaced, for the
// append-only request log. Unparseable bodies are logged as a placeholder
// rather than raw, since raw bytes could still carry the secret.
func redactPayload(body []byte) string {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return `{"unparseable":true}`
	}
	if _, ok := raw["secret"]; ok {
		redacted, _ := json.Marshal(models.SecretRedacted)
		raw["secret"] = redacted
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return `{"unparseable":true}`
	}
	return string(out)
}
