// Package executor turns normalised intents into venue orders. It owns the
// open/close state machine: pre-dispatch gating (ML validation, weekly risk
// caps, trading window), position sizing, capability-planned protective
// legs, reversals, partial closes, and the persistence and notifications
// that follow each transition.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/patchwell/signalgate/internal/mlgate"
	"github.com/patchwell/signalgate/internal/models"
	"github.com/patchwell/signalgate/internal/notify"
	"github.com/patchwell/signalgate/internal/risk"
	"github.com/patchwell/signalgate/internal/settings"
	"github.com/patchwell/signalgate/internal/store"
	"github.com/patchwell/signalgate/internal/tracker"
	"github.com/patchwell/signalgate/internal/util"
	"github.com/patchwell/signalgate/internal/venue"
)

// Code classifies an outcome for transport mapping. The HTTP layer decides
// status codes; the executor only names what happened.
type Code string

const (
	// CodeOK covers executed opens and closes, idempotent skips, and
	// benign nothing-to-close results.
	CodeOK Code = "ok"
	// CodeBlocked means the ML gate vetoed the signal.
	CodeBlocked Code = "blocked_by_ml"
	// CodeOverLimit means a weekly risk cap denied the trade.
	CodeOverLimit Code = "over_limit"
	// CodeOutsideWindow means the trading-window policy rejected an entry.
	CodeOutsideWindow Code = "outside_window"
	// CodeRejected covers policy rejections other than the window.
	CodeRejected Code = "rejected"
)

// Result is the executor's answer for one intent.
type Result struct {
	Success bool   `json:"success"`
	Action  string `json:"action,omitempty"` // opened | closed | partial_close | skipped | none
	Message string `json:"message,omitempty"`
	Symbol  string `json:"symbol,omitempty"`

	OrderID string          `json:"order_id,omitempty"`
	PnLUSD  decimal.Decimal `json:"pnl_usd,omitzero"`

	BlockedByML bool            `json:"blocked_by_ml,omitempty"`
	Confidence  decimal.Decimal `json:"confidence,omitzero"`
	Threshold   decimal.Decimal `json:"threshold,omitzero"`

	Code Code `json:"-"`
}

// Gate is the slice of the ML client the executor needs.
type Gate interface {
	ValidateSignal(ctx context.Context, req mlgate.ValidationRequest) (*mlgate.ValidationResponse, error)
}

// AdapterSource resolves (user, venue) to a live adapter; the registry
// implements it.
type AdapterSource interface {
	Get(ctx context.Context, user, venueName string) (venue.Adapter, error)
}

// Config carries the executor's static fallbacks.
type Config struct {
	// DefaultPositionSizeUSD is the last resort when neither the intent,
	// the strategy, nor the venue settings name a size. Zero means refuse.
	DefaultPositionSizeUSD decimal.Decimal
	// FractionalNotionalMax routes market entries below this notional
	// through the adapter's fractional primitive where supported.
	FractionalNotionalMax decimal.Decimal
	// ReversalSettleDelay is the pause between the reversal close and the
	// new entry, giving the venue time to settle the reduce-only fill.
	ReversalSettleDelay time.Duration
}

// Executor runs the trade state machine.
type Executor struct {
	adapters AdapterSource
	tracker  *tracker.Tracker
	settings *settings.Service
	risk     *risk.Engine
	gate     Gate
	store    store.Interface
	notify   notify.Sink
	logger   *logrus.Entry
	cfg      Config

	keys keyedMutex
}

// New wires the executor. gate may be nil when no ML service is configured.
func New(adapters AdapterSource, tr *tracker.Tracker, st *settings.Service, rk *risk.Engine,
	gate Gate, db store.Interface, sink notify.Sink, cfg Config, logger *logrus.Logger) *Executor {
	if cfg.ReversalSettleDelay == 0 {
		cfg.ReversalSettleDelay = 2 * time.Second
	}
	return &Executor{
		adapters: adapters,
		tracker:  tr,
		settings: st,
		risk:     rk,
		gate:     gate,
		store:    db,
		notify:   sink,
		logger:   logger.WithField("component", "executor"),
		cfg:      cfg,
	}
}

// Execute runs one intent through the guard chain and the state machine.
// Policy outcomes come back as a Result; returned errors are internal
// faults the transport should map to a 5xx.
func (e *Executor) Execute(ctx context.Context, in *models.Intent) (*Result, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	adapter, err := e.adapters.Get(ctx, in.User, in.Venue)
	if err != nil {
		return nil, fmt.Errorf("resolving adapter: %w", err)
	}
	symbol, err := effectiveSymbol(in, adapter.Capabilities())
	if err != nil {
		return &Result{Code: CodeRejected, Message: err.Error()}, nil
	}

	unlock := e.keys.lock(in.User + "|" + in.Venue + "|" + symbol)
	defer unlock()

	cfg := e.settings.Get(ctx, in.User, in.Venue)
	if !cfg.SymbolAllowed(symbol) {
		return &Result{Code: CodeRejected, Symbol: symbol, Message: "symbol not allowed by venue settings"}, nil
	}

	strategy := e.loadStrategy(ctx, in)
	if strategy != nil && strategy.Status == models.StrategyInactive {
		return &Result{Code: CodeRejected, Symbol: symbol, Message: "strategy is inactive"}, nil
	}

	if res := e.mlGuard(ctx, in, strategy, symbol); res != nil {
		return res, nil
	}

	if in.Action == models.ActionBuy || in.Action == models.ActionSell {
		if res := e.riskGuard(ctx, in, cfg.Risk); res != nil {
			return res, nil
		}
		if !cfg.Window.Contains(time.Now()) {
			return &Result{
				Code:    CodeOutsideWindow,
				Symbol:  symbol,
				Message: fmt.Sprintf("OUTSIDE_WINDOW: %s", cfg.Window),
			}, nil
		}
		return e.open(ctx, in, strategy, cfg, adapter, symbol)
	}

	return e.close(ctx, in, adapter, symbol, models.ExitManual)
}

// CloseOutsideWindows runs one auto-close sweep: every tracked position
// whose venue settings request it and whose trading window excludes now is
// closed with the auto-close exit reason. The caller owns the cadence.
func (e *Executor) CloseOutsideWindows(ctx context.Context) {
	now := time.Now()
	for _, pos := range e.tracker.All() {
		if ctx.Err() != nil {
			return
		}
		cfg := e.settings.Get(ctx, pos.User, pos.Venue)
		if !cfg.Window.AutoCloseOutsideWindow || cfg.Window.Contains(now) {
			continue
		}
		e.autoCloseOutsideWindow(ctx, pos)
	}
}

func (e *Executor) autoCloseOutsideWindow(ctx context.Context, pos models.Position) {
	log := e.logger.WithFields(logrus.Fields{
		"user":   pos.User,
		"venue":  pos.Venue,
		"symbol": pos.Symbol,
	})

	adapter, err := e.adapters.Get(ctx, pos.User, pos.Venue)
	if err != nil {
		log.WithError(err).Warn("resolving adapter for window auto-close")
		return
	}

	unlock := e.keys.lock(pos.User + "|" + pos.Venue + "|" + pos.Symbol)
	defer unlock()

	in := &models.Intent{
		User:   pos.User,
		Venue:  pos.Venue,
		Action: models.ActionClose,
		Symbol: pos.Symbol,
	}
	res, err := e.close(ctx, in, adapter, pos.Symbol, models.ExitAutoCloseWindow)
	if err != nil {
		log.WithError(err).Error("window auto-close failed")
		return
	}
	log.WithField("result", res.Action).Info("position closed outside trading window")
}

// effectiveSymbol folds option legs and prediction sides into the symbol
// form the adapters understand.
func effectiveSymbol(in *models.Intent, caps venue.Capabilities) (string, error) {
	switch {
	case in.Option != nil:
		if !caps.Options {
			return "", fmt.Errorf("venue %s does not trade options", in.Venue)
		}
		return util.OCCSymbol(in.Symbol, in.Option.Right, in.Option.Expiration, in.Option.Strike)
	case in.Prediction == models.PredictionNo:
		if !caps.Prediction {
			return "", fmt.Errorf("venue %s does not trade prediction legs", in.Venue)
		}
		return in.Symbol + ":no", nil
	default:
		return in.Symbol, nil
	}
}

func (e *Executor) loadStrategy(ctx context.Context, in *models.Intent) *models.Strategy {
	if in.StrategyID == "" {
		return nil
	}
	s, err := e.store.GetStrategy(ctx, in.User, in.StrategyID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.WithError(err).WithField("strategy", in.StrategyID).Warn("strategy lookup failed")
		}
		return nil
	}
	return s
}

// mlGuard consults the validator for ML-assisted strategies. A transport
// failure fails open; a sub-threshold verdict blocks the trade.
func (e *Executor) mlGuard(ctx context.Context, in *models.Intent, strategy *models.Strategy, symbol string) *Result {
	if strategy == nil || !strategy.MLAssisted || e.gate == nil {
		return nil
	}

	verdict, err := e.gate.ValidateSignal(ctx, mlgate.ValidationRequest{
		User:            in.User,
		StrategyID:      strategy.ID,
		SignalID:        in.SignalID,
		Symbol:          symbol,
		Action:          string(in.Action),
		Venue:           in.Venue,
		PositionSizeUSD: in.PositionSizeUSD,
	})
	if err != nil {
		e.logger.WithError(err).WithField("strategy", strategy.ID).Warn("ml validation unavailable, failing open")
		e.recordValidation(ctx, in, strategy, symbol, "error", decimal.Zero, nil)
		return nil
	}

	blocked := verdict.Confidence.LessThan(strategy.ConfidenceThreshold)
	result := "allowed"
	if blocked {
		result = "blocked"
	}
	e.recordValidation(ctx, in, strategy, symbol, result, verdict.Confidence, verdict.Reasons)

	if !blocked {
		return nil
	}
	e.notify.Send(in.User, models.NotifyAIBlocked, "Trade blocked by ML",
		fmt.Sprintf("%s %s on %s blocked: confidence %s below threshold %s",
			in.Action, symbol, in.Venue, verdict.Confidence, strategy.ConfidenceThreshold),
		map[string]string{
			"venue":    in.Venue,
			"symbol":   symbol,
			"strategy": strategy.ID,
		})
	return &Result{
		Code:        CodeBlocked,
		Symbol:      symbol,
		BlockedByML: true,
		Confidence:  verdict.Confidence,
		Threshold:   strategy.ConfidenceThreshold,
		Message:     strings.Join(verdict.Reasons, "; "),
	}
}

func (e *Executor) recordValidation(ctx context.Context, in *models.Intent, strategy *models.Strategy,
	symbol, result string, confidence decimal.Decimal, reasons []string) {
	err := e.store.InsertValidationResult(ctx, &models.ValidationResult{
		User:       in.User,
		StrategyID: strategy.ID,
		SignalID:   in.SignalID,
		Symbol:     symbol,
		Result:     result,
		Confidence: confidence,
		Threshold:  strategy.ConfidenceThreshold,
		Reasons:    reasons,
		CheckedAt:  time.Now().UTC(),
	})
	if err != nil {
		e.logger.WithError(err).Warn("writing validation log")
	}
}

// riskGuard denies entries over a weekly cap, with a one-shot breach
// notification per (venue, limit, week).
func (e *Executor) riskGuard(ctx context.Context, in *models.Intent, policy models.RiskPolicy) *Result {
	decision := e.risk.Check(ctx, in.User, in.Venue, policy)
	if decision.Allowed {
		return nil
	}

	var title, detail string
	if decision.Reason == risk.ReasonTradeCap {
		title = "Weekly Trade Limit Reached"
		detail = fmt.Sprintf("%s (max_trades_per_week: %d/%d)", decision.Reason, decision.TradesUsed, decision.TradesCap)
	} else {
		title = "Weekly Loss Limit Reached"
		detail = fmt.Sprintf("%s (max_loss_per_week_usd: %s/%s)", decision.Reason, decision.LossUSD, decision.LossCapUSD)
	}

	weekStart := risk.WeekStart(time.Now())
	breachKey := fmt.Sprintf("%s:%s:%d", in.Venue, decision.Reason, weekStart.Unix())
	seen, err := e.store.HasNotificationSince(ctx, in.User, models.NotifyRiskLimit, "limit", breachKey, weekStart)
	if err != nil {
		e.logger.WithError(err).Warn("breach notification dedup check failed")
	}
	if !seen {
		e.notify.Send(in.User, models.NotifyRiskLimit, title,
			fmt.Sprintf("%s on %s", detail, in.Venue),
			map[string]string{"venue": in.Venue, "limit": breachKey})
	}
	return &Result{
		Code:    CodeOverLimit,
		Message: detail,
	}
}

// open runs the entry state machine for buy/sell intents.
func (e *Executor) open(ctx context.Context, in *models.Intent, strategy *models.Strategy,
	cfg *models.VenueSettings, adapter venue.Adapter, symbol string) (*Result, error) {

	wantSide := models.SideForAction(in.Action)

	if tracked := e.tracker.Get(in.User, in.Venue, symbol); tracked != nil {
		snap, err := adapter.GetPosition(ctx, symbol)
		if err != nil && !errors.Is(err, venue.ErrNoPosition) {
			return nil, fmt.Errorf("confirming position at venue: %w", err)
		}
		switch {
		case snap == nil:
			// Tracker is stale; the venue has no position anymore.
			e.tracker.Remove(in.User, in.Venue, symbol)
			if err := e.store.DeletePosition(ctx, in.User, in.Venue, symbol); err != nil {
				e.logger.WithError(err).Warn("removing stale position record")
			}
		case snap.Side == wantSide:
			// Same-side duplicate: nothing executed, so success is false,
			// but the outcome is benign.
			return &Result{
				Code:    CodeOK,
				Action:  "skipped",
				Symbol:  symbol,
				Message: fmt.Sprintf("%s position already open", wantSide),
			}, nil
		default:
			// Reversal: close the opposite position, let the venue settle,
			// then fall through to the new entry.
			if _, err := e.close(ctx, in, adapter, symbol, models.ExitReversal); err != nil {
				return nil, fmt.Errorf("closing for reversal: %w", err)
			}
			select {
			case <-time.After(e.cfg.ReversalSettleDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return e.openNew(ctx, in, strategy, cfg, adapter, symbol, wantSide)
}

// resolveSize walks the sizing fallback chain.
func (e *Executor) resolveSize(in *models.Intent, strategy *models.Strategy, cfg *models.VenueSettings) decimal.Decimal {
	if in.PositionSizeUSD.IsPositive() {
		return in.PositionSizeUSD
	}
	if strategy != nil && strategy.OrderConfig.PositionSizeUSD.IsPositive() {
		return strategy.OrderConfig.PositionSizeUSD
	}
	if cfg.DefaultPositionSizeUSD.IsPositive() {
		return cfg.DefaultPositionSizeUSD
	}
	return e.cfg.DefaultPositionSizeUSD
}

func protectivePrices(in *models.Intent, strategy *models.Strategy, side models.PositionSide,
	ref decimal.Decimal) (stop, take decimal.Decimal) {
	slPct := in.StopLossPercent
	tpPct := in.TakeProfitPercent
	if strategy != nil {
		if slPct.IsZero() {
			slPct = strategy.OrderConfig.StopLossPercent
		}
		if tpPct.IsZero() {
			tpPct = strategy.OrderConfig.TakeProfitPercent
		}
	}
	hundred := decimal.NewFromInt(100)
	if slPct.IsPositive() {
		off := ref.Mul(slPct).Div(hundred)
		if side == models.SideLong {
			stop = ref.Sub(off)
		} else {
			stop = ref.Add(off)
		}
	}
	if tpPct.IsPositive() {
		off := ref.Mul(tpPct).Div(hundred)
		if side == models.SideLong {
			take = ref.Add(off)
		} else {
			take = ref.Sub(off)
		}
	}
	return stop, take
}

func (e *Executor) openNew(ctx context.Context, in *models.Intent, strategy *models.Strategy,
	cfg *models.VenueSettings, adapter venue.Adapter, symbol string, side models.PositionSide) (*Result, error) {

	log := e.logger.WithFields(logrus.Fields{
		"user":   in.User,
		"venue":  in.Venue,
		"symbol": symbol,
		"side":   side,
	})

	sizeUSD := e.resolveSize(in, strategy, cfg)
	if !sizeUSD.IsPositive() {
		return &Result{Code: CodeRejected, Symbol: symbol,
			Message: "no position size configured for this intent"}, nil
	}

	// The ticker is fail-closed: without a sane reference price neither
	// sizing nor protective levels can be trusted.
	ticker, err := adapter.GetTicker(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetching ticker for %s: %w", symbol, err)
	}
	ref := ticker.Last
	if !ref.IsPositive() && in.OrderType == models.OrderTypeLimit {
		ref = in.LimitPrice
	}
	if !ref.IsPositive() {
		return nil, fmt.Errorf("no usable reference price for %s", symbol)
	}

	qty, err := adapter.RoundQuantity(ctx, symbol, sizeUSD.Div(ref))
	if err != nil {
		return nil, fmt.Errorf("rounding quantity: %w", err)
	}

	stopPrice, takePrice := protectivePrices(in, strategy, side, ref)
	if stopPrice.IsPositive() {
		if stopPrice, err = adapter.RoundPrice(ctx, symbol, stopPrice); err != nil {
			return nil, fmt.Errorf("rounding stop price: %w", err)
		}
	}
	if takePrice.IsPositive() {
		if takePrice, err = adapter.RoundPrice(ctx, symbol, takePrice); err != nil {
			return nil, fmt.Errorf("rounding take-profit price: %w", err)
		}
	}
	caps := adapter.Capabilities()

	var stopLimitPrice decimal.Decimal
	if in.StopLimitOffset.IsPositive() && caps.StopLimit && stopPrice.IsPositive() {
		if side == models.SideLong {
			stopLimitPrice = stopPrice.Sub(in.StopLimitOffset)
		} else {
			stopLimitPrice = stopPrice.Add(in.StopLimitOffset)
		}
	}

	useFractional := caps.Fractional && in.OrderType == models.OrderTypeMarket &&
		e.cfg.FractionalNotionalMax.IsPositive() && sizeUSD.LessThan(e.cfg.FractionalNotionalMax)
	if !useFractional && !qty.IsPositive() {
		return &Result{Code: CodeRejected, Symbol: symbol,
			Message: fmt.Sprintf("position size %s USD rounds below one lot", sizeUSD)}, nil
	}

	pos := &models.Position{
		ID:              uuid.NewString(),
		User:            in.User,
		Venue:           in.Venue,
		Symbol:          symbol,
		Side:            side,
		Quantity:        qty,
		EntryPrice:      ref,
		EntryTime:       time.Now().UTC(),
		PositionSizeUSD: sizeUSD,
		StopLossPrice:   stopPrice,
		TakeProfitPrice: takePrice,
		StrategyID:      in.StrategyID,
	}

	wantTrailing := (in.TrailingPercent.IsPositive() || in.TrailingDistance.IsPositive()) && caps.TrailingStop
	useBracket := (in.UseBracket || (strategy != nil && strategy.OrderConfig.UseBracket)) && caps.Bracket
	hasProtection := stopPrice.IsPositive() || takePrice.IsPositive()

	switch {
	case useBracket && hasProtection:
		ack, err := adapter.PlaceBracketOrder(ctx, venue.BracketSpec{
			Symbol:          symbol,
			Side:            side.EntryOrderSide(),
			Quantity:        qty,
			EntryType:       in.OrderType,
			LimitPrice:      in.LimitPrice,
			TakeProfitPrice: takePrice,
			StopLossPrice:   stopPrice,
			StopLimitPrice:  stopLimitPrice,
			ExtendedHours:   in.ExtendedHours && caps.ExtendedHours,
		})
		if err != nil {
			return nil, fmt.Errorf("placing bracket order: %w", err)
		}
		applyCompoundAck(pos, ack, ref)

	case caps.AtomicEntryProtection && hasProtection:
		ack, err := adapter.PlaceEntryWithProtection(ctx, venue.BracketSpec{
			Symbol:          symbol,
			Side:            side.EntryOrderSide(),
			Quantity:        qty,
			EntryType:       in.OrderType,
			LimitPrice:      in.LimitPrice,
			TakeProfitPrice: takePrice,
			StopLossPrice:   stopPrice,
			StopLimitPrice:  stopLimitPrice,
		})
		if err != nil {
			return nil, fmt.Errorf("placing protected entry: %w", err)
		}
		applyCompoundAck(pos, ack, ref)
		if pos.MissingProtection() {
			e.reportProtectiveFailure(log, in, pos, errors.New("venue rejected a protective leg"))
		}

	case in.UseOTO && caps.OTO && hasProtection:
		exit := takePrice
		exitIsStop := false
		if stopPrice.IsPositive() {
			exit = stopPrice
			exitIsStop = true
		}
		ack, err := adapter.PlaceOTOOrder(ctx, venue.OTOSpec{
			Symbol:        symbol,
			Side:          side.EntryOrderSide(),
			Quantity:      qty,
			EntryType:     in.OrderType,
			LimitPrice:    in.LimitPrice,
			ExitPrice:     exit,
			ExitIsStop:    exitIsStop,
			ExtendedHours: in.ExtendedHours && caps.ExtendedHours,
		})
		if err != nil {
			return nil, fmt.Errorf("placing oto order: %w", err)
		}
		applyCompoundAck(pos, ack, ref)

	default:
		if err := e.plainEntry(ctx, in, adapter, pos, useFractional, sizeUSD, qty); err != nil {
			return nil, err
		}
		e.placeSeparateLegs(ctx, in, adapter, pos, stopLimitPrice, wantTrailing, log)
	}

	if wantTrailing {
		pos.StopLossType = models.StopTrailing
		pos.TrailingPercent = in.TrailingPercent
		pos.TrailingDistance = in.TrailingDistance
	} else if stopLimitPrice.IsPositive() {
		pos.StopLossType = models.StopLimit
	} else if stopPrice.IsPositive() {
		pos.StopLossType = models.StopRegular
	}

	if err := e.store.SavePosition(ctx, pos); err != nil {
		// The venue order exists; losing the record is recoverable via
		// reconciliation, so keep going.
		log.WithError(err).Error("persisting opened position")
	}
	e.tracker.Add(pos)

	e.notify.Send(in.User, models.NotifyTradeSuccess, "Trade executed",
		fmt.Sprintf("Opened %s %s on %s: qty %s at ~%s", side, symbol, in.Venue, pos.Quantity, ref),
		map[string]string{"venue": in.Venue, "symbol": symbol, "side": string(side)})

	log.WithFields(logrus.Fields{"qty": pos.Quantity, "order_id": pos.EntryOrderID}).Info("position opened")
	return &Result{
		Success: true,
		Code:    CodeOK,
		Action:  "opened",
		Symbol:  symbol,
		OrderID: pos.EntryOrderID,
	}, nil
}

func applyCompoundAck(pos *models.Position, ack *venue.CompoundAck, ref decimal.Decimal) {
	pos.EntryOrderID = ack.EntryOrderID
	pos.TakeProfitOrderID = ack.TakeProfitOrderID
	pos.StopLossOrderID = ack.StopLossOrderID
	if ack.AvgFillPrice.IsPositive() {
		pos.EntryPrice = ack.AvgFillPrice
	} else {
		pos.EntryPrice = ref
	}
}

// plainEntry submits the bare entry order: market, limit, or fractional.
func (e *Executor) plainEntry(ctx context.Context, in *models.Intent, adapter venue.Adapter,
	pos *models.Position, useFractional bool, sizeUSD, qty decimal.Decimal) error {

	var ack *venue.OrderAck
	var err error
	switch {
	case useFractional:
		ack, err = adapter.PlaceFractionalOrder(ctx, pos.Symbol, pos.Side.EntryOrderSide(), sizeUSD)
	case in.OrderType == models.OrderTypeLimit:
		ack, err = adapter.PlaceLimitOrder(ctx, pos.Symbol, pos.Side.EntryOrderSide(), qty, in.LimitPrice)
	default:
		ack, err = adapter.PlaceMarketOrder(ctx, pos.Symbol, pos.Side.EntryOrderSide(), qty)
	}
	if err != nil {
		return fmt.Errorf("placing entry order: %w", err)
	}
	pos.EntryOrderID = ack.OrderID
	if ack.FilledQty.IsPositive() {
		pos.Quantity = ack.FilledQty
	}
	if ack.AvgFillPrice.IsPositive() {
		pos.EntryPrice = ack.AvgFillPrice
	}
	return nil
}

// placeSeparateLegs places TP and SL individually after a filled entry.
// A failed leg never rolls the entry back: the position is kept with a
// null order id and flagged for repair.
func (e *Executor) placeSeparateLegs(ctx context.Context, in *models.Intent, adapter venue.Adapter,
	pos *models.Position, stopLimitPrice decimal.Decimal, wantTrailing bool, log *logrus.Entry) {

	closeSide := pos.Side.CloseSide()
	caps := adapter.Capabilities()

	if pos.TakeProfitPrice.IsPositive() && caps.TakeProfit {
		ack, err := adapter.PlaceTakeProfit(ctx, pos.Symbol, closeSide, pos.Quantity, pos.TakeProfitPrice)
		if err != nil {
			e.reportProtectiveFailure(log.WithField("leg", "take_profit"), in, pos, err)
		} else {
			pos.TakeProfitOrderID = ack.OrderID
		}
	}

	switch {
	case wantTrailing:
		ack, err := adapter.PlaceTrailingStop(ctx, pos.Symbol, closeSide, pos.Quantity, venue.Trailing{
			Percent:  in.TrailingPercent,
			Distance: in.TrailingDistance,
		})
		if err != nil {
			e.reportProtectiveFailure(log.WithField("leg", "trailing_stop"), in, pos, err)
		} else {
			pos.StopLossOrderID = ack.OrderID
		}
	case pos.StopLossPrice.IsPositive() && caps.StopLoss:
		ack, err := adapter.PlaceStopLoss(ctx, pos.Symbol, closeSide, pos.Quantity, pos.StopLossPrice, stopLimitPrice)
		if err != nil {
			e.reportProtectiveFailure(log.WithField("leg", "stop_loss"), in, pos, err)
		} else {
			pos.StopLossOrderID = ack.OrderID
		}
	}
}

func (e *Executor) reportProtectiveFailure(log *logrus.Entry, in *models.Intent, pos *models.Position, err error) {
	log.WithError(err).Error("protective leg failed, position is unprotected")
	e.notify.Send(in.User, models.NotifyProtectiveLegFailed, "Protective order failed",
		fmt.Sprintf("%s on %s is open without full protection: %v", pos.Symbol, in.Venue, err),
		map[string]string{"venue": in.Venue, "symbol": pos.Symbol, "position_id": pos.ID})
}

// close runs the close procedure. reason tags the resulting trade record.
func (e *Executor) close(ctx context.Context, in *models.Intent, adapter venue.Adapter,
	symbol string, reason models.ExitReason) (*Result, error) {

	log := e.logger.WithFields(logrus.Fields{
		"user":   in.User,
		"venue":  in.Venue,
		"symbol": symbol,
	})

	snap, err := adapter.GetPosition(ctx, symbol)
	if err != nil && !errors.Is(err, venue.ErrNoPosition) {
		return nil, fmt.Errorf("fetching position for close: %w", err)
	}

	tracked := e.tracker.Get(in.User, in.Venue, symbol)
	if tracked == nil && snap != nil {
		// The venue knows about a position we lost track of.
		if err := e.tracker.Reconcile(ctx, in.User, in.Venue, adapter); err != nil {
			return nil, fmt.Errorf("reconciling before close: %w", err)
		}
		tracked = e.tracker.Get(in.User, in.Venue, symbol)
	}

	if snap == nil {
		if tracked != nil {
			e.tracker.Remove(in.User, in.Venue, symbol)
			if err := e.store.DeletePosition(ctx, in.User, in.Venue, symbol); err != nil {
				log.WithError(err).Warn("removing stale position record")
			}
		}
		return &Result{Success: true, Code: CodeOK, Action: "none", Symbol: symbol,
			Message: "nothing to close"}, nil
	}

	side := snap.Side
	entryPrice := snap.EntryPrice
	if tracked != nil {
		side = tracked.Side
		if tracked.EntryPrice.IsPositive() {
			entryPrice = tracked.EntryPrice
		}
	}

	venueQty := snap.Quantity
	closeQty := venueQty
	partial := false
	hundred := decimal.NewFromInt(100)
	if in.SellPercentage.IsPositive() && in.SellPercentage.LessThan(hundred) {
		raw := venueQty.Mul(in.SellPercentage).Div(hundred)
		closeQty, err = e.floorMinOneLot(ctx, adapter, symbol, raw, venueQty)
		if err != nil {
			return nil, err
		}
		partial = closeQty.LessThan(venueQty)
	}

	ack, err := adapter.ClosePosition(ctx, symbol, side.CloseSide(), closeQty)
	if err != nil {
		return nil, fmt.Errorf("closing %s: %w", symbol, err)
	}

	e.cancelProtection(ctx, adapter, tracked, symbol, log)

	exitPrice := ack.AvgFillPrice
	if !exitPrice.IsPositive() {
		exitPrice = snap.MarkPrice
	}
	if !exitPrice.IsPositive() {
		exitPrice = entryPrice
	}

	pnl := models.ComputePnL(side, closeQty, entryPrice, exitPrice)
	trade := &models.ClosedTrade{
		ID:         uuid.NewString(),
		User:       in.User,
		Venue:      in.Venue,
		Symbol:     symbol,
		Side:       side,
		EntryPrice: entryPrice,
		ExitPrice:  exitPrice,
		ExitTime:   time.Now().UTC(),
		Quantity:   closeQty,
		PnLUSD:     pnl,
		PnLPercent: models.ComputePnLPercent(side, entryPrice, exitPrice),
		IsWinner:   pnl.IsPositive(),
		ExitReason: reason,
		OrderID:    ack.OrderID,
	}
	if tracked != nil {
		trade.EntryTime = tracked.EntryTime
		trade.PositionSizeUSD = tracked.PositionSizeUSD
		trade.AssetClass = tracked.AssetClass
		trade.StrategyID = tracked.StrategyID
	}
	if err := e.store.InsertTrade(ctx, trade); err != nil {
		log.WithError(err).Error("persisting closed trade")
	}

	if partial {
		remaining := venueQty.Sub(closeQty)
		e.tracker.Update(in.User, in.Venue, symbol, func(p *models.Position) {
			p.Quantity = remaining
			p.StopLossOrderID = ""
			p.TakeProfitOrderID = ""
		})
		if err := e.store.UpdatePositionQuantity(ctx, in.User, in.Venue, symbol, remaining); err != nil {
			log.WithError(err).Warn("updating reduced position quantity")
		}
	} else {
		e.tracker.Remove(in.User, in.Venue, symbol)
		if err := e.store.DeletePosition(ctx, in.User, in.Venue, symbol); err != nil {
			log.WithError(err).Warn("deleting closed position record")
		}
	}

	e.risk.InvalidateOnClose(ctx, in.User, in.Venue)

	noteType := models.NotifyClosedProfit
	title := "Position closed in profit"
	if pnl.IsNegative() {
		noteType = models.NotifyClosedLoss
		title = "Position closed at a loss"
	}
	e.notify.Send(in.User, noteType, title,
		fmt.Sprintf("Closed %s of %s on %s at %s, PnL %s USD (%s)",
			closeQty, symbol, in.Venue, exitPrice, pnl, reason),
		map[string]string{"venue": in.Venue, "symbol": symbol, "exit_reason": string(reason)})

	action := "closed"
	if partial {
		action = "partial_close"
	}
	log.WithFields(logrus.Fields{"qty": closeQty, "pnl_usd": pnl, "reason": reason}).Info("position closed")
	return &Result{
		Success: true,
		Code:    CodeOK,
		Action:  action,
		Symbol:  symbol,
		OrderID: ack.OrderID,
		PnLUSD:  pnl,
	}, nil
}

// floorMinOneLot floors raw to the venue's lot but never to zero: when the
// floor vanishes it walks up to the smallest quantity the venue accepts.
func (e *Executor) floorMinOneLot(ctx context.Context, adapter venue.Adapter, symbol string,
	raw, full decimal.Decimal) (decimal.Decimal, error) {
	qty, err := adapter.RoundQuantity(ctx, symbol, raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rounding close quantity: %w", err)
	}
	probe := raw
	for qty.IsZero() && probe.LessThan(full) {
		probe = probe.Mul(decimal.NewFromInt(2))
		if qty, err = adapter.RoundQuantity(ctx, symbol, probe); err != nil {
			return decimal.Zero, fmt.Errorf("rounding close quantity: %w", err)
		}
	}
	if qty.IsZero() || qty.GreaterThan(full) {
		return full, nil
	}
	return qty, nil
}

// cancelProtection removes outstanding protective orders after a close.
// Cancel-all is preferred where available; individual cancels tolerate
// already-filled legs.
func (e *Executor) cancelProtection(ctx context.Context, adapter venue.Adapter,
	tracked *models.Position, symbol string, log *logrus.Entry) {

	if adapter.Capabilities().CancelAll {
		if err := adapter.CancelAllOrders(ctx, symbol); err != nil && !errors.Is(err, venue.ErrUnsupported) {
			log.WithError(err).Warn("cancel-all after close failed")
		}
		return
	}
	if tracked == nil {
		return
	}
	for _, id := range []string{tracked.TakeProfitOrderID, tracked.StopLossOrderID} {
		if id == "" {
			continue
		}
		err := adapter.CancelOrder(ctx, symbol, id)
		if err != nil && !errors.Is(err, venue.ErrOrderNotFound) && !errors.Is(err, venue.ErrUnsupported) {
			log.WithError(err).WithField("order_id", id).Warn("cancelling protective order")
		}
	}
}
