// Package aiworker runs the background strategy loop: every tick it pulls
// the active AI strategies, derives a feature vector from fresh venue
// candles, routes the decision through the ML model (and the LLM when the
// model is unsure), persists every decision, and feeds actionable ones back
// through the same executor webhooks use.
package aiworker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/patchwell/signalgate/internal/executor"
	"github.com/patchwell/signalgate/internal/mlgate"
	"github.com/patchwell/signalgate/internal/models"
	"github.com/patchwell/signalgate/internal/settings"
	"github.com/patchwell/signalgate/internal/store"
	"github.com/patchwell/signalgate/internal/venue"
)

const (
	defaultInterval = 45 * time.Second
	strategyBudget  = 30 * time.Second
	candleInterval  = "1m"
	candleLimit     = 100

	// quarantineThreshold pauses a strategy after this many consecutive
	// failed evaluations so one broken strategy cannot burn every tick.
	quarantineThreshold = 3
)

// Decider is the slice of the ML client the worker needs.
type Decider interface {
	PredictStrategy(ctx context.Context, req mlgate.PredictRequest) (*mlgate.PredictResponse, error)
	LLMDecide(ctx context.Context, req mlgate.LLMRequest) (*mlgate.LLMResponse, error)
}

// Exec matches the executor's entry point.
type Exec interface {
	Execute(ctx context.Context, in *models.Intent) (*executor.Result, error)
}

// AdapterSource resolves venue adapters; the registry implements it.
type AdapterSource interface {
	Get(ctx context.Context, user, venueName string) (venue.Adapter, error)
}

// Worker is the AI signal loop.
type Worker struct {
	store    store.Interface
	adapters AdapterSource
	exec     Exec
	decider  Decider
	settings *settings.Service
	logger   *logrus.Entry

	interval time.Duration
	failures map[string]int // consecutive failures per strategy id
}

// New builds the worker. interval <= 0 uses the default tick.
func New(st store.Interface, adapters AdapterSource, exec Exec, decider Decider,
	sv *settings.Service, interval time.Duration, logger *logrus.Logger) *Worker {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Worker{
		store:    st,
		adapters: adapters,
		exec:     exec,
		decider:  decider,
		settings: sv,
		logger:   logger.WithField("component", "aiworker"),
		interval: interval,
		failures: make(map[string]int),
	}
}

// Run ticks until ctx is cancelled. Shutdown is cooperative: the current
// strategy finishes its budget, the rest of the tick is skipped.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.WithField("interval", w.interval).Info("ai worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("ai worker stopping")
			return ctx.Err()
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick evaluates every running strategy once.
func (w *Worker) Tick(ctx context.Context) {
	strategies, err := w.store.ListAIStrategies(ctx, models.AIStrategyRunning)
	if err != nil {
		w.logger.WithError(err).Warn("listing ai strategies")
		return
	}
	for i := range strategies {
		if ctx.Err() != nil {
			return
		}
		strat := &strategies[i]
		budget, cancel := context.WithTimeout(ctx, strategyBudget)
		err := w.evaluate(budget, strat)
		cancel()
		if err != nil {
			w.recordFailure(ctx, strat, err)
			continue
		}
		delete(w.failures, strat.ID)
	}
}

// recordFailure counts consecutive faults and quarantines the strategy
// once the threshold is reached.
func (w *Worker) recordFailure(ctx context.Context, strat *models.AIStrategy, cause error) {
	w.failures[strat.ID]++
	log := w.logger.WithError(cause).WithFields(logrus.Fields{
		"strategy": strat.ID,
		"failures": w.failures[strat.ID],
	})
	if w.failures[strat.ID] < quarantineThreshold {
		log.Warn("strategy evaluation failed")
		return
	}
	log.Error("strategy quarantined after repeated failures")
	if err := w.store.SetAIStrategyStatus(ctx, strat.ID, models.AIStrategyPaused); err != nil {
		w.logger.WithError(err).WithField("strategy", strat.ID).Warn("pausing quarantined strategy")
	}
	delete(w.failures, strat.ID)
}

func (w *Worker) evaluate(ctx context.Context, strat *models.AIStrategy) error {
	adapter, err := w.adapters.Get(ctx, strat.User, strat.Venue)
	if err != nil {
		return fmt.Errorf("resolving adapter: %w", err)
	}
	cfg := w.settings.Get(ctx, strat.User, strat.Venue)
	held := w.portfolioContext(ctx, strat, adapter)

	for _, symbol := range strat.TargetAssets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !cfg.SymbolAllowed(symbol) {
			continue
		}
		if err := w.evaluateSymbol(ctx, strat, adapter, symbol, held); err != nil {
			return fmt.Errorf("%s: %w", symbol, err)
		}
	}
	return nil
}

// portfolioContext snapshots the user's open positions on the venue so the
// decision services see current exposure. A fetch failure degrades to an
// empty snapshot with a warning rather than skipping the evaluation.
func (w *Worker) portfolioContext(ctx context.Context, strat *models.AIStrategy,
	adapter venue.Adapter) []mlgate.PositionContext {

	snaps, err := adapter.GetPositions(ctx)
	if err != nil {
		w.logger.WithError(err).WithFields(logrus.Fields{
			"strategy": strat.ID,
			"venue":    strat.Venue,
		}).Warn("fetching positions for decision context")
		return nil
	}
	out := make([]mlgate.PositionContext, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, mlgate.PositionContext{
			Symbol:     snap.Symbol,
			Side:       string(snap.Side),
			Quantity:   snap.Quantity,
			EntryPrice: snap.EntryPrice,
		})
	}
	return out
}

func (w *Worker) evaluateSymbol(ctx context.Context, strat *models.AIStrategy,
	adapter venue.Adapter, symbol string, held []mlgate.PositionContext) error {

	candles, err := adapter.GetCandles(ctx, symbol, candleInterval, candleLimit)
	if err != nil {
		return fmt.Errorf("fetching candles: %w", err)
	}
	features, err := ComputeFeatures(candles)
	if err != nil {
		return err
	}

	pred, err := w.decider.PredictStrategy(ctx, mlgate.PredictRequest{
		User:       strat.User,
		StrategyID: strat.ID,
		Symbol:     symbol,
		Features:   features,
		Positions:  held,
	})
	if err != nil {
		return fmt.Errorf("ml prediction: %w", err)
	}

	decision := &models.AIDecision{
		ID:                  uuid.NewString(),
		User:                strat.User,
		StrategyID:          strat.ID,
		Symbol:              symbol,
		DecidedAt:           time.Now().UTC(),
		Action:              strings.ToUpper(pred.Action),
		Confidence:          pred.Confidence,
		Source:              "ml",
		ModelID:             pred.ModelID,
		TechnicalIndicators: features,
		MarketSnapshot: map[string]float64{
			"close":        features["close"],
			"volume_ratio": features["volume_ratio"],
			"atr_pct":      features["atr_pct"],
		},
	}

	// The model decides outright above the confidence threshold; under it
	// the LLM arbitrates with the same context.
	if pred.Confidence.LessThan(strat.ConfidenceThreshold) {
		llm, err := w.decider.LLMDecide(ctx, mlgate.LLMRequest{
			User:         strat.User,
			StrategyID:   strat.ID,
			Symbol:       symbol,
			Prompt:       strat.Prompt,
			Features:     features,
			Positions:    held,
			MLAction:     pred.Action,
			MLConfidence: pred.Confidence,
		})
		if err != nil {
			return fmt.Errorf("llm decision: %w", err)
		}
		decision.Action = strings.ToUpper(llm.Action)
		decision.Source = "llm"
		decision.Reasoning = llm.Reasoning
		decision.ModelID = llm.ModelID
	}

	if err := w.store.InsertAIDecision(ctx, decision); err != nil {
		w.logger.WithError(err).WithField("strategy", strat.ID).Warn("persisting ai decision")
	}

	log := w.logger.WithFields(logrus.Fields{
		"strategy":   strat.ID,
		"symbol":     symbol,
		"action":     decision.Action,
		"confidence": decision.Confidence,
		"source":     decision.Source,
	})

	action, actionable := intentAction(decision.Action)
	if !actionable {
		log.Debug("holding")
		return nil
	}
	if strat.IsPaperTrading {
		log.Info("paper strategy, decision recorded without execution")
		return nil
	}

	in := &models.Intent{
		User:            strat.User,
		Venue:           strat.Venue,
		Action:          action,
		Symbol:          symbol,
		OrderType:       models.OrderTypeMarket,
		PositionSizeUSD: strat.PositionSizeUSD,
		StrategyID:      strat.ID,
		Source:          models.SourceAIEngine,
	}
	res, err := w.exec.Execute(ctx, in)
	if err != nil {
		return fmt.Errorf("executing %s: %w", decision.Action, err)
	}
	log.WithFields(logrus.Fields{"result": res.Action, "success": res.Success}).Info("ai decision executed")
	return nil
}

// intentAction maps a decision action to an intent action; HOLD and
// anything unrecognised is persisted but never executed.
func intentAction(action string) (models.Action, bool) {
	switch action {
	case "BUY":
		return models.ActionBuy, true
	case "SELL":
		return models.ActionSell, true
	case "CLOSE":
		return models.ActionClose, true
	default:
		return "", false
	}
}
