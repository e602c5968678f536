// Package mlgate holds the REST clients for the external decision
// services: the ML signal validator, the ML strategy predictor, and the
// LLM decision endpoint. The clients report transport and parse errors
// to the caller; fail-open policy lives at the call sites, not here.
package mlgate

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Per-call deadlines. Validation sits on the webhook hot path and gets
// the tightest budget; the LLM is the slowest collaborator.
const (
	validateTimeout = 5 * time.Second
	predictTimeout  = 10 * time.Second
	llmTimeout      = 30 * time.Second
)

// Config points the clients at the decision services.
type Config struct {
	MLBaseURL  string
	LLMBaseURL string
	APIKey     string
}

// Client talks to the ML and LLM services.
type Client struct {
	ml     *resty.Client
	llm    *resty.Client
	logger *logrus.Entry
}

// New builds the decision-service clients. Retries cover transient 5xx
// only; 4xx responses are returned to the caller as-is.
func New(cfg Config, logger *logrus.Logger) *Client {
	build := func(baseURL string) *resty.Client {
		c := resty.New().
			SetBaseURL(baseURL).
			SetRetryCount(2).
			SetRetryWaitTime(250 * time.Millisecond).
			SetRetryMaxWaitTime(2 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			}).
			SetHeader("Content-Type", "application/json")
		if cfg.APIKey != "" {
			c.SetHeader("Authorization", "Bearer "+cfg.APIKey)
		}
		return c
	}
	return &Client{
		ml:     build(cfg.MLBaseURL),
		llm:    build(cfg.LLMBaseURL),
		logger: logger.WithField("component", "mlgate"),
	}
}

// ValidationRequest describes one inbound signal for the validator.
type ValidationRequest struct {
	User            string          `json:"user"`
	StrategyID      string          `json:"strategy_id"`
	SignalID        string          `json:"signal_id,omitempty"`
	Symbol          string          `json:"symbol"`
	Action          string          `json:"action"`
	Venue           string          `json:"exchange"`
	PositionSizeUSD decimal.Decimal `json:"position_size_usd,omitempty"`
}

// ValidationResponse is the validator's verdict on a signal.
type ValidationResponse struct {
	Confidence    decimal.Decimal    `json:"confidence"`
	Reasons       []string           `json:"reasons"`
	MarketContext map[string]float64 `json:"market_context,omitempty"`
	FeatureScores map[string]float64 `json:"feature_scores,omitempty"`
}

// ValidateSignal scores an inbound signal against the strategy's model.
func (c *Client) ValidateSignal(ctx context.Context, req ValidationRequest) (*ValidationResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	var result ValidationResponse
	resp, err := c.ml.R().
		SetContext(ctx).
		// Some deployments front the services with proxies that strip or
		// rewrite the response content type; decode as JSON regardless.
		ForceContentType("application/json").
		SetBody(req).
		SetResult(&result).
		Post("/validate-strategy-signal")
	if err != nil {
		return nil, fmt.Errorf("validate signal: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("validate signal: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// PositionContext is one open position snapshot included in decision
// requests so the models see the user's current exposure.
type PositionContext struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
}

// PredictRequest carries the feature vector for one strategy evaluation.
type PredictRequest struct {
	User       string             `json:"user"`
	StrategyID string             `json:"strategy_id"`
	Symbol     string             `json:"symbol"`
	Features   map[string]float64 `json:"features"`
	Positions  []PositionContext  `json:"open_positions,omitempty"`
}

// PredictResponse is the model's suggested action.
type PredictResponse struct {
	Action     string          `json:"action"` // BUY | SELL | HOLD | CLOSE
	Confidence decimal.Decimal `json:"confidence"`
	ModelID    string          `json:"model_id,omitempty"`
}

// PredictStrategy asks the ML service for an action given current features.
func (c *Client) PredictStrategy(ctx context.Context, req PredictRequest) (*PredictResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, predictTimeout)
	defer cancel()

	var result PredictResponse
	resp, err := c.ml.R().
		SetContext(ctx).
		// Some deployments front the services with proxies that strip or
		// rewrite the response content type; decode as JSON regardless.
		ForceContentType("application/json").
		SetBody(req).
		SetResult(&result).
		Post("/predict-strategy")
	if err != nil {
		return nil, fmt.Errorf("predict strategy: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("predict strategy: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// LLMRequest gives the LLM the same context the ML model saw, plus the
// strategy prompt and the low-confidence ML suggestion it is arbitrating.
type LLMRequest struct {
	User         string             `json:"user"`
	StrategyID   string             `json:"strategy_id"`
	Symbol       string             `json:"symbol"`
	Prompt       string             `json:"prompt,omitempty"`
	Features     map[string]float64 `json:"features"`
	Positions    []PositionContext  `json:"open_positions,omitempty"`
	MLAction     string             `json:"ml_action"`
	MLConfidence decimal.Decimal    `json:"ml_confidence"`
}

// LLMResponse is the LLM's decision.
type LLMResponse struct {
	Action    string `json:"action"` // BUY | SELL | HOLD | CLOSE
	Reasoning string `json:"reasoning,omitempty"`
	ModelID   string `json:"model_id,omitempty"`
}

// LLMDecide consults the LLM when the ML confidence is under threshold.
func (c *Client) LLMDecide(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()

	var result LLMResponse
	resp, err := c.llm.R().
		SetContext(ctx).
		// Some deployments front the services with proxies that strip or
		// rewrite the response content type; decode as JSON regardless.
		ForceContentType("application/json").
		SetBody(req).
		SetResult(&result).
		Post("/decide-trade")
	if err != nil {
		return nil, fmt.Errorf("llm decide: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("llm decide: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}
