// Package risk enforces weekly trade-count and realised-loss caps per
// (user, venue). Counters are derived from closed trades and served
// through a tiered cache: Redis, then an in-process TTL map, then a fresh
// aggregation against the store. The engine fails open: an internal fault
// allows the trade and logs a warning, since risk is already bounded by
// per-venue settings and per-order caps.
package risk

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/patchwell/signalgate/internal/models"
	"github.com/patchwell/signalgate/internal/store"
)

const cacheTTL = 5 * time.Minute

const (
	counterTrades = "trades"
	counterLoss   = "loss"
)

// Denial reasons surfaced to the executor.
const (
	ReasonTradeCap = "weekly trade cap reached"
	ReasonLossCap  = "weekly loss cap reached"
)

// WeekStart returns Monday 00:00 UTC of the week containing now.
func WeekStart(now time.Time) time.Time {
	utc := now.UTC()
	days := (int(utc.Weekday()) + 6) % 7 // Monday = 0
	midnight := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.AddDate(0, 0, -days)
}

// Decision is the outcome of a risk check.
type Decision struct {
	Allowed    bool
	Reason     string
	TradesUsed int
	TradesCap  int
	LossUSD    decimal.Decimal
	LossCapUSD decimal.Decimal
	// Degraded marks a fail-open outcome: a dependency fault, not a
	// clean pass.
	Degraded bool
}

type localEntry struct {
	value   string
	expires time.Time
}

// Engine checks weekly caps. The Redis client is optional; with a nil
// client the engine runs on the local tier and the store alone.
type Engine struct {
	store  store.Interface
	redis  redis.Cmdable
	logger *logrus.Entry

	mu    sync.Mutex
	local map[string]localEntry

	now func() time.Time
}

// New builds a risk engine. rdb may be nil.
func New(st store.Interface, rdb redis.Cmdable, logger *logrus.Logger) *Engine {
	return &Engine{
		store:  st,
		redis:  rdb,
		logger: logger.WithField("component", "risk"),
		local:  make(map[string]localEntry),
		now:    time.Now,
	}
}

func cacheKey(user, venueName, counter string, weekStart time.Time) string {
	return fmt.Sprintf("risk:%s:%s:%s:%d", user, venueName, counter, weekStart.Unix())
}

// Check evaluates the policy for one prospective trade. A zero cap means
// unlimited for that counter.
func (e *Engine) Check(ctx context.Context, user, venueName string, policy models.RiskPolicy) Decision {
	decision := Decision{
		Allowed:    true,
		TradesCap:  policy.MaxTradesPerWeek,
		LossCapUSD: policy.MaxLossPerWeekUSD,
	}
	if policy.Unlimited() {
		return decision
	}
	weekStart := WeekStart(e.now())

	if policy.MaxTradesPerWeek > 0 {
		trades, err := e.weeklyTrades(ctx, user, venueName, weekStart)
		if err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"user":  user,
				"venue": venueName,
			}).Warn("trade counter unavailable, allowing trade")
			decision.Degraded = true
			return decision
		}
		decision.TradesUsed = trades
		if trades >= policy.MaxTradesPerWeek {
			decision.Allowed = false
			decision.Reason = ReasonTradeCap
			return decision
		}
	}

	if policy.MaxLossPerWeekUSD.IsPositive() {
		loss, err := e.weeklyLoss(ctx, user, venueName, weekStart)
		if err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"user":  user,
				"venue": venueName,
			}).Warn("loss counter unavailable, allowing trade")
			decision.Degraded = true
			return decision
		}
		decision.LossUSD = loss
		if loss.GreaterThanOrEqual(policy.MaxLossPerWeekUSD) {
			decision.Allowed = false
			decision.Reason = ReasonLossCap
			return decision
		}
	}

	return decision
}

// InvalidateOnClose drops the cached counters after a trade closes so the
// next check sees the new aggregates.
func (e *Engine) InvalidateOnClose(ctx context.Context, user, venueName string) {
	weekStart := WeekStart(e.now())
	keys := []string{
		cacheKey(user, venueName, counterTrades, weekStart),
		cacheKey(user, venueName, counterLoss, weekStart),
	}
	e.mu.Lock()
	for _, k := range keys {
		delete(e.local, k)
	}
	e.mu.Unlock()
	if e.redis != nil {
		if err := e.redis.Del(ctx, keys...).Err(); err != nil {
			e.logger.WithError(err).Warn("invalidating risk counters in redis")
		}
	}
}

func (e *Engine) weeklyTrades(ctx context.Context, user, venueName string, weekStart time.Time) (int, error) {
	key := cacheKey(user, venueName, counterTrades, weekStart)
	if raw, ok := e.cachedValue(ctx, key); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			return n, nil
		}
	}
	n, err := e.store.CountTradesSince(ctx, user, venueName, weekStart)
	if err != nil {
		return 0, fmt.Errorf("counting weekly trades: %w", err)
	}
	e.writeBack(ctx, key, strconv.Itoa(n))
	return n, nil
}

func (e *Engine) weeklyLoss(ctx context.Context, user, venueName string, weekStart time.Time) (decimal.Decimal, error) {
	key := cacheKey(user, venueName, counterLoss, weekStart)
	if raw, ok := e.cachedValue(ctx, key); ok {
		if v, err := decimal.NewFromString(raw); err == nil {
			return v, nil
		}
	}
	loss, err := e.store.SumRealizedLossSince(ctx, user, venueName, weekStart)
	if err != nil {
		return decimal.Zero, fmt.Errorf("summing weekly loss: %w", err)
	}
	e.writeBack(ctx, key, loss.String())
	return loss, nil
}

// cachedValue consults Redis first, then the in-process map. Redis faults
// fall through silently to the next tier.
func (e *Engine) cachedValue(ctx context.Context, key string) (string, bool) {
	if e.redis != nil {
		raw, err := e.redis.Get(ctx, key).Result()
		if err == nil {
			return raw, true
		}
		if err != redis.Nil {
			e.logger.WithError(err).Debug("redis risk tier unavailable")
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.local[key]
	if !ok || e.now().After(entry.expires) {
		return "", false
	}
	return entry.value, true
}

func (e *Engine) writeBack(ctx context.Context, key, value string) {
	e.mu.Lock()
	e.local[key] = localEntry{value: value, expires: e.now().Add(cacheTTL)}
	e.mu.Unlock()
	if e.redis != nil {
		if err := e.redis.Set(ctx, key, value, cacheTTL).Err(); err != nil {
			e.logger.WithError(err).Debug("writing risk counter to redis")
		}
	}
}
