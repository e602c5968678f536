// Package tracker keeps the in-process view of open positions, keyed by
// (user, venue, symbol). The tracker is authoritative for the adjunct
// metadata a venue does not retain (protective-order ids, trailing
// parameters, strategy reference); the venue is authoritative for size
// and mark price. Reconcile replaces the tracked set for one user/venue
// pair with the venue's report while carrying that metadata over.
package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/patchwell/signalgate/internal/models"
	"github.com/patchwell/signalgate/internal/venue"
)

// Tracker is safe for concurrent use.
type Tracker struct {
	mu        sync.RWMutex
	positions map[string]*models.Position
	logger    *logrus.Entry
}

// New returns an empty tracker.
func New(logger *logrus.Logger) *Tracker {
	return &Tracker{
		positions: make(map[string]*models.Position),
		logger:    logger.WithField("component", "tracker"),
	}
}

func key(user, venueName, symbol string) string {
	return user + "|" + venueName + "|" + symbol
}

// Add records a new open position, replacing any previous entry for the
// same key.
func (t *Tracker) Add(pos *models.Position) {
	cp := *pos
	t.mu.Lock()
	t.positions[key(pos.User, pos.Venue, pos.Symbol)] = &cp
	t.mu.Unlock()
}

// Get returns a copy of the tracked position, or nil.
func (t *Tracker) Get(user, venueName, symbol string) *models.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.positions[key(user, venueName, symbol)]
	if !ok {
		return nil
	}
	cp := *pos
	return &cp
}

// Has reports whether a position is tracked for the key.
func (t *Tracker) Has(user, venueName, symbol string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.positions[key(user, venueName, symbol)]
	return ok
}

// Update applies fn to the tracked position under the lock. It is a no-op
// when the key is not tracked; the return reports whether fn ran.
func (t *Tracker) Update(user, venueName, symbol string, fn func(*models.Position)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[key(user, venueName, symbol)]
	if !ok {
		return false
	}
	fn(pos)
	return true
}

// Remove drops the tracked position for the key.
func (t *Tracker) Remove(user, venueName, symbol string) {
	t.mu.Lock()
	delete(t.positions, key(user, venueName, symbol))
	t.mu.Unlock()
}

// Count returns the number of tracked positions across all users.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.positions)
}

// All returns copies of every tracked position across all users, sorted
// by user, venue, then symbol.
func (t *Tracker) All() []models.Position {
	t.mu.RLock()
	out := make([]models.Position, 0, len(t.positions))
	for _, pos := range t.positions {
		out = append(out, *pos)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].User != out[j].User {
			return out[i].User < out[j].User
		}
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Summary returns copies of the tracked positions for a user, across all
// venues when venueName is empty, sorted by venue then symbol.
func (t *Tracker) Summary(user, venueName string) []models.Position {
	t.mu.RLock()
	var out []models.Position
	for _, pos := range t.positions {
		if pos.User != user {
			continue
		}
		if venueName != "" && pos.Venue != venueName {
			continue
		}
		out = append(out, *pos)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Reconcile replaces the tracked set for (user, venue) with the venue's
// own report. Metadata from previously tracked entries (protective-order
// ids, trailing parameters, strategy) is carried over onto surviving
// symbols; entries the venue no longer reports are dropped.
func (t *Tracker) Reconcile(ctx context.Context, user, venueName string, adapter venue.Adapter) error {
	snaps, err := adapter.GetPositions(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	previous := make(map[string]*models.Position)
	for k, pos := range t.positions {
		if pos.User == user && pos.Venue == venueName {
			previous[pos.Symbol] = pos
			delete(t.positions, k)
		}
	}

	for _, snap := range snaps {
		pos := &models.Position{
			User:       user,
			Venue:      venueName,
			Symbol:     snap.Symbol,
			Side:       snap.Side,
			Quantity:   snap.Quantity,
			EntryPrice: snap.EntryPrice,
			EntryTime:  time.Now().UTC(),
		}
		if old, ok := previous[snap.Symbol]; ok {
			pos.ID = old.ID
			pos.EntryTime = old.EntryTime
			pos.EntryPrice = preferNonZero(old.EntryPrice, snap.EntryPrice)
			pos.EntryOrderID = old.EntryOrderID
			pos.StopLossOrderID = old.StopLossOrderID
			pos.TakeProfitOrderID = old.TakeProfitOrderID
			pos.StopLossType = old.StopLossType
			pos.TrailingDistance = old.TrailingDistance
			pos.TrailingPercent = old.TrailingPercent
			pos.StrategyID = old.StrategyID
			pos.PositionSizeUSD = old.PositionSizeUSD
			pos.StopLossPrice = old.StopLossPrice
			pos.TakeProfitPrice = old.TakeProfitPrice
			pos.AssetClass = old.AssetClass
		}
		t.positions[key(user, venueName, snap.Symbol)] = pos
	}

	dropped := len(previous) - len(snaps)
	if dropped > 0 {
		t.logger.WithFields(logrus.Fields{
			"user":  user,
			"venue": venueName,
			"count": dropped,
		}).Warn("reconcile dropped positions the venue no longer reports")
	}
	return nil
}

func preferNonZero(a, b decimal.Decimal) decimal.Decimal {
	if a.IsPositive() {
		return a
	}
	return b
}
