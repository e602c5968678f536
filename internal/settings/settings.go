// Package settings exposes per-user, per-venue policy (trading window,
// risk caps, sizing defaults) behind a coarse TTL cache. When the store
// is unreachable it degrades to a conservative default object and logs a
// warning rather than blocking trading decisions.
package settings

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/patchwell/signalgate/internal/models"
	"github.com/patchwell/signalgate/internal/store"
)

const cacheTTL = time.Minute

type cacheEntry struct {
	value   *models.VenueSettings
	loaded  time.Time
	degrade bool
}

// Service caches venue settings per (user, venue).
type Service struct {
	store  store.Interface
	logger *logrus.Entry

	mu    sync.Mutex
	cache map[string]*cacheEntry

	now func() time.Time
}

// New builds a settings service over the store.
func New(st store.Interface, logger *logrus.Logger) *Service {
	return &Service{
		store:  st,
		logger: logger.WithField("component", "settings"),
		cache:  make(map[string]*cacheEntry),
		now:    time.Now,
	}
}

// Get returns the settings for (user, venue). Unknown pairs and store
// failures both yield the conservative default; only the failure case is
// logged. Degraded entries are cached too, so a store outage does not
// turn into a query storm.
func (s *Service) Get(ctx context.Context, user, venueName string) *models.VenueSettings {
	key := user + "|" + venueName

	s.mu.Lock()
	if entry, ok := s.cache[key]; ok && s.now().Sub(entry.loaded) < cacheTTL {
		defer s.mu.Unlock()
		cp := *entry.value
		return &cp
	}
	s.mu.Unlock()

	value, err := s.store.GetVenueSettings(ctx, user, venueName)
	degrade := false
	switch {
	case err == nil:
		value.Window.Normalize()
	case errors.Is(err, store.ErrNotFound):
		def := models.ConservativeSettings(user, venueName)
		value = &def
	default:
		s.logger.WithError(err).WithFields(logrus.Fields{
			"user":  user,
			"venue": venueName,
		}).Warn("settings load failed, using conservative defaults")
		def := models.ConservativeSettings(user, venueName)
		value = &def
		degrade = true
	}

	s.mu.Lock()
	s.cache[key] = &cacheEntry{value: value, loaded: s.now(), degrade: degrade}
	s.mu.Unlock()

	cp := *value
	return &cp
}

// Invalidate drops the cached entry for (user, venue).
func (s *Service) Invalidate(user, venueName string) {
	s.mu.Lock()
	delete(s.cache, user+"|"+venueName)
	s.mu.Unlock()
}
