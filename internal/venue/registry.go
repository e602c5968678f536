package venue

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/patchwell/signalgate/internal/models"
)

// CredentialSource supplies venue credentials and persists the mutable
// sub-state some auth schemes derive from them (session tokens, refreshed
// OAuth tokens). The Postgres store satisfies it.
type CredentialSource interface {
	GetCredentials(ctx context.Context, user, venue string) (*models.CredentialRecord, error)
	SaveCredentialSubState(ctx context.Context, user, venue string, subState map[string]string) error
}

// Env carries the shared dependencies handed to adapter factories.
type Env struct {
	Logger *logrus.Logger
	Creds  CredentialSource
}

// Factory builds an adapter from one user's credential record.
type Factory func(rec *models.CredentialRecord, env Env) (Adapter, error)

// Registry resolves (user, venue) pairs to live adapters. Instances are
// cached in an LRU keyed by the credential revision, so a credential update
// in the store yields a fresh adapter on the next call while untouched
// pairs keep their session state.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	env       Env
	entries   map[string]*list.Element
	order     *list.List
	maxSize   int
}

type cacheEntry struct {
	key      string
	revision int64
	adapter  Adapter
}

// NewRegistry builds an empty registry. maxSize bounds the adapter cache;
// zero means the default of 128.
func NewRegistry(env Env, maxSize int) *Registry {
	if maxSize <= 0 {
		maxSize = 128
	}
	return &Registry{
		factories: make(map[string]Factory),
		env:       env,
		entries:   make(map[string]*list.Element),
		order:     list.New(),
		maxSize:   maxSize,
	}
}

// Register binds a venue name to its adapter factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Venues lists the registered venue names.
func (r *Registry) Venues() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	return out
}

// Get returns the adapter for a user on a venue, building it on first use
// or when the stored credentials changed since the cached instance was
// constructed.
func (r *Registry) Get(ctx context.Context, user, venue string) (Adapter, error) {
	r.mu.Lock()
	factory, ok := r.factories[venue]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", venue, ErrUnknownVenue)
	}

	rec, err := r.env.Creds.GetCredentials(ctx, user, venue)
	if err != nil {
		return nil, fmt.Errorf("loading %s credentials: %w", venue, err)
	}
	if len(rec.Fields) == 0 {
		return nil, fmt.Errorf("%s: %w", venue, ErrNoCredentials)
	}

	key := user + "|" + venue

	r.mu.Lock()
	if el, ok := r.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		if entry.revision == rec.Revision {
			r.order.MoveToFront(el)
			r.mu.Unlock()
			return entry.adapter, nil
		}
		r.order.Remove(el)
		delete(r.entries, key)
	}
	r.mu.Unlock()

	adapter, err := factory(rec, r.env)
	if err != nil {
		return nil, fmt.Errorf("building %s adapter: %w", venue, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.entries[key]; ok {
		// Another goroutine built one concurrently; prefer the cached
		// instance if it matches the revision we loaded.
		entry := el.Value.(*cacheEntry)
		if entry.revision == rec.Revision {
			r.order.MoveToFront(el)
			return entry.adapter, nil
		}
		r.order.Remove(el)
		delete(r.entries, key)
	}
	el := r.order.PushFront(&cacheEntry{key: key, revision: rec.Revision, adapter: adapter})
	r.entries[key] = el
	for r.order.Len() > r.maxSize {
		oldest := r.order.Back()
		r.order.Remove(oldest)
		delete(r.entries, oldest.Value.(*cacheEntry).key)
	}
	return adapter, nil
}

// Invalidate drops the cached adapter for one user and venue.
func (r *Registry) Invalidate(user, venue string) {
	key := user + "|" + venue
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.entries[key]; ok {
		r.order.Remove(el)
		delete(r.entries, key)
	}
}
