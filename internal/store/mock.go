package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/patchwell/signalgate/internal/models"
)

// Mock implements Interface in memory for tests. Error fields, when set,
// are returned by the corresponding methods so failure paths can be driven.
type Mock struct {
	mu sync.Mutex

	Users       map[string]string // user id -> webhook secret
	Credentials map[string]*models.CredentialRecord
	Positions   map[string]*models.Position
	Trades      []models.ClosedTrade
	Strategies  map[string]*models.Strategy
	AIStrats    []models.AIStrategy
	Decisions   []models.AIDecision
	Validations []models.ValidationResult
	Settings    map[string]*models.VenueSettings
	Webhooks    map[string]*models.WebhookRecord
	Notes       []models.Notification
	Prefs       map[string]*models.NotificationPreferences

	TradeQueryErr   error
	SettingsErr     error
	CredentialsErr  error
	PingErr         error
	InsertTradeErr  error
	SavePositionErr error
}

// NewMock returns an empty in-memory store.
func NewMock() *Mock {
	return &Mock{
		Users:       make(map[string]string),
		Credentials: make(map[string]*models.CredentialRecord),
		Positions:   make(map[string]*models.Position),
		Strategies:  make(map[string]*models.Strategy),
		Settings:    make(map[string]*models.VenueSettings),
		Webhooks:    make(map[string]*models.WebhookRecord),
		Prefs:       make(map[string]*models.NotificationPreferences),
	}
}

// Ensure Mock implements Interface at compile time.
var _ Interface = (*Mock)(nil)

func key3(a, b, c string) string { return a + "|" + b + "|" + c }
func key2(a, b string) string    { return a + "|" + b }

func (m *Mock) FindUserBySecret(_ context.Context, secret string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for user, stored := range m.Users {
		if stored == secret {
			return user, stored, nil
		}
	}
	return "", "", ErrNotFound
}

func (m *Mock) GetCredentials(_ context.Context, user, venue string) (*models.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CredentialsErr != nil {
		return nil, m.CredentialsErr
	}
	rec, ok := m.Credentials[key2(user, venue)]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (m *Mock) SaveCredentialSubState(_ context.Context, user, venue string, subState map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.Credentials[key2(user, venue)]
	if !ok {
		return ErrNotFound
	}
	rec.SubState = subState
	return nil
}

func (m *Mock) GetPosition(_ context.Context, user, venue, symbol string) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.Positions[key3(user, venue, symbol)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *pos
	return &cp, nil
}

func (m *Mock) ListPositions(_ context.Context, user, venue string) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Position
	for _, pos := range m.Positions {
		if pos.User == user && (venue == "" || pos.Venue == venue) {
			out = append(out, *pos)
		}
	}
	return out, nil
}

func (m *Mock) ListAllPositions(_ context.Context) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Position
	for _, pos := range m.Positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (m *Mock) SavePosition(_ context.Context, pos *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SavePositionErr != nil {
		return m.SavePositionErr
	}
	cp := *pos
	m.Positions[key3(pos.User, pos.Venue, pos.Symbol)] = &cp
	return nil
}

func (m *Mock) UpdatePositionQuantity(_ context.Context, user, venue, symbol string, qty decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.Positions[key3(user, venue, symbol)]
	if !ok {
		return ErrNotFound
	}
	pos.Quantity = qty
	return nil
}

func (m *Mock) DeletePosition(_ context.Context, user, venue, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Positions, key3(user, venue, symbol))
	return nil
}

func (m *Mock) InsertTrade(_ context.Context, t *models.ClosedTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertTradeErr != nil {
		return m.InsertTradeErr
	}
	m.Trades = append(m.Trades, *t)
	return nil
}

func (m *Mock) CountTradesSince(_ context.Context, user, venue string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TradeQueryErr != nil {
		return 0, m.TradeQueryErr
	}
	n := 0
	for _, t := range m.Trades {
		if t.User == user && t.Venue == venue && !t.ExitTime.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Mock) SumRealizedLossSince(_ context.Context, user, venue string, since time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TradeQueryErr != nil {
		return decimal.Zero, m.TradeQueryErr
	}
	loss := decimal.Zero
	for _, t := range m.Trades {
		if t.User == user && t.Venue == venue && !t.ExitTime.Before(since) && t.PnLUSD.IsNegative() {
			loss = loss.Add(t.PnLUSD.Neg())
		}
	}
	return loss, nil
}

func (m *Mock) GetStrategy(_ context.Context, user, id string) (*models.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Strategies[id]
	if !ok || s.User != user {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *Mock) ListAIStrategies(_ context.Context, status models.AIStrategyStatus) ([]models.AIStrategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AIStrategy
	for _, s := range m.AIStrats {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Mock) SetAIStrategyStatus(_ context.Context, id string, status models.AIStrategyStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.AIStrats {
		if m.AIStrats[i].ID == id {
			m.AIStrats[i].Status = status
			return nil
		}
	}
	return ErrNotFound
}

func (m *Mock) InsertAIDecision(_ context.Context, d *models.AIDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Decisions = append(m.Decisions, *d)
	return nil
}

func (m *Mock) InsertValidationResult(_ context.Context, r *models.ValidationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Validations = append(m.Validations, *r)
	return nil
}

func (m *Mock) GetVenueSettings(_ context.Context, user, venue string) (*models.VenueSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SettingsErr != nil {
		return nil, m.SettingsErr
	}
	s, ok := m.Settings[key2(user, venue)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	cp.Window.Normalize()
	return &cp, nil
}

func (m *Mock) InsertWebhookRecord(_ context.Context, rec *models.WebhookRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.Webhooks[rec.ID] = &cp
	return nil
}

func (m *Mock) FinishWebhookRecord(_ context.Context, id string, status models.WebhookStatus, errMsg, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.Webhooks[id]
	if !ok {
		return fmt.Errorf("webhook record %s: %w", id, ErrNotFound)
	}
	rec.Status = status
	rec.Error = errMsg
	rec.Note = note
	rec.ProcessedAt = time.Now().UTC()
	return nil
}

func (m *Mock) RecentSignalSeen(_ context.Context, user, signalID string, horizon time.Duration) (bool, error) {
	if signalID == "" {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-horizon)
	for _, rec := range m.Webhooks {
		if rec.User == user && rec.SignalID == signalID && rec.ReceivedAt.After(cutoff) &&
			(rec.Status == models.WebhookAccepted || rec.Status == models.WebhookExecuted) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Mock) InsertNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Notes = append(m.Notes, *n)
	return nil
}

func (m *Mock) GetNotificationPreferences(_ context.Context, user string) (*models.NotificationPreferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.Prefs[user]; ok {
		return p, nil
	}
	return &models.NotificationPreferences{User: user}, nil
}

func (m *Mock) HasNotificationSince(_ context.Context, user string, t models.NotificationType, metaKey, metaValue string, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.Notes {
		if n.User == user && n.Type == t && !n.SentAt.Before(since) && n.Metadata[metaKey] == metaValue {
			return true, nil
		}
	}
	return false, nil
}

// NotesOfType returns the recorded notifications of one type, for asserts.
func (m *Mock) NotesOfType(t models.NotificationType) []models.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Notification
	for _, n := range m.Notes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

func (m *Mock) Ping(context.Context) error { return m.PingErr }
func (m *Mock) Close()                     {}
