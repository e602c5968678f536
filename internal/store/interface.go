// Package store defines the contract with the persistent relational service
// and provides a Postgres implementation plus an in-memory mock for tests.
//
// Implementations must be safe for concurrent use. Every query is scoped to
// a single user; the service never reads another user's rows.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/patchwell/signalgate/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Interface is the persistence contract used by the gateway. The store is
// authoritative; in-process caches and the position tracker converge to it.
type Interface interface {
	// Credentials and webhook identity
	FindUserBySecret(ctx context.Context, secret string) (string, string, error) // user, storedSecret
	GetCredentials(ctx context.Context, user, venue string) (*models.CredentialRecord, error)
	SaveCredentialSubState(ctx context.Context, user, venue string, subState map[string]string) error

	// Open positions
	GetPosition(ctx context.Context, user, venue, symbol string) (*models.Position, error)
	ListPositions(ctx context.Context, user, venue string) ([]models.Position, error)
	ListAllPositions(ctx context.Context) ([]models.Position, error)
	SavePosition(ctx context.Context, pos *models.Position) error
	UpdatePositionQuantity(ctx context.Context, user, venue, symbol string, qty decimal.Decimal) error
	DeletePosition(ctx context.Context, user, venue, symbol string) error

	// Closed trades
	InsertTrade(ctx context.Context, trade *models.ClosedTrade) error
	CountTradesSince(ctx context.Context, user, venue string, since time.Time) (int, error)
	SumRealizedLossSince(ctx context.Context, user, venue string, since time.Time) (decimal.Decimal, error)

	// Strategies
	GetStrategy(ctx context.Context, user, id string) (*models.Strategy, error)
	ListAIStrategies(ctx context.Context, status models.AIStrategyStatus) ([]models.AIStrategy, error)
	SetAIStrategyStatus(ctx context.Context, id string, status models.AIStrategyStatus) error
	InsertAIDecision(ctx context.Context, dec *models.AIDecision) error
	InsertValidationResult(ctx context.Context, res *models.ValidationResult) error

	// Per-venue settings
	GetVenueSettings(ctx context.Context, user, venue string) (*models.VenueSettings, error)

	// Webhook request log (append-only)
	InsertWebhookRecord(ctx context.Context, rec *models.WebhookRecord) error
	FinishWebhookRecord(ctx context.Context, id string, status models.WebhookStatus, errMsg, note string) error
	RecentSignalSeen(ctx context.Context, user, signalID string, horizon time.Duration) (bool, error)

	// Notifications
	InsertNotification(ctx context.Context, n *models.Notification) error
	GetNotificationPreferences(ctx context.Context, user string) (*models.NotificationPreferences, error)
	HasNotificationSince(ctx context.Context, user string, t models.NotificationType, metaKey, metaValue string, since time.Time) (bool, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close()
}
