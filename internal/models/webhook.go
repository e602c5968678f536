package models

import "time"

// WebhookStatus tracks a request-log row through its lifecycle.
type WebhookStatus string

const (
	// WebhookPending is written before routing.
	WebhookPending WebhookStatus = "pending"
	// WebhookAccepted means the request passed authentication and parsing.
	WebhookAccepted WebhookStatus = "accepted"
	// WebhookRejected means the request failed before execution.
	WebhookRejected WebhookStatus = "rejected"
	// WebhookExecuted means the executor completed (including benign skips).
	WebhookExecuted WebhookStatus = "executed"
	// WebhookFailed means execution was attempted and failed.
	WebhookFailed WebhookStatus = "failed"
)

// SecretRedacted replaces the webhook secret in every persisted payload.
const SecretRedacted = "[REDACTED]"

// WebhookRecord is one append-only row in the request log. Exactly one row
// exists per inbound request, even when the request is rejected before
// routing. Payload always carries the secret redacted.
type WebhookRecord struct {
	ID          string        `json:"id"`
	User        string        `json:"user,omitempty"`
	Venue       string        `json:"exchange,omitempty"`
	Action      string        `json:"action,omitempty"`
	Symbol      string        `json:"symbol,omitempty"`
	Payload     string        `json:"payload"`
	Status      WebhookStatus `json:"status"`
	Error       string        `json:"error_message,omitempty"`
	Note        string        `json:"note,omitempty"`
	SignalID    string        `json:"signal_id,omitempty"`
	ReceivedAt  time.Time     `json:"received_at"`
	ProcessedAt time.Time     `json:"processed_at,omitempty"`
}

// CredentialRecord holds one user's venue credentials. Fields vary by venue
// scheme (key+secret, passphrase, OAuth refresh tokens, PEM keys) and are
// never logged or echoed. SubState stores venue-discovered values such as
// account ids or cached session tokens; Revision bumps on every change so
// the adapter registry can invalidate cached instances.
type CredentialRecord struct {
	User        string            `json:"user"`
	Venue       string            `json:"exchange"`
	Environment string            `json:"environment"` // live | sandbox
	Fields      map[string]string `json:"-"`
	SubState    map[string]string `json:"-"`
	Revision    int64             `json:"revision"`
}
