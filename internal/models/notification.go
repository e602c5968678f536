package models

import "time"

// NotificationType names the events the gateway emits.
type NotificationType string

const (
	// NotifyTradeSuccess fires when a new position opens.
	NotifyTradeSuccess NotificationType = "trade_success"
	// NotifyClosedProfit fires when a position closes green.
	NotifyClosedProfit NotificationType = "position_closed_profit"
	// NotifyClosedLoss fires when a position closes red.
	NotifyClosedLoss NotificationType = "position_closed_loss"
	// NotifyRiskLimit fires once per limit-week when a weekly cap is hit.
	NotifyRiskLimit NotificationType = "risk_limit_reached"
	// NotifyAIBlocked fires when the ML gate blocks a signal.
	NotifyAIBlocked NotificationType = "ai_trade_blocked"
	// NotifyProtectiveLegFailed fires when an entry succeeded but a
	// protective leg could not be placed.
	NotifyProtectiveLegFailed NotificationType = "protective_leg_failed"
)

// Notification is one user-visible event. Metadata must never contain
// credential material.
type Notification struct {
	ID       string            `json:"id"`
	User     string            `json:"user"`
	Type     NotificationType  `json:"type"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Read     bool              `json:"read"`
	SentAt   time.Time         `json:"sent_at"`
}

// NotificationPreferences holds per-event toggles for one user. A missing
// entry means enabled.
type NotificationPreferences struct {
	User    string                    `json:"user"`
	Enabled map[NotificationType]bool `json:"toggles"`
}

// Allows reports whether the user wants this event type.
func (p NotificationPreferences) Allows(t NotificationType) bool {
	if p.Enabled == nil {
		return true
	}
	enabled, ok := p.Enabled[t]
	return !ok || enabled
}
