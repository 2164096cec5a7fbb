// Package events publishes auth lifecycle events for downstream consumers
// (audit, anomaly detection). Publishing is best effort and never affects the
// outcome of a request.
package events

import (
	"context"
	"time"
)

// Type names a lifecycle transition.
type Type string

const (
	TypeLogin           Type = "login"
	TypeLoginFailed     Type = "login_failed"
	TypeRefresh         Type = "refresh"
	TypeRefreshRejected Type = "refresh_rejected"
	TypeLogout          Type = "logout"
)

// Event is the payload written to the broker.
type Event struct {
	Type       Type      `json:"type"`
	UserID     string    `json:"userId,omitempty"`
	Username   string    `json:"username,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
