package calsync

import (
	"context"

	"google.golang.org/api/calendar/v3"
)

// Provider is the external calendar boundary. Implementations authenticate
// each call with the bearer token obtained from the CredentialStore and
// surface failures as *ProviderError so the engine's retry policy can
// classify them.
type Provider interface {
	// ListEvents fetches the provider's events inside the window, cancelled
	// events excluded.
	ListEvents(ctx context.Context, token string, window TimeWindow) ([]*calendar.Event, error)
	// InsertEvent creates an event. When the payload carries a
	// client-generated event ID, a duplicate-ID rejection is resolved by
	// returning the already-created event, which makes retried creates
	// idempotent.
	InsertEvent(ctx context.Context, token string, ev *calendar.Event) (*calendar.Event, error)
	UpdateEvent(ctx context.Context, token, eventID string, ev *calendar.Event) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, token, eventID string) error
}
