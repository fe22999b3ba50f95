package calsync

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const providerPageSize = 250

// GoogleProvider talks to the Google Calendar API. A service is built per
// call because the bearer token differs per user.
type GoogleProvider struct {
	calendarID string
	endpoint   string
	httpClient *http.Client
}

type GoogleProviderOptions struct {
	// CalendarID defaults to the user's primary calendar.
	CalendarID string
	// Endpoint overrides the API base URL in tests.
	Endpoint string
	// HTTPClient overrides the transport in tests.
	HTTPClient *http.Client
}

func NewGoogleProvider(opts GoogleProviderOptions) *GoogleProvider {
	calendarID := opts.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}
	return &GoogleProvider{
		calendarID: calendarID,
		endpoint:   opts.Endpoint,
		httpClient: opts.HTTPClient,
	}
}

func (p *GoogleProvider) service(ctx context.Context, token string) (*calendar.Service, error) {
	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})),
	}
	if p.httpClient != nil {
		opts = []option.ClientOption{option.WithHTTPClient(p.httpClient)}
	}
	if p.endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.endpoint))
	}
	return calendar.NewService(ctx, opts...)
}

func (p *GoogleProvider) ListEvents(ctx context.Context, token string, window TimeWindow) ([]*calendar.Event, error) {
	srv, err := p.service(ctx, token)
	if err != nil {
		return nil, classifyProviderError("list", "", err)
	}
	var out []*calendar.Event
	pageToken := ""
	for {
		call := srv.Events.List(p.calendarID).
			TimeMin(window.Start.UTC().Format(time.RFC3339)).
			TimeMax(window.End.UTC().Format(time.RFC3339)).
			SingleEvents(false).
			ShowDeleted(false).
			MaxResults(providerPageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		page, err := call.Do()
		if err != nil {
			return nil, classifyProviderError("list", "", err)
		}
		for _, ev := range page.Items {
			if ev.Status == "cancelled" {
				continue
			}
			out = append(out, ev)
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

func (p *GoogleProvider) InsertEvent(ctx context.Context, token string, ev *calendar.Event) (*calendar.Event, error) {
	srv, err := p.service(ctx, token)
	if err != nil {
		return nil, classifyProviderError("insert", "", err)
	}
	created, err := srv.Events.Insert(p.calendarID, ev).Context(ctx).Do()
	if err != nil {
		// A duplicate client-generated ID means a previous attempt already
		// created the event and the response was lost; fetch and carry on.
		if ev.Id != "" && statusCodeOf(err) == http.StatusConflict {
			existing, getErr := srv.Events.Get(p.calendarID, ev.Id).Context(ctx).Do()
			if getErr == nil {
				return existing, nil
			}
		}
		return nil, classifyProviderError("insert", ev.Id, err)
	}
	return created, nil
}

func (p *GoogleProvider) UpdateEvent(ctx context.Context, token, eventID string, ev *calendar.Event) (*calendar.Event, error) {
	srv, err := p.service(ctx, token)
	if err != nil {
		return nil, classifyProviderError("update", eventID, err)
	}
	updated, err := srv.Events.Update(p.calendarID, eventID, ev).Context(ctx).Do()
	if err != nil {
		return nil, classifyProviderError("update", eventID, err)
	}
	return updated, nil
}

func (p *GoogleProvider) DeleteEvent(ctx context.Context, token, eventID string) error {
	srv, err := p.service(ctx, token)
	if err != nil {
		return classifyProviderError("delete", eventID, err)
	}
	if err := srv.Events.Delete(p.calendarID, eventID).Context(ctx).Do(); err != nil {
		return classifyProviderError("delete", eventID, err)
	}
	return nil
}

func statusCodeOf(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

func classifyProviderError(op, eventID string, err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		// Network-level failure or timeout; eligible for retry.
		return &ProviderError{Kind: ProviderTransient, Op: op, EventID: eventID, Err: err}
	}
	kind := ProviderPermanent
	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		kind = ProviderRateLimited
	case apiErr.Code == http.StatusForbidden && quotaRejection(apiErr):
		kind = ProviderRateLimited
	case apiErr.Code >= 500:
		kind = ProviderTransient
	case apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone:
		kind = ProviderNotFound
	}
	return &ProviderError{Kind: kind, Op: op, EventID: eventID, StatusCode: apiErr.Code, Err: err}
}

// quotaRejection reports whether a 403 is a per-user or per-project quota
// rejection rather than a real permission failure. Google signals both kinds
// of rate limiting with 403 plus a reason item.
func quotaRejection(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}
