package calsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

var testClock = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type tokenEndpoint struct {
	status   int
	body     string
	requests int32
}

func (e *tokenEndpoint) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = r
		atomic.AddInt32(&e.requests, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(e.status)
		_, _ = w.Write([]byte(e.body))
	}
}

func newCredentialStore(t *testing.T, endpoint *tokenEndpoint) (*OAuthCredentialStore, *MemoryCredentialBackend) {
	t.Helper()
	server := httptest.NewServer(endpoint.handler())
	t.Cleanup(server.Close)
	conf := &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: server.URL + "/token"},
	}
	backend := NewMemoryCredentialBackend()
	store, err := NewOAuthCredentialStore(conf, backend, CredentialStoreOptions{
		Now: func() time.Time { return testClock },
	})
	if err != nil {
		t.Fatalf("NewOAuthCredentialStore: %v", err)
	}
	return store, backend
}

func TestGetValidTokenReturnsUnexpiredToken(t *testing.T) {
	endpoint := &tokenEndpoint{status: http.StatusOK, body: `{}`}
	store, backend := newCredentialStore(t, endpoint)
	_ = backend.Save(context.Background(), "u1", Credentials{
		AccessToken:  "current-token",
		RefreshToken: "refresh",
		Expiry:       testClock.Add(time.Hour),
	})

	token, err := store.GetValidToken(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if token != "current-token" {
		t.Fatalf("token = %q", token)
	}
	if got := atomic.LoadInt32(&endpoint.requests); got != 0 {
		t.Fatalf("refresh endpoint hit %d times for a fresh token", got)
	}
}

func TestGetValidTokenRefreshesNearExpiry(t *testing.T) {
	endpoint := &tokenEndpoint{
		status: http.StatusOK,
		body:   `{"access_token":"new-token","token_type":"Bearer","expires_in":3600,"refresh_token":"new-refresh"}`,
	}
	store, backend := newCredentialStore(t, endpoint)
	_ = backend.Save(context.Background(), "u1", Credentials{
		AccessToken:  "stale-token",
		RefreshToken: "old-refresh",
		Expiry:       testClock.Add(time.Minute), // inside the refresh margin
	})

	token, err := store.GetValidToken(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if token != "new-token" {
		t.Fatalf("token = %q", token)
	}
	stored, _ := backend.Load(context.Background(), "u1")
	if stored == nil || stored.AccessToken != "new-token" || stored.RefreshToken != "new-refresh" {
		t.Fatalf("stored credentials = %+v", stored)
	}
}

func TestGetValidTokenKeepsRefreshTokenWhenOmitted(t *testing.T) {
	endpoint := &tokenEndpoint{
		status: http.StatusOK,
		body:   `{"access_token":"new-token","token_type":"Bearer","expires_in":3600}`,
	}
	store, backend := newCredentialStore(t, endpoint)
	_ = backend.Save(context.Background(), "u1", Credentials{
		AccessToken:  "stale-token",
		RefreshToken: "old-refresh",
		Expiry:       testClock.Add(-time.Minute),
	})

	if _, err := store.GetValidToken(context.Background(), "u1"); err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	stored, _ := backend.Load(context.Background(), "u1")
	if stored.RefreshToken != "old-refresh" {
		t.Fatalf("refresh token = %q, want the original kept", stored.RefreshToken)
	}
}

func TestGetValidTokenMissingCredentials(t *testing.T) {
	endpoint := &tokenEndpoint{status: http.StatusOK, body: `{}`}
	store, _ := newCredentialStore(t, endpoint)

	_, err := store.GetValidToken(context.Background(), "u1")
	var credErr *CredentialError
	if !errors.As(err, &credErr) || credErr.Reason != CredentialMissing {
		t.Fatalf("err = %v, want missing CredentialError", err)
	}
}

func TestGetValidTokenRevokedGrantClearsCredentials(t *testing.T) {
	endpoint := &tokenEndpoint{
		status: http.StatusBadRequest,
		body:   `{"error":"invalid_grant","error_description":"Token has been revoked."}`,
	}
	store, backend := newCredentialStore(t, endpoint)
	_ = backend.Save(context.Background(), "u1", Credentials{
		AccessToken:  "stale-token",
		RefreshToken: "revoked-refresh",
		Expiry:       testClock.Add(-time.Minute),
	})

	_, err := store.GetValidToken(context.Background(), "u1")
	var credErr *CredentialError
	if !errors.As(err, &credErr) || credErr.Reason != CredentialRevoked {
		t.Fatalf("err = %v, want revoked CredentialError", err)
	}
	stored, _ := backend.Load(context.Background(), "u1")
	if stored != nil {
		t.Fatalf("credentials not cleared after revocation: %+v", stored)
	}
}

func TestGetValidTokenTransientRefreshFailureKeepsCredentials(t *testing.T) {
	endpoint := &tokenEndpoint{status: http.StatusInternalServerError, body: `upstream down`}
	store, backend := newCredentialStore(t, endpoint)
	_ = backend.Save(context.Background(), "u1", Credentials{
		AccessToken:  "stale-token",
		RefreshToken: "refresh",
		Expiry:       testClock.Add(-time.Minute),
	})

	_, err := store.GetValidToken(context.Background(), "u1")
	var credErr *CredentialError
	if !errors.As(err, &credErr) || credErr.Reason != CredentialExpired {
		t.Fatalf("err = %v, want expired CredentialError", err)
	}
	stored, _ := backend.Load(context.Background(), "u1")
	if stored == nil || stored.RefreshToken != "refresh" {
		t.Fatalf("credentials lost on transient failure: %+v", stored)
	}
}
