package calsync

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// newStateToken builds the opaque OAuth state parameter binding a consent
// redirect back to the user who initiated it.
func newStateToken(userID string) string {
	return userID + ":" + uuid.NewString()
}

// ReconnectFlow tracks users whose provider authorization was revoked and
// walks them through the OAuth consent flow again. Triggering is coalesced:
// a user flagged by ten consecutive failing passes still gets exactly one
// pending reconnect until they complete or abandon it.
type ReconnectFlow struct {
	conf   *oauth2.Config
	store  CredentialStore
	logger Logger

	mu      sync.Mutex
	pending map[string]string // userID -> state parameter
}

func NewReconnectFlow(conf *oauth2.Config, store CredentialStore, logger Logger) *ReconnectFlow {
	return &ReconnectFlow{
		conf:    conf,
		store:   store,
		logger:  logger,
		pending: map[string]string{},
	}
}

// TriggerReconnect marks the user as needing reauthorization and returns the
// consent URL they must visit. Repeated triggers for the same user return
// the same URL.
func (f *ReconnectFlow) TriggerReconnect(userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ""
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.pending[userID]
	if !ok {
		state = newStateToken(userID)
		f.pending[userID] = state
		logf(f.logger, "reconnect: user %s flagged for reauthorization", userID)
	}
	return f.conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))
}

// Pending reports whether the user has an unanswered reconnect prompt.
func (f *ReconnectFlow) Pending(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pending[userID]
	return ok
}

// CompleteReconnect exchanges the authorization code returned by the consent
// redirect and stores the fresh credentials. The state parameter must match
// the one issued by TriggerReconnect.
func (f *ReconnectFlow) CompleteReconnect(ctx context.Context, userID, state, code string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" || code == "" {
		return ErrInvalidInput
	}
	f.mu.Lock()
	want, ok := f.pending[userID]
	f.mu.Unlock()
	if ok && state != want {
		return ErrInvalidInput
	}

	token, err := f.conf.Exchange(ctx, code)
	if err != nil {
		return &CredentialError{UserID: userID, Reason: CredentialExpired, Err: err}
	}
	creds := Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
		TokenType:    token.TokenType,
	}
	if err := f.store.Put(ctx, userID, creds); err != nil {
		return err
	}

	f.mu.Lock()
	delete(f.pending, userID)
	f.mu.Unlock()
	logf(f.logger, "reconnect: user %s reauthorized", userID)
	return nil
}

// Connect starts a first-time authorization, reusing the reconnect plumbing.
func (f *ReconnectFlow) Connect(userID string) string {
	return f.TriggerReconnect(userID)
}
