package calsync

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const defaultRefreshMargin = 5 * time.Minute

// CredentialStore holds, refreshes, and invalidates per-user OAuth
// credentials for the provider.
type CredentialStore interface {
	// GetValidToken returns an access token usable right now, refreshing the
	// stored credentials when they are within the safety margin of expiry.
	// Failures are always *CredentialError.
	GetValidToken(ctx context.Context, userID string) (string, error)
	// Put atomically replaces the stored credentials for a user.
	Put(ctx context.Context, userID string, creds Credentials) error
	// Clear removes the stored credentials, forcing re-authorization.
	Clear(ctx context.Context, userID string) error
}

// CredentialBackend is the durable storage beneath a CredentialStore. Load
// returns (nil, nil) when the user has no stored credentials.
type CredentialBackend interface {
	Load(ctx context.Context, userID string) (*Credentials, error)
	Save(ctx context.Context, userID string, creds Credentials) error
	Delete(ctx context.Context, userID string) error
}

// MemoryCredentialBackend keeps credentials in process memory. Suitable for
// tests and single-node deployments.
type MemoryCredentialBackend struct {
	mu    sync.Mutex
	creds map[string]Credentials
}

func NewMemoryCredentialBackend() *MemoryCredentialBackend {
	return &MemoryCredentialBackend{creds: map[string]Credentials{}}
}

func (b *MemoryCredentialBackend) Load(ctx context.Context, userID string) (*Credentials, error) {
	_ = ctx
	b.mu.Lock()
	defer b.mu.Unlock()
	creds, ok := b.creds[userID]
	if !ok {
		return nil, nil
	}
	copied := creds
	return &copied, nil
}

func (b *MemoryCredentialBackend) Save(ctx context.Context, userID string, creds Credentials) error {
	_ = ctx
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creds[userID] = creds
	return nil
}

func (b *MemoryCredentialBackend) Delete(ctx context.Context, userID string) error {
	_ = ctx
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.creds, userID)
	return nil
}

// OAuthCredentialStore refreshes tokens through an oauth2.Config. Credential
// mutations are serialized per user so a concurrent reader never observes a
// partial write.
type OAuthCredentialStore struct {
	conf    *oauth2.Config
	backend CredentialBackend
	margin  time.Duration
	logger  Logger
	now     func() time.Time

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

type CredentialStoreOptions struct {
	// Margin is how close to expiry a token may be before it is refreshed.
	// Zero means the 5 minute default.
	Margin time.Duration
	Logger Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

func NewOAuthCredentialStore(conf *oauth2.Config, backend CredentialBackend, opts CredentialStoreOptions) (*OAuthCredentialStore, error) {
	if conf == nil || backend == nil {
		return nil, ErrInvalidInput
	}
	margin := opts.Margin
	if margin <= 0 {
		margin = defaultRefreshMargin
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &OAuthCredentialStore{
		conf:      conf,
		backend:   backend,
		margin:    margin,
		logger:    opts.Logger,
		now:       now,
		userLocks: map[string]*sync.Mutex{},
	}, nil
}

func (s *OAuthCredentialStore) GetValidToken(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", &CredentialError{UserID: userID, Reason: CredentialMissing, Err: ErrInvalidInput}
	}
	lock := s.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	creds, err := s.backend.Load(ctx, userID)
	if err != nil {
		return "", &CredentialError{UserID: userID, Reason: CredentialExpired, Err: err}
	}
	if creds == nil || creds.RefreshToken == "" && creds.AccessToken == "" {
		return "", &CredentialError{UserID: userID, Reason: CredentialMissing}
	}

	if creds.AccessToken != "" && s.now().Add(s.margin).Before(creds.Expiry) {
		return creds.AccessToken, nil
	}
	if creds.RefreshToken == "" {
		return "", &CredentialError{UserID: userID, Reason: CredentialRevoked}
	}

	refreshed, err := s.refresh(ctx, *creds)
	if err != nil {
		if isRevokedGrant(err) {
			// The refresh token itself is dead; clearing forces the reconnect
			// flow instead of retry loops against a revoked grant.
			if clearErr := s.backend.Delete(ctx, userID); clearErr != nil {
				logf(s.logger, "credentials: clear after revocation failed for %s: %v", userID, clearErr)
			}
			return "", &CredentialError{UserID: userID, Reason: CredentialRevoked, Err: err}
		}
		return "", &CredentialError{UserID: userID, Reason: CredentialExpired, Err: err}
	}

	if err := s.backend.Save(ctx, userID, refreshed); err != nil {
		return "", &CredentialError{UserID: userID, Reason: CredentialExpired, Err: err}
	}
	return refreshed.AccessToken, nil
}

func (s *OAuthCredentialStore) Put(ctx context.Context, userID string, creds Credentials) error {
	lock := s.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()
	return s.backend.Save(ctx, userID, creds)
}

func (s *OAuthCredentialStore) Clear(ctx context.Context, userID string) error {
	lock := s.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()
	return s.backend.Delete(ctx, userID)
}

func (s *OAuthCredentialStore) refresh(ctx context.Context, creds Credentials) (Credentials, error) {
	// Seeding the source with only the refresh token forces an immediate
	// refresh round trip.
	source := s.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	token, err := source.Token()
	if err != nil {
		return Credentials{}, err
	}
	refreshToken := token.RefreshToken
	if refreshToken == "" {
		refreshToken = creds.RefreshToken
	}
	return Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: refreshToken,
		Expiry:       token.Expiry,
		TokenType:    token.TokenType,
		Scope:        creds.Scope,
	}, nil
}

func (s *OAuthCredentialStore) lockFor(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.userLocks[userID] = lock
	}
	return lock
}

// isRevokedGrant distinguishes a dead refresh token from a transient refresh
// failure. The provider answers invalid_grant (HTTP 400/401) when the grant
// was revoked; anything else is treated as retryable.
func isRevokedGrant(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return false
	}
	if retrieveErr.ErrorCode == "invalid_grant" {
		return true
	}
	if retrieveErr.Response != nil {
		code := retrieveErr.Response.StatusCode
		return code == http.StatusBadRequest || code == http.StatusUnauthorized
	}
	return false
}
