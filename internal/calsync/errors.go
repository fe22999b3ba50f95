package calsync

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("write conflict")
)

// CredentialReason says why a valid access token could not be produced.
type CredentialReason string

const (
	// CredentialExpired marks a transient refresh failure; stored credentials
	// are kept and the caller may retry.
	CredentialExpired CredentialReason = "expired"
	// CredentialRevoked marks a rejected refresh token; stored credentials are
	// cleared and the user must re-authorize.
	CredentialRevoked CredentialReason = "revoked"
	// CredentialMissing marks a user with no stored credentials at all.
	CredentialMissing CredentialReason = "missing"
)

type CredentialError struct {
	UserID string
	Reason CredentialReason
	Err    error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credentials %s for user %s: %v", e.Reason, e.UserID, e.Err)
	}
	return fmt.Sprintf("credentials %s for user %s", e.Reason, e.UserID)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// MappingError marks a local event that cannot be translated into a provider
// payload (invalid time range, malformed recurrence). It is recovered per
// item: the relation is marked sync_failed and the pass continues.
type MappingError struct {
	LocalEventID string
	Reason       string
}

func (e *MappingError) Error() string {
	if e.LocalEventID == "" {
		return "mapping failed: " + e.Reason
	}
	return fmt.Sprintf("mapping %s failed: %s", e.LocalEventID, e.Reason)
}

// ProviderErrorKind classifies a provider call failure for the retry policy.
type ProviderErrorKind string

const (
	ProviderTransient   ProviderErrorKind = "transient"
	ProviderRateLimited ProviderErrorKind = "rate_limited"
	ProviderPermanent   ProviderErrorKind = "permanent"
	ProviderNotFound    ProviderErrorKind = "not_found"
)

type ProviderError struct {
	Kind       ProviderErrorKind
	Op         string
	EventID    string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s (%s)", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status=%d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the bounded retry policy applies.
func (e *ProviderError) Retryable() bool {
	return e.Kind == ProviderTransient || e.Kind == ProviderRateLimited
}

// credentialReason extracts the reason from err, or "" when err is not a
// CredentialError.
func credentialReason(err error) CredentialReason {
	var credErr *CredentialError
	if errors.As(err, &credErr) {
		return credErr.Reason
	}
	return ""
}

// providerRetryable reports whether err is a provider failure eligible for
// the bounded retry policy.
func providerRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable()
	}
	return false
}

// providerNotFound reports whether err is the provider's not-found rejection.
func providerNotFound(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Kind == ProviderNotFound
	}
	return false
}
