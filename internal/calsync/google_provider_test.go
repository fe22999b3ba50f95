package calsync

import (
	"errors"
	"testing"

	"google.golang.org/api/googleapi"
)

func TestClassifyProviderError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		kind      ProviderErrorKind
		retryable bool
	}{
		{"network failure", errors.New("connection reset"), ProviderTransient, true},
		{"429", &googleapi.Error{Code: 429}, ProviderRateLimited, true},
		{
			"403 rate limit",
			&googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}},
			ProviderRateLimited, true,
		},
		{
			"403 per-user rate limit",
			&googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}},
			ProviderRateLimited, true,
		},
		{
			"403 quota exhausted",
			&googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded"}}},
			ProviderRateLimited, true,
		},
		{
			"403 real permission failure",
			&googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "forbidden"}}},
			ProviderPermanent, false,
		},
		{"500", &googleapi.Error{Code: 500}, ProviderTransient, true},
		{"503", &googleapi.Error{Code: 503}, ProviderTransient, true},
		{"404", &googleapi.Error{Code: 404}, ProviderNotFound, false},
		{"410", &googleapi.Error{Code: 410}, ProviderNotFound, false},
		{"400", &googleapi.Error{Code: 400}, ProviderPermanent, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyProviderError("insert", "ev-1", tc.err)
			var provErr *ProviderError
			if !errors.As(err, &provErr) {
				t.Fatalf("err = %T, want *ProviderError", err)
			}
			if provErr.Kind != tc.kind {
				t.Fatalf("kind = %q, want %q", provErr.Kind, tc.kind)
			}
			if provErr.Retryable() != tc.retryable {
				t.Fatalf("retryable = %v, want %v", provErr.Retryable(), tc.retryable)
			}
		})
	}
}
