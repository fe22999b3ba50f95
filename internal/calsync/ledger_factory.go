package calsync

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildLedgerFromDSN selects a ledger backend by DSN scheme:
//
//	memory://                     in-process ledger (tests, dev)
//	postgres://user:pw@host/db    durable ledger
func BuildLedgerFromDSN(dsn string) (SyncLedger, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryLedger(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme)); scheme {
	case "", "memory", "mem", "inmem":
		return NewMemoryLedger(), nil
	case "postgres", "postgresql":
		return NewPostgresLedger(dsn)
	default:
		return nil, fmt.Errorf("unsupported ledger scheme: %s", scheme)
	}
}
