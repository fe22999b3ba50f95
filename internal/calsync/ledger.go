package calsync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SyncLedger is the durable record of the relationship between local entities
// and remote events, plus the append-only pass history. It is the single
// source of truth for "have we already pushed this, and what happened", and
// the sole write path for syncStatus transitions.
//
// Invariants enforced by every implementation:
//   - at most one active (non-deleted) relation per (userID, localEventID)
//   - a non-empty googleEventId is bound to at most one active relation;
//     rebinding requires tombstoning the old relation first
type SyncLedger interface {
	// FindRelationByLocalEvent returns ErrNotFound when no active relation
	// binds the local event.
	FindRelationByLocalEvent(ctx context.Context, userID, localEventID string) (*EventRelation, error)
	// FindRelationByRemoteEvent returns ErrNotFound when no active relation
	// binds the remote event.
	FindRelationByRemoteEvent(ctx context.Context, userID, googleEventID string) (*EventRelation, error)
	// ListRelations returns all relations for a user, tombstones included.
	ListRelations(ctx context.Context, userID string) ([]EventRelation, error)
	// UpsertRelation stores the relation, assigning an ID when absent, and
	// returns the stored copy. Uniqueness violations surface as ErrConflict.
	UpsertRelation(ctx context.Context, rel *EventRelation) (*EventRelation, error)
	// MarkDeleted tombstones a relation; the row remains until pruned out of
	// band.
	MarkDeleted(ctx context.Context, userID, relationID string) error
	// AppendLog records a completed pass. Entries are immutable once written.
	AppendLog(ctx context.Context, entry *SyncLog) error
	// ListLogs returns the most recent entries, newest first.
	ListLogs(ctx context.Context, userID string, limit int) ([]SyncLog, error)
	// CommitPass applies a pass's relation mutations and its log entry
	// atomically: either all are durable or none are.
	CommitPass(ctx context.Context, userID string, relations []*EventRelation, entry *SyncLog) error
	Close() error
}

// RetryRelation clears a failed relation so the next pass picks it up again.
// A relation whose remote copy disappeared is unbound from its dead remote ID,
// which makes the next pass re-create the event; this is the only path that
// recreates a remotely deleted event. Returns ErrConflict when the relation is
// not in a failed state.
func RetryRelation(ctx context.Context, ledger SyncLedger, userID, relationID string) (*EventRelation, error) {
	relations, err := ledger.ListRelations(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range relations {
		rel := relations[i]
		if rel.ID != relationID {
			continue
		}
		if rel.SyncStatus != StatusFailed {
			return nil, ErrConflict
		}
		if rel.SyncError == remoteMissingError {
			rel.GoogleEventID = ""
		}
		rel.SyncStatus = StatusPending
		rel.SyncError = ""
		return ledger.UpsertRelation(ctx, &rel)
	}
	return nil, ErrNotFound
}

// MemoryLedger is the in-process SyncLedger used by tests and the memory://
// backend profile.
type MemoryLedger struct {
	mu        sync.Mutex
	relations map[string]map[string]*EventRelation // userID -> relationID -> relation
	logs      map[string][]SyncLog                 // userID -> entries, oldest first
	now       func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		relations: map[string]map[string]*EventRelation{},
		logs:      map[string][]SyncLog{},
		now:       time.Now,
	}
}

func (l *MemoryLedger) FindRelationByLocalEvent(ctx context.Context, userID, localEventID string) (*EventRelation, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rel := range l.relations[userID] {
		if rel.Active() && rel.LocalEventID == localEventID && localEventID != "" {
			return cloneRelation(rel), nil
		}
	}
	return nil, ErrNotFound
}

func (l *MemoryLedger) FindRelationByRemoteEvent(ctx context.Context, userID, googleEventID string) (*EventRelation, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rel := range l.relations[userID] {
		if rel.Active() && rel.GoogleEventID == googleEventID && googleEventID != "" {
			return cloneRelation(rel), nil
		}
	}
	return nil, ErrNotFound
}

func (l *MemoryLedger) ListRelations(ctx context.Context, userID string) ([]EventRelation, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventRelation, 0, len(l.relations[userID]))
	for _, rel := range l.relations[userID] {
		out = append(out, *cloneRelation(rel))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *MemoryLedger) UpsertRelation(ctx context.Context, rel *EventRelation) (*EventRelation, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	stored, err := l.upsertLocked(rel)
	if err != nil {
		return nil, err
	}
	return cloneRelation(stored), nil
}

func (l *MemoryLedger) upsertLocked(rel *EventRelation) (*EventRelation, error) {
	if rel == nil || strings.TrimSpace(rel.UserID) == "" {
		return nil, ErrInvalidInput
	}
	userRelations := l.relations[rel.UserID]
	if userRelations == nil {
		userRelations = map[string]*EventRelation{}
		l.relations[rel.UserID] = userRelations
	}
	stored := cloneRelation(rel)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Active() {
		for _, existing := range userRelations {
			if existing.ID == stored.ID || !existing.Active() {
				continue
			}
			if stored.LocalEventID != "" && existing.LocalEventID == stored.LocalEventID {
				return nil, ErrConflict
			}
			if stored.GoogleEventID != "" && existing.GoogleEventID == stored.GoogleEventID {
				return nil, ErrConflict
			}
		}
	}
	stored.UpdatedAt = l.now()
	userRelations[stored.ID] = stored
	return stored, nil
}

func (l *MemoryLedger) MarkDeleted(ctx context.Context, userID, relationID string) error {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	rel, ok := l.relations[userID][relationID]
	if !ok {
		return ErrNotFound
	}
	rel.SyncStatus = StatusDeleted
	rel.UpdatedAt = l.now()
	return nil
}

func (l *MemoryLedger) AppendLog(ctx context.Context, entry *SyncLog) error {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLogLocked(entry)
}

func (l *MemoryLedger) appendLogLocked(entry *SyncLog) error {
	if entry == nil || strings.TrimSpace(entry.UserID) == "" {
		return ErrInvalidInput
	}
	stored := *entry
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.Details = append([]string(nil), entry.Details...)
	l.logs[entry.UserID] = append(l.logs[entry.UserID], stored)
	return nil
}

func (l *MemoryLedger) ListLogs(ctx context.Context, userID string, limit int) ([]SyncLog, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.logs[userID]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	out := make([]SyncLog, 0, limit)
	for i := len(entries) - 1; i >= len(entries)-limit; i-- {
		entry := entries[i]
		entry.Details = append([]string(nil), entry.Details...)
		out = append(out, entry)
	}
	return out, nil
}

func (l *MemoryLedger) CommitPass(ctx context.Context, userID string, relations []*EventRelation, entry *SyncLog) error {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()

	// Stage against a copy so a uniqueness violation leaves nothing applied.
	original := l.relations[userID]
	staged := make(map[string]*EventRelation, len(original))
	for id, rel := range original {
		staged[id] = cloneRelation(rel)
	}
	l.relations[userID] = staged
	for _, rel := range relations {
		if rel != nil && rel.UserID == "" {
			rel.UserID = userID
		}
		if _, err := l.upsertLocked(rel); err != nil {
			l.relations[userID] = original
			return err
		}
	}
	if entry != nil {
		if err := l.appendLogLocked(entry); err != nil {
			l.relations[userID] = original
			return err
		}
	}
	return nil
}

func (l *MemoryLedger) Close() error {
	return nil
}

func cloneRelation(rel *EventRelation) *EventRelation {
	if rel == nil {
		return nil
	}
	copied := *rel
	return &copied
}
