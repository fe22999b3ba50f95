package calsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"
)

const (
	remoteMissingError = "remote event missing"

	defaultCallTimeout    = 15 * time.Second
	defaultMaxConcurrency = 4
	defaultWindowPast     = 7 * 24 * time.Hour
	defaultWindowFuture   = 90 * 24 * time.Hour
)

// ReconnectTrigger is invoked when a pass discovers revoked credentials.
type ReconnectTrigger interface {
	TriggerReconnect(userID string) string
}

type EngineOptions struct {
	Ledger      SyncLedger
	Provider    Provider
	Credentials CredentialStore
	Projection  ProjectionSource
	Reconnect   ReconnectTrigger

	Retry          RetryPolicy
	MaxConcurrency int
	CallTimeout    time.Duration
	WindowPast     time.Duration
	WindowFuture   time.Duration
	Logger         Logger
	Now            func() time.Time
}

// Engine orchestrates synchronization passes. Passes for the same user must
// be serialized by the caller (the Scheduler does this); the engine itself
// only bounds concurrency within a pass.
type Engine struct {
	ledger      SyncLedger
	provider    Provider
	credentials CredentialStore
	projection  ProjectionSource
	reconnect   ReconnectTrigger

	retry          RetryPolicy
	maxConcurrency int
	callTimeout    time.Duration
	windowPast     time.Duration
	windowFuture   time.Duration
	logger         Logger
	now            func() time.Time
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Ledger == nil || opts.Provider == nil || opts.Credentials == nil || opts.Projection == nil {
		return nil, ErrInvalidInput
	}
	maxConcurrency := opts.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	windowPast := opts.WindowPast
	if windowPast <= 0 {
		windowPast = defaultWindowPast
	}
	windowFuture := opts.WindowFuture
	if windowFuture <= 0 {
		windowFuture = defaultWindowFuture
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		ledger:         opts.Ledger,
		provider:       opts.Provider,
		credentials:    opts.Credentials,
		projection:     opts.Projection,
		reconnect:      opts.Reconnect,
		retry:          opts.Retry.normalized(),
		maxConcurrency: maxConcurrency,
		callTimeout:    callTimeout,
		windowPast:     windowPast,
		windowFuture:   windowFuture,
		logger:         opts.Logger,
		now:            now,
	}, nil
}

type passAction string

const (
	actionCreate        passAction = "create"
	actionUpdate        passAction = "update"
	actionDelete        passAction = "delete"
	actionTombstone     passAction = "tombstone"
	actionRemoteMissing passAction = "remote_missing"
	actionDrift         passAction = "drift"
)

type passItem struct {
	action passAction
	event  CalendarEvent
	rel    *EventRelation
	remote *calendar.Event
}

type itemOutcome struct {
	rel     *EventRelation
	created bool
	updated bool
	deleted bool
	failed  bool
	detail  string
}

// RunPass executes one complete synchronization pass for one user.
func (e *Engine) RunPass(ctx context.Context, userID string, syncType SyncType) (SyncResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return SyncResult{}, ErrInvalidInput
	}
	startedAt := e.now()

	token, err := e.acquireToken(ctx, userID)
	if err != nil {
		return e.abortPass(ctx, userID, syncType, startedAt, err)
	}

	locals, err := e.projection.ListProjectedEvents(ctx, userID)
	if err != nil {
		return e.abortPass(ctx, userID, syncType, startedAt, fmt.Errorf("list projected events: %w", err))
	}
	relations, err := e.ledger.ListRelations(ctx, userID)
	if err != nil {
		return e.abortPass(ctx, userID, syncType, startedAt, fmt.Errorf("list relations: %w", err))
	}
	window := TimeWindow{Start: startedAt.Add(-e.windowPast), End: startedAt.Add(e.windowFuture)}
	remote, err := e.listRemote(ctx, token, window)
	if err != nil {
		return e.abortPass(ctx, userID, syncType, startedAt, fmt.Errorf("fetch remote events: %w", err))
	}

	items := planPass(locals, relations, remote)
	passID := uuid.NewString()
	outcomes := e.executeItems(ctx, token, userID, passID, items)

	result, staged, details := collectOutcomes(outcomes)
	entry := &SyncLog{
		UserID:        userID,
		SyncType:      syncType,
		StartedAt:     startedAt,
		CompletedAt:   e.now(),
		EventsCreated: result.EventsCreated,
		EventsUpdated: result.EventsUpdated,
		EventsDeleted: result.EventsDeleted,
		EventsFailed:  result.EventsFailed,
		Details:       details,
	}
	entry.Status = logStatus(result)
	if ctx.Err() != nil {
		entry.ErrorMessage = "pass cancelled"
	}

	if err := e.commitPass(ctx, userID, staged, entry); err != nil {
		result.Success = false
		result.ErrorMessage = "ledger commit failed: " + err.Error()
		return result, err
	}
	result.Success = result.EventsFailed == 0 && ctx.Err() == nil
	if ctx.Err() != nil {
		result.ErrorMessage = "pass cancelled"
		return result, ctx.Err()
	}
	return result, nil
}

// abortPass records a pass that never reached the diff stage.
func (e *Engine) abortPass(ctx context.Context, userID string, syncType SyncType, startedAt time.Time, cause error) (SyncResult, error) {
	message := cause.Error()
	reason := credentialReason(cause)
	switch reason {
	case CredentialRevoked:
		message = "reauthorization required"
	case CredentialMissing:
		message = "calendar not connected"
	case CredentialExpired:
		message = "credential refresh failed; will retry"
	}

	entry := &SyncLog{
		UserID:       userID,
		SyncType:     syncType,
		Status:       LogFailed,
		StartedAt:    startedAt,
		CompletedAt:  e.now(),
		ErrorMessage: message,
	}
	// The audit trail must survive even when the pass itself is the failure.
	logCtx := ctx
	if logCtx.Err() != nil {
		var cancel context.CancelFunc
		logCtx, cancel = context.WithTimeout(context.Background(), e.callTimeout)
		defer cancel()
	}
	if logErr := e.ledger.AppendLog(logCtx, entry); logErr != nil {
		logf(e.logger, "sync: append abort log for %s failed: %v", userID, logErr)
	}

	if reason == CredentialRevoked && e.reconnect != nil {
		e.reconnect.TriggerReconnect(userID)
	}
	return SyncResult{Success: false, ErrorMessage: message}, cause
}

// acquireToken wraps the credential lookup in the retry policy; only the
// transient (expired) failure is retried.
func (e *Engine) acquireToken(ctx context.Context, userID string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := waitWithContext(ctx, e.retry.delay(attempt)); err != nil {
				return "", err
			}
		}
		token, err := e.credentials.GetValidToken(ctx, userID)
		if err == nil {
			return token, nil
		}
		lastErr = err
		if credentialReason(err) != CredentialExpired {
			return "", err
		}
	}
	return "", lastErr
}

func (e *Engine) listRemote(ctx context.Context, token string, window TimeWindow) (map[string]*calendar.Event, error) {
	var events []*calendar.Event
	err := e.callProvider(ctx, func(callCtx context.Context) error {
		fetched, err := e.provider.ListEvents(callCtx, token, window)
		if err != nil {
			return err
		}
		events = fetched
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]*calendar.Event, len(events))
	for _, ev := range events {
		if ev != nil && ev.Id != "" {
			out[ev.Id] = ev
		}
	}
	return out, nil
}

// planPass performs the three-way diff of local state, ledger relations, and
// the fetched remote window. It issues no provider calls itself.
func planPass(locals []CalendarEvent, relations []EventRelation, remote map[string]*calendar.Event) []passItem {
	byLocalEvent := make(map[string]*EventRelation, len(relations))
	for i := range relations {
		rel := &relations[i]
		if rel.Active() && rel.LocalEventID != "" {
			byLocalEvent[rel.LocalEventID] = rel
		}
	}
	localByID := make(map[string]CalendarEvent, len(locals))
	for _, ev := range locals {
		localByID[ev.ID] = ev
	}

	var items []passItem
	sorted := append([]CalendarEvent(nil), locals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, ev := range sorted {
		rel := byLocalEvent[ev.ID]
		eligible := !ev.Start.IsZero() && ev.SyncStatus != StatusDeleted
		switch {
		case !eligible:
			if rel == nil {
				continue
			}
			if rel.GoogleEventID != "" {
				items = append(items, passItem{action: actionDelete, event: ev, rel: rel})
			} else {
				items = append(items, passItem{action: actionTombstone, event: ev, rel: rel})
			}
		case rel == nil || rel.GoogleEventID == "":
			// Never pushed, or a previous push failed before a remote identity
			// was bound.
			items = append(items, passItem{action: actionCreate, event: ev, rel: rel})
		default:
			re, present := remote[rel.GoogleEventID]
			switch {
			case !present:
				if snapshotDiffers(ev, rel) {
					// A local edit reopens the item; the update observes the
					// 404 and records the missing remote again.
					items = append(items, passItem{action: actionUpdate, event: ev, rel: rel})
					continue
				}
				if rel.SyncStatus == StatusFailed && rel.SyncError == remoteMissingError {
					continue // already recorded; do not auto-recreate
				}
				items = append(items, passItem{action: actionRemoteMissing, event: ev, rel: rel})
			case snapshotDiffers(ev, rel):
				items = append(items, passItem{action: actionUpdate, event: ev, rel: rel, remote: re})
			case RemoteFingerprint(re) != rel.RemoteFingerprint:
				items = append(items, passItem{action: actionDrift, event: ev, rel: rel, remote: re})
			}
		}
	}

	// Relations whose local entity disappeared: the entity was deleted or
	// unlinked, so the remote copy goes too.
	var orphaned []*EventRelation
	for i := range relations {
		rel := &relations[i]
		if !rel.Active() || rel.LocalEventID == "" {
			continue
		}
		if _, ok := localByID[rel.LocalEventID]; !ok {
			orphaned = append(orphaned, rel)
		}
	}
	sort.Slice(orphaned, func(i, j int) bool { return orphaned[i].ID < orphaned[j].ID })
	for _, rel := range orphaned {
		if rel.GoogleEventID != "" {
			items = append(items, passItem{action: actionDelete, rel: rel})
		} else {
			items = append(items, passItem{action: actionTombstone, rel: rel})
		}
	}
	return items
}

// executeItems runs the planned items with bounded concurrency. Each item
// touches a distinct relation, so items are independent; an outcome is
// recorded only after its provider call definitively succeeded or failed.
func (e *Engine) executeItems(ctx context.Context, token, userID, passID string, items []passItem) []itemOutcome {
	outcomes := make([]itemOutcome, len(items))
	sem := make(chan struct{}, e.maxConcurrency)
	var wg sync.WaitGroup

	for i := range items {
		if ctx.Err() != nil {
			break // stop issuing new work; in-flight items finish below
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[idx] = e.executeItem(ctx, token, userID, passID, items[idx])
		}(i)
	}
	wg.Wait()
	return outcomes
}

func (e *Engine) executeItem(ctx context.Context, token, userID, passID string, item passItem) itemOutcome {
	switch item.action {
	case actionCreate:
		return e.createRemote(ctx, token, userID, passID, item)
	case actionUpdate:
		return e.updateRemote(ctx, token, item)
	case actionDelete:
		return e.deleteRemote(ctx, token, item)
	case actionTombstone:
		rel := cloneRelation(item.rel)
		rel.SyncStatus = StatusDeleted
		return itemOutcome{rel: rel, deleted: true}
	case actionRemoteMissing:
		rel := cloneRelation(item.rel)
		rel.SyncStatus = StatusFailed
		rel.SyncError = remoteMissingError
		return itemOutcome{
			rel:    rel,
			failed: true,
			detail: fmt.Sprintf("event %s: remote copy disappeared; awaiting confirmation before recreating", rel.LocalEventID),
		}
	case actionDrift:
		// Local stays authoritative; the upstream edit is recorded, not
		// merged. Refreshing the fingerprint records it exactly once.
		rel := cloneRelation(item.rel)
		rel.RemoteFingerprint = RemoteFingerprint(item.remote)
		rel.SyncError = "remote event modified upstream; local copy authoritative"
		return itemOutcome{
			rel:    rel,
			detail: fmt.Sprintf("event %s: remote event %s modified upstream", rel.LocalEventID, rel.GoogleEventID),
		}
	default:
		return itemOutcome{}
	}
}

func (e *Engine) createRemote(ctx context.Context, token, userID, passID string, item passItem) itemOutcome {
	ev := item.event
	rel := cloneRelation(item.rel)
	if rel == nil {
		rel = &EventRelation{
			UserID:       userID,
			LocalEventID: ev.ID,
			RelatedID:    ev.RelatedID,
			RelatedType:  ev.RelatedType,
		}
	}

	payload, err := ToRemotePayload(ev)
	if err != nil {
		return e.failOutcome(rel, ev, err)
	}
	payload.Id = clientEventID(userID, ev.ID, passID)

	var created *calendar.Event
	err = e.callProvider(ctx, func(callCtx context.Context) error {
		result, err := e.provider.InsertEvent(callCtx, token, payload)
		if err != nil {
			return err
		}
		created = result
		return nil
	})
	if err != nil {
		return e.failOutcome(rel, ev, err)
	}

	e.refreshSnapshot(rel, ev, created)
	return itemOutcome{rel: rel, created: true}
}

func (e *Engine) updateRemote(ctx context.Context, token string, item passItem) itemOutcome {
	ev := item.event
	rel := cloneRelation(item.rel)

	payload, err := ToRemotePayload(ev)
	if err != nil {
		return e.failOutcome(rel, ev, err)
	}

	var updated *calendar.Event
	err = e.callProvider(ctx, func(callCtx context.Context) error {
		result, err := e.provider.UpdateEvent(callCtx, token, rel.GoogleEventID, payload)
		if err != nil {
			return err
		}
		updated = result
		return nil
	})
	if err != nil {
		if providerNotFound(err) {
			rel.SyncStatus = StatusFailed
			rel.SyncError = remoteMissingError
			return itemOutcome{
				rel:    rel,
				failed: true,
				detail: fmt.Sprintf("event %s: remote copy disappeared during update", rel.LocalEventID),
			}
		}
		return e.failOutcome(rel, ev, err)
	}

	e.refreshSnapshot(rel, ev, updated)
	return itemOutcome{rel: rel, updated: true}
}

func (e *Engine) deleteRemote(ctx context.Context, token string, item passItem) itemOutcome {
	rel := cloneRelation(item.rel)
	err := e.callProvider(ctx, func(callCtx context.Context) error {
		return e.provider.DeleteEvent(callCtx, token, rel.GoogleEventID)
	})
	if err != nil && !providerNotFound(err) {
		rel.SyncStatus = StatusFailed
		rel.SyncError = err.Error()
		return itemOutcome{
			rel:    rel,
			failed: true,
			detail: fmt.Sprintf("event %s: delete failed: %v", rel.LocalEventID, err),
		}
	}
	// Already-gone counts as deleted; the goal state holds either way.
	rel.SyncStatus = StatusDeleted
	rel.SyncError = ""
	return itemOutcome{rel: rel, deleted: true}
}

func (e *Engine) failOutcome(rel *EventRelation, ev CalendarEvent, err error) itemOutcome {
	rel.LocalEventID = ev.ID
	rel.SyncStatus = StatusFailed
	rel.SyncError = err.Error()
	return itemOutcome{
		rel:    rel,
		failed: true,
		detail: fmt.Sprintf("event %s: %v", ev.ID, err),
	}
}

// refreshSnapshot binds the remote identity and records the denormalized
// local snapshot plus the remote fingerprint for the next diff.
func (e *Engine) refreshSnapshot(rel *EventRelation, ev CalendarEvent, remote *calendar.Event) {
	rel.GoogleEventID = remote.Id
	rel.RelatedID = ev.RelatedID
	rel.RelatedType = ev.RelatedType
	rel.Title = strings.TrimSpace(ev.Title)
	rel.Start = ev.Start.UTC()
	end := ev.End
	if end.IsZero() && !ev.AllDay {
		end = ev.Start.Add(time.Hour)
	}
	rel.End = end.UTC()
	rel.AllDay = ev.AllDay
	rel.RecurrenceRule = recurrenceRuleString(ev.Recurrence, ev.ID)
	rel.RemoteFingerprint = RemoteFingerprint(remote)
	rel.SyncStatus = StatusSynced
	rel.SyncError = ""
	rel.LastSyncedAt = e.now()
}

// callProvider applies the per-call timeout and the bounded retry policy to
// one provider call.
func (e *Engine) callProvider(ctx context.Context, call func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := waitWithContext(ctx, e.retry.delay(attempt)); err != nil {
				return err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		err := call(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = &ProviderError{Kind: ProviderTransient, Op: "call", Err: err}
		}
		lastErr = err
		if !providerRetryable(err) {
			return err
		}
	}
	return lastErr
}

func collectOutcomes(outcomes []itemOutcome) (SyncResult, []*EventRelation, []string) {
	var result SyncResult
	var staged []*EventRelation
	var details []string
	for _, outcome := range outcomes {
		if outcome.rel != nil {
			staged = append(staged, outcome.rel)
		}
		if outcome.created {
			result.EventsCreated++
		}
		if outcome.updated {
			result.EventsUpdated++
		}
		if outcome.deleted {
			result.EventsDeleted++
		}
		if outcome.failed {
			result.EventsFailed++
		}
		if outcome.detail != "" {
			details = append(details, outcome.detail)
		}
	}
	if result.EventsFailed > 0 {
		result.ErrorMessage = fmt.Sprintf("%d item(s) failed to sync", result.EventsFailed)
	}
	result.Details = details
	return result, staged, details
}

func logStatus(result SyncResult) SyncLogStatus {
	succeeded := result.EventsCreated + result.EventsUpdated + result.EventsDeleted
	switch {
	case result.EventsFailed == 0:
		return LogSuccess
	case succeeded > 0:
		return LogPartial
	default:
		return LogFailed
	}
}

// commitPass writes the pass atomically, retrying once on a write conflict
// after re-aligning staged relation IDs with the ledger's current rows.
func (e *Engine) commitPass(ctx context.Context, userID string, staged []*EventRelation, entry *SyncLog) error {
	// Provider work that definitively completed must still land when the
	// caller's context died mid-pass; an unrecorded create would be recreated
	// by the next pass as a duplicate remote event.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), e.callTimeout)
		defer cancel()
	}
	err := e.ledger.CommitPass(ctx, userID, staged, entry)
	if !errors.Is(err, ErrConflict) {
		return err
	}
	logf(e.logger, "sync: ledger conflict for %s; re-reading and retrying commit", userID)
	for _, rel := range staged {
		if rel.LocalEventID == "" {
			continue
		}
		current, findErr := e.ledger.FindRelationByLocalEvent(ctx, userID, rel.LocalEventID)
		if findErr == nil && current.ID != rel.ID {
			rel.ID = current.ID
		}
	}
	return e.ledger.CommitPass(ctx, userID, staged, entry)
}

// clientEventID derives the provider-side event ID for a create. It is stable
// within one pass so client-side retries cannot duplicate the event, and
// fresh across passes because the provider tombstones IDs of deleted events.
func clientEventID(userID, localEventID, passID string) string {
	sum := sha256.Sum256([]byte(userID + "\x00" + localEventID + "\x00" + passID))
	return hex.EncodeToString(sum[:])[:32]
}
