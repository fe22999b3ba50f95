package calsync

import (
	"time"
)

// SyncStatus is the lifecycle tag on an event or relation.
//
// local -> sync_pending -> synced -> (sync_failed | deleted)
//
// synced is terminal until the next local or remote change; deleted is
// terminal once the remote deletion is confirmed.
type SyncStatus string

const (
	StatusLocal   SyncStatus = "local"
	StatusPending SyncStatus = "sync_pending"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "sync_failed"
	StatusDeleted SyncStatus = "deleted"
)

// EventSource identifies where a calendar event originates.
type EventSource string

const (
	SourceApp     EventSource = "app"
	SourceGoogle  EventSource = "google"
	SourceHabit   EventSource = "habit"
	SourceTask    EventSource = "task"
	SourceGoal    EventSource = "goal"
	SourceWorkout EventSource = "workout"
)

// Frequency is a recurrence frequency in the supported subset.
type Frequency string

const (
	FreqDaily   Frequency = "daily"
	FreqWeekly  Frequency = "weekly"
	FreqMonthly Frequency = "monthly"
	FreqYearly  Frequency = "yearly"
)

// RecurrenceOptions is the normalized recurrence description used as the
// intermediate form between local recurring definitions and the provider's
// RRULE string. Count and Until are mutually exclusive; zero values mean
// "unbounded".
type RecurrenceOptions struct {
	Frequency  Frequency   `json:"frequency"`
	Interval   int         `json:"interval,omitempty"`
	Count      int         `json:"count,omitempty"`
	Until      *time.Time  `json:"until,omitempty"`
	ByDay      []string    `json:"byDay,omitempty"`
	ByMonthDay []int       `json:"byMonthDay,omitempty"`
	ByMonth    []int       `json:"byMonth,omitempty"`
	ExDates    []time.Time `json:"exDates,omitempty"`
}

// CalendarEvent is the canonical, display-ready representation of a
// schedulable item. For projected entities (task/goal/habit/workout) the ID
// is the local event id the ledger binds against.
type CalendarEvent struct {
	ID            string             `json:"id"`
	UserID        string             `json:"userId"`
	Title         string             `json:"title"`
	Description   string             `json:"description,omitempty"`
	Location      string             `json:"location,omitempty"`
	Start         time.Time          `json:"start"`
	End           time.Time          `json:"end"`
	AllDay        bool               `json:"allDay,omitempty"`
	Source        EventSource        `json:"source"`
	RelatedID     string             `json:"relatedId,omitempty"`
	RelatedType   string             `json:"relatedType,omitempty"`
	GoogleEventID string             `json:"googleEventId,omitempty"`
	SyncStatus    SyncStatus         `json:"syncStatus,omitempty"`
	LastSyncedAt  *time.Time         `json:"lastSyncedAt,omitempty"`
	Recurrence    *RecurrenceOptions `json:"recurrence,omitempty"`
}

// EventRelation is the ledger row binding one local entity to at most one
// remote event per user. Title/Start/End/AllDay/RecurrenceRule are a
// denormalized snapshot of the local fields as of the last successful push,
// used for fast diffing. RemoteFingerprint is a hash of the provider's copy
// as of the last pass, used to observe upstream drift.
type EventRelation struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	LocalEventID      string     `json:"localEventId,omitempty"`
	GoogleEventID     string     `json:"googleEventId,omitempty"`
	RelatedID         string     `json:"relatedId,omitempty"`
	RelatedType       string     `json:"relatedType,omitempty"`
	Title             string     `json:"title"`
	Start             time.Time  `json:"start"`
	End               time.Time  `json:"end"`
	AllDay            bool       `json:"allDay,omitempty"`
	RecurrenceRule    string     `json:"recurrenceRule,omitempty"`
	RemoteFingerprint string     `json:"remoteFingerprint,omitempty"`
	SyncStatus        SyncStatus `json:"syncStatus"`
	SyncError         string     `json:"syncError,omitempty"`
	LastSyncedAt      time.Time  `json:"lastSyncedAt,omitempty"`
	UpdatedAt         time.Time  `json:"updatedAt,omitempty"`
}

// Active reports whether the relation still binds its remote event. Tombstoned
// relations stay in the ledger until pruned out of band.
func (r *EventRelation) Active() bool {
	return r != nil && r.SyncStatus != StatusDeleted
}

// SyncType classifies what triggered a pass.
type SyncType string

const (
	SyncManual SyncType = "manual"
	SyncAuto   SyncType = "auto"
	SyncPush   SyncType = "push"
	SyncPull   SyncType = "pull"
)

// SyncLogStatus is the aggregate outcome of one pass.
type SyncLogStatus string

const (
	LogSuccess SyncLogStatus = "success"
	LogPartial SyncLogStatus = "partial"
	LogFailed  SyncLogStatus = "failed"
)

// SyncLog is the immutable audit record of one synchronization pass. It is
// append-only and never mutated after CompletedAt is set.
type SyncLog struct {
	ID            string        `json:"id"`
	UserID        string        `json:"userId"`
	SyncType      SyncType      `json:"syncType"`
	Status        SyncLogStatus `json:"status"`
	StartedAt     time.Time     `json:"startedAt"`
	CompletedAt   time.Time     `json:"completedAt"`
	EventsCreated int           `json:"eventsCreated"`
	EventsUpdated int           `json:"eventsUpdated"`
	EventsDeleted int           `json:"eventsDeleted"`
	EventsFailed  int           `json:"eventsFailed"`
	ErrorMessage  string        `json:"errorMessage,omitempty"`
	Details       []string      `json:"details,omitempty"`
}

// SyncResult is returned to the caller of a pass.
type SyncResult struct {
	Success       bool     `json:"success"`
	EventsCreated int      `json:"eventsCreated"`
	EventsUpdated int      `json:"eventsUpdated"`
	EventsDeleted int      `json:"eventsDeleted"`
	EventsFailed  int      `json:"eventsFailed"`
	ErrorMessage  string   `json:"errorMessage,omitempty"`
	Details       []string `json:"details,omitempty"`
}

// Credentials are the per-user OAuth credentials for the provider. They are
// owned by the CredentialStore and never persisted outside it.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry_date"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
}

// UserSettings holds the calendar-sync preferences for one user.
type UserSettings struct {
	UserID               string `json:"userId"`
	SyncEnabled          bool   `json:"syncEnabled"`
	SyncFrequencyMinutes int    `json:"syncFrequencyMinutes,omitempty"`
}

// TimeWindow is the half-open interval [Start, End) a pass fetches remote
// events for.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}
