package calsync

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// ProjectionSource enumerates the calendar projection of a user's
// productivity entities: every task, goal, habit occurrence, or workout that
// currently has a due or scheduled date and is not excluded from calendar
// sync. The productivity CRUD itself lives outside this module; the engine
// only ever sees the projection.
type ProjectionSource interface {
	ListProjectedEvents(ctx context.Context, userID string) ([]CalendarEvent, error)
}

// SettingsSource tells the scheduler which users have calendar sync enabled
// and how often they want it.
type SettingsSource interface {
	ListSyncEnabled(ctx context.Context) ([]UserSettings, error)
}

// MemoryProjectionStore is the projection cache fed by entity change
// notifications. It implements both ProjectionSource and SettingsSource.
type MemoryProjectionStore struct {
	mu       sync.Mutex
	events   map[string]map[string]CalendarEvent // userID -> localEventID -> event
	settings map[string]UserSettings
}

func NewMemoryProjectionStore() *MemoryProjectionStore {
	return &MemoryProjectionStore{
		events:   map[string]map[string]CalendarEvent{},
		settings: map[string]UserSettings{},
	}
}

func (s *MemoryProjectionStore) UpsertEvent(ctx context.Context, ev CalendarEvent) error {
	_ = ctx
	if strings.TrimSpace(ev.UserID) == "" || strings.TrimSpace(ev.ID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	userEvents := s.events[ev.UserID]
	if userEvents == nil {
		userEvents = map[string]CalendarEvent{}
		s.events[ev.UserID] = userEvents
	}
	userEvents[ev.ID] = ev
	return nil
}

func (s *MemoryProjectionStore) DeleteEvent(ctx context.Context, userID, localEventID string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	userEvents, ok := s.events[userID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := userEvents[localEventID]; !ok {
		return ErrNotFound
	}
	delete(userEvents, localEventID)
	return nil
}

func (s *MemoryProjectionStore) ListProjectedEvents(ctx context.Context, userID string) ([]CalendarEvent, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CalendarEvent, 0, len(s.events[userID]))
	for _, ev := range s.events[userID] {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryProjectionStore) PutSettings(ctx context.Context, settings UserSettings) error {
	_ = ctx
	if strings.TrimSpace(settings.UserID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[settings.UserID] = settings
	return nil
}

func (s *MemoryProjectionStore) ListSyncEnabled(ctx context.Context) ([]UserSettings, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UserSettings, 0, len(s.settings))
	for _, settings := range s.settings {
		if settings.SyncEnabled {
			out = append(out, settings)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
