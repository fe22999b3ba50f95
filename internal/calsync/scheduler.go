package calsync

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// StatusUpdate is broadcast to stream subscribers whenever a pass starts or
// finishes.
type StatusUpdate struct {
	UserID   string      `json:"userId"`
	Phase    string      `json:"phase"` // "started" or "finished"
	SyncType SyncType    `json:"syncType"`
	Result   *SyncResult `json:"result,omitempty"`
	At       time.Time   `json:"at"`
}

// Scheduler serializes passes per user and coalesces requests that arrive
// while a pass is running: at most one pass runs and at most one is queued
// for any user, so a burst of entity edits costs a single follow-up pass.
type Scheduler struct {
	engine   *Engine
	settings SettingsSource
	logger   Logger
	now      func() time.Time

	cron   *cron.Cron
	passWG sync.WaitGroup

	mu    sync.Mutex
	users map[string]*userState

	subMu sync.Mutex
	subs  map[chan StatusUpdate]struct{}
}

type userState struct {
	running  bool
	queued   bool
	lastPass time.Time
	interval time.Duration
}

type SchedulerOptions struct {
	Engine   *Engine
	Settings SettingsSource
	Logger   Logger
	Now      func() time.Time
	// TickSpec is the cron expression driving the automatic pass sweep.
	// Defaults to every minute.
	TickSpec string
}

func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Engine == nil || opts.Settings == nil {
		return nil, ErrInvalidInput
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		engine:   opts.Engine,
		settings: opts.Settings,
		logger:   opts.Logger,
		now:      now,
		users:    map[string]*userState{},
		subs:     map[chan StatusUpdate]struct{}{},
	}
	spec := opts.TickSpec
	if spec == "" {
		spec = "* * * * *"
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the automatic sweep. Stop blocks until the sweep and every
// background pass, queued follow-ups included, have finished.
func (s *Scheduler) Start() { s.cron.Start() }

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.passWG.Wait()
}

// RequestSync asks for a pass now. If a pass for the user is already running
// the request is coalesced into the single queued follow-up and (SyncResult{},
// false, nil) is returned; otherwise the pass runs synchronously and its
// result comes back with ran=true.
func (s *Scheduler) RequestSync(ctx context.Context, userID string, syncType SyncType) (result SyncResult, ran bool, err error) {
	s.mu.Lock()
	state := s.stateFor(userID)
	if state.running {
		state.queued = true
		s.mu.Unlock()
		return SyncResult{}, false, nil
	}
	state.running = true
	s.mu.Unlock()

	result, err = s.runOne(ctx, userID, syncType)
	return result, true, err
}

// runOne executes a pass plus any follow-up that was queued while it ran.
// The caller must have set state.running.
func (s *Scheduler) runOne(ctx context.Context, userID string, syncType SyncType) (SyncResult, error) {
	defer func() {
		s.mu.Lock()
		state := s.stateFor(userID)
		state.running = false
		state.lastPass = s.now()
		queued := state.queued
		state.queued = false
		if queued {
			state.running = true
		}
		s.mu.Unlock()
		if queued {
			s.passWG.Add(1)
			go func() {
				defer s.passWG.Done()
				if _, err := s.runOne(context.Background(), userID, SyncAuto); err != nil {
					logf(s.logger, "scheduler: queued pass for %s failed: %v", userID, err)
				}
			}()
		}
	}()

	s.broadcast(StatusUpdate{UserID: userID, Phase: "started", SyncType: syncType, At: s.now()})
	result, err := s.engine.RunPass(ctx, userID, syncType)
	update := StatusUpdate{UserID: userID, Phase: "finished", SyncType: syncType, At: s.now()}
	resultCopy := result
	update.Result = &resultCopy
	s.broadcast(update)
	if err != nil {
		logf(s.logger, "scheduler: pass for %s finished with error: %v", userID, err)
	}
	return result, err
}

// tick sweeps sync-enabled users and starts a pass for each one whose
// interval has elapsed. Per-user serialization still applies.
func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	enabled, err := s.settings.ListSyncEnabled(ctx)
	cancel()
	if err != nil {
		logf(s.logger, "scheduler: list sync-enabled users: %v", err)
		return
	}
	now := s.now()
	for _, settings := range enabled {
		interval := time.Duration(settings.SyncFrequencyMinutes) * time.Minute
		if interval <= 0 {
			interval = 15 * time.Minute
		}
		s.mu.Lock()
		state := s.stateFor(settings.UserID)
		state.interval = interval
		due := state.lastPass.IsZero() || now.Sub(state.lastPass) >= interval
		start := due && !state.running
		if start {
			state.running = true
		}
		s.mu.Unlock()
		if !start {
			continue
		}
		s.passWG.Add(1)
		go func(userID string) {
			defer s.passWG.Done()
			if _, err := s.runOne(context.Background(), userID, SyncAuto); err != nil {
				logf(s.logger, "scheduler: auto pass for %s failed: %v", userID, err)
			}
		}(settings.UserID)
	}
}

func (s *Scheduler) stateFor(userID string) *userState {
	state, ok := s.users[userID]
	if !ok {
		state = &userState{}
		s.users[userID] = state
	}
	return state
}

// Subscribe registers a status stream consumer. The returned cancel func
// must be called to release the channel. Slow consumers drop updates rather
// than stall passes.
func (s *Scheduler) Subscribe() (<-chan StatusUpdate, func()) {
	ch := make(chan StatusUpdate, 16)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	cancel := func() {
		s.subMu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Scheduler) broadcast(update StatusUpdate) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- update:
		default:
		}
	}
}
