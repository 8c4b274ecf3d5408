package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/accounting"
)

// Recorder receives the final accounting record when a session reaches
// a terminal state. *accounting.Log satisfies it.
type Recorder interface {
	Append(ctx context.Context, record *accounting.Record) error
}

// TrackerConfig holds tracker tunables.
type TrackerConfig struct {
	// HistoryLimit caps retained terminal sessions whose key was
	// reused. Oldest entries are dropped first.
	HistoryLimit int
}

// DefaultTrackerConfig returns the default tracker configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		HistoryLimit: 10000,
	}
}

// trackedSession pairs a session with its own lock and expiry timers.
// All state transitions take mu; the tracker map lock orders before it.
type trackedSession struct {
	mu           sync.Mutex
	session      *Session
	idleTimer    *time.Timer
	sessionTimer *time.Timer
}

func (ts *trackedSession) cancelTimersLocked() {
	if ts.idleTimer != nil {
		ts.idleTimer.Stop()
		ts.idleTimer = nil
	}
	if ts.sessionTimer != nil {
		ts.sessionTimer.Stop()
		ts.sessionTimer = nil
	}
}

// Tracker maintains the live session table. Transitions on different
// sessions proceed concurrently; transitions on the same session are
// serialized by the session's own lock.
type Tracker struct {
	config   TrackerConfig
	logger   *zap.Logger
	recorder Recorder // optional

	mu       sync.RWMutex
	sessions map[Key]*trackedSession
	byUser   map[string]map[Key]*trackedSession // active sessions only
	history  []*Session                         // terminal sessions displaced by key reuse

	handlersMu sync.RWMutex
	handlers   []EventHandler

	opened  atomic.Uint64
	closed  atomic.Uint64
	expired atomic.Uint64
	limited atomic.Uint64
	stale   atomic.Uint64
}

// NewTracker creates a session tracker. recorder may be nil.
func NewTracker(config TrackerConfig, recorder Recorder, logger *zap.Logger) *Tracker {
	if config.HistoryLimit == 0 {
		config.HistoryLimit = DefaultTrackerConfig().HistoryLimit
	}
	return &Tracker{
		config:   config,
		logger:   logger,
		recorder: recorder,
		sessions: make(map[Key]*trackedSession),
		byUser:   make(map[string]map[Key]*trackedSession),
	}
}

// OnEvent registers a handler for session lifecycle events.
func (t *Tracker) OnEvent(handler EventHandler) {
	t.handlersMu.Lock()
	t.handlers = append(t.handlers, handler)
	t.handlersMu.Unlock()
}

func (t *Tracker) emit(evtType EventType, snapshot *Session) {
	t.handlersMu.RLock()
	handlers := t.handlers
	t.handlersMu.RUnlock()
	evt := Event{Type: evtType, Session: snapshot, Timestamp: time.Now()}
	for _, h := range handlers {
		h(evt)
	}
}

// Open admits a new session. The simultaneous-use check and the
// insertion are atomic: concurrent opens for the same user cannot both
// slip under the limit. Rejection leaves existing sessions untouched.
func (t *Tracker) Open(req OpenRequest) (*Session, error) {
	if req.SessionID == "" || req.NASAddress == nil {
		return nil, fmt.Errorf("session id and nas address required")
	}

	start := req.StartTime
	if start.IsZero() {
		start = time.Now()
	}

	key := Key{NASAddress: req.NASAddress.String(), SessionID: req.SessionID}

	t.mu.Lock()

	if existing, ok := t.sessions[key]; ok {
		existing.mu.Lock()
		active := existing.session.State == StateActive
		var displaced *Session
		if !active {
			displaced = existing.session
		}
		existing.mu.Unlock()
		if active {
			t.mu.Unlock()
			return nil, fmt.Errorf("session %s already active on %s: %w",
				req.SessionID, key.NASAddress, ErrInvalidTransition)
		}
		// NAS reused the session id; retire the old terminal entry.
		t.pushHistoryLocked(displaced)
	}

	if active := len(t.byUser[req.Username]); req.SimultaneousUse > 0 && active >= req.SimultaneousUse {
		t.mu.Unlock()
		t.limited.Add(1)
		return nil, fmt.Errorf("user %s has %d of %d allowed sessions: %w",
			req.Username, active, req.SimultaneousUse, ErrSessionLimitExceeded)
	}

	s := &Session{
		SessionID:      req.SessionID,
		NASAddress:     req.NASAddress,
		Username:       req.Username,
		Realm:          req.Realm,
		CustomerID:     req.CustomerID,
		NASPort:        req.NASPort,
		NASPortType:    req.NASPortType,
		FramedIP:       req.FramedIP,
		FramedNetmask:  req.FramedNetmask,
		State:          StateActive,
		StartTime:      start,
		LastUpdate:     start,
		SessionTimeout: req.SessionTimeout,
		IdleTimeout:    req.IdleTimeout,
	}

	ts := &trackedSession{session: s}
	ts.mu.Lock()
	t.sessions[key] = ts
	if t.byUser[req.Username] == nil {
		t.byUser[req.Username] = make(map[Key]*trackedSession)
	}
	t.byUser[req.Username][key] = ts
	t.mu.Unlock()

	if req.SessionTimeout > 0 {
		ts.sessionTimer = time.AfterFunc(req.SessionTimeout, func() {
			t.expire(ts, CauseSessionTimeout)
		})
	}
	if req.IdleTimeout > 0 {
		ts.idleTimer = time.AfterFunc(req.IdleTimeout, func() {
			t.expire(ts, CauseIdleTimeout)
		})
	}
	snapshot := s.clone()
	ts.mu.Unlock()

	t.opened.Add(1)
	t.logger.Info("Session opened",
		zap.String("session_id", req.SessionID),
		zap.String("nas", key.NASAddress),
		zap.String("username", req.Username),
	)
	t.emit(EventOpened, snapshot)
	return snapshot, nil
}

// pushHistoryLocked retains a displaced terminal session. Caller holds
// the tracker write lock.
func (t *Tracker) pushHistoryLocked(s *Session) {
	t.history = append(t.history, s)
	if len(t.history) > t.config.HistoryLimit {
		t.history = t.history[len(t.history)-t.config.HistoryLimit:]
	}
}

// Update applies an interim counter snapshot. Stale input (older
// timestamp, lower counters, or a terminal session) returns
// ErrStaleUpdate and mutates nothing; the idle timer resets only on an
// accepted update.
func (t *Tracker) Update(key Key, counters Counters, ts time.Time) (*Session, error) {
	t.mu.RLock()
	tracked, ok := t.sessions[key]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s on %s: %w", key.SessionID, key.NASAddress, ErrNotFound)
	}
	if ts.IsZero() {
		ts = time.Now()
	}

	tracked.mu.Lock()
	s := tracked.session
	if s.State != StateActive {
		tracked.mu.Unlock()
		t.stale.Add(1)
		return nil, fmt.Errorf("update for %s session: %w", s.State, ErrStaleUpdate)
	}
	if ts.Before(s.LastUpdate) {
		tracked.mu.Unlock()
		t.stale.Add(1)
		return nil, fmt.Errorf("timestamp %s before last update: %w", ts, ErrStaleUpdate)
	}
	if counters.InputOctets < s.InputOctets || counters.OutputOctets < s.OutputOctets ||
		counters.InputPackets < s.InputPackets || counters.OutputPackets < s.OutputPackets {
		tracked.mu.Unlock()
		t.stale.Add(1)
		return nil, fmt.Errorf("counter regression: %w", ErrStaleUpdate)
	}

	s.InputOctets = counters.InputOctets
	s.OutputOctets = counters.OutputOctets
	s.InputPackets = counters.InputPackets
	s.OutputPackets = counters.OutputPackets
	s.LastUpdate = ts
	if tracked.idleTimer != nil {
		tracked.idleTimer.Reset(s.IdleTimeout)
	}
	snapshot := s.clone()
	tracked.mu.Unlock()

	t.emit(EventUpdated, snapshot)
	return snapshot, nil
}

// Close moves the session to stopped. Closing a terminal session with
// the same cause is an idempotent no-op; a conflicting cause is
// reported and never resurrects or alters the session.
func (t *Tracker) Close(ctx context.Context, key Key, cause string, counters Counters, ts time.Time) (*Session, error) {
	return t.terminate(ctx, key, StateStopped, cause, &counters, ts)
}

// Disconnect is an administrative close: stopped with cause
// admin-reset. Already-terminal sessions succeed silently.
func (t *Tracker) Disconnect(ctx context.Context, key Key) (*Session, error) {
	t.mu.Lock()
	tracked, ok := t.sessions[key]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("session %s on %s: %w", key.SessionID, key.NASAddress, ErrNotFound)
	}
	tracked.mu.Lock()
	if tracked.session.State != StateActive {
		snapshot := tracked.session.clone()
		tracked.mu.Unlock()
		t.mu.Unlock()
		return snapshot, nil
	}
	snapshot, record := t.terminateLocked(tracked, StateStopped, CauseAdminReset, nil, time.Time{})
	tracked.mu.Unlock()
	t.mu.Unlock()

	t.closed.Add(1)
	t.finishTermination(ctx, snapshot, record)
	return snapshot, nil
}

func (t *Tracker) terminate(ctx context.Context, key Key, state State, cause string, counters *Counters, stop time.Time) (*Session, error) {
	t.mu.Lock()
	tracked, ok := t.sessions[key]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("session %s on %s: %w", key.SessionID, key.NASAddress, ErrNotFound)
	}

	tracked.mu.Lock()
	s := tracked.session
	if s.State != StateActive {
		terminalCause := s.TerminateCause
		snapshot := s.clone()
		tracked.mu.Unlock()
		t.mu.Unlock()
		if terminalCause == cause {
			return snapshot, nil
		}
		return nil, fmt.Errorf("session already %s with cause %q, got %q: %w",
			snapshot.State, terminalCause, cause, ErrInvalidTransition)
	}

	snapshot, record := t.terminateLocked(tracked, state, cause, counters, stop)
	tracked.mu.Unlock()
	t.mu.Unlock()

	t.closed.Add(1)
	t.finishTermination(ctx, snapshot, record)
	return snapshot, nil
}

// terminateLocked performs the terminal transition. Caller holds both
// the tracker write lock and the session lock.
func (t *Tracker) terminateLocked(tracked *trackedSession, state State, cause string, counters *Counters, stop time.Time) (*Session, *accounting.Record) {
	s := tracked.session
	tracked.cancelTimersLocked()

	if counters != nil {
		// Final counters only ever move forward.
		if counters.InputOctets > s.InputOctets {
			s.InputOctets = counters.InputOctets
		}
		if counters.OutputOctets > s.OutputOctets {
			s.OutputOctets = counters.OutputOctets
		}
		if counters.InputPackets > s.InputPackets {
			s.InputPackets = counters.InputPackets
		}
		if counters.OutputPackets > s.OutputPackets {
			s.OutputPackets = counters.OutputPackets
		}
	}

	if stop.IsZero() || stop.Before(s.StartTime) {
		stop = time.Now()
	}
	s.State = state
	s.TerminateCause = cause
	s.StopTime = stop
	s.LastUpdate = stop

	key := s.Key()
	if users := t.byUser[s.Username]; users != nil {
		delete(users, key)
		if len(users) == 0 {
			delete(t.byUser, s.Username)
		}
	}

	snapshot := s.clone()
	record := &accounting.Record{
		SessionID:      s.SessionID,
		NASAddress:     s.NASAddress,
		Username:       s.Username,
		Realm:          s.Realm,
		Event:          accounting.EventStop,
		InputOctets:    s.InputOctets,
		OutputOctets:   s.OutputOctets,
		InputPackets:   s.InputPackets,
		OutputPackets:  s.OutputPackets,
		SessionTime:    uint32(stop.Sub(s.StartTime).Seconds()),
		TerminateCause: cause,
		Timestamp:      stop,
	}
	return snapshot, record
}

// finishTermination runs the side effects of a terminal transition
// outside all locks.
func (t *Tracker) finishTermination(ctx context.Context, snapshot *Session, record *accounting.Record) {
	if t.recorder != nil {
		if err := t.recorder.Append(ctx, record); err != nil {
			t.logger.Error("Failed to append final accounting record",
				zap.String("session_id", snapshot.SessionID),
				zap.Error(err),
			)
		}
	}
	t.logger.Info("Session closed",
		zap.String("session_id", snapshot.SessionID),
		zap.String("nas", snapshot.NASAddress.String()),
		zap.String("username", snapshot.Username),
		zap.String("cause", snapshot.TerminateCause),
		zap.Duration("duration", snapshot.StopTime.Sub(snapshot.StartTime)),
	)
	t.emit(EventClosed, snapshot)
}

// expire is the timer callback. Last transition wins: if a Close raced
// the timer, the session is already terminal and this is a no-op.
func (t *Tracker) expire(tracked *trackedSession, cause string) {
	t.mu.Lock()
	tracked.mu.Lock()
	if tracked.session.State != StateActive {
		tracked.mu.Unlock()
		t.mu.Unlock()
		return
	}
	snapshot, record := t.terminateLocked(tracked, StateExpired, cause, nil, time.Time{})
	tracked.mu.Unlock()
	t.mu.Unlock()

	t.expired.Add(1)
	t.finishTermination(context.Background(), snapshot, record)
}

// Get returns a snapshot of the session under key.
func (t *Tracker) Get(key Key) (*Session, error) {
	t.mu.RLock()
	tracked, ok := t.sessions[key]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s on %s: %w", key.SessionID, key.NASAddress, ErrNotFound)
	}
	tracked.mu.Lock()
	snapshot := tracked.session.clone()
	tracked.mu.Unlock()
	return snapshot, nil
}

// ActiveCount returns the number of active sessions for the user.
func (t *Tracker) ActiveCount(username string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byUser[username])
}

// List returns session snapshots matching the filter, ordered by start
// time then session id. Terminal sessions displaced by key reuse are
// included.
func (t *Tracker) List(filter Filter) []*Session {
	t.mu.RLock()
	candidates := make([]*Session, 0, len(t.sessions)+len(t.history))
	for _, tracked := range t.sessions {
		tracked.mu.Lock()
		candidates = append(candidates, tracked.session.clone())
		tracked.mu.Unlock()
	}
	candidates = append(candidates, t.history...)
	t.mu.RUnlock()

	var results []*Session
	for _, s := range candidates {
		if filter.matches(s) {
			results = append(results, s)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if !results[i].StartTime.Equal(results[j].StartTime) {
			return results[i].StartTime.Before(results[j].StartTime)
		}
		return results[i].SessionID < results[j].SessionID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(results) {
			return []*Session{}
		}
		results = results[filter.Offset:]
	}
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results
}

// Counts returns (active, total) session counts including history.
func (t *Tracker) Counts() (int, int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	active := 0
	for _, users := range t.byUser {
		active += len(users)
	}
	return active, len(t.sessions) + len(t.history)
}

// TrackerStats holds tracker lifecycle counters.
type TrackerStats struct {
	Opened  uint64 `json:"opened"`
	Closed  uint64 `json:"closed"`
	Expired uint64 `json:"expired"`
	Limited uint64 `json:"limited"`
	Stale   uint64 `json:"stale"`
}

// Stats returns lifecycle counters.
func (t *Tracker) Stats() TrackerStats {
	return TrackerStats{
		Opened:  t.opened.Load(),
		Closed:  t.closed.Load(),
		Expired: t.expired.Load(),
		Limited: t.limited.Load(),
		Stale:   t.stale.Load(),
	}
}

// matchesSearch reports whether the session matches a free-text term.
func matchesSearch(s *Session, term string) bool {
	term = strings.ToLower(term)
	if strings.Contains(strings.ToLower(s.Username), term) {
		return true
	}
	if strings.Contains(strings.ToLower(s.SessionID), term) {
		return true
	}
	if s.FramedIP != nil && strings.Contains(s.FramedIP.String(), term) {
		return true
	}
	return false
}
