// Package stats aggregates operational statistics over the session
// tracker, the accounting log, and its own request event history. All
// queries are pure reads; the engine never mutates tracked state.
package stats

import (
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/accounting"
	"github.com/codelaboratoryltd/aaa/pkg/nas"
	"github.com/codelaboratoryltd/aaa/pkg/session"
	"github.com/codelaboratoryltd/aaa/pkg/subscriber"
)

// EngineConfig holds stats engine tunables.
type EngineConfig struct {
	// Retention bounds the request event history. Queries with a
	// window wider than this see a truncated view.
	Retention time.Duration
}

// DefaultEngineConfig returns the default stats configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Retention: 7 * 24 * time.Hour,
	}
}

type authEvent struct {
	ts       time.Time
	accepted bool
}

type acctEvent struct {
	ts    time.Time
	event accounting.EventType
}

// Engine answers snapshot, per-NAS, top-user and trend queries.
// Request events are recorded here as they happen because rejected
// authentications leave no session behind to count later.
type Engine struct {
	config   EngineConfig
	logger   *zap.Logger
	tracker  *session.Tracker
	acct     *accounting.Log
	registry *nas.Registry
	store    *subscriber.Store

	mu         sync.RWMutex
	authEvents []authEvent
	acctEvents []acctEvent
}

// NewEngine creates a stats engine over the given sources.
func NewEngine(config EngineConfig, tracker *session.Tracker, acct *accounting.Log, registry *nas.Registry, store *subscriber.Store, logger *zap.Logger) *Engine {
	if config.Retention == 0 {
		config.Retention = DefaultEngineConfig().Retention
	}
	return &Engine{
		config:   config,
		logger:   logger,
		tracker:  tracker,
		acct:     acct,
		registry: registry,
		store:    store,
	}
}

// RecordAuth notes an authentication outcome.
func (e *Engine) RecordAuth(accepted bool) {
	now := time.Now()
	e.mu.Lock()
	e.authEvents = append(e.authEvents, authEvent{ts: now, accepted: accepted})
	e.trimLocked(now)
	e.mu.Unlock()
}

// RecordAcct notes a received accounting event.
func (e *Engine) RecordAcct(event accounting.EventType) {
	now := time.Now()
	e.mu.Lock()
	e.acctEvents = append(e.acctEvents, acctEvent{ts: now, event: event})
	e.trimLocked(now)
	e.mu.Unlock()
}

func (e *Engine) trimLocked(now time.Time) {
	cutoff := now.Add(-e.config.Retention)
	i := 0
	for i < len(e.authEvents) && e.authEvents[i].ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		e.authEvents = append([]authEvent{}, e.authEvents[i:]...)
	}
	j := 0
	for j < len(e.acctEvents) && e.acctEvents[j].ts.Before(cutoff) {
		j++
	}
	if j > 0 {
		e.acctEvents = append([]acctEvent{}, e.acctEvents[j:]...)
	}
}

// Snapshot is a point-in-time summary over a trailing window.
type Snapshot struct {
	Window time.Duration `json:"window"`
	Taken  time.Time     `json:"taken"`

	SessionsActive int `json:"sessions_active"`
	SessionsTotal  int `json:"sessions_total"`
	UsersActive    int `json:"users_active"`
	UsersTotal     int `json:"users_total"`
	ClientsActive  int `json:"clients_active"`
	ClientsTotal   int `json:"clients_total"`

	AuthAccepted uint64 `json:"auth_accepted"`
	AuthRejected uint64 `json:"auth_rejected"`

	AcctStart   uint64 `json:"acct_start"`
	AcctInterim uint64 `json:"acct_interim"`
	AcctStop    uint64 `json:"acct_stop"`
}

// Snapshot summarizes the trailing window. Rejected authentications
// are counted even though they never produced a session.
func (e *Engine) Snapshot(window time.Duration) Snapshot {
	now := time.Now()
	snap := Snapshot{Window: window, Taken: now}

	snap.SessionsActive, snap.SessionsTotal = e.tracker.Counts()
	_, snap.UsersTotal = e.store.Counts()
	snap.ClientsActive, snap.ClientsTotal = e.registry.Counts()

	usernames := make(map[string]struct{})
	for _, s := range e.tracker.List(session.Filter{Status: session.StateActive}) {
		usernames[s.Username] = struct{}{}
	}
	snap.UsersActive = len(usernames)

	since := now.Add(-window)
	e.mu.RLock()
	for _, evt := range e.authEvents {
		if evt.ts.Before(since) {
			continue
		}
		if evt.accepted {
			snap.AuthAccepted++
		} else {
			snap.AuthRejected++
		}
	}
	for _, evt := range e.acctEvents {
		if evt.ts.Before(since) {
			continue
		}
		switch evt.event {
		case accounting.EventStart:
			snap.AcctStart++
		case accounting.EventInterim:
			snap.AcctInterim++
		case accounting.EventStop:
			snap.AcctStop++
		}
	}
	e.mu.RUnlock()

	return snap
}

// NASSummary is per-NAS activity over a window.
type NASSummary struct {
	NASAddress     string `json:"nas_address"`
	SessionsActive int    `json:"sessions_active"`
	Records        int    `json:"records"`
	Volume         uint64 `json:"volume"`
}

// PerNAS breaks down activity by NAS over the trailing window, ordered
// by address for stable output.
func (e *Engine) PerNAS(window time.Duration) []NASSummary {
	since := time.Now().Add(-window)
	byNAS := make(map[string]*NASSummary)

	get := func(addr net.IP) *NASSummary {
		key := addr.String()
		summary, ok := byNAS[key]
		if !ok {
			summary = &NASSummary{NASAddress: key}
			byNAS[key] = summary
		}
		return summary
	}

	for _, s := range e.tracker.List(session.Filter{Status: session.StateActive}) {
		get(s.NASAddress).SessionsActive++
	}
	for _, r := range e.acct.Query(accounting.Filter{Start: since}) {
		summary := get(r.NASAddress)
		summary.Records++
		summary.Volume += r.Volume()
	}

	results := make([]NASSummary, 0, len(byNAS))
	for _, summary := range byNAS {
		results = append(results, *summary)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].NASAddress < results[j].NASAddress
	})
	return results
}

// TopMetric selects the ranking dimension for TopUsers.
type TopMetric string

const (
	TopByVolume   TopMetric = "volume"
	TopBySessions TopMetric = "sessions"
	TopByTime     TopMetric = "time"
)

// UserUsage is one row of a TopUsers result.
type UserUsage struct {
	Username    string    `json:"username"`
	Sessions    int       `json:"sessions"`
	Volume      uint64    `json:"volume"`
	SessionTime uint64    `json:"session_time"`
	LastSession time.Time `json:"last_session"`
}

// TopUsers ranks users over the trailing window by the chosen metric.
// Ties break to the higher volume, then to the earlier last session,
// so repeated queries over unchanged data return the same order.
func (e *Engine) TopUsers(n int, metric TopMetric, window time.Duration) []UserUsage {
	since := time.Now().Add(-window)

	type agg struct {
		sessions map[string]struct{}
		volume   uint64
		seconds  uint64
		last     time.Time
	}
	byUser := make(map[string]*agg)

	for _, r := range e.acct.Query(accounting.Filter{Start: since}) {
		a, ok := byUser[r.Username]
		if !ok {
			a = &agg{sessions: make(map[string]struct{})}
			byUser[r.Username] = a
		}
		a.sessions[r.SessionID] = struct{}{}
		if r.Event == accounting.EventStop {
			a.volume += r.Volume()
			a.seconds += uint64(r.SessionTime)
		}
		if r.Timestamp.After(a.last) {
			a.last = r.Timestamp
		}
	}

	results := make([]UserUsage, 0, len(byUser))
	for username, a := range byUser {
		results = append(results, UserUsage{
			Username:    username,
			Sessions:    len(a.sessions),
			Volume:      a.volume,
			SessionTime: a.seconds,
			LastSession: a.last,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		var pa, pb uint64
		switch metric {
		case TopBySessions:
			pa, pb = uint64(a.Sessions), uint64(b.Sessions)
		case TopByTime:
			pa, pb = a.SessionTime, b.SessionTime
		default:
			pa, pb = a.Volume, b.Volume
		}
		if pa != pb {
			return pa > pb
		}
		if a.Volume != b.Volume {
			return a.Volume > b.Volume
		}
		if !a.LastSession.Equal(b.LastSession) {
			return a.LastSession.Before(b.LastSession)
		}
		return a.Username < b.Username
	})

	if n > 0 && len(results) > n {
		results = results[:n]
	}
	return results
}

// TrendBucket is one time bucket of request activity.
type TrendBucket struct {
	Start        time.Time `json:"start"`
	AuthAccepted uint64    `json:"auth_accepted"`
	AuthRejected uint64    `json:"auth_rejected"`
	AcctEvents   uint64    `json:"acct_events"`
}

// Trend buckets request activity over the trailing window. Buckets
// with no activity are present and zero-valued, so charts do not skip
// quiet periods. The accounting series is computed from the accounting
// log so it covers records recovered from the journal, not just events
// seen since startup. Authentication outcomes only live in the request
// history because rejects never reach the log.
func (e *Engine) Trend(window, bucket time.Duration) []TrendBucket {
	if bucket <= 0 {
		bucket = time.Hour
	}
	now := time.Now()
	start := now.Add(-window).Truncate(bucket)

	n := int(now.Sub(start)/bucket) + 1
	buckets := make([]TrendBucket, n)
	for i := range buckets {
		buckets[i].Start = start.Add(time.Duration(i) * bucket)
	}

	index := func(ts time.Time) int {
		if ts.Before(start) {
			return -1
		}
		i := int(ts.Sub(start) / bucket)
		if i >= n {
			return -1
		}
		return i
	}

	e.mu.RLock()
	for _, evt := range e.authEvents {
		if i := index(evt.ts); i >= 0 {
			if evt.accepted {
				buckets[i].AuthAccepted++
			} else {
				buckets[i].AuthRejected++
			}
		}
	}
	e.mu.RUnlock()

	for _, r := range e.acct.Query(accounting.Filter{Start: start}) {
		if i := index(r.Timestamp); i >= 0 {
			buckets[i].AcctEvents++
		}
	}

	return buckets
}
