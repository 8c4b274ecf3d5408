// Package aaa wires the client registry, subscriber store, session
// tracker and accounting log into one event-driven engine. Every
// failure is per-event; nothing here is process-fatal.
package aaa

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/accounting"
	"github.com/codelaboratoryltd/aaa/pkg/metrics"
	"github.com/codelaboratoryltd/aaa/pkg/nas"
	"github.com/codelaboratoryltd/aaa/pkg/session"
	"github.com/codelaboratoryltd/aaa/pkg/stats"
	"github.com/codelaboratoryltd/aaa/pkg/subscriber"
)

// Config holds engine tunables.
type Config struct {
	// SeedPath is the YAML file Reload re-reads for clients, users
	// and groups. Empty disables reload.
	SeedPath string

	// MetricsInterval is the gauge collection period.
	MetricsInterval time.Duration

	// DisconnectTimeout bounds the best-effort NAS notification after
	// an administrative disconnect.
	DisconnectTimeout time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MetricsInterval:   15 * time.Second,
		DisconnectTimeout: 5 * time.Second,
	}
}

// Engine dispatches authentication and accounting events into the
// stores and answers admin operations.
type Engine struct {
	config   Config
	logger   *zap.Logger
	registry *nas.Registry
	store    *subscriber.Store
	tracker  *session.Tracker
	acct     *accounting.Log
	stats    *stats.Engine    // optional
	metrics  *metrics.Metrics // optional
	prober   *nas.Prober      // optional

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewEngine creates an engine over the given components. stats,
// metrics and prober may be nil.
func NewEngine(config Config, registry *nas.Registry, store *subscriber.Store, tracker *session.Tracker, acct *accounting.Log, statsEngine *stats.Engine, m *metrics.Metrics, prober *nas.Prober, logger *zap.Logger) *Engine {
	if config.MetricsInterval == 0 {
		config.MetricsInterval = DefaultConfig().MetricsInterval
	}
	if config.DisconnectTimeout == 0 {
		config.DisconnectTimeout = DefaultConfig().DisconnectTimeout
	}
	return &Engine{
		config:   config,
		logger:   logger,
		registry: registry,
		store:    store,
		tracker:  tracker,
		acct:     acct,
		stats:    statsEngine,
		metrics:  m,
		prober:   prober,
	}
}

// Start launches background machinery: journal recovery and the
// metrics collector. Safe to call after Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	if err := e.acct.Recover(); err != nil {
		return fmt.Errorf("recover accounting log: %w", err)
	}

	e.stopCh = make(chan struct{})
	if e.metrics != nil {
		e.wg.Add(1)
		stopCh := e.stopCh
		go func() {
			defer e.wg.Done()
			e.metrics.StartCollector(e.config.MetricsInterval, stopCh)
		}()
	}

	e.running = true
	e.logger.Info("AAA engine started")
	return nil
}

// Stop halts background machinery. Session and accounting state is
// retained; a subsequent Start resumes over it.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	close(e.stopCh)
	e.wg.Wait()
	e.running = false
	e.logger.Info("AAA engine stopped")
}

// Restart stops and restarts background machinery without dropping
// session or accounting state.
func (e *Engine) Restart(ctx context.Context) error {
	e.Stop()
	return e.Start(ctx)
}

func (e *Engine) recordAuth(result string) {
	if e.stats != nil {
		e.stats.RecordAuth(result == "accept")
	}
	if e.metrics != nil {
		e.metrics.RecordAuthRequest(result)
	}
}

// HandleAuth processes one authentication attempt. Requests from
// untrusted sources are dropped with an error before any user lookup;
// every other outcome is an AuthResponse.
func (e *Engine) HandleAuth(ctx context.Context, req AuthRequest) (*AuthResponse, error) {
	client, err := e.registry.Authenticate(req.NASAddress, req.Secret)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordAuthRequest("dropped")
		}
		e.logger.Warn("Dropping auth request from untrusted source",
			zap.String("nas", req.NASAddress.String()),
			zap.String("username", req.Username),
		)
		return nil, fmt.Errorf("auth request from %s: %w", req.NASAddress, err)
	}

	user, ok := e.store.GetUser(req.Username, req.Realm)
	if !ok {
		e.recordAuth("reject")
		return &AuthResponse{Accepted: false, Reason: "unknown user"}, nil
	}

	decision := e.store.Evaluate(user, subscriber.AuthContext{
		Password:   req.Password,
		Attributes: req.Attributes,
		Now:        req.Timestamp,
	})
	if !decision.Accepted {
		e.recordAuth("reject")
		e.logger.Info("Authentication rejected",
			zap.String("username", req.Username),
			zap.String("nas", client.Shortname),
			zap.String("reason", decision.Reason),
		)
		return &AuthResponse{Accepted: false, Reason: decision.Reason}, nil
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	opened, err := e.tracker.Open(session.OpenRequest{
		SessionID:       sessionID,
		NASAddress:      req.NASAddress,
		Username:        user.Username,
		Realm:           user.Realm,
		CustomerID:      user.CustomerID,
		NASPort:         req.NASPort,
		NASPortType:     req.NASPortType,
		FramedIP:        req.FramedIP,
		FramedNetmask:   req.FramedNetmask,
		SimultaneousUse: user.SimultaneousUse,
		SessionTimeout:  user.SessionTimeout,
		IdleTimeout:     user.IdleTimeout,
		StartTime:       req.Timestamp,
	})
	if err != nil {
		e.recordAuth("reject")
		if errors.Is(err, session.ErrSessionLimitExceeded) {
			return &AuthResponse{Accepted: false, Reason: "simultaneous use limit reached"}, nil
		}
		return &AuthResponse{Accepted: false, Reason: "session open failed"}, nil
	}

	e.recordAuth("accept")
	return &AuthResponse{
		Accepted:   true,
		SessionID:  opened.SessionID,
		ReplyAttrs: decision.ReplyAttrs,
	}, nil
}

// HandleAccounting processes one accounting event. Duplicates and
// stale updates are absorbed silently; only untrusted sources error.
func (e *Engine) HandleAccounting(ctx context.Context, evt AccountingEvent) error {
	_, err := e.registry.Authenticate(evt.NASAddress, evt.Secret)
	if err != nil {
		e.logger.Warn("Dropping accounting event from untrusted source",
			zap.String("nas", evt.NASAddress.String()),
			zap.String("session_id", evt.SessionID),
		)
		return fmt.Errorf("accounting event from %s: %w", evt.NASAddress, err)
	}

	if e.stats != nil {
		e.stats.RecordAcct(evt.Type)
	}
	if e.metrics != nil {
		e.metrics.RecordAcctEvent(string(evt.Type))
	}

	key := session.Key{NASAddress: evt.NASAddress.String(), SessionID: evt.SessionID}

	switch evt.Type {
	case accounting.EventStart:
		return e.handleStart(ctx, key, evt)
	case accounting.EventInterim:
		return e.handleInterim(ctx, key, evt)
	case accounting.EventStop:
		return e.handleStop(ctx, key, evt)
	default:
		return fmt.Errorf("unknown accounting event type %q", evt.Type)
	}
}

func (e *Engine) handleStart(ctx context.Context, key session.Key, evt AccountingEvent) error {
	user, ok := e.store.GetUser(evt.Username, evt.Realm)
	if !ok {
		e.logger.Warn("Accounting start for unknown user",
			zap.String("username", evt.Username),
			zap.String("session_id", evt.SessionID),
		)
		return nil
	}

	_, err := e.tracker.Open(session.OpenRequest{
		SessionID:       evt.SessionID,
		NASAddress:      evt.NASAddress,
		Username:        user.Username,
		Realm:           user.Realm,
		CustomerID:      user.CustomerID,
		NASPort:         evt.NASPort,
		NASPortType:     evt.NASPortType,
		FramedIP:        evt.FramedIP,
		FramedNetmask:   evt.FramedNetmask,
		SimultaneousUse: user.SimultaneousUse,
		SessionTimeout:  user.SessionTimeout,
		IdleTimeout:     user.IdleTimeout,
		StartTime:       evt.Timestamp,
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrInvalidTransition):
		// Retransmitted start for a session already open.
		e.logger.Debug("Duplicate accounting start absorbed",
			zap.String("session_id", evt.SessionID))
	case errors.Is(err, session.ErrSessionLimitExceeded):
		e.logger.Warn("Accounting start over session limit",
			zap.String("username", evt.Username),
			zap.String("session_id", evt.SessionID),
		)
		return nil
	default:
		return fmt.Errorf("open session for start event: %w", err)
	}

	return e.acct.Append(ctx, e.record(evt))
}

func (e *Engine) handleInterim(ctx context.Context, key session.Key, evt AccountingEvent) error {
	_, err := e.tracker.Update(key, evt.Counters, evt.Timestamp)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrStaleUpdate):
		if e.metrics != nil {
			e.metrics.RecordStaleUpdate()
		}
		e.logger.Debug("Stale interim update absorbed",
			zap.String("session_id", evt.SessionID))
		return nil
	case errors.Is(err, session.ErrNotFound):
		e.logger.Warn("Interim update for unknown session",
			zap.String("session_id", evt.SessionID),
			zap.String("nas", key.NASAddress),
		)
		return nil
	default:
		return fmt.Errorf("apply interim update: %w", err)
	}

	return e.acct.Append(ctx, e.record(evt))
}

func (e *Engine) handleStop(ctx context.Context, key session.Key, evt AccountingEvent) error {
	cause := evt.TerminateCause
	if cause == "" {
		cause = session.CauseUserRequest
	}

	// The tracker appends the final record on close; the engine only
	// appends directly for stops that match no tracked session.
	_, err := e.tracker.Close(ctx, key, cause, evt.Counters, evt.Timestamp)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrNotFound):
		e.logger.Warn("Stop for unknown session, recording anyway",
			zap.String("session_id", evt.SessionID),
			zap.String("nas", key.NASAddress),
		)
		return e.acct.Append(ctx, e.record(evt))
	case errors.Is(err, session.ErrInvalidTransition):
		e.logger.Warn("Conflicting stop for terminal session absorbed",
			zap.String("session_id", evt.SessionID),
			zap.String("cause", cause),
		)
		return nil
	default:
		return fmt.Errorf("close session for stop event: %w", err)
	}
}

func (e *Engine) record(evt AccountingEvent) *accounting.Record {
	return &accounting.Record{
		SessionID:      evt.SessionID,
		NASAddress:     evt.NASAddress,
		Username:       evt.Username,
		Realm:          evt.Realm,
		Event:          evt.Type,
		InputOctets:    evt.Counters.InputOctets,
		OutputOctets:   evt.Counters.OutputOctets,
		InputPackets:   evt.Counters.InputPackets,
		OutputPackets:  evt.Counters.OutputPackets,
		SessionTime:    evt.SessionTime,
		TerminateCause: evt.TerminateCause,
		Timestamp:      evt.Timestamp,
	}
}

// TestAuth evaluates credentials without touching session state. Used
// by support tooling to answer "would this user get in".
func (e *Engine) TestAuth(ctx context.Context, username, realm, password string) subscriber.Decision {
	user, ok := e.store.GetUser(username, realm)
	if !ok {
		return subscriber.Decision{Accepted: false, Reason: "unknown user"}
	}
	return e.store.Evaluate(user, subscriber.AuthContext{Password: password})
}

// TestClient sends an advisory Status-Server probe to a registered
// NAS. Purely diagnostic; no registry or session state changes.
func (e *Engine) TestClient(ctx context.Context, id string) error {
	client, ok := e.registry.Get(id)
	if !ok {
		return fmt.Errorf("client %s: %w", id, nas.ErrNotFound)
	}
	if e.prober == nil {
		return fmt.Errorf("no prober configured")
	}
	return e.prober.Probe(ctx, client)
}

// Disconnect administratively terminates a session and notifies the
// NAS best-effort in the background. Already-terminated sessions
// succeed without side effects.
func (e *Engine) Disconnect(ctx context.Context, nasAddr net.IP, sessionID string) error {
	key := session.Key{NASAddress: nasAddr.String(), SessionID: sessionID}

	snapshot, err := e.tracker.Disconnect(ctx, key)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordDisconnect("not_found")
		}
		return fmt.Errorf("disconnect %s on %s: %w", sessionID, nasAddr, err)
	}
	if e.metrics != nil {
		e.metrics.RecordDisconnect("ok")
	}

	client, ok := e.registry.GetByAddress(nasAddr)
	if !ok || e.prober == nil {
		return nil
	}

	// Stop holds e.mu across wg.Wait, so taking it here keeps the Add
	// from racing a Wait that has already drained the counter to zero.
	e.mu.Lock()
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		notifyCtx, cancel := context.WithTimeout(context.Background(), e.config.DisconnectTimeout)
		defer cancel()
		err := e.prober.Disconnect(notifyCtx, client, nas.DisconnectSession{
			SessionID: sessionID,
			Username:  snapshot.Username,
			FramedIP:  snapshot.FramedIP,
		})
		if err != nil {
			e.logger.Warn("NAS disconnect notification failed",
				zap.String("nas", nasAddr.String()),
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Reload re-reads the seed file and swaps the client and user
// snapshots. In-flight events see either the old snapshot or the new
// one, never a mix within one store.
func (e *Engine) Reload(ctx context.Context) error {
	if e.config.SeedPath == "" {
		return fmt.Errorf("no seed path configured")
	}

	seed, err := LoadSeed(e.config.SeedPath)
	if err != nil {
		return fmt.Errorf("load seed: %w", err)
	}

	clients, err := seed.NASClients()
	if err != nil {
		return fmt.Errorf("parse seed clients: %w", err)
	}
	users, groups, err := seed.Subscribers()
	if err != nil {
		return fmt.Errorf("parse seed users: %w", err)
	}

	if err := e.registry.Replace(clients); err != nil {
		return fmt.Errorf("replace clients: %w", err)
	}
	if err := e.store.Replace(users, groups); err != nil {
		return fmt.Errorf("replace users: %w", err)
	}

	e.logger.Info("Configuration reloaded",
		zap.Int("clients", len(clients)),
		zap.Int("users", len(users)),
		zap.Int("groups", len(groups)),
	)
	return nil
}
