package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/accounting"
)

type mockRecorder struct {
	mu      sync.Mutex
	records []*accounting.Record
}

func (m *mockRecorder) Append(_ context.Context, record *accounting.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *mockRecorder) last() *accounting.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		return nil
	}
	return m.records[len(m.records)-1]
}

func newTestTracker(recorder Recorder) *Tracker {
	return NewTracker(DefaultTrackerConfig(), recorder, zap.NewNop())
}

func openReq(sessionID, username string) OpenRequest {
	return OpenRequest{
		SessionID:       sessionID,
		NASAddress:      net.ParseIP("10.0.0.1"),
		Username:        username,
		SimultaneousUse: 2,
		FramedIP:        net.ParseIP("100.64.0.10"),
	}
}

func TestTracker_OpenAndGet(t *testing.T) {
	tracker := newTestTracker(nil)

	s, err := tracker.Open(openReq("s1", "alice"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if s.State != StateActive {
		t.Errorf("Expected active, got %s", s.State)
	}
	if !s.StopTime.IsZero() {
		t.Error("Active session must have zero stop time")
	}

	got, err := tracker.Get(s.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Username != "alice" {
		t.Errorf("Expected alice, got %s", got.Username)
	}

	if _, err := tracker.Get(Key{NASAddress: "10.0.0.1", SessionID: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestTracker_DuplicateActiveKey(t *testing.T) {
	tracker := newTestTracker(nil)

	if _, err := tracker.Open(openReq("s1", "alice")); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := tracker.Open(openReq("s1", "alice")); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
}

func TestTracker_SimultaneousUseLimit(t *testing.T) {
	tracker := newTestTracker(nil)

	req := openReq("s1", "bob")
	req.SimultaneousUse = 1
	if _, err := tracker.Open(req); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	req2 := openReq("s2", "bob")
	req2.SimultaneousUse = 1
	if _, err := tracker.Open(req2); !errors.Is(err, ErrSessionLimitExceeded) {
		t.Errorf("Expected ErrSessionLimitExceeded, got %v", err)
	}

	// Rejection does not disturb the existing session.
	if tracker.ActiveCount("bob") != 1 {
		t.Errorf("Expected 1 active session, got %d", tracker.ActiveCount("bob"))
	}
	s, err := tracker.Get(Key{NASAddress: "10.0.0.1", SessionID: "s1"})
	if err != nil || s.State != StateActive {
		t.Errorf("Existing session disturbed: %v %v", s, err)
	}

	if tracker.Stats().Limited != 1 {
		t.Errorf("Expected 1 limited, got %d", tracker.Stats().Limited)
	}
}

func TestTracker_UpdateMonotone(t *testing.T) {
	tracker := newTestTracker(nil)

	s, err := tracker.Open(openReq("s1", "alice"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	key := s.Key()

	now := time.Now()
	updated, err := tracker.Update(key, Counters{InputOctets: 1000, OutputOctets: 500}, now)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.InputOctets != 1000 || updated.OutputOctets != 500 {
		t.Errorf("Counters not applied: %+v", updated)
	}

	// Older timestamp: absorbed as stale, counters untouched.
	if _, err := tracker.Update(key, Counters{InputOctets: 2000}, now.Add(-time.Minute)); !errors.Is(err, ErrStaleUpdate) {
		t.Errorf("Expected ErrStaleUpdate, got %v", err)
	}

	// Counter regression: also stale.
	if _, err := tracker.Update(key, Counters{InputOctets: 900, OutputOctets: 500}, now.Add(time.Minute)); !errors.Is(err, ErrStaleUpdate) {
		t.Errorf("Expected ErrStaleUpdate, got %v", err)
	}

	got, _ := tracker.Get(key)
	if got.InputOctets != 1000 {
		t.Errorf("Stale update mutated counters: %d", got.InputOctets)
	}
	if tracker.Stats().Stale != 2 {
		t.Errorf("Expected 2 stale, got %d", tracker.Stats().Stale)
	}
}

func TestTracker_CloseIdempotence(t *testing.T) {
	recorder := &mockRecorder{}
	tracker := newTestTracker(recorder)
	ctx := context.Background()

	s, err := tracker.Open(openReq("s1", "alice"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	key := s.Key()

	closed, err := tracker.Close(ctx, key, CauseUserRequest, Counters{InputOctets: 5000, OutputOctets: 900}, time.Now())
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if closed.State != StateStopped || closed.StopTime.IsZero() {
		t.Errorf("Bad terminal state: %+v", closed)
	}

	if recorder.count() != 1 {
		t.Fatalf("Expected 1 final record, got %d", recorder.count())
	}
	rec := recorder.last()
	if rec.Event != accounting.EventStop || rec.TerminateCause != CauseUserRequest {
		t.Errorf("Bad final record: %+v", rec)
	}
	if rec.InputOctets != 5000 {
		t.Errorf("Expected final input 5000, got %d", rec.InputOctets)
	}

	// Retransmitted stop with the same cause: silent no-op.
	if _, err := tracker.Close(ctx, key, CauseUserRequest, Counters{}, time.Now()); err != nil {
		t.Errorf("Idempotent close failed: %v", err)
	}
	if recorder.count() != 1 {
		t.Errorf("Idempotent close appended a record")
	}

	// Conflicting cause: reported, session untouched.
	if _, err := tracker.Close(ctx, key, CauseLostCarrier, Counters{}, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
	got, _ := tracker.Get(key)
	if got.TerminateCause != CauseUserRequest {
		t.Errorf("Conflicting close mutated cause: %s", got.TerminateCause)
	}

	// Late interim after stop is stale.
	if _, err := tracker.Update(key, Counters{InputOctets: 9000}, time.Now()); !errors.Is(err, ErrStaleUpdate) {
		t.Errorf("Expected ErrStaleUpdate, got %v", err)
	}
}

func TestTracker_IdleExpiry(t *testing.T) {
	recorder := &mockRecorder{}
	tracker := newTestTracker(recorder)

	req := openReq("s1", "alice")
	req.IdleTimeout = 50 * time.Millisecond
	s, err := tracker.Open(req)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	got, _ := tracker.Get(s.Key())
	if got.State != StateExpired {
		t.Fatalf("Expected expired, got %s", got.State)
	}
	if got.TerminateCause != CauseIdleTimeout {
		t.Errorf("Expected idle-timeout cause, got %s", got.TerminateCause)
	}
	if recorder.count() != 1 {
		t.Errorf("Expected 1 final record, got %d", recorder.count())
	}
	if tracker.Stats().Expired != 1 {
		t.Errorf("Expected 1 expired, got %d", tracker.Stats().Expired)
	}
}

func TestTracker_CloseCancelsExpiry(t *testing.T) {
	recorder := &mockRecorder{}
	tracker := newTestTracker(recorder)
	ctx := context.Background()

	req := openReq("s1", "alice")
	req.SessionTimeout = 50 * time.Millisecond
	s, err := tracker.Open(req)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := tracker.Close(ctx, s.Key(), CauseUserRequest, Counters{}, time.Now()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	got, _ := tracker.Get(s.Key())
	if got.State != StateStopped || got.TerminateCause != CauseUserRequest {
		t.Errorf("Timer fired after close: %+v", got)
	}
	if recorder.count() != 1 {
		t.Errorf("Expected exactly 1 final record, got %d", recorder.count())
	}
}

func TestTracker_Disconnect(t *testing.T) {
	recorder := &mockRecorder{}
	tracker := newTestTracker(recorder)
	ctx := context.Background()

	s, err := tracker.Open(openReq("s1", "alice"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	got, err := tracker.Disconnect(ctx, s.Key())
	if err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if got.State != StateStopped || got.TerminateCause != CauseAdminReset {
		t.Errorf("Bad disconnect state: %+v", got)
	}

	// Disconnecting again is fine.
	if _, err := tracker.Disconnect(ctx, s.Key()); err != nil {
		t.Errorf("Repeat disconnect failed: %v", err)
	}
	if recorder.count() != 1 {
		t.Errorf("Expected 1 final record, got %d", recorder.count())
	}
}

func TestTracker_KeyReuseAfterClose(t *testing.T) {
	tracker := newTestTracker(nil)
	ctx := context.Background()

	s, err := tracker.Open(openReq("s1", "alice"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := tracker.Close(ctx, s.Key(), CauseUserRequest, Counters{}, time.Now()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// NAS reuses the accounting session id for a fresh session.
	if _, err := tracker.Open(openReq("s1", "alice")); err != nil {
		t.Fatalf("Reopen after close failed: %v", err)
	}

	all := tracker.List(Filter{})
	if len(all) != 2 {
		t.Fatalf("Expected 2 sessions (current + history), got %d", len(all))
	}
	stopped := tracker.List(Filter{Status: StateStopped})
	if len(stopped) != 1 {
		t.Errorf("Expected 1 stopped session, got %d", len(stopped))
	}
}

func TestTracker_ListFilters(t *testing.T) {
	tracker := newTestTracker(nil)
	ctx := context.Background()

	reqA := openReq("s1", "alice")
	reqA.CustomerID = "cust-1"
	tracker.Open(reqA)

	reqB := openReq("s2", "bob")
	reqB.NASAddress = net.ParseIP("10.0.0.2")
	tracker.Open(reqB)
	tracker.Close(ctx, Key{NASAddress: "10.0.0.2", SessionID: "s2"}, CauseUserRequest, Counters{}, time.Now())

	if n := len(tracker.List(Filter{Status: StateActive})); n != 1 {
		t.Errorf("Expected 1 active, got %d", n)
	}
	if n := len(tracker.List(Filter{NASAddress: "10.0.0.2"})); n != 1 {
		t.Errorf("Expected 1 on nas 10.0.0.2, got %d", n)
	}
	if n := len(tracker.List(Filter{Username: "alice"})); n != 1 {
		t.Errorf("Expected 1 for alice, got %d", n)
	}
	if n := len(tracker.List(Filter{CustomerID: "cust-1"})); n != 1 {
		t.Errorf("Expected 1 for cust-1, got %d", n)
	}
	if n := len(tracker.List(Filter{Search: "100.64"})); n != 2 {
		t.Errorf("Expected 2 matching framed prefix, got %d", n)
	}
	if n := len(tracker.List(Filter{Limit: 1})); n != 1 {
		t.Errorf("Expected limit 1, got %d", n)
	}
}

func TestTracker_Events(t *testing.T) {
	tracker := newTestTracker(nil)
	ctx := context.Background()

	var mu sync.Mutex
	var events []EventType
	tracker.OnEvent(func(evt Event) {
		mu.Lock()
		events = append(events, evt.Type)
		mu.Unlock()
	})

	s, _ := tracker.Open(openReq("s1", "alice"))
	tracker.Update(s.Key(), Counters{InputOctets: 1}, time.Now())
	tracker.Close(ctx, s.Key(), CauseUserRequest, Counters{}, time.Now())

	mu.Lock()
	defer mu.Unlock()
	want := []EventType{EventOpened, EventUpdated, EventClosed}
	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(events))
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], events[i])
		}
	}
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter(map[string]string{
		"status":   "active",
		"nas":      "10.0.0.1",
		"username": "alice",
		"since":    "2026-03-01T00:00:00Z",
		"limit":    "10",
	})
	if err != nil {
		t.Fatalf("ParseFilter failed: %v", err)
	}
	if f.Status != StateActive || f.Username != "alice" || f.Limit != 10 {
		t.Errorf("Bad filter: %+v", f)
	}

	if _, err := ParseFilter(map[string]string{"bogus": "x"}); !errors.Is(err, ErrUnknownFilter) {
		t.Errorf("Expected ErrUnknownFilter, got %v", err)
	}
	if _, err := ParseFilter(map[string]string{"status": "resting"}); err == nil {
		t.Error("Expected invalid status error")
	}
	if _, err := ParseFilter(map[string]string{"since": "yesterday"}); err == nil {
		t.Error("Expected time parse error")
	}
}
