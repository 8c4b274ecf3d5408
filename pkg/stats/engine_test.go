package stats

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/accounting"
	"github.com/codelaboratoryltd/aaa/pkg/nas"
	"github.com/codelaboratoryltd/aaa/pkg/session"
	"github.com/codelaboratoryltd/aaa/pkg/subscriber"
)

func newTestEngine(t *testing.T) (*Engine, *session.Tracker, *accounting.Log) {
	t.Helper()
	logger := zap.NewNop()
	acct := accounting.NewLog(nil, nil, logger)
	tracker := session.NewTracker(session.DefaultTrackerConfig(), acct, logger)
	registry := nas.NewRegistry(logger)
	store := subscriber.NewStore(logger)
	engine := NewEngine(DefaultEngineConfig(), tracker, acct, registry, store, logger)
	return engine, tracker, acct
}

func appendStop(t *testing.T, acct *accounting.Log, username, sessionID, nasAddr string, volume uint64, ts time.Time) {
	t.Helper()
	err := acct.Append(context.Background(), &accounting.Record{
		SessionID:  sessionID,
		NASAddress: net.ParseIP(nasAddr),
		Username:   username,
		Event:      accounting.EventStop,
		// Volume split across directions to exercise both counters.
		InputOctets:  volume / 2,
		OutputOctets: volume - volume/2,
		Timestamp:    ts,
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
}

func TestEngine_Snapshot(t *testing.T) {
	engine, tracker, _ := newTestEngine(t)

	tracker.Open(session.OpenRequest{
		SessionID:  "s1",
		NASAddress: net.ParseIP("10.0.0.1"),
		Username:   "alice",
	})
	tracker.Open(session.OpenRequest{
		SessionID:  "s2",
		NASAddress: net.ParseIP("10.0.0.1"),
		Username:   "alice",
	})

	engine.RecordAuth(true)
	engine.RecordAuth(true)
	engine.RecordAuth(false)
	engine.RecordAcct(accounting.EventStart)
	engine.RecordAcct(accounting.EventInterim)

	snap := engine.Snapshot(time.Hour)
	if snap.SessionsActive != 2 {
		t.Errorf("Expected 2 active sessions, got %d", snap.SessionsActive)
	}
	if snap.UsersActive != 1 {
		t.Errorf("Expected 1 active user, got %d", snap.UsersActive)
	}
	if snap.AuthAccepted != 2 || snap.AuthRejected != 1 {
		t.Errorf("Bad auth counts: %d/%d", snap.AuthAccepted, snap.AuthRejected)
	}
	if snap.AcctStart != 1 || snap.AcctInterim != 1 || snap.AcctStop != 0 {
		t.Errorf("Bad acct counts: %+v", snap)
	}
}

func TestEngine_PerNAS(t *testing.T) {
	engine, tracker, acct := newTestEngine(t)
	now := time.Now()

	tracker.Open(session.OpenRequest{
		SessionID:  "s1",
		NASAddress: net.ParseIP("10.0.0.1"),
		Username:   "alice",
	})
	appendStop(t, acct, "alice", "s0", "10.0.0.1", 1000, now.Add(-time.Minute))
	appendStop(t, acct, "bob", "s9", "10.0.0.2", 4000, now.Add(-time.Minute))

	summaries := engine.PerNAS(time.Hour)
	if len(summaries) != 2 {
		t.Fatalf("Expected 2 NAS summaries, got %d", len(summaries))
	}
	if summaries[0].NASAddress != "10.0.0.1" || summaries[0].SessionsActive != 1 || summaries[0].Volume != 1000 {
		t.Errorf("Bad first summary: %+v", summaries[0])
	}
	if summaries[1].NASAddress != "10.0.0.2" || summaries[1].Volume != 4000 {
		t.Errorf("Bad second summary: %+v", summaries[1])
	}
}

func TestEngine_TopUsersTieBreak(t *testing.T) {
	engine, _, acct := newTestEngine(t)
	now := time.Now()

	// alice and bob: one session each; alice moved more volume.
	appendStop(t, acct, "alice", "a1", "10.0.0.1", 9000, now.Add(-2*time.Minute))
	appendStop(t, acct, "bob", "b1", "10.0.0.1", 3000, now.Add(-time.Minute))
	// carol and dave: identical sessions and volume; carol finished first.
	appendStop(t, acct, "carol", "c1", "10.0.0.1", 3000, now.Add(-10*time.Minute))
	appendStop(t, acct, "dave", "d1", "10.0.0.1", 3000, now.Add(-5*time.Minute))

	top := engine.TopUsers(10, TopBySessions, time.Hour)
	if len(top) != 4 {
		t.Fatalf("Expected 4 users, got %d", len(top))
	}
	// Equal session counts: volume breaks the tie first.
	if top[0].Username != "alice" {
		t.Errorf("Expected alice first, got %s", top[0].Username)
	}
	// Equal volume: earlier last session wins.
	if top[1].Username != "carol" || top[2].Username != "dave" {
		t.Errorf("Bad tie-break order: %s, %s", top[1].Username, top[2].Username)
	}

	byVolume := engine.TopUsers(1, TopByVolume, time.Hour)
	if len(byVolume) != 1 || byVolume[0].Username != "alice" || byVolume[0].Volume != 9000 {
		t.Errorf("Bad volume ranking: %+v", byVolume)
	}
}

func TestEngine_TopUsersByTime(t *testing.T) {
	engine, _, acct := newTestEngine(t)
	now := time.Now()

	stop := func(username, sessionID string, seconds uint32, volume uint64) {
		err := acct.Append(context.Background(), &accounting.Record{
			SessionID:    sessionID,
			NASAddress:   net.ParseIP("10.0.0.1"),
			Username:     username,
			Event:        accounting.EventStop,
			OutputOctets: volume,
			SessionTime:  seconds,
			Timestamp:    now.Add(-time.Minute),
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// bob stayed online longest across two sessions; alice moved the
	// most data in one short burst.
	stop("alice", "a1", 600, 9000)
	stop("bob", "b1", 3600, 1000)
	stop("bob", "b2", 1800, 1000)
	stop("carol", "c1", 1200, 2000)

	top := engine.TopUsers(10, TopByTime, time.Hour)
	if len(top) != 3 {
		t.Fatalf("Expected 3 users, got %d", len(top))
	}
	if top[0].Username != "bob" || top[0].SessionTime != 5400 {
		t.Errorf("Expected bob first with 5400s, got %s with %ds", top[0].Username, top[0].SessionTime)
	}
	if top[1].Username != "carol" || top[2].Username != "alice" {
		t.Errorf("Bad time ranking: %s, %s", top[1].Username, top[2].Username)
	}

	byVolume := engine.TopUsers(1, TopByVolume, time.Hour)
	if byVolume[0].Username != "alice" {
		t.Errorf("Volume ranking unaffected, got %s first", byVolume[0].Username)
	}
}

func TestEngine_TrendZeroFilled(t *testing.T) {
	engine, _, acct := newTestEngine(t)
	now := time.Now()

	engine.RecordAuth(true)
	// Accounting comes from the log itself, so records written before
	// the engine existed (journal recovery) land in their true bucket.
	appendStop(t, acct, "alice", "s1", "10.0.0.1", 1000, now)
	appendStop(t, acct, "alice", "s0", "10.0.0.1", 1000, now.Add(-2*time.Hour))

	buckets := engine.Trend(3*time.Hour, time.Hour)
	if len(buckets) < 3 {
		t.Fatalf("Expected at least 3 buckets, got %d", len(buckets))
	}
	for i := 1; i < len(buckets); i++ {
		if got := buckets[i].Start.Sub(buckets[i-1].Start); got != time.Hour {
			t.Errorf("Bucket %d spacing %s, expected 1h", i, got)
		}
	}

	last := buckets[len(buckets)-1]
	if last.AuthAccepted != 1 || last.AcctEvents != 1 {
		t.Errorf("Events not in current bucket: %+v", last)
	}

	acctTotal := uint64(0)
	zeroed := 0
	for _, b := range buckets {
		acctTotal += b.AcctEvents
		if b.AuthAccepted == 0 && b.AuthRejected == 0 && b.AcctEvents == 0 {
			zeroed++
		}
	}
	if acctTotal != 2 {
		t.Errorf("Expected both records bucketed, got %d", acctTotal)
	}
	if zeroed == 0 {
		t.Error("Expected at least one zero-valued quiet bucket")
	}
}
