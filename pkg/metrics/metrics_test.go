package metrics

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/accounting"
	"github.com/codelaboratoryltd/aaa/pkg/nas"
	"github.com/codelaboratoryltd/aaa/pkg/session"
	"github.com/codelaboratoryltd/aaa/pkg/subscriber"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(nil, nil, nil, nil, zap.NewNop())

	m.RecordAuthRequest("accept")
	m.RecordAuthRequest("accept")
	m.RecordAuthRequest("reject")
	m.RecordAcctEvent("start")
	m.RecordStaleUpdate()
	m.RecordDisconnect("ok")

	if got := testutil.ToFloat64(m.authRequests.WithLabelValues("accept")); got != 2 {
		t.Errorf("Expected 2 accepts, got %v", got)
	}
	if got := testutil.ToFloat64(m.authRequests.WithLabelValues("reject")); got != 1 {
		t.Errorf("Expected 1 reject, got %v", got)
	}
	if got := testutil.ToFloat64(m.acctEvents.WithLabelValues("start")); got != 1 {
		t.Errorf("Expected 1 start, got %v", got)
	}
	if got := testutil.ToFloat64(m.staleUpdates); got != 1 {
		t.Errorf("Expected 1 stale update, got %v", got)
	}
}

func TestMetrics_Collect(t *testing.T) {
	logger := zap.NewNop()
	acct := accounting.NewLog(nil, nil, logger)
	tracker := session.NewTracker(session.DefaultTrackerConfig(), acct, logger)
	registry := nas.NewRegistry(logger)
	store := subscriber.NewStore(logger)
	m := New(tracker, acct, registry, store, logger)

	tracker.Open(session.OpenRequest{
		SessionID:  "s1",
		NASAddress: net.ParseIP("10.0.0.1"),
		Username:   "alice",
	})
	tracker.Open(session.OpenRequest{
		SessionID:  "s2",
		NASAddress: net.ParseIP("10.0.0.2"),
		Username:   "bob",
	})
	acct.Append(context.Background(), &accounting.Record{
		SessionID:  "s1",
		NASAddress: net.ParseIP("10.0.0.1"),
		Username:   "alice",
		Event:      accounting.EventStart,
		Timestamp:  time.Now(),
	})

	m.Collect()

	if got := testutil.ToFloat64(m.sessionsActive.WithLabelValues("10.0.0.1")); got != 1 {
		t.Errorf("Expected 1 session on 10.0.0.1, got %v", got)
	}
	if got := testutil.ToFloat64(m.acctRecords); got != 1 {
		t.Errorf("Expected 1 accounting record, got %v", got)
	}
}

func TestMetrics_SessionEventObservesDuration(t *testing.T) {
	m := New(nil, nil, nil, nil, zap.NewNop())

	start := time.Now().Add(-90 * time.Second)
	stop := time.Now()
	m.HandleSessionEvent(session.Event{
		Type: session.EventClosed,
		Session: &session.Session{
			SessionID: "s1",
			State:     session.StateStopped,
			StartTime: start,
			StopTime:  stop,
		},
		Timestamp: stop,
	})

	if got := testutil.CollectAndCount(m.sessionDuration); got != 1 {
		t.Errorf("Expected histogram registered with samples, got %d series", got)
	}
}
