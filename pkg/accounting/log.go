package accounting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Mirror receives a copy of every appended record. Mirror failures are
// logged and never fail the append; the journal is the durable source
// of truth.
type Mirror interface {
	Save(ctx context.Context, record *Record) error
}

// Log is the accounting aggregator: an append-only, time-ordered record
// log. Appends across different sessions proceed concurrently; each
// record is durably journaled before Append returns, so a subsequent
// Query always observes it.
type Log struct {
	logger  *zap.Logger
	journal *Journal // optional
	mirror  Mirror   // optional

	mu      sync.RWMutex
	records []*Record           // ordered by Timestamp ascending
	seen    map[string]struct{} // dedup on (session, timestamp, event)

	appended     atomic.Uint64
	deduplicated atomic.Uint64
	mirrorErrors atomic.Uint64
}

// NewLog creates a log. journal and mirror may be nil.
func NewLog(journal *Journal, mirror Mirror, logger *zap.Logger) *Log {
	return &Log{
		logger:  logger,
		journal: journal,
		mirror:  mirror,
		seen:    make(map[string]struct{}),
	}
}

func dedupKey(r *Record) string {
	return fmt.Sprintf("%s|%d|%s", r.SessionID, r.Timestamp.UnixNano(), r.Event)
}

// Append adds one record. Exact duplicate (session, timestamp, event)
// tuples are absorbed silently to guard against NAS retransmission;
// duplicate timestamps across different events are fine, accounting is
// a log, not a set.
func (l *Log) Append(ctx context.Context, record *Record) error {
	if record.SessionID == "" {
		return fmt.Errorf("session id required")
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}

	key := dedupKey(record)

	l.mu.Lock()
	if _, dup := l.seen[key]; dup {
		l.mu.Unlock()
		l.deduplicated.Add(1)
		l.logger.Debug("Duplicate accounting record absorbed",
			zap.String("session_id", record.SessionID),
			zap.String("event", string(record.Event)),
		)
		return nil
	}

	if l.journal != nil {
		if err := l.journal.Write(record); err != nil {
			l.mu.Unlock()
			return fmt.Errorf("journal accounting record: %w", err)
		}
	}

	l.seen[key] = struct{}{}
	l.insertLocked(record)
	l.mu.Unlock()

	l.appended.Add(1)

	if l.mirror != nil {
		if err := l.mirror.Save(ctx, record); err != nil {
			l.mirrorErrors.Add(1)
			l.logger.Warn("Accounting mirror write failed",
				zap.String("session_id", record.SessionID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// insertLocked keeps the record slice ordered by timestamp. Records
// arrive mostly in order, so the common case is a plain append.
func (l *Log) insertLocked(record *Record) {
	n := len(l.records)
	if n == 0 || !record.Timestamp.Before(l.records[n-1].Timestamp) {
		l.records = append(l.records, record)
		return
	}
	i := sort.Search(n, func(i int) bool {
		return l.records[i].Timestamp.After(record.Timestamp)
	})
	l.records = append(l.records, nil)
	copy(l.records[i+1:], l.records[i:])
	l.records[i] = record
}

// Query returns records matching the filter ordered by timestamp
// ascending. Each call produces a fresh slice over the store, so two
// calls with identical filters over an unchanged log return identical
// sequences.
func (l *Log) Query(filter Filter) []*Record {
	l.mu.RLock()
	var results []*Record
	for _, r := range l.records {
		if !filter.Start.IsZero() && r.Timestamp.Before(filter.Start) {
			continue
		}
		if !filter.End.IsZero() && r.Timestamp.After(filter.End) {
			continue
		}
		if filter.NASAddress != nil && !r.NASAddress.Equal(filter.NASAddress) {
			continue
		}
		if filter.Username != "" && r.Username != filter.Username {
			continue
		}
		if filter.SessionID != "" && r.SessionID != filter.SessionID {
			continue
		}
		if filter.Event != "" && r.Event != filter.Event {
			continue
		}
		results = append(results, r)
	}
	l.mu.RUnlock()

	if filter.Offset > 0 {
		if filter.Offset >= len(results) {
			return []*Record{}
		}
		results = results[filter.Offset:]
	}
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results
}

// Count returns the number of stored records.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Recover replays the journal into the log. Call once at startup,
// before serving events; replayed records do not re-journal.
func (l *Log) Recover() error {
	if l.journal == nil {
		return nil
	}

	records, err := l.journal.Replay()
	if err != nil {
		return fmt.Errorf("replay accounting journal: %w", err)
	}

	l.mu.Lock()
	recovered := 0
	for _, r := range records {
		key := dedupKey(r)
		if _, dup := l.seen[key]; dup {
			continue
		}
		l.seen[key] = struct{}{}
		l.insertLocked(r)
		recovered++
	}
	l.mu.Unlock()

	if recovered > 0 {
		l.logger.Info("Recovered accounting records from journal", zap.Int("count", recovered))
	}
	return nil
}

// Trim drops records older than the cutoff. Returns the number removed.
func (l *Log) Trim(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := sort.Search(len(l.records), func(i int) bool {
		return !l.records[i].Timestamp.Before(cutoff)
	})
	if i == 0 {
		return 0
	}

	for _, r := range l.records[:i] {
		delete(l.seen, dedupKey(r))
	}
	l.records = append([]*Record{}, l.records[i:]...)
	return i
}

// Stats holds aggregator counters.
type Stats struct {
	Records      int    `json:"records"`
	Appended     uint64 `json:"appended"`
	Deduplicated uint64 `json:"deduplicated"`
	MirrorErrors uint64 `json:"mirror_errors"`
}

// Stats returns aggregator counters.
func (l *Log) Stats() Stats {
	return Stats{
		Records:      l.Count(),
		Appended:     l.appended.Load(),
		Deduplicated: l.deduplicated.Load(),
		MirrorErrors: l.mirrorErrors.Load(),
	}
}
