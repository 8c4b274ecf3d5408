package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/accounting"
	"github.com/codelaboratoryltd/aaa/pkg/nas"
	"github.com/codelaboratoryltd/aaa/pkg/session"
	"github.com/codelaboratoryltd/aaa/pkg/subscriber"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Authentication metrics
	authRequests *prometheus.CounterVec

	// Accounting metrics
	acctEvents      *prometheus.CounterVec
	acctRecords     prometheus.Gauge
	acctDuplicates  prometheus.Gauge
	acctMirrorFails prometheus.Gauge

	// Session metrics
	sessionsActive  *prometheus.GaugeVec
	sessionDuration prometheus.Histogram
	staleUpdates    prometheus.Counter

	// Disconnect metrics
	disconnects *prometheus.CounterVec

	// Inventory metrics
	clientsRegistered *prometheus.GaugeVec
	usersRegistered   *prometheus.GaugeVec

	// References for collection
	tracker  *session.Tracker
	acct     *accounting.Log
	registry *nas.Registry
	store    *subscriber.Store
	logger   *zap.Logger
}

// New creates a new Metrics instance
func New(tracker *session.Tracker, acct *accounting.Log, registry *nas.Registry, store *subscriber.Store, logger *zap.Logger) *Metrics {
	m := &Metrics{
		tracker:  tracker,
		acct:     acct,
		registry: registry,
		store:    store,
		logger:   logger,

		authRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaa_auth_requests_total",
				Help: "Total authentication requests by result",
			},
			[]string{"result"},
		),

		acctEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaa_acct_events_total",
				Help: "Total accounting events by type",
			},
			[]string{"type"},
		),

		acctRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aaa_acct_records",
				Help: "Accounting records held in the log",
			},
		),

		acctDuplicates: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aaa_acct_duplicates_total",
				Help: "Accounting records absorbed as retransmissions",
			},
		),

		acctMirrorFails: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aaa_acct_mirror_failures_total",
				Help: "Failed writes to the accounting mirror",
			},
		),

		sessionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "aaa_sessions_active",
				Help: "Active sessions per NAS",
			},
			[]string{"nas"},
		),

		sessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "aaa_session_duration_seconds",
				Help:    "Session duration in seconds",
				Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800, 43200, 86400},
			},
		),

		staleUpdates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aaa_stale_updates_total",
				Help: "Interim updates absorbed as stale",
			},
		),

		disconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaa_disconnects_total",
				Help: "Administrative disconnects by result",
			},
			[]string{"result"},
		),

		clientsRegistered: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "aaa_clients_registered",
				Help: "Registered NAS clients by state",
			},
			[]string{"state"},
		),

		usersRegistered: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "aaa_users_registered",
				Help: "Provisioned users by state",
			},
			[]string{"state"},
		),
	}

	return m
}

// Register registers all metrics with Prometheus
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.authRequests,
		m.acctEvents,
		m.acctRecords,
		m.acctDuplicates,
		m.acctMirrorFails,
		m.sessionsActive,
		m.sessionDuration,
		m.staleUpdates,
		m.disconnects,
		m.clientsRegistered,
		m.usersRegistered,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// RecordAuthRequest records an authentication outcome.
func (m *Metrics) RecordAuthRequest(result string) {
	m.authRequests.WithLabelValues(result).Inc()
}

// RecordAcctEvent records a received accounting event.
func (m *Metrics) RecordAcctEvent(eventType string) {
	m.acctEvents.WithLabelValues(eventType).Inc()
}

// RecordStaleUpdate records an interim update absorbed as stale.
func (m *Metrics) RecordStaleUpdate() {
	m.staleUpdates.Inc()
}

// RecordDisconnect records an administrative disconnect outcome.
func (m *Metrics) RecordDisconnect(result string) {
	m.disconnects.WithLabelValues(result).Inc()
}

// HandleSessionEvent observes tracker events; wire it with
// Tracker.OnEvent.
func (m *Metrics) HandleSessionEvent(evt session.Event) {
	if evt.Type == session.EventClosed {
		m.sessionDuration.Observe(evt.Session.Duration().Seconds())
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Collect refreshes gauges from the live stores.
func (m *Metrics) Collect() {
	if m.tracker != nil {
		perNAS := make(map[string]int)
		for _, s := range m.tracker.List(session.Filter{Status: session.StateActive}) {
			perNAS[s.NASAddress.String()]++
		}
		m.sessionsActive.Reset()
		for addr, count := range perNAS {
			m.sessionsActive.WithLabelValues(addr).Set(float64(count))
		}
	}

	if m.acct != nil {
		stats := m.acct.Stats()
		m.acctRecords.Set(float64(stats.Records))
		m.acctDuplicates.Set(float64(stats.Deduplicated))
		m.acctMirrorFails.Set(float64(stats.MirrorErrors))
	}

	if m.registry != nil {
		active, total := m.registry.Counts()
		m.clientsRegistered.WithLabelValues("active").Set(float64(active))
		m.clientsRegistered.WithLabelValues("inactive").Set(float64(total - active))
	}

	if m.store != nil {
		active, total := m.store.Counts()
		m.usersRegistered.WithLabelValues("active").Set(float64(active))
		m.usersRegistered.WithLabelValues("inactive").Set(float64(total - active))
	}
}

// StartCollector starts a background goroutine that collects metrics
func (m *Metrics) StartCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Collect()
		}
	}
}
