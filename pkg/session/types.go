package session

import (
	"net"
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive  State = "active"
	StateStopped State = "stopped"
	StateExpired State = "expired"
)

// Terminate causes recorded on session close.
const (
	CauseUserRequest    = "user-request"
	CauseIdleTimeout    = "idle-timeout"
	CauseSessionTimeout = "session-timeout"
	CauseAdminReset     = "admin-reset"
	CauseLostCarrier    = "lost-carrier"
	CauseNASReboot      = "nas-reboot"
)

// Key identifies a session: the pair (NAS address, NAS-assigned session
// id). Session ids are only unique per NAS.
type Key struct {
	NASAddress string
	SessionID  string
}

// Session is one subscriber session as seen by the tracker. Callers
// receive copies; the tracker owns the canonical instance.
type Session struct {
	SessionID  string `json:"session_id"`
	NASAddress net.IP `json:"nas_address"`

	Username   string `json:"username"`
	Realm      string `json:"realm,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`

	NASPort       uint32 `json:"nas_port"`
	NASPortType   string `json:"nas_port_type,omitempty"`
	FramedIP      net.IP `json:"framed_ip,omitempty"`
	FramedNetmask net.IP `json:"framed_netmask,omitempty"`

	InputOctets   uint64 `json:"input_octets"`
	OutputOctets  uint64 `json:"output_octets"`
	InputPackets  uint64 `json:"input_packets"`
	OutputPackets uint64 `json:"output_packets"`

	State          State     `json:"state"`
	TerminateCause string    `json:"terminate_cause,omitempty"`
	StartTime      time.Time `json:"start_time"`
	StopTime       time.Time `json:"stop_time,omitempty"`
	LastUpdate     time.Time `json:"last_update"`

	SessionTimeout time.Duration `json:"session_timeout,omitempty"`
	IdleTimeout    time.Duration `json:"idle_timeout,omitempty"`
}

// Key returns the tracker key for this session.
func (s *Session) Key() Key {
	return Key{NASAddress: s.NASAddress.String(), SessionID: s.SessionID}
}

// Duration returns the session length: StopTime-StartTime once
// terminal, time since start while active.
func (s *Session) Duration() time.Duration {
	if !s.StopTime.IsZero() {
		return s.StopTime.Sub(s.StartTime)
	}
	return time.Since(s.StartTime)
}

func (s *Session) clone() *Session {
	c := *s
	return &c
}

// OpenRequest carries everything needed to admit a new session. The
// user-derived limits (SimultaneousUse, timeouts) are resolved by the
// caller from the subscriber store before calling Open.
type OpenRequest struct {
	SessionID  string
	NASAddress net.IP

	Username   string
	Realm      string
	CustomerID string

	NASPort       uint32
	NASPortType   string
	FramedIP      net.IP
	FramedNetmask net.IP

	SimultaneousUse int
	SessionTimeout  time.Duration
	IdleTimeout     time.Duration

	StartTime time.Time
}

// Counters is a snapshot of NAS-reported traffic counters.
type Counters struct {
	InputOctets   uint64
	OutputOctets  uint64
	InputPackets  uint64
	OutputPackets uint64
}

// EventType identifies a session lifecycle event.
type EventType string

const (
	EventOpened  EventType = "opened"
	EventUpdated EventType = "updated"
	EventClosed  EventType = "closed"
)

// Event is delivered to registered handlers on every lifecycle
// transition. Session is a snapshot taken at transition time.
type Event struct {
	Type      EventType
	Session   *Session
	Timestamp time.Time
}

// EventHandler receives session events. Handlers run synchronously on
// the transitioning goroutine and must not block.
type EventHandler func(Event)
