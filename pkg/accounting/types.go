package accounting

import (
	"net"
	"time"
)

// EventType is the accounting status type carried by a record.
type EventType string

const (
	EventStart   EventType = "start"
	EventInterim EventType = "interim"
	EventStop    EventType = "stop"
)

// Record is one immutable accounting entry. The aggregator never
// mutates a persisted record, only appends new ones.
type Record struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	NASAddress net.IP `json:"nas_address"`
	Username   string `json:"username"`
	Realm      string `json:"realm,omitempty"`

	Event EventType `json:"event"`

	InputOctets   uint64 `json:"input_octets"`
	OutputOctets  uint64 `json:"output_octets"`
	InputPackets  uint64 `json:"input_packets"`
	OutputPackets uint64 `json:"output_packets"`
	SessionTime   uint32 `json:"session_time"`

	TerminateCause string    `json:"terminate_cause,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Volume returns total octets in both directions.
func (r *Record) Volume() uint64 {
	return r.InputOctets + r.OutputOctets
}

// Filter selects records for Query. The zero value matches everything.
type Filter struct {
	Start      time.Time
	End        time.Time
	NASAddress net.IP
	Username   string
	SessionID  string
	Event      EventType
	Offset     int
	Limit      int
}
