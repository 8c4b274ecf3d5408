package aaa

import (
	"net"
	"time"

	"github.com/codelaboratoryltd/aaa/pkg/accounting"
	"github.com/codelaboratoryltd/aaa/pkg/session"
	"github.com/codelaboratoryltd/aaa/pkg/subscriber"
)

// AuthRequest is an authentication attempt as reported by a NAS.
type AuthRequest struct {
	NASAddress net.IP
	Secret     string

	Username string
	Realm    string
	Password string

	// SessionID is the NAS-assigned accounting session id, when the
	// NAS allocates it at auth time. Generated otherwise.
	SessionID string

	NASPort       uint32
	NASPortType   string
	FramedIP      net.IP
	FramedNetmask net.IP

	// Attributes carries additional request attributes that check
	// items may match against.
	Attributes map[string]string

	Timestamp time.Time
}

// AuthResponse is the engine's decision for an AuthRequest.
type AuthResponse struct {
	Accepted   bool                   `json:"accepted"`
	Reason     string                 `json:"reason,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
	ReplyAttrs []subscriber.Attribute `json:"reply_attrs,omitempty"`
}

// AccountingEvent is one accounting report from a NAS.
type AccountingEvent struct {
	Type accounting.EventType

	NASAddress net.IP
	Secret     string

	SessionID string
	Username  string
	Realm     string

	NASPort       uint32
	NASPortType   string
	FramedIP      net.IP
	FramedNetmask net.IP

	Counters       session.Counters
	SessionTime    uint32
	TerminateCause string
	Timestamp      time.Time
}
