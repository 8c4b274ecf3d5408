package subscriber

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a user cannot be found.
	ErrNotFound = errors.New("user not found")

	// ErrDuplicateUser is returned when adding a user whose
	// username@realm is already taken.
	ErrDuplicateUser = errors.New("duplicate user")
)

// AttrKind distinguishes check attributes (gate authentication) from
// reply attributes (returned to the NAS on accept).
type AttrKind string

const (
	AttrCheck AttrKind = "check"
	AttrReply AttrKind = "reply"
)

// Attribute is a single RADIUS check or reply item.
type Attribute struct {
	Name  string   `json:"name" yaml:"name"`
	Op    string   `json:"op" yaml:"op"`
	Value string   `json:"value" yaml:"value"`
	Kind  AttrKind `json:"kind" yaml:"kind"`
}

// Group bundles attributes shared by many users. On conflicting
// attribute names a higher-priority group overrides a lower one; user
// attributes override all groups.
type Group struct {
	Name       string      `json:"name" yaml:"name"`
	Priority   int         `json:"priority" yaml:"priority"`
	CheckAttrs []Attribute `json:"check_attrs,omitempty" yaml:"check_attrs"`
	ReplyAttrs []Attribute `json:"reply_attrs,omitempty" yaml:"reply_attrs"`
}

// User is a RADIUS identity. Username is unique per realm and belongs
// to exactly one customer.
type User struct {
	Username     string `json:"username" yaml:"username"`
	Realm        string `json:"realm,omitempty" yaml:"realm"`
	CustomerID   string `json:"customer_id" yaml:"customer_id"`
	PasswordHash string `json:"-" yaml:"password_hash"`

	SimultaneousUse int           `json:"simultaneous_use" yaml:"simultaneous_use"`
	SessionTimeout  time.Duration `json:"session_timeout,omitempty" yaml:"session_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout,omitempty" yaml:"idle_timeout"`
	Expiration      time.Time     `json:"expiration,omitempty" yaml:"expiration"`

	CheckAttrs []Attribute `json:"check_attrs,omitempty" yaml:"check_attrs"`
	ReplyAttrs []Attribute `json:"reply_attrs,omitempty" yaml:"reply_attrs"`
	Groups     []string    `json:"groups,omitempty" yaml:"groups"`

	Active    bool      `json:"active" yaml:"active"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

func (u *User) clone() *User {
	out := *u
	return &out
}

// Key returns the username@realm store key.
func (u *User) Key() string {
	if u.Realm == "" {
		return u.Username
	}
	return u.Username + "@" + u.Realm
}

// AuthContext carries the request-side values check attributes are
// evaluated against.
type AuthContext struct {
	Password   string
	Attributes map[string]string
	Now        time.Time // zero value means time.Now()
}

// Decision is the outcome of evaluating a user's effective check
// attributes.
type Decision struct {
	Accepted   bool        `json:"accepted"`
	Reason     string      `json:"reason,omitempty"`
	ReplyAttrs []Attribute `json:"reply_attrs,omitempty"`
}
