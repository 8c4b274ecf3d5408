package session

import (
	"fmt"
	"strconv"
	"time"
)

// Filter selects sessions for List. The zero value matches everything.
type Filter struct {
	Status     State
	NASAddress string
	Username   string
	CustomerID string
	Since      time.Time // sessions started at or after
	Until      time.Time // sessions started at or before
	Search     string
	Offset     int
	Limit      int
}

func (f Filter) matches(s *Session) bool {
	if f.Status != "" && s.State != f.Status {
		return false
	}
	if f.NASAddress != "" && s.NASAddress.String() != f.NASAddress {
		return false
	}
	if f.Username != "" && s.Username != f.Username {
		return false
	}
	if f.CustomerID != "" && s.CustomerID != f.CustomerID {
		return false
	}
	if !f.Since.IsZero() && s.StartTime.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && s.StartTime.After(f.Until) {
		return false
	}
	if f.Search != "" && !matchesSearch(s, f.Search) {
		return false
	}
	return true
}

// ParseFilter builds a Filter from string key/value pairs, as supplied
// by admin tooling. Unknown keys are rejected rather than silently
// matching everything.
func ParseFilter(params map[string]string) (Filter, error) {
	var f Filter
	for key, value := range params {
		switch key {
		case "status":
			switch State(value) {
			case StateActive, StateStopped, StateExpired:
				f.Status = State(value)
			default:
				return Filter{}, fmt.Errorf("invalid status %q", value)
			}
		case "nas":
			f.NASAddress = value
		case "username":
			f.Username = value
		case "customer_id":
			f.CustomerID = value
		case "since":
			ts, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return Filter{}, fmt.Errorf("parse since: %w", err)
			}
			f.Since = ts
		case "until":
			ts, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return Filter{}, fmt.Errorf("parse until: %w", err)
			}
			f.Until = ts
		case "search":
			f.Search = value
		case "offset":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return Filter{}, fmt.Errorf("invalid offset %q", value)
			}
			f.Offset = n
		case "limit":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return Filter{}, fmt.Errorf("invalid limit %q", value)
			}
			f.Limit = n
		default:
			return Filter{}, fmt.Errorf("%q: %w", key, ErrUnknownFilter)
		}
	}
	return f, nil
}
