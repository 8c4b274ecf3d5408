package subscriber

import (
	"crypto/subtle"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// expirationLayout is the classic RADIUS users-file date format.
const expirationLayout = "Jan 2 2006"

// EffectiveAttributes merges a user's group attributes with its own.
// Groups apply in ascending priority so that on conflicting names a
// higher-priority group wins; user attributes override every group.
// The returned slices have a stable order.
func (s *Store) EffectiveAttributes(user *User) (check, reply []Attribute) {
	s.mu.RLock()
	groups := make([]*Group, 0, len(user.Groups))
	for _, name := range user.Groups {
		if g, ok := s.groups[name]; ok {
			groups = append(groups, g)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Priority < groups[j].Priority })

	check = mergeAttrs(groups, user.CheckAttrs, func(g *Group) []Attribute { return g.CheckAttrs })
	reply = mergeAttrs(groups, user.ReplyAttrs, func(g *Group) []Attribute { return g.ReplyAttrs })
	return check, reply
}

// mergeAttrs overlays group attribute lists in order, then the user's
// own list, keeping one attribute per name in first-seen order.
func mergeAttrs(groups []*Group, own []Attribute, pick func(*Group) []Attribute) []Attribute {
	index := make(map[string]int)
	var out []Attribute

	apply := func(attrs []Attribute) {
		for _, a := range attrs {
			if i, seen := index[a.Name]; seen {
				out[i] = a
				continue
			}
			index[a.Name] = len(out)
			out = append(out, a)
		}
	}

	for _, g := range groups {
		apply(pick(g))
	}
	apply(own)
	return out
}

// Evaluate runs the user's effective check attributes against an
// authentication context. It performs no state mutation; the same path
// backs both live authentication and the admin auth tester.
func (s *Store) Evaluate(user *User, ctx AuthContext) Decision {
	now := ctx.Now
	if now.IsZero() {
		now = time.Now()
	}

	if !user.Active {
		return Decision{Reason: "user deactivated"}
	}
	if !user.Expiration.IsZero() && now.After(user.Expiration) {
		return Decision{Reason: "account expired"}
	}

	if user.PasswordHash != "" {
		if !checkPassword(user.PasswordHash, ctx.Password) {
			return Decision{Reason: "bad password"}
		}
	}

	check, reply := s.EffectiveAttributes(user)
	for _, attr := range check {
		if ok, reason := evalCheckAttr(attr, ctx, now); !ok {
			return Decision{Reason: reason}
		}
	}

	return Decision{Accepted: true, ReplyAttrs: reply}
}

// evalCheckAttr evaluates a single check item. A missing request
// attribute fails every operator except "!=".
func evalCheckAttr(attr Attribute, ctx AuthContext, now time.Time) (bool, string) {
	switch attr.Name {
	case "Auth-Type":
		if strings.EqualFold(attr.Value, "Reject") {
			return false, "Auth-Type := Reject"
		}
		return true, ""
	case "Expiration":
		exp, err := time.Parse(expirationLayout, attr.Value)
		if err != nil {
			return false, fmt.Sprintf("unparseable Expiration %q", attr.Value)
		}
		if now.After(exp) {
			return false, "Expiration passed"
		}
		return true, ""
	case "Cleartext-Password", "Password":
		if subtle.ConstantTimeCompare([]byte(ctx.Password), []byte(attr.Value)) != 1 {
			return false, "bad password"
		}
		return true, ""
	}

	got, present := ctx.Attributes[attr.Name]

	switch attr.Op {
	case "!=":
		if !present {
			return true, ""
		}
		if got == attr.Value {
			return false, fmt.Sprintf("%s == %q", attr.Name, attr.Value)
		}
		return true, ""
	case "==", "=", ":=":
		if !present || got != attr.Value {
			return false, fmt.Sprintf("%s != %q", attr.Name, attr.Value)
		}
		return true, ""
	case "=~":
		if !present {
			return false, fmt.Sprintf("%s missing", attr.Name)
		}
		re, err := regexp.Compile(attr.Value)
		if err != nil {
			return false, fmt.Sprintf("bad pattern for %s", attr.Name)
		}
		if !re.MatchString(got) {
			return false, fmt.Sprintf("%s !~ %q", attr.Name, attr.Value)
		}
		return true, ""
	case ">", "<", ">=", "<=":
		if !present {
			return false, fmt.Sprintf("%s missing", attr.Name)
		}
		lhs, err1 := strconv.ParseFloat(got, 64)
		rhs, err2 := strconv.ParseFloat(attr.Value, 64)
		if err1 != nil || err2 != nil {
			return false, fmt.Sprintf("%s not numeric", attr.Name)
		}
		ok := false
		switch attr.Op {
		case ">":
			ok = lhs > rhs
		case "<":
			ok = lhs < rhs
		case ">=":
			ok = lhs >= rhs
		case "<=":
			ok = lhs <= rhs
		}
		if !ok {
			return false, fmt.Sprintf("%s %s %s failed", attr.Name, attr.Op, attr.Value)
		}
		return true, ""
	default:
		return false, fmt.Sprintf("unknown operator %q on %s", attr.Op, attr.Name)
	}
}

// checkPassword verifies a password against a stored hash. bcrypt
// hashes are recognized by prefix; anything else is compared as a
// legacy cleartext credential in constant time.
func checkPassword(stored, candidate string) bool {
	if strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(candidate)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1
}
