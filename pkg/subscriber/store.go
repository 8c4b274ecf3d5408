package subscriber

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store holds RADIUS users and attribute groups.
type Store struct {
	logger *zap.Logger

	mu     sync.RWMutex
	users  map[string]*User  // username@realm -> user
	groups map[string]*Group // name -> group
}

// NewStore creates an empty store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		logger: logger,
		users:  make(map[string]*User),
		groups: make(map[string]*Group),
	}
}

// AddUser adds a user. Fails with ErrDuplicateUser when the
// username@realm key is taken.
func (s *Store) AddUser(user *User) error {
	if user.Username == "" {
		return fmt.Errorf("username required")
	}
	if user.SimultaneousUse <= 0 {
		user.SimultaneousUse = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := user.Key()
	if _, exists := s.users[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateUser, key)
	}

	user.Active = true
	user.CreatedAt = time.Now()
	s.users[key] = user

	s.logger.Info("User added",
		zap.String("user", key),
		zap.String("customer_id", user.CustomerID),
		zap.Int("simultaneous_use", user.SimultaneousUse),
	)
	return nil
}

// UpdateUser replaces an existing user record.
func (s *Store) UpdateUser(user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := user.Key()
	current, ok := s.users[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	user.CreatedAt = current.CreatedAt
	s.users[key] = user
	return nil
}

// GetUser returns a snapshot of a user by username and realm.
// SetUserActive mutates the stored record in place, so callers never
// see the shared instance.
func (s *Store) GetUser(username, realm string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u := &User{Username: username, Realm: realm}
	user, ok := s.users[u.Key()]
	if !ok {
		return nil, false
	}
	return user.clone(), true
}

// SetUserActive flips a user's active flag.
func (s *Store) SetUserActive(username, realm string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := &User{Username: username, Realm: realm}
	user, ok := s.users[u.Key()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, u.Key())
	}
	user.Active = active
	return nil
}

// UserFilter selects users for ListUsers.
type UserFilter struct {
	Search     string // substring match on username
	CustomerID string
	Active     *bool
	Offset     int
	Limit      int
}

// ListUsers returns users matching the filter ordered by key.
func (s *Store) ListUsers(filter UserFilter) []*User {
	s.mu.RLock()
	users := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		if filter.CustomerID != "" && u.CustomerID != filter.CustomerID {
			continue
		}
		if filter.Active != nil && u.Active != *filter.Active {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(u.Username), strings.ToLower(filter.Search)) {
			continue
		}
		users = append(users, u.clone())
	}
	s.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i].Key() < users[j].Key() })

	if filter.Offset > 0 {
		if filter.Offset >= len(users) {
			return []*User{}
		}
		users = users[filter.Offset:]
	}
	if filter.Limit > 0 && len(users) > filter.Limit {
		users = users[:filter.Limit]
	}
	return users
}

// Counts returns (active, total) user counts.
func (s *Store) Counts() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := 0
	for _, u := range s.users {
		if u.Active {
			active++
		}
	}
	return active, len(s.users)
}

// AddGroup adds or replaces an attribute group.
func (s *Store) AddGroup(group *Group) error {
	if group.Name == "" {
		return fmt.Errorf("group name required")
	}
	s.mu.Lock()
	s.groups[group.Name] = group
	s.mu.Unlock()
	return nil
}

// GetGroup returns a group by name.
func (s *Store) GetGroup(name string) (*Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[name]
	return group, ok
}

// Replace swaps the full user and group set atomically. Used by config
// reload.
func (s *Store) Replace(users []*User, groups []*Group) error {
	userMap := make(map[string]*User, len(users))
	for _, u := range users {
		if u.Username == "" {
			return fmt.Errorf("user with empty username in snapshot")
		}
		if u.SimultaneousUse <= 0 {
			u.SimultaneousUse = 1
		}
		if u.CreatedAt.IsZero() {
			u.CreatedAt = time.Now()
		}
		key := u.Key()
		if _, dup := userMap[key]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateUser, key)
		}
		userMap[key] = u
	}

	groupMap := make(map[string]*Group, len(groups))
	for _, g := range groups {
		groupMap[g.Name] = g
	}

	s.mu.Lock()
	s.users = userMap
	s.groups = groupMap
	s.mu.Unlock()

	s.logger.Info("Subscriber store replaced",
		zap.Int("users", len(users)),
		zap.Int("groups", len(groups)),
	)
	return nil
}
