package nas

import (
	"crypto/subtle"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Client is a NAS trust record. Every inbound authentication or
// accounting event must be matched against an active client before it
// touches session state.
type Client struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Shortname string    `json:"shortname" yaml:"shortname"`
	Address   net.IP    `json:"address" yaml:"address"`
	Secret    string    `json:"secret,omitempty" yaml:"secret"`
	Type      string    `json:"type" yaml:"type"`
	AuthPort  int       `json:"auth_port,omitempty" yaml:"auth_port"`
	CoAPort   int       `json:"coa_port,omitempty" yaml:"coa_port"`
	Active    bool      `json:"active" yaml:"active"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// Redacted returns a copy of the client safe for unprivileged reads.
func (c *Client) Redacted() *Client {
	out := *c
	out.Secret = ""
	return &out
}

func (c *Client) clone() *Client {
	out := *c
	return &out
}

// ListFilter selects clients for List. The zero value matches everything.
type ListFilter struct {
	Search string // substring match on name or shortname
	Active *bool
	Offset int
	Limit  int
}

// Registry stores NAS client trust records. Reads (the per-event trust
// check) take the read lock only; registry edits are rare.
type Registry struct {
	logger *zap.Logger

	mu          sync.RWMutex
	byID        map[string]*Client
	byAddr      map[string]*Client // IP string -> client
	byShortname map[string]*Client // active clients only

	authAccepted atomic.Uint64
	authRejected atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:      logger,
		byID:        make(map[string]*Client),
		byAddr:      make(map[string]*Client),
		byShortname: make(map[string]*Client),
	}
}

// Register adds a new client. It fails with ErrDuplicateClient if an
// active client already holds the shortname, or if the address is
// already registered to an active client.
func (r *Registry) Register(client *Client) error {
	if client.Shortname == "" {
		return fmt.Errorf("shortname required")
	}
	if client.Address == nil {
		return fmt.Errorf("address required")
	}
	if client.Secret == "" {
		return fmt.Errorf("shared secret required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byShortname[client.Shortname]; ok && existing.Active {
		return fmt.Errorf("%w: shortname %s", ErrDuplicateClient, client.Shortname)
	}
	if existing, ok := r.byAddr[client.Address.String()]; ok && existing.Active {
		return fmt.Errorf("%w: address %s", ErrDuplicateClient, client.Address)
	}

	if client.ID == "" {
		client.ID = uuid.New().String()
	}
	if client.AuthPort == 0 {
		client.AuthPort = 1812
	}
	if client.CoAPort == 0 {
		client.CoAPort = 3799
	}
	client.Active = true
	client.CreatedAt = time.Now()

	r.byID[client.ID] = client
	r.byAddr[client.Address.String()] = client
	r.byShortname[client.Shortname] = client

	r.logger.Info("NAS client registered",
		zap.String("id", client.ID),
		zap.String("shortname", client.Shortname),
		zap.String("address", client.Address.String()),
	)

	return nil
}

// Update edits an existing client in place. The shortname uniqueness
// invariant is preserved.
func (r *Registry) Update(client *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byID[client.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, client.ID)
	}

	if client.Shortname != current.Shortname {
		if other, exists := r.byShortname[client.Shortname]; exists && other.Active && other.ID != client.ID {
			return fmt.Errorf("%w: shortname %s", ErrDuplicateClient, client.Shortname)
		}
		delete(r.byShortname, current.Shortname)
	}
	if !client.Address.Equal(current.Address) {
		delete(r.byAddr, current.Address.String())
	}

	client.CreatedAt = current.CreatedAt
	r.byID[client.ID] = client
	r.byAddr[client.Address.String()] = client
	r.byShortname[client.Shortname] = client

	r.logger.Info("NAS client updated", zap.String("id", client.ID))
	return nil
}

// Authenticate returns the active client registered for the given NAS
// address, or ErrUntrustedClient. When secret is non-empty it is also
// verified in constant time; the wire layer has already validated the
// Request Authenticator, this guards against events relayed for a
// reconfigured NAS.
func (r *Registry) Authenticate(addr net.IP, secret string) (*Client, error) {
	// Snapshot under the read lock; Deactivate and Update mutate the
	// shared record under the write lock.
	r.mu.RLock()
	var client *Client
	if current, ok := r.byAddr[addr.String()]; ok {
		client = current.clone()
	}
	r.mu.RUnlock()

	if client == nil || !client.Active {
		r.authRejected.Add(1)
		return nil, fmt.Errorf("%w: %s", ErrUntrustedClient, addr)
	}

	if secret != "" {
		if subtle.ConstantTimeCompare([]byte(secret), []byte(client.Secret)) != 1 {
			r.authRejected.Add(1)
			return nil, fmt.Errorf("%w: secret mismatch for %s", ErrUntrustedClient, addr)
		}
	}

	r.authAccepted.Add(1)
	return client, nil
}

// Deactivate marks a client inactive. Existing sessions from the client
// age out normally; no new sessions may open against it.
func (r *Registry) Deactivate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !client.Active {
		return nil
	}

	client.Active = false
	delete(r.byShortname, client.Shortname)

	r.logger.Info("NAS client deactivated",
		zap.String("id", id),
		zap.String("shortname", client.Shortname),
	)
	return nil
}

// Activate re-enables a previously deactivated client.
func (r *Registry) Activate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if client.Active {
		return nil
	}
	if other, exists := r.byShortname[client.Shortname]; exists && other.Active {
		return fmt.Errorf("%w: shortname %s", ErrDuplicateClient, client.Shortname)
	}

	client.Active = true
	r.byShortname[client.Shortname] = client
	return nil
}

// Get returns a snapshot of a client by id, secret included. Callers
// serving unprivileged reads should use Redacted().
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return client.clone(), true
}

// GetByAddress returns a snapshot of the client registered for an
// address regardless of its active flag.
func (r *Registry) GetByAddress(addr net.IP) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.byAddr[addr.String()]
	if !ok {
		return nil, false
	}
	return client.clone(), true
}

// List returns redacted clients matching the filter, ordered by
// shortname.
func (r *Registry) List(filter ListFilter) []*Client {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.byID))
	for _, c := range r.byID {
		if filter.Active != nil && c.Active != *filter.Active {
			continue
		}
		if filter.Search != "" {
			needle := strings.ToLower(filter.Search)
			if !strings.Contains(strings.ToLower(c.Name), needle) &&
				!strings.Contains(strings.ToLower(c.Shortname), needle) {
				continue
			}
		}
		clients = append(clients, c.Redacted())
	}
	r.mu.RUnlock()

	sort.Slice(clients, func(i, j int) bool {
		return clients[i].Shortname < clients[j].Shortname
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(clients) {
			return []*Client{}
		}
		clients = clients[filter.Offset:]
	}
	if filter.Limit > 0 && len(clients) > filter.Limit {
		clients = clients[:filter.Limit]
	}
	return clients
}

// Counts returns (active, total) client counts.
func (r *Registry) Counts() (int, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := 0
	for _, c := range r.byID {
		if c.Active {
			active++
		}
	}
	return active, len(r.byID)
}

// Replace swaps the full client set atomically. Used by config reload;
// in-flight trust checks observe either the old or the new snapshot,
// never a mix.
func (r *Registry) Replace(clients []*Client) error {
	byID := make(map[string]*Client, len(clients))
	byAddr := make(map[string]*Client, len(clients))
	byShortname := make(map[string]*Client, len(clients))

	for _, c := range clients {
		if c.Shortname == "" || c.Address == nil || c.Secret == "" {
			return fmt.Errorf("client %q: shortname, address and secret required", c.Name)
		}
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.AuthPort == 0 {
			c.AuthPort = 1812
		}
		if c.CoAPort == 0 {
			c.CoAPort = 3799
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now()
		}
		if c.Active {
			if _, dup := byShortname[c.Shortname]; dup {
				return fmt.Errorf("%w: shortname %s", ErrDuplicateClient, c.Shortname)
			}
			byShortname[c.Shortname] = c
		}
		byID[c.ID] = c
		byAddr[c.Address.String()] = c
	}

	r.mu.Lock()
	r.byID = byID
	r.byAddr = byAddr
	r.byShortname = byShortname
	r.mu.Unlock()

	r.logger.Info("NAS registry replaced", zap.Int("clients", len(clients)))
	return nil
}

// AuthStats returns cumulative trust check accept/reject counts.
func (r *Registry) AuthStats() (accepted, rejected uint64) {
	return r.authAccepted.Load(), r.authRejected.Load()
}
