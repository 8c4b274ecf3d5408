package aaa

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/aaa/pkg/nas"
	"github.com/codelaboratoryltd/aaa/pkg/subscriber"
)

// Seed is the on-disk provisioning file: NAS clients, subscriber
// groups and users. Reload re-reads it and swaps store snapshots.
type Seed struct {
	Clients []SeedClient `yaml:"clients"`
	Groups  []SeedGroup  `yaml:"groups"`
	Users   []SeedUser   `yaml:"users"`
}

// SeedClient is one NAS entry in the seed file.
type SeedClient struct {
	Name      string `yaml:"name"`
	Shortname string `yaml:"shortname"`
	Address   string `yaml:"address"`
	Secret    string `yaml:"secret"`
	Type      string `yaml:"type"`
	AuthPort  int    `yaml:"auth_port"`
	CoAPort   int    `yaml:"coa_port"`
}

// SeedGroup is one attribute group in the seed file.
type SeedGroup struct {
	Name       string                 `yaml:"name"`
	Priority   int                    `yaml:"priority"`
	CheckAttrs []subscriber.Attribute `yaml:"check_attrs"`
	ReplyAttrs []subscriber.Attribute `yaml:"reply_attrs"`
}

// SeedUser is one subscriber entry in the seed file. Durations are
// strings ("30m", "24h"); expiration is RFC 3339.
type SeedUser struct {
	Username     string `yaml:"username"`
	Realm        string `yaml:"realm"`
	CustomerID   string `yaml:"customer_id"`
	PasswordHash string `yaml:"password_hash"`

	SimultaneousUse int    `yaml:"simultaneous_use"`
	SessionTimeout  string `yaml:"session_timeout"`
	IdleTimeout     string `yaml:"idle_timeout"`
	Expiration      string `yaml:"expiration"`

	CheckAttrs []subscriber.Attribute `yaml:"check_attrs"`
	ReplyAttrs []subscriber.Attribute `yaml:"reply_attrs"`
	Groups     []string               `yaml:"groups"`

	Disabled bool `yaml:"disabled"`
}

// LoadSeed reads and parses the seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &seed, nil
}

// NASClients converts seed client entries to registry clients.
func (s *Seed) NASClients() ([]*nas.Client, error) {
	clients := make([]*nas.Client, 0, len(s.Clients))
	for _, sc := range s.Clients {
		addr := net.ParseIP(sc.Address)
		if addr == nil {
			return nil, fmt.Errorf("client %q: invalid address %q", sc.Shortname, sc.Address)
		}
		if sc.Shortname == "" {
			return nil, fmt.Errorf("client with address %s: shortname required", sc.Address)
		}
		if sc.Secret == "" {
			return nil, fmt.Errorf("client %q: secret required", sc.Shortname)
		}
		clients = append(clients, &nas.Client{
			Name:      sc.Name,
			Shortname: sc.Shortname,
			Address:   addr,
			Secret:    sc.Secret,
			Type:      sc.Type,
			AuthPort:  sc.AuthPort,
			CoAPort:   sc.CoAPort,
			Active:    true,
		})
	}
	return clients, nil
}

// Subscribers converts seed user and group entries to store types.
func (s *Seed) Subscribers() ([]*subscriber.User, []*subscriber.Group, error) {
	groups := make([]*subscriber.Group, 0, len(s.Groups))
	for _, sg := range s.Groups {
		if sg.Name == "" {
			return nil, nil, fmt.Errorf("group without name")
		}
		groups = append(groups, &subscriber.Group{
			Name:       sg.Name,
			Priority:   sg.Priority,
			CheckAttrs: sg.CheckAttrs,
			ReplyAttrs: sg.ReplyAttrs,
		})
	}

	users := make([]*subscriber.User, 0, len(s.Users))
	for _, su := range s.Users {
		if su.Username == "" {
			return nil, nil, fmt.Errorf("user without username")
		}
		user := &subscriber.User{
			Username:        su.Username,
			Realm:           su.Realm,
			CustomerID:      su.CustomerID,
			PasswordHash:    su.PasswordHash,
			SimultaneousUse: su.SimultaneousUse,
			CheckAttrs:      su.CheckAttrs,
			ReplyAttrs:      su.ReplyAttrs,
			Groups:          su.Groups,
			Active:          !su.Disabled,
		}

		var err error
		if user.SessionTimeout, err = parseDuration(su.SessionTimeout); err != nil {
			return nil, nil, fmt.Errorf("user %q: session_timeout: %w", su.Username, err)
		}
		if user.IdleTimeout, err = parseDuration(su.IdleTimeout); err != nil {
			return nil, nil, fmt.Errorf("user %q: idle_timeout: %w", su.Username, err)
		}
		if su.Expiration != "" {
			user.Expiration, err = time.Parse(time.RFC3339, su.Expiration)
			if err != nil {
				return nil, nil, fmt.Errorf("user %q: expiration: %w", su.Username, err)
			}
		}
		users = append(users, user)
	}
	return users, groups, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
