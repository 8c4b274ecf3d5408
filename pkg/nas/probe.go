package nas

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"
)

// ProberConfig configures outbound probe and disconnect traffic.
type ProberConfig struct {
	NASIdentifier string        // NAS-Identifier attribute on outbound packets
	Timeout       time.Duration // per-exchange timeout (default: 3s)
	ProbeRate     rate.Limit    // per-NAS probe/disconnect rate (default: 1/s)
	ProbeBurst    int           // per-NAS burst (default: 3)
}

// DefaultProberConfig returns sensible defaults.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		NASIdentifier: "aaa",
		Timeout:       3 * time.Second,
		ProbeRate:     rate.Limit(1),
		ProbeBurst:    3,
	}
}

// Prober performs advisory connectivity probes (Status-Server) and
// best-effort Disconnect-Requests against NAS clients. It never mutates
// registry or session state.
type Prober struct {
	config ProberConfig
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // NAS address -> limiter
}

// NewProber creates a prober.
func NewProber(config ProberConfig, logger *zap.Logger) *Prober {
	if config.Timeout == 0 {
		config.Timeout = 3 * time.Second
	}
	if config.ProbeRate == 0 {
		config.ProbeRate = rate.Limit(1)
	}
	if config.ProbeBurst == 0 {
		config.ProbeBurst = 3
	}
	if config.NASIdentifier == "" {
		config.NASIdentifier = "aaa"
	}

	return &Prober{
		config:   config,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (p *Prober) limiter(addr net.IP) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := addr.String()
	lim, ok := p.limiters[key]
	if !ok {
		lim = rate.NewLimiter(p.config.ProbeRate, p.config.ProbeBurst)
		p.limiters[key] = lim
	}
	return lim
}

// Probe sends a Status-Server request to the client and waits for any
// response. The result is advisory.
func (p *Prober) Probe(ctx context.Context, client *Client) error {
	if err := p.limiter(client.Address).Wait(ctx); err != nil {
		return fmt.Errorf("probe rate limit: %w", err)
	}

	packet, err := buildStatusServer(client, p.config.NASIdentifier)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", client.Address, client.AuthPort)
	probeCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	response, err := radius.Exchange(probeCtx, packet, addr)
	if err != nil {
		return fmt.Errorf("probe %s: %w", client.Shortname, err)
	}

	p.logger.Debug("NAS probe complete",
		zap.String("shortname", client.Shortname),
		zap.Int("code", int(response.Code)),
	)
	return nil
}

// DisconnectSession holds the attributes identifying the session to
// tear down on the NAS.
type DisconnectSession struct {
	SessionID string
	Username  string
	FramedIP  net.IP
}

// Disconnect sends an RFC 5176 Disconnect-Request for the session.
// Fire-and-forget from the tracker's point of view: a NAK or timeout is
// reported but never blocks or reverts local state.
func (p *Prober) Disconnect(ctx context.Context, client *Client, session DisconnectSession) error {
	if err := p.limiter(client.Address).Wait(ctx); err != nil {
		return fmt.Errorf("disconnect rate limit: %w", err)
	}

	packet, err := buildDisconnectRequest(client, session, p.config.NASIdentifier)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", client.Address, client.CoAPort)
	dcCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	response, err := radius.Exchange(dcCtx, packet, addr)
	if err != nil {
		return fmt.Errorf("disconnect %s session %s: %w", client.Shortname, session.SessionID, err)
	}

	if response.Code != radius.CodeDisconnectACK {
		return fmt.Errorf("disconnect %s session %s: NAS answered code %d",
			client.Shortname, session.SessionID, response.Code)
	}

	p.logger.Info("NAS acknowledged disconnect",
		zap.String("shortname", client.Shortname),
		zap.String("session_id", session.SessionID),
	)
	return nil
}

// buildStatusServer builds a Status-Server packet for the client.
func buildStatusServer(client *Client, nasID string) (*radius.Packet, error) {
	packet := radius.New(radius.CodeStatusServer, []byte(client.Secret))
	rfc2865.NASIdentifier_SetString(packet, nasID)

	if err := addMessageAuthenticator(packet, []byte(client.Secret)); err != nil {
		return nil, fmt.Errorf("message authenticator: %w", err)
	}
	return packet, nil
}

// buildDisconnectRequest builds an RFC 5176 Disconnect-Request.
func buildDisconnectRequest(client *Client, session DisconnectSession, nasID string) (*radius.Packet, error) {
	packet := radius.New(radius.CodeDisconnectRequest, []byte(client.Secret))

	rfc2866.AcctSessionID_SetString(packet, session.SessionID)
	rfc2865.NASIdentifier_SetString(packet, nasID)
	if session.Username != "" {
		rfc2865.UserName_SetString(packet, session.Username)
	}
	if session.FramedIP != nil {
		rfc2865.FramedIPAddress_Set(packet, session.FramedIP)
	}

	if err := addMessageAuthenticator(packet, []byte(client.Secret)); err != nil {
		return nil, fmt.Errorf("message authenticator: %w", err)
	}
	return packet, nil
}

// addMessageAuthenticator adds RFC 2869 Message-Authenticator.
func addMessageAuthenticator(packet *radius.Packet, secret []byte) error {
	rfc2869.MessageAuthenticator_Del(packet)
	rfc2869.MessageAuthenticator_Set(packet, make([]byte, 16))

	encoded, err := packet.Encode()
	if err != nil {
		return err
	}

	hash := hmac.New(md5.New, secret)
	hash.Write(encoded)

	rfc2869.MessageAuthenticator_Set(packet, hash.Sum(nil))
	return nil
}
