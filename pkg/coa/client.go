package coa

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultPort is the standard CoA/DM port (RFC 5176).
const DefaultPort = 3799

// DefaultTimeout bounds a single request/response exchange.
const DefaultTimeout = 5 * time.Second

// Client sends CoA and Disconnect requests to a single NAS.
//
// There is no retransmission: a lost packet is a hard failure for that call
// and retry policy, if any, belongs to the caller.
type Client struct {
	nasIP   net.IP
	port    int
	secret  []byte
	timeout time.Duration
	logger  *zap.Logger
}

// ClientConfig configures a CoA client.
type ClientConfig struct {
	NASIP   string // NAS address the requests are sent to
	Port    int    // CoA port (default 3799)
	Secret  string // RADIUS shared secret
	Timeout time.Duration
}

// NewClient creates a CoA client for one NAS.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("RADIUS secret required")
	}

	ip := net.ParseIP(cfg.NASIP)
	if ip == nil {
		return nil, fmt.Errorf("invalid NAS IP: %q", cfg.NASIP)
	}

	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		nasIP:   ip,
		port:    port,
		secret:  []byte(cfg.Secret),
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Exchange encodes the request, sends it and blocks for exactly one reply or
// the timeout. The returned code is the reply's packet code.
func (c *Client) Exchange(ctx context.Context, p *Packet) (uint8, error) {
	data, err := p.Encode(c.secret)
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}

	addr := &net.UDPAddr{IP: c.nasIP, Port: c.port}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, fmt.Errorf("set deadline: %w", err)
	}

	if _, err := conn.Write(data); err != nil {
		return 0, fmt.Errorf("send to %s: %w", addr, err)
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("read reply from %s: %w", addr, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("empty reply from %s", addr)
	}

	code := buf[0]

	c.logger.Debug("CoA exchange complete",
		zap.String("nas", addr.String()),
		zap.String("request", CodeName(p.Code)),
		zap.String("reply", CodeName(code)),
	)

	return code, nil
}

// SendCoA sends a CoA-Request for the given user and station. The MAC is
// carried in Calling-Station-Id with dash separators. An optional accounting
// session ID narrows the request to one NAS session.
func (c *Client) SendCoA(ctx context.Context, mac, username, acctSessionID string) (uint8, error) {
	p := NewPacket(CodeCoARequest)
	p.AddString(AttrUserName, username)
	p.AddString(AttrCallingStationID, DashMAC(mac))
	if acctSessionID != "" {
		p.AddString(AttrAcctSessionID, acctSessionID)
	}

	return c.Exchange(ctx, p)
}

// SendDisconnect sends a Disconnect-Request for the given station. Username
// and accounting session ID are optional.
func (c *Client) SendDisconnect(ctx context.Context, mac, username, acctSessionID string) (uint8, error) {
	p := NewPacket(CodeDisconnectRequest)
	p.AddString(AttrCallingStationID, DashMAC(mac))
	if username != "" {
		p.AddString(AttrUserName, username)
	}
	if acctSessionID != "" {
		p.AddString(AttrAcctSessionID, acctSessionID)
	}

	return c.Exchange(ctx, p)
}

// Probe checks UDP reachability of the NAS CoA port. UDP connect cannot
// detect a silently dropping peer, so this only catches local routing and
// resolution problems.
func (c *Client) Probe() error {
	addr := &net.UDPAddr{IP: c.nasIP, Port: c.port}
	conn, err := net.DialTimeout("udp", addr.String(), 2*time.Second)
	if err != nil {
		return fmt.Errorf("probe %s: %w", addr, err)
	}
	return conn.Close()
}

// DashMAC rewrites a colon-separated MAC to the dash-separated form most NAS
// vendors expect in Calling-Station-Id.
func DashMAC(mac string) string {
	return strings.ReplaceAll(mac, ":", "-")
}
