// Package access orchestrates session tracking and enforcement. The
// controller owns the ordering between the session store and the
// authorization backend; backends never touch the store.
package access

import (
	"context"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/netgrant/pkg/backend"
	"github.com/codelaboratoryltd/netgrant/pkg/metrics"
	"github.com/codelaboratoryltd/netgrant/pkg/session"
)

// DefaultSessionTTL matches the portal's default session timeout of 8 hours.
const DefaultSessionTTL = 8 * time.Hour

// Config configures the access controller.
type Config struct {
	SessionTTL time.Duration
	// DevMode tracks sessions without calling the backend, for running the
	// portal on a workstation with no enforcement point attached.
	DevMode bool
}

// Status is a point-in-time view of one client's session.
type Status struct {
	Connected bool      `json:"connected"`
	MAC       string    `json:"mac,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Username  string    `json:"username,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Controller admits and revokes client access. Tracking state always changes
// before enforcement state: a session is written before the backend admits,
// and deleted before the backend revokes, so the store never claims access
// the backend already tore down.
type Controller struct {
	store   *session.Store
	backend backend.Backend
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewController creates an access controller.
func NewController(store *session.Store, be backend.Backend, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Controller {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	return &Controller{
		store:   store,
		backend: be,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// CanonicalMAC normalizes a MAC address to uppercase colon-separated form.
// Dashed, dotted and lowercase spellings all map to the same session key.
func CanonicalMAC(mac string) (string, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(hw.String()), nil
}

// Admit tracks a session for the client and asks the backend to authorize
// it. The session is written first and is not rolled back when the backend
// refuses: the synchronizer reconciles such half-open sessions later.
func (c *Controller) Admit(ctx context.Context, mac, ip, username string) bool {
	if mac == "" {
		c.logger.Error("Admit without MAC address rejected",
			zap.String("ip", ip),
			zap.String("username", username),
		)
		return false
	}

	mac, err := CanonicalMAC(mac)
	if err != nil {
		c.logger.Error("Admit with unparseable MAC rejected",
			zap.String("mac", mac),
			zap.Error(err),
		)
		return false
	}

	if err := c.store.Put(ctx, mac, username, ip, c.cfg.SessionTTL); err != nil {
		c.logger.Error("Session write failed",
			zap.String("mac", mac),
			zap.Error(err),
		)
		return false
	}

	if c.cfg.DevMode {
		c.logger.Info("Dev mode, session tracked without enforcement",
			zap.String("mac", mac),
			zap.String("username", username),
		)
		return true
	}

	identity, ok := c.identity(mac, ip)
	if !ok {
		c.logger.Error("Backend requires a client IP and none was supplied",
			zap.String("backend", c.backend.Name()),
			zap.String("mac", mac),
		)
		return false
	}

	granted := c.backend.Authorize(ctx, identity, username)
	c.metrics.RecordAdmission(c.backend.Name(), granted)

	c.logger.Info("Admission decided",
		zap.String("mac", mac),
		zap.String("ip", ip),
		zap.String("username", username),
		zap.String("backend", c.backend.Name()),
		zap.Bool("granted", granted),
	)
	return granted
}

// Revoke removes the session and asks the backend to withdraw access. When
// no IP is supplied it is recovered from the stored session before that
// session is deleted. Revoking an unknown MAC still calls the backend, so a
// client whose tracking entry expired is cleaned off the enforcement point.
func (c *Controller) Revoke(ctx context.Context, mac, ip string) bool {
	if mac == "" {
		c.logger.Error("Revoke without MAC address rejected")
		return false
	}

	mac, err := CanonicalMAC(mac)
	if err != nil {
		c.logger.Error("Revoke with unparseable MAC rejected",
			zap.String("mac", mac),
			zap.Error(err),
		)
		return false
	}

	if ip == "" {
		if sess, err := c.store.Get(ctx, mac); err == nil {
			ip = sess.IP
		}
	}

	if err := c.store.Delete(ctx, mac); err != nil {
		c.logger.Error("Session delete failed",
			zap.String("mac", mac),
			zap.Error(err),
		)
		return false
	}

	if c.cfg.DevMode {
		c.logger.Info("Dev mode, session dropped without enforcement",
			zap.String("mac", mac),
		)
		return true
	}

	identity, ok := c.identity(mac, ip)
	if !ok {
		// Nothing to hand the backend; the tracking entry is gone, which
		// is all this call can still achieve.
		c.logger.Warn("Revoke without client IP for an IP-keyed backend",
			zap.String("backend", c.backend.Name()),
			zap.String("mac", mac),
		)
		return true
	}

	withdrawn := c.backend.Revoke(ctx, identity)
	c.metrics.RecordRevocation(c.backend.Name(), withdrawn)

	c.logger.Info("Revocation decided",
		zap.String("mac", mac),
		zap.String("ip", ip),
		zap.String("backend", c.backend.Name()),
		zap.Bool("withdrawn", withdrawn),
	)

	// For MAC-keyed backends revocation is best effort: tracking is gone,
	// and a failed enforcement call is logged above rather than blocking
	// the caller. The firewall alias backend reports its own result since
	// a failed write leaves the IP live on the firewall.
	if c.backend.Kind() == backend.KindMAC {
		return true
	}
	return withdrawn
}

// Status reports the tracked session for a MAC. It is a pure read.
func (c *Controller) Status(ctx context.Context, mac string) Status {
	mac, err := CanonicalMAC(mac)
	if err != nil {
		return Status{}
	}

	sess, err := c.store.Get(ctx, mac)
	if err != nil {
		return Status{}
	}

	return Status{
		Connected: true,
		MAC:       sess.MAC,
		IP:        sess.IP,
		Username:  sess.Username,
		Since:     sess.CreatedAt,
		ExpiresAt: sess.ExpiresAt,
	}
}

// identity picks the identity the backend enforces on. The second return is
// false when the backend needs an IP and none is known.
func (c *Controller) identity(mac, ip string) (string, bool) {
	if c.backend.Kind() == backend.KindIP {
		return ip, ip != ""
	}
	return mac, true
}
