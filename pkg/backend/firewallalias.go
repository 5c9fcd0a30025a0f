package backend

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// DefaultAliasName is the firewall alias holding authorized client IPs.
const DefaultAliasName = "captive_portal_allowed"

// DefaultHTTPTimeout bounds one firewall API call.
const DefaultHTTPTimeout = 10 * time.Second

// FirewallAliasConfig configures the firewall alias backend.
type FirewallAliasConfig struct {
	BaseURL   string // firewall root URL, e.g. https://192.168.1.1
	APIKey    string
	APISecret string
	AliasName string
	Insecure  bool // skip TLS verification (self-signed firewalls)
	Timeout   time.Duration
}

// FirewallAlias admits clients by adding their IP to a named alias object on
// a remote firewall via its REST API. Firewall rules reference the alias, so
// membership is enforcement.
//
// The alias is mutated with a fetch/modify/replace cycle and the API offers
// no server-side locking, so concurrent mutations of the same alias lose
// updates. All mutations are serialized through a single in-process mutex
// per alias name.
type FirewallAlias struct {
	http      *resty.Client
	baseURL   string
	aliasName string
	logger    *zap.Logger

	mu sync.Mutex // serializes all mutations of aliasName
}

// aliasObject is the firewall's wire representation of an alias. Addresses
// are whitespace-separated; details are ||-separated username@timestamp
// entries parallel to the address list by position.
type aliasObject struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Descr   string `json:"descr,omitempty"`
	Address string `json:"address"`
	Detail  string `json:"detail"`
}

type aliasListResponse struct {
	Data []aliasObject `json:"data"`
}

// NewFirewallAlias creates a firewall alias backend.
func NewFirewallAlias(cfg FirewallAliasConfig, logger *zap.Logger) (*FirewallAlias, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("firewall base URL required")
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("firewall API key and secret required")
	}

	aliasName := cfg.AliasName
	if aliasName == "" {
		aliasName = DefaultAliasName
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultHTTPTimeout
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/api/v1").
		SetTimeout(timeout).
		SetHeader("Authorization", cfg.APIKey+" "+cfg.APISecret).
		SetHeader("Content-Type", "application/json")

	if cfg.Insecure {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	return &FirewallAlias{
		http:      client,
		baseURL:   cfg.BaseURL,
		aliasName: aliasName,
		logger:    logger,
	}, nil
}

func (b *FirewallAlias) Name() string { return "firewall_alias" }
func (b *FirewallAlias) Kind() Kind   { return KindIP }

// Authorize adds the client IP to the alias. Already-present IPs are a
// success without a write.
func (b *FirewallAlias) Authorize(ctx context.Context, ip, username string) bool {
	if net.ParseIP(ip) == nil {
		b.logger.Error("Firewall alias requires a client IP",
			zap.String("backend", b.Name()),
			zap.String("identity", ip),
		)
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	alias, err := b.fetchAlias(ctx)
	if err != nil {
		b.logFailure("authorize", ip, err)
		return false
	}

	addresses := strings.Fields(alias.Address)
	details := splitDetails(alias.Detail)

	for _, addr := range addresses {
		if addr == ip {
			b.logger.Info("IP already in alias",
				zap.String("backend", b.Name()),
				zap.String("ip", ip),
				zap.String("alias", b.aliasName),
			)
			return true
		}
	}

	addresses = append(addresses, ip)
	details = append(details, fmt.Sprintf("%s@%s", username, time.Now().Format("2006-01-02 15:04")))

	if err := b.writeAlias(ctx, addresses, details); err != nil {
		b.logFailure("authorize", ip, err)
		return false
	}

	b.logger.Info("IP authorized",
		zap.String("backend", b.Name()),
		zap.String("ip", ip),
		zap.String("username", username),
		zap.String("alias", b.aliasName),
	)
	return true
}

// Revoke removes the client IP from the alias. An identity that is not an
// IP cannot be revoked here; that is logged and reported as a no-op success
// so callers tearing down tracking are not blocked. An IP that is already
// absent is likewise a success.
func (b *FirewallAlias) Revoke(ctx context.Context, ip string) bool {
	if net.ParseIP(ip) == nil {
		b.logger.Warn("Firewall revoke without client IP, skipping",
			zap.String("backend", b.Name()),
			zap.String("identity", ip),
			zap.String("reason", string(ReasonNoOp)),
		)
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	alias, err := b.fetchAlias(ctx)
	if err != nil {
		b.logFailure("revoke", ip, err)
		return false
	}

	addresses := strings.Fields(alias.Address)
	details := splitDetails(alias.Detail)

	idx := -1
	for i, addr := range addresses {
		if addr == ip {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.logger.Info("IP not in alias",
			zap.String("backend", b.Name()),
			zap.String("ip", ip),
			zap.String("alias", b.aliasName),
			zap.String("reason", string(ReasonNotFound)),
		)
		return true
	}

	addresses = append(addresses[:idx], addresses[idx+1:]...)
	if idx < len(details) {
		details = append(details[:idx], details[idx+1:]...)
	}

	if err := b.writeAlias(ctx, addresses, details); err != nil {
		b.logFailure("revoke", ip, err)
		return false
	}

	b.logger.Info("IP revoked",
		zap.String("backend", b.Name()),
		zap.String("ip", ip),
		zap.String("alias", b.aliasName),
	)
	return true
}

// EnsureAlias creates the alias on the firewall if it does not exist yet.
// Called once at startup.
func (b *FirewallAlias) EnsureAlias(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.fetchAlias(ctx); err == nil {
		return nil
	}

	body := aliasObject{
		Name:  b.aliasName,
		Type:  "host",
		Descr: "Clients authorized by the access portal",
	}

	resp, err := b.http.R().
		SetContext(ctx).
		SetBody(body).
		Post("/firewall/alias")
	if err != nil {
		return fmt.Errorf("create alias %s: %w", b.aliasName, err)
	}
	if resp.IsError() {
		return fmt.Errorf("create alias %s: status %d: %s", b.aliasName, resp.StatusCode(), resp.String())
	}

	return b.applyChanges(ctx)
}

// fetchAlias retrieves the current alias object from the firewall.
func (b *FirewallAlias) fetchAlias(ctx context.Context) (*aliasObject, error) {
	var list aliasListResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetResult(&list).
		Get("/firewall/alias")
	if err != nil {
		return nil, fmt.Errorf("fetch aliases: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch aliases: status %d: %s", resp.StatusCode(), resp.String())
	}

	for i := range list.Data {
		if list.Data[i].Name == b.aliasName {
			return &list.Data[i], nil
		}
	}
	return nil, fmt.Errorf("alias %q not found", b.aliasName)
}

// writeAlias replaces the alias contents wholesale and applies the change.
func (b *FirewallAlias) writeAlias(ctx context.Context, addresses, details []string) error {
	body := aliasObject{
		Name:    b.aliasName,
		Type:    "host",
		Address: strings.Join(addresses, " "),
		Detail:  strings.Join(details, "||"),
	}

	resp, err := b.http.R().
		SetContext(ctx).
		SetBody(body).
		Put("/firewall/alias")
	if err != nil {
		return fmt.Errorf("update alias %s: %w", b.aliasName, err)
	}
	if resp.IsError() {
		return fmt.Errorf("update alias %s: status %d: %s", b.aliasName, resp.StatusCode(), resp.String())
	}

	return b.applyChanges(ctx)
}

// applyChanges commits pending firewall configuration.
func (b *FirewallAlias) applyChanges(ctx context.Context) error {
	resp, err := b.http.R().
		SetContext(ctx).
		Post("/firewall/apply")
	if err != nil {
		return fmt.Errorf("apply changes: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("apply changes: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (b *FirewallAlias) logFailure(op, ip string, err error) {
	b.logger.Error("Firewall alias call failed",
		zap.String("backend", b.Name()),
		zap.String("op", op),
		zap.String("ip", ip),
		zap.String("alias", b.aliasName),
		zap.Error(err),
	)
}

func splitDetails(detail string) []string {
	var out []string
	for _, d := range strings.Split(detail, "||") {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}
