package idp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// tokenEarlyRefresh renews the admin token this long before it expires so a
// request never goes out with a token about to lapse mid-flight.
const tokenEarlyRefresh = 60 * time.Second

// KeycloakConfig configures the Keycloak admin client.
type KeycloakConfig struct {
	BaseURL      string // e.g. https://keycloak.example.com
	Realm        string
	ClientID     string // confidential client with realm-management view scope
	ClientSecret string
	Timeout      time.Duration
}

// Keycloak lists active identity sessions through the Keycloak admin API.
// Admin calls run behind a circuit breaker so a flapping Keycloak does not
// stall every synchronizer cycle on timeouts.
type Keycloak struct {
	http   *resty.Client
	cb     *gobreaker.CircuitBreaker
	cfg    KeycloakConfig
	logger *zap.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time

	clientUUID string // resolved once from ClientID
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type clientRepresentation struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId"`
}

type userSession struct {
	Username string `json:"username"`
}

// NewKeycloak creates a Keycloak identity provider.
func NewKeycloak(cfg KeycloakConfig, logger *zap.Logger) (*Keycloak, error) {
	if cfg.BaseURL == "" || cfg.Realm == "" {
		return nil, fmt.Errorf("keycloak base URL and realm required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("keycloak client credentials required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "keycloak",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Keycloak circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Keycloak{
		http: resty.New().
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetTimeout(timeout),
		cb:     cb,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// ActiveUsernames returns the usernames with a live Keycloak session against
// the configured client.
func (k *Keycloak) ActiveUsernames(ctx context.Context) (map[string]struct{}, error) {
	result, err := k.cb.Execute(func() (any, error) {
		return k.listSessions(ctx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("keycloak unavailable, circuit open")
		}
		return nil, err
	}
	return result.(map[string]struct{}), nil
}

func (k *Keycloak) listSessions(ctx context.Context) (map[string]struct{}, error) {
	token, err := k.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	uuid, err := k.resolveClientUUID(ctx, token)
	if err != nil {
		return nil, err
	}

	var sessions []userSession
	resp, err := k.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&sessions).
		Get(fmt.Sprintf("/admin/realms/%s/clients/%s/user-sessions", k.cfg.Realm, uuid))
	if err != nil {
		return nil, fmt.Errorf("list user sessions: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list user sessions: status %d: %s", resp.StatusCode(), resp.String())
	}

	active := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		if s.Username != "" {
			active[s.Username] = struct{}{}
		}
	}

	k.logger.Debug("Keycloak sessions listed", zap.Int("count", len(active)))
	return active, nil
}

// accessToken returns a cached client-credentials token, renewing it when it
// is within tokenEarlyRefresh of expiry.
func (k *Keycloak) accessToken(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.token != "" && time.Now().Before(k.tokenExpiry.Add(-tokenEarlyRefresh)) {
		return k.token, nil
	}

	var tok tokenResponse
	resp, err := k.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     k.cfg.ClientID,
			"client_secret": k.cfg.ClientSecret,
		}).
		SetResult(&tok).
		Post(fmt.Sprintf("/realms/%s/protocol/openid-connect/token", k.cfg.Realm))
	if err != nil {
		return "", fmt.Errorf("fetch admin token: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("fetch admin token: status %d: %s", resp.StatusCode(), resp.String())
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("fetch admin token: empty access_token")
	}

	k.token = tok.AccessToken
	k.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return k.token, nil
}

// resolveClientUUID maps the configured clientId to Keycloak's internal
// client UUID, caching the result for the life of the process.
func (k *Keycloak) resolveClientUUID(ctx context.Context, token string) (string, error) {
	k.mu.Lock()
	cached := k.clientUUID
	k.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	var clients []clientRepresentation
	resp, err := k.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("clientId", k.cfg.ClientID).
		SetResult(&clients).
		Get(fmt.Sprintf("/admin/realms/%s/clients", k.cfg.Realm))
	if err != nil {
		return "", fmt.Errorf("resolve client %s: %w", k.cfg.ClientID, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("resolve client %s: status %d: %s", k.cfg.ClientID, resp.StatusCode(), resp.String())
	}

	for _, c := range clients {
		if c.ClientID == k.cfg.ClientID {
			k.mu.Lock()
			k.clientUUID = c.ID
			k.mu.Unlock()
			return c.ID, nil
		}
	}
	return "", fmt.Errorf("client %q not found in realm %s", k.cfg.ClientID, k.cfg.Realm)
}
