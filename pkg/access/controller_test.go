package access

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/netgrant/pkg/backend"
	"github.com/codelaboratoryltd/netgrant/pkg/session"
)

type fakeBackend struct {
	mu         sync.Mutex
	kind       backend.Kind
	authorized []string
	revoked    []string
	refuse     bool
}

func (f *fakeBackend) Name() string       { return "fake" }
func (f *fakeBackend) Kind() backend.Kind { return f.kind }

func (f *fakeBackend) Authorize(ctx context.Context, identity, username string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorized = append(f.authorized, identity)
	return !f.refuse
}

func (f *fakeBackend) Revoke(ctx context.Context, identity string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, identity)
	return !f.refuse
}

func newTestController(t *testing.T, be backend.Backend, cfg Config) (*Controller, *session.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := session.NewStore(client, zap.NewNop())
	return NewController(store, be, cfg, nil, zap.NewNop()), store
}

func TestAdmitTracksAndAuthorizes(t *testing.T) {
	be := &fakeBackend{kind: backend.KindMAC}
	c, store := newTestController(t, be, Config{})
	ctx := context.Background()

	require.True(t, c.Admit(ctx, "aa:bb:cc:dd:ee:ff", "10.0.0.5", "alice"))

	// MAC is canonicalized before anything else sees it.
	assert.Equal(t, []string{"AA:BB:CC:DD:EE:FF"}, be.authorized)

	sess, err := store.Get(ctx, "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Username)
	assert.Equal(t, "10.0.0.5", sess.IP)
}

func TestAdmitRejectsEmptyMAC(t *testing.T) {
	be := &fakeBackend{kind: backend.KindMAC}
	c, _ := newTestController(t, be, Config{})

	assert.False(t, c.Admit(context.Background(), "", "10.0.0.5", "alice"))
	assert.Empty(t, be.authorized)
}

func TestAdmitRejectsBadMAC(t *testing.T) {
	be := &fakeBackend{kind: backend.KindMAC}
	c, _ := newTestController(t, be, Config{})

	assert.False(t, c.Admit(context.Background(), "not-a-mac", "10.0.0.5", "alice"))
	assert.Empty(t, be.authorized)
}

func TestAdmitKeepsSessionWhenBackendRefuses(t *testing.T) {
	be := &fakeBackend{kind: backend.KindMAC, refuse: true}
	c, store := newTestController(t, be, Config{})
	ctx := context.Background()

	assert.False(t, c.Admit(ctx, "AA:BB:CC:DD:EE:FF", "10.0.0.5", "alice"))

	// The tracking entry survives; the synchronizer reconciles it later.
	_, err := store.Get(ctx, "AA:BB:CC:DD:EE:FF")
	assert.NoError(t, err)
}

func TestAdmitIPBackendWithoutIP(t *testing.T) {
	be := &fakeBackend{kind: backend.KindIP}
	c, _ := newTestController(t, be, Config{})

	assert.False(t, c.Admit(context.Background(), "AA:BB:CC:DD:EE:FF", "", "alice"))
	assert.Empty(t, be.authorized)
}

func TestAdmitDevModeSkipsBackend(t *testing.T) {
	be := &fakeBackend{kind: backend.KindMAC, refuse: true}
	c, store := newTestController(t, be, Config{DevMode: true})
	ctx := context.Background()

	assert.True(t, c.Admit(ctx, "AA:BB:CC:DD:EE:FF", "10.0.0.5", "alice"))
	assert.Empty(t, be.authorized)

	_, err := store.Get(ctx, "AA:BB:CC:DD:EE:FF")
	assert.NoError(t, err)
}

func TestRevokeRecoversIPFromSession(t *testing.T) {
	be := &fakeBackend{kind: backend.KindIP}
	c, store := newTestController(t, be, Config{})
	ctx := context.Background()

	require.True(t, c.Admit(ctx, "AA:BB:CC:DD:EE:FF", "10.0.0.5", "alice"))
	require.True(t, c.Revoke(ctx, "AA:BB:CC:DD:EE:FF", ""))

	assert.Equal(t, []string{"10.0.0.5"}, be.revoked)

	_, err := store.Get(ctx, "AA:BB:CC:DD:EE:FF")
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = store.GetByIP(ctx, "10.0.0.5")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestRevokeUnknownMACStillCallsBackend(t *testing.T) {
	be := &fakeBackend{kind: backend.KindMAC}
	c, _ := newTestController(t, be, Config{})

	// Tracking may have expired while the enforcement entry lingers.
	assert.True(t, c.Revoke(context.Background(), "AA:BB:CC:DD:EE:FF", ""))
	assert.Equal(t, []string{"AA:BB:CC:DD:EE:FF"}, be.revoked)
}

func TestRevokeIPBackendWithoutAnyIP(t *testing.T) {
	be := &fakeBackend{kind: backend.KindIP}
	c, _ := newTestController(t, be, Config{})

	// No session, no IP argument: nothing to enforce on, still a success.
	assert.True(t, c.Revoke(context.Background(), "AA:BB:CC:DD:EE:FF", ""))
	assert.Empty(t, be.revoked)
}

func TestStatus(t *testing.T) {
	be := &fakeBackend{kind: backend.KindMAC}
	c, _ := newTestController(t, be, Config{})
	ctx := context.Background()

	st := c.Status(ctx, "AA:BB:CC:DD:EE:FF")
	assert.False(t, st.Connected)

	require.True(t, c.Admit(ctx, "aa-bb-cc-dd-ee-ff", "10.0.0.5", "alice"))

	st = c.Status(ctx, "aa:bb:cc:dd:ee:ff")
	assert.True(t, st.Connected)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", st.MAC)
	assert.Equal(t, "alice", st.Username)
	assert.WithinDuration(t, time.Now().Add(DefaultSessionTTL), st.ExpiresAt, 5*time.Second)
}

func TestRevokeMACBackendIsBestEffort(t *testing.T) {
	be := &fakeBackend{kind: backend.KindMAC}
	c, store := newTestController(t, be, Config{})
	ctx := context.Background()

	require.True(t, c.Admit(ctx, "AA:BB:CC:DD:EE:FF", "", "alice"))
	be.refuse = true

	// Tracking is removed and the failed enforcement call is only logged.
	assert.True(t, c.Revoke(ctx, "AA:BB:CC:DD:EE:FF", ""))
	_, err := store.Get(ctx, "AA:BB:CC:DD:EE:FF")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestRevokeIPBackendReportsFailure(t *testing.T) {
	be := &fakeBackend{kind: backend.KindIP, refuse: true}
	c, _ := newTestController(t, be, Config{})
	ctx := context.Background()

	require.False(t, c.Admit(ctx, "AA:BB:CC:DD:EE:FF", "10.0.0.5", "alice"))

	// A failed alias write leaves the IP enforced, so the caller must know.
	assert.False(t, c.Revoke(ctx, "AA:BB:CC:DD:EE:FF", "10.0.0.5"))
}

// End to end against the packet filter backend: admit issues an add-element
// for the MAC, revoke with no IP recovers it from the session, removes both
// store entries and issues a delete-element.
func TestControllerWithPacketFilter(t *testing.T) {
	var calls [][]string
	be := backend.NewPacketFilter(backend.PacketFilterConfig{
		Table: "inet",
		Chain: "filter",
		Set:   "allowed_macs",
		Command: func(ctx context.Context, name string, args ...string) (string, string, error) {
			calls = append(calls, append([]string{name}, args...))
			return "", "", nil
		},
	}, zap.NewNop())

	c, store := newTestController(t, be, Config{})
	ctx := context.Background()

	require.True(t, c.Admit(ctx, "AA:BB:CC:DD:EE:FF", "10.0.0.5", "alice"))
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"nft", "add", "element", "inet", "filter", "allowed_macs", "{", "AA:BB:CC:DD:EE:FF", "}"}, calls[0])

	st := c.Status(ctx, "AA:BB:CC:DD:EE:FF")
	assert.True(t, st.Connected)
	assert.Equal(t, "alice", st.Username)

	require.True(t, c.Revoke(ctx, "AA:BB:CC:DD:EE:FF", ""))
	require.Len(t, calls, 2)
	assert.Equal(t, "delete", calls[1][1])

	_, err := store.Get(ctx, "AA:BB:CC:DD:EE:FF")
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = store.GetByIP(ctx, "10.0.0.5")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

// End to end against a firewall alias backend: admit writes the session and
// pushes the IP to the alias, revoke with only the MAC recovers the IP from
// the session and strips it back out.
func TestControllerWithFirewallAlias(t *testing.T) {
	type alias struct {
		Name    string `json:"name"`
		Type    string `json:"type"`
		Address string `json:"address"`
		Detail  string `json:"detail"`
	}
	current := alias{Name: backend.DefaultAliasName, Type: "host"}
	var mu sync.Mutex

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/firewall/alias", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string][]alias{"data": {current}})
		default:
			_ = json.NewDecoder(r.Body).Decode(&current)
		}
	})
	mux.HandleFunc("/api/v1/firewall/apply", func(w http.ResponseWriter, r *http.Request) {})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	be, err := backend.NewFirewallAlias(backend.FirewallAliasConfig{
		BaseURL:   srv.URL,
		APIKey:    "key",
		APISecret: "secret",
	}, zap.NewNop())
	require.NoError(t, err)

	c, _ := newTestController(t, be, Config{})
	ctx := context.Background()

	require.True(t, c.Admit(ctx, "AA:BB:CC:DD:EE:FF", "10.0.0.5", "alice"))
	mu.Lock()
	assert.Equal(t, "10.0.0.5", current.Address)
	mu.Unlock()

	st := c.Status(ctx, "AA:BB:CC:DD:EE:FF")
	assert.True(t, st.Connected)

	require.True(t, c.Revoke(ctx, "AA:BB:CC:DD:EE:FF", ""))
	mu.Lock()
	assert.Empty(t, strings.TrimSpace(current.Address))
	mu.Unlock()

	assert.False(t, c.Status(ctx, "AA:BB:CC:DD:EE:FF").Connected)
}
