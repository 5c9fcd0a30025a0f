package backend

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/codelaboratoryltd/netgrant/pkg/coa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// startFakeNAS answers every CoA/DM request with the given reply code.
func startFakeNAS(t *testing.T, secret string, replyCode uint8) int {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 4096)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if n < 20 {
				continue
			}

			reply := make([]byte, 20)
			reply[0] = replyCode
			reply[1] = buf[1]
			binary.BigEndian.PutUint16(reply[2:4], 20)

			sum := md5.New()
			sum.Write(reply[:4])
			sum.Write(buf[4:20])
			sum.Write([]byte(secret))
			copy(reply[4:20], sum.Sum(nil))

			_, _ = conn.WriteToUDP(reply, addr)
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr).Port
}

func newCoABackend(t *testing.T, port int, timeout time.Duration) *RadiusCoA {
	t.Helper()

	client, err := coa.NewClient(coa.ClientConfig{
		NASIP:   "127.0.0.1",
		Port:    port,
		Secret:  "testing123",
		Timeout: timeout,
	}, zap.NewNop())
	require.NoError(t, err)

	return NewRadiusCoA(client, nil, zap.NewNop())
}

func TestRadiusCoA_AuthorizeACK(t *testing.T) {
	port := startFakeNAS(t, "testing123", coa.CodeCoAACK)
	b := newCoABackend(t, port, 2*time.Second)

	assert.True(t, b.Authorize(context.Background(), "AA:BB:CC:DD:EE:FF", "alice"))
}

func TestRadiusCoA_AuthorizeNAK(t *testing.T) {
	port := startFakeNAS(t, "testing123", coa.CodeCoANAK)
	b := newCoABackend(t, port, 2*time.Second)

	assert.False(t, b.Authorize(context.Background(), "AA:BB:CC:DD:EE:FF", "alice"))
}

func TestRadiusCoA_AuthorizeTimeout(t *testing.T) {
	// Socket that never answers.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	b := newCoABackend(t, conn.LocalAddr().(*net.UDPAddr).Port, 200*time.Millisecond)

	assert.False(t, b.Authorize(context.Background(), "AA:BB:CC:DD:EE:FF", "alice"))
}

func TestRadiusCoA_RevokeIsNoOp(t *testing.T) {
	// No NAS at all: revoke must still succeed without touching the wire.
	b := newCoABackend(t, 1, time.Second)

	assert.True(t, b.Revoke(context.Background(), "AA:BB:CC:DD:EE:FF"))
}

func TestRadiusCoA_Disconnect(t *testing.T) {
	port := startFakeNAS(t, "testing123", coa.CodeDisconnectACK)
	b := newCoABackend(t, port, 2*time.Second)

	assert.True(t, b.Disconnect(context.Background(), "AA:BB:CC:DD:EE:FF", "alice"))
}

func TestRadiusCoA_Kind(t *testing.T) {
	b := newCoABackend(t, 1, time.Second)
	assert.Equal(t, KindMAC, b.Kind())
	assert.Equal(t, "radius_coa", b.Name())
}
