// Package arp resolves client IP addresses to MAC addresses using the
// kernel neighbor table, with a deterministic resolver for development.
package arp

import (
	"context"
	"fmt"
	"net"
)

// Resolver maps a client IP to its MAC address.
type Resolver interface {
	// Resolve returns the MAC for an IP in uppercase colon form. An IP
	// with no neighbor entry returns an error.
	Resolve(ctx context.Context, ip string) (string, error)
}

// DevResolver synthesizes MACs from IPv4 addresses so the portal can run on
// a workstation with no clients attached. The last two octets of the IP are
// embedded in a fixed DE:AD:BE:EF prefix, so each IP maps to a stable MAC.
type DevResolver struct{}

// NewDevResolver creates a development resolver.
func NewDevResolver() *DevResolver { return &DevResolver{} }

// Resolve derives DE:AD:BE:EF:xx:yy from the IP's last two octets.
func (r *DevResolver) Resolve(_ context.Context, ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("invalid IP %q", ip)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return "", fmt.Errorf("dev resolver requires IPv4, got %q", ip)
	}
	return fmt.Sprintf("DE:AD:BE:EF:%02X:%02X", v4[2], v4[3]), nil
}
