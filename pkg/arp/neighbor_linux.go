//go:build linux

package arp

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/vishvananda/netlink"
)

// NeighborResolver resolves IPs through the Linux kernel neighbor table via
// netlink. It only trusts entries the kernel considers usable; stale or
// failed entries do not resolve.
type NeighborResolver struct {
	linkIndex int
}

// NewNeighborResolver creates a resolver scoped to one interface, or to all
// interfaces when ifaceName is empty.
func NewNeighborResolver(ifaceName string) (*NeighborResolver, error) {
	if ifaceName == "" {
		return &NeighborResolver{}, nil
	}

	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", ifaceName, err)
	}
	return &NeighborResolver{linkIndex: link.Attrs().Index}, nil
}

// Resolve looks the IP up in the neighbor table.
func (r *NeighborResolver) Resolve(_ context.Context, ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("invalid IP %q", ip)
	}

	family := netlink.FAMILY_V4
	if parsed.To4() == nil {
		family = netlink.FAMILY_V6
	}

	neighbors, err := netlink.NeighList(r.linkIndex, family)
	if err != nil {
		return "", fmt.Errorf("list neighbors: %w", err)
	}

	for _, n := range neighbors {
		if !n.IP.Equal(parsed) {
			continue
		}
		if n.State&(netlink.NUD_FAILED|netlink.NUD_INCOMPLETE) != 0 {
			continue
		}
		if len(n.HardwareAddr) == 0 {
			continue
		}
		return strings.ToUpper(n.HardwareAddr.String()), nil
	}

	return "", fmt.Errorf("no neighbor entry for %s", ip)
}
