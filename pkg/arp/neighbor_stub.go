//go:build !linux

package arp

import (
	"context"
	"fmt"
)

// NeighborResolver is unavailable off Linux; use the dev resolver instead.
type NeighborResolver struct{}

// NewNeighborResolver returns a resolver that always fails on non-Linux
// systems.
func NewNeighborResolver(ifaceName string) (*NeighborResolver, error) {
	return &NeighborResolver{}, nil
}

// Resolve always fails on non-Linux systems.
func (r *NeighborResolver) Resolve(_ context.Context, ip string) (string, error) {
	return "", fmt.Errorf("neighbor table resolution not supported on this platform")
}
