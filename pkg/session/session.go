// Package session provides the TTL-backed store of authorized clients.
//
// Each authorized client has a forward entry keyed by MAC and, when the
// client IP is known, a reverse entry keyed by IP pointing back at the MAC.
// Both entries carry the same TTL; the write ordering never lets the reverse
// entry outlive the forward one.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Key families in Redis. The prefixes are load-bearing for deployments that
// inspect or sweep the keyspace directly.
const (
	KeyPrefixSession   = "session:"
	KeyPrefixIPSession = "ip_session:"
)

var (
	// ErrNotFound is returned when no live entry exists for the key.
	ErrNotFound = errors.New("session not found")

	// ErrNoExpiry is returned by TTLRemaining for an entry that exists but
	// has no expiry set. Such entries leak forever and are swept by the
	// synchronizer.
	ErrNoExpiry = errors.New("session has no expiry")
)

// Session is one authorized client.
type Session struct {
	MAC       string    `json:"mac"`
	IP        string    `json:"ip,omitempty"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func encodeSession(s *Session) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	return string(b), nil
}

func decodeSession(data string) (*Session, error) {
	var s Session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}
