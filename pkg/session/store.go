package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// scanBatch is the COUNT hint for keyspace scans.
const scanBatch = 100

// Store is a Redis-backed session store.
//
// All operations are single-key atomic; the forward/reverse pair is written
// in one MULTI/EXEC pipeline so the reverse entry never appears without its
// forward entry. There are no cross-call transactions: overwrites are
// last-writer-wins.
type Store struct {
	client *goredis.Client
	logger *zap.Logger
}

// NewStore creates a session store on an existing Redis client.
func NewStore(client *goredis.Client, logger *zap.Logger) *Store {
	return &Store{client: client, logger: logger}
}

// Put upserts the forward entry and, when ip is non-empty, the reverse entry
// with the same TTL. A prior entry for the same MAC is overwritten
// unconditionally; if it pointed at a different IP, that stale reverse entry
// is deleted before the new pair is written.
func (s *Store) Put(ctx context.Context, mac, username, ip string, ttl time.Duration) error {
	if mac == "" {
		return fmt.Errorf("mac required")
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", ttl)
	}

	// Revoke-then-recreate: drop a stale reverse entry left by a prior
	// admission from a different IP before writing the new pair.
	if prev, err := s.Get(ctx, mac); err == nil && prev.IP != "" && prev.IP != ip {
		if err := s.client.Del(ctx, KeyPrefixIPSession+prev.IP).Err(); err != nil {
			return fmt.Errorf("delete stale reverse entry: %w", err)
		}
	}

	now := time.Now().UTC()
	sess := &Session{
		MAC:       mac,
		IP:        ip,
		Username:  username,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	value, err := encodeSession(sess)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, KeyPrefixSession+mac, value, ttl)
		if ip != "" {
			pipe.Set(ctx, KeyPrefixIPSession+ip, mac, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write session %s: %w", mac, err)
	}

	return nil
}

// Get returns the session for a MAC, or ErrNotFound.
func (s *Store) Get(ctx context.Context, mac string) (*Session, error) {
	data, err := s.client.Get(ctx, KeyPrefixSession+mac).Result()
	if err == goredis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", mac, err)
	}
	return decodeSession(data)
}

// GetByIP resolves an IP to the owning MAC, or ErrNotFound.
func (s *Store) GetByIP(ctx context.Context, ip string) (string, error) {
	mac, err := s.client.Get(ctx, KeyPrefixIPSession+ip).Result()
	if err == goredis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read reverse entry %s: %w", ip, err)
	}
	return mac, nil
}

// Delete removes the forward entry and, when the session carried an IP, the
// reverse entry. Deleting a session that does not exist is not an error.
func (s *Store) Delete(ctx context.Context, mac string) error {
	sess, err := s.Get(ctx, mac)
	if err == ErrNotFound {
		// Forward entry already gone; nothing to pair the reverse key with.
		return nil
	}
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, KeyPrefixSession+mac)
		if sess.IP != "" {
			pipe.Del(ctx, KeyPrefixIPSession+sess.IP)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", mac, err)
	}

	return nil
}

// Scan enumerates all live forward entries at call time, invoking fn for
// each. The enumeration is a best-effort snapshot: entries created or
// expired mid-scan may or may not be seen. fn returning false stops the
// scan early.
func (s *Store) Scan(ctx context.Context, fn func(mac string, sess *Session) bool) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, KeyPrefixSession+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("scan sessions: %w", err)
		}

		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Result()
			if err == goredis.Nil {
				// Expired between SCAN and GET.
				continue
			}
			if err != nil {
				return fmt.Errorf("read session %s: %w", key, err)
			}

			sess, err := decodeSession(data)
			if err != nil {
				s.logger.Warn("Skipping undecodable session entry",
					zap.String("key", key),
					zap.Error(err),
				)
				continue
			}

			mac := strings.TrimPrefix(key, KeyPrefixSession)
			if !fn(mac, sess) {
				return nil
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// TTLRemaining reports the remaining lifetime of a forward entry. It returns
// ErrNotFound for a missing entry and ErrNoExpiry for an entry that exists
// without a TTL.
func (s *Store) TTLRemaining(ctx context.Context, mac string) (time.Duration, error) {
	key := KeyPrefixSession + mac

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("read ttl %s: %w", mac, err)
	}
	if ttl >= 0 {
		return ttl, nil
	}

	// Negative TTL means either missing key or no expiry; disambiguate.
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("check session %s: %w", mac, err)
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	return 0, ErrNoExpiry
}
