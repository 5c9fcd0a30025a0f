// Package sync reconciles tracked network sessions against the identity
// provider. A user whose identity session disappeared gets their network
// access revoked on the next cycle.
package sync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/netgrant/pkg/idp"
	"github.com/codelaboratoryltd/netgrant/pkg/metrics"
	"github.com/codelaboratoryltd/netgrant/pkg/session"
)

// DefaultInterval is the period between reconciliation cycles.
const DefaultInterval = 300 * time.Second

// AccessRevoker withdraws one client's access. Satisfied by the access
// controller.
type AccessRevoker interface {
	Revoke(ctx context.Context, mac, ip string) bool
}

// Config configures the synchronizer.
type Config struct {
	Interval time.Duration
}

// Synchronizer periodically compares the session store with the identity
// provider's active sessions and revokes orphans. Cycles never overlap; a
// cycle that outruns the interval just delays the next tick.
type Synchronizer struct {
	store    *session.Store
	provider idp.IdentityProvider
	revoker  AccessRevoker
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New creates a synchronizer.
func New(store *session.Store, provider idp.IdentityProvider, revoker AccessRevoker, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Synchronizer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Synchronizer{
		store:    store,
		provider: provider,
		revoker:  revoker,
		interval: interval,
		metrics:  m,
		logger:   logger,
	}
}

// Run executes cycles until the context is cancelled, starting with an
// immediate one. A cycle already in flight when the context is cancelled
// runs to completion so revocations are not torn off halfway; it is bounded
// by the cycle interval instead.
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Synchronizer) cycle(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.interval)
	defer cancel()

	cycleID := uuid.NewString()
	logger := s.logger.With(zap.String("cycle_id", cycleID))

	start := time.Now()
	revoked, swept, err := s.SyncOnce(cycleCtx)
	if err != nil {
		logger.Error("Sync cycle failed", zap.Error(err))
		return
	}

	s.metrics.RecordSyncCycle(time.Since(start), revoked, swept)

	logger.Info("Sync cycle complete",
		zap.Int("revoked", revoked),
		zap.Int("swept", swept),
		zap.Duration("took", time.Since(start)),
	)
}

// SyncOnce runs a single reconciliation pass. It revokes every tracked
// session whose user no longer holds an identity session, and sweeps entries
// that lost their expiry. When the identity provider cannot be reached the
// pass aborts without touching anything: revoking on missing data would
// disconnect everyone.
func (s *Synchronizer) SyncOnce(ctx context.Context) (revoked, swept int, err error) {
	active, err := s.provider.ActiveUsernames(ctx)
	if err != nil {
		return 0, 0, err
	}

	type orphan struct {
		mac string
		ip  string
	}
	var orphans []orphan
	var noExpiry []string
	total := 0

	err = s.store.Scan(ctx, func(mac string, sess *session.Session) bool {
		total++
		if _, ok := active[sess.Username]; !ok {
			orphans = append(orphans, orphan{mac: mac, ip: sess.IP})
		}
		return true
	})
	if err != nil {
		return 0, 0, err
	}

	s.metrics.SetActiveSessions(total)

	for _, o := range orphans {
		if s.revoker.Revoke(ctx, o.mac, o.ip) {
			revoked++
		} else {
			s.logger.Warn("Orphan revocation failed, will retry next cycle",
				zap.String("mac", o.mac),
			)
		}
	}

	// Entries without an expiry never age out on their own; sweep them.
	err = s.store.Scan(ctx, func(mac string, _ *session.Session) bool {
		if _, terr := s.store.TTLRemaining(ctx, mac); terr == session.ErrNoExpiry {
			noExpiry = append(noExpiry, mac)
		}
		return true
	})
	if err != nil {
		return revoked, 0, err
	}

	for _, mac := range noExpiry {
		if derr := s.store.Delete(ctx, mac); derr != nil {
			s.logger.Warn("Sweep delete failed", zap.String("mac", mac), zap.Error(derr))
			continue
		}
		swept++
	}

	return revoked, swept, nil
}
