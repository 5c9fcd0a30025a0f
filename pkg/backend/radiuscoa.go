package backend

import (
	"context"

	"github.com/codelaboratoryltd/netgrant/pkg/coa"
	"github.com/codelaboratoryltd/netgrant/pkg/metrics"
	"go.uber.org/zap"
)

// RadiusCoA admits clients by pushing a Change-of-Authorization to the NAS
// carrying User-Name and Calling-Station-Id. The NAS applies its own policy
// and answers ACK or NAK.
type RadiusCoA struct {
	client  *coa.Client
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRadiusCoA creates a CoA backend on an existing client.
func NewRadiusCoA(client *coa.Client, m *metrics.Metrics, logger *zap.Logger) *RadiusCoA {
	return &RadiusCoA{client: client, metrics: m, logger: logger}
}

func (b *RadiusCoA) Name() string { return "radius_coa" }
func (b *RadiusCoA) Kind() Kind   { return KindMAC }

// Authorize sends one CoA-Request and blocks for the reply or the exchange
// timeout. A lost packet is a failure for this call; there is no retry.
func (b *RadiusCoA) Authorize(ctx context.Context, mac, username string) bool {
	code, err := b.client.SendCoA(ctx, mac, username, "")
	if err != nil {
		b.metrics.RecordCoAExchange("timeout")
		b.logger.Error("CoA exchange failed",
			zap.String("backend", b.Name()),
			zap.String("mac", mac),
			zap.String("reason", string(ReasonTimeout)),
			zap.Error(err),
		)
		return false
	}
	b.metrics.RecordCoAExchange(coa.CodeName(code))

	switch code {
	case coa.CodeCoAACK:
		b.logger.Info("CoA ACK received",
			zap.String("backend", b.Name()),
			zap.String("mac", mac),
			zap.String("username", username),
		)
		return true
	case coa.CodeCoANAK:
		b.logger.Warn("CoA NAK received",
			zap.String("backend", b.Name()),
			zap.String("mac", mac),
			zap.String("reason", string(ReasonRemoteRejected)),
		)
		return false
	default:
		b.logger.Error("Unexpected CoA reply",
			zap.String("backend", b.Name()),
			zap.String("mac", mac),
			zap.String("code", coa.CodeName(code)),
			zap.String("reason", string(ReasonProtocolError)),
		)
		return false
	}
}

// Revoke is a logged no-op. The admission flow only ever changes
// authorization via CoA; whether the NAS session should be torn down with a
// Disconnect-Request or left to age out on the NAS itself is
// deployment-specific, so Disconnect exists as an explicit operation and is
// not called here.
func (b *RadiusCoA) Revoke(ctx context.Context, mac string) bool {
	b.logger.Info("RADIUS revoke is a no-op, NAS ages the session out",
		zap.String("backend", b.Name()),
		zap.String("mac", mac),
		zap.String("reason", string(ReasonNoOp)),
	)
	return true
}

// Disconnect sends a Disconnect-Request to tear down the NAS session. Not
// part of the base revocation flow.
func (b *RadiusCoA) Disconnect(ctx context.Context, mac, username string) bool {
	code, err := b.client.SendDisconnect(ctx, mac, username, "")
	if err != nil {
		b.metrics.RecordCoAExchange("timeout")
		b.logger.Error("Disconnect exchange failed",
			zap.String("backend", b.Name()),
			zap.String("mac", mac),
			zap.Error(err),
		)
		return false
	}
	b.metrics.RecordCoAExchange(coa.CodeName(code))

	switch code {
	case coa.CodeDisconnectACK:
		b.logger.Info("Disconnect ACK received",
			zap.String("backend", b.Name()),
			zap.String("mac", mac),
		)
		return true
	default:
		b.logger.Warn("Disconnect rejected",
			zap.String("backend", b.Name()),
			zap.String("mac", mac),
			zap.String("code", coa.CodeName(code)),
		)
		return false
	}
}
