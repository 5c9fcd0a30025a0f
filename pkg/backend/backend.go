// Package backend contains the authorization backends that turn an
// allow/deny decision for one client into changes on real network equipment.
//
// Exactly one backend is active per process, chosen by configuration and
// injected into the access controller. Backends never return structured
// errors across their boundary: every call resolves to a boolean, with the
// failure classified and logged before it is collapsed.
package backend

import "context"

// Kind is the identity a backend keys its rules on.
type Kind string

const (
	// KindMAC backends admit and revoke by client MAC address.
	KindMAC Kind = "mac"
	// KindIP backends admit and revoke by client IP address.
	KindIP Kind = "ip"
)

// Backend admits or denies one client identity at the network level.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Kind reports which client identity the backend operates on. The
	// caller picks the MAC or the IP accordingly.
	Kind() Kind

	// Authorize grants network access for the identity. False means the
	// client is not enforced; the cause is logged, not returned.
	Authorize(ctx context.Context, identity, username string) bool

	// Revoke withdraws network access for the identity. Revoking an
	// identity that was never authorized is not a failure.
	Revoke(ctx context.Context, identity string) bool
}

// Reason classifies why a backend call resolved the way it did. Reasons are
// attached to logs before the call collapses to a boolean.
type Reason string

const (
	ReasonOK             Reason = "ok"
	ReasonNoOp           Reason = "noop"
	ReasonTimeout        Reason = "timeout"
	ReasonRemoteRejected Reason = "remote_rejected"
	ReasonProtocolError  Reason = "protocol_error"
	ReasonNotFound       Reason = "not_found"
)

// Decision is the transient outcome of one backend call.
type Decision struct {
	Accepted bool
	Reason   Reason
}
