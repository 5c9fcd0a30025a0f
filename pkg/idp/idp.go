// Package idp queries the identity provider for the set of users that
// currently hold a valid login session.
package idp

import "context"

// IdentityProvider reports which users are currently signed in. The
// synchronizer treats this set as authoritative: tracked sessions whose user
// is absent get revoked.
type IdentityProvider interface {
	// ActiveUsernames returns the usernames with a live identity session.
	ActiveUsernames(ctx context.Context) (map[string]struct{}, error)
}
