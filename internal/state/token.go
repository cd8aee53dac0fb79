package state

import "github.com/google/uuid"

// newToken mints a recovery-lock ownership token. Tokens are compared for
// exact equality on release, so uniqueness is the only requirement.
func newToken() string {
	return uuid.NewString()
}
