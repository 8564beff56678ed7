// Package identity abstracts the external provider that verifies bearer
// credentials and resolves them to users. The gateway core treats the
// provider as authoritative and only caches its output inside sessions.
package identity

import "context"

// User is the read-through projection of a verified identity.
type User struct {
	ID       string
	Username string
	Groups   []string
	IsActive bool
}

// IsAdmin reports whether the user carries the administrative group.
func (u User) IsAdmin() bool {
	for _, g := range u.Groups {
		if g == "admin" {
			return true
		}
	}
	return false
}

// Provider verifies a bearer credential and resolves the user behind it.
// Verification failures map onto ErrInvalidCredential / ErrCredentialExpired.
type Provider interface {
	Verify(ctx context.Context, credential string) (User, error)
}
