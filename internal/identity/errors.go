package identity

import "errors"

var (
	// ErrInvalidCredential indicates the credential failed verification.
	// Retrying will not help; the caller decides whether to close the socket.
	ErrInvalidCredential = errors.New("identity: invalid credential")
	// ErrCredentialExpired indicates the credential was valid once but has
	// expired (or verification timed out and is treated the same way).
	ErrCredentialExpired = errors.New("identity: credential expired")
)
