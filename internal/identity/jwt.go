package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultIssuer = "gatewave"

// Claims represents the JWT claims the provider understands.
type Claims struct {
	Username string   `json:"username,omitempty"`
	Groups   []string `json:"groups,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider verifies HS256 bearer tokens issued by the identity pool.
type JWTProvider struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// JWTOption configures JWTProvider.
type JWTOption func(*JWTProvider)

// WithIssuer overrides the expected token issuer.
func WithIssuer(issuer string) JWTOption {
	return func(p *JWTProvider) {
		if strings.TrimSpace(issuer) != "" {
			p.issuer = strings.TrimSpace(issuer)
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) JWTOption {
	return func(p *JWTProvider) {
		if fn != nil {
			p.now = fn
		}
	}
}

// NewJWTProvider builds a provider validating tokens against the shared secret.
func NewJWTProvider(secret string, opts ...JWTOption) (*JWTProvider, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("identity: signing secret is not configured")
	}
	p := &JWTProvider{
		secret: []byte(secret),
		issuer: defaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

var _ Provider = (*JWTProvider)(nil)

// Verify parses and validates the credential and projects its claims onto a User.
func (p *JWTProvider) Verify(ctx context.Context, credential string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrCredentialExpired, err)
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return User{}, ErrInvalidCredential
	}

	parsed, err := jwt.ParseWithClaims(credential, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidCredential
		}
		return p.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return p.now().UTC() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return User{}, ErrCredentialExpired
		}
		return User{}, ErrInvalidCredential
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return User{}, ErrInvalidCredential
	}
	if err := p.validateClaims(claims); err != nil {
		return User{}, ErrInvalidCredential
	}

	username := strings.TrimSpace(claims.Username)
	if username == "" {
		username = claims.Subject
	}
	return User{
		ID:       claims.Subject,
		Username: username,
		Groups:   dedupeGroups(claims.Groups),
		IsActive: true,
	}, nil
}

// IssueToken signs a token for the given user. Used by tests and local
// development; production tokens come from the external identity pool.
func (p *JWTProvider) IssueToken(userID, username string, groups []string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("identity: userID is required")
	}
	if ttl <= 0 {
		return "", errors.New("identity: ttl must be greater than zero")
	}

	now := p.now().UTC()
	claims := Claims{
		Username: strings.TrimSpace(username),
		Groups:   dedupeGroups(groups),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}

func (p *JWTProvider) validateClaims(claims *Claims) error {
	if claims.Issuer != p.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := p.now().UTC()
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

func dedupeGroups(groups []string) []string {
	if len(groups) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(groups))
	var normalized []string
	for _, group := range groups {
		group = strings.TrimSpace(strings.ToLower(group))
		if group == "" {
			continue
		}
		if _, ok := seen[group]; ok {
			continue
		}
		seen[group] = struct{}{}
		normalized = append(normalized, group)
	}
	return normalized
}
