// Package identity resolves bearer tokens issued by the external identity
// layer into stable user ids. Token issuance (login, OAuth) happens outside
// this process; all we need is the shared signing secret.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
)

const DefaultCacheTTL = 5 * time.Minute

var ErrInvalidToken = errors.New("invalid token")

type Config struct {
	// Secret is the HMAC key shared with the identity provider.
	Secret string
	// CacheTTL bounds how long a verified token is remembered.
	CacheTTL time.Duration
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	return nil
}

// Verifier checks token signatures and caches the verified token -> user id
// mapping so the hot path (one check per inbound connection or API call)
// stays cheap.
type Verifier struct {
	secret []byte
	seen   geche.Geche[string, string]
}

func NewVerifier(ctx context.Context, config Config) (*Verifier, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Verifier{
		secret: []byte(config.Secret),
		seen:   geche.NewMapTTLCache[string, string](ctx, config.CacheTTL, time.Minute),
	}, nil
}

// UserID returns the stable user id carried by the token, or ErrInvalidToken.
func (v *Verifier) UserID(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	if id, err := v.seen.Get(token); err == nil {
		return id, nil
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidToken
	}

	v.seen.Set(token, sub)
	return sub, nil
}

// Issue signs a token for the given user id. The identity provider owns
// issuance in production; this exists for the add-user command and tests.
func (v *Verifier) Issue(userID string, expiry time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
	if expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(expiry))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
