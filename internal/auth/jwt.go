package auth

import (
	"fmt"
	"time"

	"github.com/fedutinova/fluxqc/internal/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Audience is the aud claim tokens for this service carry.
const Audience = "fluxqc"

type Claims struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// Owner returns the user id as the owner identity stamped on jobs.
func (c *Claims) Owner() (uuid.UUID, error) {
	id, err := uuid.Parse(c.UserID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: user_id %q", common.ErrInvalidToken, c.UserID)
	}
	return id, nil
}

// NewToken signs an HS256 access token. The service itself never issues
// tokens to end users; this serves the token command and tests.
func NewToken(secret, issuer string, subject uuid.UUID, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	cl := Claims{
		UserID: subject.String(),
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Audience:  []string{Audience},
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, cl)
	return token.SignedString([]byte(secret))
}

// ParseToken verifies signature, expiry, issuer and audience.
func ParseToken(secret, issuer, raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	cl := &Claims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(raw, cl, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	switch {
	case err == nil:
		return cl, nil
	case errorsIsExpired(err):
		return nil, common.ErrTokenExpired
	default:
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidToken, err)
	}
}
