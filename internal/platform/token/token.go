// Package token issues and verifies the short-lived HS256 session tokens the
// transport layer authenticates principals with.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	id "caseguard/pkg/domain"
	dErrors "caseguard/pkg/domain-errors"
)

const defaultTTL = 8 * time.Hour

// Claims carried by a session token. Subject is the principal ID; nothing
// else about the principal is trusted from the token itself.
type Claims struct {
	jwt.RegisteredClaims
}

type Option func(*Service)

// Service signs and verifies session tokens.
type Service struct {
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
}

func NewService(signingKey string, opts ...Option) *Service {
	if signingKey == "" {
		panic("token service requires a signing key")
	}
	svc := &Service{
		signingKey: []byte(signingKey),
		ttl:        defaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the timestamp source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// Issue creates a signed session token for the principal.
func (s *Service) Issue(principalID id.PrincipalID) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "could not sign session token")
	}
	return signed, nil
}

// Verify parses and validates a session token, returning the principal ID.
func (s *Service) Verify(tokenString string) (id.PrincipalID, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return id.PrincipalID{}, dErrors.New(dErrors.CodeUnauthorized, "session token expired")
		}
		return id.PrincipalID{}, dErrors.Wrap(err, dErrors.CodeUnauthorized, "invalid session token")
	}
	if !parsed.Valid {
		return id.PrincipalID{}, dErrors.New(dErrors.CodeUnauthorized, "invalid session token")
	}
	principalID, err := id.ParsePrincipalID(claims.Subject)
	if err != nil {
		return id.PrincipalID{}, dErrors.New(dErrors.CodeUnauthorized, "session token subject is not a principal id")
	}
	return principalID, nil
}
