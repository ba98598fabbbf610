// Package security issues and validates the HS256 tokens that identify
// callers. The token subject is the owner every container and operation is
// scoped to.
package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"hut.evalgo.org/clock"
)

// DefaultExpiration is the lifetime of tokens issued without an explicit one
const DefaultExpiration = 24 * time.Hour

// ErrMissingSubject is returned for tokens without an owner
var ErrMissingSubject = errors.New("token has no subject")

type JWTService struct {
	secret   []byte
	issuer   string
	audience string
	clock    clock.Clock
}

func NewJWTService(secret string) *JWTService {
	return &JWTService{
		secret: []byte(secret),
		clock:  clock.New(),
	}
}

// NewJWTServiceWithIssuer creates a service that stamps and requires the
// given issuer and audience. Empty values are neither set nor checked.
func NewJWTServiceWithIssuer(secret, issuer, audience string) *JWTService {
	j := NewJWTService(secret)
	j.issuer = issuer
	j.audience = audience
	return j
}

// WithClock replaces the time source used for issuing and validating.
func (j *JWTService) WithClock(c clock.Clock) *JWTService {
	j.clock = clock.OrReal(c)
	return j
}

func (j *JWTService) GenerateToken(owner string, expiration time.Duration) (string, error) {
	if owner == "" {
		return "", ErrMissingSubject
	}
	if expiration <= 0 {
		expiration = DefaultExpiration
	}
	now := j.clock.Now()

	b := jwt.NewBuilder().
		Subject(owner).
		IssuedAt(now).
		Expiration(now.Add(expiration))
	if j.issuer != "" {
		b = b.Issuer(j.issuer)
	}
	if j.audience != "" {
		b = b.Audience([]string{j.audience})
	}

	token, err := b.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return string(signed), nil
}

func (j *JWTService) ValidateToken(tokenString string) (jwt.Token, error) {
	opts := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, j.secret),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(j.clock.Now)),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}
	if j.audience != "" {
		opts = append(opts, jwt.WithAudience(j.audience))
	}

	token, err := jwt.Parse([]byte(tokenString), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	return token, nil
}

// Owner validates tokenString and returns its subject.
func (j *JWTService) Owner(tokenString string) (string, error) {
	token, err := j.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}
	if token.Subject() == "" {
		return "", ErrMissingSubject
	}
	return token.Subject(), nil
}
