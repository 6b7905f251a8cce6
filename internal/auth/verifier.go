// Package auth validates bearer tokens issued by the identity collaborator
// and resolves the owner they act for.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/subchain/internal/clock"
	"github.com/smallbiznis/subchain/internal/config"
	"github.com/smallbiznis/subchain/internal/errs"
)

const leeway = 30 * time.Second

var (
	ErrMissingToken  = errs.Wrap(errs.ErrUnauthorized, errors.New("missing bearer token"))
	ErrInvalidToken  = errs.Wrap(errs.ErrUnauthorized, errors.New("invalid bearer token"))
	ErrNotConfigured = errors.New("auth secret not configured")
)

// Claims is the token body. Subject carries the owner's snowflake id.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// Principal is the authenticated caller.
type Principal struct {
	OwnerID   snowflake.ID
	Subject   string
	ExpiresAt time.Time
}

// Verifier checks HS256 tokens against the shared secret.
type Verifier struct {
	secret []byte
	issuer string
	clock  clock.Clock
}

func NewVerifier(cfg config.Config, clk clock.Clock) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.AuthJWTSecret)
	if secret == "" {
		if cfg.IsProduction() {
			return nil, ErrNotConfigured
		}
		secret = "subchain-dev-secret"
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Verifier{secret: []byte(secret), issuer: cfg.AuthIssuer, clock: clk}, nil
}

func (v *Verifier) Verify(_ context.Context, raw string) (Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithLeeway(leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	ownerID, err := snowflake.ParseString(strings.TrimSpace(claims.Subject))
	if err != nil || ownerID == 0 {
		return Principal{}, ErrInvalidToken
	}

	principal := Principal{OwnerID: ownerID, Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		principal.ExpiresAt = claims.ExpiresAt.Time
	}
	return principal, nil
}

// Sign issues a token for ownerID. It exists for local tooling and tests;
// production tokens come from the identity collaborator.
func (v *Verifier) Sign(ownerID snowflake.ID, ttl time.Duration) (string, error) {
	now := v.clock.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID.String(),
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
