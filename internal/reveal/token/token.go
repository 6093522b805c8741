// Package token mints and validates the scoped access tokens handed to
// emergency response teams. A token grants one team access to one data type
// within one case, and never outlives the record it points at: its expiry is
// capped at the record's scheduled purge time.
package token

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	id "veil/pkg/domain"
	dErrors "veil/pkg/domain-errors"
)

// Claims is the signed payload of an access token.
type Claims struct {
	jwt.RegisteredClaims
	CaseID   string `json:"caseId"`
	TeamID   string `json:"teamId"`
	DataType string `json:"dataType"`
}

// Registry tracks live token ids so revocation and purge can invalidate
// outstanding grants before their signed expiry.
type Registry interface {
	Put(ctx context.Context, jti string, ttl time.Duration) error
	Live(ctx context.Context, jti string) (bool, error)
	RevokeCase(ctx context.Context, caseID id.CaseID) error
}

// Minter issues HMAC-signed tokens and checks them against the registry.
type Minter struct {
	signingKey []byte
	maxTTL     time.Duration
	registry   Registry
	now        func() time.Time
	newID      func() string
}

// Option configures a Minter.
type Option func(*Minter)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Minter) { m.now = now }
}

// WithIDSource injects the jti generator.
func WithIDSource(newID func() string) Option {
	return func(m *Minter) { m.newID = newID }
}

func NewMinter(signingKey []byte, maxTTL time.Duration, registry Registry, opts ...Option) (*Minter, error) {
	if len(signingKey) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "token signing key is required")
	}
	if maxTTL <= 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "token ttl must be positive")
	}
	if registry == nil {
		registry = NewInMemoryRegistry()
	}
	m := &Minter{
		signingKey: signingKey,
		maxTTL:     maxTTL,
		registry:   registry,
		now:        time.Now,
		newID:      defaultJTI,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Mint issues a token scoped to (caseID, teamID, dataType). notAfter caps the
// expiry; pass the record's purge time so access lapses with the data.
func (m *Minter) Mint(ctx context.Context, caseID id.CaseID, teamID id.TeamID, dataType string, notAfter time.Time) (string, time.Time, error) {
	now := m.now()
	expiry := now.Add(m.maxTTL)
	if !notAfter.IsZero() && notAfter.Before(expiry) {
		expiry = notAfter
	}
	if !expiry.After(now) {
		return "", time.Time{}, dErrors.New(dErrors.CodeInvalidInput, "token would expire immediately")
	}

	jti := m.newID()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   teamID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
		CaseID:   caseID.String(),
		TeamID:   teamID.String(),
		DataType: dataType,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	if err := m.registry.Put(ctx, registryKey(caseID, jti), expiry.Sub(now)); err != nil {
		return "", time.Time{}, fmt.Errorf("register access token: %w", err)
	}
	return signed, expiry, nil
}

// Validate checks signature, expiry and registry liveness, returning the
// token's claims.
func (m *Minter) Validate(ctx context.Context, tokenStr string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.signingKey, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		return Claims{}, dErrors.Wrap(err, dErrors.CodeUnauthorized, "invalid access token")
	}
	caseID, err := id.ParseCaseID(claims.CaseID)
	if err != nil {
		return Claims{}, dErrors.New(dErrors.CodeUnauthorized, "invalid access token")
	}
	live, err := m.registry.Live(ctx, registryKey(caseID, claims.ID))
	if err != nil {
		return Claims{}, fmt.Errorf("check token registry: %w", err)
	}
	if !live {
		return Claims{}, dErrors.New(dErrors.CodeUnauthorized, "access token revoked")
	}
	return claims, nil
}

// RevokeCase invalidates every outstanding token for a case. Called when the
// case's records are purged.
func (m *Minter) RevokeCase(ctx context.Context, caseID id.CaseID) error {
	return m.registry.RevokeCase(ctx, caseID)
}

func registryKey(caseID id.CaseID, jti string) string {
	return fmt.Sprintf("veil:token:%s:%s", caseID, jti)
}
