// Fleetglass - Permission-Gated Vehicle Location Relay
// Copyright 2026 Fleetglass Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetglass/fleetglass

// Package auth validates handshake credentials and binds connections to a
// role and identity. The gate runs once per connection, before any
// application event is accepted; a rejected credential never reaches role
// binding and creates no state.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/fleetglass/fleetglass/internal/config"
	"github.com/fleetglass/fleetglass/internal/logging"
	"github.com/fleetglass/fleetglass/internal/metrics"
	"github.com/fleetglass/fleetglass/internal/models"
)

// ErrUnauthorized reports a credential that failed verification or is
// missing a required field. Connections are refused with this before any
// event is processed.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Principal is the immutable label bound to a connection after a
// successful handshake.
type Principal struct {
	Role    models.Role
	Subject string

	// Unsigned marks principals admitted via the reduced-trust fallback.
	Unsigned bool
}

// Identity returns the principal's room/document addressing key.
func (p Principal) Identity() models.Identity {
	return models.IdentityFor(p.Role, p.Subject)
}

// Claims is the credential payload: a role and a subject identifier on top
// of the registered JWT claims.
type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Gate verifies handshake credentials.
type Gate struct {
	secret        []byte
	allowUnsigned bool
	tokenTTL      time.Duration
}

// NewGate creates a handshake gate from the security configuration.
func NewGate(cfg *config.SecurityConfig) (*Gate, error) {
	if cfg.JWTSecret == "" && !cfg.AllowUnsigned {
		return nil, fmt.Errorf("jwt secret is required when unsigned credentials are disabled")
	}
	if cfg.AllowUnsigned {
		logging.Warn().Msg("unsigned credentials enabled: handshake signature verification can be bypassed (demo mode)")
	}
	return &Gate{
		secret:        []byte(cfg.JWTSecret),
		allowUnsigned: cfg.AllowUnsigned,
		tokenTTL:      cfg.TokenTTL,
	}, nil
}

// Verify validates an opaque handshake credential and returns the
// principal it binds. Verification order:
//
//  1. HS256 signature verification against the shared secret.
//  2. If that fails and the gate is configured with AllowUnsigned, the
//     credential is decoded as unsigned base64 JSON claims. This is the
//     reduced-trust path for demo and bootstrap clients that cannot hold
//     a signing secret; it is an explicit configuration choice, never a
//     silent fallback.
//
// Any decoding failure or missing role/subject yields ErrUnauthorized.
func (g *Gate) Verify(credential string) (Principal, error) {
	if credential == "" {
		metrics.AuthRejections.WithLabelValues("bad_token").Inc()
		return Principal{}, fmt.Errorf("%w: empty credential", ErrUnauthorized)
	}

	if len(g.secret) > 0 {
		if p, err := g.verifySigned(credential); err == nil {
			return p, nil
		}
	}

	if g.allowUnsigned {
		if p, err := decodeUnsigned(credential); err == nil {
			return p, nil
		}
	}

	metrics.AuthRejections.WithLabelValues("bad_token").Inc()
	return Principal{}, fmt.Errorf("%w: credential verification failed", ErrUnauthorized)
}

// verifySigned parses and verifies an HS256 token. The signing algorithm
// is pinned to HMAC to block algorithm confusion.
func (g *Gate) verifySigned(credential string) (Principal, error) {
	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Principal{}, fmt.Errorf("%w: invalid token claims", ErrUnauthorized)
	}

	return principalFromClaims(claims.Role, claims.Subject, false)
}

// unsignedClaims is the reduced-trust payload shape: base64(JSON).
type unsignedClaims struct {
	Role    models.Role `json:"role"`
	Subject string      `json:"sub"`
}

// decodeUnsigned decodes a base64 JSON claims blob with no signature.
func decodeUnsigned(credential string) (Principal, error) {
	raw, err := base64.StdEncoding.DecodeString(credential)
	if err != nil {
		// Tokens minted by browser clients often use the URL-safe alphabet.
		raw, err = base64.RawURLEncoding.DecodeString(credential)
		if err != nil {
			return Principal{}, fmt.Errorf("%w: credential is not base64", ErrUnauthorized)
		}
	}

	var claims unsignedClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return Principal{}, fmt.Errorf("%w: credential is not a claims document", ErrUnauthorized)
	}

	return principalFromClaims(claims.Role, claims.Subject, true)
}

// principalFromClaims checks the required fields and builds the label.
func principalFromClaims(role models.Role, subject string, unsigned bool) (Principal, error) {
	if !role.Valid() {
		metrics.AuthRejections.WithLabelValues("bad_role").Inc()
		return Principal{}, fmt.Errorf("%w: missing or unknown role %q", ErrUnauthorized, role)
	}
	if subject == "" {
		metrics.AuthRejections.WithLabelValues("missing_subject").Inc()
		return Principal{}, fmt.Errorf("%w: missing subject", ErrUnauthorized)
	}
	return Principal{Role: role, Subject: subject, Unsigned: unsigned}, nil
}

// MintToken issues a signed credential for the given role and subject.
// Used by provisioning tooling and tests.
func (g *Gate) MintToken(role models.Role, subject string) (string, error) {
	if len(g.secret) == 0 {
		return "", fmt.Errorf("cannot mint token without a signing secret")
	}
	if !role.Valid() {
		return "", fmt.Errorf("cannot mint token for unknown role %q", role)
	}

	ttl := g.tokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
