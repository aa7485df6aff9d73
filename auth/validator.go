// Package auth validates the bearer tokens presented on the WebSocket
// handshake against the identity provider's JWKS endpoint.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails validation. The
// underlying cause is wrapped for logs but clients only ever see a closed
// handshake.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated principal extracted from a valid token.
type Identity struct {
	UserID      string
	DisplayName string
}

type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
	Name              string `json:"name"`
	Email             string `json:"email"`
}

// Validator validates access tokens using JWKS-published keys.
type Validator struct {
	keyfunc jwt.Keyfunc
	issuer  string
	jwks    *keyfunc.JWKS
}

// NewValidator fetches and caches the JWKS key set. The fetch is retried
// because the identity provider may still be starting when the gateway does.
func NewValidator(jwksURL, issuer string) (*Validator, error) {
	slog.Info("Initializing JWKS validator", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for JWKS endpoint", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS after retries: %w", err)
	}

	slog.Info("JWKS loaded successfully", "jwks_url", jwksURL)
	return &Validator{keyfunc: jwks.Keyfunc, issuer: issuer, jwks: jwks}, nil
}

// NewWithKeyfunc builds a validator around an explicit key function. Used in
// tests with static HMAC keys.
func NewWithKeyfunc(fn jwt.Keyfunc, issuer string) *Validator {
	return &Validator{keyfunc: fn, issuer: issuer}
}

// Validate parses and validates an access token and extracts the identity.
func (v *Validator) Validate(tokenString string) (Identity, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	display := claims.PreferredUsername
	if display == "" {
		display = claims.Name
	}
	if display == "" {
		display = claims.Subject
	}
	return Identity{UserID: claims.Subject, DisplayName: display}, nil
}

// Close shuts down the JWKS background refresh goroutine.
func (v *Validator) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}
