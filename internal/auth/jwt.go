// Package auth - jwt.go handles identity token creation and verification using a shared
// HS256 secret, including lazy secret initialization and claims parsing.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "audit-platform"

var (
	// jwtSecret holds the validated JWT secret
	jwtSecret     string
	jwtSecretOnce sync.Once
	jwtSecretErr  error
)

// Claims is the identity token shape:
// {sub, email, app_metadata:{role}, user_metadata:{site_ids, name}}.
type Claims struct {
	Email        string       `json:"email,omitempty"`
	AppMetadata  AppMetadata  `json:"app_metadata"`
	UserMetadata UserMetadata `json:"user_metadata"`
	jwt.RegisteredClaims
}

// AppMetadata holds claims only the identity provider can set
type AppMetadata struct {
	Role string `json:"role,omitempty"`
}

// UserMetadata holds profile claims
type UserMetadata struct {
	SiteIDs []string `json:"site_ids,omitempty"`
	Name    string   `json:"name,omitempty"`
}

// User converts the claims into the caller identity used by handlers.
func (c *Claims) User() *User {
	return &User{
		ID:      c.Subject,
		Email:   c.Email,
		Name:    c.UserMetadata.Name,
		Role:    c.AppMetadata.Role,
		SiteIDs: c.UserMetadata.SiteIDs,
	}
}

// isDevMode checks if we're in development mode
func isDevMode() bool {
	devMode := os.Getenv("DEV_MODE")
	return devMode == "true" || devMode == "1" || os.Getenv("GIN_MODE") == "debug"
}

// generateRandomSecret creates a cryptographically secure random secret
func generateRandomSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("dev-fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// ValidateJWTSecret checks that AUDIT_JWT_SECRET is set. In dev mode a random secret is
// generated instead, so tokens do not survive a restart. Call this at startup.
func ValidateJWTSecret() error {
	jwtSecretOnce.Do(func() {
		secret := os.Getenv("AUDIT_JWT_SECRET")

		if secret == "" {
			if isDevMode() {
				jwtSecret = generateRandomSecret()
				slog.Warn("AUDIT_JWT_SECRET not set, using an auto-generated secret for development; tokens will not survive restarts")
			} else {
				jwtSecretErr = errors.New("SECURITY ERROR: AUDIT_JWT_SECRET environment variable is required in production. " +
					"Generate a secure secret with: openssl rand -hex 32")
			}
			return
		}

		if len(secret) < 32 {
			slog.Warn("AUDIT_JWT_SECRET is shorter than the recommended 32 characters")
		}

		jwtSecret = secret
	})

	return jwtSecretErr
}

// GetJWTSecret retrieves the validated JWT secret.
// Panics if no secret is available.
func GetJWTSecret() string {
	if jwtSecret == "" {
		if err := ValidateJWTSecret(); err != nil {
			panic(err)
		}
	}
	return jwtSecret
}

// GenerateJWT creates an identity token for user
func GenerateJWT(user *User, expiresIn time.Duration) (string, error) {
	if user == nil || user.ID == "" {
		return "", errors.New("user id is required")
	}
	if expiresIn == 0 {
		expiresIn = 1 * time.Hour
	}

	now := time.Now()
	claims := &Claims{
		Email:        user.Email,
		AppMetadata:  AppMetadata{Role: user.Role},
		UserMetadata: UserMetadata{SiteIDs: user.SiteIDs, Name: user.Name},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   user.ID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(GetJWTSecret()))
}

// ValidateJWT parses and validates an identity token
func ValidateJWT(tokenString string) (*Claims, error) {
	secret := GetJWTSecret()

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}

	// Upload tokens share the secret and must not be usable as identity tokens
	if len(claims.Audience) > 0 {
		return nil, errors.New("token audience not accepted")
	}

	return claims, nil
}

// TokenVerifier turns a bearer token into the caller identity
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*User, error)
}

// HMACVerifier verifies identity tokens signed with the shared secret
type HMACVerifier struct{}

// Verify implements TokenVerifier
func (HMACVerifier) Verify(_ context.Context, rawToken string) (*User, error) {
	claims, err := ValidateJWT(rawToken)
	if err != nil {
		return nil, err
	}
	return claims.User(), nil
}
