package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audit-platform/audit-platform/internal/config"
)

// testIssuer serves a discovery document and JWKS for a single RSA key.
type testIssuer struct {
	server *httptest.Server
	key    *rsa.PrivateKey
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	ti := &testIssuer{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"issuer":                                ti.server.URL,
			"jwks_uri":                              ti.server.URL + "/keys",
			"authorization_endpoint":                ti.server.URL + "/auth",
			"token_endpoint":                        ti.server.URL + "/token",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		pub := key.PublicKey
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "test-key",
				"alg": "RS256",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		})
	})
	ti.server = httptest.NewServer(mux)
	t.Cleanup(ti.server.Close)
	return ti
}

func (ti *testIssuer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "test-key"
	raw, err := tok.SignedString(ti.key)
	require.NoError(t, err)
	return raw
}

func TestNewOIDCProvider_Disabled(t *testing.T) {
	_, err := NewOIDCProvider(&config.OIDCConfig{Enabled: false})
	assert.Error(t, err)
}

func TestNewOIDCProvider_MissingIssuerURL(t *testing.T) {
	_, err := NewOIDCProvider(&config.OIDCConfig{Enabled: true, ClientID: "client"})
	assert.Error(t, err)
}

func TestNewOIDCProvider_MissingClientID(t *testing.T) {
	_, err := NewOIDCProvider(&config.OIDCConfig{Enabled: true, IssuerURL: "https://example.com"})
	assert.Error(t, err)
}

func TestNewOIDCProvider_UnreachableIssuer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewOIDCProviderWithContext(ctx, &config.OIDCConfig{
		Enabled:   true,
		IssuerURL: "http://127.0.0.1:1",
		ClientID:  "client",
	})
	assert.Error(t, err)
}

func TestVerify_MapsIdentityClaims(t *testing.T) {
	ti := newTestIssuer(t)
	p, err := NewOIDCProvider(&config.OIDCConfig{Enabled: true, IssuerURL: ti.server.URL, ClientID: "audit-app"})
	require.NoError(t, err)

	raw := ti.sign(t, jwt.MapClaims{
		"iss":           ti.server.URL,
		"aud":           "audit-app",
		"sub":           "user-1",
		"exp":           time.Now().Add(time.Hour).Unix(),
		"iat":           time.Now().Unix(),
		"email":         "ana@example.com",
		"name":          "Profile Name",
		"app_metadata":  map[string]string{"role": "VIEWER"},
		"user_metadata": map[string]interface{}{"site_ids": []string{"A"}, "name": "Ana"},
	})

	user, err := p.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, "ana@example.com", user.Email)
	assert.Equal(t, "Ana", user.Name)
	assert.Equal(t, "VIEWER", user.Role)
	assert.Equal(t, []string{"A"}, user.SiteIDs)
}

func TestVerify_WrongAudience(t *testing.T) {
	ti := newTestIssuer(t)
	p, err := NewOIDCProvider(&config.OIDCConfig{Enabled: true, IssuerURL: ti.server.URL, ClientID: "audit-app"})
	require.NoError(t, err)

	raw := ti.sign(t, jwt.MapClaims{
		"iss": ti.server.URL,
		"aud": "someone-else",
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err = p.Verify(context.Background(), raw)
	assert.Error(t, err)
}

func TestVerify_Expired(t *testing.T) {
	ti := newTestIssuer(t)
	p, err := NewOIDCProvider(&config.OIDCConfig{Enabled: true, IssuerURL: ti.server.URL, ClientID: "audit-app"})
	require.NoError(t, err)

	raw := ti.sign(t, jwt.MapClaims{
		"iss": ti.server.URL,
		"aud": "audit-app",
		"sub": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err = p.Verify(context.Background(), raw)
	assert.Error(t, err)
}
