package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VerifierConfig configures signature verification for bearer tokens,
// mirroring the teacher's JWTConfig: either a JWKS endpoint (production) or
// a static HMAC signing key (development/testing only).
type VerifierConfig struct {
	Issuer     string
	Audience   string
	JWKSURL    string
	SigningKey []byte
}

// Verifier validates a bearer token's signature and standard claims, then
// projects the verified claims into a Descriptor itself.
type Verifier struct {
	cfg   VerifierConfig
	cache *jwksCache
}

// NewVerifier builds a Verifier. When cfg.JWKSURL is set it lazily fetches
// and caches signing keys from that endpoint; SigningKey, when set, bypasses
// JWKS entirely.
func NewVerifier(cfg VerifierConfig) *Verifier {
	v := &Verifier{cfg: cfg}
	if cfg.JWKSURL != "" && len(cfg.SigningKey) == 0 {
		v.cache = newJWKSCache(cfg.JWKSURL, defaultJWKSCacheTTL)
	}
	return v
}

// Verify checks the token's signature, issuer, and audience, returning the
// projected Descriptor on success.
func (v *Verifier) Verify(tokenString string) (Descriptor, error) {
	var claims Claims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "HS256"}),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	var keyFunc jwt.Keyfunc
	switch {
	case len(v.cfg.SigningKey) > 0:
		keyFunc = func(*jwt.Token) (interface{}, error) { return v.cfg.SigningKey, nil }
	case v.cache != nil:
		keyFunc = v.cache.keyFunc
	default:
		return Descriptor{}, fmt.Errorf("auth: verifier has neither a signing key nor a JWKS URL")
	}

	token, err := jwt.ParseWithClaims(tokenString, &claims, keyFunc, opts...)
	if err != nil || !token.Valid {
		return Descriptor{}, fmt.Errorf("auth: invalid bearer token: %w", err)
	}

	return Descriptor{
		Subject:       claims.Subject,
		Scopes:        strings.Fields(claims.Scope),
		LaunchPatient: claims.LaunchPatient,
		TenantID:      claims.TenantID,
	}, nil
}

// defaultJWKSCacheTTL bounds how long fetched JWKS keys are trusted before
// the next verification triggers a refetch.
const defaultJWKSCacheTTL = 5 * time.Minute

type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksResponse struct {
	Keys []jwksKey `json:"keys"`
}

// jwksCache caches RSA public keys fetched from a remote JWKS endpoint,
// grounded on the teacher's JWKSCache.
type jwksCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	url       string
	ttl       time.Duration
	fetchedAt time.Time
	client    *http.Client
}

func newJWKSCache(url string, ttl time.Duration) *jwksCache {
	return &jwksCache{
		keys:   make(map[string]*rsa.PublicKey),
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *jwksCache) keyFunc(token *jwt.Token) (interface{}, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("auth: token has no kid header")
	}
	return c.get(kid)
}

func (c *jwksCache) get(kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	expired := time.Since(c.fetchedAt) > c.ttl
	c.mu.RUnlock()

	if ok && !expired {
		return key, nil
	}
	if err := c.fetch(); err != nil {
		return nil, fmt.Errorf("auth: fetching JWKS: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("auth: key %q not found in JWKS", kid)
	}
	return key, nil
}

func (c *jwksCache) fetch() error {
	resp, err := c.client.Get(c.url)
	if err != nil {
		return fmt.Errorf("GET %s: %w", c.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks jwksResponse
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("decoding JWKS response: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

func rsaPublicKeyFromJWK(k jwksKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
