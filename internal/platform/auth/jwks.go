package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// JWKSKey is one RSA key as published by the identity provider.
type JWKSKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSResponse is the document served at the JWKS URL.
type JWKSResponse struct {
	Keys []JWKSKey `json:"keys"`
}

var errRefreshThrottled = errors.New("JWKS refresh throttled")

// JWKSCache holds the identity provider's signing keys. Keys are refreshed
// after ttl, or when a token names an unknown kid. Refreshes are throttled so
// tokens with forged kids cannot hammer the provider.
type JWKSCache struct {
	jwksURL string
	ttl     time.Duration
	client  *http.Client
	refresh *rate.Limiter

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

const (
	defaultJWKSCacheTTL = 5 * time.Minute
	jwksRefreshEvery    = 10 * time.Second
)

// NewJWKSCache creates a cache over jwksURL.
func NewJWKSCache(jwksURL string, ttl time.Duration) *JWKSCache {
	return &JWKSCache{
		jwksURL: jwksURL,
		ttl:     ttl,
		client:  &http.Client{Timeout: 10 * time.Second},
		refresh: rate.NewLimiter(rate.Every(jwksRefreshEvery), 1),
		keys:    make(map[string]*rsa.PublicKey),
	}
}

func (c *JWKSCache) lookup(kid string) (*rsa.PublicKey, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	return key, ok, !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) <= c.ttl
}

// GetKey returns the key for kid. A stale key is still served when a refresh
// is throttled.
func (c *JWKSCache) GetKey(kid string) (*rsa.PublicKey, error) {
	key, ok, fresh := c.lookup(kid)
	if ok && fresh {
		return key, nil
	}

	if !c.refresh.Allow() {
		if ok {
			return key, nil
		}
		return nil, fmt.Errorf("key %q: %w", kid, errRefreshThrottled)
	}
	if err := c.fetch(); err != nil {
		if ok {
			return key, nil
		}
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}

	if key, ok, _ = c.lookup(kid); !ok {
		return nil, fmt.Errorf("key with kid %q not found in JWKS", kid)
	}
	return key, nil
}

func (c *JWKSCache) fetch() error {
	resp, err := c.client.Get(c.jwksURL)
	if err != nil {
		return fmt.Errorf("GET %s: %w", c.jwksURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var doc JWKSResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decoding JWKS response: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		if pub, err := parseRSAPublicKey(k); err == nil {
			keys[k.Kid] = pub
		}
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

func parseRSAPublicKey(k JWKSKey) (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if len(n) == 0 || !exp.IsInt64() || exp.Int64() < 3 {
		return nil, errors.New("invalid RSA key")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

// KeyFunc resolves a token's kid against the cache.
func (c *JWKSCache) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		return c.GetKey(kid)
	}
}
