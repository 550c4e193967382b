package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func jwksServer(t *testing.T, keys ...JWKSKey) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_ = json.NewEncoder(w).Encode(JWKSResponse{Keys: keys})
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func rsaJWK(t *testing.T, kid, use string) JWKSKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return JWKSKey{
		Kty: "RSA",
		Kid: kid,
		Use: use,
		N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}

func TestJWKSCache_UnknownKidIsThrottled(t *testing.T) {
	srv, hits := jwksServer(t, rsaJWK(t, "k1", "sig"))
	cache := NewJWKSCache(srv.URL, time.Minute)

	if _, err := cache.GetKey("k1"); err != nil {
		t.Fatalf("GetKey(k1): %v", err)
	}
	for i := 0; i < 5; i++ {
		_, err := cache.GetKey("forged")
		if err == nil {
			t.Fatal("expected an error for an unknown kid")
		}
		if !errors.Is(err, errRefreshThrottled) {
			t.Fatalf("expected throttled refresh, got %v", err)
		}
	}
	if got := atomic.LoadInt32(hits); got != 1 {
		t.Errorf("expected one JWKS fetch, got %d", got)
	}
	if _, err := cache.GetKey("k1"); err != nil {
		t.Errorf("cached key must still resolve: %v", err)
	}
}

func TestJWKSCache_ServesStaleKeyWhenRefreshFails(t *testing.T) {
	srv, _ := jwksServer(t, rsaJWK(t, "k1", ""))
	cache := NewJWKSCache(srv.URL, time.Nanosecond)
	if _, err := cache.GetKey("k1"); err != nil {
		t.Fatalf("GetKey(k1): %v", err)
	}

	srv.Close()
	cache.refresh = rate.NewLimiter(rate.Inf, 1)
	if _, err := cache.GetKey("k1"); err != nil {
		t.Errorf("expected stale key while the provider is down, got %v", err)
	}
}

func TestJWKSCache_SkipsEncryptionKeys(t *testing.T) {
	srv, _ := jwksServer(t, rsaJWK(t, "enc", "enc"), rsaJWK(t, "sig", "sig"))
	cache := NewJWKSCache(srv.URL, time.Minute)

	if _, err := cache.GetKey("sig"); err != nil {
		t.Fatalf("GetKey(sig): %v", err)
	}
	if _, ok, _ := cache.lookup("enc"); ok {
		t.Error("encryption keys must not be used to verify tokens")
	}
}

func TestParseRSAPublicKey_Invalid(t *testing.T) {
	tests := []JWKSKey{
		{N: "!!", E: "AQAB"},
		{N: "AQAB", E: "!!"},
		{N: "", E: "AQAB"},
		{N: "AQAB", E: "AQ"},
	}
	for _, k := range tests {
		if _, err := parseRSAPublicKey(k); err == nil {
			t.Errorf("expected error for %+v", k)
		}
	}
}
