package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet provides verification keys for bearer tokens.
type KeySet interface {
	// KeyFunc returns the key for verification based on the token header.
	KeyFunc() jwt.Keyfunc
}

// StaticKeySet serves fixed keys by kid. Used in tests and for HMAC dev
// setups.
type StaticKeySet struct {
	Keys map[string]any // kid -> public key or []byte HMAC secret
}

func (s *StaticKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key, ok := s.Keys[kid]
		if !ok {
			return nil, fmt.Errorf("key not found: %q", kid)
		}
		return key, nil
	}
}

// jwk is the subset of RFC 7517 we consume.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
}

// JWKSKeySet fetches keys from an OIDC JWKS endpoint and caches them for a
// TTL. An unknown kid forces a refresh so rotation picks up immediately.
type JWKSKeySet struct {
	URL    string
	TTL    time.Duration
	Client *http.Client

	mu        sync.RWMutex
	keys      map[string]any
	fetchedAt time.Time
}

// NewJWKSKeySet builds a key set over url with a 15 minute cache.
func NewJWKSKeySet(url string) *JWKSKeySet {
	return &JWKSKeySet{
		URL:    url,
		TTL:    15 * time.Minute,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (ks *JWKSKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodEd25519:
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("missing kid in header")
		}
		if key := ks.lookup(kid); key != nil {
			return key, nil
		}
		if err := ks.refresh(context.Background()); err != nil {
			return nil, err
		}
		if key := ks.lookup(kid); key != nil {
			return key, nil
		}
		return nil, fmt.Errorf("key not found: %q", kid)
	}
}

func (ks *JWKSKeySet) lookup(kid string) any {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if time.Since(ks.fetchedAt) > ks.TTL {
		return nil
	}
	return ks.keys[kid]
}

func (ks *JWKSKeySet) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.URL, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}
	resp, err := ks.Client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(map[string]any, len(doc.Keys))
	for _, k := range doc.Keys {
		pub, err := k.publicKey()
		if err != nil {
			continue // skip unusable entries, keep the rest
		}
		keys[k.Kid] = pub
	}
	ks.mu.Lock()
	ks.keys = keys
	ks.fetchedAt = time.Now()
	ks.mu.Unlock()
	return nil
}

func (k jwk) publicKey() (any, error) {
	switch k.Kty {
	case "RSA":
		nb, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, fmt.Errorf("decode modulus: %w", err)
		}
		eb, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, fmt.Errorf("decode exponent: %w", err)
		}
		e := 0
		for _, b := range eb {
			e = e<<8 | int(b)
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
	case "OKP":
		if k.Crv != "Ed25519" {
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		xb, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, fmt.Errorf("decode x: %w", err)
		}
		return ed25519.PublicKey(xb), nil
	default:
		return nil, fmt.Errorf("unsupported kty %q", k.Kty)
	}
}
