// Package auth holds the signature hook the pipeline calls before admission.
// Verification algorithms live upstream; this package only defines the seam.
package auth

import (
	"encoding/binary"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/blake2b"
)

type Verifier interface {
	Verify(payload, publicKey []byte) bool
}

// VerifierFunc adapts a function to Verifier
type VerifierFunc func(payload, publicKey []byte) bool

func (f VerifierFunc) Verify(payload, publicKey []byte) bool {
	return f(payload, publicKey)
}

// AcceptAll trusts every payload. Used when authentication already happened upstream.
type AcceptAll struct{}

func (AcceptAll) Verify([]byte, []byte) bool {
	return true
}

// CachedVerifier memoizes verification results of an inner verifier, keyed by
// a hash of the payload and key
type CachedVerifier struct {
	inner Verifier
	cache *lru.Cache
}

func NewCachedVerifier(inner Verifier, size int) (*CachedVerifier, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachedVerifier{inner: inner, cache: cache}, nil
}

func (c *CachedVerifier) Verify(payload, publicKey []byte) bool {
	key := cacheKey(payload, publicKey)
	if cached, ok := c.cache.Get(key); ok {
		return cached.(bool)
	}
	ok := c.inner.Verify(payload, publicKey)
	c.cache.Add(key, ok)
	return ok
}

func (c *CachedVerifier) Len() int {
	return c.cache.Len()
}

func cacheKey(payload, publicKey []byte) [32]byte {
	h, _ := blake2b.New256(nil)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(publicKey)))
	h.Write(n[:])
	h.Write(publicKey)
	h.Write(payload)
	var ret [32]byte
	copy(ret[:], h.Sum(nil))
	return ret
}
