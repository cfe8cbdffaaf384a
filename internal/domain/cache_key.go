package domain

import (
	"fmt"
	"maps"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// Fingerprint is the digest identifying a CacheKey.
type Fingerprint [32]byte

// CacheKey is the normalized identity of a request used for decision caching.
// Query and header maps are order-independent: two keys with the same content
// always produce the same Fingerprint.
type CacheKey struct {
	Path     string
	Method   string
	Query    map[string]string
	Headers  map[string]string
	Body     string
	SourceIP string
}

// canonicalKey is the encoded form. Nil maps are normalized to empty ones so
// that a missing query string and an empty one fingerprint identically.
type canonicalKey struct {
	Path     string            `cbor:"1,keyasint"`
	Method   string            `cbor:"2,keyasint"`
	Query    map[string]string `cbor:"3,keyasint"`
	Headers  map[string]string `cbor:"4,keyasint"`
	Body     string            `cbor:"5,keyasint"`
	SourceIP string            `cbor:"6,keyasint"`
}

// Core Deterministic Encoding (RFC 8949 §4.2) sorts map keys.
var fingerprintEncMode cbor.EncMode

func init() {
	var err error
	fingerprintEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("domain: CBOR encoder initialization failed: " + err.Error())
	}
}

// Fingerprint hashes the canonical encoding of the key.
func (k CacheKey) Fingerprint() Fingerprint {
	canonical := canonicalKey{
		Path:     k.Path,
		Method:   k.Method,
		Query:    normalizeMap(k.Query),
		Headers:  normalizeMap(k.Headers),
		Body:     k.Body,
		SourceIP: k.SourceIP,
	}
	data, err := fingerprintEncMode.Marshal(canonical)
	if err != nil {
		// fmt prints maps in sorted key order, so this stays deterministic.
		data = []byte(fmt.Sprintf("%q", canonical))
	}
	return Fingerprint(blake3.Sum256(data))
}

// Equal reports structural equality over every field.
func (k CacheKey) Equal(other CacheKey) bool {
	return k.Path == other.Path &&
		k.Method == other.Method &&
		k.Body == other.Body &&
		k.SourceIP == other.SourceIP &&
		maps.Equal(k.Query, other.Query) &&
		maps.Equal(k.Headers, other.Headers)
}

func normalizeMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
