// Package keyhash implements the KeyHasher component of the controller
// engine (spec section 4.2): a deterministic, total, prefix-preserving
// fingerprint of an ordered key tuple.
//
// Design Notes:
//   - Each element is framed netstring-style ("<len>:<text>") before
//     concatenation, so no separator discipline or escaping is
//     needed: the explicit length makes every frame boundary
//     unambiguous, which is what makes the prefix-preservation
//     invariant hold for free.
//   - Grounded on pkg/utils/encoding.go's explicit length/marshal
//     helpers and pkg/utils/pattern.go's prefix-matching used by
//     cachemanager's invalidate(prefix).
package keyhash

import (
	"fmt"
	"strconv"
	"strings"
)

// Hasher computes a deterministic fingerprint for a key tuple.
type Hasher interface {
	Hash(key []any) string
}

// CanonicalHasher is the default strategy described in spec.md
// section 4.2.
type CanonicalHasher struct{}

// NewCanonicalHasher returns the default, prefix-preserving hasher.
func NewCanonicalHasher() *CanonicalHasher { return &CanonicalHasher{} }

// Hash renders each element with a stable canonical encoding and
// frames it with an explicit length prefix, so that for any tuple A
// that is a prefix of tuple B, Hash(A) is a literal string prefix of
// Hash(B).
func (CanonicalHasher) Hash(key []any) string {
	var b strings.Builder
	for _, elem := range key {
		text := encodeElement(elem)
		b.WriteString(strconv.Itoa(len(text)))
		b.WriteByte(':')
		b.WriteString(text)
	}
	return b.String()
}

// encodeElement renders a single key element as canonical text,
// type-tagged so that e.g. the int 1 and the string "1" never
// collide.
func encodeElement(v any) string {
	switch t := v.(type) {
	case string:
		return "s:" + t
	case bool:
		if t {
			return "b:1"
		}
		return "b:0"
	case nil:
		return "n:"
	default:
		return fmt.Sprintf("g:%v", t)
	}
}

// IsPrefix reports whether prefixHash is a string prefix of keyHash,
// i.e. whether the tuple that produced prefixHash is a tuple-prefix
// of the one that produced keyHash.
func IsPrefix(prefixHash, keyHash string) bool {
	return strings.HasPrefix(keyHash, prefixHash)
}
