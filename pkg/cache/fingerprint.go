package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Fingerprint computes the stable hash of tool arguments used as the cache
// key. The arguments are canonicalized first — object keys sorted, no
// insignificant whitespace — so that semantically identical JSON produces
// identical fingerprints regardless of key order or formatting.
//
// Arguments that fail to parse as JSON are hashed verbatim: they still get
// a stable key, just without canonicalization.
func Fingerprint(arguments string) string {
	canonical := arguments
	trimmed := strings.TrimSpace(arguments)
	if trimmed != "" {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			// encoding/json marshals map keys in sorted order and emits
			// no insignificant whitespace — exactly the canonical form.
			if data, err := json.Marshal(v); err == nil {
				canonical = string(data)
			}
		}
	}

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// nonIdempotentPrefixes are write-like tool-name verbs that disable caching
// when the descriptor does not state idempotency.
var nonIdempotentPrefixes = []string{"create", "update", "delete", "write", "insert"}

// Cacheable reports whether a tool's results may be cached.
// readOnlyHint, when known from the tool descriptor, is authoritative;
// otherwise write-like verb prefixes are assumed non-idempotent.
func Cacheable(toolName string, readOnlyHint *bool) bool {
	if readOnlyHint != nil {
		return *readOnlyHint
	}
	lower := strings.ToLower(toolName)
	for _, prefix := range nonIdempotentPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return false
		}
	}
	return true
}
