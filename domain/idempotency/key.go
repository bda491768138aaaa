package idempotency

import "strings"

// KeyPrefix namespaces idempotency records in the shared store.
const KeyPrefix = "IDEM:"

// BuildKey derives the store key for one idempotent request. The caller
// scope isolates tenants; the normalized path makes retries agree on a key
// regardless of query strings or redundant slashes.
func BuildKey(scope, method, rawPath, token string) string {
	return KeyPrefix + scope + ":" + method + ":" + NormalizePath(rawPath) + ":" + token
}

// NormalizePath strips the query string, collapses duplicate slashes, and
// removes a single trailing slash (the root path stays "/").
func NormalizePath(rawPath string) string {
	if rawPath == "" {
		return ""
	}

	path := rawPath
	if q := strings.IndexByte(path, '?'); q >= 0 {
		path = path[:q]
	}

	path = collapseSlashes(path)

	if len(path) > 1 && path[len(path)-1] == '/' {
		path = path[:len(path)-1]
	}

	return path
}

func collapseSlashes(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	prevSlash := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '/' {
			if !prevSlash {
				sb.WriteByte(c)
			}
			prevSlash = true
			continue
		}
		sb.WriteByte(c)
		prevSlash = false
	}
	return sb.String()
}
