package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Bucket key namespace segments. One bucket key maps to exactly one
// caller+policy pair; the store's TTL bounds its lifetime.
const (
	Namespace   = "RATELIM"
	SegmentUser = "USR"
	SegmentIPUA = "IPUA"

	// UANone is the sentinel for requests without a User-Agent header.
	UANone = "UA_NONE"

	uaHashLen = 12
)

// UserBucketKey derives the bucket key for an authenticated caller.
func UserBucketKey(userID, policy string) string {
	return Namespace + ":" + SegmentUser + ":" + userID + ":" + policy
}

// IPUABucketKey derives the bucket key for an anonymous caller. The IP is
// hashed in full so raw addresses never appear in the store; the user
// agent contributes a short hash prefix to split NAT'd callers.
func IPUABucketKey(ip, ua, policy string) string {
	ipHash := sha256Hex([]byte(ip))
	return Namespace + ":" + SegmentIPUA + ":" + ipHash + ":" + UserAgentHash(ua) + ":" + policy
}

// UserAgentHash returns the short user-agent hash used in IP+UA keys.
// A missing or blank user agent maps to the UA_NONE sentinel.
func UserAgentHash(ua string) string {
	trimmed := strings.TrimSpace(ua)
	if trimmed == "" {
		return UANone
	}
	return sha256Hex([]byte(trimmed))[:uaHashLen]
}

// ClientIP picks the caller address: the first entry of a forwarded-for
// header when present (comma-split, trimmed), else the transport peer.
func ClientIP(forwardedFor, remoteAddr string) string {
	if forwardedFor != "" {
		first := forwardedFor
		if comma := strings.IndexByte(first, ','); comma >= 0 {
			first = first[:comma]
		}
		first = strings.TrimSpace(first)
		if first != "" {
			return first
		}
	}
	return remoteAddr
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
