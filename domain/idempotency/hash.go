package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// HashBody produces the content digest used for conflict detection.
//
// JSON bodies are canonicalized first so that two semantically identical
// payloads differing only in object key order hash identically. Array
// element order is significant and preserved. Non-JSON bodies are digested
// as raw bytes. This function never fails: unparseable JSON falls back to
// digesting the trimmed raw text.
func HashBody(body []byte, contentType string) string {
	if len(body) == 0 {
		return sha256Hex(nil)
	}
	if strings.Contains(strings.ToLower(contentType), "json") {
		return sha256Hex([]byte(CanonicalizeJSON(body)))
	}
	return sha256Hex(body)
}

// CanonicalizeJSON re-serializes a JSON document with all object member
// names sorted lexicographically at every depth. Scalars and array order
// pass through unchanged. Invalid JSON returns the trimmed raw text.
func CanonicalizeJSON(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()

	var node any
	if err := dec.Decode(&node); err != nil {
		return strings.TrimSpace(string(body))
	}

	var sb strings.Builder
	if err := writeCanonical(&sb, node); err != nil {
		return strings.TrimSpace(string(body))
	}
	return sb.String()
}

func writeCanonical(sb *strings.Builder, node any) error {
	switch v := node.(type) {
	case map[string]any:
		names := make([]string, 0, len(v))
		for name := range v {
			names = append(names, name)
		}
		sort.Strings(names)

		sb.WriteByte('{')
		for i, name := range names {
			if i > 0 {
				sb.WriteByte(',')
			}
			encoded, err := json.Marshal(name)
			if err != nil {
				return err
			}
			sb.Write(encoded)
			sb.WriteByte(':')
			if err := writeCanonical(sb, v[name]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
		return nil

	case []any:
		sb.WriteByte('[')
		for i, el := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, el); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
		return nil

	case json.Number:
		sb.WriteString(v.String())
		return nil

	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		sb.Write(encoded)
		return nil
	}
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
