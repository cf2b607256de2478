package tools

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode"
)

// The content filter enforces the no-exploit-content constraint structurally:
// invocation inputs and results pass through it before being handed to or
// received from the oracle, rather than relying on convention.

// maxInlineValueLen bounds any single string value. Payload blobs and dumped
// shell output are far larger than legitimate option values.
const maxInlineValueLen = 2048

// blockedKeys are input keys that would carry payload bytes or credential
// material. These never appear in the declared schemas, but the filter guards
// against them independently.
var blockedKeys = []string{
	"payload_bytes", "shellcode", "stager", "password", "passwd",
	"secret", "private_key", "credential", "hashdump",
}

// redactedMarker replaces filtered result values.
const redactedMarker = "[filtered]"

// ScrubInputs validates invocation inputs before they reach the gateway.
// Returns ErrContentBlocked when an input carries payload or credential
// content.
func ScrubInputs(inputs map[string]any) error {
	for key, value := range inputs {
		lk := strings.ToLower(key)
		for _, blocked := range blockedKeys {
			if strings.Contains(lk, blocked) {
				return fmt.Errorf("%w: key %q", ErrContentBlocked, key)
			}
		}
		if err := checkInputValue(key, value); err != nil {
			return err
		}
	}
	return nil
}

// checkInputValue applies the string checks recursively: arrays and nested
// objects carry content as easily as top-level values.
func checkInputValue(key string, value any) error {
	switch v := value.(type) {
	case string:
		if len(v) > maxInlineValueLen {
			return fmt.Errorf("%w: value for %q exceeds %d bytes", ErrContentBlocked, key, maxInlineValueLen)
		}
		if looksBinary(v) {
			return fmt.Errorf("%w: value for %q contains binary content", ErrContentBlocked, key)
		}
		if looksLikePayloadBlob(v) {
			return fmt.Errorf("%w: value for %q looks like an encoded payload", ErrContentBlocked, key)
		}
	case []any:
		for _, el := range v {
			if err := checkInputValue(key, el); err != nil {
				return err
			}
		}
	case map[string]any:
		return ScrubInputs(v)
	}
	return nil
}

// ScrubResult sanitizes a framework result before it is stored or shown to the
// oracle. Oversized, binary, or blob-like values are replaced in place of
// failing the invocation: the call already happened.
func ScrubResult(result map[string]any) map[string]any {
	if result == nil {
		return nil
	}
	out := make(map[string]any, len(result))
	for key, value := range result {
		lk := strings.ToLower(key)
		blocked := false
		for _, b := range blockedKeys {
			if strings.Contains(lk, b) {
				blocked = true
				break
			}
		}
		if blocked {
			out[key] = redactedMarker
			continue
		}

		out[key] = scrubResultValue(value)
	}
	return out
}

// scrubResultValue sanitizes one result value, descending into arrays and
// nested objects. Session and module listings arrive as arrays of records;
// credential material hides there as easily as at the top level.
func scrubResultValue(value any) any {
	switch v := value.(type) {
	case string:
		if len(v) > maxInlineValueLen || looksBinary(v) || looksLikePayloadBlob(v) {
			return redactedMarker
		}
		return v
	case map[string]any:
		return ScrubResult(v)
	case []any:
		out := make([]any, len(v))
		for i, el := range v {
			out[i] = scrubResultValue(el)
		}
		return out
	default:
		return v
	}
}

// looksBinary reports whether the string carries non-printable bytes.
func looksBinary(s string) bool {
	for _, r := range s {
		if r == unicode.ReplacementChar {
			return true
		}
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// looksLikePayloadBlob detects long decodable base64 runs, the usual shape of
// inlined payloads.
func looksLikePayloadBlob(s string) bool {
	const blobThreshold = 256

	run := 0
	start := -1
	for i, r := range s {
		if isBase64Rune(r) {
			if start < 0 {
				start = i
			}
			run++
			if run >= blobThreshold {
				candidate := s[start : start+run]
				if _, err := base64.StdEncoding.DecodeString(strings.TrimRight(candidate, "=")); err == nil {
					return true
				}
				// Raw base64 without padding alignment still counts.
				if _, err := base64.RawStdEncoding.DecodeString(candidate); err == nil {
					return true
				}
			}
		} else {
			run = 0
			start = -1
		}
	}
	return false
}

func isBase64Rune(r rune) bool {
	return r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '+' || r == '/' || r == '='
}
