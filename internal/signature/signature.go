package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Sign returns the hex encoded HMAC-SHA256 of payload keyed by secret.
// An empty secret yields an empty signature; the delivery is then unsigned.
//
// payload must be the exact bytes put on the wire, see Canonicalize.
func Sign(secret string, payload []byte) string {
	if secret == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches payload under secret in constant time.
func Verify(secret string, payload []byte, signature string) bool {
	if secret == "" {
		return signature == ""
	}

	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}

// Canonicalize serializes v into compact JSON with object keys sorted.
// Raw JSON input is decoded and re-encoded so that equal documents produce equal bytes.
func Canonicalize(v any) (json.RawMessage, error) {
	var raw []byte
	switch value := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		raw = value
	case []byte:
		raw = value
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		raw = encoded
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var doc any
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	if decoder.More() {
		return nil, fmt.Errorf("invalid JSON payload: trailing data")
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return out, nil
}
