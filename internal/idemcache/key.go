package idemcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Normalize renders a JSON payload in canonical form: nil fields stripped,
// object keys sorted lexicographically, arrays in original order, numbers in
// Go's shortest exact decimal form. Two payloads with the same semantic
// content normalize to identical bytes, which is what makes the derived key
// stable across whitespace, key order, and absent-vs-null differences.
func Normalize(raw []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	v = stripNulls(v)
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	return out, nil
}

func stripNulls(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			if val == nil {
				delete(t, k)
				continue
			}
			t[k] = stripNulls(val)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = stripNulls(val)
		}
		return t
	default:
		return v
	}
}

// Key derives the idempotency key: hex(SHA-256(namespace ‖ canonical ‖ salt)).
// canonical must already be in Normalize form.
func Key(namespace string, canonical []byte, salt string) string {
	h := sha256.New()
	h.Write([]byte(namespace))
	h.Write(canonical)
	if salt != "" {
		h.Write([]byte(salt))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// KeyFor normalizes raw and derives the key in one step.
func KeyFor(namespace string, raw []byte, salt string) (string, error) {
	canonical, err := Normalize(raw)
	if err != nil {
		return "", err
	}
	return Key(namespace, canonical, salt), nil
}
