package partners

import "encoding/json"

// RedactPII removes the named fields anywhere in the payload's object
// tree. The redacted form feeds the idempotency hash so two submissions
// differing only in PII content still collide on the same key, and so PII
// never reaches the cache or logs. Returns the payload unchanged when it
// is not valid JSON or no fields are configured.
func RedactPII(payload []byte, fields []string) []byte {
	if len(fields) == 0 {
		return payload
	}
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return payload
	}
	drop := make(map[string]bool, len(fields))
	for _, f := range fields {
		drop[f] = true
	}
	v = redactTree(v, drop)
	out, err := json.Marshal(v)
	if err != nil {
		return payload
	}
	return out
}

func redactTree(v interface{}, drop map[string]bool) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			if drop[k] {
				delete(t, k)
				continue
			}
			t[k] = redactTree(val, drop)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = redactTree(val, drop)
		}
		return t
	default:
		return v
	}
}
