package crypto

import (
	"encoding/json"

	canonicaljson "github.com/gibson042/canonicaljson-go"
)

// MarshalCanonical marshals v to canonical JSON bytes (JCS ordering rules).
func MarshalCanonical(v any) ([]byte, error) {
	return canonicaljson.Marshal(v)
}

// CanonicalizeRawJSON canonicalizes raw JSON bytes. Unknown fields survive, so the
// output can be hashed when verifying a fetched document verbatim (did:webvh).
func CanonicalizeRawJSON(data []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return canonicaljson.Marshal(v)
}
