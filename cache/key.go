package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Key derives the cache key for a call to op. Keyword arguments are
// encoded as a JSON object, whose keys encoding/json sorts, so two calls
// differing only in keyword order map to the same key. The op name stays
// readable as a prefix so whole operations can be invalidated with
// "op:*".
func Key(op string, args []any, kwargs map[string]any) (string, error) {
	payload := struct {
		Args   []any          `json:"a"`
		Kwargs map[string]any `json:"k"`
	}{Args: args, Kwargs: kwargs}
	if payload.Args == nil {
		payload.Args = []any{}
	}
	if payload.Kwargs == nil {
		payload.Kwargs = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("cache: key for %s: %w", op, err)
	}
	sum := sha256.Sum256(append([]byte(op+":"), b...))
	return op + ":" + hex.EncodeToString(sum[:]), nil
}

// MustKey is Key for arguments known to be JSON-encodable.
func MustKey(op string, args ...any) string {
	k, err := Key(op, args, nil)
	if err != nil {
		panic(err)
	}
	return k
}
