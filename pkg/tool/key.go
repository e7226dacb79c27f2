package tool

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON renders a value as deterministic JSON. The value is
// round-tripped through encoding/json so that map keys come out sorted
// and numeric types collapse to their JSON representation, making two
// semantically equal argument sets byte-identical.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize value: %w", err)
	}

	var normalized interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("failed to canonicalize value: %w", err)
	}

	canonical, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize value: %w", err)
	}
	return canonical, nil
}

// IdempotencyKey derives the deduplication key for a tool call. The key
// binds the thread, the step at which the call was planned, the tool name
// and the canonical form of its validated arguments, so a replayed step
// computes the identical key.
func IdempotencyKey(threadID string, step int, toolName string, args map[string]interface{}) (string, error) {
	canonical, err := CanonicalJSON(args)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|", threadID, step, toolName)
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
