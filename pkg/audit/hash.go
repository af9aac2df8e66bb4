package audit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// StableHash returns the hex blake3 digest of v's canonical JSON encoding.
// Map keys are encoded in sorted order, so equal rows hash equally regardless
// of construction order.
func StableHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("audit: hash payload: %w", err)
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
