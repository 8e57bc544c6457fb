package task

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint computes the content hash identifying a unit of work:
// sha256 over the payload kind, canonicalized parameters, and target.
// Two tasks with equal fingerprints describe identical work on the same
// node, which is what the deduplication cache keys on.
func Fingerprint(p Payload, target string) string {
	h := sha256.New()
	h.Write([]byte(p.Kind))
	h.Write([]byte{0})
	h.Write(canonicalParams(p.Parameters))
	h.Write([]byte{0})
	h.Write([]byte(target))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalParams compacts the JSON parameter bytes so whitespace
// differences do not defeat deduplication. Invalid JSON hashes as-is.
func canonicalParams(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
