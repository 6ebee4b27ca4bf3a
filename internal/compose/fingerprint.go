package compose

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Fingerprint hashes a compose file or services document. Line endings and
// trailing blank lines are normalized first, so an editor that rewrites CRLF
// or appends a newline does not register as a change.
func Fingerprint(body []byte) (string, error) {
	normalized := bytes.ReplaceAll(body, []byte("\r\n"), []byte("\n"))
	normalized = bytes.TrimRight(normalized, "\n")
	if len(bytes.TrimSpace(normalized)) == 0 {
		return "", errors.New("body is empty")
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), nil
}
