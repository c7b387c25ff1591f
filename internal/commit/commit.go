// ABOUTME: Hash commitment helpers for the commit/reveal fairness protocol
// ABOUTME: Also provides sha256 digests used in bot attachment transparency messages

package commit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Commitment returns the hex SHA-256 digest of "<target>|<nonce>".
// Publishing it before play fixes the target: the committer cannot change
// the value later without the reveal failing verification.
func Commitment(target int, nonce string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%d|%s", target, nonce))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether target and nonce recompute to commitment.
func Verify(target int, nonce, commitment string) bool {
	return Commitment(target, nonce) == commitment
}

// Digest returns a "sha256:<hex>" digest of arbitrary content, used to
// fingerprint bot code references.
func Digest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ManifestDigest returns a "sha256:<hex>" digest of the canonical JSON
// encoding of v. encoding/json emits map keys in sorted order, which makes
// the encoding canonical for the manifest shapes used here.
func ManifestDigest(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding manifest: %w", err)
	}
	return Digest(string(data)), nil
}
