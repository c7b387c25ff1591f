// ABOUTME: Tests for commitment hashes and transparency digests
// ABOUTME: Covers verify round-trips, tamper detection, and digest stability

package commit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitment_MatchesPreimageFormat(t *testing.T) {
	// The commitment is sha256 over "<target>|<nonce>".
	sum := sha256.Sum256([]byte("42|deadbeef"))
	assert.Equal(t, hex.EncodeToString(sum[:]), Commitment(42, "deadbeef"))
}

func TestVerify_RoundTrip(t *testing.T) {
	for i := 0; i < 1000; i++ {
		target := rand.IntN(10000) - 5000
		nonce := fmt.Sprintf("%016x", rand.Uint64())
		c := Commitment(target, nonce)

		assert.True(t, Verify(target, nonce, c))
		assert.False(t, Verify(target+1, nonce, c))
		assert.False(t, Verify(target, nonce+"0", c))
	}
}

func TestCommitment_HidesTarget(t *testing.T) {
	// Same target, different nonce: unlinkable commitments.
	a := Commitment(42, "nonce-a")
	b := Commitment(42, "nonce-b")
	assert.NotEqual(t, a, b)
}

func TestDigest_Prefix(t *testing.T) {
	d := Digest("builtin://guess_bot")
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, d)
	assert.Equal(t, d, Digest("builtin://guess_bot"))
	assert.NotEqual(t, d, Digest("builtin://other_bot"))
}

func TestManifestDigest_Stable(t *testing.T) {
	// Map key order must not affect the digest.
	a, err := ManifestDigest(map[string]any{"hooks": []string{"on_init"}, "summary": "x"})
	require.NoError(t, err)
	b, err := ManifestDigest(map[string]any{"summary": "x", "hooks": []string{"on_init"}})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := ManifestDigest(map[string]any{"summary": "y", "hooks": []string{"on_init"}})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
