package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T) *FieldCipher {
	t.Helper()
	cipher, err := NewFieldCipher("test-passphrase", "test-salt")
	require.NoError(t, err)
	return cipher
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	cipher := newTestCipher(t)

	for _, plain := range []string{"ABC1234", "12.345/67-89", "a", strings.Repeat("x", 49)} {
		encrypted, err := cipher.Encrypt(plain)
		require.NoError(t, err)
		assert.NotEqual(t, plain, encrypted)
		assert.True(t, IsCiphertextShaped(encrypted), "ciphertext must pass the shape check")

		decrypted, err := cipher.Decrypt(encrypted)
		require.NoError(t, err)
		assert.Equal(t, plain, decrypted)
	}
}

func TestEncryptIsIdempotent(t *testing.T) {
	cipher := newTestCipher(t)

	encrypted, err := cipher.Encrypt("ABC1234")
	require.NoError(t, err)

	again, err := cipher.Encrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, encrypted, again, "re-encrypting ciphertext must be a no-op")
}

func TestEncryptDecryptPassthrough(t *testing.T) {
	cipher := newTestCipher(t)

	tests := []struct {
		name  string
		value string
	}{
		{"empty", ""},
		{"blank", "   "},
		{"sentinel", "N/A"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encrypted, err := cipher.Encrypt(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.value, encrypted)

			decrypted, err := cipher.Decrypt(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.value, decrypted)
		})
	}
}

func TestDecryptLeavesLegacyPlaintextAlone(t *testing.T) {
	cipher := newTestCipher(t)

	decrypted, err := cipher.Decrypt("ABC1234")
	require.NoError(t, err)
	assert.Equal(t, "ABC1234", decrypted)
}

func TestDecryptRejectsCorruptedCiphertext(t *testing.T) {
	cipher := newTestCipher(t)

	_, err := cipher.Decrypt(strings.Repeat("ab", 30))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptWithDifferentKeyFails(t *testing.T) {
	cipher := newTestCipher(t)
	other, err := NewFieldCipher("other-passphrase", "other-salt")
	require.NoError(t, err)

	encrypted, err := cipher.Encrypt("ABC1234")
	require.NoError(t, err)

	_, err = other.Decrypt(encrypted)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDigestPlateFormatInsensitive(t *testing.T) {
	assert.Equal(t, DigestPlate("ABC-1234"), DigestPlate("abc 1234"))
	assert.Equal(t, DigestPlate("ABC1234"), DigestPlate("a.b.c-12 34"))
	assert.NotEqual(t, DigestPlate("ABC1234"), DigestPlate("ABC1235"))
	assert.Len(t, DigestPlate("ABC1234"), 64)
}

func TestDigestContractFormatInsensitive(t *testing.T) {
	assert.Equal(t, DigestContract("12.345/67"), DigestContract("1234567"))
	assert.NotEqual(t, DigestContract("1234567"), DigestContract("1234568"))
	// Contract normalization keeps case, unlike plates.
	assert.NotEqual(t, DigestContract("abc123"), DigestContract("ABC123"))
	assert.Len(t, DigestContract("1234567"), 64)
}

func TestDigestSentinelIsEmpty(t *testing.T) {
	assert.Empty(t, DigestPlate(""))
	assert.Empty(t, DigestPlate("N/A"))
	assert.Empty(t, DigestContract(""))
	assert.Empty(t, DigestContract("N/A"))
}

func TestIsCiphertextShaped(t *testing.T) {
	assert.True(t, IsCiphertextShaped(strings.Repeat("a1", 25)))
	assert.False(t, IsCiphertextShaped(strings.Repeat("a1", 24)), "below minimum length")
	assert.False(t, IsCiphertextShaped(strings.Repeat("g1", 25)), "non-hex characters")
	assert.False(t, IsCiphertextShaped("ABC1234"))
}

func TestNewFieldCipherRequiresSecrets(t *testing.T) {
	_, err := NewFieldCipher("", "salt")
	assert.Error(t, err)
	_, err = NewFieldCipher("pass", "")
	assert.Error(t, err)
}
