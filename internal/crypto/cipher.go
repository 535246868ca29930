package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/sdko-org/vehicle-registry-cache/internal/models"
	"golang.org/x/crypto/argon2"
)

// ErrEncryptionFailed means the cipher backend could not produce output that
// passes the ciphertext shape check. Callers must not persist the record:
// a sensitive field that cannot be protected is never stored in the clear.
var ErrEncryptionFailed = errors.New("field encryption failed")

// ErrDecryptionFailed means a stored ciphertext could not be opened, usually
// a key mismatch or a corrupted row.
var ErrDecryptionFailed = errors.New("field decryption failed")

const (
	nonceSize = 12

	// ciphertextMinHexLen is the shape heuristic shared with the feed
	// normalizer: anything that is at least this many hex characters is
	// treated as already-encrypted and is never re-encrypted.
	ciphertextMinHexLen = 50
)

// FieldCipher encrypts and decrypts individual sensitive fields (plate,
// contract number, debtor tax id) with AES-256-GCM and produces a
// deterministic SHA-256 digest of the normalized plaintext for equality
// search and uniqueness without decryption.
type FieldCipher struct {
	aead cipher.AEAD
}

// NewFieldCipher derives a 256-bit key from the configured passphrase and
// salt with argon2id and prepares the AEAD.
func NewFieldCipher(passphrase, salt string) (*FieldCipher, error) {
	if passphrase == "" || salt == "" {
		return nil, errors.New("cipher passphrase and salt are required")
	}

	key := argon2.IDKey([]byte(passphrase), []byte(salt), 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher init failed: %w", err)
	}

	return &FieldCipher{aead: aead}, nil
}

// IsCiphertextShaped reports whether the value looks like output of Encrypt:
// a hex string of at least 50 characters. Plates, contract numbers and tax
// ids are always shorter than that in plaintext, so the heuristic cannot
// misclassify real field values.
func IsCiphertextShaped(value string) bool {
	if len(value) < ciphertextMinHexLen {
		return false
	}
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// Encrypt returns hex(nonce||ciphertext) for the given plaintext. Blank and
// sentinel values pass through untouched, as do values that are already
// ciphertext-shaped, making encryption idempotent.
func (c *FieldCipher) Encrypt(plain string) (string, error) {
	if isPassthrough(plain) {
		return plain, nil
	}
	if IsCiphertextShaped(plain) {
		return plain, nil
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plain), nil)
	out := hex.EncodeToString(append(nonce, sealed...))

	if !IsCiphertextShaped(out) {
		return "", fmt.Errorf("%w: output failed shape check", ErrEncryptionFailed)
	}
	return out, nil
}

// Decrypt reverses Encrypt. Blank, sentinel and non-ciphertext-shaped values
// pass through untouched; the latter covers legacy rows written before
// encryption was introduced, which the digest backfill also handles.
func (c *FieldCipher) Decrypt(value string) (string, error) {
	if isPassthrough(value) {
		return value, nil
	}
	if !IsCiphertextShaped(value) {
		return value, nil
	}

	raw, err := hex.DecodeString(value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(raw) <= nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	plain, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plain), nil
}

// DigestPlate fingerprints a license plate. The plate is uppercased and
// stripped of everything non-alphanumeric first, so "ABC-1234" and
// "abc 1234" collide to the same digest.
func DigestPlate(plate string) string {
	if isPassthrough(plate) {
		return ""
	}
	normalized := stripNonAlphanumeric(strings.ToUpper(plate))
	return digest(normalized)
}

// DigestContract fingerprints a contract number, stripped of formatting
// characters so "12.345/67" and "1234567" collide to the same digest.
func DigestContract(contract string) string {
	if isPassthrough(contract) {
		return ""
	}
	normalized := stripNonAlphanumeric(contract)
	return digest(normalized)
}

func digest(normalized string) string {
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func stripNonAlphanumeric(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isPassthrough(value string) bool {
	trimmed := strings.TrimSpace(value)
	return trimmed == "" || trimmed == models.NotProvided
}
