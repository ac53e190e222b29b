package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"strings"

	"caseguard/internal/sentinel"
	dErrors "caseguard/pkg/domain-errors"
)

// envelopeVersion prefixes every stored ciphertext so the format can evolve.
// Layout: cgv1:<keyID>:<base64(nonce || ciphertext)>.
const envelopeVersion = "cgv1"

// Sealed is an opaque versioned ciphertext envelope for a protected field.
//
// It deliberately has no String method that yields plaintext: every read site
// must call Open and decide what to do with a DecryptFailure, so a failed
// decrypt can never silently render as an empty field.
type Sealed struct {
	envelope string
}

// SealedFromStorage wraps an envelope loaded from a store without validating it.
// Validation happens on Open.
func SealedFromStorage(envelope string) Sealed {
	return Sealed{envelope: envelope}
}

// Envelope returns the storable ciphertext representation.
func (s Sealed) Envelope() string { return s.envelope }

// IsZero reports whether no value was ever sealed. This is the "nothing was
// recorded here" case, distinct from a value that exists but cannot be opened.
func (s Sealed) IsZero() bool { return s.envelope == "" }

// KeyID returns the key identifier the envelope was sealed under, or "" when
// the envelope is malformed.
func (s Sealed) KeyID() string {
	parts := strings.SplitN(s.envelope, ":", 3)
	if len(parts) != 3 || parts[0] != envelopeVersion {
		return ""
	}
	return parts[1]
}

// Seal encrypts a plaintext under the keyring's current key.
// An empty plaintext seals to the zero Sealed so "no data" stays unencrypted
// and distinguishable from an encrypted empty-looking value.
func (kr *Keyring) Seal(plaintext string) (Sealed, error) {
	if plaintext == "" {
		return Sealed{}, nil
	}
	key := kr.sealKey()

	nonce := make([]byte, key.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, dErrors.Wrap(err, dErrors.CodeInternal, "could not generate nonce")
	}

	// The version and key ID are bound as additional data so a swapped header
	// fails authentication instead of decrypting under the wrong key.
	aad := []byte(envelopeVersion + ":" + key.ID)
	ciphertext := key.aead.Seal(nonce, nonce, []byte(plaintext), aad)

	encoded := base64.RawStdEncoding.EncodeToString(ciphertext)
	return Sealed{envelope: envelopeVersion + ":" + key.ID + ":" + encoded}, nil
}

// Open decrypts an envelope under whichever ring key sealed it.
//
// Errors: always CodeDecryptFailed, wrapping sentinel.ErrUnknownKey when the
// sealing key has left the ring and sentinel.ErrCiphertext when the envelope
// is malformed or fails authentication. Callers recover at the field boundary
// and render a visible unavailable marker; they never treat a failure as an
// empty field.
func (kr *Keyring) Open(s Sealed) (string, error) {
	if s.IsZero() {
		return "", nil
	}

	parts := strings.SplitN(s.envelope, ":", 3)
	if len(parts) != 3 || parts[0] != envelopeVersion {
		return "", dErrors.Wrap(sentinel.ErrCiphertext, dErrors.CodeDecryptFailed, "unrecognized envelope format")
	}
	keyID := parts[1]

	key, ok := kr.keyFor(keyID)
	if !ok {
		return "", dErrors.Wrap(sentinel.ErrUnknownKey, dErrors.CodeDecryptFailed, "no key in ring for ID "+keyID)
	}

	raw, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", dErrors.Wrap(sentinel.ErrCiphertext, dErrors.CodeDecryptFailed, "envelope payload is not valid base64")
	}
	if len(raw) < key.aead.NonceSize() {
		return "", dErrors.Wrap(sentinel.ErrCiphertext, dErrors.CodeDecryptFailed, "envelope payload too short")
	}

	nonce, ciphertext := raw[:key.aead.NonceSize()], raw[key.aead.NonceSize():]
	aad := []byte(envelopeVersion + ":" + keyID)
	plaintext, err := key.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return "", dErrors.Wrap(sentinel.ErrCiphertext, dErrors.CodeDecryptFailed, "envelope failed authentication")
	}
	return string(plaintext), nil
}

// IsWellFormed reports whether an envelope has the expected layout without
// attempting decryption. The security self-check uses it to detect plaintext
// that leaked into a protected-field column.
func IsWellFormed(envelope string) bool {
	if envelope == "" {
		return true
	}
	parts := strings.SplitN(envelope, ":", 3)
	if len(parts) != 3 || parts[0] != envelopeVersion || parts[1] == "" {
		return false
	}
	_, err := base64.RawStdEncoding.DecodeString(parts[2])
	return err == nil
}
