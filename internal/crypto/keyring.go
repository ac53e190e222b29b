// Package crypto implements the field-level encryption service: an authenticated
// envelope codec over a multi-key keyring so protected fields stay readable
// across key rotations while new writes always land on the current key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"strings"
	"sync"

	dErrors "caseguard/pkg/domain-errors"
)

// Key is a parsed sealing key. The ID travels in every envelope so the keyring
// can pick the right key on open.
type Key struct {
	ID   string
	aead cipher.AEAD
}

// ParseKey parses "keyID:base64(32 bytes)" key material from the environment.
//
// Errors: CodeConfiguration for any malformed value. Callers must treat that as
// fatal at startup - there is no default key.
func ParseKey(material string) (Key, error) {
	keyID, encoded, ok := strings.Cut(material, ":")
	if !ok || keyID == "" {
		return Key{}, dErrors.New(dErrors.CodeConfiguration, "key material must be keyID:base64")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Key{}, dErrors.Wrap(err, dErrors.CodeConfiguration, "key material is not valid base64")
	}
	if len(raw) != 32 {
		return Key{}, dErrors.New(dErrors.CodeConfiguration, "key must be exactly 32 bytes")
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return Key{}, dErrors.Wrap(err, dErrors.CodeConfiguration, "could not initialize cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return Key{}, dErrors.Wrap(err, dErrors.CodeConfiguration, "could not initialize AEAD")
	}
	return Key{ID: keyID, aead: aead}, nil
}

// Keyring holds the current sealing key plus retired decrypt-only keys.
// It is process-wide, read-mostly state: loaded once at startup and swapped
// only by an explicit operator-triggered rotation.
type Keyring struct {
	mu      sync.RWMutex
	current Key
	retired map[string]Key
}

// LoadKeyring builds a keyring from raw env key material.
// The first argument is the current key; retired keys remain valid for open only.
func LoadKeyring(current string, retired []string) (*Keyring, error) {
	cur, err := ParseKey(current)
	if err != nil {
		return nil, err
	}
	kr := &Keyring{current: cur, retired: make(map[string]Key)}
	for _, material := range retired {
		key, err := ParseKey(material)
		if err != nil {
			return nil, err
		}
		if key.ID == cur.ID {
			return nil, dErrors.New(dErrors.CodeConfiguration, "retired key shares ID with current key: "+key.ID)
		}
		kr.retired[key.ID] = key
	}
	return kr, nil
}

// CurrentID returns the ID new envelopes will be sealed under.
func (kr *Keyring) CurrentID() string {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.current.ID
}

// KeyIDs returns every key ID the ring can open, current first.
func (kr *Keyring) KeyIDs() []string {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	ids := make([]string, 0, len(kr.retired)+1)
	ids = append(ids, kr.current.ID)
	for id := range kr.retired {
		ids = append(ids, id)
	}
	return ids
}

// Promote installs a new current key and demotes the old one to retired.
// The swap is atomic under the keyring lock, so a seal racing a rotation is
// deterministically sealed under exactly one of the two keys - never a key
// that has already left the ring.
func (kr *Keyring) Promote(newKey Key) error {
	if newKey.aead == nil {
		return dErrors.New(dErrors.CodeConfiguration, "cannot promote an unparsed key")
	}
	kr.mu.Lock()
	defer kr.mu.Unlock()
	if newKey.ID == kr.current.ID {
		return dErrors.New(dErrors.CodeConfiguration, "new key shares ID with current key: "+newKey.ID)
	}
	kr.retired[kr.current.ID] = kr.current
	delete(kr.retired, newKey.ID)
	kr.current = newKey
	return nil
}

// keyFor resolves a key by envelope key ID, current or retired.
func (kr *Keyring) keyFor(keyID string) (Key, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	if keyID == kr.current.ID {
		return kr.current, true
	}
	key, ok := kr.retired[keyID]
	return key, ok
}

// sealKey returns the key used for new envelopes.
func (kr *Keyring) sealKey() Key {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.current
}
