package anonymize

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
)

// Key purposes. Each derives an independent key from the run secret.
const (
	purposeMapEncryption   = "goscope/consistency-map/encryption"
	purposeVaultEncryption = "goscope/token-vault/encryption"
	purposeMapIndex        = "goscope/consistency-map/index"
	purposeHash            = "goscope/strategy/hash"
	purposeSynthetic       = "goscope/strategy/synthetic"
)

// KeyRing holds the run secret in locked memory and derives purpose keys
// from it with HKDF over the location salt.
type KeyRing struct {
	secret  *memguard.Enclave
	salt    []byte
	derived map[string]*memguard.LockedBuffer
}

// NewKeyRing seals secret into an enclave. The secret slice is wiped.
func NewKeyRing(secret, salt []byte) (*KeyRing, error) {
	if len(secret) == 0 {
		return nil, errors.New("anonymization secret is empty")
	}
	k := &KeyRing{
		secret:  memguard.NewEnclave(secret),
		salt:    append([]byte(nil), salt...),
		derived: make(map[string]*memguard.LockedBuffer),
	}
	for _, p := range []string{purposeMapEncryption, purposeVaultEncryption, purposeMapIndex, purposeHash, purposeSynthetic} {
		if _, err := k.derive(p); err != nil {
			k.Destroy()
			return nil, err
		}
	}
	return k, nil
}

func (k *KeyRing) derive(purpose string) (*memguard.LockedBuffer, error) {
	if b, ok := k.derived[purpose]; ok {
		return b, nil
	}
	lb, err := k.secret.Open()
	if err != nil {
		return nil, fmt.Errorf("open secret enclave: %w", err)
	}
	defer lb.Destroy()

	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, lb.Bytes(), k.salt, []byte(purpose)), out); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", purpose, err)
	}
	b := memguard.NewBufferFromBytes(out)
	k.derived[purpose] = b
	return b, nil
}

// key returns the raw bytes of a derived key.
func (k *KeyRing) key(purpose string) []byte {
	return k.derived[purpose].Bytes()
}

// MapEncryptionKey is the badger key of the consistency map.
func (k *KeyRing) MapEncryptionKey() []byte {
	return append([]byte(nil), k.key(purposeMapEncryption)...)
}

// VaultEncryptionKey is the badger key of the token vault.
func (k *KeyRing) VaultEncryptionKey() []byte {
	return append([]byte(nil), k.key(purposeVaultEncryption)...)
}

// Mac returns HMAC-SHA256 of parts under the purpose key. Parts are
// length-prefixed so ("ab","c") and ("a","bc") differ.
func (k *KeyRing) Mac(purpose string, parts ...string) []byte {
	return k.mac(sha256.New, purpose, parts...)
}

func (k *KeyRing) mac(h func() hash.Hash, purpose string, parts ...string) []byte {
	m := hmac.New(h, k.key(purpose))
	for _, p := range parts {
		fmt.Fprintf(m, "%d:", len(p))
		io.WriteString(m, p)
	}
	return m.Sum(nil)
}

// HashValue is the keyed hash used by the hash strategy.
func (k *KeyRing) HashValue(algorithm, category, value string) []byte {
	if algorithm == "sha512" {
		return k.mac(sha512.New, purposeHash, category, value)
	}
	return k.mac(sha256.New, purposeHash, category, value)
}

// Destroy wipes every derived key.
func (k *KeyRing) Destroy() {
	for p, b := range k.derived {
		b.Destroy()
		delete(k.derived, p)
	}
}
