// Package secret seals small credentials with AES-GCM so they can be stored
// next to the transfer state.
//
// The sealed form is a JSON object {"iv", "ciphertext", "tag"}. The IV is a
// random hex string whose ASCII bytes are the GCM nonce, the plaintext is
// base64 encoded before sealing, and ciphertext and tag are base64.
package secret

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/franksops/panshift/store"
)

const (
	ivBytes = 32
	tagSize = 16
)

var (
	// ErrInvalidKey is returned for keys that are not 16, 24 or 32 bytes.
	ErrInvalidKey = errors.New("secret: key must be 16, 24 or 32 bytes")
	// ErrNoSecret is returned by Vault.Load when nothing has been stored.
	ErrNoSecret = errors.New("secret: not stored")
)

// Sealed is the stored form of one secret.
type Sealed struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

func newGCM(key []byte, nonceSize int) (cipher.AEAD, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}

// Seal encrypts plaintext under key, authenticating associatedData.
func Seal(key, associatedData []byte, plaintext string) (*Sealed, error) {
	raw := make([]byte, ivBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("secret: generate iv: %w", err)
	}
	iv := hex.EncodeToString(raw)

	aead, err := newGCM(key, len(iv))
	if err != nil {
		return nil, err
	}
	encoded := []byte(base64.StdEncoding.EncodeToString([]byte(plaintext)))
	out := aead.Seal(nil, []byte(iv), encoded, associatedData)
	body, tag := out[:len(out)-tagSize], out[len(out)-tagSize:]

	return &Sealed{
		IV:         iv,
		Ciphertext: base64.StdEncoding.EncodeToString(body),
		Tag:        base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Open reverses Seal.
func Open(key, associatedData []byte, s *Sealed) (string, error) {
	if s.IV == "" {
		return "", errors.New("secret: empty iv")
	}
	aead, err := newGCM(key, len(s.IV))
	if err != nil {
		return "", err
	}
	body, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("secret: decode ciphertext: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(s.Tag)
	if err != nil {
		return "", fmt.Errorf("secret: decode tag: %w", err)
	}
	if len(tag) != tagSize {
		return "", fmt.Errorf("secret: tag is %d bytes", len(tag))
	}

	encoded, err := aead.Open(nil, []byte(s.IV), append(body, tag...), associatedData)
	if err != nil {
		return "", fmt.Errorf("secret: %w", err)
	}
	plain, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return "", fmt.Errorf("secret: decode plaintext: %w", err)
	}
	return string(plain), nil
}

// Vault stores one sealed secret as a document.
type Vault struct {
	docs           store.Documents
	name           string
	key            []byte
	associatedData []byte
}

// NewVault binds a key to a document name.
func NewVault(docs store.Documents, name string, key, associatedData []byte) (*Vault, error) {
	if _, err := newGCM(key, 12); err != nil {
		return nil, err
	}
	return &Vault{docs: docs, name: name, key: key, associatedData: associatedData}, nil
}

// Load returns the stored secret or ErrNoSecret.
func (v *Vault) Load(ctx context.Context) (string, error) {
	data, err := v.docs.Get(ctx, v.name)
	if errors.Is(err, store.ErrDocumentNotFound) {
		return "", ErrNoSecret
	}
	if err != nil {
		return "", err
	}
	var s Sealed
	if err := json.Unmarshal(data, &s); err != nil {
		return "", fmt.Errorf("secret: decode %s: %w", v.name, err)
	}
	return Open(v.key, v.associatedData, &s)
}

// Store seals and writes value.
func (v *Vault) Store(ctx context.Context, value string) error {
	s, err := Seal(v.key, v.associatedData, value)
	if err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return v.docs.Put(ctx, v.name, data)
}
