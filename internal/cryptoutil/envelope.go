package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
)

// ============================================================================
// AES-GCM ENVELOPE ENCRYPTION
// ============================================================================
//
// Each secret is sealed under a fresh 32-byte DEK; the DEK itself is sealed
// under the org-independent KEK identified by KekID. Ciphertext, IV, and GCM
// tag are stored separately, base64-encoded, so rotation can replace all six
// fields atomically.

const (
	dekSize = 32
	tagSize = 16
)

// Envelope is the wrapped form of one secret. Plaintext never leaves the
// function that unwraps it.
type Envelope struct {
	KekID            string
	DekCiphertext    string
	DekIv            string
	DekTag           string
	SecretCiphertext string
	SecretIv         string
	SecretTag        string
}

// NewDEK generates a fresh 32-byte data-encryption key.
func NewDEK() ([]byte, error) {
	return RandomBytes(dekSize)
}

// SealAESGCM encrypts plaintext under key and returns ciphertext, IV, and tag
// as separate byte slices.
func SealAESGCM(plaintext, key []byte) (ciphertext, iv, tag []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to init gcm: %w", err)
	}
	iv, err = RandomBytes(gcm.NonceSize())
	if err != nil {
		return nil, nil, nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext = sealed[:len(sealed)-tagSize]
	tag = sealed[len(sealed)-tagSize:]
	return ciphertext, iv, tag, nil
}

// OpenAESGCM decrypts a (ciphertext, iv, tag) triple produced by SealAESGCM.
func OpenAESGCM(ciphertext, iv, tag, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init gcm: %w", err)
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, errors.New("envelope authentication failed")
	}
	return plaintext, nil
}

// WrapSecret envelope-encrypts plaintext: a fresh DEK seals the payload, the
// KEK seals the DEK.
func WrapSecret(plaintext []byte, kekID string, kek []byte) (*Envelope, error) {
	dek, err := NewDEK()
	if err != nil {
		return nil, err
	}
	secretCt, secretIv, secretTag, err := SealAESGCM(plaintext, dek)
	if err != nil {
		return nil, fmt.Errorf("failed to seal payload: %w", err)
	}
	dekCt, dekIv, dekTag, err := SealAESGCM(dek, kek)
	if err != nil {
		return nil, fmt.Errorf("failed to seal dek: %w", err)
	}
	enc := base64.StdEncoding.EncodeToString
	return &Envelope{
		KekID:            kekID,
		DekCiphertext:    enc(dekCt),
		DekIv:            enc(dekIv),
		DekTag:           enc(dekTag),
		SecretCiphertext: enc(secretCt),
		SecretIv:         enc(secretIv),
		SecretTag:        enc(secretTag),
	}, nil
}

// UnwrapSecret reverses WrapSecret under the KEK matching env.KekID.
func UnwrapSecret(env *Envelope, kek []byte) ([]byte, error) {
	dec := func(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
	dekCt, err := dec(env.DekCiphertext)
	if err != nil {
		return nil, fmt.Errorf("malformed dek ciphertext: %w", err)
	}
	dekIv, err := dec(env.DekIv)
	if err != nil {
		return nil, fmt.Errorf("malformed dek iv: %w", err)
	}
	dekTag, err := dec(env.DekTag)
	if err != nil {
		return nil, fmt.Errorf("malformed dek tag: %w", err)
	}
	dek, err := OpenAESGCM(dekCt, dekIv, dekTag, kek)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap dek: %w", err)
	}
	secretCt, err := dec(env.SecretCiphertext)
	if err != nil {
		return nil, fmt.Errorf("malformed secret ciphertext: %w", err)
	}
	secretIv, err := dec(env.SecretIv)
	if err != nil {
		return nil, fmt.Errorf("malformed secret iv: %w", err)
	}
	secretTag, err := dec(env.SecretTag)
	if err != nil {
		return nil, fmt.Errorf("malformed secret tag: %w", err)
	}
	return OpenAESGCM(secretCt, secretIv, secretTag, dek)
}
