// Package vault decrypts and encrypts the credentials carried at rest in
// plan documents and event-log metadata (BMC passwords).
//
// Cipher: AES-256-GCM with a 16-byte nonce, key derived from an
// env-provided master passphrase via scrypt. Wire format is
// base64(iv(16) || tag(16) || ciphertext) — fixed by the original
// implementation this orchestrator replaces and preserved here for
// interoperability with existing plan documents and event rows.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/scrypt"
)

const (
	ivSize  = 16
	tagSize = 16
	keySize = 32

	scryptSalt = "salt"
	scryptN    = 16384
	scryptR    = 8
	scryptP    = 1
)

// ErrDecryption is returned for any ciphertext that fails to authenticate
// or decode: tampered ciphertext, wrong key, or malformed wire format.
var ErrDecryption = errors.New("vault: decryption failed")

// Vault encrypts and decrypts credential strings using a key derived once
// from the master passphrase at construction time.
type Vault struct {
	gcm cipher.AEAD
}

// New derives the AES-256 key from master via scrypt and builds a Vault.
func New(master string) (*Vault, error) {
	if master == "" {
		return nil, fmt.Errorf("vault: master key must not be empty")
	}

	key, err := scrypt.Key([]byte(master), []byte(scryptSalt), scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("vault: key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create GCM mode: %w", err)
	}

	return &Vault{gcm: gcm}, nil
}

// NewFromEnv reads the master passphrase from the given environment
// variable name (the orchestrator always uses ENCRYPTION_KEY per the
// external interfaces) and constructs a Vault.
func NewFromEnv(envVar string) (*Vault, error) {
	master := os.Getenv(envVar)
	if master == "" {
		return nil, fmt.Errorf("vault: %s environment variable not set", envVar)
	}
	return New(master)
}

// Encrypt returns base64(iv || tag || ciphertext) for plaintext.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("vault: failed to generate iv: %w", err)
	}

	sealed := v.gcm.Seal(nil, iv, []byte(plaintext), nil)
	if len(sealed) < tagSize {
		return "", fmt.Errorf("vault: unexpected sealed output length %d", len(sealed))
	}
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	wire := make([]byte, 0, ivSize+tagSize+len(ciphertext))
	wire = append(wire, iv...)
	wire = append(wire, tag...)
	wire = append(wire, ciphertext...)

	return base64.StdEncoding.EncodeToString(wire), nil
}

// Decrypt reverses Encrypt. Any malformed or tampered input returns
// ErrDecryption.
func (v *Vault) Decrypt(encoded string) (string, error) {
	wire, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", ErrDecryption, err)
	}
	if len(wire) < ivSize+tagSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}

	iv := wire[:ivSize]
	tag := wire[ivSize : ivSize+tagSize]
	ciphertext := wire[ivSize+tagSize:]

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := v.gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	return string(plaintext), nil
}
