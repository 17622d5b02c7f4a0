package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Key derivation parameters. They match the defaults of the credential
// format already stored for existing servers, so they must not change.
const (
	scryptSalt = "salt"
	scryptN    = 16384
	scryptR    = 8
	scryptP    = 1
	keyLen     = 32
)

var (
	// ErrEmptyCiphertext is returned when there is nothing to decrypt. Callers
	// must treat it as a failure, never as an empty password.
	ErrEmptyCiphertext = errors.New("crypto: empty ciphertext")
	// ErrEmptyPlaintext is returned when asked to encrypt an empty secret.
	ErrEmptyPlaintext = errors.New("crypto: empty plaintext")
	// ErrMalformedCiphertext indicates the payload is not an iv:ciphertext hex pair.
	ErrMalformedCiphertext = errors.New("crypto: malformed ciphertext")
	// ErrDecrypt indicates the payload could not be decrypted with the vault key.
	ErrDecrypt = errors.New("crypto: decryption failed")
	// ErrEmptySecret indicates the vault was created without key material.
	ErrEmptySecret = errors.New("crypto: encryption key is empty")
)

// Vault encrypts server and database credentials at rest using AES-256-CBC
// with a key derived from a shared secret via scrypt. Payloads are encoded as
// hex(iv) + ":" + hex(ciphertext).
type Vault struct {
	key []byte
}

// NewVault derives the vault key from secret.
func NewVault(secret string) (*Vault, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrEmptySecret
	}
	key, err := scrypt.Key([]byte(secret), []byte(scryptSalt), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return &Vault{key: key}, nil
}

// Encrypt seals plaintext under a fresh random IV.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPlaintext
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

// Decrypt opens a payload produced by Encrypt.
func (v *Vault) Decrypt(payload string) (string, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", ErrEmptyCiphertext
	}
	ivHex, ctHex, ok := strings.Cut(payload, ":")
	if !ok {
		return "", ErrMalformedCiphertext
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrMalformedCiphertext
	}
	ciphertext, err := hex.DecodeString(ctHex)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", ErrMalformedCiphertext
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}
	if len(plain) == 0 {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// Valid reports whether payload decrypts under this vault.
func (v *Vault) Valid(payload string) bool {
	_, err := v.Decrypt(payload)
	return err == nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrDecrypt
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, ErrDecrypt
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, ErrDecrypt
		}
	}
	return data[:len(data)-padding], nil
}
