package wire

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// SessionSecretSize is the size of a freshly negotiated session secret:
// a 32-byte AES-256-CBC key followed by a 32-byte HMAC-SHA256 key.
const SessionSecretSize = 64

// encTypeAESCBC256HmacSHA256 is the envelope type tag for the only scheme
// this dialect supports.
const encTypeAESCBC256HmacSHA256 = 2

var (
	ErrMalformedEnvelope = fmt.Errorf("malformed encrypted envelope")
	ErrMACMismatch       = fmt.Errorf("envelope MAC verification failed")
	ErrPadding           = fmt.Errorf("invalid envelope padding")
)

// SessionKey is the per-peer symmetric key derived from a 64-byte session
// secret. The zero value is unusable; construct with NewSessionKey.
type SessionKey struct {
	encKey []byte
	macKey []byte
}

// NewSessionKey splits a 64-byte session secret into its encryption and MAC
// halves.
func NewSessionKey(secret []byte) (SessionKey, error) {
	if len(secret) != SessionSecretSize {
		return SessionKey{}, fmt.Errorf("session secret must be %d bytes, got %d", SessionSecretSize, len(secret))
	}
	k := SessionKey{
		encKey: make([]byte, 32),
		macKey: make([]byte, 32),
	}
	copy(k.encKey, secret[:32])
	copy(k.macKey, secret[32:])
	return k, nil
}

// GenerateSessionSecret produces a fresh high-entropy session secret. A new
// handshake always regenerates the secret; it is never reused across peers
// or re-handshakes.
func GenerateSessionSecret() ([]byte, error) {
	secret := make([]byte, SessionSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate session secret: %w", err)
	}
	return secret, nil
}

// Encrypt seals a plaintext into an envelope string of the form
// "2.<ivB64>|<dataB64>|<macB64>" where the MAC covers IV||ciphertext.
func (k SessionKey) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(k.encKey)
	if err != nil {
		return "", err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	padded := padPKCS7(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, k.macKey)
	mac.Write(iv)
	mac.Write(ciphertext)

	return fmt.Sprintf("%d.%s|%s|%s",
		encTypeAESCBC256HmacSHA256,
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(ciphertext),
		base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	), nil
}

// Decrypt opens an envelope string, verifying the MAC before touching the
// ciphertext and stripping standard block padding.
func (k SessionKey) Decrypt(envelope string) ([]byte, error) {
	plaintext, err := k.open(envelope)
	if err != nil {
		return nil, err
	}
	return unpadPKCS7(plaintext, aes.BlockSize)
}

// DecryptZeroPadded opens an envelope produced by a peer that zero-pads the
// final block instead of applying standard padding. After MAC verification,
// trailing NUL bytes are stripped up to (but not past) the last closing
// brace or bracket to recover valid JSON. If the plaintext legitimately ends
// in one of those characters followed by block NULs, this heuristic trims to
// that character; the ambiguity is inherent to the peer's framing and is
// preserved as-is.
func (k SessionKey) DecryptZeroPadded(envelope string) ([]byte, error) {
	plaintext, err := k.open(envelope)
	if err != nil {
		return nil, err
	}
	return trimZeroPadding(plaintext), nil
}

// open verifies and decrypts the envelope without any unpadding.
func (k SessionKey) open(envelope string) ([]byte, error) {
	iv, ciphertext, mac, err := splitEnvelope(envelope)
	if err != nil {
		return nil, err
	}

	expected := hmac.New(sha256.New, k.macKey)
	expected.Write(iv)
	expected.Write(ciphertext)
	if !hmac.Equal(mac, expected.Sum(nil)) {
		return nil, ErrMACMismatch
	}

	block, err := aes.NewCipher(k.encKey)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrMalformedEnvelope
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return plaintext, nil
}

func splitEnvelope(envelope string) (iv, ciphertext, mac []byte, err error) {
	typeTag, rest, ok := strings.Cut(envelope, ".")
	if !ok || typeTag != "2" {
		return nil, nil, nil, ErrMalformedEnvelope
	}
	parts := strings.Split(rest, "|")
	if len(parts) != 3 {
		return nil, nil, nil, ErrMalformedEnvelope
	}

	if iv, err = base64.StdEncoding.DecodeString(parts[0]); err != nil {
		return nil, nil, nil, ErrMalformedEnvelope
	}
	if len(iv) != aes.BlockSize {
		return nil, nil, nil, ErrMalformedEnvelope
	}
	if ciphertext, err = base64.StdEncoding.DecodeString(parts[1]); err != nil {
		return nil, nil, nil, ErrMalformedEnvelope
	}
	if mac, err = base64.StdEncoding.DecodeString(parts[2]); err != nil {
		return nil, nil, nil, ErrMalformedEnvelope
	}
	return iv, ciphertext, mac, nil
}

func padPKCS7(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrPadding
		}
	}
	return data[:len(data)-n], nil
}

// trimZeroPadding strips trailing NUL bytes down to the last closing brace
// or bracket. NULs embedded before that point are left untouched.
func trimZeroPadding(data []byte) []byte {
	end := len(data)
	for end > 0 && data[end-1] == 0 {
		end--
	}
	return data[:end]
}
