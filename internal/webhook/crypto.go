package webhook

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/Enriquefft/feishu-bridge/internal/events"
)

func cipherKey(encryptKey string) []byte {
	sum := sha256.Sum256([]byte(encryptKey))
	return sum[:]
}

// Decrypt reverses the platform's payload encryption: base64, then AES-256-CBC
// keyed by sha256(encryptKey) with the IV prepended, then PKCS#7.
func Decrypt(encrypted, encryptKey string) ([]byte, error) {
	if encryptKey == "" {
		return nil, &events.DecodeError{Reason: "encrypted payload but no encrypt key configured"}
	}
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, &events.DecodeError{Reason: "invalid encrypted payload", Err: err}
	}
	if len(raw) < aes.BlockSize {
		return nil, &events.DecodeError{Reason: "encrypted payload too short"}
	}
	iv, data := raw[:aes.BlockSize], raw[aes.BlockSize:]
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, &events.DecodeError{Reason: "invalid encrypted payload block size"}
	}

	block, err := aes.NewCipher(cipherKey(encryptKey))
	if err != nil {
		return nil, &events.DecodeError{Reason: "cipher", Err: err}
	}
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)
	return pkcs7Unpad(plain)
}

// Encrypt produces a payload Decrypt accepts, with a random IV.
func Encrypt(plaintext []byte, encryptKey string) (string, error) {
	block, err := aes.NewCipher(cipherKey(encryptKey))
	if err != nil {
		return "", fmt.Errorf("cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

func pkcs7Pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, &events.DecodeError{Reason: "empty decrypted payload"}
	}
	n := int(data[len(data)-1])
	if n < 1 || n > aes.BlockSize || n > len(data) {
		return nil, &events.DecodeError{Reason: "invalid decrypted payload padding"}
	}
	if !bytes.Equal(data[len(data)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, &events.DecodeError{Reason: "invalid decrypted payload padding"}
	}
	return data[:len(data)-n], nil
}
