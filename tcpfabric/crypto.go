package tcpfabric

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// KeySize and IVSize match the 32-byte AES-256 key plus 16-byte IV the
// secure TCP transport generates per server socket (spec §4.2, §4.3).
const (
	KeySize = 32
	IVSize  = 16

	aesBlockSize = 16
)

// GenerateKeyIV produces a fresh random key/iv pair for one SECURE_TCP
// server socket.
func GenerateKeyIV() (key [KeySize]byte, iv [IVSize]byte, err error) {
	if _, err = rand.Read(key[:]); err != nil {
		return key, iv, fmt.Errorf("generate aes key: %w", err)
	}
	if _, err = rand.Read(iv[:]); err != nil {
		return key, iv, fmt.Errorf("generate aes iv: %w", err)
	}
	return key, iv, nil
}

// encryptCBC PKCS#7-pads plaintext and AES-256-CBC-encrypts it with key/iv,
// mirroring TCP.cc's Crypto::Encrypt (original_source/modules/tcp).
func encryptCBC(key, iv []byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(out, padded)
	return out, nil
}

// decryptCBC reverses encryptCBC: AES-256-CBC-decrypt then strip the
// PKCS#7 padding.
func decryptCBC(key, iv []byte, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("ciphertext is not a multiple of the block size")
	}
	out := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unpad empty data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("invalid PKCS#7 padding")
	}
	return data[:len(data)-padLen], nil
}
