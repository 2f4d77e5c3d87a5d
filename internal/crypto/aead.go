package crypto

import (
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the AEAD key size shared by both ratchets.
const KeySize = chacha20poly1305.KeySize

// Seal encrypts plaintext under key with a nonce derived from counter. Each
// message key is used exactly once, so the counter-derived nonce never repeats
// under the same key.
func Seal(key []byte, counter uint32, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:KeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], counter)
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

// Open reverses Seal. An authentication failure surfaces as the AEAD's error;
// callers map it to their own taxonomy.
func Open(key []byte, counter uint32, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:KeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], counter)
	return aead.Open(nil, nonce, ciphertext, ad)
}
