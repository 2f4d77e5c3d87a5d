package store

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"cloakroom/internal/domain"
	"cloakroom/internal/util/memzero"
)

// SnapshotVersion is the current persisted blob format.
const SnapshotVersion = 1

// blob is the on-disk JSON structure holding the ciphertext and KDF
// parameters.
type blob struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Cipher []byte `json:"cipher"`
}

// Tunables for scrypt key derivation.
func scryptParamsDefault() (N, r, p int) { return 1 << 15, 8, 1 }

// Seal serializes a borrowed account snapshot and encrypts it as a single
// authenticated blob under storageKey.
func Seal(snapshot domain.AccountSnapshot, storageKey string) ([]byte, error) {
	snapshot.Version = SnapshotVersion
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(raw)

	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	N, r, p := scryptParamsDefault()
	key, err := scrypt.Key([]byte(storageKey), salt[:], N, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [12]byte // zero nonce; the fresh salt makes the key unique per seal
	ct := aead.Seal(nil, nonce[:], raw, salt[:])

	return json.Marshal(blob{V: SnapshotVersion, Salt: salt[:], N: N, R: r, P: p, Cipher: ct})
}

// Open decrypts and deserializes a sealed blob. A wrong key, corruption, or a
// format from the future all fail with ErrPickleDecryptionFailure; a
// partially valid account is never produced.
func Open(sealed []byte, storageKey string) (domain.AccountSnapshot, error) {
	var bl blob
	if err := json.Unmarshal(sealed, &bl); err != nil {
		return domain.AccountSnapshot{}, fmt.Errorf("blob envelope: %w", domain.ErrPickleDecryptionFailure)
	}
	if bl.V > SnapshotVersion {
		return domain.AccountSnapshot{}, fmt.Errorf("blob version %d: %w", bl.V, domain.ErrPickleDecryptionFailure)
	}

	key, err := scrypt.Key([]byte(storageKey), bl.Salt, bl.N, bl.R, bl.P, chacha20poly1305.KeySize)
	if err != nil {
		return domain.AccountSnapshot{}, fmt.Errorf("key derivation: %w", domain.ErrPickleDecryptionFailure)
	}
	defer memzero.Zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return domain.AccountSnapshot{}, err
	}
	var nonce [12]byte
	raw, err := aead.Open(nil, nonce[:], bl.Cipher, bl.Salt)
	if err != nil {
		return domain.AccountSnapshot{}, domain.ErrPickleDecryptionFailure
	}
	defer memzero.Zero(raw)

	var snapshot domain.AccountSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return domain.AccountSnapshot{}, fmt.Errorf("snapshot decode: %w", domain.ErrPickleDecryptionFailure)
	}
	return snapshot, nil
}
