package megolm

import (
	"crypto/rand"
	"encoding/binary"
	"errors"

	"cloakroom/internal/crypto"
	"cloakroom/internal/domain"
)

const (
	advanceLabel    = "cloakroom/megolm/advance"
	messageKeyLabel = "cloakroom/megolm/msgkey"
)

// ErrIndexBehind reports an attempt to derive a key for an index the chain has
// already moved past.
var ErrIndexBehind = errors.New("chain is past the requested index")

// NewChainKey returns a fresh 32-byte chain key for a new outbound session.
func NewChainKey() ([]byte, error) {
	ck := make([]byte, 32)
	if _, err := rand.Read(ck); err != nil {
		return nil, err
	}
	return ck, nil
}

// Advance steps the chain key one index forward. The step is one-way: no
// earlier key is computable from the result.
func Advance(chain []byte) []byte {
	return crypto.ChainAdvance(chain, advanceLabel)
}

// AdvanceTo returns the chain key at index to, starting from a chain known to
// be at index from.
func AdvanceTo(chain []byte, from, to uint32) ([]byte, error) {
	if to < from {
		return nil, ErrIndexBehind
	}
	out := append([]byte(nil), chain...)
	for i := from; i < to; i++ {
		out = Advance(out)
	}
	return out, nil
}

// MessageKey derives the AEAD key for the message at the chain's current
// position. Deriving the message key does not advance the chain.
func MessageKey(chain []byte, index uint32) []byte {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	return crypto.HKDFExpand(chain, idx[:], messageKeyLabel, crypto.KeySize)
}

// SigningBytes is the data an outbound session signs for a message:
// session id, index, and ciphertext.
func SigningBytes(sessionID domain.SessionID, index uint32, ciphertext []byte) []byte {
	out := make([]byte, 0, len(sessionID)+4+len(ciphertext))
	out = append(out, sessionID...)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	out = append(out, idx[:]...)
	out = append(out, ciphertext...)
	return out
}
