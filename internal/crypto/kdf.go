package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDFExpand derives outLen bytes from ikm with the given salt and label.
func HKDFExpand(ikm, salt []byte, label string, outLen int) []byte {
	r := hkdf.New(sha256.New, ikm, salt, []byte(label))
	out := make([]byte, outLen)
	_, _ = io.ReadFull(r, out)
	return out
}

// HKDFPair derives two 32-byte keys from ikm, used where a ratchet step
// yields both a new chain key and a message key.
func HKDFPair(ikm, salt []byte, label string) (a, b []byte) {
	r := hkdf.New(sha256.New, ikm, salt, []byte(label))
	a = make([]byte, 32)
	b = make([]byte, 32)
	_, _ = io.ReadFull(r, a)
	_, _ = io.ReadFull(r, b)
	return
}

// ChainAdvance computes the next chain key as HMAC-SHA256(chain, label). This
// is the one-way step that makes group ratchet advancement irreversible.
func ChainAdvance(chain []byte, label string) []byte {
	h := hmac.New(sha256.New, chain)
	h.Write([]byte(label))
	return h.Sum(nil)
}
