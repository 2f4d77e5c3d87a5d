package olm

import (
	"encoding/binary"
	"errors"

	"cloakroom/internal/crypto"
	"cloakroom/internal/domain"
	"cloakroom/internal/util/memzero"
)

const (
	rootLabel  = "cloakroom/olm/rk"
	chainLabel = "cloakroom/olm/ck"

	// Cap on stored skipped message keys per session.
	maxSkipped = 1000
)

var errChainUninitialised = errors.New("ratchet chain key is uninitialised")

// InitAsInitiator seeds the sending chain from root with a fresh ratchet key
// against the peer's identity key, which anchors the first DH step.
func InitAsInitiator(root []byte, peerIdentity domain.X25519Public) (domain.RatchetState, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.RatchetState{}, err
	}
	dh, err := crypto.DH(priv, peerIdentity)
	if err != nil {
		return domain.RatchetState{}, err
	}
	newRoot, sendCK := crypto.HKDFPair(dh[:], root, rootLabel)
	memzero.Zero(dh[:])

	return domain.RatchetState{
		RootKey:   newRoot,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: peerIdentity, // placeholder until the first remote ratchet pub arrives
		SendCK:    sendCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// InitAsResponder seeds the receiving chain from root using our identity
// private key and the initiator's first ratchet pub.
func InitAsResponder(root []byte, ourIdentityPriv domain.X25519Private, senderRatchetPub domain.X25519Public) (domain.RatchetState, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.RatchetState{}, err
	}
	dh, err := crypto.DH(ourIdentityPriv, senderRatchetPub)
	if err != nil {
		return domain.RatchetState{}, err
	}
	newRoot, recvCK := crypto.HKDFPair(dh[:], root, rootLabel)
	memzero.Zero(dh[:])

	return domain.RatchetState{
		RootKey:   newRoot,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: senderRatchetPub,
		RecvCK:    recvCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// Encrypt advances the sending chain and seals plaintext. A responder's first
// send performs the pending DH ratchet step.
func Encrypt(st *domain.RatchetState, ad, plaintext []byte) (domain.RatchetHeader, []byte, error) {
	if len(st.SendCK) == 0 {
		if err := stepSendingChain(st); err != nil {
			return domain.RatchetHeader{}, nil, err
		}
	}

	mk, err := nextSendKey(st)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	h := domain.RatchetHeader{DHPub: st.DHPub.Slice(), PN: st.PN, N: st.Ns}

	ct, err := crypto.Seal(mk, h.N, withHeader(ad, h), plaintext)
	memzero.Zero(mk)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	st.Ns++
	return h, ct, nil
}

// Decrypt opens a message, consuming a skipped key, advancing the receiving
// chain, or performing a DH ratchet step as the header demands. The advanced
// state is committed only after the ciphertext authenticates, so a forged or
// corrupted message leaves the session exactly as it was.
func Decrypt(st *domain.RatchetState, ad []byte, header domain.RatchetHeader, ciphertext []byte) ([]byte, error) {
	work := cloneState(st)
	pt, err := decrypt(&work, ad, header, ciphertext)
	if err != nil {
		return nil, err
	}
	*st = work
	return pt, nil
}

func decrypt(st *domain.RatchetState, ad []byte, header domain.RatchetHeader, ciphertext []byte) ([]byte, error) {
	if !equal32(st.PeerDHPub[:], header.DHPub) {
		// Finish the old chain before ratcheting so its tail stays readable.
		skipUntil(st, header.PN)
		if err := stepReceivingChain(st, header); err != nil {
			return nil, err
		}
	}

	keyID := skippedKeyID(st.PeerDHPub, header.N)
	if mk, ok := st.Skipped[keyID]; ok {
		delete(st.Skipped, keyID)
		pt, err := crypto.Open(mk, header.N, withHeader(ad, header), ciphertext)
		memzero.Zero(mk)
		if err != nil {
			return nil, err
		}
		return pt, nil
	}

	skipUntil(st, header.N)
	mk, err := nextRecvKey(st)
	if err != nil {
		return nil, err
	}
	pt, err := crypto.Open(mk, header.N, withHeader(ad, header), ciphertext)
	memzero.Zero(mk)
	if err != nil {
		return nil, err
	}
	st.Nr++
	return pt, nil
}

// cloneState copies everything Decrypt may mutate. Skipped key material is
// copied too so a discarded attempt cannot zero keys the live state still
// holds.
func cloneState(st *domain.RatchetState) domain.RatchetState {
	work := *st
	work.Skipped = make(map[string][]byte, len(st.Skipped))
	for id, mk := range st.Skipped {
		work.Skipped[id] = append([]byte(nil), mk...)
	}
	return work
}

// stepSendingChain rotates our ratchet key and reseeds SendCK against the
// peer's current ratchet pub.
func stepSendingChain(st *domain.RatchetState) error {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	dh, err := crypto.DH(priv, st.PeerDHPub)
	if err != nil {
		return err
	}
	newRoot, sendCK := crypto.HKDFPair(dh[:], st.RootKey, rootLabel)
	memzero.Zero(dh[:])

	st.PN = st.Ns
	st.Ns = 0
	st.RootKey = newRoot
	st.DHPriv, st.DHPub = priv, pub
	st.SendCK = sendCK
	return nil
}

// stepReceivingChain absorbs a new remote ratchet pub: advance the root for
// the receiving chain, then again with a fresh local pair for the next send.
func stepReceivingChain(st *domain.RatchetState, header domain.RatchetHeader) error {
	var newPeer domain.X25519Public
	copy(newPeer[:], header.DHPub)

	dh, err := crypto.DH(st.DHPriv, newPeer)
	if err != nil {
		return err
	}
	rootAfterRecv, recvCK := crypto.HKDFPair(dh[:], st.RootKey, rootLabel)
	memzero.Zero(dh[:])

	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	dh2, err := crypto.DH(priv, newPeer)
	if err != nil {
		return err
	}
	rootAfterSend, sendCK := crypto.HKDFPair(dh2[:], rootAfterRecv, rootLabel)
	memzero.Zero(dh2[:])

	st.PN = st.Ns
	st.Ns, st.Nr = 0, 0
	st.RootKey = rootAfterSend
	st.DHPriv, st.DHPub = priv, pub
	st.PeerDHPub = newPeer
	st.SendCK, st.RecvCK = sendCK, recvCK
	return nil
}

func nextSendKey(st *domain.RatchetState) ([]byte, error) {
	if len(st.SendCK) == 0 {
		return nil, errChainUninitialised
	}
	next, mk := crypto.HKDFPair(st.SendCK, nil, chainLabel)
	st.SendCK = next
	return mk, nil
}

func nextRecvKey(st *domain.RatchetState) ([]byte, error) {
	if len(st.RecvCK) == 0 {
		return nil, errChainUninitialised
	}
	next, mk := crypto.HKDFPair(st.RecvCK, nil, chainLabel)
	st.RecvCK = next
	return mk, nil
}

// skipUntil derives and stores message keys up to n, bounded by maxSkipped.
func skipUntil(st *domain.RatchetState, n uint32) {
	for len(st.RecvCK) > 0 && st.Nr < n {
		mk, err := nextRecvKey(st)
		if err != nil {
			return
		}
		if len(st.Skipped) >= maxSkipped {
			for k := range st.Skipped {
				delete(st.Skipped, k)
				break
			}
		}
		st.Skipped[skippedKeyID(st.PeerDHPub, st.Nr)] = mk
		st.Nr++
	}
}

func skippedKeyID(peer domain.X25519Public, n uint32) string {
	b := make([]byte, 32+4)
	copy(b, peer[:])
	binary.BigEndian.PutUint32(b[32:], n)
	return string(b)
}

func withHeader(ad []byte, h domain.RatchetHeader) []byte {
	out := make([]byte, 0, len(ad)+len(h.DHPub)+8)
	out = append(out, ad...)
	out = append(out, h.DHPub...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], h.PN)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], h.N)
	out = append(out, b[:]...)
	return out
}

func equal32(a, b []byte) bool {
	if len(a) != 32 || len(b) != 32 {
		return false
	}
	var v byte
	for i := 0; i < 32; i++ {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
