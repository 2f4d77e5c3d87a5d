package olm

import (
	"crypto/sha256"
	"encoding/hex"

	"cloakroom/internal/crypto"
	"cloakroom/internal/domain"
	"cloakroom/internal/util/memzero"
)

const handshakeLabel = "cloakroom/olm/handshake"

// Bootstrap is the outcome of the pairwise handshake: the shared root key and
// the session id both ends derive from the same public material.
type Bootstrap struct {
	Root         []byte
	EphemeralPub domain.X25519Public
	SessionID    domain.SessionID
}

// InitiatorBootstrap derives the shared root against a peer's claimed
// one-time key: DH(IKa, OTKb) || DH(EKa, IKb) || DH(EKa, OTKb) through HKDF.
func InitiatorBootstrap(
	our domain.Identity,
	peerIdentity domain.X25519Public,
	oneTimeKey domain.X25519Public,
) (Bootstrap, error) {
	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return Bootstrap{}, err
	}

	dh1, err := crypto.DH(our.XPriv, oneTimeKey)
	if err != nil {
		return Bootstrap{}, err
	}
	dh2, err := crypto.DH(ephPriv, peerIdentity)
	if err != nil {
		return Bootstrap{}, err
	}
	dh3, err := crypto.DH(ephPriv, oneTimeKey)
	if err != nil {
		return Bootstrap{}, err
	}

	root := deriveRoot(dh1, dh2, dh3)
	memzero.Zero(ephPriv[:])
	return Bootstrap{
		Root:         root,
		EphemeralPub: ephPub,
		SessionID:    SessionIDFor(ephPub, oneTimeKey, our.XPub),
	}, nil
}

// ResponderBootstrap mirrors InitiatorBootstrap with the locally held one-time
// key private half.
func ResponderBootstrap(
	our domain.Identity,
	otkPriv domain.X25519Private,
	otkPub domain.X25519Public,
	senderIdentity domain.X25519Public,
	ephemeral domain.X25519Public,
) (Bootstrap, error) {
	dh1, err := crypto.DH(otkPriv, senderIdentity)
	if err != nil {
		return Bootstrap{}, err
	}
	dh2, err := crypto.DH(our.XPriv, ephemeral)
	if err != nil {
		return Bootstrap{}, err
	}
	dh3, err := crypto.DH(otkPriv, ephemeral)
	if err != nil {
		return Bootstrap{}, err
	}

	root := deriveRoot(dh1, dh2, dh3)
	return Bootstrap{
		Root:         root,
		EphemeralPub: ephemeral,
		SessionID:    SessionIDFor(ephemeral, otkPub, senderIdentity),
	}, nil
}

// SessionIDFor derives the session id from the handshake's public material,
// so initiator and responder agree without a round trip.
func SessionIDFor(ephemeral, oneTimeKey, initiatorIdentity domain.X25519Public) domain.SessionID {
	h := sha256.New()
	h.Write(ephemeral[:])
	h.Write(oneTimeKey[:])
	h.Write(initiatorIdentity[:])
	return domain.SessionID(hex.EncodeToString(h.Sum(nil)[:16]))
}

func deriveRoot(parts ...[32]byte) []byte {
	ikm := make([]byte, 0, 32*len(parts))
	for i := range parts {
		ikm = append(ikm, parts[i][:]...)
	}
	root := crypto.HKDFExpand(ikm, nil, handshakeLabel, 32)
	memzero.Zero(ikm)
	return root
}
