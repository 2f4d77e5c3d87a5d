package domain

import "time"

// SessionID identifies a ratchet session. Pairwise ids are derived from the
// handshake keys so both ends agree on them; group ids are random.
type SessionID string

// Bytes returns the id as associated data for AEAD binding.
func (id SessionID) Bytes() []byte { return []byte(id) }

// RoomID identifies a room.
type RoomID string

// RatchetHeader is sent alongside every pairwise ciphertext.
type RatchetHeader struct {
	DHPub []byte `json:"dh_pub"`
	PN    uint32 `json:"pn"`
	N     uint32 `json:"n"`
}

// RatchetState contains all fields the double ratchet needs to track.
type RatchetState struct {
	RootKey   []byte            `json:"root_key"`
	DHPriv    X25519Private     `json:"dh_priv"`
	DHPub     X25519Public      `json:"dh_pub"`
	PeerDHPub X25519Public      `json:"peer_dh_pub"`
	SendCK    []byte            `json:"send_ck,omitempty"`
	RecvCK    []byte            `json:"recv_ck,omitempty"`
	Ns        uint32            `json:"ns"`
	Nr        uint32            `json:"nr"`
	PN        uint32            `json:"pn"`
	Skipped   map[string][]byte `json:"skipped,omitempty"`
}

// HandshakeInfo is the bootstrap material echoed in pre-key messages until
// the first inbound message confirms the peer holds the session.
type HandshakeInfo struct {
	EphemeralKey X25519Public `json:"ephemeral_key"`
	OneTimeKeyID string       `json:"one_time_key_id"`
}

// PairwiseSession is a 1:1 double-ratchet conversation with one peer device,
// keyed by (peer identity key, session id).
type PairwiseSession struct {
	ID              SessionID      `json:"id"`
	PeerIdentityKey X25519Public   `json:"peer_identity_key"`
	State           RatchetState   `json:"state"`
	Handshake       *HandshakeInfo `json:"handshake,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	LastUsedAt      time.Time      `json:"last_used_at"`
}

// PairwiseMessageType distinguishes session-establishing messages from
// ordinary ratchet messages.
type PairwiseMessageType string

const (
	// PairwiseTypePreKey marks the first message of a session; it carries the
	// handshake material the receiver needs to build its side.
	PairwiseTypePreKey PairwiseMessageType = "prekey"
	// PairwiseTypeNormal marks a message on an established session.
	PairwiseTypeNormal PairwiseMessageType = "normal"
)

// PairwiseMessage is the payload of a pairwise envelope.
type PairwiseMessage struct {
	Type              PairwiseMessageType `json:"type"`
	SessionID         SessionID           `json:"session_id"`
	SenderIdentityKey X25519Public        `json:"sender_identity_key"`

	// Handshake fields, present only when Type is PairwiseTypePreKey.
	EphemeralKey *X25519Public `json:"ephemeral_key,omitempty"`
	OneTimeKeyID string        `json:"one_time_key_id,omitempty"`

	Header     RatchetHeader `json:"header"`
	Ciphertext []byte        `json:"ciphertext"`
}
