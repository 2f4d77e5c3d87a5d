package domain

import "time"

// MegolmAlgorithm tags room-key shares with the group ratchet scheme in use.
const MegolmAlgorithm = "cloakroom.megolm.v1"

// OutboundGroupSession is this device's sending ratchet for one room. One is
// active per room at a time; rotation supersedes but never deletes.
type OutboundGroupSession struct {
	ID          SessionID      `json:"id"`
	RoomID      RoomID         `json:"room_id"`
	ChainKey    []byte         `json:"chain_key"`
	Index       uint32         `json:"index"`
	SigningPub  Ed25519Public  `json:"signing_pub"`
	SigningPriv Ed25519Private `json:"signing_priv"`
	CreatedAt   time.Time      `json:"created_at"`
}

// InboundGroupSession is a receiving ratchet for one (room, session id),
// importable from any sender. ChainKey is the ratchet at FirstKnownIndex;
// FirstKnownIndex never moves backward except through a verified full export.
type InboundGroupSession struct {
	RoomID          RoomID        `json:"room_id"`
	ID              SessionID     `json:"id"`
	ChainKey        []byte        `json:"chain_key"`
	FirstKnownIndex uint32        `json:"first_known_index"`
	SigningPub      Ed25519Public `json:"signing_pub"`
	SenderKey       X25519Public  `json:"sender_key"`
	Verified        bool          `json:"verified"`
	CreatedAt       time.Time     `json:"created_at"`
}

// CachedMessageKey is one entry of an inbound session's bounded
// reordering/duplicate-tolerance cache, persisted with the session.
type CachedMessageKey struct {
	Index uint32 `json:"index"`
	Key   []byte `json:"key"`
}

// ExportedGroupSession is ratchet state reconstructable into an inbound
// session whose FirstKnownIndex equals AtIndex. Indices below AtIndex stay
// undecryptable for the importer.
type ExportedGroupSession struct {
	RoomID          RoomID        `json:"room_id"`
	SessionID       SessionID     `json:"session_id"`
	ChainKey        []byte        `json:"chain_key"`
	FirstKnownIndex uint32        `json:"first_known_index"`
	SigningPub      Ed25519Public `json:"signing_pub"`
}

// KeyShare is the to-device payload distributing a room key over a pairwise
// session. Consumed once to import or refresh an inbound group session.
type KeyShare struct {
	Algorithm string       `json:"algorithm"`
	SenderKey X25519Public `json:"sender_key"`
	ExportedGroupSession
}

// GroupMessage is the payload of a group envelope: ciphertext at one ratchet
// index, signed by the outbound session's signing key.
type GroupMessage struct {
	SessionID  SessionID `json:"session_id"`
	Index      uint32    `json:"index"`
	Ciphertext []byte    `json:"ciphertext"`
	Signature  []byte    `json:"signature"`
}
