package domain

import (
	"encoding/json"
	"time"
)

// EnvelopeKind selects the decrypt path for an envelope. The set is closed;
// the router maps each kind to a decode function at construction.
type EnvelopeKind string

const (
	KindPairwise EnvelopeKind = "pairwise"
	KindGroup    EnvelopeKind = "group"
)

// Envelope is the minimal ciphertext container the engine needs to route a
// message to the right session. Delivery transport is out of scope.
type Envelope struct {
	Kind      EnvelopeKind    `json:"kind"`
	SenderKey X25519Public    `json:"sender_key"`
	RoomID    RoomID          `json:"room_id,omitempty"`
	SessionID SessionID       `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

// PendingDecryption is an envelope parked until its key arrives. Destroyed by
// a successful retry or by exceeding the retry/time budget.
type PendingDecryption struct {
	RoomID    RoomID    `json:"room_id"`
	SessionID SessionID `json:"session_id"`
	Envelope  Envelope  `json:"envelope"`
	ArrivedAt time.Time `json:"arrived_at"`
	Retries   int       `json:"retries"`
}
