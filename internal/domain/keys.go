package domain

import (
	"encoding/hex"
	"time"
)

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

func (p X25519Public) Slice() []byte { return p[:] }

// Hex returns the lowercase hex form, used as a map/log key for devices.
func (p X25519Public) Hex() string { return hex.EncodeToString(p[:]) }

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

func (k X25519Private) Slice() []byte { return k[:] }

// Ed25519Public is a signing public key.
type Ed25519Public [32]byte

func (p Ed25519Public) Slice() []byte { return p[:] }

// Ed25519Private is a signing private key (ed25519.PrivateKey layout).
type Ed25519Private [64]byte

func (k Ed25519Private) Slice() []byte { return k[:] }

// Identity holds a device's long-term key pairs. Immutable once created.
type Identity struct {
	XPub   X25519Public   `json:"x_pub"`
	XPriv  X25519Private  `json:"x_priv"`
	EdPub  Ed25519Public  `json:"ed_pub"`
	EdPriv Ed25519Private `json:"ed_priv"`
}

// OneTimeKey is a single-use ephemeral key pair with a local id.
// Used ids are never reissued.
type OneTimeKey struct {
	ID        string        `json:"id"`
	Pub       X25519Public  `json:"pub"`
	Priv      X25519Private `json:"priv"`
	Published bool          `json:"published"`
	Used      bool          `json:"used"`
	CreatedAt time.Time     `json:"created_at"`
}

// FallbackKey is the reusable spare consumed when the one-time pool is
// exhausted. It stays valid until explicitly replaced.
type FallbackKey struct {
	ID        string        `json:"id"`
	Pub       X25519Public  `json:"pub"`
	Priv      X25519Private `json:"priv"`
	Published bool          `json:"published"`
	CreatedAt time.Time     `json:"created_at"`
}

// PublicOneTimeKey is the published form of a one-time or fallback key.
type PublicOneTimeKey struct {
	ID       string       `json:"id"`
	Key      X25519Public `json:"key"`
	Fallback bool         `json:"fallback,omitempty"`
}

// SignedKeyBundle is this device's public key material as uploaded to the key
// server. Signature covers the canonical JSON of the bundle minus itself.
type SignedKeyBundle struct {
	DeviceID    string             `json:"device_id"`
	IdentityKey X25519Public       `json:"identity_key"`
	SigningKey  Ed25519Public      `json:"signing_key"`
	OneTimeKeys []PublicOneTimeKey `json:"one_time_keys,omitempty"`
	FallbackKey *PublicOneTimeKey  `json:"fallback_key,omitempty"`
	Signature   []byte             `json:"signature,omitempty"`
}

// DeviceIdentity names a remote device and carries its public keys plus the
// trust flag produced by the (out of scope) verification flow.
type DeviceIdentity struct {
	UserID      string        `json:"user_id"`
	DeviceID    string        `json:"device_id"`
	IdentityKey X25519Public  `json:"identity_key"`
	SigningKey  Ed25519Public `json:"signing_key"`
	Trusted     bool          `json:"trusted"`
}
