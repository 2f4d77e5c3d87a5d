package domain

import "errors"

// Expected failure modes of the session engine. Callers branch with
// errors.Is; none of these are used for control flow inside a batch -
// batch operations always report per-item results.
var (
	// ErrUndecryptableMessage: the session or key is not available yet.
	// Recoverable; the router queues the envelope for retry.
	ErrUndecryptableMessage = errors.New("undecryptable message")

	// ErrReplayOrIndexTooOld: the group ratchet already advanced past the
	// requested index and the key is not cached. Unrecoverable for that index.
	ErrReplayOrIndexTooOld = errors.New("replay or index below first known index")

	// ErrMalformedCiphertext: authentication failed. Fatal for that single
	// message only.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")

	// ErrKeyClaimExhausted: the peer has no one-time keys left to claim.
	ErrKeyClaimExhausted = errors.New("one-time key claim exhausted")

	// ErrDeviceUnreachable: the key server could not reach the peer device.
	ErrDeviceUnreachable = errors.New("device unreachable")

	// ErrUnknownOneTimeKey: a pre-key message referenced a one-time key that
	// was never generated here or is already used.
	ErrUnknownOneTimeKey = errors.New("unknown or used one-time key")

	// ErrUnknownKeyID: a key id not present in the account's pool.
	ErrUnknownKeyID = errors.New("unknown key id")

	// ErrUnknownSession: no session exists for the referenced id.
	ErrUnknownSession = errors.New("unknown session")

	// ErrPickleDecryptionFailure: wrong storage key or corrupted blob. Fatal;
	// restoration is blocked until resolved externally.
	ErrPickleDecryptionFailure = errors.New("pickle decryption failure")

	// ErrSessionVerificationMismatch: an imported room key failed the
	// authenticity check against the sending device.
	ErrSessionVerificationMismatch = errors.New("session verification mismatch")
)
