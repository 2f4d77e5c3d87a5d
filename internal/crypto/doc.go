// Package crypto wraps the primitive operations the session engine consumes.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie-Hellman (GenerateX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - ChaCha20-Poly1305 sealing keyed by derived message keys (Seal, Open)
//   - The labelled HKDF/HMAC derivations both ratchets are built from
//     (HKDFExpand, ChainAdvance)
//   - Short public-key fingerprints for display/logging (Fingerprint)
//
// The engine itself never implements curve math or AEAD internals; everything
// here delegates to golang.org/x/crypto and the standard library.
package crypto
