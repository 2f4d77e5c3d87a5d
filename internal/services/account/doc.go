// Package account owns this device's long-term identity key pair, its pool of
// one-time keys, and the fallback key. It generates, signs, and tracks key
// consumption; secret halves leave only through the scoped accessors the
// ratchet engine uses.
package account
