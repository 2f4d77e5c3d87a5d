// Package pairwise manages 1:1 double-ratchet sessions keyed by
// (peer identity key, session id). It bootstraps sessions from claimed
// one-time keys, picks the most recently used session per peer for new
// encryptions, and serializes ratchet advancement per session while letting
// distinct sessions proceed in parallel.
package pairwise
