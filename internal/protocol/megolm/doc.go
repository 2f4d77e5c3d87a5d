// Package megolm implements the forward-secret group ratchet used for room
// encryption: a single sender-owned chain key advanced one-way per message,
// with signed ciphertexts and exportable positions so history from a given
// index can be forwarded without exposing anything earlier.
package megolm
