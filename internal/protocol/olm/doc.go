// Package olm implements the pairwise double ratchet: a triple-DH handshake
// bootstraps a shared root from a claimed one-time key, then sending and
// receiving chains advance independently with a DH step on every turnaround.
// State lives in domain.RatchetState; this package only transforms it.
package olm
