// Package distribution orchestrates key movement between devices: claiming
// one-time keys to bootstrap pairwise sessions, fanning room keys out over
// those sessions, and importing the shares that arrive. Per-device network
// failures are retried with capped exponential backoff and never abort the
// rest of a batch.
package distribution
