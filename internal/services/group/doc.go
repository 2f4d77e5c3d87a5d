// Package group manages this device's outbound room ratchets (one active per
// room) and every known inbound room ratchet. Outbound sessions rotate on
// message-count and age thresholds; inbound sessions only ever advance, which
// is what makes compromise of current state useless against history.
package group
