package domain

// InboundSessionSnapshot couples an inbound session's ratchet state with the
// contents of its message-key cache, oldest first.
type InboundSessionSnapshot struct {
	Session    InboundGroupSession `json:"session"`
	CachedKeys []CachedMessageKey  `json:"cached_keys,omitempty"`
}

// AccountSnapshot is the full session corpus the persistence codec seals into
// one blob: identity, key pool, every pairwise and group session, and the
// pending-decryption queue. The codec only ever borrows it; ownership of the
// live state stays with the stores that produced it.
//
// Pending entries keep their ciphertext: the queue is bounded, so the cost is
// capped, and retry convergence then survives a restart without asking the
// transport to re-deliver.
type AccountSnapshot struct {
	Version          int                      `json:"version"`
	DeviceID         string                   `json:"device_id"`
	Identity         Identity                 `json:"identity"`
	OneTimeKeys      []OneTimeKey             `json:"one_time_keys,omitempty"`
	FallbackKey      *FallbackKey             `json:"fallback_key,omitempty"`
	PairwiseSessions []PairwiseSession        `json:"pairwise_sessions,omitempty"`
	OutboundSessions []OutboundGroupSession   `json:"outbound_sessions,omitempty"`
	ActiveOutbound   map[RoomID]SessionID     `json:"active_outbound,omitempty"`
	InboundSessions  []InboundSessionSnapshot `json:"inbound_sessions,omitempty"`
	Pending          []PendingDecryption      `json:"pending,omitempty"`
}
