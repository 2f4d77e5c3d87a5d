package pairwise

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cloakroom/internal/domain"
	"cloakroom/internal/protocol/olm"
	"cloakroom/internal/services/account"
)

// Store owns every pairwise session this device holds. The store-level lock
// guards the maps; each session carries its own mutex so ratchet advancement
// for different session ids never serializes.
type Store struct {
	mu       sync.RWMutex
	account  *account.Service
	sessions map[string]map[domain.SessionID]*session // peer key hex -> session id
	mru      map[string]domain.SessionID              // peer key hex -> most recently used

	now func() time.Time
}

type session struct {
	mu   sync.Mutex
	data domain.PairwiseSession
}

// New returns an empty store bound to the local account.
func New(acct *account.Service) *Store {
	return &Store{
		account:  acct,
		sessions: make(map[string]map[domain.SessionID]*session),
		mru:      make(map[string]domain.SessionID),
		now:      time.Now,
	}
}

// CreateOutbound establishes a new session against a peer's claimed one-time
// key. The first ciphertext sent over it embeds the key's id so the receiver
// can locate and retire it.
func (s *Store) CreateOutbound(peerIdentity domain.X25519Public, oneTimeKey domain.PublicOneTimeKey) (domain.SessionID, error) {
	boot, err := olm.InitiatorBootstrap(s.account.Identity(), peerIdentity, oneTimeKey.Key)
	if err != nil {
		return "", err
	}
	st, err := olm.InitAsInitiator(boot.Root, peerIdentity)
	if err != nil {
		return "", err
	}

	now := s.now()
	sess := &session{data: domain.PairwiseSession{
		ID:              boot.SessionID,
		PeerIdentityKey: peerIdentity,
		State:           st,
		Handshake: &domain.HandshakeInfo{
			EphemeralKey: boot.EphemeralPub,
			OneTimeKeyID: oneTimeKey.ID,
		},
		CreatedAt:  now,
		LastUsedAt: now,
	}}

	s.mu.Lock()
	defer s.mu.Unlock()
	peer := peerIdentity.Hex()
	if s.sessions[peer] == nil {
		s.sessions[peer] = make(map[domain.SessionID]*session)
	}
	s.sessions[peer][boot.SessionID] = sess
	s.mru[peer] = boot.SessionID
	return boot.SessionID, nil
}

// Encrypt advances the sending ratchet of the peer's most recently used
// session. The returned message is a pre-key message while the session is
// still unconfirmed, normal afterwards.
func (s *Store) Encrypt(peerIdentity domain.X25519Public, plaintext []byte) (domain.PairwiseMessage, error) {
	sess, ok := s.mruSession(peerIdentity)
	if !ok {
		return domain.PairwiseMessage{}, fmt.Errorf("no session for peer %s: %w", peerIdentity.Hex()[:8], domain.ErrUnknownSession)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	header, ct, err := olm.Encrypt(&sess.data.State, sess.data.ID.Bytes(), plaintext)
	if err != nil {
		return domain.PairwiseMessage{}, err
	}
	sess.data.LastUsedAt = s.now()

	msg := domain.PairwiseMessage{
		Type:              domain.PairwiseTypeNormal,
		SessionID:         sess.data.ID,
		SenderIdentityKey: s.account.IdentityKey(),
		Header:            header,
		Ciphertext:        ct,
	}
	if hs := sess.data.Handshake; hs != nil {
		eph := hs.EphemeralKey
		msg.Type = domain.PairwiseTypePreKey
		msg.EphemeralKey = &eph
		msg.OneTimeKeyID = hs.OneTimeKeyID
	}
	return msg, nil
}

// Decrypt routes a pairwise envelope to its session, creating one first when
// a pre-key message references one of our one-time keys. Authentication
// failures surface as ErrMalformedCiphertext.
func (s *Store) Decrypt(env domain.Envelope) ([]byte, error) {
	var msg domain.PairwiseMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return nil, fmt.Errorf("pairwise payload: %w", domain.ErrMalformedCiphertext)
	}

	if sess, ok := s.lookup(msg.SenderIdentityKey, msg.SessionID); ok {
		return s.decryptOn(sess, msg)
	}
	if msg.Type == domain.PairwiseTypePreKey {
		return s.createInboundAndDecrypt(msg)
	}
	return nil, fmt.Errorf("pairwise session %s: %w", msg.SessionID, domain.ErrUnknownSession)
}

// HasSession reports whether any session exists for the peer device.
func (s *Store) HasSession(peerIdentity domain.X25519Public) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions[peerIdentity.Hex()]) > 0
}

// SessionCount returns the total number of stored sessions.
func (s *Store) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.sessions {
		n += len(m)
	}
	return n
}

// ExportState snapshots every session for the persistence codec. Each session
// lock is taken briefly so no ratchet is observed mid-advance.
func (s *Store) ExportState() []domain.PairwiseSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PairwiseSession, 0)
	for _, m := range s.sessions {
		for _, sess := range m {
			sess.mu.Lock()
			out = append(out, cloneSession(sess.data))
			sess.mu.Unlock()
		}
	}
	return out
}

// ImportState replaces the store contents from a restored snapshot. The most
// recently used session per peer is recomputed from LastUsedAt.
func (s *Store) ImportState(sessions []domain.PairwiseSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[string]map[domain.SessionID]*session)
	s.mru = make(map[string]domain.SessionID)
	lastUsed := make(map[string]time.Time)

	for _, data := range sessions {
		peer := data.PeerIdentityKey.Hex()
		if s.sessions[peer] == nil {
			s.sessions[peer] = make(map[domain.SessionID]*session)
		}
		s.sessions[peer][data.ID] = &session{data: cloneSession(data)}
		if data.LastUsedAt.After(lastUsed[peer]) {
			lastUsed[peer] = data.LastUsedAt
			s.mru[peer] = data.ID
		}
	}
}

func (s *Store) createInboundAndDecrypt(msg domain.PairwiseMessage) ([]byte, error) {
	if msg.EphemeralKey == nil || len(msg.Header.DHPub) != 32 || msg.OneTimeKeyID == "" {
		return nil, fmt.Errorf("pre-key message incomplete: %w", domain.ErrMalformedCiphertext)
	}

	otkPriv, otkPub, err := s.account.ConsumeOneTimeKey(msg.OneTimeKeyID)
	if err != nil {
		return nil, err
	}
	boot, err := olm.ResponderBootstrap(s.account.Identity(), otkPriv, otkPub, msg.SenderIdentityKey, *msg.EphemeralKey)
	if err != nil {
		s.account.RestoreOneTimeKey(msg.OneTimeKeyID)
		return nil, err
	}
	if boot.SessionID != msg.SessionID {
		s.account.RestoreOneTimeKey(msg.OneTimeKeyID)
		return nil, fmt.Errorf("session id mismatch on bootstrap: %w", domain.ErrMalformedCiphertext)
	}

	var senderRatchetPub domain.X25519Public
	copy(senderRatchetPub[:], msg.Header.DHPub)
	st, err := olm.InitAsResponder(boot.Root, s.account.Identity().XPriv, senderRatchetPub)
	if err != nil {
		s.account.RestoreOneTimeKey(msg.OneTimeKeyID)
		return nil, err
	}

	now := s.now()
	sess := &session{data: domain.PairwiseSession{
		ID:              boot.SessionID,
		PeerIdentityKey: msg.SenderIdentityKey,
		State:           st,
		CreatedAt:       now,
		LastUsedAt:      now,
	}}

	pt, err := s.decryptOn(sess, msg)
	if err != nil {
		// Neither the session nor the key consumption survives a first
		// message that fails to open: the key stays claimable.
		s.account.RestoreOneTimeKey(msg.OneTimeKeyID)
		return nil, err
	}

	s.mu.Lock()
	peer := msg.SenderIdentityKey.Hex()
	if s.sessions[peer] == nil {
		s.sessions[peer] = make(map[domain.SessionID]*session)
	}
	s.sessions[peer][sess.data.ID] = sess
	s.mru[peer] = sess.data.ID
	s.mu.Unlock()
	return pt, nil
}

func (s *Store) decryptOn(sess *session, msg domain.PairwiseMessage) ([]byte, error) {
	sess.mu.Lock()
	pt, err := olm.Decrypt(&sess.data.State, sess.data.ID.Bytes(), msg.Header, msg.Ciphertext)
	if err != nil {
		sess.mu.Unlock()
		return nil, fmt.Errorf("pairwise decrypt: %w", domain.ErrMalformedCiphertext)
	}
	// An inbound message proves the peer holds the session; stop sending
	// pre-key messages over it.
	sess.data.Handshake = nil
	sess.data.LastUsedAt = s.now()
	peer, id := sess.data.PeerIdentityKey.Hex(), sess.data.ID
	sess.mu.Unlock()

	// The session lock is released before touching the store lock so snapshot
	// and decrypt can never wait on each other in opposite order.
	s.mu.Lock()
	s.mru[peer] = id
	s.mu.Unlock()
	return pt, nil
}

func (s *Store) lookup(peer domain.X25519Public, id domain.SessionID) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[peer.Hex()][id]
	return sess, ok
}

func (s *Store) mruSession(peer domain.X25519Public) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.mru[peer.Hex()]
	if !ok {
		return nil, false
	}
	sess, ok := s.sessions[peer.Hex()][id]
	return sess, ok
}

func cloneSession(in domain.PairwiseSession) domain.PairwiseSession {
	out := in
	out.State.RootKey = append([]byte(nil), in.State.RootKey...)
	out.State.SendCK = append([]byte(nil), in.State.SendCK...)
	out.State.RecvCK = append([]byte(nil), in.State.RecvCK...)
	out.State.Skipped = make(map[string][]byte, len(in.State.Skipped))
	for k, v := range in.State.Skipped {
		out.State.Skipped[k] = append([]byte(nil), v...)
	}
	if in.Handshake != nil {
		hs := *in.Handshake
		out.Handshake = &hs
	}
	return out
}
