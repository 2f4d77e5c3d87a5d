package group

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"cloakroom/internal/crypto"
	"cloakroom/internal/domain"
	"cloakroom/internal/protocol/megolm"
	"cloakroom/internal/services/account"
)

// Policy defaults. Rotation thresholds follow the values the protocol family
// ships with; the cache size bounds reordering/duplicate tolerance per
// inbound session.
const (
	DefaultRotationMessages    = 100
	DefaultRotationPeriod      = 7 * 24 * time.Hour
	DefaultMessageKeyCacheSize = 64
)

// Config carries the rotation and cache policy.
type Config struct {
	RotationMessages    uint32
	RotationPeriod      time.Duration
	MessageKeyCacheSize int
}

func (c *Config) applyDefaults() {
	if c.RotationMessages == 0 {
		c.RotationMessages = DefaultRotationMessages
	}
	if c.RotationPeriod == 0 {
		c.RotationPeriod = DefaultRotationPeriod
	}
	if c.MessageKeyCacheSize == 0 {
		c.MessageKeyCacheSize = DefaultMessageKeyCacheSize
	}
}

// Manager owns the outbound and inbound group session collections.
type Manager struct {
	mu      sync.RWMutex
	cfg     Config
	account *account.Service

	active   map[domain.RoomID]*outboundSession
	outbound map[domain.SessionID]*outboundSession // active and superseded
	inbound  map[inboundKey]*inboundSession

	now func() time.Time
}

type inboundKey struct {
	room domain.RoomID
	id   domain.SessionID
}

type outboundSession struct {
	data domain.OutboundGroupSession
}

type inboundSession struct {
	mu    sync.Mutex
	data  domain.InboundGroupSession
	cache *lru.Cache[uint32, []byte]
}

// New returns an empty manager with the given policy.
func New(acct *account.Service, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		account:  acct,
		active:   make(map[domain.RoomID]*outboundSession),
		outbound: make(map[domain.SessionID]*outboundSession),
		inbound:  make(map[inboundKey]*inboundSession),
		now:      time.Now,
	}
}

// RotateOutbound creates a fresh outbound session for the room and makes it
// current. The superseded session stays available for decrypting in-flight
// messages. The returned export (at index 0) is what needs sharing.
func (m *Manager) RotateOutbound(room domain.RoomID) (domain.ExportedGroupSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateLocked(room)
}

// EnsureOutbound returns the current session's export, creating the session
// if the room has none. created reports whether a new share is required.
func (m *Manager) EnsureOutbound(room domain.RoomID) (export domain.ExportedGroupSession, created bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.active[room]; ok && !m.rotationDueLocked(sess) {
		return exportOutboundAt(sess.data, sess.data.Index), false, nil
	}
	export, err = m.rotateLocked(room)
	return export, true, err
}

// Encrypt seals plaintext under the room's active session and returns the
// signed group message. Rotation triggered by the message-count or age
// threshold completes before any ciphertext past the threshold is produced;
// rotated tells the caller a new key share is required.
func (m *Manager) Encrypt(room domain.RoomID, plaintext []byte) (msg domain.GroupMessage, rotated bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.active[room]
	if !ok || m.rotationDueLocked(sess) {
		if _, err := m.rotateLocked(room); err != nil {
			return domain.GroupMessage{}, false, err
		}
		sess = m.active[room]
		rotated = true
	}

	data := &sess.data
	mk := megolm.MessageKey(data.ChainKey, data.Index)
	ct, err := crypto.Seal(mk, data.Index, groupAD(room, data.ID), plaintext)
	if err != nil {
		return domain.GroupMessage{}, rotated, err
	}
	sig := crypto.SignEd25519(data.SigningPriv, megolm.SigningBytes(data.ID, data.Index, ct))

	msg = domain.GroupMessage{
		SessionID:  data.ID,
		Index:      data.Index,
		Ciphertext: ct,
		Signature:  sig,
	}
	data.ChainKey = megolm.Advance(data.ChainKey)
	data.Index++
	return msg, rotated, nil
}

// CurrentSessionID returns the active outbound session id for the room.
func (m *Manager) CurrentSessionID(room domain.RoomID) (domain.SessionID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.active[room]
	if !ok {
		return "", false
	}
	return sess.data.ID, true
}

// ExportCurrent exports the room's active session at its current index, the
// form shared with other devices. New recipients cannot read anything sent
// before the export point.
func (m *Manager) ExportCurrent(room domain.RoomID) (domain.ExportedGroupSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.active[room]
	if !ok {
		return domain.ExportedGroupSession{}, fmt.Errorf("no outbound session for room %s: %w", room, domain.ErrUnknownSession)
	}
	return exportOutboundAt(sess.data, sess.data.Index), nil
}

// ImportInbound creates an inbound session from exported ratchet state, or
// merges the export into an existing session.
//
// Policy (documented choice): an unverified import never downgrades or
// replaces an existing verified session - it is rejected with
// ErrSessionVerificationMismatch. An unverified import for an unknown session
// id is accepted and the session stays unverified. A verified full export
// (FirstKnownIndex 0) may rewind an existing session's low-water mark; any
// other rewind attempt is rejected.
func (m *Manager) ImportInbound(export domain.ExportedGroupSession, senderKey domain.X25519Public, verified bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.importInboundLocked(export, senderKey, verified)
}

// Decrypt opens a group message. Indices below the session's low-water mark
// succeed only from the bounded message-key cache; everything else at or past
// the mark advances the ratchet irreversibly.
func (m *Manager) Decrypt(room domain.RoomID, msg domain.GroupMessage) ([]byte, error) {
	m.mu.RLock()
	sess, ok := m.inbound[inboundKey{room: room, id: msg.SessionID}]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inbound session %s in room %s: %w", msg.SessionID, room, domain.ErrUnknownSession)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	data := &sess.data
	if !crypto.VerifyEd25519(data.SigningPub, megolm.SigningBytes(msg.SessionID, msg.Index, msg.Ciphertext), msg.Signature) {
		return nil, fmt.Errorf("group message signature: %w", domain.ErrMalformedCiphertext)
	}

	ad := groupAD(room, msg.SessionID)

	if msg.Index < data.FirstKnownIndex {
		mk, ok := sess.cache.Get(msg.Index)
		if !ok {
			return nil, fmt.Errorf("index %d below first known index %d: %w", msg.Index, data.FirstKnownIndex, domain.ErrReplayOrIndexTooOld)
		}
		pt, err := crypto.Open(mk, msg.Index, ad, msg.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("group decrypt (cached key): %w", domain.ErrMalformedCiphertext)
		}
		return pt, nil
	}

	// Derive forward from the low-water mark, keeping the skipped keys so
	// slightly reordered delivery can still be served from the cache.
	chain := append([]byte(nil), data.ChainKey...)
	skipped := make([]domain.CachedMessageKey, 0, msg.Index-data.FirstKnownIndex)
	for i := data.FirstKnownIndex; i < msg.Index; i++ {
		skipped = append(skipped, domain.CachedMessageKey{Index: i, Key: megolm.MessageKey(chain, i)})
		chain = megolm.Advance(chain)
	}
	mk := megolm.MessageKey(chain, msg.Index)

	pt, err := crypto.Open(mk, msg.Index, ad, msg.Ciphertext)
	if err != nil {
		// Nothing was committed; the ratchet position is unchanged.
		return nil, fmt.Errorf("group decrypt: %w", domain.ErrMalformedCiphertext)
	}

	// Commit: advance past the consumed index. This is the forward-secrecy
	// step - the keys for everything up to and including msg.Index are now
	// derivable only from the bounded cache.
	for _, sk := range skipped {
		sess.cache.Add(sk.Index, sk.Key)
	}
	sess.cache.Add(msg.Index, mk)
	data.ChainKey = megolm.Advance(chain)
	data.FirstKnownIndex = msg.Index + 1
	return pt, nil
}

// ExportSession exports an inbound session at atIndex, for forwarding room
// history to a newly trusted device. Fails if the ratchet is already past
// atIndex.
func (m *Manager) ExportSession(room domain.RoomID, id domain.SessionID, atIndex uint32) (domain.ExportedGroupSession, error) {
	m.mu.RLock()
	sess, ok := m.inbound[inboundKey{room: room, id: id}]
	m.mu.RUnlock()
	if !ok {
		return domain.ExportedGroupSession{}, fmt.Errorf("inbound session %s in room %s: %w", id, room, domain.ErrUnknownSession)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	chain, err := megolm.AdvanceTo(sess.data.ChainKey, sess.data.FirstKnownIndex, atIndex)
	if err != nil {
		return domain.ExportedGroupSession{}, fmt.Errorf("export at index %d: %w", atIndex, domain.ErrReplayOrIndexTooOld)
	}
	return domain.ExportedGroupSession{
		RoomID:          room,
		SessionID:       id,
		ChainKey:        chain,
		FirstKnownIndex: atIndex,
		SigningPub:      sess.data.SigningPub,
	}, nil
}

// InboundSessionCount returns how many inbound sessions are known.
func (m *Manager) InboundSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.inbound)
}

// ExportState snapshots all group state for the persistence codec.
func (m *Manager) ExportState() ([]domain.OutboundGroupSession, map[domain.RoomID]domain.SessionID, []domain.InboundSessionSnapshot) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	outbound := make([]domain.OutboundGroupSession, 0, len(m.outbound))
	for _, sess := range m.outbound {
		outbound = append(outbound, cloneOutbound(sess.data))
	}
	active := make(map[domain.RoomID]domain.SessionID, len(m.active))
	for room, sess := range m.active {
		active[room] = sess.data.ID
	}

	inbound := make([]domain.InboundSessionSnapshot, 0, len(m.inbound))
	for _, sess := range m.inbound {
		sess.mu.Lock()
		snap := domain.InboundSessionSnapshot{Session: cloneInbound(sess.data)}
		for _, idx := range sess.cache.Keys() { // oldest first
			if mk, ok := sess.cache.Peek(idx); ok {
				snap.CachedKeys = append(snap.CachedKeys, domain.CachedMessageKey{
					Index: idx,
					Key:   append([]byte(nil), mk...),
				})
			}
		}
		sess.mu.Unlock()
		inbound = append(inbound, snap)
	}
	return outbound, active, inbound
}

// ImportState replaces the manager contents from a restored snapshot.
func (m *Manager) ImportState(
	outbound []domain.OutboundGroupSession,
	active map[domain.RoomID]domain.SessionID,
	inbound []domain.InboundSessionSnapshot,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.outbound = make(map[domain.SessionID]*outboundSession, len(outbound))
	m.active = make(map[domain.RoomID]*outboundSession, len(active))
	m.inbound = make(map[inboundKey]*inboundSession, len(inbound))

	for _, data := range outbound {
		m.outbound[data.ID] = &outboundSession{data: cloneOutbound(data)}
	}
	for room, id := range active {
		if sess, ok := m.outbound[id]; ok {
			m.active[room] = sess
		}
	}
	for _, snap := range inbound {
		cache, err := lru.New[uint32, []byte](m.cfg.MessageKeyCacheSize)
		if err != nil {
			return err
		}
		for _, ck := range snap.CachedKeys {
			cache.Add(ck.Index, append([]byte(nil), ck.Key...))
		}
		data := cloneInbound(snap.Session)
		m.inbound[inboundKey{room: data.RoomID, id: data.ID}] = &inboundSession{data: data, cache: cache}
	}
	return nil
}

func (m *Manager) rotateLocked(room domain.RoomID) (domain.ExportedGroupSession, error) {
	chain, err := megolm.NewChainKey()
	if err != nil {
		return domain.ExportedGroupSession{}, err
	}
	signPriv, signPub, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.ExportedGroupSession{}, err
	}

	sess := &outboundSession{data: domain.OutboundGroupSession{
		ID:          domain.SessionID(uuid.NewString()),
		RoomID:      room,
		ChainKey:    chain,
		SigningPub:  signPub,
		SigningPriv: signPriv,
		CreatedAt:   m.now(),
	}}
	m.outbound[sess.data.ID] = sess
	m.active[room] = sess

	// Self-import so our own messages under this session can be decrypted
	// through the same inbound path as everyone else's.
	export := exportOutboundAt(sess.data, 0)
	if err := m.importInboundLocked(export, m.account.IdentityKey(), true); err != nil {
		return domain.ExportedGroupSession{}, err
	}
	return export, nil
}

func (m *Manager) rotationDueLocked(sess *outboundSession) bool {
	return sess.data.Index >= m.cfg.RotationMessages ||
		m.now().Sub(sess.data.CreatedAt) > m.cfg.RotationPeriod
}

func (m *Manager) importInboundLocked(export domain.ExportedGroupSession, senderKey domain.X25519Public, verified bool) error {
	key := inboundKey{room: export.RoomID, id: export.SessionID}

	existing, ok := m.inbound[key]
	if !ok {
		cache, err := lru.New[uint32, []byte](m.cfg.MessageKeyCacheSize)
		if err != nil {
			return err
		}
		m.inbound[key] = &inboundSession{
			data: domain.InboundGroupSession{
				RoomID:          export.RoomID,
				ID:              export.SessionID,
				ChainKey:        append([]byte(nil), export.ChainKey...),
				FirstKnownIndex: export.FirstKnownIndex,
				SigningPub:      export.SigningPub,
				SenderKey:       senderKey,
				Verified:        verified,
				CreatedAt:       m.now(),
			},
			cache: cache,
		}
		return nil
	}

	existing.mu.Lock()
	defer existing.mu.Unlock()

	if existing.data.SigningPub != export.SigningPub {
		return fmt.Errorf("signing key changed for session %s: %w", export.SessionID, domain.ErrSessionVerificationMismatch)
	}
	if existing.data.Verified && !verified {
		return fmt.Errorf("unverified share for verified session %s: %w", export.SessionID, domain.ErrSessionVerificationMismatch)
	}

	switch {
	case export.FirstKnownIndex < existing.data.FirstKnownIndex:
		// Rewinding the low-water mark is only legitimate for a verified full
		// export, which extends our reach into history.
		if export.FirstKnownIndex != 0 || !verified {
			return fmt.Errorf("import would rewind first known index %d to %d: %w",
				existing.data.FirstKnownIndex, export.FirstKnownIndex, domain.ErrSessionVerificationMismatch)
		}
		existing.data.ChainKey = append([]byte(nil), export.ChainKey...)
		existing.data.FirstKnownIndex = export.FirstKnownIndex
	default:
		// The existing session already reaches at least as far back; keep it.
	}
	if verified {
		existing.data.Verified = true
	}
	return nil
}

func exportOutboundAt(data domain.OutboundGroupSession, index uint32) domain.ExportedGroupSession {
	return domain.ExportedGroupSession{
		RoomID:          data.RoomID,
		SessionID:       data.ID,
		ChainKey:        append([]byte(nil), data.ChainKey...),
		FirstKnownIndex: index,
		SigningPub:      data.SigningPub,
	}
}

func groupAD(room domain.RoomID, id domain.SessionID) []byte {
	out := make([]byte, 0, len(room)+1+len(id))
	out = append(out, room...)
	out = append(out, 0)
	out = append(out, id...)
	return out
}

func cloneOutbound(in domain.OutboundGroupSession) domain.OutboundGroupSession {
	out := in
	out.ChainKey = append([]byte(nil), in.ChainKey...)
	return out
}

func cloneInbound(in domain.InboundGroupSession) domain.InboundGroupSession {
	out := in
	out.ChainKey = append([]byte(nil), in.ChainKey...)
	return out
}
