package account

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"cloakroom/internal/crypto"
	"cloakroom/internal/domain"
)

// DefaultOneTimeKeyCount is how many one-time keys GenerateKeys creates when
// the config leaves the count zero.
const DefaultOneTimeKeyCount = 50

// Config selects the device id and the initial one-time key pool size.
type Config struct {
	DeviceID        string
	OneTimeKeyCount int
}

// Service is the identity account: long-term keys, one-time key pool, and the
// fallback key. All mutation goes through the mutex; used one-time key records
// are retained so their ids are never reissued.
type Service struct {
	mu       sync.Mutex
	deviceID string
	identity domain.Identity
	oneTime  map[string]*domain.OneTimeKey
	fallback *domain.FallbackKey

	now func() time.Time
}

// New returns an empty account. Call GenerateKeys or ImportState before use.
func New(cfg Config) *Service {
	return &Service{
		deviceID: cfg.DeviceID,
		oneTime:  make(map[string]*domain.OneTimeKey),
		now:      time.Now,
	}
}

// GenerateKeys creates the identity key pair, the configured number of
// one-time keys, and one fallback key, and returns the signed public bundle.
func (s *Service) GenerateKeys(count int) (domain.SignedKeyBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if count <= 0 {
		count = DefaultOneTimeKeyCount
	}

	xPriv, xPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.SignedKeyBundle{}, err
	}
	edPriv, edPub, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.SignedKeyBundle{}, err
	}
	s.identity = domain.Identity{XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv}

	if _, err := s.mintOneTimeKeys(count); err != nil {
		return domain.SignedKeyBundle{}, err
	}
	if err := s.mintFallbackKey(); err != nil {
		return domain.SignedKeyBundle{}, err
	}
	return s.signedBundleLocked()
}

// ReplenishOneTimeKeys mints n fresh unpublished one-time keys.
func (s *Service) ReplenishOneTimeKeys(n int) ([]domain.PublicOneTimeKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mintOneTimeKeys(n)
}

// ReplaceFallbackKey retires the current fallback key and mints a new one.
func (s *Service) ReplaceFallbackKey() (domain.PublicOneTimeKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mintFallbackKey(); err != nil {
		return domain.PublicOneTimeKey{}, err
	}
	return domain.PublicOneTimeKey{ID: s.fallback.ID, Key: s.fallback.Pub, Fallback: true}, nil
}

// MarkKeysPublished flags the given key ids as uploaded. Unknown ids fail the
// whole call; nothing is partially applied.
func (s *Service) MarkKeysPublished(ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, ok := s.oneTime[id]; !ok && (s.fallback == nil || s.fallback.ID != id) {
			return fmt.Errorf("mark published %q: %w", id, domain.ErrUnknownKeyID)
		}
	}
	for _, id := range ids {
		if k, ok := s.oneTime[id]; ok {
			k.Published = true
		} else {
			s.fallback.Published = true
		}
	}
	return nil
}

// MarkOneTimeKeyUsed retires a one-time key exactly once. The record stays in
// the pool so the id can never be reissued or reused.
func (s *Service) MarkOneTimeKeyUsed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.oneTime[id]
	if !ok {
		return fmt.Errorf("mark used %q: %w", id, domain.ErrUnknownKeyID)
	}
	if k.Used {
		return fmt.Errorf("mark used %q: already used: %w", id, domain.ErrUnknownKeyID)
	}
	k.Used = true
	return nil
}

// ConsumeOneTimeKey returns the private half for a referenced key id during
// session bootstrap. One-time keys are retired on consumption; the fallback
// key is returned without being retired.
func (s *Service) ConsumeOneTimeKey(id string) (domain.X25519Private, domain.X25519Public, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.oneTime[id]; ok {
		if k.Used {
			return domain.X25519Private{}, domain.X25519Public{}, fmt.Errorf("one-time key %q: %w", id, domain.ErrUnknownOneTimeKey)
		}
		k.Used = true
		return k.Priv, k.Pub, nil
	}
	if s.fallback != nil && s.fallback.ID == id {
		return s.fallback.Priv, s.fallback.Pub, nil
	}
	return domain.X25519Private{}, domain.X25519Public{}, fmt.Errorf("one-time key %q: %w", id, domain.ErrUnknownOneTimeKey)
}

// RestoreOneTimeKey returns a consumed one-time key to the pool. Session
// bootstrap calls it when the pre-key message fails to authenticate, so a
// garbage message referencing a public key id cannot burn the key. Unknown
// and fallback ids are ignored.
func (s *Service) RestoreOneTimeKey(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.oneTime[id]; ok {
		k.Used = false
	}
}

// UnpublishedKeyCount reports how many live one-time keys still await upload,
// for replenishment decisions.
func (s *Service) UnpublishedKeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, k := range s.oneTime {
		if !k.Published && !k.Used {
			n++
		}
	}
	return n
}

// LiveKeyCount reports how many one-time keys remain claimable.
func (s *Service) LiveKeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, k := range s.oneTime {
		if !k.Used {
			n++
		}
	}
	return n
}

// SignedBundle assembles the uploadable public bundle: unpublished one-time
// keys plus the fallback key, signed by the identity signing key.
func (s *Service) SignedBundle() (domain.SignedKeyBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signedBundleLocked()
}

// DeviceID returns the local device id.
func (s *Service) DeviceID() string { return s.deviceID }

// Identity is the scoped accessor the ratchet engine bootstraps sessions with.
func (s *Service) Identity() domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// IdentityKey returns the public Curve25519 identity key.
func (s *Service) IdentityKey() domain.X25519Public {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity.XPub
}

// Sign signs msg with the identity signing key.
func (s *Service) Sign(msg []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return crypto.SignEd25519(s.identity.EdPriv, msg)
}

// Fingerprint returns a short fingerprint of the identity key for display.
func (s *Service) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return crypto.Fingerprint(s.identity.XPub.Slice())
}

// ExportState deep-copies the account for the persistence codec.
func (s *Service) ExportState() (domain.Identity, []domain.OneTimeKey, *domain.FallbackKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]domain.OneTimeKey, 0, len(s.oneTime))
	for _, k := range s.oneTime {
		keys = append(keys, *k)
	}
	var fb *domain.FallbackKey
	if s.fallback != nil {
		cp := *s.fallback
		fb = &cp
	}
	return s.identity, keys, fb
}

// ImportState replaces the account contents from a restored snapshot.
func (s *Service) ImportState(deviceID string, id domain.Identity, keys []domain.OneTimeKey, fb *domain.FallbackKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deviceID = deviceID
	s.identity = id
	s.oneTime = make(map[string]*domain.OneTimeKey, len(keys))
	for i := range keys {
		k := keys[i]
		s.oneTime[k.ID] = &k
	}
	s.fallback = nil
	if fb != nil {
		cp := *fb
		s.fallback = &cp
	}
}

func (s *Service) mintOneTimeKeys(n int) ([]domain.PublicOneTimeKey, error) {
	out := make([]domain.PublicOneTimeKey, 0, n)
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		k := &domain.OneTimeKey{
			ID:        "otk-" + uuid.NewString(),
			Pub:       pub,
			Priv:      priv,
			CreatedAt: s.now(),
		}
		s.oneTime[k.ID] = k
		out = append(out, domain.PublicOneTimeKey{ID: k.ID, Key: k.Pub})
	}
	return out, nil
}

func (s *Service) mintFallbackKey() error {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	s.fallback = &domain.FallbackKey{
		ID:        "fbk-" + uuid.NewString(),
		Pub:       pub,
		Priv:      priv,
		CreatedAt: s.now(),
	}
	return nil
}

func (s *Service) signedBundleLocked() (domain.SignedKeyBundle, error) {
	bundle := domain.SignedKeyBundle{
		DeviceID:    s.deviceID,
		IdentityKey: s.identity.XPub,
		SigningKey:  s.identity.EdPub,
	}
	for _, k := range s.oneTime {
		if !k.Published && !k.Used {
			bundle.OneTimeKeys = append(bundle.OneTimeKeys, domain.PublicOneTimeKey{ID: k.ID, Key: k.Pub})
		}
	}
	if s.fallback != nil {
		bundle.FallbackKey = &domain.PublicOneTimeKey{ID: s.fallback.ID, Key: s.fallback.Pub, Fallback: true}
	}

	canonical, err := json.Marshal(bundle)
	if err != nil {
		return domain.SignedKeyBundle{}, err
	}
	bundle.Signature = crypto.SignEd25519(s.identity.EdPriv, canonical)
	return bundle, nil
}
