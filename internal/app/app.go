package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"cloakroom/internal/domain"
	"cloakroom/internal/services/account"
	"cloakroom/internal/services/distribution"
	"cloakroom/internal/services/group"
	"cloakroom/internal/services/pairwise"
	"cloakroom/internal/services/router"
	"cloakroom/internal/store"
)

// Machine is the high-level facade over the session engine. Commands and
// embedding applications talk to it; the underlying stores stay reachable for
// anything the facade does not cover.
type Machine struct {
	Account     *account.Service
	Pairwise    *pairwise.Store
	Groups      *group.Manager
	Coordinator *distribution.Coordinator
	Router      *router.Router
	Blobs       *store.BlobStore

	log logrus.FieldLogger

	mu          sync.Mutex
	onRecovered func(room domain.RoomID, id domain.SessionID, plaintexts [][]byte)
}

// SetRecoveredHandler installs the callback fired with the plaintexts that a
// newly imported room key recovered from the pending queue.
func (m *Machine) SetRecoveredHandler(fn func(room domain.RoomID, id domain.SessionID, plaintexts [][]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRecovered = fn
}

// Initialise generates the device's long-term identity, one-time key pool and
// fallback key, then publishes the signed bundle to the key server.
func (m *Machine) Initialise(ctx context.Context, oneTimeKeys int) (domain.SignedKeyBundle, error) {
	bundle, err := m.Account.GenerateKeys(oneTimeKeys)
	if err != nil {
		return domain.SignedKeyBundle{}, err
	}
	if err := m.Coordinator.UploadDeviceKeys(ctx); err != nil {
		return bundle, fmt.Errorf("upload device keys: %w", err)
	}
	return bundle, nil
}

// EncryptForRoom seals plaintext for the room, sharing the active session
// with members first so every recipient can decrypt from the message's index.
// The share outcomes report per-device key distribution results.
func (m *Machine) EncryptForRoom(ctx context.Context, room domain.RoomID, members []domain.DeviceIdentity, plaintext []byte) (domain.Envelope, []distribution.ShareOutcome, error) {
	outcomes, err := m.Coordinator.ShareRoomKey(ctx, room, members)
	if err != nil {
		return domain.Envelope{}, nil, err
	}

	msg, rotated, err := m.Groups.Encrypt(room, plaintext)
	if err != nil {
		return domain.Envelope{}, outcomes, err
	}
	if rotated {
		// The share above already rotated any due session, so this only
		// happens when rotation raced in between. Re-share so members hold
		// the session the message was actually sealed under.
		more, err := m.Coordinator.ShareRoomKey(ctx, room, members)
		if err != nil {
			return domain.Envelope{}, outcomes, err
		}
		outcomes = append(outcomes, more...)
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return domain.Envelope{}, outcomes, err
	}
	return domain.Envelope{
		Kind:      domain.KindGroup,
		SenderKey: m.Account.IdentityKey(),
		RoomID:    room,
		SessionID: msg.SessionID,
		Payload:   raw,
	}, outcomes, nil
}

// DecryptFromRoom opens an incoming envelope, parking it for retry when the
// session key has not arrived yet.
func (m *Machine) DecryptFromRoom(env domain.Envelope) ([]byte, error) {
	return m.Router.Route(env)
}

// EncryptForDevice seals plaintext on the pairwise session with one peer
// device, establishing the session from a claimed one-time key if needed.
func (m *Machine) EncryptForDevice(ctx context.Context, target domain.DeviceIdentity, plaintext []byte) (domain.Envelope, error) {
	if !m.Pairwise.HasSession(target.IdentityKey) {
		outcomes := m.Coordinator.ClaimOneTimeKeys(ctx, []domain.DeviceIdentity{target})
		for _, o := range outcomes {
			if o.Err != nil {
				return domain.Envelope{}, o.Err
			}
		}
	}
	msg, err := m.Pairwise.Encrypt(target.IdentityKey, plaintext)
	if err != nil {
		return domain.Envelope{}, err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return domain.Envelope{}, err
	}
	return domain.Envelope{
		Kind:      domain.KindPairwise,
		SenderKey: m.Account.IdentityKey(),
		SessionID: msg.SessionID,
		Payload:   raw,
	}, nil
}

// DecryptFromDevice opens a pairwise envelope.
func (m *Machine) DecryptFromDevice(env domain.Envelope) ([]byte, error) {
	return m.Pairwise.Decrypt(env)
}

// ReceiveKeyShare ingests a pairwise envelope carrying a room key. Parked
// ciphertexts the key unlocks are delivered through the recovered handler.
func (m *Machine) ReceiveKeyShare(ctx context.Context, env domain.Envelope) error {
	return m.Coordinator.HandleIncomingKeyShare(ctx, env)
}

// EnsureOutboundSession makes sure the room has a live outbound session and
// that every member holds it. Members that already do are skipped.
func (m *Machine) EnsureOutboundSession(ctx context.Context, room domain.RoomID, members []domain.DeviceIdentity) ([]distribution.ShareOutcome, error) {
	return m.Coordinator.ShareRoomKey(ctx, room, members)
}

// RotateRoomKey discards the room's outbound session and shares a fresh one
// with members.
func (m *Machine) RotateRoomKey(ctx context.Context, room domain.RoomID, members []domain.DeviceIdentity) ([]distribution.ShareOutcome, error) {
	if _, err := m.Groups.RotateOutbound(room); err != nil {
		return nil, err
	}
	return m.Coordinator.ShareRoomKey(ctx, room, members)
}

// ExportRoomHistory exports an inbound session from atIndex onwards, the form
// handed to a newly verified own device so it can read back history.
func (m *Machine) ExportRoomHistory(room domain.RoomID, id domain.SessionID, atIndex uint32) (domain.ExportedGroupSession, error) {
	return m.Groups.ExportSession(room, id, atIndex)
}

// Persist seals the whole engine state under storageKey and writes it to the
// state directory.
func (m *Machine) Persist(storageKey string) error {
	identity, oneTime, fallback := m.Account.ExportState()
	outbound, active, inbound := m.Groups.ExportState()
	snapshot := domain.AccountSnapshot{
		DeviceID:         m.Account.DeviceID(),
		Identity:         identity,
		OneTimeKeys:      oneTime,
		FallbackKey:      fallback,
		PairwiseSessions: m.Pairwise.ExportState(),
		OutboundSessions: outbound,
		ActiveOutbound:   active,
		InboundSessions:  inbound,
		Pending:          m.Router.ExportState(),
	}
	sealed, err := store.Seal(snapshot, storageKey)
	if err != nil {
		return err
	}
	return m.Blobs.Save(sealed)
}

// Restore loads the sealed blob from the state directory and rebuilds the
// engine state. Returns false when no blob exists yet.
func (m *Machine) Restore(storageKey string) (bool, error) {
	sealed, ok, err := m.Blobs.Load()
	if err != nil || !ok {
		return ok, err
	}
	snapshot, err := store.Open(sealed, storageKey)
	if err != nil {
		return false, err
	}
	m.Account.ImportState(snapshot.DeviceID, snapshot.Identity, snapshot.OneTimeKeys, snapshot.FallbackKey)
	m.Pairwise.ImportState(snapshot.PairwiseSessions)
	if err := m.Groups.ImportState(snapshot.OutboundSessions, snapshot.ActiveOutbound, snapshot.InboundSessions); err != nil {
		return false, err
	}
	m.Router.ImportState(snapshot.Pending)
	return true, nil
}

func (m *Machine) retryRecovered(room domain.RoomID, id domain.SessionID) {
	m.notifyRecovered(room, id, m.Router.RetryPending(room, id))
}

func (m *Machine) notifyRecovered(room domain.RoomID, id domain.SessionID, plaintexts [][]byte) {
	if len(plaintexts) == 0 {
		return
	}
	m.log.WithFields(logrus.Fields{
		"room":      room,
		"session":   id,
		"recovered": len(plaintexts),
	}).Info("recovered pending messages")

	m.mu.Lock()
	fn := m.onRecovered
	m.mu.Unlock()
	if fn != nil {
		fn(room, id, plaintexts)
	}
}
