package pairwise_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"cloakroom/internal/domain"
	"cloakroom/internal/services/account"
	"cloakroom/internal/services/pairwise"
)

type party struct {
	account *account.Service
	store   *pairwise.Store
	bundle  domain.SignedKeyBundle
}

func newParty(t *testing.T, device string) *party {
	t.Helper()
	acct := account.New(account.Config{DeviceID: device})
	bundle, err := acct.GenerateKeys(3)
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	return &party{account: acct, store: pairwise.New(acct), bundle: bundle}
}

// send encrypts plaintext from p to peer and wraps it as an envelope.
func send(t *testing.T, p *party, peer domain.X25519Public, plaintext string) domain.Envelope {
	t.Helper()
	msg, err := p.store.Encrypt(peer, []byte(plaintext))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return domain.Envelope{
		Kind:      domain.KindPairwise,
		SenderKey: p.account.IdentityKey(),
		SessionID: msg.SessionID,
		Payload:   raw,
	}
}

func TestStore_EstablishAndConverse(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")

	id, err := alice.store.CreateOutbound(bob.account.IdentityKey(), bob.bundle.OneTimeKeys[0])
	if err != nil {
		t.Fatalf("CreateOutbound: %v", err)
	}
	if id == "" {
		t.Fatalf("empty session id")
	}
	if !alice.store.HasSession(bob.account.IdentityKey()) {
		t.Fatalf("HasSession is false after CreateOutbound")
	}

	env := send(t, alice, bob.account.IdentityKey(), "hello bob")
	pt, err := bob.store.Decrypt(env)
	if err != nil {
		t.Fatalf("bob Decrypt: %v", err)
	}
	if string(pt) != "hello bob" {
		t.Fatalf("got %q", pt)
	}
	if bob.store.SessionCount() != 1 {
		t.Fatalf("bob sessions: got %d, want 1", bob.store.SessionCount())
	}

	// Bob replies over the session the pre-key message created.
	reply := send(t, bob, alice.account.IdentityKey(), "hello alice")
	pt, err = alice.store.Decrypt(reply)
	if err != nil {
		t.Fatalf("alice Decrypt: %v", err)
	}
	if string(pt) != "hello alice" {
		t.Fatalf("got %q", pt)
	}
}

func TestStore_PreKeyTypeClearsAfterFirstInbound(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")

	if _, err := alice.store.CreateOutbound(bob.account.IdentityKey(), bob.bundle.OneTimeKeys[0]); err != nil {
		t.Fatalf("CreateOutbound: %v", err)
	}

	// Every outbound message stays a pre-key message until bob answers.
	for i := 0; i < 2; i++ {
		msg, err := alice.store.Encrypt(bob.account.IdentityKey(), []byte("ping"))
		if err != nil {
			t.Fatalf("Encrypt %d: %v", i, err)
		}
		if msg.Type != domain.PairwiseTypePreKey {
			t.Fatalf("msg %d: got type %q, want prekey", i, msg.Type)
		}
		raw, _ := json.Marshal(msg)
		if _, err := bob.store.Decrypt(domain.Envelope{
			Kind:      domain.KindPairwise,
			SenderKey: alice.account.IdentityKey(),
			SessionID: msg.SessionID,
			Payload:   raw,
		}); err != nil {
			t.Fatalf("bob Decrypt %d: %v", i, err)
		}
	}

	reply := send(t, bob, alice.account.IdentityKey(), "pong")
	if _, err := alice.store.Decrypt(reply); err != nil {
		t.Fatalf("alice Decrypt: %v", err)
	}

	msg, err := alice.store.Encrypt(bob.account.IdentityKey(), []byte("ping"))
	if err != nil {
		t.Fatalf("Encrypt after reply: %v", err)
	}
	if msg.Type != domain.PairwiseTypeNormal {
		t.Fatalf("got type %q after confirmation, want normal", msg.Type)
	}
}

func TestStore_OneTimeKeyRetiredByPreKeyMessage(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")
	otk := bob.bundle.OneTimeKeys[0]

	if _, err := alice.store.CreateOutbound(bob.account.IdentityKey(), otk); err != nil {
		t.Fatalf("CreateOutbound: %v", err)
	}
	env := send(t, alice, bob.account.IdentityKey(), "hi")
	if _, err := bob.store.Decrypt(env); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	if _, _, err := bob.account.ConsumeOneTimeKey(otk.ID); !errors.Is(err, domain.ErrUnknownOneTimeKey) {
		t.Fatalf("one-time key still claimable after bootstrap: %v", err)
	}
}

func TestStore_FailedBootstrapLeavesKeyClaimable(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")
	otk := bob.bundle.OneTimeKeys[0]

	if _, err := alice.store.CreateOutbound(bob.account.IdentityKey(), otk); err != nil {
		t.Fatalf("CreateOutbound: %v", err)
	}
	msg, err := alice.store.Encrypt(bob.account.IdentityKey(), []byte("hi bob"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	tampered := msg
	tampered.Ciphertext = append([]byte(nil), msg.Ciphertext...)
	tampered.Ciphertext[0] ^= 0x01
	raw, _ := json.Marshal(tampered)
	_, err = bob.store.Decrypt(domain.Envelope{
		Kind:      domain.KindPairwise,
		SenderKey: alice.account.IdentityKey(),
		SessionID: msg.SessionID,
		Payload:   raw,
	})
	if !errors.Is(err, domain.ErrMalformedCiphertext) {
		t.Fatalf("got %v, want ErrMalformedCiphertext", err)
	}
	if bob.store.SessionCount() != 0 {
		t.Fatalf("failed bootstrap kept a session")
	}

	// The referenced one-time key survives the failed attempt; the genuine
	// message still bootstraps the session with it.
	raw, _ = json.Marshal(msg)
	pt, err := bob.store.Decrypt(domain.Envelope{
		Kind:      domain.KindPairwise,
		SenderKey: alice.account.IdentityKey(),
		SessionID: msg.SessionID,
		Payload:   raw,
	})
	if err != nil {
		t.Fatalf("Decrypt genuine message: %v", err)
	}
	if string(pt) != "hi bob" {
		t.Fatalf("got %q", pt)
	}
}

func TestStore_ForgedMessageDoesNotDesyncSession(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")

	if _, err := alice.store.CreateOutbound(bob.account.IdentityKey(), bob.bundle.OneTimeKeys[0]); err != nil {
		t.Fatalf("CreateOutbound: %v", err)
	}
	env := send(t, alice, bob.account.IdentityKey(), "hello")
	if _, err := bob.store.Decrypt(env); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	msg, err := alice.store.Encrypt(bob.account.IdentityKey(), []byte("real one"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	forged := msg
	forged.Header.DHPub = bytes.Repeat([]byte{0x42}, 32)
	raw, _ := json.Marshal(forged)
	if _, err := bob.store.Decrypt(domain.Envelope{
		Kind:      domain.KindPairwise,
		SenderKey: alice.account.IdentityKey(),
		SessionID: msg.SessionID,
		Payload:   raw,
	}); err == nil {
		t.Fatalf("forged message decrypted")
	}

	// The rejected message must not have advanced bob's ratchet.
	raw, _ = json.Marshal(msg)
	pt, err := bob.store.Decrypt(domain.Envelope{
		Kind:      domain.KindPairwise,
		SenderKey: alice.account.IdentityKey(),
		SessionID: msg.SessionID,
		Payload:   raw,
	})
	if err != nil {
		t.Fatalf("Decrypt after forgery: %v", err)
	}
	if string(pt) != "real one" {
		t.Fatalf("got %q", pt)
	}
}

func TestStore_NormalMessageWithoutSessionFails(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")

	msg := domain.PairwiseMessage{
		Type:              domain.PairwiseTypeNormal,
		SessionID:         "deadbeef",
		SenderIdentityKey: alice.account.IdentityKey(),
		Ciphertext:        []byte{1, 2, 3},
	}
	raw, _ := json.Marshal(msg)
	_, err := bob.store.Decrypt(domain.Envelope{
		Kind:      domain.KindPairwise,
		SenderKey: alice.account.IdentityKey(),
		SessionID: msg.SessionID,
		Payload:   raw,
	})
	if !errors.Is(err, domain.ErrUnknownSession) {
		t.Fatalf("got %v, want ErrUnknownSession", err)
	}
}

func TestStore_GarbagePayloadIsMalformed(t *testing.T) {
	bob := newParty(t, "bob")
	_, err := bob.store.Decrypt(domain.Envelope{
		Kind:    domain.KindPairwise,
		Payload: []byte("{not json"),
	})
	if !errors.Is(err, domain.ErrMalformedCiphertext) {
		t.Fatalf("got %v, want ErrMalformedCiphertext", err)
	}
}

func TestStore_ExportImportKeepsConversation(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")

	if _, err := alice.store.CreateOutbound(bob.account.IdentityKey(), bob.bundle.OneTimeKeys[0]); err != nil {
		t.Fatalf("CreateOutbound: %v", err)
	}
	env := send(t, alice, bob.account.IdentityKey(), "before restore")
	if _, err := bob.store.Decrypt(env); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	// Restore alice's store from a snapshot, then keep talking.
	restored := pairwise.New(alice.account)
	restored.ImportState(alice.store.ExportState())
	alice.store = restored

	env = send(t, alice, bob.account.IdentityKey(), "after restore")
	pt, err := bob.store.Decrypt(env)
	if err != nil {
		t.Fatalf("Decrypt after restore: %v", err)
	}
	if string(pt) != "after restore" {
		t.Fatalf("got %q", pt)
	}
}
