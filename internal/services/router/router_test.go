package router_test

import (
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"cloakroom/internal/domain"
	"cloakroom/internal/services/account"
	"cloakroom/internal/services/group"
	"cloakroom/internal/services/pairwise"
	"cloakroom/internal/services/router"
)

const room = domain.RoomID("!lobby")

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fixture struct {
	sender   *group.Manager
	receiver *group.Manager
	router   *router.Router
}

func newFixture(t *testing.T, cfg router.Config) *fixture {
	t.Helper()

	senderAcct := account.New(account.Config{DeviceID: "sender"})
	if _, err := senderAcct.GenerateKeys(1); err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	recvAcct := account.New(account.Config{DeviceID: "receiver"})
	if _, err := recvAcct.GenerateKeys(1); err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}

	receiver := group.New(recvAcct, group.Config{})
	return &fixture{
		sender:   group.New(senderAcct, group.Config{}),
		receiver: receiver,
		router:   router.New(cfg, pairwise.New(recvAcct), receiver, quietLogger()),
	}
}

// seal encrypts plaintext with the sender and wraps it as a group envelope.
func (f *fixture) seal(t *testing.T, plaintext string) domain.Envelope {
	t.Helper()
	msg, _, err := f.sender.Encrypt(room, []byte(plaintext))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return domain.Envelope{
		Kind:      domain.KindGroup,
		RoomID:    room,
		SessionID: msg.SessionID,
		Payload:   raw,
	}
}

// shareKey hands the sender's current session to the receiver.
func (f *fixture) shareKey(t *testing.T) domain.SessionID {
	t.Helper()
	export, err := f.sender.ExportCurrent(room)
	if err != nil {
		t.Fatalf("ExportCurrent: %v", err)
	}
	if err := f.receiver.ImportInbound(export, domain.X25519Public{}, true); err != nil {
		t.Fatalf("ImportInbound: %v", err)
	}
	return export.SessionID
}

func TestRoute_QueueThenRecoverOnKeyArrival(t *testing.T) {
	f := newFixture(t, router.Config{})

	envs := []domain.Envelope{f.seal(t, "hello"), f.seal(t, "world")}
	for i, env := range envs {
		if _, err := f.router.Route(env); !errors.Is(err, domain.ErrUndecryptableMessage) {
			t.Fatalf("msg %d: got %v, want ErrUndecryptableMessage", i, err)
		}
	}
	if got := f.router.PendingCount(); got != 2 {
		t.Fatalf("pending: got %d, want 2", got)
	}

	// The sender exported before these messages were sealed, so the import
	// has to reach back: share a full export instead.
	id, _ := f.sender.CurrentSessionID(room)
	full, err := f.sender.ExportSession(room, id, 0)
	if err != nil {
		t.Fatalf("ExportSession: %v", err)
	}
	if err := f.receiver.ImportInbound(full, domain.X25519Public{}, true); err != nil {
		t.Fatalf("ImportInbound: %v", err)
	}

	recovered := f.router.RetryPending(room, id)
	if len(recovered) != 2 {
		t.Fatalf("recovered %d messages, want 2", len(recovered))
	}
	if string(recovered[0]) != "hello" || string(recovered[1]) != "world" {
		t.Fatalf("recovered out of order: %q, %q", recovered[0], recovered[1])
	}
	if got := f.router.PendingCount(); got != 0 {
		t.Fatalf("pending after recovery: got %d, want 0", got)
	}
}

func TestRoute_DecryptsDirectlyWithKey(t *testing.T) {
	f := newFixture(t, router.Config{})

	env := f.seal(t, "direct")
	f.shareKey(t)

	// seal happened after EnsureOutbound inside Encrypt, so the export above
	// is at index 1; reshare from the start.
	id, _ := f.sender.CurrentSessionID(room)
	full, err := f.sender.ExportSession(room, id, 0)
	if err != nil {
		t.Fatalf("ExportSession: %v", err)
	}
	if err := f.receiver.ImportInbound(full, domain.X25519Public{}, true); err != nil {
		t.Fatalf("ImportInbound: %v", err)
	}

	pt, err := f.router.Route(env)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if string(pt) != "direct" {
		t.Fatalf("got %q", pt)
	}
	if f.router.PendingCount() != 0 {
		t.Fatalf("decryptable message was queued")
	}
}

func TestRoute_MalformedIsNotQueued(t *testing.T) {
	f := newFixture(t, router.Config{})

	if _, err := f.router.Route(domain.Envelope{
		Kind:    domain.KindGroup,
		RoomID:  room,
		Payload: []byte("{broken"),
	}); !errors.Is(err, domain.ErrMalformedCiphertext) {
		t.Fatalf("got %v, want ErrMalformedCiphertext", err)
	}
	if _, err := f.router.Route(domain.Envelope{Kind: "carrier-pigeon"}); !errors.Is(err, domain.ErrMalformedCiphertext) {
		t.Fatalf("unknown kind: got %v, want ErrMalformedCiphertext", err)
	}
	if f.router.PendingCount() != 0 {
		t.Fatalf("malformed envelope was queued")
	}
}

func TestRoute_QueueIsBounded(t *testing.T) {
	f := newFixture(t, router.Config{MaxPending: 2})

	for i := 0; i < 4; i++ {
		if _, err := f.router.Route(f.seal(t, "x")); !errors.Is(err, domain.ErrUndecryptableMessage) {
			t.Fatalf("msg %d: got %v", i, err)
		}
	}
	if got := f.router.PendingCount(); got != 2 {
		t.Fatalf("pending: got %d, want 2", got)
	}
}

func TestSweep_ExpiresExhaustedEntries(t *testing.T) {
	f := newFixture(t, router.Config{MaxRetries: 2, PendingTTL: time.Hour})

	var failed []domain.PendingDecryption
	f.router.SetFailureHandler(func(p domain.PendingDecryption) {
		failed = append(failed, p)
	})

	if _, err := f.router.Route(f.seal(t, "doomed")); !errors.Is(err, domain.ErrUndecryptableMessage) {
		t.Fatalf("Route: %v", err)
	}

	// Each sweep without the key burns one retry; the budget is 2.
	now := time.Now()
	for i := 0; i < 3 && f.router.PendingCount() > 0; i++ {
		f.router.Sweep(now)
	}
	if f.router.PendingCount() != 0 {
		t.Fatalf("exhausted entry still queued")
	}
	if len(failed) != 1 {
		t.Fatalf("failure handler called %d times, want 1", len(failed))
	}
	if failed[0].RoomID != room {
		t.Fatalf("failed entry for room %q", failed[0].RoomID)
	}
}

func TestSweep_ExpiresByAge(t *testing.T) {
	f := newFixture(t, router.Config{PendingTTL: time.Minute})

	var failed int
	f.router.SetFailureHandler(func(domain.PendingDecryption) { failed++ })

	if _, err := f.router.Route(f.seal(t, "stale")); !errors.Is(err, domain.ErrUndecryptableMessage) {
		t.Fatalf("Route: %v", err)
	}
	f.router.Sweep(time.Now().Add(2 * time.Minute))
	if f.router.PendingCount() != 0 || failed != 1 {
		t.Fatalf("stale entry not expired: pending=%d failed=%d", f.router.PendingCount(), failed)
	}
}

func TestSweep_RecoversOnceKeyArrives(t *testing.T) {
	f := newFixture(t, router.Config{})

	if _, err := f.router.Route(f.seal(t, "early")); !errors.Is(err, domain.ErrUndecryptableMessage) {
		t.Fatalf("Route: %v", err)
	}
	id, _ := f.sender.CurrentSessionID(room)
	full, err := f.sender.ExportSession(room, id, 0)
	if err != nil {
		t.Fatalf("ExportSession: %v", err)
	}
	if err := f.receiver.ImportInbound(full, domain.X25519Public{}, true); err != nil {
		t.Fatalf("ImportInbound: %v", err)
	}

	if got := f.router.Sweep(time.Now()); got != 1 {
		t.Fatalf("recovered %d, want 1", got)
	}
	if f.router.PendingCount() != 0 {
		t.Fatalf("recovered entry still queued")
	}
}

func TestSweep_DeliversRecoveredPlaintexts(t *testing.T) {
	f := newFixture(t, router.Config{})

	var gotRoom domain.RoomID
	var gotID domain.SessionID
	var gotPts [][]byte
	f.router.SetRecoveredHandler(func(room domain.RoomID, id domain.SessionID, pts [][]byte) {
		gotRoom, gotID = room, id
		gotPts = append(gotPts, pts...)
	})

	for i, env := range []domain.Envelope{f.seal(t, "one"), f.seal(t, "two")} {
		if _, err := f.router.Route(env); !errors.Is(err, domain.ErrUndecryptableMessage) {
			t.Fatalf("msg %d: got %v", i, err)
		}
	}
	id, _ := f.sender.CurrentSessionID(room)
	full, err := f.sender.ExportSession(room, id, 0)
	if err != nil {
		t.Fatalf("ExportSession: %v", err)
	}
	if err := f.receiver.ImportInbound(full, domain.X25519Public{}, true); err != nil {
		t.Fatalf("ImportInbound: %v", err)
	}

	// A sweep decrypt consumes the message keys, so the plaintexts must reach
	// the handler rather than vanish.
	if got := f.router.Sweep(time.Now()); got != 2 {
		t.Fatalf("recovered %d, want 2", got)
	}
	if gotRoom != room || gotID != id {
		t.Fatalf("handler got room %q session %q", gotRoom, gotID)
	}
	if len(gotPts) != 2 || string(gotPts[0]) != "one" || string(gotPts[1]) != "two" {
		t.Fatalf("handler plaintexts: %q", gotPts)
	}
}

func TestExportImport_QueueSurvivesRestart(t *testing.T) {
	f := newFixture(t, router.Config{})

	if _, err := f.router.Route(f.seal(t, "persisted")); !errors.Is(err, domain.ErrUndecryptableMessage) {
		t.Fatalf("Route: %v", err)
	}

	// New router over the same stores, fed the exported queue.
	restored := router.New(router.Config{}, pairwise.New(account.New(account.Config{})), f.receiver, quietLogger())
	restored.ImportState(f.router.ExportState())
	if restored.PendingCount() != 1 {
		t.Fatalf("pending after restore: got %d, want 1", restored.PendingCount())
	}

	id, _ := f.sender.CurrentSessionID(room)
	full, err := f.sender.ExportSession(room, id, 0)
	if err != nil {
		t.Fatalf("ExportSession: %v", err)
	}
	if err := f.receiver.ImportInbound(full, domain.X25519Public{}, true); err != nil {
		t.Fatalf("ImportInbound: %v", err)
	}
	recovered := restored.RetryPending(room, id)
	if len(recovered) != 1 || string(recovered[0]) != "persisted" {
		t.Fatalf("recovered %v", recovered)
	}
}
