package store_test

import (
	"errors"
	"path/filepath"
	"testing"

	"cloakroom/internal/domain"
	"cloakroom/internal/store"
)

func sampleSnapshot() domain.AccountSnapshot {
	return domain.AccountSnapshot{
		DeviceID: "laptop",
		OneTimeKeys: []domain.OneTimeKey{
			{ID: "otk-1", Used: true},
			{ID: "otk-2"},
		},
		ActiveOutbound: map[domain.RoomID]domain.SessionID{"!lobby": "sess-1"},
		Pending: []domain.PendingDecryption{
			{RoomID: "!lobby", SessionID: "sess-2", Retries: 3},
		},
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	sealed, err := store.Seal(sampleSnapshot(), "correct horse")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, err := store.Open(sealed, "correct horse")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got.Version != store.SnapshotVersion {
		t.Fatalf("version: got %d, want %d", got.Version, store.SnapshotVersion)
	}
	if got.DeviceID != "laptop" {
		t.Fatalf("device id %q", got.DeviceID)
	}
	if len(got.OneTimeKeys) != 2 || !got.OneTimeKeys[0].Used {
		t.Fatalf("one-time keys did not survive: %+v", got.OneTimeKeys)
	}
	if got.ActiveOutbound["!lobby"] != "sess-1" {
		t.Fatalf("active outbound did not survive")
	}
	if len(got.Pending) != 1 || got.Pending[0].Retries != 3 {
		t.Fatalf("pending queue did not survive: %+v", got.Pending)
	}
}

func TestOpen_WrongKeyFails(t *testing.T) {
	sealed, err := store.Seal(sampleSnapshot(), "correct horse")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := store.Open(sealed, "battery staple"); !errors.Is(err, domain.ErrPickleDecryptionFailure) {
		t.Fatalf("got %v, want ErrPickleDecryptionFailure", err)
	}
}

func TestOpen_CorruptionFails(t *testing.T) {
	sealed, err := store.Seal(sampleSnapshot(), "key")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	for i := 0; i < len(sealed); i += len(sealed) / 8 {
		mangled := append([]byte(nil), sealed...)
		mangled[i] ^= 0x01
		if _, err := store.Open(mangled, "key"); !errors.Is(err, domain.ErrPickleDecryptionFailure) {
			t.Fatalf("flip at %d: got %v, want ErrPickleDecryptionFailure", i, err)
		}
	}
	if _, err := store.Open([]byte("not a blob"), "key"); !errors.Is(err, domain.ErrPickleDecryptionFailure) {
		t.Fatalf("garbage: got %v, want ErrPickleDecryptionFailure", err)
	}
}

func TestSeal_FreshSaltEachTime(t *testing.T) {
	snap := sampleSnapshot()
	a, err := store.Seal(snap, "key")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	b, err := store.Seal(snap, "key")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if string(a) == string(b) {
		t.Fatalf("sealing twice produced identical blobs")
	}
}

func TestBlobStore_SaveLoad(t *testing.T) {
	s := store.NewBlobStore(t.TempDir())

	if _, ok, err := s.Load(); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}
	if err := s.Save([]byte("sealed bytes")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok, err := s.Load()
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if string(got) != "sealed bytes" {
		t.Fatalf("got %q", got)
	}

	// Overwrite replaces the previous blob.
	if err := s.Save([]byte("newer")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, _, _ = s.Load()
	if string(got) != "newer" {
		t.Fatalf("got %q after overwrite", got)
	}
}

func TestBlobStore_MissingDirFails(t *testing.T) {
	s := store.NewBlobStore(filepath.Join(t.TempDir(), "does", "not", "exist"))
	if err := s.Save([]byte("x")); err == nil {
		t.Fatalf("save into missing directory succeeded")
	}
}
