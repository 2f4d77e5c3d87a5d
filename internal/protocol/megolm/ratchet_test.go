package megolm_test

import (
	"bytes"
	"errors"
	"testing"

	"cloakroom/internal/protocol/megolm"
)

func TestAdvance_Deterministic(t *testing.T) {
	chain, err := megolm.NewChainKey()
	if err != nil {
		t.Fatalf("NewChainKey: %v", err)
	}

	a := megolm.Advance(chain)
	b := megolm.Advance(chain)
	if !bytes.Equal(a, b) {
		t.Fatalf("advance is not deterministic")
	}
	if bytes.Equal(a, chain) {
		t.Fatalf("advance returned the input chain")
	}
}

func TestAdvanceTo_MatchesStepwise(t *testing.T) {
	chain, err := megolm.NewChainKey()
	if err != nil {
		t.Fatalf("NewChainKey: %v", err)
	}

	step := chain
	for i := 0; i < 7; i++ {
		step = megolm.Advance(step)
	}
	jump, err := megolm.AdvanceTo(chain, 0, 7)
	if err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	if !bytes.Equal(step, jump) {
		t.Fatalf("AdvanceTo diverges from stepwise advance")
	}
}

func TestAdvanceTo_RefusesRewind(t *testing.T) {
	chain, err := megolm.NewChainKey()
	if err != nil {
		t.Fatalf("NewChainKey: %v", err)
	}
	if _, err := megolm.AdvanceTo(chain, 5, 3); !errors.Is(err, megolm.ErrIndexBehind) {
		t.Fatalf("got %v, want ErrIndexBehind", err)
	}
}

func TestMessageKey_VariesByIndex(t *testing.T) {
	chain, err := megolm.NewChainKey()
	if err != nil {
		t.Fatalf("NewChainKey: %v", err)
	}

	k0 := megolm.MessageKey(chain, 0)
	k1 := megolm.MessageKey(chain, 1)
	if bytes.Equal(k0, k1) {
		t.Fatalf("message keys for different indices collide")
	}
	if !bytes.Equal(k0, megolm.MessageKey(chain, 0)) {
		t.Fatalf("message key derivation is not deterministic")
	}
}

func TestSigningBytes_BindsAllFields(t *testing.T) {
	base := megolm.SigningBytes("sess", 3, []byte("ct"))
	if bytes.Equal(base, megolm.SigningBytes("mess", 3, []byte("ct"))) {
		t.Fatalf("signing bytes ignore session id")
	}
	if bytes.Equal(base, megolm.SigningBytes("sess", 4, []byte("ct"))) {
		t.Fatalf("signing bytes ignore index")
	}
	if bytes.Equal(base, megolm.SigningBytes("sess", 3, []byte("tc"))) {
		t.Fatalf("signing bytes ignore ciphertext")
	}
}
