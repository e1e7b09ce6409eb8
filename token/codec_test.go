package token_test

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/catalog"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/token"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testPayload(kind token.Kind) token.Payload {
	return token.Payload{
		Kind:      kind,
		SessionID: id.NewSessionID(),
		RunID:     id.NewRunID(),
		NodeID:    id.NewNodeID(),
		HashRef:   catalog.HashRef("wfh1:9f86d081884c"),
	}
}

func TestSignParseRoundTrip(t *testing.T) {
	codec := token.NewCodec(token.NewStaticKeyring("k1", testSecret))

	for _, kind := range []token.Kind{token.KindState, token.KindAck} {
		t.Run(kind.String(), func(t *testing.T) {
			p := testPayload(kind)

			tok, err := codec.Sign(p)
			if err != nil {
				t.Fatalf("Sign: %v", err)
			}

			got, err := codec.Parse(tok)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got.Kind != kind {
				t.Errorf("kind = %v, want %v", got.Kind, kind)
			}
			if got.SessionID.String() != p.SessionID.String() {
				t.Errorf("session = %s, want %s", got.SessionID, p.SessionID)
			}
			if got.NodeID.String() != p.NodeID.String() {
				t.Errorf("node = %s, want %s", got.NodeID, p.NodeID)
			}
			if got.HashRef != p.HashRef {
				t.Errorf("hash ref = %q, want %q", got.HashRef, p.HashRef)
			}
			if got.Version != token.Version {
				t.Errorf("version = %d, want %d", got.Version, token.Version)
			}
		})
	}
}

func TestSignDeterministic(t *testing.T) {
	codec := token.NewCodec(token.NewStaticKeyring("k1", testSecret))
	p := testPayload(token.KindAck)

	t1, err := codec.Sign(p)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	t2, err := codec.Sign(p)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if t1 != t2 {
		t.Error("same payload signed to different tokens")
	}
}

func TestKindVisibleInEnvelope(t *testing.T) {
	codec := token.NewCodec(token.NewStaticKeyring("k1", testSecret))

	st, _ := codec.Sign(testPayload(token.KindState))
	ak, _ := codec.Sign(testPayload(token.KindAck))

	if !strings.HasPrefix(st, "lst1") {
		t.Errorf("state token envelope = %q", st[:5])
	}
	if !strings.HasPrefix(ak, "lak1") {
		t.Errorf("ack token envelope = %q", ak[:5])
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	codec := token.NewCodec(token.NewStaticKeyring("k1", testSecret))

	for _, tok := range []string{"", "notatoken", "lst1qqqq", "lst1#bad"} {
		_, err := codec.Parse(tok)
		if !errors.Is(err, loom.ErrTokenDecode) {
			t.Errorf("Parse(%q) = %v, want ErrTokenDecode", tok, err)
		}
	}
}

func TestParseRejectsChecksumDamage(t *testing.T) {
	codec := token.NewCodec(token.NewStaticKeyring("k1", testSecret))

	tok, err := codec.Sign(testPayload(token.KindState))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// Flip one data character; the bech32 checksum must catch it before
	// any signature work happens.
	i := len(tok) - 1
	flip := byte('q')
	if tok[i] == flip {
		flip = 'p'
	}
	damaged := tok[:i] + string(flip)

	_, err = codec.Parse(damaged)
	if !errors.Is(err, loom.ErrTokenDecode) {
		t.Errorf("Parse(damaged) = %v, want ErrTokenDecode", err)
	}
}

func TestParseRejectsForgedSignature(t *testing.T) {
	signer := token.NewCodec(token.NewStaticKeyring("k1", testSecret))
	verifier := token.NewCodec(token.NewStaticKeyring("k1", []byte("another-secret-another-secret-xx")))

	tok, err := signer.Sign(testPayload(token.KindAck))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	_, err = verifier.Parse(tok)
	if !errors.Is(err, loom.ErrTokenSignature) {
		t.Errorf("Parse with wrong key = %v, want ErrTokenSignature", err)
	}
}

func TestKeyRotation(t *testing.T) {
	oldRing := token.NewStaticKeyring("k0", []byte("retired-key-retired-key-retired!"))
	oldCodec := token.NewCodec(oldRing)

	tok, err := oldCodec.Sign(testPayload(token.KindState))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// New active key, old key retained for verification.
	rotated := token.NewStaticKeyring("k1", testSecret).
		Add("k0", []byte("retired-key-retired-key-retired!"))
	codec := token.NewCodec(rotated)

	if _, err := codec.Parse(tok); err != nil {
		t.Errorf("rotated keyring rejected old token: %v", err)
	}
}

func TestSignValidatesPayload(t *testing.T) {
	codec := token.NewCodec(token.NewStaticKeyring("k1", testSecret))

	bad := testPayload(token.KindState)
	bad.NodeID = id.Nil
	if _, err := codec.Sign(bad); err == nil {
		t.Error("expected error for nil node ID")
	}

	badRef := testPayload(token.KindAck)
	badRef.HashRef = "nonsense"
	if _, err := codec.Sign(badRef); err == nil {
		t.Error("expected error for invalid hash ref")
	}

	badKind := testPayload(token.Kind(9))
	if _, err := codec.Sign(badKind); err == nil {
		t.Error("expected error for invalid kind")
	}
}

func TestLoadKeyring(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/keyring.json"

	content := `{"active":"k1","keys":{"k1":"c2VjcmV0LW9uZS1zZWNyZXQtb25l","k0":"c2VjcmV0LXplcm8="}}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	kr, err := token.LoadKeyring(path)
	if err != nil {
		t.Fatalf("LoadKeyring: %v", err)
	}

	active, err := kr.Active()
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if active.Name != "k1" {
		t.Errorf("active = %q, want k1", active.Name)
	}
	if len(kr.Keys()) != 2 {
		t.Errorf("keys = %d, want 2", len(kr.Keys()))
	}

	if _, err := token.LoadKeyring(dir + "/missing.json"); err == nil {
		t.Error("expected error for missing file")
	}
}
