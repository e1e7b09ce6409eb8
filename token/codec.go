package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/catalog"
	"github.com/loomworks/loom/id"
)

// macLen is the truncated HMAC-SHA256 length appended to the packed
// payload. 128 bits keeps tokens short while leaving forgery
// infeasible for a capability with no offline-verification audience.
const macLen = 16

// Codec signs and parses continuation tokens. Sign is pure given a
// keyring; Parse never trusts payload fields before the signature
// verifies. The codec is the sole authenticity boundary for every
// downstream state-machine decision.
type Codec struct {
	keyring Keyring
}

// NewCodec creates a codec over the given keyring.
func NewCodec(keyring Keyring) *Codec {
	return &Codec{keyring: keyring}
}

// Sign encodes and signs a payload into its text form.
func (c *Codec) Sign(p Payload) (string, error) {
	if p.Version == 0 {
		p.Version = Version
	}
	if p.Kind.hrp() == "" {
		return "", fmt.Errorf("token: sign: invalid kind %d", p.Kind)
	}
	if p.SessionID.IsNil() || p.RunID.IsNil() || p.NodeID.IsNil() {
		return "", fmt.Errorf("token: sign: incomplete identifier triple")
	}
	if !p.HashRef.Valid() {
		return "", fmt.Errorf("token: sign: invalid hash ref %q", p.HashRef)
	}

	packed, err := msgpack.Marshal(&wirePayload{
		Version: p.Version,
		Kind:    uint8(p.Kind),
		Session: p.SessionID.String(),
		Run:     p.RunID.String(),
		Node:    p.NodeID.String(),
		Hash:    string(p.HashRef),
	})
	if err != nil {
		return "", fmt.Errorf("token: sign: pack payload: %w", err)
	}

	key, err := c.keyring.Active()
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}

	blob := append(packed, mac(key.Secret, packed)...)

	grouped, err := bech32.ConvertBits(blob, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("token: sign: regroup bits: %w", err)
	}
	encoded, err := bech32.Encode(p.Kind.hrp(), grouped)
	if err != nil {
		return "", fmt.Errorf("token: sign: encode: %w", err)
	}
	return encoded, nil
}

// Parse decodes, checksums, and verifies a token, returning its payload.
// Rejection order: malformed encoding or checksum failure
// (loom.ErrTokenDecode), signature mismatch (loom.ErrTokenSignature),
// unsupported version (loom.ErrTokenVersion). Payload fields are not
// consulted before the MAC verifies.
func (c *Codec) Parse(tok string) (Payload, error) {
	hrp, grouped, err := bech32.DecodeNoLimit(tok)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", loom.ErrTokenDecode, err)
	}

	blob, err := bech32.ConvertBits(grouped, 5, 8, false)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: regroup bits: %v", loom.ErrTokenDecode, err)
	}
	if len(blob) <= macLen {
		return Payload{}, fmt.Errorf("%w: truncated blob", loom.ErrTokenDecode)
	}

	packed, sig := blob[:len(blob)-macLen], blob[len(blob)-macLen:]
	if !c.verify(packed, sig) {
		return Payload{}, loom.ErrTokenSignature
	}

	var w wirePayload
	if err := msgpack.Unmarshal(packed, &w); err != nil {
		return Payload{}, fmt.Errorf("%w: unpack payload: %v", loom.ErrTokenDecode, err)
	}
	if w.Version != Version {
		return Payload{}, fmt.Errorf("%w: version %d", loom.ErrTokenVersion, w.Version)
	}

	kind := Kind(w.Kind)
	if kind.hrp() != hrp {
		return Payload{}, fmt.Errorf("%w: envelope %q disagrees with kind %q", loom.ErrTokenDecode, hrp, kind)
	}

	sessID, err := id.ParseSessionID(w.Session)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", loom.ErrTokenDecode, err)
	}
	runID, err := id.ParseRunID(w.Run)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", loom.ErrTokenDecode, err)
	}
	nodeID, err := id.ParseNodeID(w.Node)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", loom.ErrTokenDecode, err)
	}

	return Payload{
		Version:   w.Version,
		Kind:      kind,
		SessionID: sessID,
		RunID:     runID,
		NodeID:    nodeID,
		HashRef:   catalog.HashRef(w.Hash),
	}, nil
}

// verify checks sig against every keyring key, newest first.
func (c *Codec) verify(packed, sig []byte) bool {
	for _, key := range c.keyring.Keys() {
		if hmac.Equal(sig, mac(key.Secret, packed)) {
			return true
		}
	}
	return false
}

// mac computes the truncated HMAC-SHA256 tag for packed.
func mac(secret, packed []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(packed)
	return h.Sum(nil)[:macLen]
}
