package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// refScheme versions the hash-ref derivation so the scheme can evolve
// without ambiguity against persisted refs.
const refScheme = "wfh1"

// refDigestLen is the number of hex digits of the digest kept in a ref.
const refDigestLen = 12

// HashRef is the short workflow-hash reference embedded in continuation
// tokens and pinned bindings, e.g. "wfh1:9f86d081884c".
type HashRef string

// Hash computes the full SHA-256 content digest of a definition over its
// canonical encoding. Deterministic: the same workflow content always
// yields the same digest regardless of field population order.
func Hash(d *Definition) ([32]byte, error) {
	data, err := canonicalBytes(d)
	if err != nil {
		return [32]byte{}, fmt.Errorf("catalog: hash definition %q: %w", d.ID, err)
	}
	return sha256.Sum256(data), nil
}

// Ref derives the short workflow-hash reference from a definition.
func Ref(d *Definition) (HashRef, error) {
	digest, err := Hash(d)
	if err != nil {
		return "", err
	}
	return HashRef(refScheme + ":" + hex.EncodeToString(digest[:])[:refDigestLen]), nil
}

// Valid reports whether r carries the current ref scheme.
func (r HashRef) Valid() bool {
	rest, ok := strings.CutPrefix(string(r), refScheme+":")
	if !ok || len(rest) != refDigestLen {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}

// canonicalBytes produces the canonical encoding hashed and pinned for a
// definition: compact JSON with fixed struct field order. Step Meta is
// raw JSON and compacted so formatting differences don't perturb the hash.
func canonicalBytes(d *Definition) ([]byte, error) {
	norm := Definition{ID: d.ID, Steps: make([]Step, len(d.Steps))}
	for i, s := range d.Steps {
		norm.Steps[i] = Step{ID: s.ID}
		if len(s.Meta) > 0 {
			compact, err := compactJSON(s.Meta)
			if err != nil {
				return nil, fmt.Errorf("step %q meta: %w", s.ID, err)
			}
			norm.Steps[i].Meta = compact
		}
	}
	return json.Marshal(&norm)
}

// compactJSON re-encodes raw JSON without insignificant whitespace.
func compactJSON(raw json.RawMessage) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
