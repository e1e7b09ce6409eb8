// Package token implements the signed continuation-token codec.
//
// A token is a content-bound capability, not a server-side handle: it
// binds an identifier triple (session, run, node) to a workflow-hash
// reference, is authenticated with a keyed MAC, and is rendered in a
// restricted-alphabet, checksum-bearing text encoding (bech32) so it
// survives copy-paste and transcription. Validity is re-derived from
// current truth plus the signature check — no issued-token registry
// exists anywhere in the system.
package token

import (
	"github.com/loomworks/loom/catalog"
	"github.com/loomworks/loom/id"
)

// Version is the current token wire version.
const Version = 1

// Kind distinguishes the two token capabilities.
type Kind uint8

const (
	// KindState marks a read capability: "you are logically at node N".
	KindState Kind = 1
	// KindAck marks a write capability: "you may advance assuming node N
	// and workflow hash H still hold".
	KindAck Kind = 2
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindState:
		return "state"
	case KindAck:
		return "ack"
	default:
		return "unknown"
	}
}

// hrp returns the bech32 human-readable part for this kind. The HRP
// makes the two capabilities visually distinct and lets Parse reject a
// token whose envelope and payload disagree.
func (k Kind) hrp() string {
	switch k {
	case KindState:
		return "lst"
	case KindAck:
		return "lak"
	default:
		return ""
	}
}

// Payload is the authenticated content of a continuation token.
type Payload struct {
	Version   uint8
	Kind      Kind
	SessionID id.ID
	RunID     id.ID
	NodeID    id.ID
	HashRef   catalog.HashRef
}

// wirePayload is the msgpack wire form of Payload. IDs travel as their
// TypeID strings; tags are short to keep tokens compact.
type wirePayload struct {
	Version uint8  `msgpack:"v"`
	Kind    uint8  `msgpack:"k"`
	Session string `msgpack:"s"`
	Run     string `msgpack:"r"`
	Node    string `msgpack:"n"`
	Hash    string `msgpack:"h"`
}
