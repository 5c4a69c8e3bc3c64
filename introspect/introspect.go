// Package introspect declares the "introspection registry" collaborator
// this client treats as external: the structured-data value model
// (field trees, bit sets, introspection descriptors) and its wire
// serialization. This package holds only the interfaces the rest of
// the client depends on; a concrete implementation is assumed to be
// supplied by the caller of pva.NewContext, the way the teacher repo
// treats its wire-format codec (greenpack) as generated, external
// machinery that the RPC layer calls into without owning.
package introspect

import (
	"encoding/binary"
	"io"

	"github.com/epics-pva/pvago/wire"
)

// Field is an opaque type descriptor for a PV's structure (a field
// tree: struct/array/scalar/union nodes). Operations carry a Field
// they obtained from a server's INIT response and never interpret its
// internals directly.
type Field interface {
	// TypeName returns a human-readable type name, for logging only.
	TypeName() string
}

// PVStructure is an opaque, mutable value container conforming to a
// Field's layout. Monitor and Get/Put deserialize changed-bitset data
// onto a PVStructure in place; RPC/PutGet produce fresh ones.
type PVStructure interface {
	// Field returns the structure's type descriptor.
	Field() Field

	// NestedFieldOffsets returns the bit-set index of every leaf and
	// compound field in depth-first layout order. Package pva does not
	// call it: the coalesced-single monitor queue hands out its merged
	// changed/overrun bit sets without compressing them to this layout.
	NestedFieldOffsets() []int
}

// PVRequest is the parsed form of a client's pvRequest structure: which
// subfields to include, and record options such as monitor queue size.
// Operations never construct one themselves; QueueSize is the one
// option consulted by this client's own logic (Monitor's strategy
// selection), everything else is opaque and forwarded verbatim to
// serializePVRequest.
type PVRequest interface {
	// QueueSize returns record.queueSize, or (0, false) if unset,
	// in which case the caller applies the protocol default of 2.
	QueueSize() (int, bool)
}

// Registry is the per-circuit introspection cache and (de)serialization
// collaborator: a per-circuit cache of type descriptors. A Registry
// instance is owned by exactly one Circuit.
type Registry interface {
	// SerializeField writes a previously-registered or inline Field
	// descriptor to w, using order for any multi-byte values.
	SerializeField(w io.Writer, order binary.ByteOrder, f Field) error

	// DeserializeField reads a Field descriptor from r, consulting (and
	// updating) this circuit's type-descriptor cache for "previously
	// sent, referenced by index" encodings.
	DeserializeField(r io.Reader, order binary.ByteOrder) (Field, error)

	// DeserializeStatus reads a Status-shaped payload (severity +
	// message + optional stack trace).
	DeserializeStatus(r io.Reader, order binary.ByteOrder) (severity int, message string, stackTrace string, err error)

	// DeserializeStructureAndCreatePVStructure reads a structure
	// descriptor and allocates a fresh PVStructure conforming to it;
	// used by Get/PutGet/RPC/Monitor INIT responses.
	DeserializeStructureAndCreatePVStructure(r io.Reader, order binary.ByteOrder) (PVStructure, error)

	// SerializePVRequest writes req as a field-tree-shaped payload,
	// the way a pvRequest is sent in every operation's INIT request.
	SerializePVRequest(w io.Writer, order binary.ByteOrder, req PVRequest) error

	// DeserializeBitSetAndData reads a changed bit set followed by the
	// field data it covers, applying the data onto dst in place (used
	// by Get/PutGet/Monitor "normal" responses). Returns the bit set
	// that was applied.
	DeserializeBitSetAndData(r io.Reader, order binary.ByteOrder, dst PVStructure) (*wire.BitSet, error)

	// SerializeBitSetAndData writes a changed bit set and the field
	// data it covers from src (used by Put/RPC requests).
	SerializeBitSetAndData(w io.Writer, order binary.ByteOrder, src PVStructure, changed *wire.BitSet) error
}
