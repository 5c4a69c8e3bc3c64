package pva

import (
	"encoding/binary"
	"io"

	"github.com/epics-pva/pvago/internal/plog"
	"github.com/epics-pva/pvago/introspect"
	"github.com/epics-pva/pvago/wire"
)

// testLogger returns a nil *plog.Logger. Lines logged on it directly
// are discarded (see plog.Logger.log); a sub-logger derived from it
// with With writes to os.Stderr at Info level. Naming it here keeps
// test call sites self-explanatory.
func testLogger() *plog.Logger {
	return nil
}

// fakeField is a minimal introspect.Field test double.
type fakeField struct{ name string }

func (f fakeField) TypeName() string { return f.name }

// fakePVStructure is a minimal introspect.PVStructure test double: it
// tracks which of its n leaf fields were last marked changed, so tests
// can assert a bit set was actually applied.
type fakePVStructure struct {
	field   fakeField
	n       int
	changed map[int]bool
}

func newFakePVStructure(name string, n int) *fakePVStructure {
	return &fakePVStructure{field: fakeField{name: name}, n: n, changed: make(map[int]bool)}
}

func (s *fakePVStructure) Field() introspect.Field { return s.field }

func (s *fakePVStructure) NestedFieldOffsets() []int {
	out := make([]int, s.n)
	for i := range out {
		out[i] = i
	}
	return out
}

// fakePVRequest is a minimal introspect.PVRequest test double.
type fakePVRequest struct {
	size int
	has  bool
}

func (r fakePVRequest) QueueSize() (int, bool) { return r.size, r.has }

// fakeRegistry is a minimal introspect.Registry test double: it
// encodes just enough structure to round-trip through the op_*.go
// handleResponse paths without depending on a real type-descriptor
// codec.
type fakeRegistry struct{}

func (fr *fakeRegistry) SerializeField(w io.Writer, order binary.ByteOrder, f introspect.Field) error {
	return wire.WriteString(w, order, f.TypeName())
}

func (fr *fakeRegistry) DeserializeField(r io.Reader, order binary.ByteOrder) (introspect.Field, error) {
	name, err := wire.ReadString(r, order)
	if err != nil {
		return nil, err
	}
	return fakeField{name: name}, nil
}

func (fr *fakeRegistry) DeserializeStatus(r io.Reader, order binary.ByteOrder) (int, string, string, error) {
	var sevBuf [1]byte
	if _, err := io.ReadFull(r, sevBuf[:]); err != nil {
		return 0, "", "", err
	}
	message, err := wire.ReadString(r, order)
	if err != nil {
		return 0, "", "", err
	}
	stack, err := wire.ReadString(r, order)
	if err != nil {
		return 0, "", "", err
	}
	return int(sevBuf[0]), message, stack, nil
}

func (fr *fakeRegistry) DeserializeStructureAndCreatePVStructure(r io.Reader, order binary.ByteOrder) (introspect.PVStructure, error) {
	name, err := wire.ReadString(r, order)
	if err != nil {
		return nil, err
	}
	n, ok, err := wire.ReadSize(r, order)
	if err != nil {
		return nil, err
	}
	if !ok {
		n = 0
	}
	return newFakePVStructure(name, n), nil
}

func (fr *fakeRegistry) SerializePVRequest(w io.Writer, order binary.ByteOrder, req introspect.PVRequest) error {
	return wire.WriteString(w, order, "pvRequest")
}

func (fr *fakeRegistry) DeserializeBitSetAndData(r io.Reader, order binary.ByteOrder, dst introspect.PVStructure) (*wire.BitSet, error) {
	bs, err := wire.ReadBitSet(r, order)
	if err != nil {
		return nil, err
	}
	if s, ok := dst.(*fakePVStructure); ok {
		for _, off := range s.NestedFieldOffsets() {
			if bs.IsSet(off) {
				s.changed[off] = true
			}
		}
	}
	return bs, nil
}

func (fr *fakeRegistry) SerializeBitSetAndData(w io.Writer, order binary.ByteOrder, src introspect.PVStructure, changed *wire.BitSet) error {
	if changed == nil {
		changed = wire.NewBitSet(0)
	}
	return wire.WriteBitSet(w, order, changed)
}

// encodeFakeStatus writes the qos byte + Status shape fakeRegistry
// expects, the common prefix of every op_*.go response payload.
func encodeFakeStatus(w io.Writer, order binary.ByteOrder, qos byte, status Status) error {
	if _, err := w.Write([]byte{qos, byte(status.Kind)}); err != nil {
		return err
	}
	if err := wire.WriteString(w, order, status.Message); err != nil {
		return err
	}
	return wire.WriteString(w, order, status.StackTrace)
}

// encodeFakeStruct writes a structure descriptor fakeRegistry's
// DeserializeStructureAndCreatePVStructure can decode.
func encodeFakeStruct(w io.Writer, order binary.ByteOrder, name string, n int) error {
	if err := wire.WriteString(w, order, name); err != nil {
		return err
	}
	return wire.WriteSize(w, order, n)
}
