package wire

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []Header{
		{Version: ProtocolVersion, Flags: 0, Command: 10, Size: 0},
		{Version: ProtocolVersion, Flags: FlagSegmented, Command: 13, Size: 1 << 20},
		{Version: ProtocolVersion, Flags: FlagLittleEndian, Command: 7, Size: 42},
	}
	for _, h := range cases {
		var buf bytes.Buffer
		if err := WriteHeader(&buf, h); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		got, err := ReadHeader(&buf)
		if err != nil {
			t.Fatalf("ReadHeader: %v", err)
		}
		if got != h {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
		}
	}
}

func TestReadHeaderBadMagic(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x00, 0, 0, 0, 0, 0, 0, 0})
	if _, err := ReadHeader(buf); err == nil {
		t.Fatal("expected error for bad magic byte")
	}
}

func TestSizeRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 253, 254, 255, 1000, 1 << 20} {
		var buf bytes.Buffer
		if err := WriteSize(&buf, binary.BigEndian, n); err != nil {
			t.Fatalf("WriteSize(%d): %v", n, err)
		}
		got, ok, err := ReadSize(&buf, binary.BigEndian)
		if err != nil {
			t.Fatalf("ReadSize(%d): %v", n, err)
		}
		if !ok || got != n {
			t.Fatalf("ReadSize(%d): got %d, ok=%v", n, got, ok)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, s := range []string{"", "x:counter", "a fairly long PV name with spaces"} {
		var buf bytes.Buffer
		if err := WriteString(&buf, binary.BigEndian, s); err != nil {
			t.Fatalf("WriteString: %v", err)
		}
		got, err := ReadString(&buf, binary.BigEndian)
		if err != nil {
			t.Fatalf("ReadString: %v", err)
		}
		if got != s {
			t.Fatalf("got %q want %q", got, s)
		}
	}
}

func TestBitSetRoundTrip(t *testing.T) {
	b := NewBitSet(20)
	b.Set(1)
	b.Set(17)
	var buf bytes.Buffer
	if err := WriteBitSet(&buf, binary.BigEndian, b); err != nil {
		t.Fatalf("WriteBitSet: %v", err)
	}
	got, err := ReadBitSet(&buf, binary.BigEndian)
	if err != nil {
		t.Fatalf("ReadBitSet: %v", err)
	}
	if !got.IsSet(1) || !got.IsSet(17) || got.IsSet(2) {
		t.Fatalf("bitset mismatch after round trip")
	}
}

func TestBitSetOr(t *testing.T) {
	a := NewBitSet(8)
	a.Set(1)
	b := NewBitSet(8)
	b.Set(2)
	a.Or(b)
	if !a.IsSet(1) || !a.IsSet(2) {
		t.Fatal("Or did not merge bits")
	}
}

func TestIPv4MappedAddrRoundTrip(t *testing.T) {
	ip := net.ParseIP("192.168.1.42")
	var buf bytes.Buffer
	if err := WriteIPv4MappedAddr(&buf, ip); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadIPv4MappedAddr(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !got.Equal(ip.To4()) {
		t.Fatalf("got %v want %v", got, ip)
	}
}

func TestIPv4MappedAddrRejectsNonMapped(t *testing.T) {
	// an arbitrary real IPv6 address, not in IPv4-mapped form.
	ip := net.ParseIP("2001:db8::1")
	var buf [16]byte
	copy(buf[:], ip.To16())
	if _, err := ReadIPv4MappedAddr(bytes.NewReader(buf[:])); err == nil {
		t.Fatal("expected rejection of non-mapped address")
	}
}
