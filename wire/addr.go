package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// addrSize is the fixed 16-byte address field used on the wire for
// both the datagram and virtual-circuit transports: every
// address is IPv4-mapped into a 128-bit field, 80 zero bits, then
// 0xFFFF, then the 4-byte IPv4 address.
const addrSize = 16

// WriteIPv4MappedAddr writes ip as an IPv4-mapped 128-bit field. ip
// must be a valid IPv4 address (4-byte or net.IP's 16-byte v4-in-v6
// form); any other form is a programming error and panics, matching
// the teacher's panicOn convention for locally-impossible states.
func WriteIPv4MappedAddr(w io.Writer, ip net.IP) error {
	v4 := ip.To4()
	if v4 == nil {
		panic(fmt.Sprintf("wire: %v is not an IPv4 address", ip))
	}
	var buf [addrSize]byte
	buf[10] = 0xFF
	buf[11] = 0xFF
	copy(buf[12:16], v4)
	_, err := w.Write(buf[:])
	return err
}

// ReadIPv4MappedAddr reads a 16-byte address field and returns the
// decoded IPv4 address. Any encoding other than 80 zero bits followed
// by 0xFFFF and a 4-byte IPv4 address is rejected: "all other
// forms are silently dropped" at the caller, which should treat a
// non-nil error as "drop this frame", not a fatal transport error.
func ReadIPv4MappedAddr(r io.Reader) (net.IP, error) {
	var buf [addrSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	for i := 0; i < 10; i++ {
		if buf[i] != 0 {
			return nil, fmt.Errorf("wire: address is not IPv4-mapped (byte %d = 0x%02x)", i, buf[i])
		}
	}
	if buf[10] != 0xFF || buf[11] != 0xFF {
		return nil, fmt.Errorf("wire: address is not IPv4-mapped (marker bytes 0x%02x%02x)", buf[10], buf[11])
	}
	ip := make(net.IP, 4)
	copy(ip, buf[12:16])
	return ip, nil
}

// WritePort writes a 16-bit port in the frame's negotiated byte order.
func WritePort(w io.Writer, order binary.ByteOrder, port uint16) error {
	var buf [2]byte
	order.PutUint16(buf[:], port)
	_, err := w.Write(buf[:])
	return err
}

// ReadPort reads a 16-bit port in the frame's negotiated byte order.
func ReadPort(r io.Reader, order binary.ByteOrder) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return order.Uint16(buf[:]), nil
}
