// Package wire implements the PVAccess byte-level framing: the fixed
// message header, the variable-length size encoding shared by strings
// and bit sets, and the 128-bit IPv4-mapped address encoding used on
// both the datagram and virtual-circuit transports.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic identifies a PVAccess frame; any other leading byte means the
// peer is speaking something else entirely and the frame is dropped.
const Magic byte = 0xCA

// ProtocolVersion is the version byte this client writes into every
// frame header. The server's advertised revision is recorded per
// circuit but does not change it.
const ProtocolVersion byte = 2

// Flag bits in the header's flags byte.
const (
	FlagServer    byte = 0x01 // set by server-originated frames
	FlagBigEndian byte = 0x00 // default; absence of FlagLittleEndian
	FlagSegmented byte = 0x10 // message continues in a following frame
	FlagLastSeg   byte = 0x20 // terminating segment of a segmented message
	FlagFromFlow  byte = 0x40
	FlagLittleEndian byte = 0x80
)

// HeaderSize is the fixed 8-byte frame header: magic, version, flags,
// command, 4-byte payload size.
const HeaderSize = 8

// Header is the fixed part of every frame.
type Header struct {
	Version byte
	Flags   byte
	Command byte
	Size    uint32
}

func (h Header) Segmented() bool { return h.Flags&FlagSegmented != 0 }
func (h Header) LastSeg() bool   { return h.Flags&FlagLastSeg != 0 }

func (h Header) byteOrder() binary.ByteOrder {
	if h.Flags&FlagLittleEndian != 0 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// WriteHeader writes the 8-byte fixed header to w.
func WriteHeader(w io.Writer, h Header) error {
	var buf [HeaderSize]byte
	buf[0] = Magic
	buf[1] = h.Version
	buf[2] = h.Flags
	buf[3] = h.Command
	h.byteOrder().PutUint32(buf[4:8], h.Size)
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader reads and validates the 8-byte fixed header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	if buf[0] != Magic {
		return Header{}, fmt.Errorf("wire: bad magic byte 0x%02x, dropping frame", buf[0])
	}
	h := Header{Version: buf[1], Flags: buf[2], Command: buf[3]}
	h.Size = h.byteOrder().Uint32(buf[4:8])
	return h, nil
}

// ByteOrder returns the endianness negotiated by h's flags, for
// decoding the payload that follows the header.
func (h Header) ByteOrder() binary.ByteOrder { return h.byteOrder() }
