package pva

import (
	"bytes"
	"encoding/binary"
	"net"

	"github.com/glycerine/idem"

	"github.com/epics-pva/pvago/internal/plog"
	"github.com/epics-pva/pvago/wire"
)

// Commands carried over the datagram transport.
const (
	cmdBeacon         byte = 0
	cmdSearchRequest  byte = 3
	cmdSearchResponse byte = 4
)

// searchRequestEntry is one (CID, name) pair batched into a search
// frame.
type searchRequestEntry struct {
	CID  CID
	Name string
}

// encodeSearchFrame serializes a search-request payload: sequence id,
// "must reply" flag byte, the unicast address/port replies should go
// to, then the count and the batched (CID, name) pairs.
func encodeSearchFrame(seq uint32, replyAddr net.IP, replyPort uint16, mustReply bool, entries []searchRequestEntry) ([]byte, error) {
	var buf bytes.Buffer
	order := binary.BigEndian
	var seqBuf [4]byte
	order.PutUint32(seqBuf[:], seq)
	buf.Write(seqBuf[:])

	flags := byte(0)
	if mustReply {
		flags = 1
	}
	buf.WriteByte(flags)

	if err := wire.WriteIPv4MappedAddr(&buf, replyAddr); err != nil {
		return nil, err
	}
	if err := wire.WritePort(&buf, order, replyPort); err != nil {
		return nil, err
	}
	if err := wire.WriteSize(&buf, order, len(entries)); err != nil {
		return nil, err
	}
	for _, e := range entries {
		var cidBuf [4]byte
		order.PutUint32(cidBuf[:], uint32(e.CID))
		buf.Write(cidBuf[:])
		if err := wire.WriteString(&buf, order, e.Name); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// decodeSearchFrame is the server-side inverse; the client never needs
// it but keeps it for the loopback test of the search frame format and
// for test doubles standing in for a server.
func decodeSearchFrame(payload []byte) (seq uint32, replyAddr net.IP, replyPort uint16, mustReply bool, entries []searchRequestEntry, err error) {
	r := bytes.NewReader(payload)
	order := binary.BigEndian
	var seqBuf [4]byte
	if _, err = ioReadFull(r, seqBuf[:]); err != nil {
		return
	}
	seq = order.Uint32(seqBuf[:])
	var flags [1]byte
	if _, err = ioReadFull(r, flags[:]); err != nil {
		return
	}
	mustReply = flags[0]&1 != 0
	if replyAddr, err = wire.ReadIPv4MappedAddr(r); err != nil {
		return
	}
	if replyPort, err = wire.ReadPort(r, order); err != nil {
		return
	}
	n, ok, err := wire.ReadSize(r, order)
	if err != nil || !ok {
		return
	}
	for i := 0; i < n; i++ {
		var cidBuf [4]byte
		if _, err = ioReadFull(r, cidBuf[:]); err != nil {
			return
		}
		name, e := wire.ReadString(r, order)
		if e != nil {
			err = e
			return
		}
		entries = append(entries, searchRequestEntry{CID: CID(order.Uint32(cidBuf[:])), Name: name})
	}
	return
}

// searchResponse is the decoded form of a command-4 frame: the originating sequence id, the server's own address/port
// (IPv4-mapped), its minor protocol revision, and the CIDs it found.
type searchResponse struct {
	Seq           uint32
	ServerAddr    net.IP
	ServerPort    uint16
	MinorRevision byte
	Found         []CID
}

func encodeSearchResponse(r searchResponse) ([]byte, error) {
	var buf bytes.Buffer
	order := binary.BigEndian
	var seqBuf [4]byte
	order.PutUint32(seqBuf[:], r.Seq)
	buf.Write(seqBuf[:])
	if err := wire.WriteIPv4MappedAddr(&buf, r.ServerAddr); err != nil {
		return nil, err
	}
	if err := wire.WritePort(&buf, order, r.ServerPort); err != nil {
		return nil, err
	}
	buf.WriteByte(r.MinorRevision)
	if err := wire.WriteSize(&buf, order, len(r.Found)); err != nil {
		return nil, err
	}
	for _, cid := range r.Found {
		var cidBuf [4]byte
		order.PutUint32(cidBuf[:], uint32(cid))
		buf.Write(cidBuf[:])
	}
	return buf.Bytes(), nil
}

func decodeSearchResponse(payload []byte) (sr searchResponse, err error) {
	r := bytes.NewReader(payload)
	order := binary.BigEndian
	var seqBuf [4]byte
	if _, err = ioReadFull(r, seqBuf[:]); err != nil {
		return
	}
	sr.Seq = order.Uint32(seqBuf[:])
	if sr.ServerAddr, err = wire.ReadIPv4MappedAddr(r); err != nil {
		return
	}
	if sr.ServerPort, err = wire.ReadPort(r, order); err != nil {
		return
	}
	var rev [1]byte
	if _, err = ioReadFull(r, rev[:]); err != nil {
		return
	}
	sr.MinorRevision = rev[0]
	n, ok, e := wire.ReadSize(r, order)
	if e != nil {
		err = e
		return
	}
	if !ok {
		return
	}
	for i := 0; i < n; i++ {
		var cidBuf [4]byte
		if _, err = ioReadFull(r, cidBuf[:]); err != nil {
			return
		}
		sr.Found = append(sr.Found, CID(order.Uint32(cidBuf[:])))
	}
	return
}

func ioReadFull(r *bytes.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// datagramHandler receives decoded datagram-transport events. The
// context implements this to fan beacons out to the beacon handler
// and search responses to the search manager.
type datagramHandler interface {
	handleBeacon(from *net.UDPAddr, payload []byte)
	handleSearchResponse(from *net.UDPAddr, payload []byte)
}

// broadcastTransport is the UDP endpoint bound to the well-known
// broadcast port, receiving searches (other clients') and beacons.
type broadcastTransport struct {
	conn    *net.UDPConn
	halt    *idem.Halter
	log     *plog.Logger
	handler datagramHandler
}

func newBroadcastTransport(port int, handler datagramHandler, log *plog.Logger) (*broadcastTransport, error) {
	addr := &net.UDPAddr{Port: port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, Wrap(err, "pva: bind broadcast UDP port")
	}
	bt := &broadcastTransport{conn: conn, halt: idem.NewHalter(), handler: handler, log: log.With("broadcast")}
	go bt.readLoop()
	return bt, nil
}

func (bt *broadcastTransport) readLoop() {
	defer bt.halt.Done.Close()
	buf := make([]byte, 1<<16)
	for {
		select {
		case <-bt.halt.ReqStop.Chan:
			return
		default:
		}
		bt.conn.SetReadDeadline(deadlineIn(readPollInterval))
		n, from, err := bt.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-bt.halt.ReqStop.Chan:
				return
			default:
			}
			bt.log.Warn("broadcast read error", plog.Fields{"err": err.Error()})
			continue
		}
		bt.dispatch(from, buf[:n])
	}
}

func (bt *broadcastTransport) dispatch(from *net.UDPAddr, frame []byte) {
	if len(frame) < wire.HeaderSize {
		return
	}
	h, err := wire.ReadHeader(bytes.NewReader(frame[:wire.HeaderSize]))
	if err != nil {
		bt.log.Warn("dropping malformed datagram", plog.Fields{"err": err.Error()})
		return
	}
	payload := frame[wire.HeaderSize:]
	if len(payload) < int(h.Size) {
		bt.log.Warn("dropping truncated datagram", plog.Fields{"want": h.Size, "got": len(payload)})
		return
	}
	payload = payload[:h.Size]
	switch h.Command {
	case cmdBeacon:
		bt.handler.handleBeacon(from, payload)
	case cmdSearchRequest:
		// server-only; another client's broadcast search. No-op.
	default:
		bt.log.Debug("unhandled broadcast command", plog.Fields{"command": h.Command})
	}
}

func (bt *broadcastTransport) Close() {
	bt.halt.ReqStop.Close()
	bt.conn.Close()
	<-bt.halt.Done.Chan
}

// searchTransport is the ephemeral UDP endpoint used to send search
// frames and receive unicast search replies.
type searchTransport struct {
	conn    *net.UDPConn
	halt    *idem.Halter
	log     *plog.Logger
	handler datagramHandler
}

func newSearchTransport(handler datagramHandler, log *plog.Logger) (*searchTransport, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, Wrap(err, "pva: bind search UDP socket")
	}
	st := &searchTransport{conn: conn, halt: idem.NewHalter(), handler: handler, log: log.With("search-udp")}
	go st.readLoop()
	return st, nil
}

func (st *searchTransport) LocalAddr() *net.UDPAddr {
	return st.conn.LocalAddr().(*net.UDPAddr)
}

// SendTo sends a raw search frame to each of dests.
func (st *searchTransport) SendTo(payload []byte, command byte, dests []net.IP, port int) error {
	frame, err := frameBytes(command, payload)
	if err != nil {
		return err
	}
	var firstErr error
	for _, ip := range dests {
		_, err := st.conn.WriteToUDP(frame, &net.UDPAddr{IP: ip, Port: port})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (st *searchTransport) readLoop() {
	defer st.halt.Done.Close()
	buf := make([]byte, 1<<16)
	for {
		select {
		case <-st.halt.ReqStop.Chan:
			return
		default:
		}
		st.conn.SetReadDeadline(deadlineIn(readPollInterval))
		n, from, err := st.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-st.halt.ReqStop.Chan:
				return
			default:
			}
			st.log.Warn("search socket read error", plog.Fields{"err": err.Error()})
			continue
		}
		st.dispatch(from, buf[:n])
	}
}

func (st *searchTransport) dispatch(from *net.UDPAddr, frame []byte) {
	if len(frame) < wire.HeaderSize {
		return
	}
	h, err := wire.ReadHeader(bytes.NewReader(frame[:wire.HeaderSize]))
	if err != nil {
		return
	}
	payload := frame[wire.HeaderSize:]
	if len(payload) < int(h.Size) {
		return
	}
	payload = payload[:h.Size]
	if h.Command == cmdSearchResponse {
		st.handler.handleSearchResponse(from, payload)
	}
}

func (st *searchTransport) Close() {
	st.halt.ReqStop.Close()
	st.conn.Close()
	<-st.halt.Done.Chan
}

// frameBytes wraps payload with the fixed 8-byte header.
func frameBytes(command byte, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	h := wire.Header{Version: wire.ProtocolVersion, Command: command, Size: uint32(len(payload))}
	if err := wire.WriteHeader(&buf, h); err != nil {
		return nil, err
	}
	buf.Write(payload)
	return buf.Bytes(), nil
}
