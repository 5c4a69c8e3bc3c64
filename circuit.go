package pva

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/glycerine/idem"

	"github.com/epics-pva/pvago/internal/plog"
	"github.com/epics-pva/pvago/introspect"
	"github.com/epics-pva/pvago/wire"
)

// circuitState is the per-circuit lifecycle.
type circuitState int

const (
	circuitOpening circuitState = iota
	circuitValidating
	circuitVerified
	circuitClosing
	circuitClosed
)

// TransportSendControl is handed to a TransportSender's send method:
// it frames one outbound message, the client analogue of the teacher
// repo's Fragment writer in fragment.go.
type TransportSendControl struct {
	buf     bytes.Buffer
	order   binary.ByteOrder
	command byte
}

// StartMessage begins a new outbound frame for command, reserving
// roughly minBodyBytes of buffer capacity.
func (c *TransportSendControl) StartMessage(command byte, minBodyBytes int) {
	c.command = command
	c.buf.Reset()
	c.buf.Grow(minBodyBytes)
}

func (c *TransportSendControl) Write(p []byte) (int, error) { return c.buf.Write(p) }

func (c *TransportSendControl) WriteSize(n int) error  { return wire.WriteSize(&c.buf, c.order, n) }
func (c *TransportSendControl) WriteString(s string) error {
	return wire.WriteString(&c.buf, c.order, s)
}
func (c *TransportSendControl) WriteUint32(v uint32) error {
	var b [4]byte
	c.order.PutUint32(b[:], v)
	_, err := c.buf.Write(b[:])
	return err
}
func (c *TransportSendControl) WriteByte(b byte) error { return c.buf.WriteByte(b) }

// TransportSender is one item in a circuit's outbound queue.
// send is called with an empty TransportSendControl on which it must
// call StartMessage exactly once and then write its payload.
type TransportSender interface {
	send(ctrl *TransportSendControl) error
}

// transportSenderFunc adapts a function to TransportSender.
type transportSenderFunc func(ctrl *TransportSendControl) error

func (f transportSenderFunc) send(ctrl *TransportSendControl) error { return f(ctrl) }

// circuitHandler routes inbound frames to the owning context.
// Implemented by Context; kept as an interface here so circuit.go has
// no import-cycle dependency on context.go.
type circuitHandler interface {
	handleCreateChannelResponse(c *circuit, payload []byte)
	handleIntrospectionData(c *circuit, ioid IOID, payload []byte)
	handleDataResponse(c *circuit, command byte, ioid IOID, payload []byte)
	handleMessageToRequester(c *circuit, payload []byte)
	circuitBroken(c *circuit, err error)
}

// circuit is one TCP virtual circuit, shared by every channel that
// talks to the same (remote address, priority) pair. Its receive/send loops mirror the teacher's ckt.go Circuit,
// trimmed to this protocol's fixed 8-byte framing and single fixed-size
// command dispatch table in place of the teacher's generalized
// fragment/stream multiplexing.
type circuit struct {
	addr     net.Addr
	priority int

	conn  net.Conn
	order binary.ByteOrder

	mu             sync.Mutex
	state          circuitState
	recvBufferSize int
	minorRevision  byte
	clients        map[CID]struct{}

	registry introspect.Registry

	sendCh   chan TransportSender
	verified chan struct{}
	halt     *idem.Halter
	handler  circuitHandler
	log      *plog.Logger
}

// sendQueueDepth bounds the logical send queue; the teacher's send
// pump uses an unbounded slice-backed queue, but a bounded channel is
// the idiomatic Go substitute and simply backpressures a caller that
// outpaces the socket.
const sendQueueDepth = 256

func newCircuit(conn net.Conn, priority int, order binary.ByteOrder, registry introspect.Registry, handler circuitHandler, log *plog.Logger) *circuit {
	c := &circuit{
		addr:     conn.RemoteAddr(),
		priority: priority,
		conn:     conn,
		order:    order,
		state:    circuitOpening,
		clients:  make(map[CID]struct{}),
		registry: registry,
		sendCh:   make(chan TransportSender, sendQueueDepth),
		verified: make(chan struct{}),
		halt:     idem.NewHalter(),
		handler:  handler,
		log:      log.With("circuit." + conn.RemoteAddr().String()),
	}
	go c.sendLoop()
	go c.receiveLoop()
	return c
}

// attach records cid as a client of this circuit.
func (c *circuit) attach(cid CID) {
	c.mu.Lock()
	c.clients[cid] = struct{}{}
	c.mu.Unlock()
}

// detach removes cid and reports whether the circuit is now reclaimable.
func (c *circuit) detach(cid CID) (reclaimable bool) {
	c.mu.Lock()
	delete(c.clients, cid)
	reclaimable = len(c.clients) == 0
	c.mu.Unlock()
	return
}

// attachedClients returns a snapshot of the CIDs currently attached to
// this circuit, used by the context to fan out a broken-circuit
// notification.
func (c *circuit) attachedClients() []CID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CID, 0, len(c.clients))
	for cid := range c.clients {
		out = append(out, cid)
	}
	return out
}

func (c *circuit) clientCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

func (c *circuit) setState(s circuitState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *circuit) State() circuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsVerified reports whether the connection-validation handshake has
// completed; no data operations may be sent before this.
func (c *circuit) IsVerified() bool {
	select {
	case <-c.verified:
		return true
	default:
		return false
	}
}

// enqueue adds sender to the outbound queue. No data frames should be
// enqueued before IsVerified(); callers that need to wait should use
// waitVerified.
func (c *circuit) enqueue(s TransportSender) {
	select {
	case c.sendCh <- s:
	case <-c.halt.ReqStop.Chan:
	}
}

func (c *circuit) waitVerified(timeout time.Duration) bool {
	select {
	case <-c.verified:
		return true
	case <-time.After(timeout):
		return false
	case <-c.halt.ReqStop.Chan:
		return false
	}
}

func (c *circuit) sendLoop() {
	defer c.halt.Done.Close()
	ctrl := &TransportSendControl{order: c.order}
	for {
		select {
		case <-c.halt.ReqStop.Chan:
			return
		case sender := <-c.sendCh:
			if err := sender.send(ctrl); err != nil {
				c.log.Warn("sender failed, dropping message", plog.Fields{"err": err.Error()})
				continue
			}
			frame, err := frameBytes(ctrl.command, ctrl.buf.Bytes())
			if err != nil {
				c.log.Warn("frame encode failed", plog.Fields{"err": err.Error()})
				continue
			}
			if err := writeFull(c.conn, frame); err != nil {
				c.handler.circuitBroken(c, err)
				return
			}
		}
	}
}

func (c *circuit) receiveLoop() {
	defer c.halt.Done.Close()
	headerBuf := make([]byte, wire.HeaderSize)
	for {
		select {
		case <-c.halt.ReqStop.Chan:
			return
		default:
		}
		if err := readFull(c.conn, headerBuf); err != nil {
			select {
			case <-c.halt.ReqStop.Chan:
				return
			default:
			}
			c.handler.circuitBroken(c, err)
			return
		}
		h, err := wire.ReadHeader(bytes.NewReader(headerBuf))
		if err != nil {
			c.log.Warn("bad frame header, dropping circuit", plog.Fields{"err": err.Error()})
			c.handler.circuitBroken(c, err)
			return
		}
		payload := make([]byte, h.Size)
		if h.Size > 0 {
			if err := readFull(c.conn, payload); err != nil {
				c.handler.circuitBroken(c, err)
				return
			}
		}
		c.dispatch(h.Command, payload)
	}
}

func (c *circuit) dispatch(command byte, payload []byte) {
	switch command {
	case cmdConnectionValidation:
		c.handleValidation(payload)
	case cmdEcho:
		// no-op.
	case cmdSearchRequest:
		// server-only.
	case cmdCreateChannel:
		c.handler.handleCreateChannelResponse(c, payload)
	case cmdDestroyChannel:
		// no-op at client.
	case cmdIntrospectionSearchData:
		ioid, body, err := readIOIDPrefix(payload, c.order)
		if err != nil {
			c.log.Warn("malformed introspection data", plog.Fields{"err": err.Error()})
			return
		}
		c.handler.handleIntrospectionData(c, ioid, body)
	case cmdMessage:
		c.handler.handleMessageToRequester(c, payload)
	default:
		if isDataResponse(command) {
			ioid, body, err := readIOIDPrefix(payload, c.order)
			if err != nil {
				c.log.Warn("malformed data response", plog.Fields{"command": command, "err": err.Error()})
				return
			}
			c.handler.handleDataResponse(c, command, ioid, body)
			return
		}
		c.log.Warn("bad response command, dropping frame", plog.Fields{"command": command})
	}
}

// readIOIDPrefix peels the 4-byte IOID every data response and
// introspection-search-data frame leads with.
func readIOIDPrefix(payload []byte, order binary.ByteOrder) (IOID, []byte, error) {
	if len(payload) < 4 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return IOID(order.Uint32(payload[:4])), payload[4:], nil
}

// handleValidation processes the server's connection-validation frame:
// a 4-byte receive buffer size followed by a 1-byte minor revision. No
// socket receive buffer size is read from the frame. It then enqueues
// the client's own half of the handshake and marks the circuit verified.
func (c *circuit) handleValidation(payload []byte) {
	if len(payload) < 5 {
		c.log.Warn("truncated connection validation frame", nil)
		return
	}
	serverRecvBuf := int(c.order.Uint32(payload[0:4]))
	minorRev := payload[4]

	c.mu.Lock()
	c.recvBufferSize = serverRecvBuf
	c.minorRevision = minorRev
	c.state = circuitValidating
	c.mu.Unlock()

	c.enqueue(transportSenderFunc(func(ctrl *TransportSendControl) error {
		ctrl.StartMessage(cmdConnectionValidation, 8)
		if err := ctrl.WriteUint32(uint32(DefaultMaxArrayBytes)); err != nil {
			return err
		}
		return ctrl.WriteByte(ProtocolMinorRevision)
	}))

	c.setState(circuitVerified)
	close(c.verified)
}

func (c *circuit) Close() {
	c.mu.Lock()
	if c.state == circuitClosed || c.state == circuitClosing {
		c.mu.Unlock()
		return
	}
	c.state = circuitClosing
	c.mu.Unlock()

	c.halt.ReqStop.Close()
	c.conn.Close()
	<-c.halt.Done.Chan
	c.setState(circuitClosed)
}

// writeFull and readFull are the teacher's common.go blocking
// full-buffer I/O helpers, carried over unchanged in spirit: net.Conn
// read/write calls may return short counts and must be looped.
func writeFull(conn net.Conn, buf []byte) error {
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func readFull(conn net.Conn, buf []byte) error {
	for len(buf) > 0 {
		n, err := conn.Read(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
