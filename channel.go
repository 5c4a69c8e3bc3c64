package pva

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/epics-pva/pvago/internal/plog"
)

// createChannelTimeout bounds how long a channel waits for a
// CREATE_CHANNEL response after a circuit has been acquired. A server
// that accepted the TCP connection but never answers (crash, partial
// network partition past the handshake) would otherwise leave the
// channel stuck in ChannelSearching forever.
const createChannelTimeout = 5 * time.Second

// ChannelState mirrors a channel's lifecycle.
type ChannelState int

const (
	ChannelNeverConnected ChannelState = iota
	ChannelSearching
	ChannelConnected
	ChannelDisconnected
	ChannelDestroyed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelNeverConnected:
		return "NEVER_CONNECTED"
	case ChannelSearching:
		return "SEARCHING"
	case ChannelConnected:
		return "CONNECTED"
	case ChannelDisconnected:
		return "DISCONNECTED"
	case ChannelDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// ChannelRequester is the application callback surface for channel
// lifecycle events.
type ChannelRequester interface {
	ChannelStateChange(ch *Channel, state ChannelState)
}

// channelOperation is the subset of an Operation's behavior the
// Channel needs to drive lifecycle fan-out, satisfied by the shared
// operation scaffold in operation.go.
type channelOperation interface {
	ioid() IOID
	channelDestroyed()
	channelDisconnected()
	resubscribeSubscription(c *circuit)
}

// Channel is one named PV channel: its own small state machine plus a
// registry of outstanding Operations.
type Channel struct {
	ctx       *Context
	cid       CID
	name      string
	priority  int
	requester ChannelRequester
	fixedAddr *net.UDPAddr // non-nil bypasses search

	mu          sync.Mutex
	state       ChannelState
	sid         SID
	circ        *circuit
	createTimer *time.Timer

	ops *mutexMap[IOID, channelOperation]

	log *plog.Logger
}

func newChannel(ctx *Context, cid CID, name string, priority int, requester ChannelRequester, fixedAddr *net.UDPAddr) *Channel {
	ch := &Channel{
		ctx:       ctx,
		cid:       cid,
		name:      name,
		priority:  priority,
		requester: requester,
		fixedAddr: fixedAddr,
		state:     ChannelNeverConnected,
		ops:       newMutexMap[IOID, channelOperation](),
		log:       ctx.log.With("channel." + name),
	}
	return ch
}

// CID returns the channel's client-assigned id.
func (ch *Channel) CID() CID { return ch.cid }

// Name returns the channel's PV name.
func (ch *Channel) Name() string { return ch.name }

// State returns the channel's current lifecycle state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// SID returns the server-assigned channel id; only meaningful while
// State() == ChannelConnected.
func (ch *Channel) SID() SID {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.sid
}

// circuitRef returns the channel's current circuit, or nil.
func (ch *Channel) circuitRef() *circuit {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.circ
}

// start kicks the channel off: directly to circuit acquisition if a
// fixed address was supplied, else into the SEARCHING state.
func (ch *Channel) start() {
	if ch.fixedAddr != nil {
		ch.acquireCircuit(ch.fixedAddr.IP, uint16(ch.fixedAddr.Port), 0)
		return
	}
	ch.setState(ChannelSearching)
	ch.ctx.search.register(ch.cid, ch.name)
}

func (ch *Channel) setState(s ChannelState) {
	ch.mu.Lock()
	ch.state = s
	ch.mu.Unlock()
}

// channelFound implements searchFoundHandler dispatch from the
// context: the search manager found a server hosting this channel.
func (ch *Channel) channelFound(serverAddr net.IP, serverPort uint16, minorRevision byte) {
	if ch.State() != ChannelSearching {
		return
	}
	ch.acquireCircuit(serverAddr, serverPort, minorRevision)
}

// acquireCircuit shares or opens a circuit to (addr, port) and enqueues
// the CREATE_CHANNEL request.
func (ch *Channel) acquireCircuit(addr net.IP, port uint16, minorRevision byte) {
	c, err := ch.ctx.transports.acquire(addr, port, ch.priority)
	if err != nil {
		ch.log.Warn("acquire circuit failed, re-entering search", plog.Fields{"err": err.Error()})
		ch.setState(ChannelSearching)
		ch.ctx.search.register(ch.cid, ch.name)
		return
	}
	c.attach(ch.cid)

	ch.mu.Lock()
	ch.circ = c
	ch.mu.Unlock()

	c.enqueue(transportSenderFunc(func(ctrl *TransportSendControl) error {
		ctrl.StartMessage(cmdCreateChannel, 16+len(ch.name))
		if err := ctrl.WriteSize(1); err != nil { // count=1
			return err
		}
		if err := ctrl.WriteUint32(uint32(ch.cid)); err != nil {
			return err
		}
		return ctrl.WriteString(ch.name)
	}))

	ch.startCreateTimer(c)
}

// startCreateTimer arms the bounded wait for a CREATE_CHANNEL response
// to circ, replacing any timer left over from a previous attempt.
func (ch *Channel) startCreateTimer(circ *circuit) {
	ch.mu.Lock()
	ch.stopCreateTimerLocked()
	ch.createTimer = time.AfterFunc(createChannelTimeout, func() { ch.onCreateChannelTimeout(circ) })
	ch.mu.Unlock()
}

// stopCreateTimerLocked cancels any pending create-channel timeout.
// Callers must hold ch.mu.
func (ch *Channel) stopCreateTimerLocked() {
	if ch.createTimer != nil {
		ch.createTimer.Stop()
		ch.createTimer = nil
	}
}

// onCreateChannelTimeout fires if circ never produces a CREATE_CHANNEL
// response within createChannelTimeout: the circuit is released and the
// channel goes back to search rather than waiting forever on a server
// that accepted the connection but never answered.
func (ch *Channel) onCreateChannelTimeout(circ *circuit) {
	ch.mu.Lock()
	if ch.state == ChannelConnected || ch.state == ChannelDestroyed || ch.circ != circ {
		ch.mu.Unlock()
		return
	}
	ch.createTimer = nil
	ch.circ = nil
	ch.mu.Unlock()

	ch.log.Warn("create channel response timed out, re-entering search", nil)
	ch.ctx.transports.release(circ, ch.cid)
	ch.setState(ChannelSearching)
	ch.ctx.search.register(ch.cid, ch.name)
}

// onCreateChannelResponse handles the command-7 response addressed to
// this channel: SID plus a status.
// order is the circuit's byte order; sid arrives already decoded and
// order is not used here.
func (ch *Channel) onCreateChannelResponse(sid SID, status Status, order binary.ByteOrder) {
	if !status.IsSuccess() {
		ch.log.Warn("create channel failed", plog.Fields{"status": status.Message})
		ch.enterDisconnected()
		return
	}

	ch.mu.Lock()
	ch.stopCreateTimerLocked()
	ch.sid = sid
	ch.state = ChannelConnected
	circ := ch.circ
	ch.mu.Unlock()

	for _, op := range ch.ops.Values() {
		op.resubscribeSubscription(circ)
	}
	if ch.requester != nil {
		ch.requester.ChannelStateChange(ch, ChannelConnected)
	}
}

// enterDisconnected implements "On failure or circuit loss": every
// outstanding operation is told channelDisconnected, then the channel
// re-enters search.
func (ch *Channel) enterDisconnected() {
	ch.mu.Lock()
	if ch.state == ChannelDestroyed {
		ch.mu.Unlock()
		return
	}
	wasConnected := ch.state == ChannelConnected
	ch.state = ChannelDisconnected
	circ := ch.circ
	ch.circ = nil
	ch.sid = 0
	ch.stopCreateTimerLocked()
	ch.mu.Unlock()

	if circ != nil {
		ch.ctx.transports.release(circ, ch.cid)
	}

	for _, op := range ch.ops.Values() {
		op.channelDisconnected()
	}
	if wasConnected && ch.requester != nil {
		ch.requester.ChannelStateChange(ch, ChannelDisconnected)
	}

	ch.setState(ChannelSearching)
	ch.ctx.search.register(ch.cid, ch.name)
}

// destroy implements "On destroy": unregister from search, propagate
// channelDestroyed to every operation, then drop the circuit
// attachment.
func (ch *Channel) destroy() {
	ch.mu.Lock()
	if ch.state == ChannelDestroyed {
		ch.mu.Unlock()
		return
	}
	ch.state = ChannelDestroyed
	circ := ch.circ
	ch.circ = nil
	ch.stopCreateTimerLocked()
	ch.mu.Unlock()

	ch.ctx.search.unregister(ch.cid)

	for _, op := range ch.ops.Values() {
		op.channelDestroyed()
	}
	if ch.requester != nil {
		ch.requester.ChannelStateChange(ch, ChannelDestroyed)
	}

	if circ != nil {
		ch.ctx.transports.release(circ, ch.cid)
	}
}

// registerOperation adds op to the channel's local IOID registry.
func (ch *Channel) registerOperation(ioid IOID, op channelOperation) {
	ch.ops.Set(ioid, op)
}

func (ch *Channel) unregisterOperation(ioid IOID) {
	ch.ops.Delete(ioid)
}

// forgetOperation removes ioid from both the channel's local registry
// and the context's IOID map, the full teardown an operation's
// Destroy() performs once it has sent its best-effort DESTROY_REQUEST.
func (ch *Channel) forgetOperation(ioid IOID) {
	ch.ops.Delete(ioid)
	ch.ctx.forgetOperation(ioid)
}
