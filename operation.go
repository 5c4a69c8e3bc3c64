package pva

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/epics-pva/pvago/introspect"
)

// registeredOperation is what the context's IOID map actually stores:
// every channelOperation (for lifecycle fan-out) plus the ability to
// apply an inbound data response.
type registeredOperation interface {
	channelOperation
	handleResponse(command byte, payload []byte, order binary.ByteOrder, registry introspect.Registry)
}

// QoS flag bits carried in every request's INIT/GET/PUT frame.
const (
	QoSInit    uint16 = 0x08
	QoSDestroy uint16 = 0x10
	QoSProcess uint16 = 0x20
	QoSGet     uint16 = 0x40
	QoSGetPut  uint16 = 0x80
)

// Pending-request sentinel codes.
const (
	pendingNone        int32 = -1
	pendingPureDestroy int32 = -2
)

// baseOperation is the scaffold every one of the eight operation kinds
// embeds: IOID, channel back-reference, arbitration lock, reference
// count, and last status. Kind-specific types (op_get.go etc.) supply
// the request/response encoding and embed this for the shared
// lifecycle and channelOperation interface methods.
type baseOperation struct {
	channel *Channel
	id      IOID
	order   binary.ByteOrder

	mu          sync.Mutex
	initialized bool
	initSent    bool
	destroyed   bool
	pending     int32
	lastStatus  Status

	refCount int32

	// resendInit is called by resubscribeSubscription/updateSubscription
	// to re-issue this operation's INIT request on a fresh circuit.
	// Supplied by the kind-specific constructor.
	resendInit func(circ *circuit)
}

func newBaseOperation(ch *Channel, id IOID, order binary.ByteOrder) baseOperation {
	return baseOperation{channel: ch, id: id, order: order, pending: pendingNone, refCount: 1}
}

func (b *baseOperation) ioid() IOID { return b.id }

// startRequest enforces at most one in-flight request per operation:
// it succeeds if no request is pending, or if code is PURE_DESTROY
// (the only request allowed to preempt).
func (b *baseOperation) startRequest(code int32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return ErrRequestDestroyed
	}
	if b.pending != pendingNone && code != pendingPureDestroy {
		return ErrOtherRequestPending
	}
	b.pending = code
	return nil
}

func (b *baseOperation) stopRequest() {
	b.mu.Lock()
	b.pending = pendingNone
	b.mu.Unlock()
}

func (b *baseOperation) isInitialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

func (b *baseOperation) setInitialized(v bool) {
	b.mu.Lock()
	b.initialized = v
	b.mu.Unlock()
}

func (b *baseOperation) isDestroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

// markInitSent records that the INIT request has actually reached the
// send queue, distinct from isInitialized (which only becomes true
// once the matching response arrives). destroyLocal consults this, not
// isInitialized, to decide whether a best-effort DESTROY frame is
// owed: a Get cancelled while its INIT is still in flight has nothing
// for the server to ack yet, but the request is already on the wire
// and still needs tearing down.
func (b *baseOperation) markInitSent() {
	b.mu.Lock()
	b.initSent = true
	b.mu.Unlock()
}

// retain/release track outstanding references to an operation beyond
// the context's IOID map and the channel's own operation map. Neither
// is currently called; see DESIGN.md for why dispatch safety doesn't
// need them.
func (b *baseOperation) retain() { atomic.AddInt32(&b.refCount, 1) }

func (b *baseOperation) release() int32 { return atomic.AddInt32(&b.refCount, -1) }

// channelDestroyed implements channelOperation: every outstanding
// operation is told the channel is gone. It only records state: the
// requester is not called. Because the operation is now marked
// destroyed, a later kind-specific Destroy() finds destroyLocal
// returning false and delivers no terminal status either.
func (b *baseOperation) channelDestroyed() {
	b.mu.Lock()
	b.destroyed = true
	b.initialized = false
	b.pending = pendingNone
	b.lastStatus = channelDestroyedStatus
	b.mu.Unlock()
}

// channelDisconnected implements channelOperation: in-flight request
// state is cleared but identity is preserved for automatic recovery.
func (b *baseOperation) channelDisconnected() {
	b.mu.Lock()
	b.initialized = false
	b.initSent = false
	b.pending = pendingNone
	b.lastStatus = channelDisconnectedStatus
	b.mu.Unlock()
}

// resubscribeSubscription re-enters QOS_INIT on the new circuit. Kind-
// specific types that need extra bookkeeping wrap this.
func (b *baseOperation) resubscribeSubscription(circ *circuit) {
	if b.resendInit == nil {
		return
	}
	b.mu.Lock()
	b.pending = int32(QoSInit)
	b.mu.Unlock()
	b.resendInit(circ)
}

// updateSubscription is the second resubscription pass used when a
// transport rebinds without a full disconnect.
func (b *baseOperation) updateSubscription(circ *circuit) {
	b.resubscribeSubscription(circ)
}

// destroyLocal marks the operation destroyed and, unless it already
// was, enqueues a best-effort DESTROY_REQUEST frame whenever its INIT
// request had already reached the wire — whether or not the matching
// response ever arrived. It reports whether this call performed the
// destroyed transition (false if the operation was already destroyed),
// so a caller can deliver its terminal status to the requester exactly
// once.
func (b *baseOperation) destroyLocal(circ *circuit) bool {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return false
	}
	wasInitSent := b.initSent
	b.destroyed = true
	b.initialized = false
	b.mu.Unlock()

	if !wasInitSent || circ == nil {
		return true
	}
	ioid := b.id
	circ.enqueue(transportSenderFunc(func(ctrl *TransportSendControl) error {
		ctrl.StartMessage(cmdDestroyRequest, 12)
		if err := ctrl.WriteUint32(uint32(b.channel.SID())); err != nil {
			return err
		}
		return ctrl.WriteUint32(uint32(ioid))
	}))
	return true
}
