package pva

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/epics-pva/pvago/introspect"
	"github.com/epics-pva/pvago/wire"
)

// fakeGetRequester implements ChannelGetRequester for tests.
type fakeGetRequester struct {
	connected     bool
	connectStatus Status
	doneStatuses  []Status
}

func (r *fakeGetRequester) ChannelGetConnect(status Status, op *ChannelGet, pvStructure introspect.PVStructure, bitSet *wire.BitSet) {
	r.connected = true
	r.connectStatus = status
}

func (r *fakeGetRequester) GetDone(status Status) {
	r.doneStatuses = append(r.doneStatuses, status)
}

// newTestConnectedChannel builds a Channel already CONNECTED and
// attached to a live in-memory circuit, for exercising operation
// handleResponse/Get/Destroy paths without a real server.
func newTestConnectedChannel(t *testing.T, ctx *Context, cid CID, sid SID) (*Channel, *circuit) {
	t.Helper()
	c, _ := newTestCircuitPair(t, &recordingCircuitHandler{})
	ch := newChannel(ctx, cid, "test:pv", 0, nil, nil)
	ch.mu.Lock()
	ch.circ = c
	ch.sid = sid
	ch.state = ChannelConnected
	ch.mu.Unlock()
	return ch, c
}

func encodeInitSuccess(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := encodeFakeStatus(&buf, binary.BigEndian, byte(QoSInit), Status{Kind: StatusOK}); err != nil {
		t.Fatalf("encodeFakeStatus: %v", err)
	}
	if err := encodeFakeStruct(&buf, binary.BigEndian, "epics:nt/NTScalar:1.0", 3); err != nil {
		t.Fatalf("encodeFakeStruct: %v", err)
	}
	return buf.Bytes()
}

func TestChannelGetInitSuccessMarksInitialized(t *testing.T) {
	ctx := newTestContext(t)
	ch, c := newTestConnectedChannel(t, ctx, 1, 7)

	req := &fakeGetRequester{}
	g := newChannelGet(ch, 42, binary.BigEndian, fakePVRequest{size: -1}, req)
	g.sendInit(c)

	g.handleResponse(cmdGetResponse, encodeInitSuccess(t), binary.BigEndian, &fakeRegistry{})

	if !req.connected {
		t.Fatalf("ChannelGetConnect never called")
	}
	if !req.connectStatus.IsSuccess() {
		t.Fatalf("connect status = %v, want success", req.connectStatus)
	}
	if !g.isInitialized() {
		t.Fatalf("operation not marked initialized after successful INIT")
	}
}

func TestChannelGetInitFailureNotInitialized(t *testing.T) {
	ctx := newTestContext(t)
	ch, c := newTestConnectedChannel(t, ctx, 2, 7)

	req := &fakeGetRequester{}
	g := newChannelGet(ch, 43, binary.BigEndian, fakePVRequest{size: -1}, req)
	g.sendInit(c)

	var buf bytes.Buffer
	if err := encodeFakeStatus(&buf, binary.BigEndian, byte(QoSInit), Status{Kind: StatusError, Message: "no such record"}); err != nil {
		t.Fatalf("encodeFakeStatus: %v", err)
	}

	g.handleResponse(cmdGetResponse, buf.Bytes(), binary.BigEndian, &fakeRegistry{})

	if g.isInitialized() {
		t.Fatalf("operation must not be initialized after a failed INIT")
	}
	if req.connectStatus.IsSuccess() {
		t.Fatalf("connect status should report failure")
	}
}

func TestChannelGetGetRequiresInitialized(t *testing.T) {
	ctx := newTestContext(t)
	ch, _ := newTestConnectedChannel(t, ctx, 3, 7)

	req := &fakeGetRequester{}
	g := newChannelGet(ch, 44, binary.BigEndian, fakePVRequest{size: -1}, req)

	g.Get()

	if len(req.doneStatuses) != 1 || req.doneStatuses[0].IsSuccess() {
		t.Fatalf("Get on an uninitialized operation must fail synchronously, got %v", req.doneStatuses)
	}
}

func TestChannelGetGetArbitratesAgainstPendingRequest(t *testing.T) {
	ctx := newTestContext(t)
	ch, c := newTestConnectedChannel(t, ctx, 4, 7)

	req := &fakeGetRequester{}
	g := newChannelGet(ch, 45, binary.BigEndian, fakePVRequest{size: -1}, req)
	g.sendInit(c)
	g.handleResponse(cmdGetResponse, encodeInitSuccess(t), binary.BigEndian, &fakeRegistry{})

	if err := g.startRequest(int32(QoSGet)); err != nil {
		t.Fatalf("first startRequest should succeed: %v", err)
	}
	g.Get()
	if len(req.doneStatuses) != 1 || req.doneStatuses[0].IsSuccess() {
		t.Fatalf("Get with another request pending must fail synchronously, got %v", req.doneStatuses)
	}
}

func TestChannelGetHandleGetResponseAppliesBitSetAndCallsDone(t *testing.T) {
	ctx := newTestContext(t)
	ch, c := newTestConnectedChannel(t, ctx, 5, 7)

	req := &fakeGetRequester{}
	g := newChannelGet(ch, 46, binary.BigEndian, fakePVRequest{size: -1}, req)
	g.sendInit(c)
	g.handleResponse(cmdGetResponse, encodeInitSuccess(t), binary.BigEndian, &fakeRegistry{})

	if err := g.startRequest(int32(QoSGet)); err != nil {
		t.Fatalf("startRequest: %v", err)
	}

	var getBuf bytes.Buffer
	if err := encodeFakeStatus(&getBuf, binary.BigEndian, 0, Status{Kind: StatusOK}); err != nil {
		t.Fatalf("encodeFakeStatus: %v", err)
	}
	bs := wire.NewBitSet(8)
	bs.Set(0)
	if err := wire.WriteBitSet(&getBuf, binary.BigEndian, bs); err != nil {
		t.Fatalf("WriteBitSet: %v", err)
	}

	g.handleResponse(cmdGetResponse, getBuf.Bytes(), binary.BigEndian, &fakeRegistry{})

	if len(req.doneStatuses) != 1 || !req.doneStatuses[0].IsSuccess() {
		t.Fatalf("GetDone status = %v, want success", req.doneStatuses)
	}
	data, ok := g.data.(*fakePVStructure)
	if !ok {
		t.Fatalf("g.data is not a *fakePVStructure")
	}
	if !data.changed[0] {
		t.Fatalf("bit 0 not applied to the underlying structure")
	}
}

func TestChannelGetDestroySendsBestEffortAndForgetsOperation(t *testing.T) {
	ctx := newTestContext(t)
	ch, c := newTestConnectedChannel(t, ctx, 6, 7)

	req := &fakeGetRequester{}
	g := newChannelGet(ch, 47, binary.BigEndian, fakePVRequest{size: -1}, req)
	g.sendInit(c)
	g.handleResponse(cmdGetResponse, encodeInitSuccess(t), binary.BigEndian, &fakeRegistry{})

	ch.registerOperation(g.ioid(), g)
	ctx.ioids.Set(g.ioid(), g)

	g.Destroy()

	if !g.isDestroyed() {
		t.Fatalf("operation must be marked destroyed")
	}
	if ch.ops.Has(g.ioid()) {
		t.Fatalf("operation must be removed from the channel map")
	}
	if ctx.ioids.Has(g.ioid()) {
		t.Fatalf("operation must be removed from the context ioid map")
	}
}
