package pva

import (
	"encoding/binary"

	"github.com/epics-pva/pvago/introspect"
	"github.com/epics-pva/pvago/wire"
)

// ChannelGetRequester receives callbacks for a ChannelGet.
type ChannelGetRequester interface {
	ChannelGetConnect(status Status, op *ChannelGet, pvStructure introspect.PVStructure, bitSet *wire.BitSet)
	GetDone(status Status)
}

// ChannelGet is the one-shot/repeatable "get current value" operation,
// cmd 10.
type ChannelGet struct {
	baseOperation
	requester ChannelGetRequester
	pvRequest introspect.PVRequest
	data      introspect.PVStructure
}

func newChannelGet(ch *Channel, id IOID, order binary.ByteOrder, pvRequest introspect.PVRequest, requester ChannelGetRequester) *ChannelGet {
	g := &ChannelGet{
		baseOperation: newBaseOperation(ch, id, order),
		requester:     requester,
		pvRequest:     pvRequest,
	}
	g.resendInit = func(circ *circuit) { g.sendInit(circ) }
	return g
}

func (g *ChannelGet) sendInit(circ *circuit) {
	sid := g.channel.SID()
	g.markInitSent()
	circ.enqueue(transportSenderFunc(func(ctrl *TransportSendControl) error {
		ctrl.StartMessage(cmdGetResponse, 32)
		if err := writeRequestHeader(ctrl, sid, g.id, byte(QoSInit)); err != nil {
			return err
		}
		return circ.registry.SerializePVRequest(ctrl, ctrl.order, g.pvRequest)
	}))
}

// Get issues a GET request for the current value; fails synchronously
// via GetDone if another request is pending or the operation isn't
// initialized.
func (g *ChannelGet) Get() {
	if !g.isInitialized() {
		g.requester.GetDone(StatusOf(ErrRequestNotInitialized))
		return
	}
	if err := g.startRequest(int32(QoSGet)); err != nil {
		g.requester.GetDone(StatusOf(err))
		return
	}
	circ := g.channel.circuitRef()
	if circ == nil {
		g.stopRequest()
		g.requester.GetDone(StatusOf(ErrChannelDisconnected))
		return
	}
	sid := g.channel.SID()
	circ.enqueue(transportSenderFunc(func(ctrl *TransportSendControl) error {
		ctrl.StartMessage(cmdGetResponse, 16)
		return writeRequestHeader(ctrl, sid, g.id, byte(QoSGet))
	}))
}

// Destroy is idempotent: it tears down server-side state best-effort
// and delivers a terminal GetDone(cancelStatus) to the requester
// exactly once.
func (g *ChannelGet) Destroy() {
	circ := g.channel.circuitRef()
	if g.destroyLocal(circ) {
		g.requester.GetDone(cancelStatus)
	}
	g.channel.forgetOperation(g.id)
}

func (g *ChannelGet) handleResponse(command byte, payload []byte, order binary.ByteOrder, registry introspect.Registry) {
	r, qos, status, err := dataResponseReader(payload, order, registry)
	if err != nil {
		return
	}
	switch {
	case qos&byte(QoSInit) != 0:
		g.stopRequest()
		if !status.IsSuccess() {
			g.setInitialized(false)
			g.requester.ChannelGetConnect(status, g, nil, nil)
			return
		}
		data, err := registry.DeserializeStructureAndCreatePVStructure(r, order)
		if err != nil {
			g.requester.ChannelGetConnect(StatusOf(err), g, nil, nil)
			return
		}
		g.data = data
		g.setInitialized(true)
		g.requester.ChannelGetConnect(status, g, data, nil)
	case qos&byte(QoSDestroy) != 0:
		g.stopRequest()
		g.setInitialized(false)
		if qos&byte(QoSGet) != 0 && status.IsSuccess() && g.data != nil {
			registry.DeserializeBitSetAndData(r, order, g.data)
		}
		g.requester.GetDone(status)
	default:
		g.stopRequest()
		if status.IsSuccess() && g.data != nil {
			registry.DeserializeBitSetAndData(r, order, g.data)
		}
		g.requester.GetDone(status)
	}
}
