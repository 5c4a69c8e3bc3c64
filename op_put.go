package pva

import (
	"encoding/binary"

	"github.com/epics-pva/pvago/introspect"
	"github.com/epics-pva/pvago/wire"
)

// ChannelPutRequester receives callbacks for a ChannelPut, cmd 11.
type ChannelPutRequester interface {
	ChannelPutConnect(status Status, op *ChannelPut, pvStructure introspect.PVStructure, bitSet *wire.BitSet)
	PutDone(status Status)
	GetDone(status Status)
}

// ChannelPut writes a value, or reads back the value most recently
// written.
type ChannelPut struct {
	baseOperation
	requester ChannelPutRequester
	pvRequest introspect.PVRequest
	data      introspect.PVStructure
}

func newChannelPut(ch *Channel, id IOID, order binary.ByteOrder, pvRequest introspect.PVRequest, requester ChannelPutRequester) *ChannelPut {
	p := &ChannelPut{baseOperation: newBaseOperation(ch, id, order), requester: requester, pvRequest: pvRequest}
	p.resendInit = func(circ *circuit) { p.sendInit(circ) }
	return p
}

func (p *ChannelPut) sendInit(circ *circuit) {
	sid := p.channel.SID()
	p.markInitSent()
	circ.enqueue(transportSenderFunc(func(ctrl *TransportSendControl) error {
		ctrl.StartMessage(cmdPutResponse, 32)
		if err := writeRequestHeader(ctrl, sid, p.id, byte(QoSInit)); err != nil {
			return err
		}
		return circ.registry.SerializePVRequest(ctrl, ctrl.order, p.pvRequest)
	}))
}

// Put writes changed onto data per bitSet.
func (p *ChannelPut) Put(bitSet *wire.BitSet) {
	if !p.isInitialized() {
		p.requester.PutDone(StatusOf(ErrRequestNotInitialized))
		return
	}
	if err := p.startRequest(0); err != nil {
		p.requester.PutDone(StatusOf(err))
		return
	}
	circ := p.channel.circuitRef()
	if circ == nil {
		p.stopRequest()
		p.requester.PutDone(StatusOf(ErrChannelDisconnected))
		return
	}
	sid := p.channel.SID()
	data := p.data
	circ.enqueue(transportSenderFunc(func(ctrl *TransportSendControl) error {
		ctrl.StartMessage(cmdPutResponse, 32)
		if err := writeRequestHeader(ctrl, sid, p.id, 0); err != nil {
			return err
		}
		return circ.registry.SerializeBitSetAndData(ctrl, ctrl.order, data, bitSet)
	}))
}

// Get reads back the value most recently put.
func (p *ChannelPut) Get() {
	if !p.isInitialized() {
		p.requester.GetDone(StatusOf(ErrRequestNotInitialized))
		return
	}
	if err := p.startRequest(int32(QoSGet)); err != nil {
		p.requester.GetDone(StatusOf(err))
		return
	}
	circ := p.channel.circuitRef()
	if circ == nil {
		p.stopRequest()
		p.requester.GetDone(StatusOf(ErrChannelDisconnected))
		return
	}
	sid := p.channel.SID()
	circ.enqueue(transportSenderFunc(func(ctrl *TransportSendControl) error {
		ctrl.StartMessage(cmdPutResponse, 16)
		return writeRequestHeader(ctrl, sid, p.id, byte(QoSGet))
	}))
}

func (p *ChannelPut) Destroy() {
	if p.destroyLocal(p.channel.circuitRef()) {
		p.requester.PutDone(cancelStatus)
	}
	p.channel.forgetOperation(p.id)
}

func (p *ChannelPut) handleResponse(command byte, payload []byte, order binary.ByteOrder, registry introspect.Registry) {
	r, qos, status, err := dataResponseReader(payload, order, registry)
	if err != nil {
		return
	}
	switch {
	case qos&byte(QoSInit) != 0:
		p.stopRequest()
		if !status.IsSuccess() {
			p.setInitialized(false)
			p.requester.ChannelPutConnect(status, p, nil, nil)
			return
		}
		data, err := registry.DeserializeStructureAndCreatePVStructure(r, order)
		if err != nil {
			p.requester.ChannelPutConnect(StatusOf(err), p, nil, nil)
			return
		}
		p.data = data
		p.setInitialized(true)
		p.requester.ChannelPutConnect(status, p, data, nil)
	case qos&byte(QoSDestroy) != 0:
		p.stopRequest()
		p.setInitialized(false)
		p.requester.PutDone(status)
	case qos&byte(QoSGet) != 0:
		p.stopRequest()
		if status.IsSuccess() && p.data != nil {
			registry.DeserializeBitSetAndData(r, order, p.data)
		}
		p.requester.GetDone(status)
	default:
		p.stopRequest()
		p.requester.PutDone(status)
	}
}
