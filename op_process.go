package pva

import (
	"encoding/binary"

	"github.com/epics-pva/pvago/introspect"
)

// ChannelProcessRequester receives callbacks for a ChannelProcess,
// cmd 16.
type ChannelProcessRequester interface {
	ChannelProcessConnect(status Status, op *ChannelProcess)
	ProcessDone(status Status)
}

// ChannelProcess triggers record processing with no data payload of
// its own.
type ChannelProcess struct {
	baseOperation
	requester ChannelProcessRequester
	pvRequest introspect.PVRequest
}

func newChannelProcess(ch *Channel, id IOID, order binary.ByteOrder, pvRequest introspect.PVRequest, requester ChannelProcessRequester) *ChannelProcess {
	p := &ChannelProcess{baseOperation: newBaseOperation(ch, id, order), requester: requester, pvRequest: pvRequest}
	p.resendInit = func(circ *circuit) { p.sendInit(circ) }
	return p
}

func (p *ChannelProcess) sendInit(circ *circuit) {
	sid := p.channel.SID()
	p.markInitSent()
	circ.enqueue(transportSenderFunc(func(ctrl *TransportSendControl) error {
		ctrl.StartMessage(cmdProcessResponse, 32)
		if err := writeRequestHeader(ctrl, sid, p.id, byte(QoSInit)); err != nil {
			return err
		}
		return circ.registry.SerializePVRequest(ctrl, ctrl.order, p.pvRequest)
	}))
}

// Process triggers one processing pass.
func (p *ChannelProcess) Process() {
	if !p.isInitialized() {
		p.requester.ProcessDone(StatusOf(ErrRequestNotInitialized))
		return
	}
	if err := p.startRequest(int32(QoSProcess)); err != nil {
		p.requester.ProcessDone(StatusOf(err))
		return
	}
	circ := p.channel.circuitRef()
	if circ == nil {
		p.stopRequest()
		p.requester.ProcessDone(StatusOf(ErrChannelDisconnected))
		return
	}
	sid := p.channel.SID()
	circ.enqueue(transportSenderFunc(func(ctrl *TransportSendControl) error {
		ctrl.StartMessage(cmdProcessResponse, 16)
		return writeRequestHeader(ctrl, sid, p.id, byte(QoSProcess))
	}))
}

func (p *ChannelProcess) Destroy() {
	if p.destroyLocal(p.channel.circuitRef()) {
		p.requester.ProcessDone(cancelStatus)
	}
	p.channel.forgetOperation(p.id)
}

func (p *ChannelProcess) handleResponse(command byte, payload []byte, order binary.ByteOrder, registry introspect.Registry) {
	_, qos, status, err := dataResponseReader(payload, order, registry)
	if err != nil {
		return
	}
	switch {
	case qos&byte(QoSInit) != 0:
		p.stopRequest()
		p.setInitialized(status.IsSuccess())
		p.requester.ChannelProcessConnect(status, p)
	case qos&byte(QoSDestroy) != 0:
		p.stopRequest()
		p.setInitialized(false)
		p.requester.ProcessDone(status)
	default:
		p.stopRequest()
		p.requester.ProcessDone(status)
	}
}
