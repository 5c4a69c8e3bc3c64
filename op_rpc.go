package pva

import (
	"encoding/binary"

	"github.com/epics-pva/pvago/introspect"
)

// ChannelRPCRequester receives callbacks for a ChannelRPC, cmd 20.
type ChannelRPCRequester interface {
	ChannelRPCConnect(status Status, op *ChannelRPC)
	RequestDone(status Status, result introspect.PVStructure)
}

// ChannelRPC invokes a remote procedure, sending an argument structure
// and receiving a fresh result structure each call.
type ChannelRPC struct {
	baseOperation
	requester ChannelRPCRequester
	pvRequest introspect.PVRequest
}

func newChannelRPC(ch *Channel, id IOID, order binary.ByteOrder, pvRequest introspect.PVRequest, requester ChannelRPCRequester) *ChannelRPC {
	rp := &ChannelRPC{baseOperation: newBaseOperation(ch, id, order), requester: requester, pvRequest: pvRequest}
	rp.resendInit = func(circ *circuit) { rp.sendInit(circ) }
	return rp
}

func (rp *ChannelRPC) sendInit(circ *circuit) {
	sid := rp.channel.SID()
	rp.markInitSent()
	circ.enqueue(transportSenderFunc(func(ctrl *TransportSendControl) error {
		ctrl.StartMessage(cmdRPCResponse, 32)
		if err := writeRequestHeader(ctrl, sid, rp.id, byte(QoSInit)); err != nil {
			return err
		}
		return circ.registry.SerializePVRequest(ctrl, ctrl.order, rp.pvRequest)
	}))
}

// Request sends arg's bit-set-and-data as the call's argument
// structure.
func (rp *ChannelRPC) Request(arg introspect.PVStructure) {
	if !rp.isInitialized() {
		rp.requester.RequestDone(StatusOf(ErrRequestNotInitialized), nil)
		return
	}
	if err := rp.startRequest(0); err != nil {
		rp.requester.RequestDone(StatusOf(err), nil)
		return
	}
	circ := rp.channel.circuitRef()
	if circ == nil {
		rp.stopRequest()
		rp.requester.RequestDone(StatusOf(ErrChannelDisconnected), nil)
		return
	}
	sid := rp.channel.SID()
	circ.enqueue(transportSenderFunc(func(ctrl *TransportSendControl) error {
		ctrl.StartMessage(cmdRPCResponse, 64)
		if err := writeRequestHeader(ctrl, sid, rp.id, 0); err != nil {
			return err
		}
		if arg == nil {
			return nil
		}
		return circ.registry.SerializeBitSetAndData(ctrl, ctrl.order, arg, nil)
	}))
}

func (rp *ChannelRPC) Destroy() {
	if rp.destroyLocal(rp.channel.circuitRef()) {
		rp.requester.RequestDone(cancelStatus, nil)
	}
	rp.channel.forgetOperation(rp.id)
}

func (rp *ChannelRPC) handleResponse(command byte, payload []byte, order binary.ByteOrder, registry introspect.Registry) {
	r, qos, status, err := dataResponseReader(payload, order, registry)
	if err != nil {
		return
	}
	switch {
	case qos&byte(QoSInit) != 0:
		rp.stopRequest()
		rp.setInitialized(status.IsSuccess())
		rp.requester.ChannelRPCConnect(status, rp)
	case qos&byte(QoSDestroy) != 0:
		rp.stopRequest()
		rp.setInitialized(false)
		rp.requester.RequestDone(status, nil)
	default:
		rp.stopRequest()
		if !status.IsSuccess() {
			rp.requester.RequestDone(status, nil)
			return
		}
		result, err := registry.DeserializeStructureAndCreatePVStructure(r, order)
		if err != nil {
			rp.requester.RequestDone(StatusOf(err), nil)
			return
		}
		rp.requester.RequestDone(status, result)
	}
}
