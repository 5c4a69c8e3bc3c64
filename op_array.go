package pva

import (
	"encoding/binary"

	"github.com/epics-pva/pvago/introspect"
)

// arrayRequestKind distinguishes the three request shapes ChannelArray
// can send; the wire payload leads with this byte so the server can
// tell a (offset,count) get apart from a (offset,count) put and a
// (length,capacity) setLength without overloading the QoS byte. It is
// also kept as in-memory state on ChannelArray (pendingKind) so a
// normal response can be routed to the matching *Done callback.
type arrayRequestKind byte

const (
	arrayGet       arrayRequestKind = 0
	arrayPut       arrayRequestKind = 1
	arraySetLength arrayRequestKind = 2
)

// ChannelArrayRequester receives callbacks for a ChannelArray, cmd 14.
type ChannelArrayRequester interface {
	ChannelArrayConnect(status Status, op *ChannelArray, pvArray introspect.PVStructure)
	GetArrayDone(status Status)
	PutArrayDone(status Status)
	SetLengthDone(status Status)
}

// ChannelArray supports bulk array get/put/setLength, cmd 14.
type ChannelArray struct {
	baseOperation
	requester   ChannelArrayRequester
	pvRequest   introspect.PVRequest
	data        introspect.PVStructure
	pendingKind arrayRequestKind
}

func newChannelArray(ch *Channel, id IOID, order binary.ByteOrder, pvRequest introspect.PVRequest, requester ChannelArrayRequester) *ChannelArray {
	a := &ChannelArray{baseOperation: newBaseOperation(ch, id, order), requester: requester, pvRequest: pvRequest}
	a.resendInit = func(circ *circuit) { a.sendInit(circ) }
	return a
}

func (a *ChannelArray) sendInit(circ *circuit) {
	sid := a.channel.SID()
	a.markInitSent()
	circ.enqueue(transportSenderFunc(func(ctrl *TransportSendControl) error {
		ctrl.StartMessage(cmdArrayResponse, 32)
		if err := writeRequestHeader(ctrl, sid, a.id, byte(QoSInit)); err != nil {
			return err
		}
		return circ.registry.SerializePVRequest(ctrl, ctrl.order, a.pvRequest)
	}))
}

func (a *ChannelArray) request(kind arrayRequestKind, n1, n2 int32, onErr func(Status), writeExtra func(ctrl *TransportSendControl) error) {
	if !a.isInitialized() {
		onErr(StatusOf(ErrRequestNotInitialized))
		return
	}
	if err := a.startRequest(0); err != nil {
		onErr(StatusOf(err))
		return
	}
	circ := a.channel.circuitRef()
	if circ == nil {
		a.stopRequest()
		onErr(StatusOf(ErrChannelDisconnected))
		return
	}
	a.pendingKind = kind
	sid := a.channel.SID()
	circ.enqueue(transportSenderFunc(func(ctrl *TransportSendControl) error {
		ctrl.StartMessage(cmdArrayResponse, 32)
		if err := writeRequestHeader(ctrl, sid, a.id, 0); err != nil {
			return err
		}
		if err := ctrl.WriteByte(byte(kind)); err != nil {
			return err
		}
		if err := ctrl.WriteUint32(uint32(n1)); err != nil {
			return err
		}
		if err := ctrl.WriteUint32(uint32(n2)); err != nil {
			return err
		}
		if writeExtra == nil {
			return nil
		}
		return writeExtra(ctrl)
	}))
}

// GetArray reads count elements starting at offset.
func (a *ChannelArray) GetArray(offset, count int32) {
	a.request(arrayGet, offset, count, a.requester.GetArrayDone, nil)
}

// PutArray writes data's elements at offset.
func (a *ChannelArray) PutArray(offset, count int32) {
	circ := a.channel.circuitRef()
	a.request(arrayPut, offset, count, a.requester.PutArrayDone, func(ctrl *TransportSendControl) error {
		if circ == nil || a.data == nil {
			return nil
		}
		return circ.registry.SerializeBitSetAndData(ctrl, ctrl.order, a.data, nil)
	})
}

// SetLength resizes the array.
func (a *ChannelArray) SetLength(length, capacity int32) {
	a.request(arraySetLength, length, capacity, a.requester.SetLengthDone, nil)
}

func (a *ChannelArray) Destroy() {
	if a.destroyLocal(a.channel.circuitRef()) {
		a.requester.GetArrayDone(cancelStatus)
	}
	a.channel.forgetOperation(a.id)
}

func (a *ChannelArray) handleResponse(command byte, payload []byte, order binary.ByteOrder, registry introspect.Registry) {
	r, qos, status, err := dataResponseReader(payload, order, registry)
	if err != nil {
		return
	}
	switch {
	case qos&byte(QoSInit) != 0:
		a.stopRequest()
		if !status.IsSuccess() {
			a.setInitialized(false)
			a.requester.ChannelArrayConnect(status, a, nil)
			return
		}
		data, err := registry.DeserializeStructureAndCreatePVStructure(r, order)
		if err != nil {
			a.requester.ChannelArrayConnect(StatusOf(err), a, nil)
			return
		}
		a.data = data
		a.setInitialized(true)
		a.requester.ChannelArrayConnect(status, a, data)
	case qos&byte(QoSDestroy) != 0:
		a.stopRequest()
		a.setInitialized(false)
		a.requester.GetArrayDone(status)
	default:
		a.stopRequest()
		// Put/SetLength responses carry only a Status, no bitset+data,
		// so only the get case attempts to deserialize a payload.
		switch a.pendingKind {
		case arrayPut:
			a.requester.PutArrayDone(status)
		case arraySetLength:
			a.requester.SetLengthDone(status)
		default:
			if status.IsSuccess() && a.data != nil {
				registry.DeserializeBitSetAndData(r, order, a.data)
			}
			a.requester.GetArrayDone(status)
		}
	}
}
