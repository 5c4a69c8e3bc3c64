package pva

import (
	"encoding/binary"

	"github.com/epics-pva/pvago/introspect"
)

// ChannelPutGetRequester receives callbacks for a ChannelPutGet, cmd 12.
type ChannelPutGetRequester interface {
	ChannelPutGetConnect(status Status, op *ChannelPutGet, putStructure, getStructure introspect.PVStructure)
	PutGetDone(status Status)
	GetGetDone(status Status)
	GetPutDone(status Status)
}

// ChannelPutGet atomically writes one structure and reads another
// (often the same record read back post-process), cmd 12.
type ChannelPutGet struct {
	baseOperation
	requester ChannelPutGetRequester
	pvRequest introspect.PVRequest
	putData   introspect.PVStructure
	getData   introspect.PVStructure
}

func newChannelPutGet(ch *Channel, id IOID, order binary.ByteOrder, pvRequest introspect.PVRequest, requester ChannelPutGetRequester) *ChannelPutGet {
	pg := &ChannelPutGet{baseOperation: newBaseOperation(ch, id, order), requester: requester, pvRequest: pvRequest}
	pg.resendInit = func(circ *circuit) { pg.sendInit(circ) }
	return pg
}

func (pg *ChannelPutGet) sendInit(circ *circuit) {
	sid := pg.channel.SID()
	pg.markInitSent()
	circ.enqueue(transportSenderFunc(func(ctrl *TransportSendControl) error {
		ctrl.StartMessage(cmdPutGetResponse, 32)
		if err := writeRequestHeader(ctrl, sid, pg.id, byte(QoSInit)); err != nil {
			return err
		}
		return circ.registry.SerializePVRequest(ctrl, ctrl.order, pg.pvRequest)
	}))
}

func (pg *ChannelPutGet) request(qos byte, bodyLen int, writeBody func(ctrl *TransportSendControl) error, onErr func(Status)) {
	if !pg.isInitialized() {
		onErr(StatusOf(ErrRequestNotInitialized))
		return
	}
	if err := pg.startRequest(int32(qos)); err != nil {
		onErr(StatusOf(err))
		return
	}
	circ := pg.channel.circuitRef()
	if circ == nil {
		pg.stopRequest()
		onErr(StatusOf(ErrChannelDisconnected))
		return
	}
	sid := pg.channel.SID()
	circ.enqueue(transportSenderFunc(func(ctrl *TransportSendControl) error {
		ctrl.StartMessage(cmdPutGetResponse, bodyLen)
		if err := writeRequestHeader(ctrl, sid, pg.id, qos); err != nil {
			return err
		}
		if writeBody == nil {
			return nil
		}
		return writeBody(ctrl)
	}))
}

// PutGet writes putData (via the registry) then reads back the result.
func (pg *ChannelPutGet) PutGet() {
	circ := pg.channel.circuitRef()
	pg.request(0, 64, func(ctrl *TransportSendControl) error {
		if circ == nil || pg.putData == nil {
			return nil
		}
		return circ.registry.SerializeBitSetAndData(ctrl, ctrl.order, pg.putData, nil)
	}, pg.requester.PutGetDone)
}

// GetGet re-reads the last get-side result without writing.
func (pg *ChannelPutGet) GetGet() {
	pg.request(byte(QoSGet), 16, nil, pg.requester.GetGetDone)
}

// GetPut re-reads the last put-side value without writing.
func (pg *ChannelPutGet) GetPut() {
	pg.request(byte(QoSGetPut), 16, nil, pg.requester.GetPutDone)
}

func (pg *ChannelPutGet) Destroy() {
	if pg.destroyLocal(pg.channel.circuitRef()) {
		pg.requester.PutGetDone(cancelStatus)
	}
	pg.channel.forgetOperation(pg.id)
}

func (pg *ChannelPutGet) handleResponse(command byte, payload []byte, order binary.ByteOrder, registry introspect.Registry) {
	r, qos, status, err := dataResponseReader(payload, order, registry)
	if err != nil {
		return
	}
	switch {
	case qos&byte(QoSInit) != 0:
		pg.stopRequest()
		if !status.IsSuccess() {
			pg.setInitialized(false)
			pg.requester.ChannelPutGetConnect(status, pg, nil, nil)
			return
		}
		putData, err := registry.DeserializeStructureAndCreatePVStructure(r, order)
		if err != nil {
			pg.requester.ChannelPutGetConnect(StatusOf(err), pg, nil, nil)
			return
		}
		getData, err := registry.DeserializeStructureAndCreatePVStructure(r, order)
		if err != nil {
			pg.requester.ChannelPutGetConnect(StatusOf(err), pg, nil, nil)
			return
		}
		pg.putData, pg.getData = putData, getData
		pg.setInitialized(true)
		pg.requester.ChannelPutGetConnect(status, pg, putData, getData)
	case qos&byte(QoSDestroy) != 0:
		pg.stopRequest()
		pg.setInitialized(false)
		pg.requester.PutGetDone(status)
	case qos&byte(QoSGet) != 0:
		pg.stopRequest()
		if status.IsSuccess() && pg.getData != nil {
			registry.DeserializeBitSetAndData(r, order, pg.getData)
		}
		pg.requester.GetGetDone(status)
	case qos&byte(QoSGetPut) != 0:
		pg.stopRequest()
		if status.IsSuccess() && pg.putData != nil {
			registry.DeserializeBitSetAndData(r, order, pg.putData)
		}
		pg.requester.GetPutDone(status)
	default:
		pg.stopRequest()
		if status.IsSuccess() && pg.getData != nil {
			registry.DeserializeBitSetAndData(r, order, pg.getData)
		}
		pg.requester.PutGetDone(status)
	}
}
