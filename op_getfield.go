package pva

import (
	"encoding/binary"

	"github.com/epics-pva/pvago/introspect"
)

// ChannelGetFieldRequester receives the callback for a GetField
// operation, cmd 17.
type ChannelGetFieldRequester interface {
	GetDone(status Status, field introspect.Field)
}

// ChannelGetField is a single-shot introspection query for a subfield's
// type descriptor; unlike the other seven kinds it has no INIT/request
// split — its one request *is* the INIT payload.
type ChannelGetField struct {
	baseOperation
	requester ChannelGetFieldRequester
	subField  string
}

func newChannelGetField(ch *Channel, id IOID, order binary.ByteOrder, subField string, requester ChannelGetFieldRequester) *ChannelGetField {
	g := &ChannelGetField{baseOperation: newBaseOperation(ch, id, order), requester: requester, subField: subField}
	g.resendInit = func(circ *circuit) { g.send(circ) }
	return g
}

func (g *ChannelGetField) send(circ *circuit) {
	sid := g.channel.SID()
	g.markInitSent()
	circ.enqueue(transportSenderFunc(func(ctrl *TransportSendControl) error {
		ctrl.StartMessage(cmdGetFieldResponse, 16+len(g.subField))
		if err := writeRequestHeader(ctrl, sid, g.id, byte(QoSInit)); err != nil {
			return err
		}
		return ctrl.WriteString(g.subField)
	}))
}

func (g *ChannelGetField) Destroy() {
	if g.destroyLocal(g.channel.circuitRef()) {
		g.requester.GetDone(cancelStatus, nil)
	}
	g.channel.forgetOperation(g.id)
}

func (g *ChannelGetField) handleResponse(command byte, payload []byte, order binary.ByteOrder, registry introspect.Registry) {
	r, _, status, err := dataResponseReader(payload, order, registry)
	if err != nil {
		return
	}
	g.stopRequest()
	wasLive := g.destroyLocal(nil) // this op is single-shot: terminal after its one response
	g.channel.forgetOperation(g.id)
	if !wasLive {
		return
	}
	if !status.IsSuccess() {
		g.requester.GetDone(status, nil)
		return
	}
	field, err := registry.DeserializeField(r, order)
	if err != nil {
		g.requester.GetDone(StatusOf(err), nil)
		return
	}
	g.requester.GetDone(status, field)
}
