package pva

import (
	"bytes"
	"encoding/binary"

	"github.com/epics-pva/pvago/introspect"
)

// writeRequestHeader writes the SID(4B)+IOID(4B)+QoS(1B) prefix every
// non-cancel request frame carries.
func writeRequestHeader(ctrl *TransportSendControl, sid SID, ioid IOID, qos byte) error {
	if err := ctrl.WriteUint32(uint32(sid)); err != nil {
		return err
	}
	if err := ctrl.WriteUint32(uint32(ioid)); err != nil {
		return err
	}
	return ctrl.WriteByte(qos)
}

// severityToStatusKind maps the registry's raw severity code onto
// StatusKind; 0..3 order matches OK, WARNING, ERROR, FATAL.
func severityToStatusKind(severity int) StatusKind {
	switch severity {
	case 0:
		return StatusOK
	case 1:
		return StatusWarning
	case 2:
		return StatusError
	default:
		return StatusFatal
	}
}

// readResponseHeader reads the qos-echo byte followed by a Status, the
// shared prefix of every response payload.
func readResponseHeader(r *bytes.Reader, order binary.ByteOrder, registry introspect.Registry) (qos byte, status Status, err error) {
	qb, err := r.ReadByte()
	if err != nil {
		return 0, Status{}, err
	}
	qos = qb
	severity, message, stack, err := registry.DeserializeStatus(r, order)
	if err != nil {
		return qos, Status{}, err
	}
	status = Status{Kind: severityToStatusKind(severity), Message: message, StackTrace: stack}
	return qos, status, nil
}

// sendCancel enqueues the 8-byte PURE_DESTROY frame (command 15):
// SID+IOID only, no QoS byte.
func sendCancel(circ *circuit, sid SID, ioid IOID) {
	if circ == nil {
		return
	}
	circ.enqueue(transportSenderFunc(func(ctrl *TransportSendControl) error {
		ctrl.StartMessage(cmdDestroyRequest, 8)
		if err := ctrl.WriteUint32(uint32(sid)); err != nil {
			return err
		}
		return ctrl.WriteUint32(uint32(ioid))
	}))
}

// dataResponseReader wraps a response payload for a kind-specific
// handleResponse method: it reads the shared qos/status header first and
// leaves the reader positioned at the kind-specific body.
func dataResponseReader(payload []byte, order binary.ByteOrder, registry introspect.Registry) (*bytes.Reader, byte, Status, error) {
	r := bytes.NewReader(payload)
	qos, status, err := readResponseHeader(r, order, registry)
	return r, qos, status, err
}
