package pva

import (
	"encoding/binary"

	"github.com/epics-pva/pvago/introspect"
	"github.com/epics-pva/pvago/wire"
)

// MonitorEvent is delivered to a ChannelMonitorRequester whenever the
// queue has something new to poll, or the subscription is interrupted.
type MonitorEvent int

const (
	MonitorEventData MonitorEvent = iota
	MonitorEventDisconnect
	MonitorEventRequestDone
)

// ChannelMonitorRequester receives callbacks for a ChannelMonitor,
// cmd 13.
type ChannelMonitorRequester interface {
	MonitorConnect(status Status, op *ChannelMonitor, structure introspect.PVStructure)
	MonitorEvent(ev MonitorEvent)
}

// ChannelMonitor is the long-running subscription operation, cmd 13.
// Its delivery policy is one of notify-only/entire/coalesced-single,
// selected at INIT time from pvRequest.QueueSize() (monitor_strategy.go).
type ChannelMonitor struct {
	baseOperation
	requester ChannelMonitorRequester
	pvRequest introspect.PVRequest
	data      introspect.PVStructure
	queue     *monitorQueue
	running   bool
}

func newChannelMonitor(ch *Channel, id IOID, order binary.ByteOrder, pvRequest introspect.PVRequest, requester ChannelMonitorRequester) *ChannelMonitor {
	m := &ChannelMonitor{baseOperation: newBaseOperation(ch, id, order), requester: requester, pvRequest: pvRequest}
	m.resendInit = func(circ *circuit) { m.sendInit(circ) }
	return m
}

func (m *ChannelMonitor) sendInit(circ *circuit) {
	sid := m.channel.SID()
	m.markInitSent()
	circ.enqueue(transportSenderFunc(func(ctrl *TransportSendControl) error {
		ctrl.StartMessage(cmdMonitorResponse, 32)
		if err := writeRequestHeader(ctrl, sid, m.id, byte(QoSInit)); err != nil {
			return err
		}
		return circ.registry.SerializePVRequest(ctrl, ctrl.order, m.pvRequest)
	}))
}

// Start begins delivery: QOS = PROCESS|GET.
func (m *ChannelMonitor) Start() {
	if !m.isInitialized() {
		m.requester.MonitorEvent(MonitorEventRequestDone)
		return
	}
	if err := m.startRequest(int32(QoSProcess | QoSGet)); err != nil {
		m.requester.MonitorEvent(MonitorEventRequestDone)
		return
	}
	circ := m.channel.circuitRef()
	if circ == nil {
		m.stopRequest()
		return
	}
	m.running = true
	sid := m.channel.SID()
	circ.enqueue(transportSenderFunc(func(ctrl *TransportSendControl) error {
		ctrl.StartMessage(cmdMonitorResponse, 16)
		return writeRequestHeader(ctrl, sid, m.id, byte(QoSProcess|QoSGet))
	}))
}

// Stop halts delivery without tearing down INIT state: QOS = PROCESS
// alone.
func (m *ChannelMonitor) Stop() {
	if !m.isInitialized() {
		return
	}
	if err := m.startRequest(int32(QoSProcess)); err != nil {
		return
	}
	circ := m.channel.circuitRef()
	if circ == nil {
		m.stopRequest()
		return
	}
	m.running = false
	sid := m.channel.SID()
	circ.enqueue(transportSenderFunc(func(ctrl *TransportSendControl) error {
		ctrl.StartMessage(cmdMonitorResponse, 16)
		return writeRequestHeader(ctrl, sid, m.id, byte(QoSProcess))
	}))
}

// Poll returns the next deliverable element, if any.
func (m *ChannelMonitor) Poll() (changed, overrun *wire.BitSet, ok bool) {
	if m.queue == nil {
		return nil, nil, false
	}
	e, ok := m.queue.poll()
	if !ok {
		return nil, nil, false
	}
	return e.changed, e.overrun, true
}

// Release marks the most recently polled element consumed.
func (m *ChannelMonitor) Release() {
	if m.queue != nil {
		m.queue.release()
	}
}

func (m *ChannelMonitor) Destroy() {
	if m.destroyLocal(m.channel.circuitRef()) {
		m.running = false
		m.requester.MonitorEvent(MonitorEventRequestDone)
	}
	m.channel.forgetOperation(m.id)
}

func (m *ChannelMonitor) handleResponse(command byte, payload []byte, order binary.ByteOrder, registry introspect.Registry) {
	r, qos, status, err := dataResponseReader(payload, order, registry)
	if err != nil {
		return
	}
	switch {
	case qos&byte(QoSInit) != 0:
		m.stopRequest()
		if !status.IsSuccess() {
			m.setInitialized(false)
			m.requester.MonitorConnect(status, m, nil)
			return
		}
		data, err := registry.DeserializeStructureAndCreatePVStructure(r, order)
		if err != nil {
			m.requester.MonitorConnect(StatusOf(err), m, nil)
			return
		}
		m.data = data
		queueSize, hasValue := 0, false
		if m.pvRequest != nil {
			queueSize, hasValue = m.pvRequest.QueueSize()
		}
		m.queue = newMonitorQueue(monitorQueueModeOf(queueSize, hasValue))
		m.setInitialized(true)
		m.requester.MonitorConnect(status, m, data)
		if m.running {
			// resubscribed after a reconnect while actively monitoring:
			// resume delivery without the caller having to call Start()
			// again.
			m.running = false
			m.Start()
		}
	case qos&byte(QoSDestroy) != 0:
		m.stopRequest()
		m.setInitialized(false)
		m.running = false
		m.requester.MonitorEvent(MonitorEventRequestDone)
	default:
		m.stopRequest()
		if !status.IsSuccess() || m.data == nil || m.queue == nil {
			return
		}
		changed, err := registry.DeserializeBitSetAndData(r, order, m.data)
		if err != nil {
			return
		}
		overrun, err := wire.ReadBitSet(r, order)
		if err != nil {
			overrun = wire.NewBitSet(0)
		}
		m.queue.onUpdate(changed, overrun)
		m.requester.MonitorEvent(MonitorEventData)
	}
}
