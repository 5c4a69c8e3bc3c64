package pva

import "github.com/epics-pva/pvago/wire"

// monitorQueueMode selects one of the three delivery policies a
// monitor subscription can use, parsed from pvRequest.record.queueSize.
type monitorQueueMode int

const (
	monitorNotifyOnly monitorQueueMode = iota
	monitorEntire
	monitorCoalescedSingle
)

// monitorQueueModeOf maps a pvRequest's queueSize onto a delivery
// policy: -1 is notify-only, 0 is entire, and everything else (default
// 2 when unset) is coalesced-single.
func monitorQueueModeOf(queueSize int, hasValue bool) monitorQueueMode {
	if !hasValue {
		return monitorCoalescedSingle
	}
	switch {
	case queueSize == -1:
		return monitorNotifyOnly
	case queueSize == 0:
		return monitorEntire
	default:
		return monitorCoalescedSingle
	}
}

// monitorElement is one queued/merged update, ready for poll().
type monitorElement struct {
	changed *wire.BitSet
	overrun *wire.BitSet
}

// monitorQueue implements all three delivery policies behind one
// small type, rather than three separate types, since their shared
// surface (onUpdate/poll/release) is identical and only the merge
// behavior differs.
type monitorQueue struct {
	mode monitorQueueMode

	// entire mode: FIFO of distinct elements.
	fifo []*monitorElement

	// coalesced-single mode: one buffered slot, merged in place.
	slot    *monitorElement
	claimed bool

	// notify-only mode: pending-notification counter.
	pending int
}

func newMonitorQueue(mode monitorQueueMode) *monitorQueue {
	return &monitorQueue{mode: mode}
}

// onUpdate records one incoming server update.
func (q *monitorQueue) onUpdate(changed, overrun *wire.BitSet) {
	switch q.mode {
	case monitorNotifyOnly:
		q.pending++
	case monitorEntire:
		q.fifo = append(q.fifo, &monitorElement{changed: changed, overrun: overrun})
	case monitorCoalescedSingle:
		if q.slot == nil {
			q.slot = &monitorElement{changed: wire.NewBitSet(0), overrun: wire.NewBitSet(0)}
		}
		// newOverrun = oldOverrun | newOverrun | (newChanged & oldChanged)
		overlap := q.slot.changed.And(changed)
		q.slot.overrun.Or(overrun)
		q.slot.overrun.Or(overlap)
		q.slot.changed.Or(changed)
		q.claimed = false
	}
}

// poll returns the next deliverable element, or false if none is
// pending.
func (q *monitorQueue) poll() (*monitorElement, bool) {
	switch q.mode {
	case monitorNotifyOnly:
		if q.pending == 0 {
			return nil, false
		}
		return &monitorElement{}, true
	case monitorEntire:
		if len(q.fifo) == 0 {
			return nil, false
		}
		e := q.fifo[0]
		q.fifo = q.fifo[1:]
		return e, true
	case monitorCoalescedSingle:
		if q.slot == nil || q.claimed {
			return nil, false
		}
		q.claimed = true
		return q.slot, true
	}
	return nil, false
}

// release marks the most recently polled element consumed, allowing
// further merges (coalesced-single) or decrementing the pending count
// (notify-only); entire mode has nothing to release since poll already
// popped the element.
func (q *monitorQueue) release() {
	switch q.mode {
	case monitorNotifyOnly:
		if q.pending > 0 {
			q.pending--
		}
	case monitorCoalescedSingle:
		if q.slot != nil {
			q.slot.changed.Reset()
			q.slot.overrun.Reset()
			q.claimed = false
		}
	}
}
