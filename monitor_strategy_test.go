package pva

import (
	"testing"

	"github.com/epics-pva/pvago/wire"
)

func bitSetOf(bits ...int) *wire.BitSet {
	b := wire.NewBitSet(8)
	for _, i := range bits {
		b.Set(i)
	}
	return b
}

func bitsOf(b *wire.BitSet, max int) []int {
	var out []int
	for i := 0; i < max; i++ {
		if b.IsSet(i) {
			out = append(out, i)
		}
	}
	return out
}

// TestMonitorCoalescedSingleOrAndOverrun is the literal scenario from
// §8's testable properties: three updates with changed sets {1}, {2},
// {1} and no intervening poll must yield changed={1,2}, overrun={1}.
func TestMonitorCoalescedSingleOrAndOverrun(t *testing.T) {
	q := newMonitorQueue(monitorCoalescedSingle)
	q.onUpdate(bitSetOf(1), wire.NewBitSet(8))
	q.onUpdate(bitSetOf(2), wire.NewBitSet(8))
	q.onUpdate(bitSetOf(1), wire.NewBitSet(8))

	elem, ok := q.poll()
	if !ok {
		t.Fatalf("poll() returned nothing")
	}
	if got := bitsOf(elem.changed, 8); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("changed = %v, want [1 2]", got)
	}
	if got := bitsOf(elem.overrun, 8); len(got) != 1 || got[0] != 1 {
		t.Fatalf("overrun = %v, want [1]", got)
	}
}

func TestMonitorCoalescedSingleReleaseAllowsFreshMerge(t *testing.T) {
	q := newMonitorQueue(monitorCoalescedSingle)
	q.onUpdate(bitSetOf(1), wire.NewBitSet(8))
	q.poll()
	q.release()
	q.onUpdate(bitSetOf(3), wire.NewBitSet(8))

	elem, ok := q.poll()
	if !ok {
		t.Fatalf("poll() returned nothing after release")
	}
	if got := bitsOf(elem.changed, 8); len(got) != 1 || got[0] != 3 {
		t.Fatalf("changed = %v, want [3] (stale bit from before release must not leak)", got)
	}
}

func TestMonitorEntireDeliversEachUpdateSeparately(t *testing.T) {
	q := newMonitorQueue(monitorEntire)
	q.onUpdate(bitSetOf(1), wire.NewBitSet(8))
	q.onUpdate(bitSetOf(2), wire.NewBitSet(8))

	first, ok := q.poll()
	if !ok || len(bitsOf(first.changed, 8)) != 1 || bitsOf(first.changed, 8)[0] != 1 {
		t.Fatalf("first poll = %+v", first)
	}
	second, ok := q.poll()
	if !ok || len(bitsOf(second.changed, 8)) != 1 || bitsOf(second.changed, 8)[0] != 2 {
		t.Fatalf("second poll = %+v", second)
	}
	if _, ok := q.poll(); ok {
		t.Fatalf("queue should be drained")
	}
}

func TestMonitorNotifyOnlyCountsWithoutData(t *testing.T) {
	q := newMonitorQueue(monitorNotifyOnly)
	q.onUpdate(bitSetOf(1), nil)
	q.onUpdate(bitSetOf(2), nil)

	if _, ok := q.poll(); !ok {
		t.Fatalf("expected a pending notification")
	}
	q.release()
	if _, ok := q.poll(); !ok {
		t.Fatalf("expected a second pending notification")
	}
	q.release()
	if _, ok := q.poll(); ok {
		t.Fatalf("no further notifications expected")
	}
}

func TestMonitorQueueModeOf(t *testing.T) {
	cases := []struct {
		size     int
		hasValue bool
		want     monitorQueueMode
	}{
		{-1, true, monitorNotifyOnly},
		{0, true, monitorEntire},
		{2, true, monitorCoalescedSingle},
		{0, false, monitorCoalescedSingle},
	}
	for _, c := range cases {
		if got := monitorQueueModeOf(c.size, c.hasValue); got != c.want {
			t.Fatalf("monitorQueueModeOf(%d, %v) = %v, want %v", c.size, c.hasValue, got, c.want)
		}
	}
}
