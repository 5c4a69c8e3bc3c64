package pva

import (
	"net"
	"testing"
)

type countingNotifier struct{ count int }

func (c *countingNotifier) beaconAnomalyNotify() { c.count++ }

func TestBeaconHandlersFirstBeaconIsNotAnomaly(t *testing.T) {
	n := &countingNotifier{}
	bh := newBeaconHandlers(n)
	bf := beaconFrame{SequentialID: 1, StartupSec: 1000, ServerAddr: net.IPv4(10, 0, 0, 1), ServerPort: 5075}
	if bh.observe(bf) {
		t.Fatalf("first beacon from a server must not be an anomaly")
	}
	if n.count != 0 {
		t.Fatalf("notifier fired on first beacon")
	}
}

func TestBeaconHandlersDetectsRestart(t *testing.T) {
	bh := newBeaconHandlers(nil)
	addr := net.IPv4(10, 0, 0, 1)
	bh.observe(beaconFrame{SequentialID: 5, StartupSec: 1000, ServerAddr: addr, ServerPort: 5075})
	anomaly := bh.observe(beaconFrame{SequentialID: 1, StartupSec: 2000, ServerAddr: addr, ServerPort: 5075})
	if !anomaly {
		t.Fatalf("changed startup timestamp must be flagged as anomaly")
	}
}

func TestBeaconHandlersDetectsBackwardSequence(t *testing.T) {
	bh := newBeaconHandlers(nil)
	addr := net.IPv4(10, 0, 0, 1)
	bh.observe(beaconFrame{SequentialID: 10, StartupSec: 1000, ServerAddr: addr, ServerPort: 5075})
	anomaly := bh.observe(beaconFrame{SequentialID: 3, StartupSec: 1000, ServerAddr: addr, ServerPort: 5075})
	if !anomaly {
		t.Fatalf("backward sequential id within the same startup must be flagged as anomaly")
	}
}

func TestBeaconHandlersMonotoneSequenceIsNotAnomaly(t *testing.T) {
	bh := newBeaconHandlers(nil)
	addr := net.IPv4(10, 0, 0, 1)
	bh.observe(beaconFrame{SequentialID: 1, StartupSec: 1000, ServerAddr: addr, ServerPort: 5075})
	anomaly := bh.observe(beaconFrame{SequentialID: 2, StartupSec: 1000, ServerAddr: addr, ServerPort: 5075})
	if anomaly {
		t.Fatalf("monotone sequential id increase must not be flagged as anomaly")
	}
}

func TestBeaconHandlersHandleBeaconNotifiesOnAnomaly(t *testing.T) {
	n := &countingNotifier{}
	bh := newBeaconHandlers(n)
	addr := net.IPv4(10, 0, 0, 1)
	from := &net.UDPAddr{IP: addr, Port: 5075}

	first, _ := encodeBeaconFrame(beaconFrame{SequentialID: 1, StartupSec: 1000, ServerAddr: addr, ServerPort: 5075})
	bh.handleBeacon(from, first)
	second, _ := encodeBeaconFrame(beaconFrame{SequentialID: 1, StartupSec: 2000, ServerAddr: addr, ServerPort: 5075})
	bh.handleBeacon(from, second)

	if n.count != 1 {
		t.Fatalf("notifier count = %d, want 1", n.count)
	}
}
