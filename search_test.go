package pva

import (
	"net"
	"testing"
	"time"
)

type foundRecorder struct {
	found []CID
}

func (f *foundRecorder) channelFound(cid CID, serverAddr net.IP, serverPort uint16, minorRevision byte) {
	f.found = append(f.found, cid)
}

func newTestSearchManager(t *testing.T) (*searchManager, *foundRecorder) {
	t.Helper()
	conn, err := newSearchTransport(&recordingHandler{}, testLogger())
	if err != nil {
		t.Fatalf("newSearchTransport: %v", err)
	}
	t.Cleanup(conn.Close)
	rec := &foundRecorder{}
	sm := &searchManager{
		entries: make(map[CID]*searchEntry),
		cfg:     &Config{BroadcastPort: DefaultBroadcastPort},
		conn:    conn,
		addrs:   []net.IP{net.IPv4bcast},
		found:   rec,
		log:     testLogger(),
	}
	return sm, rec
}

func TestSearchManagerRegisterAndUnregister(t *testing.T) {
	sm, _ := newTestSearchManager(t)
	sm.register(1, "motor:pos")
	if _, ok := sm.entries[1]; !ok {
		t.Fatalf("entry not registered")
	}
	sm.unregister(1)
	if _, ok := sm.entries[1]; ok {
		t.Fatalf("entry still present after unregister")
	}
}

func TestSearchManagerBackoffGrows(t *testing.T) {
	sm, _ := newTestSearchManager(t)
	sm.register(1, "motor:pos")
	sm.fire()
	first := sm.entries[1].nextAttempt
	if first.Before(nowFunc()) {
		t.Fatalf("next attempt should be scheduled in the future after first fire")
	}
	if sm.entries[1].retries != 1 {
		t.Fatalf("retries = %d, want 1", sm.entries[1].retries)
	}
}

func TestSearchManagerBeaconAnomalyPromotesImmediate(t *testing.T) {
	sm, _ := newTestSearchManager(t)
	sm.register(1, "motor:pos")
	sm.entries[1].nextAttempt = nowFunc().Add(time.Hour)
	sm.entries[1].retries = 5

	sm.beaconAnomalyNotify()

	if sm.entries[1].retries != 0 {
		t.Fatalf("retries not reset on anomaly")
	}
	if sm.entries[1].nextAttempt.After(nowFunc()) {
		t.Fatalf("next attempt not promoted to immediate")
	}
}

func TestSearchManagerHandleSearchResponseUnregistersAndNotifies(t *testing.T) {
	sm, rec := newTestSearchManager(t)
	sm.register(1, "motor:pos")
	sm.register(2, "motor:vel")

	sr := searchResponse{Seq: 1, ServerAddr: net.IPv4(10, 0, 0, 5), ServerPort: 5075, Found: []CID{1}}
	payload, err := encodeSearchResponse(sr)
	if err != nil {
		t.Fatalf("encodeSearchResponse: %v", err)
	}
	sm.handleSearchResponse(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 5075}, payload)

	if _, ok := sm.entries[1]; ok {
		t.Fatalf("found channel must be unregistered from SEARCHING")
	}
	if _, ok := sm.entries[2]; !ok {
		t.Fatalf("unrelated channel must remain registered")
	}
	if len(rec.found) != 1 || rec.found[0] != 1 {
		t.Fatalf("found = %v, want [1]", rec.found)
	}
}

func TestSearchManagerIgnoresResponseForUnknownChannel(t *testing.T) {
	sm, rec := newTestSearchManager(t)
	sr := searchResponse{Seq: 1, ServerAddr: net.IPv4(10, 0, 0, 5), ServerPort: 5075, Found: []CID{99}}
	payload, _ := encodeSearchResponse(sr)
	sm.handleSearchResponse(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 5075}, payload)
	if len(rec.found) != 0 {
		t.Fatalf("must not notify for a channel that is not registered")
	}
}
