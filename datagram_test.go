package pva

import (
	"net"
	"testing"
)

func TestSearchFrameRoundTrip(t *testing.T) {
	entries := []searchRequestEntry{{CID: 1, Name: "motor:pos"}, {CID: 2, Name: "motor:vel"}}
	payload, err := encodeSearchFrame(42, net.IPv4(10, 0, 0, 5), 54321, true, entries)
	if err != nil {
		t.Fatalf("encodeSearchFrame: %v", err)
	}
	seq, addr, port, mustReply, got, err := decodeSearchFrame(payload)
	if err != nil {
		t.Fatalf("decodeSearchFrame: %v", err)
	}
	if seq != 42 || !mustReply || port != 54321 {
		t.Fatalf("seq=%d mustReply=%v port=%d", seq, mustReply, port)
	}
	if !addr.Equal(net.IPv4(10, 0, 0, 5)) {
		t.Fatalf("addr = %v", addr)
	}
	if len(got) != 2 || got[0].Name != "motor:pos" || got[1].CID != 2 {
		t.Fatalf("entries = %+v", got)
	}
}

func TestSearchResponseRoundTrip(t *testing.T) {
	sr := searchResponse{
		Seq:           7,
		ServerAddr:    net.IPv4(192, 168, 1, 10),
		ServerPort:    5075,
		MinorRevision: 3,
		Found:         []CID{1, 5, 9},
	}
	payload, err := encodeSearchResponse(sr)
	if err != nil {
		t.Fatalf("encodeSearchResponse: %v", err)
	}
	got, err := decodeSearchResponse(payload)
	if err != nil {
		t.Fatalf("decodeSearchResponse: %v", err)
	}
	if got.Seq != sr.Seq || got.ServerPort != sr.ServerPort || got.MinorRevision != sr.MinorRevision {
		t.Fatalf("got = %+v", got)
	}
	if !got.ServerAddr.Equal(sr.ServerAddr) {
		t.Fatalf("addr = %v", got.ServerAddr)
	}
	if len(got.Found) != 3 || got.Found[1] != 5 {
		t.Fatalf("found = %v", got.Found)
	}
}

func TestFrameBytesHeader(t *testing.T) {
	frame, err := frameBytes(cmdSearchRequest, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("frameBytes: %v", err)
	}
	if len(frame) != 8+3 {
		t.Fatalf("len(frame) = %d, want 11", len(frame))
	}
}

type recordingHandler struct {
	beacons   []string
	responses []string
}

func (r *recordingHandler) handleBeacon(from *net.UDPAddr, payload []byte) {
	r.beacons = append(r.beacons, from.String())
}

func (r *recordingHandler) handleSearchResponse(from *net.UDPAddr, payload []byte) {
	r.responses = append(r.responses, from.String())
}

func TestBroadcastTransportDispatchesBeaconAndIgnoresSearch(t *testing.T) {
	h := &recordingHandler{}
	bt := &broadcastTransport{handler: h, log: testLogger()}
	from := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 5076}

	beaconFrame, _ := frameBytes(cmdBeacon, []byte{0xAA})
	bt.dispatch(from, beaconFrame)
	if len(h.beacons) != 1 {
		t.Fatalf("beacons = %v, want 1", h.beacons)
	}

	searchFrame, _ := frameBytes(cmdSearchRequest, []byte{0xBB})
	bt.dispatch(from, searchFrame)
	if len(h.beacons) != 1 {
		t.Fatalf("search request must not be treated as a beacon")
	}
}

func TestSearchTransportDispatchesResponseOnly(t *testing.T) {
	h := &recordingHandler{}
	st := &searchTransport{handler: h, log: testLogger()}
	from := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 5076}

	respFrame, _ := frameBytes(cmdSearchResponse, []byte{0x01})
	st.dispatch(from, respFrame)
	if len(h.responses) != 1 {
		t.Fatalf("responses = %v, want 1", h.responses)
	}

	beaconFrame, _ := frameBytes(cmdBeacon, []byte{0x02})
	st.dispatch(from, beaconFrame)
	if len(h.responses) != 1 {
		t.Fatalf("beacon on search socket must be ignored")
	}
}
