package pva

import (
	"net"
	"sync"
	"time"

	"github.com/glycerine/idem"

	"github.com/epics-pva/pvago/internal/plog"
)

// Back-off schedule for unanswered searches: a base retry tick and a geometric series doubling up to
// a capped maximum, mirroring the original implementation's
// BaseSearchInterval/MaxSearchInterval constants.
const (
	searchBaseInterval = 225 * time.Millisecond
	searchMaxInterval  = 30 * time.Second

	// maxEntriesPerSearchFrame bounds how many (CID, name) pairs are
	// batched into one UDP search frame, honoring the frame MTU.
	maxEntriesPerSearchFrame = 64
)

// searchFoundHandler receives successful search outcomes.
type searchFoundHandler interface {
	channelFound(cid CID, serverAddr net.IP, serverPort uint16, minorRevision byte)
}

// searchEntry is the per-channel retry state tracked while a channel
// is in the SEARCHING state.
type searchEntry struct {
	name        string
	retries     int
	nextAttempt time.Time
}

// searchManager owns the set of SEARCHING channels and drives the
// UDP search back-off timer. It is the client analogue of the
// teacher's pq.go priority-queue timer, simplified here to a flat scan
// since the channel count this client manages is small relative to
// the teacher's event-scheduling use case.
type searchManager struct {
	mu      sync.Mutex
	entries map[CID]*searchEntry

	cfg   *Config
	seq   idAllocator
	conn  *searchTransport
	addrs []net.IP
	found searchFoundHandler
	log   *plog.Logger
	halt  *idem.Halter
}

func newSearchManager(cfg *Config, conn *searchTransport, addrs []net.IP, found searchFoundHandler, log *plog.Logger) *searchManager {
	sm := &searchManager{
		entries: make(map[CID]*searchEntry),
		cfg:     cfg,
		conn:    conn,
		addrs:   addrs,
		found:   found,
		log:     log.With("search"),
		halt:    idem.NewHalter(),
	}
	go sm.run()
	return sm
}

// register adds cid/name to the SEARCHING set with an immediate first
// attempt.
func (sm *searchManager) register(cid CID, name string) {
	sm.mu.Lock()
	sm.entries[cid] = &searchEntry{name: name, nextAttempt: nowFunc()}
	sm.mu.Unlock()
}

// unregister removes cid from the SEARCHING set, called both when a
// channel is found and when it is destroyed while still searching.
func (sm *searchManager) unregister(cid CID) {
	sm.mu.Lock()
	delete(sm.entries, cid)
	sm.mu.Unlock()
}

// beaconAnomalyNotify implements anomalyNotifier: a server restart
// promotes every searching channel to immediate re-emission.
func (sm *searchManager) beaconAnomalyNotify() {
	sm.mu.Lock()
	now := nowFunc()
	for _, e := range sm.entries {
		e.nextAttempt = now
		e.retries = 0
	}
	sm.mu.Unlock()
}

func (sm *searchManager) run() {
	defer sm.halt.Done.Close()
	ticker := time.NewTicker(searchBaseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sm.halt.ReqStop.Chan:
			return
		case <-ticker.C:
			sm.fire()
		}
	}
}

// fire batches every due channel into search frames of at most
// maxEntriesPerSearchFrame entries and sends them, then schedules each
// channel's next attempt per the exponential back-off schedule.
func (sm *searchManager) fire() {
	now := nowFunc()
	var due []searchRequestEntry

	sm.mu.Lock()
	for cid, e := range sm.entries {
		if e.nextAttempt.After(now) {
			continue
		}
		due = append(due, searchRequestEntry{CID: cid, Name: e.name})
		interval := searchBaseInterval << uint(e.retries)
		if interval <= 0 || interval > searchMaxInterval {
			interval = searchMaxInterval
		}
		e.nextAttempt = now.Add(interval)
		e.retries++
	}
	sm.mu.Unlock()

	for len(due) > 0 {
		n := len(due)
		if n > maxEntriesPerSearchFrame {
			n = maxEntriesPerSearchFrame
		}
		batch := due[:n]
		due = due[n:]
		sm.sendBatch(batch)
	}
}

func (sm *searchManager) sendBatch(entries []searchRequestEntry) {
	local := sm.conn.LocalAddr()
	seq := sm.seq.nextID(nil)
	payload, err := encodeSearchFrame(seq, local.IP, uint16(local.Port), true, entries)
	if err != nil {
		sm.log.Warn("encode search frame", plog.Fields{"err": err.Error()})
		return
	}
	if err := sm.conn.SendTo(payload, cmdSearchRequest, sm.addrs, sm.cfg.BroadcastPort); err != nil {
		sm.log.Warn("send search frame", plog.Fields{"err": err.Error()})
	}
}

// handleSearchResponse implements the datagramHandler side for
// command-4 frames: for each CID found, the channel is unregistered
// from the SEARCHING set and informed of the server it should connect
// to.
func (sm *searchManager) handleSearchResponse(from *net.UDPAddr, payload []byte) {
	sr, err := decodeSearchResponse(payload)
	if err != nil {
		sm.log.Warn("decode search response", plog.Fields{"err": err.Error()})
		return
	}
	serverAddr := sr.ServerAddr
	if serverAddr == nil {
		serverAddr = from.IP
	}
	serverPort := sr.ServerPort
	if serverPort == 0 {
		serverPort = uint16(from.Port)
	}
	for _, cid := range sr.Found {
		sm.mu.Lock()
		_, stillSearching := sm.entries[cid]
		sm.mu.Unlock()
		if !stillSearching {
			continue
		}
		sm.unregister(cid)
		if sm.found != nil {
			sm.found.channelFound(cid, serverAddr, serverPort, sr.MinorRevision)
		}
	}
}

func (sm *searchManager) Close() {
	sm.halt.ReqStop.Close()
	<-sm.halt.Done.Chan
}
