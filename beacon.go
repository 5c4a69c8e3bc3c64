package pva

import (
	"bytes"
	"encoding/binary"
	"net"
	"strconv"
	"time"

	"github.com/epics-pva/pvago/wire"
)

// beaconFrame is the decoded form of a command-0 datagram: a per-server
// sequential id (monotone within one server startup), the server's
// startup timestamp, its socket address, and an optional introspected
// payload this client does not interpret.
type beaconFrame struct {
	SequentialID uint16
	StartupSec   int64
	StartupNsec  int32
	ServerAddr   net.IP
	ServerPort   uint16
}

func encodeBeaconFrame(bf beaconFrame) ([]byte, error) {
	var buf bytes.Buffer
	order := binary.BigEndian
	var seqBuf [2]byte
	order.PutUint16(seqBuf[:], bf.SequentialID)
	buf.Write(seqBuf[:])
	var secBuf [8]byte
	order.PutUint64(secBuf[:], uint64(bf.StartupSec))
	buf.Write(secBuf[:])
	var nsecBuf [4]byte
	order.PutUint32(nsecBuf[:], uint32(bf.StartupNsec))
	buf.Write(nsecBuf[:])
	if err := wire.WriteIPv4MappedAddr(&buf, bf.ServerAddr); err != nil {
		return nil, err
	}
	if err := wire.WritePort(&buf, order, bf.ServerPort); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBeaconFrame(payload []byte) (bf beaconFrame, err error) {
	r := bytes.NewReader(payload)
	order := binary.BigEndian
	var seqBuf [2]byte
	if _, err = ioReadFull(r, seqBuf[:]); err != nil {
		return
	}
	bf.SequentialID = order.Uint16(seqBuf[:])
	var secBuf [8]byte
	if _, err = ioReadFull(r, secBuf[:]); err != nil {
		return
	}
	bf.StartupSec = int64(order.Uint64(secBuf[:]))
	var nsecBuf [4]byte
	if _, err = ioReadFull(r, nsecBuf[:]); err != nil {
		return
	}
	bf.StartupNsec = int32(order.Uint32(nsecBuf[:]))
	if bf.ServerAddr, err = wire.ReadIPv4MappedAddr(r); err != nil {
		return
	}
	bf.ServerPort, err = wire.ReadPort(r, order)
	return
}

// serverKey identifies one server for beacon tracking purposes.
func serverKey(addr net.IP, port uint16) string {
	return net.JoinHostPort(addr.String(), strconv.Itoa(int(port)))
}

// serverBeaconState is the per-server tracking record.
type serverBeaconState struct {
	known       bool
	lastSeqID   uint16
	startupSec  int64
	startupNsec int32
	lastSeen    time.Time
}

// anomalyNotifier is implemented by the search manager: a beacon
// anomaly (server restart) promotes every searching channel to
// immediate re-search.
type anomalyNotifier interface {
	beaconAnomalyNotify()
}

// beaconHandlers tracks per-server beacon state and detects anomalies,
// the receiving end of the datagramHandler.handleBeacon callback
//. It is deliberately simple: no goroutines of its own, called
// directly from the broadcast transport's read loop.
type beaconHandlers struct {
	servers  *mutexMap[string, *serverBeaconState]
	notifier anomalyNotifier
}

func newBeaconHandlers(notifier anomalyNotifier) *beaconHandlers {
	return &beaconHandlers{servers: newMutexMap[string, *serverBeaconState](), notifier: notifier}
}

// setNotifier wires the anomaly notifier after construction, needed
// when the notifier (the search manager) itself depends on a UDP
// transport that requires this beaconHandlers to already exist.
func (bh *beaconHandlers) setNotifier(n anomalyNotifier) {
	bh.notifier = n
}

// observe records one beacon and reports whether it was an anomaly:
// a changed startup timestamp, or a backward jump in sequential id
// within the same startup.
func (bh *beaconHandlers) observe(bf beaconFrame) (anomaly bool) {
	key := serverKey(bf.ServerAddr, bf.ServerPort)
	now := nowFunc()

	for {
		existing, ok := bh.servers.Get(key)
		if !ok {
			st := &serverBeaconState{known: true, lastSeqID: bf.SequentialID, startupSec: bf.StartupSec, startupNsec: bf.StartupNsec, lastSeen: now}
			if bh.servers.SetIfAbsent(key, st) {
				return false
			}
			continue
		}
		restarted := existing.startupSec != bf.StartupSec || existing.startupNsec != bf.StartupNsec
		backward := !restarted && bf.SequentialID < existing.lastSeqID
		bh.servers.Set(key, &serverBeaconState{
			known:       true,
			lastSeqID:   bf.SequentialID,
			startupSec:  bf.StartupSec,
			startupNsec: bf.StartupNsec,
			lastSeen:    now,
		})
		return restarted || backward
	}
}

// handleBeacon implements the datagramHandler side invoked by the
// broadcast transport's read loop.
func (bh *beaconHandlers) handleBeacon(from *net.UDPAddr, payload []byte) {
	bf, err := decodeBeaconFrame(payload)
	if err != nil {
		return
	}
	if bf.ServerAddr == nil {
		bf.ServerAddr = from.IP
	}
	if bf.ServerPort == 0 {
		bf.ServerPort = uint16(from.Port)
	}
	if bh.observe(bf) && bh.notifier != nil {
		bh.notifier.beaconAnomalyNotify()
	}
}

// lastSeen reports the last time a beacon was observed from the given
// server. Nothing in this package calls it; the client runs no
// connection-health prober.
func (bh *beaconHandlers) lastSeen(addr net.IP, port uint16) (time.Time, bool) {
	st, ok := bh.servers.Get(serverKey(addr, port))
	if !ok {
		return time.Time{}, false
	}
	return st.lastSeen, true
}
