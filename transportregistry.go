package pva

import (
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/epics-pva/pvago/internal/plog"
	"github.com/epics-pva/pvago/introspect"
)

// transportKey identifies a shared circuit by remote address and
// priority.
type transportKey struct {
	addr     string
	priority int
}

// transportRegistry hands out a shared *circuit per (address,
// priority), dialing a new TCP connection only on a cache miss.
// Grounded on the teacher's connection-pooling pattern in cli.go,
// simplified: no multiplexed stream IDs, one net.Conn per entry.
type transportRegistry struct {
	mu       sync.Mutex
	circuits map[transportKey]*circuit

	dialTimeout     time.Duration
	order           binary.ByteOrder
	registryFactory func() introspect.Registry
	handler         circuitHandler
	log             *plog.Logger
}

func newTransportRegistry(registryFactory func() introspect.Registry, handler circuitHandler, log *plog.Logger) *transportRegistry {
	return &transportRegistry{
		circuits:        make(map[transportKey]*circuit),
		dialTimeout:     5 * time.Second,
		order:           binary.BigEndian,
		registryFactory: registryFactory,
		handler:         handler,
		log:             log.With("transport-registry"),
	}
}

// acquire returns the shared circuit for (addr, priority), dialing a
// new TCP connection if none exists yet or if the cached one has died.
func (tr *transportRegistry) acquire(addr net.IP, port uint16, priority int) (*circuit, error) {
	key := transportKey{addr: net.JoinHostPort(addr.String(), strconv.Itoa(int(port))), priority: priority}

	tr.mu.Lock()
	if c, ok := tr.circuits[key]; ok && c.State() != circuitClosed {
		tr.mu.Unlock()
		return c, nil
	}
	tr.mu.Unlock()

	conn, err := net.DialTimeout("tcp", key.addr, tr.dialTimeout)
	if err != nil {
		return nil, Wrap(err, "pva: dial circuit")
	}
	c := newCircuit(conn, priority, tr.order, tr.registryFactory(), tr.handler, tr.log)

	tr.mu.Lock()
	if existing, ok := tr.circuits[key]; ok && existing.State() != circuitClosed {
		tr.mu.Unlock()
		c.Close()
		return existing, nil
	}
	tr.circuits[key] = c
	tr.mu.Unlock()
	return c, nil
}

// release detaches cid from c and, if c has no remaining clients,
// removes and closes it.
func (tr *transportRegistry) release(c *circuit, cid CID) {
	if !c.detach(cid) {
		return
	}
	tr.mu.Lock()
	for key, cand := range tr.circuits {
		if cand == c {
			delete(tr.circuits, key)
			break
		}
	}
	tr.mu.Unlock()
	c.Close()
}

// forget removes a broken circuit from the registry without closing it
// again (the caller already observed the break via circuitBroken).
func (tr *transportRegistry) forget(c *circuit) {
	tr.mu.Lock()
	for key, cand := range tr.circuits {
		if cand == c {
			delete(tr.circuits, key)
			break
		}
	}
	tr.mu.Unlock()
}

func (tr *transportRegistry) closeAll() {
	tr.mu.Lock()
	all := make([]*circuit, 0, len(tr.circuits))
	for _, c := range tr.circuits {
		all = append(all, c)
	}
	tr.circuits = make(map[transportKey]*circuit)
	tr.mu.Unlock()
	for _, c := range all {
		c.Close()
	}
}
