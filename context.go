package pva

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/epics-pva/pvago/internal/metrics"
	"github.com/epics-pva/pvago/internal/plog"
	"github.com/epics-pva/pvago/introspect"
	"github.com/epics-pva/pvago/wire"
)

// contextState is the Context's own lifecycle.
type contextState int

const (
	contextInitialized contextState = iota
	contextDestroyed
)

// dgramRouter fans the two UDP transports' decoded events out to the
// beacon handler and the search manager, the one adapter needed
// because those two collaborators are each implemented on their own
// type but both UDP transports require a single datagramHandler.
// search is wired in after construction, once the search manager
// itself exists (it depends on the very searchTransport that needs
// this router), so access to it is mutex-guarded rather than settable
// only at construction time.
type dgramRouter struct {
	beacon *beaconHandlers

	mu     sync.Mutex
	search *searchManager
}

func (d *dgramRouter) setSearch(sm *searchManager) {
	d.mu.Lock()
	d.search = sm
	d.mu.Unlock()
}

func (d *dgramRouter) handleBeacon(from *net.UDPAddr, payload []byte) {
	d.beacon.handleBeacon(from, payload)
}

func (d *dgramRouter) handleSearchResponse(from *net.UDPAddr, payload []byte) {
	d.mu.Lock()
	sm := d.search
	d.mu.Unlock()
	if sm != nil {
		sm.handleSearchResponse(from, payload)
	}
}

// Context is the client's top-level facade: it
// owns every shared collaborator (transports, registries, allocators)
// and is the Provider surface applications call into to create
// channels and operations. Grounded on the teacher's cli.go Client,
// which plays the identical "own every shared resource, hand out
// scoped handles" role for an RPC client.
type Context struct {
	cfg     *Config
	log     *plog.Logger
	metrics *metrics.Set
	id      string

	order binary.ByteOrder

	mu    sync.Mutex
	state contextState

	cidAlloc  idAllocator
	ioidAlloc idAllocator

	channels *mutexMap[CID, *Channel]
	ioids    *mutexMap[IOID, registeredOperation]

	beacon     *beaconHandlers
	search     *searchManager
	transports *transportRegistry

	broadcastConn *broadcastTransport
	searchConn    *searchTransport

	registryFactory func() introspect.Registry
}

// NewContext wires every collaborator together and starts the
// background goroutines (broadcast listener, search socket listener,
// search retry timer), mirroring the teacher's NewClient bring-up
// sequence in cli.go. registryFactory supplies a fresh
// introspect.Registry for each new circuit.
func NewContext(cfg *Config, registryFactory func() introspect.Registry, log *plog.Logger, reg prometheus.Registerer) (*Context, error) {
	if cfg == nil {
		cfg = LoadConfig()
	}
	clientID := uuid.New().String()
	log = log.With("context." + clientID)

	ctx := &Context{
		cfg:             cfg,
		log:             log,
		metrics:         metrics.NewSet(reg, prometheus.Labels{"client_id": clientID}),
		id:              clientID,
		order:           binary.BigEndian,
		channels:        newMutexMap[CID, *Channel](),
		ioids:           newMutexMap[IOID, registeredOperation](),
		registryFactory: registryFactory,
	}

	router := &dgramRouter{beacon: newBeaconHandlers(nil)}
	ctx.beacon = router.beacon

	broadcastConn, err := newBroadcastTransport(cfg.BroadcastPort, router, log)
	if err != nil {
		return nil, err
	}
	searchConn, err := newSearchTransport(router, log)
	if err != nil {
		broadcastConn.Close()
		return nil, err
	}
	ctx.broadcastConn = broadcastConn
	ctx.searchConn = searchConn

	addrs, err := broadcastAddresses(cfg)
	if err != nil {
		log.Warn("broadcast address discovery failed, using limited broadcast", plog.Fields{"err": err.Error()})
		addrs = []net.IP{net.IPv4bcast}
	}

	ctx.transports = newTransportRegistry(registryFactory, ctx, log)
	ctx.search = newSearchManager(cfg, searchConn, addrs, ctx, log)
	router.setSearch(ctx.search)
	router.beacon.setNotifier(ctx.search)

	return ctx, nil
}

func (ctx *Context) isDestroyed() bool {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.state == contextDestroyed
}

// CreateChannel is the Provider facade's channel factory: name
// is the PV name, priority the search/circuit priority, and an
// optional address pins the channel to one server (host[:port]),
// bypassing search entirely.
func (ctx *Context) CreateChannel(name string, requester ChannelRequester, priority int, address ...string) (*Channel, error) {
	if ctx.isDestroyed() {
		return nil, ErrContextDestroyed
	}
	if len(name) == 0 || len(name) > MaxChannelNameLength {
		return nil, ErrInvalidChannelName
	}

	var fixedAddr *net.UDPAddr
	if len(address) > 0 && address[0] != "" {
		host, port := parseHostPort(address[0], ctx.cfg.BroadcastPort)
		ip := net.ParseIP(host)
		if ip == nil {
			ips, lookupErr := net.LookupIP(host)
			if lookupErr != nil || len(ips) == 0 {
				return nil, Wrap(lookupErr, "pva: resolve channel address")
			}
			ip = ips[0]
		}
		fixedAddr = &net.UDPAddr{IP: ip, Port: port}
	}

	cid := CID(ctx.cidAlloc.nextID(func(id uint32) bool { return ctx.channels.Has(CID(id)) }))
	ch := newChannel(ctx, cid, name, priority, requester, fixedAddr)
	ctx.channels.Set(cid, ch)
	ctx.metrics.ActiveChannels.Inc()
	ch.start()
	return ch, nil
}

// DestroyChannel tears a channel down and removes it from the context.
func (ctx *Context) DestroyChannel(ch *Channel) {
	ctx.channels.Delete(ch.CID())
	ctx.metrics.ActiveChannels.Dec()
	ch.destroy()
}

func (ctx *Context) nextIOID() IOID {
	return IOID(ctx.ioidAlloc.nextID(func(id uint32) bool { return ctx.ioids.Has(IOID(id)) }))
}

// registerOp is the shared tail of every CreateChannelX factory: it
// registers op with both the channel and the context, bumps the
// operations gauge, and — if the channel already has an active
// circuit — immediately issues the operation's INIT request rather
// than waiting for a future reconnect.
func (ctx *Context) registerOp(ch *Channel, ioid IOID, op registeredOperation) {
	ch.registerOperation(ioid, op)
	ctx.ioids.Set(ioid, op)
	ctx.metrics.ActiveOperations.Inc()
	if circ := ch.circuitRef(); circ != nil {
		op.resubscribeSubscription(circ)
	}
}

// forgetOperation removes ioid from the context's IOID map; called by
// Channel.forgetOperation once an operation's Destroy() has run.
func (ctx *Context) forgetOperation(ioid IOID) {
	if ctx.ioids.Has(ioid) {
		ctx.ioids.Delete(ioid)
		ctx.metrics.ActiveOperations.Dec()
	}
}

// CreateChannelGet constructs a Get operation.
func (ctx *Context) CreateChannelGet(ch *Channel, pvRequest introspect.PVRequest, requester ChannelGetRequester) (*ChannelGet, error) {
	if pvRequest == nil {
		return nil, ErrNilPVRequest
	}
	ioid := ctx.nextIOID()
	op := newChannelGet(ch, ioid, ctx.order, pvRequest, requester)
	ctx.registerOp(ch, ioid, op)
	return op, nil
}

// CreateChannelPut constructs a Put operation.
func (ctx *Context) CreateChannelPut(ch *Channel, pvRequest introspect.PVRequest, requester ChannelPutRequester) (*ChannelPut, error) {
	if pvRequest == nil {
		return nil, ErrNilPVRequest
	}
	ioid := ctx.nextIOID()
	op := newChannelPut(ch, ioid, ctx.order, pvRequest, requester)
	ctx.registerOp(ch, ioid, op)
	return op, nil
}

// CreateChannelPutGet constructs a PutGet operation.
func (ctx *Context) CreateChannelPutGet(ch *Channel, pvRequest introspect.PVRequest, requester ChannelPutGetRequester) (*ChannelPutGet, error) {
	if pvRequest == nil {
		return nil, ErrNilPVRequest
	}
	ioid := ctx.nextIOID()
	op := newChannelPutGet(ch, ioid, ctx.order, pvRequest, requester)
	ctx.registerOp(ch, ioid, op)
	return op, nil
}

// CreateChannelProcess constructs a Process operation.
func (ctx *Context) CreateChannelProcess(ch *Channel, pvRequest introspect.PVRequest, requester ChannelProcessRequester) (*ChannelProcess, error) {
	if pvRequest == nil {
		return nil, ErrNilPVRequest
	}
	ioid := ctx.nextIOID()
	op := newChannelProcess(ch, ioid, ctx.order, pvRequest, requester)
	ctx.registerOp(ch, ioid, op)
	return op, nil
}

// CreateChannelRPC constructs an RPC operation.
func (ctx *Context) CreateChannelRPC(ch *Channel, pvRequest introspect.PVRequest, requester ChannelRPCRequester) (*ChannelRPC, error) {
	if pvRequest == nil {
		return nil, ErrNilPVRequest
	}
	ioid := ctx.nextIOID()
	op := newChannelRPC(ch, ioid, ctx.order, pvRequest, requester)
	ctx.registerOp(ch, ioid, op)
	return op, nil
}

// CreateChannelArray constructs an Array operation.
func (ctx *Context) CreateChannelArray(ch *Channel, pvRequest introspect.PVRequest, requester ChannelArrayRequester) (*ChannelArray, error) {
	if pvRequest == nil {
		return nil, ErrNilPVRequest
	}
	ioid := ctx.nextIOID()
	op := newChannelArray(ch, ioid, ctx.order, pvRequest, requester)
	ctx.registerOp(ch, ioid, op)
	return op, nil
}

// CreateChannelMonitor constructs a Monitor operation.
func (ctx *Context) CreateChannelMonitor(ch *Channel, pvRequest introspect.PVRequest, requester ChannelMonitorRequester) (*ChannelMonitor, error) {
	if pvRequest == nil {
		return nil, ErrNilPVRequest
	}
	ioid := ctx.nextIOID()
	op := newChannelMonitor(ch, ioid, ctx.order, pvRequest, requester)
	ctx.registerOp(ch, ioid, op)
	return op, nil
}

// CreateChannelGetField constructs a GetField operation,
// the one kind with no pvRequest: subField names the nested field
// ("" for the whole top-level structure).
func (ctx *Context) CreateChannelGetField(ch *Channel, subField string, requester ChannelGetFieldRequester) (*ChannelGetField, error) {
	ioid := ctx.nextIOID()
	op := newChannelGetField(ch, ioid, ctx.order, subField, requester)
	ctx.registerOp(ch, ioid, op)
	return op, nil
}

// channelFound implements searchFoundHandler: route a successful
// search outcome to the channel it belongs to.
func (ctx *Context) channelFound(cid CID, serverAddr net.IP, serverPort uint16, minorRevision byte) {
	ch, ok := ctx.channels.Get(cid)
	if !ok {
		return
	}
	ch.channelFound(serverAddr, serverPort, minorRevision)
}

// handleCreateChannelResponse implements circuitHandler: command 7
// carries the client CID, the server-assigned SID, and a Status.
func (ctx *Context) handleCreateChannelResponse(c *circuit, payload []byte) {
	if len(payload) < 8 {
		ctx.log.Warn("truncated create channel response", nil)
		return
	}
	cid := CID(c.order.Uint32(payload[0:4]))
	sid := SID(c.order.Uint32(payload[4:8]))

	status := Status{}
	if rest := payload[8:]; len(rest) > 0 {
		severity, message, stack, err := c.registry.DeserializeStatus(bytes.NewReader(rest), c.order)
		if err != nil {
			status = StatusOf(err)
		} else {
			status = Status{Kind: severityToStatusKind(severity), Message: message, StackTrace: stack}
		}
	}

	ch, ok := ctx.channels.Get(cid)
	if !ok {
		ctx.log.Debug("create channel response for unknown channel", plog.Fields{"cid": cid})
		return
	}
	ch.onCreateChannelResponse(sid, status, c.order)
}

// handleIntrospectionData implements circuitHandler: command 6 pushes
// an out-of-band type descriptor tied to an IOID, routed the same way
// as a data response.
func (ctx *Context) handleIntrospectionData(c *circuit, ioid IOID, payload []byte) {
	ctx.routeResponse(c, cmdIntrospectionSearchData, ioid, payload)
}

// handleDataResponse implements circuitHandler: every IOID-routed
// response command lands here.
func (ctx *Context) handleDataResponse(c *circuit, command byte, ioid IOID, payload []byte) {
	ctx.routeResponse(c, command, ioid, payload)
}

// routeResponse looks op up by IOID and calls its handleResponse. The
// IOID map's mutex-guarded Get/Delete already serializes lookup against
// concurrent removal, and the Go runtime keeps op alive through the
// call even if Destroy() unregisters it on another goroutine first; see
// DESIGN.md for why that's enough without reference counting.
func (ctx *Context) routeResponse(c *circuit, command byte, ioid IOID, payload []byte) {
	op, ok := ctx.ioids.Get(ioid)
	if !ok {
		ctx.log.Debug("response for unknown ioid", plog.Fields{"ioid": ioid, "command": command})
		return
	}
	op.handleResponse(command, payload, c.order, c.registry)
}

// handleMessageToRequester implements circuitHandler: command 18 is a
// human-readable diagnostic tied to an IOID. No operation kind has a
// dedicated "message" callback in this client's requester interfaces,
// so it is surfaced only via the context's own logger; routing it to a
// per-operation callback would need a ninth requester method none of
// the eight kinds need for correctness.
func (ctx *Context) handleMessageToRequester(c *circuit, payload []byte) {
	r := bytes.NewReader(payload)
	var ioidBuf [4]byte
	if _, err := io.ReadFull(r, ioidBuf[:]); err != nil {
		return
	}
	ioid := IOID(c.order.Uint32(ioidBuf[:]))
	severity, err := r.ReadByte()
	if err != nil {
		return
	}
	message, err := wire.ReadString(r, c.order)
	if err != nil {
		return
	}
	ctx.log.Info("message from server", plog.Fields{"ioid": ioid, "severity": severity, "message": message})
}

// circuitBroken implements circuitHandler: a send or receive failure
// ends the circuit for every channel still attached to it.
func (ctx *Context) circuitBroken(c *circuit, err error) {
	ctx.transports.forget(c)
	cids := c.attachedClients()
	for _, cid := range cids {
		ch, ok := ctx.channels.Get(cid)
		if !ok {
			continue
		}
		ch.enterDisconnected()
	}
	if err != nil {
		ctx.log.Debug("circuit broken", plog.Fields{"addr": c.addr.String(), "err": err.Error()})
	}
}

// Close tears down every channel, closes every circuit and UDP
// transport, and stops the search timer. Close is idempotent.
func (ctx *Context) Close() {
	ctx.mu.Lock()
	if ctx.state == contextDestroyed {
		ctx.mu.Unlock()
		return
	}
	ctx.state = contextDestroyed
	ctx.mu.Unlock()

	for _, ch := range ctx.channels.Values() {
		ch.destroy()
	}
	ctx.search.Close()
	ctx.transports.closeAll()
	if ctx.searchConn != nil {
		ctx.searchConn.Close()
	}
	if ctx.broadcastConn != nil {
		ctx.broadcastConn.Close()
	}
}
