package velum

import (
	"sync"

	"github.com/vnet-io/velum/clock"
	"github.com/vnet-io/velum/conn"
	"github.com/vnet-io/velum/ident"
	"github.com/vnet-io/velum/udptransport"
	"github.com/vnet-io/velum/wire"
)

// Instance owns the single global networking lock (spec §5), the
// listener/connection/poll-group tables, and drives every
// connection's handshake dispatch, Tick and Pump from RunCallbacks.
// Grounded on the teacher's `Room`, which holds exactly one
// `sync.RWMutex` guarding every client/channel map; here the lock is
// plain (application API calls and the I/O drain both need exclusive
// access, never read-only) but the "one struct, one lock, everything
// under it" shape is identical.
type Instance struct {
	mu    sync.Mutex
	cfg   Config
	clock clock.Source

	nextConnID uint32
	conns      map[uint32]*Connection

	listeners []*ListenSocket
	outbound  []*outboundLink

	nextPGID   uint32
	pollGroups map[uint32]*PollGroup

	closed bool
}

// outboundLink pairs a ConnectIP-owned dedicated transport with the
// one Connection it serves; unlike a ListenSocket it never multiplexes
// more than one peer.
type outboundLink struct {
	transport *udptransport.Transport
	conn      *Connection
}

// NewInstance constructs an Instance from cfg, filling in any
// zero-valued ambient fields (clock, logger, timeouts) with the
// library defaults.
func NewInstance(cfg Config) *Instance {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}
	if cfg.MTU == 0 {
		cfg.MTU = 1200
	}
	if cfg.TimeoutInitial == 0 {
		cfg.TimeoutInitial = conn.DefaultTimeoutInitial
	}
	if cfg.TimeoutConnected == 0 {
		cfg.TimeoutConnected = conn.DefaultTimeoutConnected
	}
	return &Instance{
		cfg:        cfg,
		clock:      cfg.Clock,
		conns:      make(map[uint32]*Connection),
		pollGroups: make(map[uint32]*PollGroup),
	}
}

func (in *Instance) mergeOpts(opts ...Option) Config {
	cfg := in.cfg
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// CreateListenIP implements spec §6 `create_listen_ip`: binds a UDP
// socket at addr and registers it to receive inbound handshake
// requests.
func (in *Instance) CreateListenIP(addr ident.IPAddress, opts ...Option) (*ListenSocket, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	cfg := in.mergeOpts(opts...)
	t, err := udptransport.Listen(addr, in.clock, cfg.Logger)
	if err != nil {
		return nil, err
	}

	ls := &ListenSocket{
		inst:      in,
		transport: t,
		localAddr: t.LocalAddr(),
		peers:     make(map[string]*Connection),
	}
	if cfg.hasFakeNetConditions() {
		ls.sendVia = udptransport.NewFakeNet(cfg.fakeNetConfig(), in.clock, t)
	} else {
		ls.sendVia = t
	}
	in.listeners = append(in.listeners, ls)
	return ls, nil
}

// ConnectIP implements spec §6 `connect_ip`: opens a dedicated
// ephemeral-port socket, begins the caller side of the handshake, and
// sends the ClientHello as an unconnected ControlHandshakeRequest.
func (in *Instance) ConnectIP(addr ident.IPAddress, opts ...Option) (*Connection, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	cfg := in.mergeOpts(opts...)
	t, err := udptransport.Listen(ident.IPv4(0, 0, 0, 0, 0), in.clock, cfg.Logger)
	if err != nil {
		return nil, err
	}

	var via sender = t
	if cfg.hasFakeNetConditions() {
		via = udptransport.NewFakeNet(cfg.fakeNetConfig(), in.clock, t)
	}

	id := in.nextConnID
	in.nextConnID++
	now := in.clock.Now()

	c := &Connection{inst: in, transport: via, peerAddr: addr}
	core := conn.New(id, conn.RoleCaller, cfg.connConfig(), now, func(sc conn.StatusChange) {
		in.dispatchStatus(c, sc)
	})
	c.core = core

	helloBytes, err := core.AppConnect(now, cfg.LocalIdentity, ident.Identity{}, addr, 0)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	if err := via.Send(addr, withControlType(wire.ControlHandshakeRequest, helloBytes)); err != nil {
		cfg.Logger.WithError(err).Warn("velum: send client hello")
	}

	in.conns[id] = c
	in.outbound = append(in.outbound, &outboundLink{transport: t, conn: c})
	return c, nil
}

// CreatePollGroup implements spec §6 `create_poll_group`.
func (in *Instance) CreatePollGroup() *PollGroup {
	in.mu.Lock()
	defer in.mu.Unlock()
	id := in.nextPGID
	in.nextPGID++
	pg := &PollGroup{id: id, inst: in, members: make(map[uint32]*Connection)}
	in.pollGroups[id] = pg
	return pg
}

// DestroyPollGroup implements spec §6 `destroy_poll_group`.
func (in *Instance) DestroyPollGroup(pg *PollGroup) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, c := range pg.members {
		c.pg = nil
	}
	delete(in.pollGroups, pg.id)
}

// RunCallbacks implements spec §6 `run_callbacks`: drains every
// socket's inbound queue, dispatches handshake/data packets, ticks
// every live connection's timers, and pumps each connection's next
// outbound record. The application is expected to call this on a
// regular cadence (a timer, an event-loop tick, whatever host loop it
// already has), per spec §5's "the scheduler wakes the worker thread
// to process due timers."
func (in *Instance) RunCallbacks() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	now := in.clock.Now()

	for _, ls := range in.listeners {
		in.drainListener(now, ls)
	}
	for _, ob := range in.outbound {
		in.drainOutbound(now, ob)
	}
	for _, c := range in.conns {
		c.core.Tick(now)
		in.pumpConnectionLocked(c)
	}
	in.reapDeadLocked()
}

func (in *Instance) drainListener(now clock.Time, ls *ListenSocket) {
	for {
		select {
		case pkt, ok := <-ls.transport.Recv():
			if !ok {
				return
			}
			in.dispatchListenerPacket(now, ls, pkt)
		default:
			return
		}
	}
}

func (in *Instance) drainOutbound(now clock.Time, ob *outboundLink) {
	for {
		select {
		case pkt, ok := <-ob.transport.Recv():
			if !ok {
				return
			}
			in.dispatchOutboundPacket(now, ob, pkt)
		default:
			return
		}
	}
}

// pumpConnectionLocked drains every record c's Pump currently allows
// (pacer-permitting) and sends each one; called both from
// RunCallbacks' per-connection loop and from Connection.Flush.
func (in *Instance) pumpConnectionLocked(c *Connection) {
	now := in.clock.Now()
	for {
		pkt, ok := c.core.Pump(now)
		if !ok {
			return
		}
		if err := c.transport.Send(c.peerAddr, pkt); err != nil {
			in.cfg.Logger.WithError(err).Debug("velum: send data packet")
		}
	}
}

func (in *Instance) reapDeadLocked() {
	for id, c := range in.conns {
		if c.core.State() != conn.StateDead {
			continue
		}
		delete(in.conns, id)
		if c.listener != nil {
			delete(c.listener.peers, c.peerAddr.String())
		}
		if c.pg != nil {
			c.pg.remove(c)
		}
	}
}

func (in *Instance) dispatchStatus(c *Connection, sc conn.StatusChange) {
	if in.cfg.OnConnectionStatusChanged != nil {
		in.cfg.OnConnectionStatusChanged(c, sc)
	}
}

func (in *Instance) removeListener(ls *ListenSocket) {
	for i, l := range in.listeners {
		if l == ls {
			in.listeners = append(in.listeners[:i], in.listeners[i+1:]...)
			return
		}
	}
}

// Close shuts down every listener, outbound socket and live
// connection (spec §5 "Cancellation").
func (in *Instance) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	now := in.clock.Now()
	for _, c := range in.conns {
		c.core.AppClose(now, 0, "instance closed", false)
	}
	for _, ls := range in.listeners {
		_ = ls.transport.Close()
	}
	for _, ob := range in.outbound {
		_ = ob.transport.Close()
	}
}
