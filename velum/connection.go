package velum

import (
	"fmt"

	"github.com/vnet-io/velum/conn"
	"github.com/vnet-io/velum/ident"
	"github.com/vnet-io/velum/snp"
	"github.com/vnet-io/velum/wire"
)

// sender is the subset of udptransport.Transport/FakeNet a Connection
// needs to emit bytes; kept as an interface so a listen-side Connection
// (sharing its ListenSocket's transport) and an outbound Connection
// (owning a dedicated ephemeral transport) look identical from here.
type sender interface {
	Send(addr ident.IPAddress, data []byte) error
}

// Connection is the opaque handle type spec §9's REDESIGN FLAGS call
// for in place of the original's raw integer handle: a typed pointer
// wrapping the internal *conn.Conn plus whatever this side needs to
// address the peer.
type Connection struct {
	inst      *Instance
	core      *conn.Conn
	transport sender
	peerAddr  ident.IPAddress

	listener *ListenSocket // nil for an outbound (ConnectIP) connection
	pg       *PollGroup

	pendingClientHello []byte           // set only while awaiting Accept()
	serverHello        conn.ServerHello // decoded once Accept() has sent it, needed by RecvHandshakeFinish
}

// State returns the connection's lifecycle state (spec §3 State).
func (c *Connection) State() conn.State { return c.core.State() }

// Send enqueues an application message (spec §6 `send`). Acquires the
// instance's networking lock at entry, per spec §5.
func (c *Connection) Send(data []byte, flags snp.SendFlags) error {
	c.inst.mu.Lock()
	defer c.inst.mu.Unlock()
	return c.core.Send(data, flags)
}

// ReceiveMessages dequeues up to maxN delivered messages in FIFO order
// (spec §6 `recv_on_conn`).
func (c *Connection) ReceiveMessages(maxN int) []Message {
	c.inst.mu.Lock()
	defer c.inst.mu.Unlock()
	msgs := c.core.ReceiveMessages(maxN)
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = wrapMessage(c, m)
	}
	return out
}

// Flush forces an immediate send opportunity outside the normal
// RunCallbacks cadence (spec §6 `flush`), draining everything the
// pacer currently allows.
func (c *Connection) Flush() {
	c.inst.mu.Lock()
	defer c.inst.mu.Unlock()
	c.inst.pumpConnectionLocked(c)
}

// Close implements spec §6 `close`: idempotent from the application's
// point of view (spec §5 "Cancellation").
func (c *Connection) Close(reason uint32, debug string, linger bool) {
	c.inst.mu.Lock()
	defer c.inst.mu.Unlock()
	now := c.inst.clock.Now()
	c.core.AppClose(now, reason, debug, linger)
	if c.pg != nil {
		c.pg.remove(c)
	}
}

// Accept completes the callee side of a pending inbound handshake
// (spec §4.7 "The application responds by calling AcceptConnection").
// Only valid on a Connection surfaced via a ListenSocket's status
// callback while still carrying its stashed ClientHello.
func (c *Connection) Accept() error {
	c.inst.mu.Lock()
	defer c.inst.mu.Unlock()

	if c.listener == nil || c.pendingClientHello == nil {
		return fmt.Errorf("velum: Accept called on a connection with no pending handshake")
	}
	now := c.inst.clock.Now()
	cfg := c.inst.cfg
	serverHelloBytes, err := c.core.AppAccept(now, cfg.LocalIdentity, c.peerAddr, c.pendingClientHello, cfg.LeafPrivateKey, cfg.CertChain)
	if err != nil {
		return err
	}
	serverHello, err := conn.DecodeServerHelloWire(serverHelloBytes)
	if err != nil {
		return err
	}
	c.serverHello = serverHello
	c.pendingClientHello = nil
	return c.transport.Send(c.peerAddr, withControlType(wire.ControlHandshakeReply, serverHelloBytes))
}

// Reject discards a pending inbound handshake without ever completing
// it (the counterpart to Accept spec §4.7 implies via "CloseConnection").
func (c *Connection) Reject() {
	c.inst.mu.Lock()
	defer c.inst.mu.Unlock()
	if c.listener != nil {
		delete(c.listener.peers, c.peerAddr.String())
	}
	delete(c.inst.conns, c.core.ID)
}

// SetPollGroup implements spec §6 `set_conn_poll_group`; passing nil
// removes the connection from whatever group it was in.
func (c *Connection) SetPollGroup(pg *PollGroup) {
	c.inst.mu.Lock()
	defer c.inst.mu.Unlock()
	if c.pg != nil {
		c.pg.remove(c)
	}
	c.pg = pg
	if pg != nil {
		pg.add(c)
	}
}

// Info implements spec §6 `get_connection_info`.
func (c *Connection) Info() ConnectionInfo {
	c.inst.mu.Lock()
	defer c.inst.mu.Unlock()
	return ConnectionInfo{
		PeerIdentity: c.core.PeerIdentity,
		PeerAddr:     c.peerAddr,
		State:        c.core.State(),
	}
}

// QuickStatus implements spec §6 `get_quick_status` from the
// connection's live stats.Tracker (spec §4.5).
func (c *Connection) QuickStatus() QuickStatus {
	last := c.core.Stats.Snapshot()
	return QuickStatus{
		State:                      c.core.State(),
		PingMS:                     last.SmoothedPingMS,
		ConnectionQuality:          last.Quality,
		OutOfOrderPercent:          last.OutOfOrderPercent,
		CurrentSendRateBytesPerSec: last.CurrentSendRateBytesPerSec,
		PendingReliableBytes:       last.PendingBytes,
	}
}

// DetailedStatus implements spec §6 `get_detailed_status`: a
// human-readable multi-line dump, the Go-native equivalent of the
// original's text report.
func (c *Connection) DetailedStatus() string {
	q := c.QuickStatus()
	return fmt.Sprintf(
		"conn %d: state=%s peer=%s ping=%dms quality=%d%% sendRate=%.0fB/s pendingReliable=%dB",
		c.core.ID, q.State, c.peerAddr, q.PingMS, q.ConnectionQuality, q.CurrentSendRateBytesPerSec, q.PendingReliableBytes,
	)
}
