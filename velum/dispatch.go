package velum

import (
	"crypto/ed25519"

	"github.com/vnet-io/velum/clock"
	"github.com/vnet-io/velum/conn"
	"github.com/vnet-io/velum/ident"
	"github.com/vnet-io/velum/udptransport"
	"github.com/vnet-io/velum/verr"
	"github.com/vnet-io/velum/wire"
)

// withControlType prefixes an unconnected handshake payload with its
// type byte (spec §6: "Unconnected control packets... are marked by a
// type byte >= 0x80").
func withControlType(typ byte, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = typ
	copy(out[1:], body)
	return out
}

// callerPubFromIdentity extracts an ed25519 public key from a caller's
// asserted identity when it was presented as raw key bytes, or nil for
// any other identity kind (including the common IP_AllowWithoutAuth
// case, spec §4.1, §6). This is the velum-layer resolution of how a
// caller's signing key reaches VerifyClientFinish, since ClientHello
// itself only carries an opaque Identity, not a dedicated key field.
func callerPubFromIdentity(id ident.Identity) ed25519.PublicKey {
	b, ok := id.GenericBytes()
	if !ok || len(b) != ed25519.PublicKeySize {
		return nil
	}
	return ed25519.PublicKey(b)
}

// dispatchListenerPacket routes one inbound datagram on a ListenSocket
// between new-handshake processing and an already-established
// connection's data path (spec §4.7).
func (in *Instance) dispatchListenerPacket(now clock.Time, ls *ListenSocket, pkt udptransport.Packet) {
	raw := pkt.Data
	if len(raw) == 0 {
		return
	}
	if raw[0]&0x80 == 0 {
		c, ok := ls.peers[pkt.From.String()]
		if !ok || c.pendingClientHello != nil {
			return // data packet from an unknown or not-yet-accepted peer
		}
		if err := c.core.HandleDataPacket(now, raw); err != nil {
			in.cfg.Logger.WithError(err).Debug("velum: data packet rejected")
		}
		return
	}

	switch raw[0] {
	case wire.ControlHandshakeRequest:
		in.handleInboundHello(now, ls, pkt.From, raw[1:])
	case wire.ControlHandshakeFinish:
		in.handleInboundFinish(now, ls, pkt.From, raw[1:])
	}
}

// handleInboundHello constructs a new pending Connection on the first
// ClientHello from an address not already known to ls (spec §4.7: "a
// new Connection in Connecting state is constructed, placed in the
// table, and a status-changed event is emitted"). Retransmitted hellos
// from an address already in the table are ignored; the app's pending
// Accept/Reject decision is authoritative.
func (in *Instance) handleInboundHello(now clock.Time, ls *ListenSocket, from ident.IPAddress, body []byte) {
	key := from.String()
	if _, exists := ls.peers[key]; exists {
		return
	}

	id := in.nextConnID
	in.nextConnID++

	c := &Connection{
		inst:               in,
		transport:          ls.sendVia,
		peerAddr:           from,
		listener:           ls,
		pendingClientHello: append([]byte(nil), body...),
	}
	core := conn.New(id, conn.RoleCallee, in.cfg.connConfig(), now, func(sc conn.StatusChange) {
		in.dispatchStatus(c, sc)
	})
	c.core = core

	in.conns[id] = c
	ls.peers[key] = c

	// Synthetic status event: the handshake hasn't progressed c.core's
	// own state yet (that only happens in Connection.Accept), but a
	// Connection object now exists pending the app's decision, per
	// spec §4.7.
	in.dispatchStatus(c, conn.StatusChange{OldState: conn.StateNone, NewState: conn.StateConnecting})
}

// handleInboundFinish completes the callee side of the handshake for
// an already-accepted pending connection (spec §4.1 RecvHandshakeFinish).
func (in *Instance) handleInboundFinish(now clock.Time, ls *ListenSocket, from ident.IPAddress, body []byte) {
	c, ok := ls.peers[from.String()]
	if !ok || c.pendingClientHello != nil {
		return // no matching accepted connection awaiting ClientFinish
	}
	finish, err := conn.DecodeClientFinishWire(body)
	if err != nil {
		return
	}
	callerPub := callerPubFromIdentity(c.core.PeerIdentity)
	if !in.cfg.IPAllowWithoutAuth && callerPub == nil {
		return // caller authentication required but no key was asserted
	}
	_ = c.core.RecvHandshakeFinish(now, callerPub, finish, c.serverHello)
}

// dispatchOutboundPacket routes one inbound datagram on a ConnectIP's
// dedicated socket between ServerHello/Reject processing and the
// established data path.
func (in *Instance) dispatchOutboundPacket(now clock.Time, ob *outboundLink, pkt udptransport.Packet) {
	if !pkt.From.Equal(ob.conn.peerAddr) {
		return // dedicated socket only ever talks to the address it dialed
	}
	raw := pkt.Data
	if len(raw) == 0 {
		return
	}
	if raw[0]&0x80 == 0 {
		if err := ob.conn.core.HandleDataPacket(now, raw); err != nil {
			in.cfg.Logger.WithError(err).Debug("velum: data packet rejected")
		}
		return
	}

	switch raw[0] {
	case wire.ControlHandshakeReply:
		in.handleOutboundReply(now, ob, raw[1:])
	case wire.ControlReject:
		ob.conn.core.AppClose(now, uint32(verr.ReasonRemoteClose), "rejected by peer", false)
	}
}

// handleOutboundReply completes the caller side of the handshake
// (spec §4.1 RecvHandshakeReply) and sends ClientFinish back.
func (in *Instance) handleOutboundReply(now clock.Time, ob *outboundLink, body []byte) {
	serverHello, err := conn.DecodeServerHelloWire(body)
	if err != nil {
		return
	}
	finishBytes, err := ob.conn.core.RecvHandshakeReply(now, in.cfg.CertStore, serverHello, in.cfg.CallerPrivateKey)
	if err != nil {
		in.cfg.Logger.WithError(err).Debug("velum: server hello rejected")
		return
	}
	if err := ob.conn.transport.Send(ob.conn.peerAddr, withControlType(wire.ControlHandshakeFinish, finishBytes)); err != nil {
		in.cfg.Logger.WithError(err).Warn("velum: send client finish")
	}
}
