package velum

import (
	"github.com/vnet-io/velum/ident"
	"github.com/vnet-io/velum/udptransport"
)

// ListenSocket owns one bound datagram endpoint plus an inbound table
// keyed by peer address (spec §4.7). Inbound ClientHellos create
// pending Connections surfaced to the application via
// Config.OnConnectionStatusChanged; the application calls
// Connection.Accept or Connection.Reject to resolve them.
type ListenSocket struct {
	inst      *Instance
	transport *udptransport.Transport
	sendVia   sender // transport itself, or a FakeNet wrapping it
	localAddr ident.IPAddress
	peers     map[string]*Connection // keyed by peerAddr.String()
}

// LocalAddr reports the bound address (useful when the caller asked
// for an ephemeral port).
func (ls *ListenSocket) LocalAddr() ident.IPAddress { return ls.localAddr }

// Close shuts down the listener's socket and closes every connection
// it still owns (spec §5 "closing a connection is idempotent").
func (ls *ListenSocket) Close() {
	ls.inst.mu.Lock()
	defer ls.inst.mu.Unlock()
	now := ls.inst.clock.Now()
	for _, c := range ls.peers {
		c.core.AppClose(now, 0, "listener closed", false)
	}
	_ = ls.transport.Close()
	ls.inst.removeListener(ls)
}
