package velum

import (
	"time"

	"github.com/vnet-io/velum/conn"
	"github.com/vnet-io/velum/ident"
	"github.com/vnet-io/velum/snp"
)

// Message is one delivered application message (spec §3 "Message"),
// wrapping snp.Message with the Connection it arrived on so
// recv_on_poll_group can fan results back in across members.
type Message struct {
	Conn     *Connection
	Data     []byte
	Reliable bool
	RecvTime time.Time
}

func wrapMessage(c *Connection, m snp.Message) Message {
	return Message{Conn: c, Data: m.Data, Reliable: m.Reliable, RecvTime: m.RecvTime}
}

// ConnectionInfo is the static/slow-changing half of a connection's
// public state (spec §6 `get_connection_info`).
type ConnectionInfo struct {
	PeerIdentity ident.Identity
	PeerAddr     ident.IPAddress
	State        conn.State
}

// QuickStatus is the hot-path stats snapshot (spec §6
// `get_quick_status`, §4.5 "the rolling per-connection metrics a
// caller reads at any moment").
type QuickStatus struct {
	State                      conn.State
	PingMS                     int
	ConnectionQuality          int
	OutOfOrderPercent          float64
	CurrentSendRateBytesPerSec float64
	PendingReliableBytes       int64
}
