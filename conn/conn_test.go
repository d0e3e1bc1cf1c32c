package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vnet-io/velum/certstore"
	"github.com/vnet-io/velum/clock"
	"github.com/vnet-io/velum/ident"
	"github.com/vnet-io/velum/snp"
)

// connectedPair drives a full handshake between a fresh caller/callee
// pair and returns them both in StateConnected (spec §4.1), so data-path
// tests don't have to repeat the three-exchange dance.
func connectedPair(t *testing.T, cfg Config) (*Conn, *Conn) {
	t.Helper()
	store, leafKeys, leafCert := handshakeFixture(t)

	caller := New(1, RoleCaller, cfg, 0, nil)
	callee := New(2, RoleCallee, cfg, 0, nil)

	callerIdentity, _ := ident.NewGenericString("caller")
	calleeIdentity, _ := ident.NewGenericString("callee")
	peerAddr := ident.IPv4(127, 0, 0, 1, 9000)

	helloBytes, err := caller.AppConnect(0, callerIdentity, calleeIdentity, peerAddr, 1)
	require.NoError(t, err)

	serverHelloBytes, err := callee.AppAccept(0, calleeIdentity, peerAddr, helloBytes, leafKeys.priv, []*certstore.Cert{leafCert})
	require.NoError(t, err)
	serverHello, err := DecodeServerHelloWire(serverHelloBytes)
	require.NoError(t, err)

	finishBytes, err := caller.RecvHandshakeReply(0, store, serverHello, nil)
	require.NoError(t, err)
	require.Equal(t, StateConnected, caller.State())

	finish, err := DecodeClientFinishWire(finishBytes)
	require.NoError(t, err)
	require.NoError(t, callee.RecvHandshakeFinish(0, nil, finish, serverHello))
	require.Equal(t, StateConnected, callee.State())

	return caller, callee
}

// pumpOnce drains everything `from` has to send at `now` and feeds each
// packet to `to`, returning how many packets were transferred.
func pumpOnce(t *testing.T, now clock.Time, from, to *Conn) int {
	t.Helper()
	n := 0
	for {
		pkt, ok := from.Pump(now)
		if !ok {
			break
		}
		require.NoError(t, to.HandleDataPacket(now, pkt))
		n++
	}
	return n
}

func TestConn_ReliableSendIsDeliveredInOrder(t *testing.T) {
	caller, callee := connectedPair(t, DefaultConfig())
	now := clock.Time(0)

	require.NoError(t, caller.Send([]byte("hello"), snp.FlagReliable))
	require.NoError(t, caller.Send([]byte("world"), snp.FlagReliable))

	require.Greater(t, pumpOnce(t, now, caller, callee), 0)

	msgs := callee.ReceiveMessages(0)
	require.Len(t, msgs, 2)
	require.Equal(t, "hello", string(msgs[0].Data))
	require.Equal(t, "world", string(msgs[1].Data))
	require.True(t, msgs[0].Reliable)
}

func TestConn_UnreliableSendIsDelivered(t *testing.T) {
	caller, callee := connectedPair(t, DefaultConfig())
	now := clock.Time(0)

	require.NoError(t, caller.Send([]byte("ping"), 0))
	require.Greater(t, pumpOnce(t, now, caller, callee), 0)

	msgs := callee.ReceiveMessages(0)
	require.Len(t, msgs, 1)
	require.Equal(t, "ping", string(msgs[0].Data))
	require.False(t, msgs[0].Reliable)
}

func TestConn_AckRetiresReliableBacklog(t *testing.T) {
	caller, callee := connectedPair(t, DefaultConfig())
	now := clock.Time(0)

	require.NoError(t, caller.Send([]byte("payload"), snp.FlagReliable))
	pumpOnce(t, now, caller, callee)
	require.Greater(t, caller.retransmit.Len(), 0)

	// callee's next Pump carries the ack back to caller.
	pumpOnce(t, now, callee, caller)

	require.Equal(t, 0, caller.retransmit.Len())
	require.False(t, caller.awaitingReply)
}

func TestConn_KeepaliveProbeSentAfterIdlePeriod(t *testing.T) {
	cfg := DefaultConfig()
	caller, _ := connectedPair(t, cfg)

	now := clock.Time(0)
	_, ok := caller.Pump(now)
	require.False(t, ok, "nothing queued yet, no keepalive due")

	now = now.Add(cfg.KeepAlive)
	pkt, ok := caller.Pump(now)
	require.True(t, ok, "keepalive probe should fire once idle period elapses")
	require.NotEmpty(t, pkt)
}

func TestConn_TimesOutWithNoTrafficFromPeer(t *testing.T) {
	cfg := DefaultConfig()
	caller, callee := connectedPair(t, cfg)
	_ = callee

	now := clock.Time(0)
	caller.lastRecvAt = now
	caller.hasRecvAny = true

	now = now.Add(cfg.TimeoutConnected)
	caller.Tick(now)
	require.Equal(t, StateProblemDetectedLocally, caller.State())
}

func TestConn_ReplyTimeoutAggregateClosesAfterRepeatedMisses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxReplyTimeouts = 2
	caller, _ := connectedPair(t, cfg)

	now := clock.Time(0)
	caller.hasRecvAny = true
	caller.lastRecvAt = now

	require.NoError(t, caller.Send([]byte("data"), snp.FlagReliable))
	_, ok := caller.Pump(now)
	require.True(t, ok)
	require.True(t, caller.awaitingReply)

	deadline := caller.replyDeadline
	for i := 0; i < cfg.MaxReplyTimeouts; i++ {
		now = deadline.Add(time.Millisecond)
		caller.Tick(now)
		if caller.State() == StateProblemDetectedLocally {
			break
		}
		// Re-arm a fresh deadline the same way Pump would on the next send.
		caller.mu.Lock()
		caller.awaitingReply = true
		caller.replyDeadline = now.Add(calcConservativeTimeout(0))
		deadline = caller.replyDeadline
		caller.mu.Unlock()
	}
	require.Equal(t, StateProblemDetectedLocally, caller.State())
}

func TestConn_LingerCloseWaitsForPendingReliableBytes(t *testing.T) {
	cfg := DefaultConfig()
	caller, callee := connectedPair(t, cfg)
	now := clock.Time(0)

	big := make([]byte, 3*cfg.MTU)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, caller.Send(big, snp.FlagReliable))

	caller.AppClose(now, 0, "bye", true)
	require.Equal(t, StateFinWait, caller.State())

	for i := 0; i < 50 && caller.State() != StateDead; i++ {
		now = now.Add(200 * time.Millisecond)
		pumpOnce(t, now, caller, callee)
		pumpOnce(t, now, callee, caller)
		caller.Tick(now)
		callee.Tick(now)
		// The linger close must not let the callee see ClosedByPeer
		// before the full reliable message has arrived (spec §4.1,
		// §8 S6): once it has, the message must already be sitting in
		// the callee's inbox.
		if callee.State() == StateClosedByPeer {
			require.Equal(t, 1, callee.PendingMessageCount(),
				"callee closed before the pending reliable message was delivered")
			break
		}
	}
	require.Equal(t, StateDead, caller.State())

	msgs := callee.ReceiveMessages(0)
	require.Len(t, msgs, 1)
	require.Equal(t, big, msgs[0].Data)
}

func TestConn_NonLingerCloseGoesDeadAfterGrace(t *testing.T) {
	cfg := DefaultConfig()
	caller, _ := connectedPair(t, cfg)
	now := clock.Time(0)

	caller.AppClose(now, 0, "bye", false)
	require.Equal(t, StateFinWait, caller.State())

	now = now.Add(DefaultCloseGrace + time.Millisecond)
	caller.Tick(now)
	require.Equal(t, StateDead, caller.State())
}

func TestConn_SendRejectedWhenNotConnected(t *testing.T) {
	c := New(1, RoleCaller, DefaultConfig(), 0, nil)
	err := c.Send([]byte("x"), snp.FlagReliable)
	require.Error(t, err)
}

func TestConn_OversizedMessageRejected(t *testing.T) {
	caller, _ := connectedPair(t, DefaultConfig())
	err := caller.Send(make([]byte, snp.MaxMessageSize+1), snp.FlagReliable)
	require.Error(t, err)
}
