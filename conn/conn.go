package conn

import (
	"sync"
	"time"

	"github.com/vnet-io/velum/clock"
	"github.com/vnet-io/velum/congestion"
	"github.com/vnet-io/velum/ident"
	"github.com/vnet-io/velum/reliability"
	"github.com/vnet-io/velum/snp"
	"github.com/vnet-io/velum/stats"
	"github.com/vnet-io/velum/vcrypto"
	"github.com/vnet-io/velum/verr"
	"github.com/vnet-io/velum/wire"
)

// Timing defaults, spec §4.1.
const (
	DefaultKeepAlive       = 10 * time.Second
	DefaultTimeoutInitial  = 10 * time.Second
	DefaultTimeoutConnected = 20 * time.Second
	DefaultMaxReplyTimeouts = 5
	DefaultIntervalLength   = 5 * time.Second
	DefaultLingerTimeout    = 15 * time.Second
	DefaultCloseGrace       = 1 * time.Second
)

// Config bundles the tunables spec §6 names that apply at the
// per-connection level (the rest of the option surface lives in the
// velum package's Config).
type Config struct {
	MTU              int
	KeepAlive        time.Duration
	TimeoutInitial   time.Duration
	TimeoutConnected time.Duration
	MaxReplyTimeouts int
	MinRateBytesPerSec float64
	MaxRateBytesPerSec float64
	MaxUnreliableQueueBytes int
	Fragment         snp.FragmentConfig
}

// DefaultConfig returns the spec §4 defaults.
func DefaultConfig() Config {
	return Config{
		MTU:                     snp.DefaultMTU,
		KeepAlive:               DefaultKeepAlive,
		TimeoutInitial:          DefaultTimeoutInitial,
		TimeoutConnected:        DefaultTimeoutConnected,
		MaxReplyTimeouts:        DefaultMaxReplyTimeouts,
		MinRateBytesPerSec:      congestion.DefaultMinRateBytesPerSec,
		MaxRateBytesPerSec:      congestion.DefaultMaxRateBytesPerSec,
		MaxUnreliableQueueBytes: 384 * 1024,
		Fragment:                snp.DefaultFragmentConfig,
	}
}

// Conn is one transport connection's full state (spec §3
// "Connection", §4.1 state machine). It performs no I/O of its own:
// the owner (velum.Connection) feeds it inbound bytes via
// HandleDataPacket and drains outbound bytes via Pump, per spec §5
// ("the core is non-blocking; all waits are expressed by scheduling a
// wake-up").
type Conn struct {
	mu sync.Mutex

	ID   uint32
	Role Role

	cfg Config

	LocalIdentity ident.Identity
	PeerIdentity  ident.Identity
	PeerAddr      ident.IPAddress

	state State

	cookie uint64
	name   string

	// Handshake state, valid until the handshake completes.
	hs *handshakeState

	sendCipher *vcrypto.RecordCipher
	recvCipher *vcrypto.RecordCipher

	sendPktNum uint64 // next packet number to assign, this direction
	recvWindow *reliability.ReceiveWindow
	retransmit *reliability.RetransmitTable

	reliableOut *snp.OutboundReliableStream
	reliableIn  *snp.ReliableStreamBuffer
	unreliable  *snp.UnreliableQueue
	fragments   *snp.FragmentReassembler
	packetizer  *snp.Packetizer

	pendingRetransmits []reliability.InFlightRange

	pacer     *congestion.Pacer
	rateEst   *congestion.RateEstimator

	Stats *stats.Tracker

	inbox            []snp.Message
	reliableParseBuf []byte

	pingReplyPending   *wire.PingFrame
	lastPingSentAt     clock.Time
	hasPingOutstanding bool

	lastSendAt     clock.Time
	lastRecvAt     clock.Time
	lastIntervalAt clock.Time
	hasRecvAny     bool
	awaitingReply  bool
	replyDeadline  clock.Time
	replyTimeouts  int
	inFlightWasSaturated bool

	lingerRequested bool
	lingerDeadline  clock.Time
	closeGraceUntil clock.Time
	closeFrameSent  bool

	CloseReason uint32
	CloseDebug  string

	onStatus func(StatusChange)
}

type handshakeState struct {
	localEphemeral   vcrypto.EphemeralKeyPair
	clientHelloBytes []byte
	serverHelloBytes []byte
	fullTranscript   []byte
}

// New constructs a Conn in StateNone; call AppConnect or AppAccept to
// begin the handshake.
func New(id uint32, role Role, cfg Config, now clock.Time, onStatus func(StatusChange)) *Conn {
	c := &Conn{
		ID:             id,
		Role:           role,
		cfg:            cfg,
		state:          StateNone,
		recvWindow:     reliability.NewReceiveWindow(),
		retransmit:     reliability.NewRetransmitTable(),
		reliableOut:    snp.NewOutboundReliableStream(),
		reliableIn:     snp.NewReliableStreamBuffer(),
		unreliable:     snp.NewUnreliableQueue(cfg.MaxUnreliableQueueBytes),
		fragments:      snp.NewFragmentReassembler(cfg.Fragment),
		pacer:          congestion.NewPacer(cfg.MinRateBytesPerSec, cfg.MTU),
		rateEst:        congestion.NewRateEstimator(cfg.MinRateBytesPerSec, cfg.MaxRateBytesPerSec),
		Stats:          stats.NewTracker(time.Now()),
		lastIntervalAt: now,
		onStatus:       onStatus,
	}
	c.packetizer = snp.NewPacketizer(c.reliableOut, c.unreliable)
	return c
}

// State returns the current lifecycle state (spec §3).
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState transitions state and fires the status-changed callback
// at most once per transition (spec §4.1, §5; spec §3 I4: terminal
// states never return to Connected).
func (c *Conn) setState(now clock.Time, newState State, reason uint32, debug string) {
	old := c.state
	if old.IsTerminal() && newState == StateConnected {
		return
	}
	if old == newState {
		return
	}
	c.state = newState
	if c.onStatus != nil {
		cb := c.onStatus
		sc := StatusChange{OldState: old, NewState: newState, Reason: reason, Debug: debug}
		// Dispatch outside the lock to avoid re-entrant deadlocks if the
		// application calls back into the connection from its handler.
		c.mu.Unlock()
		cb(sc)
		c.mu.Lock()
	}
}

// SetCookie/Cookie and SetName/Name support the debug
// fields spec §3 names ("user-assigned 64-bit cookie and name string
// for debugging").
func (c *Conn) SetCookie(v uint64) { c.mu.Lock(); c.cookie = v; c.mu.Unlock() }
func (c *Conn) Cookie() uint64     { c.mu.Lock(); defer c.mu.Unlock(); return c.cookie }
func (c *Conn) SetName(v string)   { c.mu.Lock(); c.name = v; c.mu.Unlock() }
func (c *Conn) Name() string       { c.mu.Lock(); defer c.mu.Unlock(); return c.name }

// Send enqueues an application message (spec §6 `send`). Unreliable
// sends are split into fragments of at most MTU-64 bytes when queued
// (snp.UnreliableQueue.Enqueue); oversized
// reliable sends are simply appended to the byte stream and split
// across as many packets as needed.
func (c *Conn) Send(data []byte, flags snp.SendFlags) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return verr.New(verr.ReasonInvalidState, "send on connection not in Connected state")
	}
	if len(data) > snp.MaxMessageSize {
		return verr.New(verr.ReasonInvalidParameter, "message exceeds maximum size")
	}

	if flags.Reliable() {
		c.reliableOut.AppendMessage(data)
	} else {
		c.unreliable.Enqueue(data, c.cfg.MTU-64)
	}
	return nil
}

// ReceiveMessages dequeues up to maxN delivered messages in FIFO
// order (spec §6 `recv_on_conn`).
func (c *Conn) ReceiveMessages(maxN int) []snp.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if maxN <= 0 || maxN > len(c.inbox) {
		maxN = len(c.inbox)
	}
	out := c.inbox[:maxN]
	c.inbox = c.inbox[maxN:]
	return out
}

// PendingMessageCount reports how many delivered messages are waiting
// to be received.
func (c *Conn) PendingMessageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inbox)
}

// AppClose implements spec §4.1 "Close": reason+debug are recorded
// immediately; linger=false transitions to Dead after a short grace
// period, linger=true instead waits for pending reliable bytes to be
// acknowledged (spec §4.1, §8 S6).
func (c *Conn) AppClose(now clock.Time, reason uint32, debug string, linger bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.IsTerminal() {
		return
	}
	c.CloseReason = reason
	c.CloseDebug = debug

	if linger && c.hasPendingReliableBytesLocked() {
		c.lingerRequested = true
		c.lingerDeadline = now.Add(DefaultLingerTimeout)
		c.setState(now, StateFinWait, reason, debug)
		return
	}
	c.closeGraceUntil = now.Add(DefaultCloseGrace)
	c.setState(now, StateFinWait, reason, debug)
}

// hasPendingReliableBytesLocked reports whether any reliable bytes are
// still queued, in flight, or awaiting retransmission. A linger close
// (spec §4.1, §8 S6) must not send its close frame while this is true:
// the peer would transition to ClosedByPeer and stop accepting the
// rest of the reliable stream.
func (c *Conn) hasPendingReliableBytesLocked() bool {
	return c.reliableOut.PendingBytes()+uint64(c.retransmit.Len()+len(c.pendingRetransmits)) > 0
}

// onFatalError transitions to ProblemDetectedLocally with a specific
// reason (spec §7 "Errors that compromise session keys or stream
// integrity are fatal").
func (c *Conn) onFatalError(now clock.Time, reason uint32, debug string) {
	c.setState(now, StateProblemDetectedLocally, reason, debug)
}

// onPeerClose handles a received close frame (spec §4.1 "A received
// close-packet puts the connection into ClosedByPeer").
func (c *Conn) onPeerClose(now clock.Time, reason uint32, debug string) {
	c.CloseReason = reason
	c.CloseDebug = debug
	c.inbox = nil // undelivered messages are dropped at close time
	c.setState(now, StateClosedByPeer, reason, debug)
}

// Tick drives the time-based transitions: timeout, reply-timeout
// aggregation, linger expiry, close grace expiry, and the 5-second
// stats interval rollover (spec §4.1, §4.5, §4.6). Keep-alive probes
// are not sent here; Pump emits one once the idle period has passed. It
// must be called periodically (or scheduled via clock.Source,
// see SPEC_FULL.md §10.2) even when no packet activity occurs.
func (c *Conn) Tick(now clock.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickLocked(now)
}

func (c *Conn) tickLocked(now clock.Time) {
	switch c.state {
	case StateFinWait:
		if c.lingerRequested {
			// Don't go Dead just because the bytes are all acked: Pump
			// still needs one more opportunity to actually send the
			// close frame (suppressed while lingering, see pump.go) so
			// the peer learns the connection closed instead of idling
			// forever believing it is still Connected.
			done := !c.hasPendingReliableBytesLocked() && c.closeFrameSent
			if done || now.After(c.lingerDeadline) {
				c.setState(now, StateDead, c.CloseReason, c.CloseDebug)
			}
			return
		}
		if now.After(c.closeGraceUntil) {
			c.setState(now, StateDead, c.CloseReason, c.CloseDebug)
		}
		return
	case StateClosedByPeer, StateProblemDetectedLocally, StateDead:
		return
	case StateConnecting, StateFindingRoute:
		if c.hasRecvAny {
			return
		}
		if c.hasTimedOut(now, c.cfg.TimeoutInitial) {
			c.onFatalError(now, uint32(verr.ReasonTimeout), "handshake timed out")
		}
		return
	}

	// StateConnected from here on.
	if c.hasRecvAny && c.hasTimedOut(now, c.cfg.TimeoutConnected) {
		c.onFatalError(now, uint32(verr.ReasonTimeout), "no packets received within timeout")
		return
	}

	if c.awaitingReply && now.After(c.replyDeadline) {
		c.replyTimeouts++
		c.awaitingReply = false
		if c.replyTimeouts >= c.cfg.MaxReplyTimeouts {
			c.onFatalError(now, uint32(verr.ReasonReplyTimeoutAggregate), "too many consecutive reply timeouts")
			return
		}
	}

	if now.Sub(c.lastIntervalAt) >= DefaultIntervalLength {
		c.rollStatsInterval(now)
	}
}

func (c *Conn) hasTimedOut(now clock.Time, d time.Duration) bool {
	return now.Sub(c.lastRecvAt) >= d
}

// calcConservativeTimeout derives how long to wait for an ack before
// counting a reply timeout, from the smoothed ping (spec §4.1 "reply
// timeout aggregate"): generous enough that ordinary jitter never
// trips it, but well short of the overall connection timeout.
func calcConservativeTimeout(smoothedPingMS int) time.Duration {
	const minTimeout = 1500 * time.Millisecond
	const maxTimeout = 10 * time.Second
	d := time.Duration(smoothedPingMS) * 4 * time.Millisecond
	if d < minTimeout {
		return minTimeout
	}
	if d > maxTimeout {
		return maxTimeout
	}
	return d
}

// rollStatsInterval closes out the 5-second reporting window and
// feeds the outcome to the rate estimator (spec §4.4, §4.6).
func (c *Conn) rollStatsInterval(now clock.Time) {
	q := c.Stats.RollInterval()
	replyTimedOut := c.replyTimeouts > 0
	c.rateEst.OnIntervalReport(q, c.inFlightWasSaturated, replyTimedOut)
	c.pacer.SetRate(c.rateEst.Current())
	c.replyTimeouts = 0
	c.inFlightWasSaturated = false
	c.lastIntervalAt = now
	c.fragments.GC(now)
}

// headerWidth picks the packet-number truncation width from the
// current in-flight window size (spec §4.3).
func (c *Conn) headerWidth() wire.PktNumWidth {
	return wire.ChooseWidth(c.retransmit.Len())
}
