// Package velum is the public surface of the library (spec §2 components
// 9-10, §6): Instance, ListenSocket, PollGroup, Connection, Message, and
// the Config option set. It owns the single global networking lock (spec
// §5) and drives every conn.Conn's handshake dispatch, Tick and Pump from
// RunCallbacks, wiring udptransport underneath.
//
// Grounded on the teacher's `Room` (single `sync.RWMutex` guarding every
// client/channel map, spec §5) and `main.go`'s flag-based option surface,
// generalized here to the runtime functional-option API spec §6 and
// §10.3 call for.
package velum

import (
	"crypto/ed25519"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vnet-io/velum/certstore"
	"github.com/vnet-io/velum/clock"
	"github.com/vnet-io/velum/conn"
	"github.com/vnet-io/velum/ident"
	"github.com/vnet-io/velum/udptransport"
)

// Config bundles every recognized option from spec.md §6, read once at
// NewInstance/ConnectIP/CreateListenIP time (spec §10.3: "Configuration
// is read at process start from the options setter API" — this
// repository has no runtime setters, only construction-time functional
// options, since nothing downstream ever re-reads Config after the
// socket it governs is created).
type Config struct {
	SendRateMin float64
	SendRateMax float64

	FakePacketLossSend float64
	FakePacketLossRecv float64
	FakePacketLagSend  time.Duration
	FakePacketLagRecv  time.Duration

	FakePacketReorderSend float64
	FakePacketReorderTime time.Duration

	IPAllowWithoutAuth bool

	TimeoutInitial   time.Duration
	TimeoutConnected time.Duration
	NagleTime        time.Duration
	MTU              int

	LogLevel logrus.Level
	Logger   logrus.FieldLogger

	// SNPDebugForceRelay and SNPDebugPacketTrace are the repository's
	// stand-ins for spec §6's open-ended "SNP_* debug flags": the
	// former is accepted but unused (no relay/SDR path exists in this
	// repository, spec §1 non-goal), and the latter is likewise stored
	// here but not read anywhere; neither is passed on to conn.
	SNPDebugForceRelay  bool
	SNPDebugPacketTrace bool

	// OnConnectionStatusChanged is the one callback spec §4.1/§5
	// requires: dispatched synchronously during RunCallbacks (or a
	// directly-nested API call such as Accept/Connect), never
	// reentrant, at most once per connection per transition.
	OnConnectionStatusChanged func(*Connection, conn.StatusChange)

	// Clock lets tests substitute a clock.FakeClock; defaults to the
	// real clock.SystemClock.
	Clock clock.Source

	// LocalIdentity names this instance's own peer identity, embedded
	// in ClientHello/ServerHello (spec §3/§4.1).
	LocalIdentity ident.Identity

	// CertStore validates the peer's cert chain on the caller side
	// (spec §4.8). A nil store with IPAllowWithoutAuth set means
	// "trust the handshake's cryptographic binding but skip chain
	// verification," matching spec §4.8/§6's IP-only authentication
	// mode.
	CertStore *certstore.Store

	// LeafPrivateKey and CertChain are presented as the ServerHello's
	// signing identity when this instance accepts inbound connections
	// (spec §4.1 AppAccept, §4.8).
	LeafPrivateKey ed25519.PrivateKey
	CertChain      []*certstore.Cert

	// CallerPrivateKey signs ClientFinish when set; IPAllowWithoutAuth
	// callers leave it nil and send an empty ClientFinish signature
	// (spec §4.1, "ClientFinish only authenticates caller identity,
	// skippable for anonymous/IP-only callers").
	CallerPrivateKey ed25519.PrivateKey
}

// Option mutates a Config in place; functional options compose cleanly
// across CreateListenIP/ConnectIP call sites without a wide positional
// parameter list (teacher's main.go uses flag.Var for the same reason,
// one option at a time).
type Option func(*Config)

// DefaultConfig mirrors conn.DefaultConfig()'s values for the options
// that overlap, plus library-level defaults for the rest.
func DefaultConfig() Config {
	return Config{
		SendRateMin:      16000,
		SendRateMax:      64000,
		TimeoutInitial:   conn.DefaultTimeoutInitial,
		TimeoutConnected: conn.DefaultTimeoutConnected,
		NagleTime:        5 * time.Millisecond,
		MTU:              1200,
		LogLevel:         logrus.InfoLevel,
		Logger:           defaultLogger(),
		Clock:            clock.NewSystemClock(),
	}
}

func defaultLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return l
}

func WithSendRate(min, max float64) Option {
	return func(c *Config) { c.SendRateMin, c.SendRateMax = min, max }
}

func WithFakePacketLoss(sendPct, recvPct float64) Option {
	return func(c *Config) { c.FakePacketLossSend, c.FakePacketLossRecv = sendPct, recvPct }
}

func WithFakePacketLag(send, recv time.Duration) Option {
	return func(c *Config) { c.FakePacketLagSend, c.FakePacketLagRecv = send, recv }
}

func WithFakePacketReorder(pct float64, window time.Duration) Option {
	return func(c *Config) { c.FakePacketReorderSend, c.FakePacketReorderTime = pct, window }
}

func WithIPAllowWithoutAuth(allow bool) Option {
	return func(c *Config) { c.IPAllowWithoutAuth = allow }
}

func WithTimeouts(initial, connected time.Duration) Option {
	return func(c *Config) { c.TimeoutInitial, c.TimeoutConnected = initial, connected }
}

func WithNagleTime(d time.Duration) Option {
	return func(c *Config) { c.NagleTime = d }
}

func WithMTU(mtu int) Option {
	return func(c *Config) { c.MTU = mtu }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Config) { c.Logger = l }
}

func WithLogLevel(lvl logrus.Level) Option {
	return func(c *Config) { c.LogLevel = lvl }
}

func WithStatusChangedFunc(f func(*Connection, conn.StatusChange)) Option {
	return func(c *Config) { c.OnConnectionStatusChanged = f }
}

func WithClock(src clock.Source) Option {
	return func(c *Config) { c.Clock = src }
}

func WithIdentity(id ident.Identity) Option {
	return func(c *Config) { c.LocalIdentity = id }
}

func WithCertStore(store *certstore.Store) Option {
	return func(c *Config) { c.CertStore = store }
}

func WithServerIdentity(leafPriv ed25519.PrivateKey, chain []*certstore.Cert) Option {
	return func(c *Config) { c.LeafPrivateKey = leafPriv; c.CertChain = chain }
}

func WithCallerIdentity(callerPriv ed25519.PrivateKey) Option {
	return func(c *Config) { c.CallerPrivateKey = callerPriv }
}

func (c Config) connConfig() conn.Config {
	cc := conn.DefaultConfig()
	if c.MTU > 0 {
		cc.MTU = c.MTU
	}
	if c.TimeoutInitial > 0 {
		cc.TimeoutInitial = c.TimeoutInitial
	}
	if c.TimeoutConnected > 0 {
		cc.TimeoutConnected = c.TimeoutConnected
	}
	if c.SendRateMin > 0 {
		cc.MinRateBytesPerSec = c.SendRateMin
	}
	if c.SendRateMax > 0 {
		cc.MaxRateBytesPerSec = c.SendRateMax
	}
	return cc
}

func (c Config) fakeNetConfig() udptransport.FakeNetConfig {
	return udptransport.FakeNetConfig{
		PacketLossSendPct:    c.FakePacketLossSend,
		PacketLossRecvPct:    c.FakePacketLossRecv,
		PacketLagSend:        c.FakePacketLagSend,
		PacketLagRecv:        c.FakePacketLagRecv,
		PacketReorderSendPct: c.FakePacketReorderSend,
		PacketReorderTime:    c.FakePacketReorderTime,
	}
}

func (c Config) hasFakeNetConditions() bool {
	return c.FakePacketLossSend > 0 || c.FakePacketLossRecv > 0 ||
		c.FakePacketLagSend > 0 || c.FakePacketLagRecv > 0 ||
		c.FakePacketReorderSend > 0
}
