// Package udptransport implements spec §2 component 2, the Datagram
// Transport: a thin wrapper over a real UDP socket that hands the rest
// of the library a `send(addr, bytes)` / `recv() -> (addr, bytes)`
// interface plus a clock.Source, so nothing above this package ever
// touches net.UDPConn directly (spec §10.2 "the raw UDP socket ... is
// out of scope as an external collaborator; we use net.UDPConn
// directly").
//
// Grounded on the teacher's own socket-adjacent code: `server.go`'s
// "bind, log the address, serve until context cancellation" shape is
// reused here for Listen/Close, and `client/transport.go`'s
// StartReceiving read loop (one goroutine blocked in a Read call,
// pushing decoded packets to a channel) is the ancestor of Transport's
// readLoop.
package udptransport

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/vnet-io/velum/clock"
	"github.com/vnet-io/velum/ident"
)

// MaxDatagramSize bounds a single UDP read buffer; comfortably above
// any MTU the congestion package will ever configure (spec §4 MTU is
// 1200 by default, 1500 is the Ethernet ceiling most paths respect).
const MaxDatagramSize = 2048

// Packet is one received datagram paired with its source address and
// the local receipt timestamp.
type Packet struct {
	From ident.IPAddress
	Data []byte
	At   clock.Time
}

// Transport owns a bound UDP socket and feeds inbound datagrams to a
// channel read by the owner's I/O goroutine (spec §5: "Background I/O
// threads acquire the lock before handing packets into the state
// machine... the background thread releases it before recv/sendto").
type Transport struct {
	conn   *net.UDPConn
	clock  clock.Source
	log    logrus.FieldLogger
	inbox  chan Packet
	closed chan struct{}
}

// Listen binds a UDP socket at addr (port 0 picks an ephemeral port,
// as `CreateListenIP`/`ConnectIP` require for outbound-only sockets).
func Listen(addr ident.IPAddress, src clock.Source, log logrus.FieldLogger) (*Transport, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("udptransport: resolve %s: %w", addr.String(), err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("udptransport: listen %s: %w", addr.String(), err)
	}
	t := &Transport{
		conn:   conn,
		clock:  src,
		log:    log.WithField("local_addr", conn.LocalAddr().String()),
		inbox:  make(chan Packet, 256),
		closed: make(chan struct{}),
	}
	t.log.Info("udp socket bound")
	go t.readLoop()
	return t, nil
}

// LocalAddr reports the address actually bound, useful when addr's
// port was 0.
func (t *Transport) LocalAddr() ident.IPAddress {
	a, _ := addrFromUDP(t.conn.LocalAddr().(*net.UDPAddr))
	return a
}

// readLoop is the one blocking-read goroutine per socket (spec §5:
// one background I/O thread hands packets to the core, which itself
// never blocks). Errors after Close are expected and silent.
func (t *Transport) readLoop() {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.log.WithError(err).Warn("udp read error")
				continue
			}
		}
		addr, ok := addrFromUDP(from)
		if !ok {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		pkt := Packet{From: addr, Data: data, At: t.clock.Now()}
		select {
		case t.inbox <- pkt:
		case <-t.closed:
			return
		}
	}
}

// Recv returns the channel the owner's I/O goroutine drains (spec §5:
// "the background thread releases [the lock] before recv/sendto" —
// the channel read here is exactly that unlocked wait point).
func (t *Transport) Recv() <-chan Packet {
	return t.inbox
}

// Send writes one datagram to addr. It never blocks on application
// state; a full kernel send buffer surfaces as an error the caller
// logs and drops, per spec §7 ("non-fatal per-packet errors ...
// packet silently dropped").
func (t *Transport) Send(addr ident.IPAddress, data []byte) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr.String())
	if err != nil {
		return fmt.Errorf("udptransport: resolve %s: %w", addr.String(), err)
	}
	_, err = t.conn.WriteToUDP(data, udpAddr)
	return err
}

// Close releases the socket; the read loop observes t.closed and
// exits on its next error or blocked send.
func (t *Transport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
		close(t.closed)
	}
	return t.conn.Close()
}

func addrFromUDP(ua *net.UDPAddr) (ident.IPAddress, bool) {
	if ua == nil {
		return ident.IPAddress{}, false
	}
	s := ua.IP.String()
	if ua.Zone != "" {
		s = s + "%" + ua.Zone
	}
	a, err := ident.ParseIPAddress(s)
	if err != nil {
		return ident.IPAddress{}, false
	}
	return a.WithPort(uint16(ua.Port)), true
}
