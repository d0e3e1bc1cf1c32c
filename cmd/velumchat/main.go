// Command velumchat is a minimal terminal chat client/server pair
// exercising velum's full send/recv/close/poll-group surface end to
// end (spec §10.6). Two subcommands, `serve` and `dial`, built with
// the teacher's flag-based CLI idiom (_examples/rustyguts-bken/server/main.go):
// flag.String/Duration/Bool option declarations, "[tag] ..." log
// messages (through logrus), and a context.WithCancel + signal.Notify graceful-shutdown
// goroutine.
package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vnet-io/velum/conn"
	"github.com/vnet-io/velum/ident"
	"github.com/vnet-io/velum/snp"
	"github.com/vnet-io/velum/velum"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "dial":
		runDial(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: velumchat serve -addr <ip:port> | velumchat dial -connect <ip:port>")
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

// peerSet tracks the server's live connections under its own lock,
// for the stdin broadcast loop; the status-changed callback keeps it
// current (spec §5's callback-ordering constraint means this update
// happens synchronously while Instance.mu is held, so peerSet needs
// its own independent lock rather than relying on velum's).
type peerSet struct {
	mu    sync.Mutex
	conns map[*velum.Connection]struct{}
}

func newPeerSet() *peerSet {
	return &peerSet{conns: make(map[*velum.Connection]struct{})}
}

func (p *peerSet) add(c *velum.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[c] = struct{}{}
}

func (p *peerSet) remove(c *velum.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, c)
}

func (p *peerSet) snapshot() []*velum.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*velum.Connection, 0, len(p.conns))
	for c := range p.conns {
		out = append(out, c)
	}
	return out
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "0.0.0.0:9000", "address to listen on")
	name := fs.String("name", "velumchat-server", "this server's identity name")
	allowAnon := fs.Bool("allow-anon", true, "accept connections that assert no verifiable caller identity")
	tick := fs.Duration("tick", 15*time.Millisecond, "RunCallbacks polling interval")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.Parse(args)

	log := newLogger(*logLevel)
	ip, _, err := ident.ParseIPAddressPort(*addr)
	if err != nil {
		fatalf("[serve] bad -addr %q: %v", *addr, err)
	}

	store, leafPriv, chain, _, _, err := bootstrapIdentity()
	if err != nil {
		fatalf("[serve] bootstrap identity: %v", err)
	}
	localIdentity, err := ident.NewGenericString(*name)
	if err != nil {
		fatalf("[serve] identity name: %v", err)
	}

	pendingCh := make(chan *velum.Connection, 32)
	connectedCh := make(chan *velum.Connection, 32)
	peers := newPeerSet()
	var pg *velum.PollGroup

	inst := velum.NewInstance(velum.Config{
		Logger:             log,
		LocalIdentity:      localIdentity,
		CertStore:          store,
		LeafPrivateKey:     leafPriv,
		CertChain:          chain,
		IPAllowWithoutAuth: *allowAnon,
		OnConnectionStatusChanged: func(c *velum.Connection, sc conn.StatusChange) {
			log.WithFields(logrus.Fields{
				"peer": c.Info().PeerAddr.String(),
				"from": sc.OldState.String(),
				"to":   sc.NewState.String(),
			}).Info("[status]")
			switch {
			case sc.OldState == conn.StateNone && sc.NewState == conn.StateConnecting:
				// Accept can't run synchronously here: it reacquires
				// Instance.mu, which this callback's caller is already
				// holding (spec §5). acceptPending does it from its own
				// goroutine once this call stack has unwound.
				select {
				case pendingCh <- c:
				default:
					log.Warn("[serve] pending-accept queue full, dropping handshake")
				}
			case sc.NewState == conn.StateConnected:
				peers.add(c)
				select {
				case connectedCh <- c:
				default:
					log.Warn("[serve] poll-group assignment queue full")
				}
			case sc.NewState == conn.StateDead:
				peers.remove(c)
			}
		},
	})

	ls, err := inst.CreateListenIP(ip)
	if err != nil {
		fatalf("[serve] listen %s: %v", ip.String(), err)
	}
	log.WithField("addr", ls.LocalAddr().String()).Info("[serve] listening")

	pg = inst.CreatePollGroup()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("[serve] shutting down...")
		cancel()
	}()

	go acceptPending(pendingCh, log)
	go assignPollGroups(connectedCh, pg)
	go driveCallbacks(ctx, inst, *tick)

	go func() {
		ticker := time.NewTicker(*tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, m := range pg.ReceiveMessages(64) {
					fmt.Printf("[%s] %s\n", m.Conn.Info().PeerAddr.String(), string(m.Data))
				}
			}
		}
	}()

	readStdinLines(ctx, log, func(line string) {
		for _, c := range peers.snapshot() {
			if err := c.Send([]byte(line), snp.FlagReliable); err != nil {
				log.WithError(err).Warn("[serve] send failed")
			}
		}
	})
	<-ctx.Done()
}

func runDial(args []string) {
	fs := flag.NewFlagSet("dial", flag.ExitOnError)
	connect := fs.String("connect", "127.0.0.1:9000", "server address to connect to")
	name := fs.String("name", "velumchat-client", "this client's identity name")
	authenticate := fs.Bool("auth", false, "assert a verifiable caller identity instead of an anonymous name")
	tick := fs.Duration("tick", 15*time.Millisecond, "RunCallbacks polling interval")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.Parse(args)

	log := newLogger(*logLevel)
	ip, _, err := ident.ParseIPAddressPort(*connect)
	if err != nil {
		fatalf("[dial] bad -connect %q: %v", *connect, err)
	}

	store, _, _, callerPub, callerPriv, err := bootstrapIdentity()
	if err != nil {
		fatalf("[dial] bootstrap identity: %v", err)
	}

	localIdentity, err := ident.NewGenericString(*name)
	if err != nil {
		fatalf("[dial] identity name: %v", err)
	}
	var callerKey ed25519.PrivateKey
	if *authenticate {
		localIdentity, err = ident.NewGenericBytes(callerPub)
		if err != nil {
			fatalf("[dial] identity key: %v", err)
		}
		callerKey = callerPriv
	}

	inst := velum.NewInstance(velum.Config{
		Logger:           log,
		LocalIdentity:    localIdentity,
		CertStore:        store,
		CallerPrivateKey: callerKey,
		OnConnectionStatusChanged: func(c *velum.Connection, sc conn.StatusChange) {
			log.WithFields(logrus.Fields{
				"from": sc.OldState.String(),
				"to":   sc.NewState.String(),
			}).Info("[status]")
		},
	})

	c, err := inst.ConnectIP(ip)
	if err != nil {
		fatalf("[dial] connect %s: %v", ip.String(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("[dial] shutting down...")
		cancel()
	}()

	go driveCallbacks(ctx, inst, *tick)

	go func() {
		ticker := time.NewTicker(*tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, m := range c.ReceiveMessages(64) {
					fmt.Printf("> %s\n", string(m.Data))
				}
			}
		}
	}()

	readStdinLines(ctx, log, func(line string) {
		if err := c.Send([]byte(line), snp.FlagReliable); err != nil {
			log.WithError(err).Warn("[dial] send failed")
		}
	})
	<-ctx.Done()
}
