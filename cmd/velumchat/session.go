package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vnet-io/velum/velum"
)

// driveCallbacks is the ticker-driven background loop every velum
// application needs (spec §5 "the scheduler wakes the worker thread to
// process due timers"): grounded on the teacher's RunMetrics/ticker
// goroutines in server/main.go, generalized from a fixed 5s/10s/1h
// cadence to one configurable tick calling RunCallbacks.
func driveCallbacks(ctx context.Context, inst *velum.Instance, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			inst.Close()
			return
		case <-ticker.C:
			inst.RunCallbacks()
		}
	}
}

// readStdinLines streams newline-delimited input to send, until stdin
// closes or ctx is cancelled. Mirrors the teacher's one-goroutine-per-
// concern style: each background loop here owns exactly one job.
func readStdinLines(ctx context.Context, log logrus.FieldLogger, send func(line string)) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		send(line)
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).Warn("[stdin] read error")
	}
}

// acceptPending drains pendingCh and accepts every handshake waiting
// on it. Accept/Reject must never be called from inside
// Config.OnConnectionStatusChanged itself (that callback fires with
// the instance lock already held, spec §5), so the callback only
// enqueues and this separate goroutine calls Accept afterwards.
func acceptPending(pendingCh <-chan *velum.Connection, log logrus.FieldLogger) {
	for c := range pendingCh {
		if err := c.Accept(); err != nil {
			log.WithError(err).Warn("[accept] failed")
			continue
		}
		log.WithField("peer", c.Info().PeerAddr.String()).Info("[accept] connection accepted")
	}
}

// assignPollGroups drains connectedCh and sets each connection's poll
// group from its own goroutine, for the same reason acceptPending
// exists: Connection.SetPollGroup reacquires Instance.mu, which is
// already held by whatever call delivered the StateConnected
// transition (RunCallbacks or Connection.Accept).
func assignPollGroups(connectedCh <-chan *velum.Connection, pg *velum.PollGroup) {
	for c := range connectedCh {
		c.SetPollGroup(pg)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
