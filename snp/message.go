// Package snp implements spec §4.2: message segmentation into
// wire-sized pieces, reliable-stream framing, unreliable fragmentation
// and reassembly, and the priority-ordered packetizer that builds one
// outbound record per send opportunity.
//
// Grounded on the teacher's `server/internal/protocol/message.go`
// (a minimal tagged message type carrying a byte payload plus a small
// set of typed fields) for Message's shape, generalized from the
// teacher's single always-reliable websocket frame to the spec's
// reliable/unreliable duality.
package snp

import "time"

// SendFlags selects delivery semantics for one outbound Message (spec
// §3, §6 `send(..., flags{reliable|unreliable|no-nagle})`).
type SendFlags uint8

const (
	FlagReliable SendFlags = 1 << iota
	FlagNoNagle
)

func (f SendFlags) Reliable() bool { return f&FlagReliable != 0 }
func (f SendFlags) NoNagle() bool  { return f&FlagNoNagle != 0 }

// Message is one application-level message, either queued for send or
// delivered to the application (spec §3 "Message").
type Message struct {
	Data      []byte
	MessageNum uint64
	Reliable  bool
	RecvTime  time.Time
}

// MaxMessageSize bounds a single application message (spec doesn't
// name an exact limit; this matches the original's
// k_cbMaxSteamNetworkingSocketsMessageSizeSend-style cap, sized well
// above the 1 MiB linger-close scenario in spec §8 S6 so that test
// still exercises ordinary multi-packet fragmentation rather than a
// rejected oversized message).
const MaxMessageSize = 4 * 1024 * 1024

// DefaultMTU is the path MTU default from spec §4.2 ("default
// 1200-byte payload").
const DefaultMTU = 1200
