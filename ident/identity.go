// Package ident implements the Identity and IPAddress value types from
// spec §3: a tagged-sum peer identity with a canonical text form, and an
// IPv4/IPv6 address with RFC5952 formatting. Grounded on
// original_source/src/common/steamid.h (tagged identity union with a
// canonical `steamid:`/`ip:`/`str:`/`gen:` text form) and
// original_source/src/tier1/ipv6text.c (RFC5952 canonical IPv6 text).
package ident

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind is the tag of the Identity sum type.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindSteamID
	KindIPAddress
	KindGenericString
	KindGenericBytes
	KindUnknownRaw
)

const (
	maxGenericStringLen = 31
	maxGenericBytesLen  = 32
)

var (
	ErrTooLong   = errors.New("ident: value exceeds maximum length")
	ErrMalformed = errors.New("ident: malformed identity string")
)

// Identity is the tagged-sum peer identity described in spec §3.
// Two identities are equal iff Kind, Size and the raw bytes match
// (byte equality, not case-folded — see the Open Question resolution
// in SPEC_FULL.md §3.1: unknown-raw-string identities compare equal
// only on exact byte match of their preserved raw form).
type Identity struct {
	kind Kind
	// raw holds the canonical byte payload for the kind:
	//   KindSteamID:       8 bytes, big-endian u64
	//   KindIPAddress:     the IPAddress.Bytes() encoding (see ipaddr.go)
	//   KindGenericString: the raw string bytes (<=31)
	//   KindGenericBytes:  the raw bytes (<=32)
	//   KindUnknownRaw:    the raw "<prefix>:<rest>" string, verbatim
	raw []byte
}

func (id Identity) Kind() Kind { return id.kind }
func (id Identity) Size() int  { return len(id.raw) }
func (id Identity) IsValid() bool {
	return id.kind != KindInvalid
}

// Bytes returns the raw payload bytes (copy).
func (id Identity) Bytes() []byte {
	out := make([]byte, len(id.raw))
	copy(out, id.raw)
	return out
}

// Equal implements byte-for-byte comparison per spec §3 ("compared by
// raw bytes").
func (id Identity) Equal(o Identity) bool {
	if id.kind != o.kind || len(id.raw) != len(o.raw) {
		return false
	}
	for i := range id.raw {
		if id.raw[i] != o.raw[i] {
			return false
		}
	}
	return true
}

// HashKey returns a comparable value suitable for use as a map key,
// per spec §3 ("hashed by {type, size, bytes}").
func (id Identity) HashKey() string {
	var b strings.Builder
	b.WriteByte(byte(id.kind))
	b.WriteByte(byte(len(id.raw)))
	b.Write(id.raw)
	return b.String()
}

func NewSteamID(v uint64) Identity {
	raw := make([]byte, 8)
	for i := 0; i < 8; i++ {
		raw[7-i] = byte(v >> (8 * i))
	}
	return Identity{kind: KindSteamID, raw: raw}
}

func (id Identity) SteamID() (uint64, bool) {
	if id.kind != KindSteamID || len(id.raw) != 8 {
		return 0, false
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(id.raw[i])
	}
	return v, true
}

func NewIPIdentity(addr IPAddress) Identity {
	return Identity{kind: KindIPAddress, raw: addr.Bytes()}
}

func (id Identity) IPAddress() (IPAddress, bool) {
	if id.kind != KindIPAddress {
		return IPAddress{}, false
	}
	a, ok := ParseIPAddressBytes(id.raw)
	return a, ok
}

func NewGenericString(s string) (Identity, error) {
	if len(s) > maxGenericStringLen {
		return Identity{}, ErrTooLong
	}
	return Identity{kind: KindGenericString, raw: []byte(s)}, nil
}

func (id Identity) GenericString() (string, bool) {
	if id.kind != KindGenericString {
		return "", false
	}
	return string(id.raw), true
}

func NewGenericBytes(b []byte) (Identity, error) {
	if len(b) > maxGenericBytesLen {
		return Identity{}, ErrTooLong
	}
	out := make([]byte, len(b))
	copy(out, b)
	return Identity{kind: KindGenericBytes, raw: out}, nil
}

func (id Identity) GenericBytes() ([]byte, bool) {
	if id.kind != KindGenericBytes {
		return nil, false
	}
	return id.Bytes(), true
}

// newUnknownRaw preserves an unrecognized "<prefix>:..." identity
// verbatim, for forward compatibility (spec §3, §9 Open Questions).
func newUnknownRaw(raw string) Identity {
	return Identity{kind: KindUnknownRaw, raw: []byte(raw)}
}

func (id Identity) UnknownRaw() (string, bool) {
	if id.kind != KindUnknownRaw {
		return "", false
	}
	return string(id.raw), true
}

// String returns the canonical text form (spec §3):
// `steamid:`, `ip:`, `str:`, `gen:<hex>`, or `<prefix>:raw` for
// preserved-unknown identities.
func (id Identity) String() string {
	switch id.kind {
	case KindInvalid:
		return "invalid"
	case KindSteamID:
		v, _ := id.SteamID()
		return fmt.Sprintf("steamid:%d", v)
	case KindIPAddress:
		a, _ := id.IPAddress()
		return "ip:" + a.String()
	case KindGenericString:
		s, _ := id.GenericString()
		return "str:" + s
	case KindGenericBytes:
		return "gen:" + hex.EncodeToString(id.raw)
	case KindUnknownRaw:
		s, _ := id.UnknownRaw()
		return s
	default:
		return "invalid"
	}
}

// Parse parses the canonical (or tolerant-legacy) text form of an
// Identity. Unrecognized "<prefix>:..." forms are preserved verbatim
// as KindUnknownRaw rather than rejected (spec §3, §6: "parsing must
// accept the legacy tolerant form and the strict form").
func Parse(s string) (Identity, error) {
	if s == "" || s == "invalid" {
		return Identity{}, nil
	}

	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return Identity{}, ErrMalformed
	}
	prefix, rest := s[:idx], s[idx+1:]

	switch prefix {
	case "steamid":
		v, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return NewSteamID(v), nil
	case "ip":
		a, _, err := ParseIPAddressPort(rest)
		if err != nil {
			// Accept a bare address with no port, legacy-tolerant.
			a2, err2 := ParseIPAddress(rest)
			if err2 != nil {
				return Identity{}, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			a = a2
		}
		return NewIPIdentity(a), nil
	case "str":
		return NewGenericString(rest)
	case "gen":
		b, err := hex.DecodeString(rest)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return NewGenericBytes(b)
	default:
		return newUnknownRaw(s), nil
	}
}
