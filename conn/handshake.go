package conn

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"io"
	"sort"
	"time"

	"github.com/vnet-io/velum/certstore"
	"github.com/vnet-io/velum/ident"
	"github.com/vnet-io/velum/vcrypto"
	"github.com/vnet-io/velum/verr"
)

// fillRandom fills b with cryptographically random bytes (handshake
// nonces, spec §4.1).
func fillRandom(b []byte) error {
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return verr.Wrap(verr.ReasonInternalError, "generate nonce", err)
	}
	return nil
}

// ProtocolVersion is the handshake's own version number (spec §4.1,
// §7 ReasonProtocolVersion); bumped whenever the wire shape of the
// three handshake messages changes incompatibly.
const ProtocolVersion = 1

// ClientHello is exchange 1 of 3 (spec §4.1): "caller identity claim,
// Curve25519 ephemeral public, nonce, protocol version, app-level
// virtual port."
type ClientHello struct {
	CallerIdentity  ident.Identity
	EphemeralPublic [32]byte
	Nonce           [16]byte
	ProtocolVersion uint32
	VirtualPort     uint16
}

// ServerHello is exchange 2 of 3: "callee identity and cert chain,
// server ephemeral public, nonce, selected crypto parameters, signed
// handshake transcript."
type ServerHello struct {
	CalleeIdentity    ident.Identity
	CertChain         []*certstore.Cert
	EphemeralPublic   [32]byte
	Nonce             [16]byte
	TranscriptSig     []byte // signed by the leaf cert's private key
}

// ClientFinish is exchange 3 of 3: "acknowledging server identity and
// completing transcript authentication."
type ClientFinish struct {
	TranscriptSig []byte // signed by the caller's own identity key, if any
}

func encodeString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

func decodeString(buf []byte) (string, []byte, error) {
	n, sz := binary.Uvarint(buf)
	if sz <= 0 || uint64(len(buf)-sz) < n {
		return "", nil, verr.New(verr.ReasonProtocolVersion, "truncated handshake string")
	}
	return string(buf[sz : sz+int(n)]), buf[sz+int(n):], nil
}

// EncodeClientHello serializes a ClientHello; this byte form is also
// the first segment of the handshake transcript that gets signed.
func EncodeClientHello(h ClientHello) []byte {
	var out []byte
	out = encodeString(out, h.CallerIdentity.String())
	out = append(out, h.EphemeralPublic[:]...)
	out = append(out, h.Nonce[:]...)
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], h.ProtocolVersion)
	out = append(out, v[:]...)
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], h.VirtualPort)
	out = append(out, p[:]...)
	return out
}

func DecodeClientHello(buf []byte) (ClientHello, error) {
	s, rest, err := decodeString(buf)
	if err != nil {
		return ClientHello{}, err
	}
	id, err := ident.Parse(s)
	if err != nil {
		return ClientHello{}, verr.Wrap(verr.ReasonProtocolVersion, "client hello identity", err)
	}
	if len(rest) < 32+16+4+2 {
		return ClientHello{}, verr.New(verr.ReasonProtocolVersion, "truncated client hello")
	}
	var h ClientHello
	h.CallerIdentity = id
	copy(h.EphemeralPublic[:], rest[:32])
	rest = rest[32:]
	copy(h.Nonce[:], rest[:16])
	rest = rest[16:]
	h.ProtocolVersion = binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	h.VirtualPort = binary.BigEndian.Uint16(rest[:2])
	return h, nil
}

// transcriptSoFar is the deterministic byte sequence the ServerHello
// and ClientFinish signatures authenticate: every prior handshake
// message's encoded bytes, concatenated in exchange order (spec
// §4.1: "Session keys derive deterministically from HMAC-SHA256 over
// the transcript").
func transcriptSoFar(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = binary.AppendUvarint(out, uint64(len(p)))
		out = append(out, p...)
	}
	return out
}

// encodeServerHelloBody encodes everything in ServerHello except the
// signature (the part that gets signed).
func encodeServerHelloBody(h ServerHello) []byte {
	var out []byte
	out = encodeString(out, h.CalleeIdentity.String())
	out = binary.AppendUvarint(out, uint64(len(h.CertChain)))
	for _, c := range h.CertChain {
		cb := encodeCert(c)
		out = binary.AppendUvarint(out, uint64(len(cb)))
		out = append(out, cb...)
	}
	out = append(out, h.EphemeralPublic[:]...)
	out = append(out, h.Nonce[:]...)
	return out
}

// encodeRestrictions/decodeRestrictions carry a cert's app-ID/POP-ID
// restriction sets over the wire (certstore.Restrictions). These are
// part of what certstore.Cert.SignableBytes() signs, so a ServerHello
// carrying a restricted cert must round-trip them exactly: a decoder
// that dropped them would reconstruct a cert whose SignableBytes()
// no longer matches the signature it arrived with (spec §4.8, §8 S3/S4).
// nil (unrestricted) and a present-but-empty set are distinguished by
// a leading presence byte, matching SignableBytes' own nil-vs-empty
// distinction.
func encodeRestrictions(r certstore.Restrictions) []byte {
	var out []byte
	if r.Apps == nil {
		out = append(out, 0)
	} else {
		out = append(out, 1)
		apps := make([]uint32, 0, len(r.Apps))
		for a := range r.Apps {
			apps = append(apps, a)
		}
		sort.Slice(apps, func(i, j int) bool { return apps[i] < apps[j] })
		out = binary.AppendUvarint(out, uint64(len(apps)))
		for _, a := range apps {
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], a)
			out = append(out, b[:]...)
		}
	}
	if r.Pops == nil {
		out = append(out, 0)
	} else {
		out = append(out, 1)
		pops := make([]string, 0, len(r.Pops))
		for p := range r.Pops {
			pops = append(pops, p)
		}
		sort.Strings(pops)
		out = binary.AppendUvarint(out, uint64(len(pops)))
		for _, p := range pops {
			out = encodeString(out, p)
		}
	}
	return out
}

func decodeRestrictions(buf []byte) (certstore.Restrictions, []byte, error) {
	var r certstore.Restrictions
	if len(buf) < 1 {
		return r, nil, verr.New(verr.ReasonProtocolVersion, "truncated cert restrictions")
	}
	appsPresent := buf[0]
	buf = buf[1:]
	if appsPresent != 0 {
		n, sz := binary.Uvarint(buf)
		if sz <= 0 || uint64(len(buf)-sz) < n*4 {
			return r, nil, verr.New(verr.ReasonProtocolVersion, "truncated cert restriction apps")
		}
		buf = buf[sz:]
		apps := make([]uint32, 0, n)
		for i := uint64(0); i < n; i++ {
			apps = append(apps, binary.BigEndian.Uint32(buf[:4]))
			buf = buf[4:]
		}
		r.Apps = make(map[uint32]struct{}, len(apps))
		for _, a := range apps {
			r.Apps[a] = struct{}{}
		}
	}
	if len(buf) < 1 {
		return r, nil, verr.New(verr.ReasonProtocolVersion, "truncated cert restrictions")
	}
	popsPresent := buf[0]
	buf = buf[1:]
	if popsPresent != 0 {
		n, sz := binary.Uvarint(buf)
		if sz <= 0 {
			return r, nil, verr.New(verr.ReasonProtocolVersion, "truncated cert restriction pops")
		}
		buf = buf[sz:]
		pops := make([]string, 0, n)
		for i := uint64(0); i < n; i++ {
			var p string
			var err error
			p, buf, err = decodeString(buf)
			if err != nil {
				return r, nil, err
			}
			pops = append(pops, p)
		}
		r.Pops = make(map[string]struct{}, len(pops))
		for _, p := range pops {
			r.Pops[p] = struct{}{}
		}
	}
	return r, buf, nil
}

func encodeCert(c *certstore.Cert) []byte {
	var out []byte
	out = encodeString(out, string(c.PublicKey))
	out = append(out, c.CAKeyID[:]...)
	var t [16]byte
	binary.BigEndian.PutUint64(t[0:8], uint64(c.NotBefore.Unix()))
	binary.BigEndian.PutUint64(t[8:16], uint64(c.NotAfter.Unix()))
	out = append(out, t[:]...)
	out = append(out, encodeRestrictions(c.Restrictions)...)
	out = binary.AppendUvarint(out, uint64(len(c.Signature)))
	out = append(out, c.Signature...)
	return out
}

func decodeCert(buf []byte) (*certstore.Cert, []byte, error) {
	pubStr, rest, err := decodeString(buf)
	if err != nil {
		return nil, nil, err
	}
	if len(rest) < 32+16 {
		return nil, nil, verr.New(verr.ReasonProtocolVersion, "truncated certificate")
	}
	c := &certstore.Cert{PublicKey: ed25519.PublicKey(pubStr)}
	copy(c.CAKeyID[:], rest[:32])
	rest = rest[32:]
	c.NotBefore = time.Unix(int64(binary.BigEndian.Uint64(rest[0:8])), 0).UTC()
	c.NotAfter = time.Unix(int64(binary.BigEndian.Uint64(rest[8:16])), 0).UTC()
	rest = rest[16:]
	c.Restrictions, rest, err = decodeRestrictions(rest)
	if err != nil {
		return nil, nil, err
	}
	n, sz := binary.Uvarint(rest)
	if sz <= 0 || uint64(len(rest)-sz) < n {
		return nil, nil, verr.New(verr.ReasonProtocolVersion, "truncated certificate signature")
	}
	c.Signature = append([]byte(nil), rest[sz:sz+int(n)]...)
	return c, rest[sz+int(n):], nil
}

// encodeServerHelloWire serializes the full ServerHello, signature
// included, for transmission as an unconnected ControlHandshakeReply
// packet.
func encodeServerHelloWire(h ServerHello) []byte {
	out := encodeServerHelloBody(h)
	out = binary.AppendUvarint(out, uint64(len(h.TranscriptSig)))
	out = append(out, h.TranscriptSig...)
	return out
}

// decodeServerHelloWire is the inverse of encodeServerHelloWire.
func decodeServerHelloWire(buf []byte) (ServerHello, error) {
	var h ServerHello
	s, rest, err := decodeString(buf)
	if err != nil {
		return h, err
	}
	id, err := ident.Parse(s)
	if err != nil {
		return h, verr.Wrap(verr.ReasonProtocolVersion, "server hello identity", err)
	}
	h.CalleeIdentity = id

	count, sz := binary.Uvarint(rest)
	if sz <= 0 {
		return h, verr.New(verr.ReasonProtocolVersion, "truncated server hello cert count")
	}
	rest = rest[sz:]
	for i := uint64(0); i < count; i++ {
		n, sz := binary.Uvarint(rest)
		if sz <= 0 || uint64(len(rest)-sz) < n {
			return h, verr.New(verr.ReasonProtocolVersion, "truncated server hello cert")
		}
		certBytes := rest[sz : sz+int(n)]
		rest = rest[sz+int(n):]
		c, _, err := decodeCert(certBytes)
		if err != nil {
			return h, err
		}
		h.CertChain = append(h.CertChain, c)
	}

	if len(rest) < 32+16 {
		return h, verr.New(verr.ReasonProtocolVersion, "truncated server hello")
	}
	copy(h.EphemeralPublic[:], rest[:32])
	rest = rest[32:]
	copy(h.Nonce[:], rest[:16])
	rest = rest[16:]

	n, sz := binary.Uvarint(rest)
	if sz <= 0 || uint64(len(rest)-sz) < n {
		return h, verr.New(verr.ReasonProtocolVersion, "truncated server hello signature")
	}
	h.TranscriptSig = append([]byte(nil), rest[sz:sz+int(n)]...)
	return h, nil
}

// EncodeClientFinishWire serializes a ClientFinish for transmission as
// an unconnected ControlHandshakeFinish packet.
func EncodeClientFinishWire(f ClientFinish) []byte {
	var out []byte
	out = binary.AppendUvarint(out, uint64(len(f.TranscriptSig)))
	out = append(out, f.TranscriptSig...)
	return out
}

// DecodeClientFinishWire is the inverse of EncodeClientFinishWire.
func DecodeClientFinishWire(buf []byte) (ClientFinish, error) {
	n, sz := binary.Uvarint(buf)
	if sz <= 0 || uint64(len(buf)-sz) < n {
		return ClientFinish{}, verr.New(verr.ReasonProtocolVersion, "truncated client finish")
	}
	return ClientFinish{TranscriptSig: append([]byte(nil), buf[sz:sz+int(n)]...)}, nil
}

// DecodeServerHelloWire exposes decodeServerHelloWire for use outside
// the package (the owner decodes an inbound ControlHandshakeReply
// packet's body before calling Conn.RecvHandshakeReply).
func DecodeServerHelloWire(buf []byte) (ServerHello, error) {
	return decodeServerHelloWire(buf)
}

// BuildServerHelloTranscript is the byte sequence a ServerHello's
// TranscriptSig is computed over: the ClientHello bytes followed by
// the unsigned ServerHello body.
func BuildServerHelloTranscript(clientHelloBytes []byte, h ServerHello) []byte {
	return transcriptSoFar(clientHelloBytes, encodeServerHelloBody(h))
}

// SignServerHello fills in h.TranscriptSig using the callee's leaf
// certificate private key.
func SignServerHello(priv ed25519.PrivateKey, clientHelloBytes []byte, h *ServerHello) {
	h.TranscriptSig = vcrypto.SignTranscript(priv, BuildServerHelloTranscript(clientHelloBytes, *h))
}

// VerifyServerHello checks the ServerHello's cert chain against store
// and its transcript signature against the leaf cert's public key
// (spec §4.1 step 2, §4.8, §8 S3/S4).
func VerifyServerHello(store *certstore.Store, clientHelloBytes []byte, h ServerHello, now time.Time) error {
	if len(h.CertChain) == 0 {
		return verr.New(verr.ReasonAuthenticationFailure, "server hello carries no certificate")
	}
	leaf := h.CertChain[0]
	for _, c := range h.CertChain {
		store.AddCert(c)
	}
	if err := store.CheckCert(leaf, now); err != nil {
		return err
	}
	if !vcrypto.VerifyTranscript(leaf.PublicKey, BuildServerHelloTranscript(clientHelloBytes, h), h.TranscriptSig) {
		return verr.New(verr.ReasonAuthenticationFailure, "server hello transcript signature invalid")
	}
	return nil
}

// BuildClientFinishTranscript is the byte sequence a ClientFinish
// acknowledges: ClientHello || ServerHello body || ServerHello sig.
func BuildClientFinishTranscript(clientHelloBytes []byte, serverHello ServerHello) []byte {
	return transcriptSoFar(clientHelloBytes, encodeServerHelloBody(serverHello), serverHello.TranscriptSig)
}

// DeriveHandshakeSessionKeys computes the shared secret from both
// ephemeral Curve25519 keys and expands it over the full transcript
// into the four per-direction AEAD keys (spec §4.1). The transcript
// used here is BuildServerHelloTranscript's output: ClientHello plus
// the unsigned ServerHello body. Both sides can compute this as soon
// as they know ServerHello, independent of ClientFinish, so data can
// flow in both directions before the caller's identity is confirmed.
func DeriveHandshakeSessionKeys(localPrivate, peerPublic [32]byte, fullTranscript []byte) (vcrypto.SessionKeys, error) {
	secret, err := vcrypto.ComputeSharedSecret(localPrivate, peerPublic)
	if err != nil {
		return vcrypto.SessionKeys{}, err
	}
	return vcrypto.DeriveSessionKeys(secret, fullTranscript)
}

// SignClientFinish fills in f.TranscriptSig using the caller's own
// identity private key. Callers with no persistent identity key (an
// anonymous or IP-only caller, spec §6 `IP_AllowWithoutAuth`) leave
// TranscriptSig empty; VerifyClientFinish treats that as acceptable
// exactly when the caller identity carries no public key to check
// against.
func SignClientFinish(priv ed25519.PrivateKey, clientHelloBytes []byte, serverHello ServerHello, f *ClientFinish) {
	f.TranscriptSig = vcrypto.SignTranscript(priv, BuildClientFinishTranscript(clientHelloBytes, serverHello))
}

// VerifyClientFinish checks a ClientFinish against the caller's public
// key, when one is available (spec §4.1 step 3, §4.8). callerPub may
// be nil for an identity kind that carries no verifiable public key,
// in which case an empty TranscriptSig is accepted.
func VerifyClientFinish(callerPub ed25519.PublicKey, clientHelloBytes []byte, serverHello ServerHello, f ClientFinish) error {
	if len(callerPub) == 0 {
		return nil
	}
	if !vcrypto.VerifyTranscript(callerPub, BuildClientFinishTranscript(clientHelloBytes, serverHello), f.TranscriptSig) {
		return verr.New(verr.ReasonAuthenticationFailure, "client finish transcript signature invalid")
	}
	return nil
}
