package conn

import (
	"crypto/ed25519"
	"time"

	"github.com/vnet-io/velum/certstore"
	"github.com/vnet-io/velum/clock"
	"github.com/vnet-io/velum/ident"
	"github.com/vnet-io/velum/vcrypto"
	"github.com/vnet-io/velum/verr"
)

// AppConnect begins the caller side of the handshake (spec §4.1 event
// AppConnect): generates an ephemeral key pair, builds the
// ClientHello, and returns its wire bytes for the owner to send as an
// unconnected ControlHandshakeRequest packet.
func (c *Conn) AppConnect(now clock.Time, localIdentity, peerIdentity ident.Identity, peerAddr ident.IPAddress, virtualPort uint16) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateNone {
		return nil, verr.New(verr.ReasonInvalidState, "AppConnect on a connection already in use")
	}

	kp, err := vcrypto.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, err
	}
	var nonce [16]byte
	if err := fillRandom(nonce[:]); err != nil {
		return nil, err
	}

	c.LocalIdentity = localIdentity
	c.PeerIdentity = peerIdentity
	c.PeerAddr = peerAddr
	c.Role = RoleCaller

	hello := ClientHello{
		CallerIdentity:  localIdentity,
		EphemeralPublic: kp.Public,
		Nonce:           nonce,
		ProtocolVersion: ProtocolVersion,
		VirtualPort:     virtualPort,
	}
	helloBytes := EncodeClientHello(hello)

	c.hs = &handshakeState{localEphemeral: kp, clientHelloBytes: helloBytes}
	c.lastRecvAt = now
	c.setState(now, StateConnecting, 0, "")
	return helloBytes, nil
}

// AppAccept begins the callee side (spec §4.1 event AppAccept /
// RecvHandshakeRequest): decodes the inbound ClientHello, verifies its
// protocol version, generates a fresh server ephemeral key pair, signs
// a ServerHello against certChain's leaf private key, and returns the
// ServerHello bytes to send back.
func (c *Conn) AppAccept(now clock.Time, localIdentity ident.Identity, peerAddr ident.IPAddress, clientHelloBytes []byte, leafPriv ed25519.PrivateKey, certChain []*certstore.Cert) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateNone {
		return nil, verr.New(verr.ReasonInvalidState, "AppAccept on a connection already in use")
	}

	hello, err := DecodeClientHello(clientHelloBytes)
	if err != nil {
		return nil, err
	}
	if hello.ProtocolVersion != ProtocolVersion {
		return nil, verr.New(verr.ReasonProtocolVersion, "unsupported client protocol version")
	}

	kp, err := vcrypto.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, err
	}
	var nonce [16]byte
	if err := fillRandom(nonce[:]); err != nil {
		return nil, err
	}

	c.LocalIdentity = localIdentity
	c.PeerIdentity = hello.CallerIdentity
	c.PeerAddr = peerAddr
	c.Role = RoleCallee

	serverHello := ServerHello{
		CalleeIdentity:  localIdentity,
		CertChain:       certChain,
		EphemeralPublic: kp.Public,
		Nonce:           nonce,
	}
	SignServerHello(leafPriv, clientHelloBytes, &serverHello)
	serverHelloBytes := encodeServerHelloWire(serverHello)

	fullTranscript := BuildServerHelloTranscript(clientHelloBytes, serverHello)
	keys, err := DeriveHandshakeSessionKeys(kp.Private, hello.EphemeralPublic, fullTranscript)
	if err != nil {
		return nil, err
	}
	if err := c.installSessionKeys(keys, RoleCallee); err != nil {
		return nil, err
	}

	c.hs = &handshakeState{
		localEphemeral:   kp,
		clientHelloBytes: append([]byte(nil), clientHelloBytes...),
		serverHelloBytes: serverHelloBytes,
		fullTranscript:   fullTranscript,
	}
	c.lastRecvAt = now
	c.setState(now, StateFindingRoute, 0, "")

	return serverHelloBytes, nil
}

// RecvHandshakeReply is the caller's handling of an inbound
// ServerHello (spec §4.1): verifies the cert chain and transcript
// signature, derives session keys, and returns the ClientFinish bytes
// to send. The caller installs its send/recv keys and transitions to
// Connected immediately; it does not wait for the callee to
// acknowledge ClientFinish before sending application data.
func (c *Conn) RecvHandshakeReply(now clock.Time, store *certstore.Store, serverHello ServerHello, callerPriv ed25519.PrivateKey) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnecting || c.hs == nil {
		return nil, verr.New(verr.ReasonInvalidState, "unexpected server hello")
	}

	if err := VerifyServerHello(store, c.hs.clientHelloBytes, serverHello, time.Now()); err != nil {
		c.onFatalError(now, uint32(verr.ReasonAuthenticationFailure), err.Error())
		return nil, err
	}

	fullTranscript := BuildServerHelloTranscript(c.hs.clientHelloBytes, serverHello)
	keys, err := DeriveHandshakeSessionKeys(c.hs.localEphemeral.Private, serverHello.EphemeralPublic, fullTranscript)
	if err != nil {
		return nil, err
	}
	if err := c.installSessionKeys(keys, RoleCaller); err != nil {
		return nil, err
	}

	var finish ClientFinish
	if callerPriv != nil {
		SignClientFinish(callerPriv, c.hs.clientHelloBytes, serverHello, &finish)
	}
	finishBytes := EncodeClientFinishWire(finish)

	c.lastRecvAt = now
	c.setState(now, StateConnected, 0, "")
	return finishBytes, nil
}

// RecvHandshakeFinish is the callee's handling of an inbound
// ClientFinish (spec §4.1): verifies the caller's identity signature
// (when one is expected) and transitions to Connected.
func (c *Conn) RecvHandshakeFinish(now clock.Time, callerPub ed25519.PublicKey, finish ClientFinish, serverHello ServerHello) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateFindingRoute || c.hs == nil {
		return verr.New(verr.ReasonInvalidState, "unexpected client finish")
	}
	if err := VerifyClientFinish(callerPub, c.hs.clientHelloBytes, serverHello, finish); err != nil {
		c.onFatalError(now, uint32(verr.ReasonAuthenticationFailure), err.Error())
		return err
	}
	c.lastRecvAt = now
	c.setState(now, StateConnected, 0, "")
	return nil
}

// installSessionKeys builds the send/recv AEAD ciphers from the
// derived keys, keyed by role so each side's sender key matches the
// other's receiver key.
//
// Only the two *Data keys are used: acks ride inside the same TLV
// record as data and control frames (spec §6 wire format, frame type
// 0x01) and are sealed under the direction's Data AEAD key along with
// everything else in that packet, so a distinct Ack key is never
// needed to encrypt or authenticate anything this repository sends.
// keys.ClientToServerAck/ServerToClientAck are still derived by
// vcrypto.DeriveSessionKeys (so the derivation matches spec §4.1's
// "four keys are produced"), and are recorded as intentionally unused
// here rather than wired into a second cipher (see DESIGN.md).
func (c *Conn) installSessionKeys(keys vcrypto.SessionKeys, role Role) error {
	var sendKey, recvKey [32]byte
	if role == RoleCaller {
		sendKey, recvKey = keys.ClientToServerData, keys.ServerToClientData
	} else {
		sendKey, recvKey = keys.ServerToClientData, keys.ClientToServerData
	}
	sendCipher, err := vcrypto.NewRecordCipher(sendKey)
	if err != nil {
		return err
	}
	recvCipher, err := vcrypto.NewRecordCipher(recvKey)
	if err != nil {
		return err
	}
	c.sendCipher = sendCipher
	c.recvCipher = recvCipher
	return nil
}
