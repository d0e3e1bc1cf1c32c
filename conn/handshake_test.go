package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vnet-io/velum/certstore"
	"github.com/vnet-io/velum/ident"
	"github.com/vnet-io/velum/vcrypto"
)

// handshakeFixture builds a trusted root and a leaf cert issued under
// it, mirroring how a listen socket would be provisioned (spec §4.8).
func handshakeFixture(t *testing.T) (*certstore.Store, ed25519PubPriv, *certstore.Cert) {
	t.Helper()
	store := certstore.NewStore()
	rootPub, rootPriv, err := vcrypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	store.AddRoot(rootPub)

	leafPub, leafPriv, err := vcrypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	leaf := &certstore.Cert{
		PublicKey: leafPub,
		CAKeyID:   certstore.KeyIDFromPublicKey(rootPub),
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(time.Hour),
	}
	leaf.Sign(rootPriv)

	return store, ed25519PubPriv{pub: leafPub, priv: leafPriv}, leaf
}

type ed25519PubPriv struct {
	pub  []byte
	priv []byte
}

func TestHandshake_FullThreeWayExchange(t *testing.T) {
	store, leafKeys, leafCert := handshakeFixture(t)

	caller := New(1, RoleCaller, DefaultConfig(), 0, nil)
	callee := New(2, RoleCallee, DefaultConfig(), 0, nil)

	callerIdentity, err := ident.NewGenericString("caller")
	require.NoError(t, err)
	calleeIdentity, err := ident.NewGenericString("callee")
	require.NoError(t, err)
	peerAddr := ident.IPv4(127, 0, 0, 1, 9000)

	helloBytes, err := caller.AppConnect(0, callerIdentity, calleeIdentity, peerAddr, 1)
	require.NoError(t, err)
	require.Equal(t, StateConnecting, caller.State())

	serverHelloBytes, err := callee.AppAccept(0, calleeIdentity, peerAddr, helloBytes, leafKeys.priv, []*certstore.Cert{leafCert})
	require.NoError(t, err)
	require.Equal(t, StateFindingRoute, callee.State())

	serverHello, err := DecodeServerHelloWire(serverHelloBytes)
	require.NoError(t, err)

	finishBytes, err := caller.RecvHandshakeReply(0, store, serverHello, nil)
	require.NoError(t, err)
	require.Equal(t, StateConnected, caller.State())

	finish, err := DecodeClientFinishWire(finishBytes)
	require.NoError(t, err)

	err = callee.RecvHandshakeFinish(0, nil, finish, serverHello)
	require.NoError(t, err)
	require.Equal(t, StateConnected, callee.State())
}

// TestHandshake_RestrictedCertSurvivesWireRoundTrip covers spec §4.8 /
// §8 S3: a ServerHello carrying a cert with app-ID/POP-ID restrictions
// must still verify after the encode/decode round trip, since the
// signature covers the restriction sets (certstore.Cert.SignableBytes).
// Dropping them on the wire would make the decoded cert's
// SignableBytes() diverge from what was actually signed.
func TestHandshake_RestrictedCertSurvivesWireRoundTrip(t *testing.T) {
	store := certstore.NewStore()
	rootPub, rootPriv, err := vcrypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	store.AddRoot(rootPub)

	leafPub, leafPriv, err := vcrypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	leaf := &certstore.Cert{
		PublicKey:    leafPub,
		CAKeyID:      certstore.KeyIDFromPublicKey(rootPub),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		Restrictions: certstore.NewRestrictions([]uint32{730}, []string{"eat", "mwh"}),
	}
	leaf.Sign(rootPriv)

	caller := New(1, RoleCaller, DefaultConfig(), 0, nil)
	callee := New(2, RoleCallee, DefaultConfig(), 0, nil)

	callerIdentity, err := ident.NewGenericString("caller")
	require.NoError(t, err)
	calleeIdentity, err := ident.NewGenericString("callee")
	require.NoError(t, err)
	peerAddr := ident.IPv4(127, 0, 0, 1, 9000)

	helloBytes, err := caller.AppConnect(0, callerIdentity, calleeIdentity, peerAddr, 1)
	require.NoError(t, err)

	serverHelloBytes, err := callee.AppAccept(0, calleeIdentity, peerAddr, helloBytes, leafPriv, []*certstore.Cert{leaf})
	require.NoError(t, err)

	serverHello, err := DecodeServerHelloWire(serverHelloBytes)
	require.NoError(t, err)
	require.Len(t, serverHello.CertChain, 1)

	decodedLeaf := serverHello.CertChain[0]
	require.NotNil(t, decodedLeaf.Restrictions.Apps)
	_, has730 := decodedLeaf.Restrictions.Apps[730]
	require.True(t, has730)
	require.NotNil(t, decodedLeaf.Restrictions.Pops)
	_, hasEAT := decodedLeaf.Restrictions.Pops["eat"]
	require.True(t, hasEAT)

	_, err = caller.RecvHandshakeReply(0, store, serverHello, nil)
	require.NoError(t, err)
	require.Equal(t, StateConnected, caller.State())

	require.True(t, store.CheckCertAppID(decodedLeaf, time.Now(), 730))
	require.False(t, store.CheckCertAppID(decodedLeaf, time.Now(), 570))
}

func TestHandshake_RejectsTamperedServerHelloSignature(t *testing.T) {
	store, leafKeys, leafCert := handshakeFixture(t)

	caller := New(1, RoleCaller, DefaultConfig(), 0, nil)
	callee := New(2, RoleCallee, DefaultConfig(), 0, nil)

	callerIdentity, _ := ident.NewGenericString("caller")
	calleeIdentity, _ := ident.NewGenericString("callee")
	peerAddr := ident.IPv4(127, 0, 0, 1, 9000)

	helloBytes, err := caller.AppConnect(0, callerIdentity, calleeIdentity, peerAddr, 1)
	require.NoError(t, err)

	serverHelloBytes, err := callee.AppAccept(0, calleeIdentity, peerAddr, helloBytes, leafKeys.priv, []*certstore.Cert{leafCert})
	require.NoError(t, err)

	serverHello, err := DecodeServerHelloWire(serverHelloBytes)
	require.NoError(t, err)
	serverHello.TranscriptSig[0] ^= 0xff

	_, err = caller.RecvHandshakeReply(0, store, serverHello, nil)
	require.Error(t, err)
	require.Equal(t, StateProblemDetectedLocally, caller.State())
}

func TestHandshake_RejectsUntrustedRoot(t *testing.T) {
	_, leafKeys, leafCert := handshakeFixture(t)
	otherStore := certstore.NewStore() // never saw the root that issued leafCert

	caller := New(1, RoleCaller, DefaultConfig(), 0, nil)
	callee := New(2, RoleCallee, DefaultConfig(), 0, nil)

	callerIdentity, _ := ident.NewGenericString("caller")
	calleeIdentity, _ := ident.NewGenericString("callee")
	peerAddr := ident.IPv4(127, 0, 0, 1, 9000)

	helloBytes, err := caller.AppConnect(0, callerIdentity, calleeIdentity, peerAddr, 1)
	require.NoError(t, err)

	serverHelloBytes, err := callee.AppAccept(0, calleeIdentity, peerAddr, helloBytes, leafKeys.priv, []*certstore.Cert{leafCert})
	require.NoError(t, err)
	serverHello, err := DecodeServerHelloWire(serverHelloBytes)
	require.NoError(t, err)

	_, err = caller.RecvHandshakeReply(0, otherStore, serverHello, nil)
	require.Error(t, err)
}

func TestHandshake_AuthenticatedClientFinishRoundTrips(t *testing.T) {
	store, leafKeys, leafCert := handshakeFixture(t)
	callerPub, callerPriv, err := vcrypto.GenerateSigningKeyPair()
	require.NoError(t, err)

	caller := New(1, RoleCaller, DefaultConfig(), 0, nil)
	callee := New(2, RoleCallee, DefaultConfig(), 0, nil)

	callerIdentity, _ := ident.NewGenericString("caller")
	calleeIdentity, _ := ident.NewGenericString("callee")
	peerAddr := ident.IPv4(127, 0, 0, 1, 9000)

	helloBytes, err := caller.AppConnect(0, callerIdentity, calleeIdentity, peerAddr, 1)
	require.NoError(t, err)
	serverHelloBytes, err := callee.AppAccept(0, calleeIdentity, peerAddr, helloBytes, leafKeys.priv, []*certstore.Cert{leafCert})
	require.NoError(t, err)
	serverHello, err := DecodeServerHelloWire(serverHelloBytes)
	require.NoError(t, err)

	finishBytes, err := caller.RecvHandshakeReply(0, store, serverHello, callerPriv)
	require.NoError(t, err)
	finish, err := DecodeClientFinishWire(finishBytes)
	require.NoError(t, err)

	err = callee.RecvHandshakeFinish(0, callerPub, finish, serverHello)
	require.NoError(t, err)
	require.Equal(t, StateConnected, callee.State())
}

func TestHandshake_RejectsForgedClientFinish(t *testing.T) {
	store, leafKeys, leafCert := handshakeFixture(t)
	callerPub, _, err := vcrypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	_, forgedPriv, err := vcrypto.GenerateSigningKeyPair()
	require.NoError(t, err)

	caller := New(1, RoleCaller, DefaultConfig(), 0, nil)
	callee := New(2, RoleCallee, DefaultConfig(), 0, nil)

	callerIdentity, _ := ident.NewGenericString("caller")
	calleeIdentity, _ := ident.NewGenericString("callee")
	peerAddr := ident.IPv4(127, 0, 0, 1, 9000)

	helloBytes, err := caller.AppConnect(0, callerIdentity, calleeIdentity, peerAddr, 1)
	require.NoError(t, err)
	serverHelloBytes, err := callee.AppAccept(0, calleeIdentity, peerAddr, helloBytes, leafKeys.priv, []*certstore.Cert{leafCert})
	require.NoError(t, err)
	serverHello, err := DecodeServerHelloWire(serverHelloBytes)
	require.NoError(t, err)

	finishBytes, err := caller.RecvHandshakeReply(0, store, serverHello, forgedPriv)
	require.NoError(t, err)
	finish, err := DecodeClientFinishWire(finishBytes)
	require.NoError(t, err)

	err = callee.RecvHandshakeFinish(0, callerPub, finish, serverHello)
	require.Error(t, err)
	require.Equal(t, StateProblemDetectedLocally, callee.State())
}
