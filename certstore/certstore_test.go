package certstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vnet-io/velum/certstore"
	"github.com/vnet-io/velum/vcrypto"
	"github.com/vnet-io/velum/verr"
)

// buildChain builds root K0, intermediate C1(CA=K0, apps={730},
// pop={eat,mwh}), and leaf C2(CA=C1, pop={eat,mwh,iad}), matching
// spec §8 S3/S4 exactly.
func buildChain(t *testing.T) (*certstore.Store, *certstore.Cert, certstore.KeyID) {
	t.Helper()
	now := time.Now()

	rootPub, rootPriv, err := vcrypto.GenerateSigningKeyPair()
	require.NoError(t, err)

	store := certstore.NewStore()
	rootID := store.AddRoot(rootPub)

	c1Pub, c1Priv, err := vcrypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	c1 := &certstore.Cert{
		PublicKey:    c1Pub,
		CAKeyID:      rootID,
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(time.Hour),
		Restrictions: certstore.NewRestrictions([]uint32{730}, []string{"eat", "mwh"}),
	}
	c1.Sign(rootPriv)
	store.AddCert(c1)

	c2Pub, _, err := vcrypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	c2 := &certstore.Cert{
		PublicKey:    c2Pub,
		CAKeyID:      c1.KeyID(),
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(time.Hour),
		Restrictions: certstore.NewRestrictions(nil, []string{"eat", "mwh", "iad"}),
	}
	c2.Sign(c1Priv)

	return store, c2, c1.KeyID()
}

// TestCertChainCheckAndRestrictionIntersection covers S3.
func TestCertChainCheckAndRestrictionIntersection(t *testing.T) {
	store, c2, _ := buildChain(t)
	now := time.Now()

	require.NoError(t, store.CheckCert(c2, now))

	require.True(t, store.CheckCertAppID(c2, now, 730))
	require.False(t, store.CheckCertAppID(c2, now, 570))

	require.True(t, store.CheckCertPOPID(c2, now, "mwh"))
	require.False(t, store.CheckCertPOPID(c2, now, "iad"), "iad must be intersected away by C1's pop set")
}

// TestCertChainRevocationFailsCheck covers S4.
func TestCertChainRevocationFailsCheck(t *testing.T) {
	store, c2, c1ID := buildChain(t)
	now := time.Now()

	require.NoError(t, store.CheckCert(c2, now))

	store.Revoke(c1ID)

	err := store.CheckCert(c2, now)
	require.Error(t, err)
	require.True(t, verr.IsReason(err, verr.ReasonAuthenticationFailure))
}

func TestCertChainRejectsExpiredCert(t *testing.T) {
	store, c2, _ := buildChain(t)
	future := time.Now().Add(48 * time.Hour)
	require.Error(t, store.CheckCert(c2, future))
}

func TestCertChainRejectsTamperedSignature(t *testing.T) {
	store, c2, _ := buildChain(t)
	c2.Signature[0] ^= 0xff
	require.Error(t, store.CheckCert(c2, time.Now()))
}

func TestCertChainRejectsUnknownCA(t *testing.T) {
	store, c2, _ := buildChain(t)
	c2.CAKeyID = certstore.KeyID{0xff}
	require.Error(t, store.CheckCert(c2, time.Now()))
}
