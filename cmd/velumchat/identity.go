package main

import (
	"crypto/ed25519"
	"time"

	"github.com/vnet-io/velum/certstore"
	"github.com/vnet-io/velum/vcrypto"
)

// demoRootSeed is a fixed Ed25519 seed so `serve` and `dial`, run as
// separate processes with no out-of-band exchange, trust the same
// root without a provisioning step. A real deployment distributes the
// root key out of band and never embeds its seed in the binary (spec
// §4.8); this is the demo-only stand-in the teacher's own
// generateTLSConfig (_examples/rustyguts-bken/server/tls.go)
// plays for a single self-signed leaf.
var demoRootSeed = [ed25519.SeedSize]byte{
	'v', 'e', 'l', 'u', 'm', 'c', 'h', 'a', 't', '-', 'd', 'e', 'm', 'o', '-', 'r',
	'o', 'o', 't', '-', 's', 'e', 'e', 'd', '-', 'f', 'i', 'x', 'e', 'd', '-', '1',
}

// bootstrapIdentity builds a trust store seeded with the fixed demo
// root, plus a freshly generated leaf cert (signed by that root) and
// private key this process presents as its own handshake identity.
// Grounded on certstore.go's own "root -> ... -> leaf chain" shape
// (spec §4.8).
func bootstrapIdentity() (store *certstore.Store, leafPriv ed25519.PrivateKey, chain []*certstore.Cert, callerPub ed25519.PublicKey, callerPriv ed25519.PrivateKey, err error) {
	rootPriv := ed25519.NewKeyFromSeed(demoRootSeed[:])
	rootPub := rootPriv.Public().(ed25519.PublicKey)

	leafPub, leafPriv, err := vcrypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	callerPub, callerPriv, err = vcrypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	now := time.Now()
	leaf := &certstore.Cert{
		PublicKey: leafPub,
		CAKeyID:   certstore.KeyIDFromPublicKey(rootPub),
		NotBefore: now.Add(-time.Hour),
		NotAfter:  now.Add(10 * 365 * 24 * time.Hour),
	}
	leaf.Sign(rootPriv)

	store = certstore.NewStore()
	store.AddRoot(rootPub)

	return store, leafPriv, []*certstore.Cert{leaf}, callerPub, callerPriv, nil
}
