// Package certstore implements the certificate chain store from spec
// §4.8: a set of trusted root public keys, issued-cert records with
// app-ID/POP-ID restrictions that intersect down the chain, and a
// revocation set.
//
// Grounded on _examples/rustyguts-bken/server/tls.go for the
// "generate a signing key, stamp a validity window, fingerprint it"
// shape (we keep the validity window and a SHA-256 key fingerprint as
// KeyID, with no serial number field, swapped
// from ECDSA self-signed leaves to an Ed25519 root → intermediate →
// leaf chain) and on
// original_source/src/steamnetworkingsockets/certtool and
// original_source/src/common/steamid.h for the chain-verification and
// restriction-intersection semantics (spec §8 S3/S4).
package certstore

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vnet-io/velum/vcrypto"
	"github.com/vnet-io/velum/verr"
)

// KeyID identifies a public key within the store, derived as
// SHA-256(rawPublicKey).
type KeyID [32]byte

func KeyIDFromPublicKey(pub ed25519.PublicKey) KeyID {
	return sha256.Sum256(pub)
}

func (k KeyID) String() string {
	return fmt.Sprintf("%x", k[:8])
}

// Restrictions is the app-ID/POP-ID permission set carried by a cert
// link. A nil set means "unrestricted" (permits everything); a
// non-nil empty set means "permits nothing".
type Restrictions struct {
	Apps map[uint32]struct{} // nil = unrestricted
	Pops map[string]struct{} // nil = unrestricted
}

func NewRestrictions(apps []uint32, pops []string) Restrictions {
	var r Restrictions
	if apps != nil {
		r.Apps = make(map[uint32]struct{}, len(apps))
		for _, a := range apps {
			r.Apps[a] = struct{}{}
		}
	}
	if pops != nil {
		r.Pops = make(map[string]struct{}, len(pops))
		for _, p := range pops {
			r.Pops[p] = struct{}{}
		}
	}
	return r
}

func (r Restrictions) allowsApp(app uint32) bool {
	if r.Apps == nil {
		return true
	}
	_, ok := r.Apps[app]
	return ok
}

func (r Restrictions) allowsPop(pop string) bool {
	if r.Pops == nil {
		return true
	}
	_, ok := r.Pops[pop]
	return ok
}

// intersect composes two links' restriction sets per spec §4.8:
// "restrictions compose by intersection".
func intersect(a, b Restrictions) Restrictions {
	return Restrictions{
		Apps: intersectUint32Sets(a.Apps, b.Apps),
		Pops: intersectStringSets(a.Pops, b.Pops),
	}
}

func intersectUint32Sets(a, b map[uint32]struct{}) map[uint32]struct{} {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	out := make(map[uint32]struct{})
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

func intersectStringSets(a, b map[string]struct{}) map[string]struct{} {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	out := make(map[string]struct{})
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

// Cert is one link in a certificate chain (spec §4.8: "{ keyID,
// publicKey, CA keyID, valid times, restrictions }").
type Cert struct {
	PublicKey    ed25519.PublicKey
	CAKeyID      KeyID // zero value never matches a real key; roots are looked up separately
	NotBefore    time.Time
	NotAfter     time.Time
	Restrictions Restrictions
	Signature    []byte // Ed25519 signature by the CA's private key over SignableBytes()
}

func (c *Cert) KeyID() KeyID {
	return KeyIDFromPublicKey(c.PublicKey)
}

// SignableBytes is the deterministic encoding a CA signs over: every
// field except the signature itself, in a fixed order.
func (c *Cert) SignableBytes() []byte {
	var out []byte
	out = append(out, c.PublicKey...)
	out = append(out, c.CAKeyID[:]...)

	var tbuf [16]byte
	binary.BigEndian.PutUint64(tbuf[0:8], uint64(c.NotBefore.Unix()))
	binary.BigEndian.PutUint64(tbuf[8:16], uint64(c.NotAfter.Unix()))
	out = append(out, tbuf[:]...)

	apps := make([]uint32, 0, len(c.Restrictions.Apps))
	for a := range c.Restrictions.Apps {
		apps = append(apps, a)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i] < apps[j] })
	out = append(out, byte(0)) // tag: unrestricted-apps marker
	if c.Restrictions.Apps == nil {
		out[len(out)-1] = 0
	} else {
		out[len(out)-1] = 1
		for _, a := range apps {
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], a)
			out = append(out, b[:]...)
		}
	}

	pops := make([]string, 0, len(c.Restrictions.Pops))
	for p := range c.Restrictions.Pops {
		pops = append(pops, p)
	}
	sort.Strings(pops)
	if c.Restrictions.Pops == nil {
		out = append(out, 0)
	} else {
		out = append(out, 1)
		for _, p := range pops {
			out = append(out, byte(len(p)))
			out = append(out, p...)
		}
	}
	return out
}

// Sign stamps the cert's signature using the issuing CA's private key.
func (c *Cert) Sign(caPriv ed25519.PrivateKey) {
	c.Signature = vcrypto.SignTranscript(caPriv, c.SignableBytes())
}

// Store holds trusted roots, issued-cert records, and revocations
// (spec §4.8).
type Store struct {
	mu      sync.RWMutex
	roots   map[KeyID]ed25519.PublicKey
	certs   map[KeyID]*Cert
	revoked map[KeyID]bool
}

func NewStore() *Store {
	return &Store{
		roots:   make(map[KeyID]ed25519.PublicKey),
		certs:   make(map[KeyID]*Cert),
		revoked: make(map[KeyID]bool),
	}
}

// AddRoot registers a hardcoded trusted root public key.
func (s *Store) AddRoot(pub ed25519.PublicKey) KeyID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := KeyIDFromPublicKey(pub)
	s.roots[id] = pub
	return id
}

// AddCert indexes an intermediate or leaf cert by its own key ID so
// later certs can reference it as their CA link.
func (s *Store) AddCert(c *Cert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs[c.KeyID()] = c
}

// Revoke marks a key ID as revoked; any chain containing it will fail
// CheckCert from that point on (spec §8 S4).
func (s *Store) Revoke(id KeyID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[id] = true
}

const maxChainDepth = 16

// effectiveRestrictions walks the chain from cert up to a trusted
// root, validating each link's window, revocation status, and
// signature, and intersecting restrictions along the way (spec
// §4.8).
func (s *Store) effectiveRestrictions(cert *Cert, now time.Time) (Restrictions, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	effective := cert.Restrictions
	cur := cert

	for depth := 0; ; depth++ {
		if depth > maxChainDepth {
			return Restrictions{}, verr.New(verr.ReasonAuthenticationFailure, "certificate chain too long")
		}
		if now.Before(cur.NotBefore) || now.After(cur.NotAfter) {
			return Restrictions{}, verr.New(verr.ReasonAuthenticationFailure, "certificate not valid at this time")
		}
		if s.revoked[cur.KeyID()] {
			return Restrictions{}, verr.New(verr.ReasonAuthenticationFailure, "certificate key is revoked")
		}

		if rootPub, ok := s.roots[cur.CAKeyID]; ok {
			if !vcrypto.VerifyTranscript(rootPub, cur.SignableBytes(), cur.Signature) {
				return Restrictions{}, verr.New(verr.ReasonAuthenticationFailure, "signature does not verify against trusted root")
			}
			return effective, nil
		}

		parent, ok := s.certs[cur.CAKeyID]
		if !ok {
			return Restrictions{}, verr.New(verr.ReasonAuthenticationFailure, "unknown issuing CA key")
		}
		if !vcrypto.VerifyTranscript(parent.PublicKey, cur.SignableBytes(), cur.Signature) {
			return Restrictions{}, verr.New(verr.ReasonAuthenticationFailure, "signature does not verify against issuing CA")
		}

		effective = intersect(effective, parent.Restrictions)
		cur = parent
	}
}

// CheckCert verifies the full chain back to a trusted root (spec
// §4.8, §8 S3/S4).
func (s *Store) CheckCert(cert *Cert, now time.Time) error {
	_, err := s.effectiveRestrictions(cert, now)
	return err
}

// CheckCertAppID reports whether the chain-intersected restriction
// set permits the given app ID, as of now.
func (s *Store) CheckCertAppID(cert *Cert, now time.Time, app uint32) bool {
	r, err := s.effectiveRestrictions(cert, now)
	if err != nil {
		return false
	}
	return r.allowsApp(app)
}

// CheckCertPOPID reports whether the chain-intersected restriction
// set permits the given POP ID, as of now.
func (s *Store) CheckCertPOPID(cert *Cert, now time.Time, pop string) bool {
	r, err := s.effectiveRestrictions(cert, now)
	if err != nil {
		return false
	}
	return r.allowsPop(pop)
}
