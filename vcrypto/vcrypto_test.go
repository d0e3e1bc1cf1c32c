package vcrypto_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vnet-io/velum/vcrypto"
)

func TestSharedSecretAgreement(t *testing.T) {
	client, err := vcrypto.GenerateEphemeralKeyPair()
	require.NoError(t, err)
	server, err := vcrypto.GenerateEphemeralKeyPair()
	require.NoError(t, err)

	fromClient, err := vcrypto.ComputeSharedSecret(client.Private, server.Public)
	require.NoError(t, err)
	fromServer, err := vcrypto.ComputeSharedSecret(server.Private, client.Public)
	require.NoError(t, err)

	require.Equal(t, fromClient, fromServer)
}

func TestComputeSharedSecretRejectsAllZeroPoint(t *testing.T) {
	client, err := vcrypto.GenerateEphemeralKeyPair()
	require.NoError(t, err)

	var lowOrderPoint [32]byte // the all-zero point is a known low-order point on curve25519
	_, err = vcrypto.ComputeSharedSecret(client.Private, lowOrderPoint)
	require.Error(t, err)
}

func TestDeriveSessionKeysDeterministicAndDistinct(t *testing.T) {
	var secret [32]byte
	for i := range secret {
		secret[i] = byte(i)
	}
	transcript := []byte("clienthello||serverhello||clientfinish")

	a, err := vcrypto.DeriveSessionKeys(secret, transcript)
	require.NoError(t, err)
	b, err := vcrypto.DeriveSessionKeys(secret, transcript)
	require.NoError(t, err)
	require.Equal(t, a, b, "derivation must be deterministic given the same secret and transcript")

	keys := [][32]byte{a.ClientToServerData, a.ClientToServerAck, a.ServerToClientData, a.ServerToClientAck}
	for i := range keys {
		for j := range keys {
			if i == j {
				continue
			}
			require.NotEqual(t, keys[i], keys[j], "the four session keys must be independent")
		}
	}

	other, err := vcrypto.DeriveSessionKeys(secret, []byte("a different transcript"))
	require.NoError(t, err)
	require.NotEqual(t, a, other, "a different transcript must yield different keys")
}

func TestRecordCipherSealOpenRoundTrip(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i * 7)
	}
	c, err := vcrypto.NewRecordCipher(key)
	require.NoError(t, err)

	plaintext := []byte("hello over velum")
	aad := []byte{0x01, 0x02, 0x03}

	sealed := c.Seal(nil, 42, plaintext, aad)
	require.Greater(t, len(sealed), len(plaintext))
	require.Equal(t, len(plaintext)+c.Overhead(), len(sealed))

	opened, err := c.Open(nil, 42, sealed, aad)
	require.NoError(t, err)
	require.True(t, bytes.Equal(plaintext, opened))
}

func TestRecordCipherRejectsWrongPacketNumber(t *testing.T) {
	var key [32]byte
	c, err := vcrypto.NewRecordCipher(key)
	require.NoError(t, err)

	sealed := c.Seal(nil, 1, []byte("payload"), nil)
	_, err = c.Open(nil, 2, sealed, nil)
	require.Error(t, err)
}

func TestRecordCipherRejectsTamperedCiphertext(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	c, err := vcrypto.NewRecordCipher(key)
	require.NoError(t, err)

	sealed := c.Seal(nil, 5, []byte("payload"), []byte("aad"))
	sealed[0] ^= 0xff

	_, err = c.Open(nil, 5, sealed, []byte("aad"))
	require.Error(t, err)
}

func TestRecordCipherRejectsWrongAAD(t *testing.T) {
	var key [32]byte
	c, err := vcrypto.NewRecordCipher(key)
	require.NoError(t, err)

	sealed := c.Seal(nil, 9, []byte("payload"), []byte("right-aad"))
	_, err = c.Open(nil, 9, sealed, []byte("wrong-aad"))
	require.Error(t, err)
}

func TestTranscriptSignatureVerification(t *testing.T) {
	pub, priv, err := vcrypto.GenerateSigningKeyPair()
	require.NoError(t, err)

	transcript := []byte("handshake transcript bytes")
	sig := vcrypto.SignTranscript(priv, transcript)
	require.True(t, vcrypto.VerifyTranscript(pub, transcript, sig))

	require.False(t, vcrypto.VerifyTranscript(pub, []byte("tampered transcript"), sig))

	otherPub, _, err := vcrypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	require.False(t, vcrypto.VerifyTranscript(otherPub, transcript, sig))
}
