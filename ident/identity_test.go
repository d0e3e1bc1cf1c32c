package ident_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vnet-io/velum/ident"
)

// TestIdentityRoundTrip covers P5: parse(to_string(I)) == I for every
// constructable Identity.
func TestIdentityRoundTrip(t *testing.T) {
	addr := ident.IPv4(1, 2, 3, 4, 27015)
	genStr, err := ident.NewGenericString("hello-world")
	require.NoError(t, err)
	genBytes, err := ident.NewGenericBytes([]byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)

	cases := []ident.Identity{
		ident.NewSteamID(76561198000000000),
		ident.NewIPIdentity(addr),
		genStr,
		genBytes,
	}

	for _, id := range cases {
		s := id.String()
		got, err := ident.Parse(s)
		require.NoError(t, err, s)
		require.True(t, id.Equal(got), "round trip mismatch for %q", s)
	}
}

func TestIdentitySteamIDString(t *testing.T) {
	id := ident.NewSteamID(76561198000000000)
	require.Equal(t, "steamid:76561198000000000", id.String())
}

// TestIdentityUnknownRawPreserved covers the Open Question resolution:
// unrecognized "<prefix>:..." identities are preserved verbatim and
// compared by exact byte equality.
func TestIdentityUnknownRawPreserved(t *testing.T) {
	a, err := ident.Parse("futureproto:AbC123")
	require.NoError(t, err)
	b, err := ident.Parse("futureproto:AbC123")
	require.NoError(t, err)
	c, err := ident.Parse("futureproto:abc123")
	require.NoError(t, err)

	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c), "unknown identities must compare by exact byte equality, not case-folded")
	require.Equal(t, "futureproto:AbC123", a.String())
}

func TestIdentityInvalid(t *testing.T) {
	var z ident.Identity
	require.False(t, z.IsValid())
	require.Equal(t, "invalid", z.String())
}

func TestIdentityGenericStringTooLong(t *testing.T) {
	long := make([]byte, 32)
	for i := range long {
		long[i] = 'a'
	}
	_, err := ident.NewGenericString(string(long))
	require.ErrorIs(t, err, ident.ErrTooLong)
}

func TestIdentityHashKeyDistinguishesKinds(t *testing.T) {
	a := ident.NewSteamID(1)
	b, _ := ident.NewGenericBytes([]byte{0, 0, 0, 0, 0, 0, 0, 1})
	require.NotEqual(t, a.HashKey(), b.HashKey())
}
