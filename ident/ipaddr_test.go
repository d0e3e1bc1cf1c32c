package ident_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vnet-io/velum/ident"
)

// TestIPAddressRoundTrip covers P6: parse("["+to_string(A)+"]:"+P) ==
// (A, P) for every constructable address.
func TestIPAddressRoundTrip(t *testing.T) {
	cases := []ident.IPAddress{
		ident.IPv4(1, 2, 3, 4, 27015),
		ident.IPv4(255, 255, 255, 255, 0),
		ident.IPv6(mustV6("2001:db8::1"), 0, 443),
	}

	for _, a := range cases {
		s := fmt.Sprintf("[%s]:%d", a.AddrOnlyStringNoBrackets(), a.Port())
		got, port, err := ident.ParseIPAddressPort(s)
		require.NoError(t, err, s)
		require.Equal(t, a.Port(), port)
		require.True(t, a.Equal(got), "round trip mismatch for %q", s)
	}
}

func TestIPv4MappedIPv6Conversion(t *testing.T) {
	v4 := ident.IPv4(1, 2, 3, 4, 27015)
	mapped := v4.ConvertIPv4ToMapped()
	require.True(t, mapped.IsIPv4MappedIPv6())

	back, ok := mapped.BConvertMappedToIPv4()
	require.True(t, ok)
	require.True(t, back.Equal(v4))
}

// TestIdentityIPMappedRoundTrip covers S5: `ip:[::ffff:1.2.3.4]:27015`
// round-trips and equals the IPv4 `ip:1.2.3.4:27015` after
// BConvertMappedToIPv4.
func TestIdentityIPMappedRoundTrip(t *testing.T) {
	mappedID, err := ident.Parse("ip:[::ffff:1.2.3.4]:27015")
	require.NoError(t, err)

	v4ID, err := ident.Parse("ip:1.2.3.4:27015")
	require.NoError(t, err)

	mappedAddr, ok := mappedID.IPAddress()
	require.True(t, ok)
	require.True(t, mappedAddr.IsIPv4MappedIPv6())

	converted, ok := mappedAddr.BConvertMappedToIPv4()
	require.True(t, ok)

	v4Addr, ok := v4ID.IPAddress()
	require.True(t, ok)
	require.True(t, converted.Equal(v4Addr))
}

// TestIdentityIPMappedStringRoundTrip covers P5 for a mapped address
// specifically: Identity.String() must preserve the "::ffff:" form so
// re-Parse reproduces the same IPv6 identity, not the unrelated plain
// IPv4 one (net.IP.String() alone would collapse the two).
func TestIdentityIPMappedStringRoundTrip(t *testing.T) {
	mapped := ident.IPv4(1, 2, 3, 4, 27015).ConvertIPv4ToMapped()
	id := ident.NewIPIdentity(mapped)

	s := id.String()
	require.Equal(t, "ip:[::ffff:1.2.3.4]:27015", s)

	got, err := ident.Parse(s)
	require.NoError(t, err)
	require.True(t, got.Equal(id), "parse(to_string(I)) != I for mapped address")

	gotAddr, ok := got.IPAddress()
	require.True(t, ok)
	require.True(t, gotAddr.IsIPv6())
	require.True(t, gotAddr.IsIPv4MappedIPv6())
}

func mustV6(s string) [16]byte {
	a, err := ident.ParseIPAddress(s)
	if err != nil {
		panic(err)
	}
	var b [16]byte
	copy(b[:], a.Bytes()[1:17])
	return b
}
