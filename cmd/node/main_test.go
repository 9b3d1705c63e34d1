package main

import (
	"bytes"
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSeeds(t *testing.T) {
	got := resolveSeeds([]string{" 192.0.2.1:6881", "", "[2001:db8::1]:6881", "localhost:6882", "[::ffff:192.0.2.2]:6883"})
	require.Len(t, got, 4)
	assert.Equal(t, netip.MustParseAddrPort("192.0.2.1:6881"), got[0])
	assert.Equal(t, netip.MustParseAddrPort("[2001:db8::1]:6881"), got[1])
	assert.Equal(t, uint16(6882), got[2].Port())
	assert.False(t, got[2].Addr().Is4In6(), "resolved seeds are unmapped")
	assert.Equal(t, netip.MustParseAddrPort("192.0.2.2:6883"), got[3])
}

func TestRunCommand_Usage(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer

	for _, in := range [][]string{{"ping"}, {"announce", "00"}, {"get"}, {"mput", "aa"}, {"sample"}} {
		assert.ErrorIs(t, runCommand(ctx, nil, &buf, in), errUsage, "%v", in)
	}

	assert.Error(t, runCommand(ctx, nil, &buf, []string{"mget", "abcd"}))
	assert.Error(t, runCommand(ctx, nil, &buf, []string{"ping", "not-an-addr"}))

	buf.Reset()
	require.NoError(t, runCommand(ctx, nil, &buf, []string{"help"}))
	assert.Contains(t, buf.String(), "announce <infohash>")
}
