package flowmapper

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupKnownVariants(t *testing.T) {
	for _, name := range []string{"Sequential", "RandomFlow", "ReverseByte"} {
		m, err := Lookup(name, Kwargs{})
		require.NoError(t, err)
		require.NotNil(t, m)
	}
}

func TestLookupUnknownVariant(t *testing.T) {
	_, err := Lookup("Nonexistent", Kwargs{})
	assert.Error(t, err)
}

func TestSequentialMapperIsDeterministicAndDistinct(t *testing.T) {
	prefix := netip.MustParsePrefix("198.51.100.0/24")
	m, err := Lookup("Sequential", Kwargs{})
	require.NoError(t, err)

	addr1, port1, err := m.Map(prefix, 1)
	require.NoError(t, err)
	addr2, port2, err := m.Map(prefix, 1)
	require.NoError(t, err)
	assert.Equal(t, addr1, addr2)
	assert.Equal(t, port1, port2)

	addr3, _, err := m.Map(prefix, 2)
	require.NoError(t, err)
	assert.NotEqual(t, addr1, addr3)
}

func TestSequentialMapperRejectsOutOfRange(t *testing.T) {
	prefix := netip.MustParsePrefix("198.51.100.0/24")
	m, err := Lookup("Sequential", Kwargs{})
	require.NoError(t, err)

	_, _, err = m.Map(prefix, 256)
	assert.Error(t, err)
}

func TestRandomFlowMapperDeterministic(t *testing.T) {
	prefix := netip.MustParsePrefix("198.51.100.0/24")
	m, err := Lookup("RandomFlow", Kwargs{})
	require.NoError(t, err)

	addr1, _, err := m.Map(prefix, 5)
	require.NoError(t, err)
	addr2, _, err := m.Map(prefix, 5)
	require.NoError(t, err)
	assert.Equal(t, addr1, addr2)
}
