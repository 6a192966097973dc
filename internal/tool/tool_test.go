package tool

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceroute-cloud/iris/internal/model"
)

func TestLookupKnownTools(t *testing.T) {
	for _, tl := range []model.Tool{model.ToolPing, model.ToolProbes, model.ToolDiamondMiner, model.ToolYarrp} {
		fn, err := Lookup(tl)
		require.NoError(t, err)
		require.NotNil(t, fn)
	}
}

func TestLookupUnknownTool(t *testing.T) {
	_, err := Lookup(model.Tool("not-a-tool"))
	assert.Error(t, err)
}

func TestOneShotNextRoundAlwaysTerminal(t *testing.T) {
	probes, err := oneShotNextRound(context.Background(), NextRoundInput{
		Round: 1,
		Rows:  []model.ResultRow{{DestinationPrefix: netip.MustParseAddr("198.51.100.0")}},
	})
	require.NoError(t, err)
	assert.Empty(t, probes)
}

func TestDiamondMinerNextRoundStopsAtMaxRound(t *testing.T) {
	probes, err := diamondMinerNextRound(context.Background(), NextRoundInput{
		Round:      3,
		Parameters: model.ToolParameters{MaxRound: 3, MaxTTL: 32},
		Rows:       []model.ResultRow{{DestinationPrefix: netip.MustParseAddr("198.51.100.0"), TTL: 10}},
	})
	require.NoError(t, err)
	assert.Empty(t, probes)
}

func TestDiamondMinerNextRoundStopsWhenDestinationReached(t *testing.T) {
	probes, err := diamondMinerNextRound(context.Background(), NextRoundInput{
		Round:      1,
		Parameters: model.ToolParameters{MaxRound: 5, MaxTTL: 32, Protocol: "udp"},
		Rows: []model.ResultRow{
			{
				DestinationPrefix: netip.MustParseAddr("198.51.100.0"),
				DestinationIP:     netip.MustParseAddr("198.51.100.5"),
				ReplyIP:           netip.MustParseAddr("198.51.100.5"),
				TTL:               10,
			},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, probes)
}

func TestDiamondMinerNextRoundContinuesTowardUnreachedDestination(t *testing.T) {
	probes, err := diamondMinerNextRound(context.Background(), NextRoundInput{
		Round:      1,
		Parameters: model.ToolParameters{MaxRound: 5, MaxTTL: 32, Protocol: "udp"},
		Rows: []model.ResultRow{
			{
				DestinationPrefix: netip.MustParseAddr("198.51.100.0"),
				DestinationIP:     netip.MustParseAddr("198.51.100.5"),
				ReplyIP:           netip.MustParseAddr("10.0.0.1"),
				TTL:               10,
				SourcePort:        24000,
				DestinationPort:   33434,
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, probes, 1)
	assert.Equal(t, uint8(11), probes[0].TTL)
	assert.Equal(t, "198.51.100.5", probes[0].Destination.String())
}
