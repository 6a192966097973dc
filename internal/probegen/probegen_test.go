package probegen

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceroute-cloud/iris/internal/flowmapper"
)

func TestEncodeCSVLine(t *testing.T) {
	p := Probe{
		Destination: netip.MustParseAddr("198.51.100.5"),
		SourcePort:  24000,
		DestPort:    33434,
		TTL:         32,
		Protocol:    "udp",
	}
	assert.Equal(t, "198.51.100.5,24000,33434,32,udp", EncodeCSVLine(p))
}

func TestGenerateForPrefixesCoversEachFlow(t *testing.T) {
	mapper, err := flowmapper.Lookup("Sequential", flowmapper.Kwargs{})
	require.NoError(t, err)

	prefixes := []netip.Prefix{netip.MustParsePrefix("198.51.100.0/30")}
	probes, err := GenerateForPrefixes(prefixes, 1, 3, 33434, "udp", mapper)
	require.NoError(t, err)
	assert.Len(t, probes, 3)
	for _, p := range probes {
		assert.Equal(t, uint16(33434), p.DestPort)
		assert.Equal(t, "udp", p.Protocol)
	}
}

func TestGenerateForPrefixesPropagatesMapperError(t *testing.T) {
	mapper, err := flowmapper.Lookup("Sequential", flowmapper.Kwargs{})
	require.NoError(t, err)

	prefixes := []netip.Prefix{netip.MustParsePrefix("198.51.100.0/30")}
	_, err = GenerateForPrefixes(prefixes, 1, 999, 33434, "udp", mapper)
	assert.Error(t, err)
}

func TestWriteCSVRoundTrip(t *testing.T) {
	probes := []Probe{
		{Destination: netip.MustParseAddr("8.8.8.8"), SourcePort: 1, DestPort: 2, TTL: 3, Protocol: "icmp"},
		{Destination: netip.MustParseAddr("8.8.4.4"), SourcePort: 4, DestPort: 5, TTL: 6, Protocol: "udp"},
	}
	var sb strings.Builder
	require.NoError(t, WriteCSV(&sb, probes))
	lines := strings.Split(strings.TrimRight(sb.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "8.8.8.8,1,2,3,icmp", lines[0])
}

func TestParseSummaryLines(t *testing.T) {
	lines := []string{
		"#probes_sent=100",
		"#replies_received=42",
		"#filtered_low_ttl=1",
		"#filtered_high_ttl=2",
		"#filtered_out_of_gap=3",
		"#filtered_duplicate=4",
		"#duration_seconds=12.5",
		"#peak_memory_mib=256",
		"#unknown_key=ignored",
	}
	stats := ParseSummaryLines(lines)
	assert.Equal(t, uint64(100), stats.ProbesSent)
	assert.Equal(t, uint64(42), stats.RepliesReceived)
	assert.Equal(t, uint64(1), stats.FilteredLowTTL)
	assert.Equal(t, uint64(2), stats.FilteredHighTTL)
	assert.Equal(t, uint64(3), stats.FilteredOutOfGap)
	assert.Equal(t, uint64(4), stats.FilteredDuplicate)
	assert.InDelta(t, 12.5, stats.DurationSeconds, 0.0001)
	assert.Equal(t, uint64(256), stats.PeakMemoryMiB)
}

func TestSplitResultAndSummary(t *testing.T) {
	content := "1.1.1.1,2.2.2.2,3,udp,32,10.5\n1.1.1.1,2.2.2.3,3,udp,32,11.2\n#probes_sent=2\n#replies_received=2\n"
	data, summary := SplitResultAndSummary(content)
	assert.Len(t, data, 2)
	assert.Len(t, summary, 2)
}

func TestParseResultRowsRoundTrips(t *testing.T) {
	line := "198.51.100.1,198.51.100.0,198.51.100.5,10.0.0.1,17,24000,33434,10,true,0,0,15.25,64,56,1,0"
	rows, err := ParseResultRows([]string{line})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, netip.MustParseAddr("198.51.100.1"), row.SourceIP)
	assert.Equal(t, netip.MustParseAddr("198.51.100.0"), row.DestinationPrefix)
	assert.Equal(t, netip.MustParseAddr("198.51.100.5"), row.DestinationIP)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), row.ReplyIP)
	assert.Equal(t, uint8(17), row.Protocol)
	assert.Equal(t, uint16(24000), row.SourcePort)
	assert.Equal(t, uint16(33434), row.DestinationPort)
	assert.Equal(t, uint8(10), row.TTL)
	assert.True(t, row.TTLCheck)
	assert.InDelta(t, 15.25, row.RTT, 0.0001)
	assert.Equal(t, uint8(64), row.ReplyTTL)
	assert.Equal(t, uint16(56), row.ReplySize)
	assert.Equal(t, 1, row.Round)
}

func TestParseResultRowsRejectsWrongFieldCount(t *testing.T) {
	_, err := ParseResultRows([]string{"1.1.1.1,2.2.2.2"})
	assert.Error(t, err)
}
