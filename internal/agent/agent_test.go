package agent

import (
	"context"
	"io"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/uuid"

	"github.com/traceroute-cloud/iris/internal/config"
	"github.com/traceroute-cloud/iris/internal/model"
)

func TestRunTaskRejectsWrongAgent(t *testing.T) {
	a := New(config.AgentConfig{}, "targets-", nil, nil, nil, uuid.New())
	task := model.RoundTask{AgentUUID: uuid.New()}

	_, err := a.RunTask(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWrongAgent)
}

func TestBuildProberArgsIncludesRequiredFlags(t *testing.T) {
	cfg := config.AgentConfig{}
	task := model.RoundTask{
		RoundNumber: 3,
		ProbingRate: 1000,
		ToolParameters: model.ToolParameters{
			Protocol: "udp",
			MinTTL:   1,
			MaxTTL:   32,
		},
	}
	args := buildProberArgs(cfg, task, "/tmp/out.csv", stagedInputs{})

	assert.Contains(t, args, "--output-file-csv")
	assert.Contains(t, args, "/tmp/out.csv")
	assert.Contains(t, args, "--protocol")
	assert.Contains(t, args, "udp")
	assert.Contains(t, args, "--filter-min-ttl=1")
	assert.Contains(t, args, "--filter-max-ttl=32")
	assert.Contains(t, args, "--meta-round=3")
}

func TestBuildProberArgsIncludesInputFileWhenStaged(t *testing.T) {
	cfg := config.AgentConfig{}
	task := model.RoundTask{ToolParameters: model.ToolParameters{}}
	args := buildProberArgs(cfg, task, "/tmp/out.csv", stagedInputs{inputFilePath: "/tmp/probes.csv"})
	assert.Contains(t, args, "--input-file=/tmp/probes.csv")
}

func TestBuildProberArgsHonorsDebugAndNoSleep(t *testing.T) {
	cfg := config.AgentConfig{DebugMode: true, NoSleep: true, ProberExcludePath: "/tmp/excl.txt"}
	task := model.RoundTask{}
	args := buildProberArgs(cfg, task, "/tmp/out.csv", stagedInputs{})
	assert.Contains(t, args, "--log-level=trace")
	assert.Contains(t, args, "--no-sleep")
	assert.Contains(t, args, "--filter-from-prefix-file-excl=/tmp/excl.txt")
}

func TestIdentityMapperRejectsNonZeroFlow(t *testing.T) {
	m := identityMapper{}
	prefix := netip.MustParsePrefix("192.0.2.1/32")
	addr, port, err := m.Map(prefix, 0)
	require.NoError(t, err)
	assert.Equal(t, prefix.Addr(), addr)
	assert.Equal(t, uint16(0), port)

	_, _, err = m.Map(prefix, 1)
	assert.Error(t, err)
}

func TestForEach24PrefixCoversAllSubnets(t *testing.T) {
	base := netip.MustParsePrefix("198.51.100.0/22")
	var got []netip.Prefix
	err := forEach24Prefix(base, func(p netip.Prefix) error {
		got = append(got, p)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Equal(t, "198.51.100.0/24", got[0].String())
	assert.Equal(t, "198.51.103.0/24", got[3].String())
}

func TestForEach24PrefixRejectsNarrowerThan24(t *testing.T) {
	err := forEach24Prefix(netip.MustParsePrefix("198.51.100.0/25"), func(netip.Prefix) error { return nil })
	assert.Error(t, err)
}

func TestForEach24PrefixPropagatesCallbackError(t *testing.T) {
	base := netip.MustParsePrefix("198.51.100.0/23")
	calls := 0
	err := forEach24Prefix(base, func(p netip.Prefix) error {
		calls++
		if calls == 1 {
			return io.ErrClosedPipe
		}
		return nil
	})
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, 1, calls)
}

func TestToKwargsExtractsSourcePort(t *testing.T) {
	kw := toKwargs(map[string]any{"src_port": float64(24000)})
	assert.Equal(t, 24000, kw.SourcePort)

	kw = toKwargs(map[string]any{"src_port": 24001})
	assert.Equal(t, 24001, kw.SourcePort)

	kw = toKwargs(nil)
	assert.Equal(t, 0, kw.SourcePort)
}
