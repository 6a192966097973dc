// Package agent implements the per-agent measurement loop (spec §4.1):
// stage inputs for a round, run the prober under cancellation
// supervision, and upload the result.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/traceroute-cloud/iris/internal/bus"
	"github.com/traceroute-cloud/iris/internal/config"
	"github.com/traceroute-cloud/iris/internal/flowmapper"
	"github.com/traceroute-cloud/iris/internal/metrics"
	"github.com/traceroute-cloud/iris/internal/model"
	"github.com/traceroute-cloud/iris/internal/probegen"
	"github.com/traceroute-cloud/iris/internal/storage"
	"github.com/traceroute-cloud/iris/internal/subprocess"
	"github.com/traceroute-cloud/iris/internal/targetfile"
)

// Agent runs round tasks one at a time for a single agent identity.
type Agent struct {
	cfg                 config.AgentConfig
	targetsBucketPrefix string
	bus                 *bus.Bus
	storage             *storage.Storage
	logger              *slog.Logger
	agentUUID           uuid.UUID
}

// New returns an Agent bound to agentUUID.
func New(cfg config.AgentConfig, targetsBucketPrefix string, b *bus.Bus, st *storage.Storage, logger *slog.Logger, agentUUID uuid.UUID) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:                 cfg,
		targetsBucketPrefix: targetsBucketPrefix,
		bus:                 b,
		storage:             st,
		logger:              logger,
		agentUUID:           agentUUID,
	}
}

// Outcome reports how a round task finished.
type Outcome struct {
	State     model.AgentState
	ResultKey string
}

// Run subscribes to round tasks addressed to this agent and processes them
// one at a time until ctx is canceled (spec §2 item 3). Registering the
// agent's liveness and heartbeating it are the caller's responsibility
// (cmd/iris-agent), since those depend on bus config knobs (heartbeat
// interval) the Agent itself does not hold.
func (a *Agent) Run(ctx context.Context) error {
	tasks, closeSub := a.bus.SubscribeAllTasks(ctx)
	defer closeSub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task, ok := <-tasks:
			if !ok {
				return nil
			}
			if task.AgentUUID != a.agentUUID {
				continue
			}
			a.handleTask(ctx, task)
		}
	}
}

// handleTask runs one task to completion and publishes its outcome,
// swallowing the error and logging it: a single bad task must not bring
// down the agent's subscription loop.
func (a *Agent) handleTask(ctx context.Context, task model.RoundTask) {
	logger := a.logger.With("measurement", task.MeasurementUUID, "agent", task.AgentUUID, "round", task.RoundNumber)

	outcome, err := a.RunTask(ctx, task)
	if err != nil {
		logger.Error("round task failed", "error", err)
		return
	}

	complete := model.RoundComplete{
		MeasurementUUID: task.MeasurementUUID,
		AgentUUID:       task.AgentUUID,
		RoundNumber:     task.RoundNumber,
		ResultKey:       outcome.ResultKey,
		Canceled:        outcome.State == model.AgentCanceled,
	}
	if err := a.bus.PublishRoundComplete(ctx, bus.RoundCompleteChannel(), complete); err != nil {
		logger.Error("publish round complete failed", "error", err)
	}
}

// ErrWrongAgent is returned when a task's AgentUUID does not match this
// agent's identity (spec §4.1: "agent_uuid must equal the local identity").
var ErrWrongAgent = errors.New("agent: task addressed to a different agent")

// RunTask executes one round task end to end (spec §4.1 algorithm).
func (a *Agent) RunTask(ctx context.Context, task model.RoundTask) (Outcome, error) {
	if task.AgentUUID != a.agentUUID {
		return Outcome{}, fmt.Errorf("%w: task for %s, this agent is %s", ErrWrongAgent, task.AgentUUID, a.agentUUID)
	}

	logPrefix := fmt.Sprintf("%s/%s/round-%d", task.MeasurementUUID, task.AgentUUID, task.RoundNumber)
	logger := a.logger.With("prefix", logPrefix)

	measurementDir := filepath.Join(a.cfg.ResultsDirPath, task.MeasurementUUID.String())
	if err := os.MkdirAll(measurementDir, 0o755); err != nil {
		return Outcome{}, fmt.Errorf("agent: create measurement dir: %w", err)
	}

	resultFilename := fmt.Sprintf("%s_results_%d.csv", task.AgentUUID, task.RoundNumber)
	resultPath := filepath.Join(measurementDir, resultFilename)

	staged, err := a.stageInputs(ctx, task, logger)
	if err != nil {
		return Outcome{}, err
	}

	stopper := func(ctx context.Context) error {
		state, err := a.bus.GetMeasurementState(ctx, task.MeasurementUUID.String())
		if errors.Is(err, bus.ErrNotFound) {
			return fmt.Errorf("measurement canceled")
		}
		if err != nil {
			return nil // transient bus error, keep polling
		}
		if state == model.AgentCanceled {
			return fmt.Errorf("measurement canceled")
		}
		return nil
	}

	args := buildProberArgs(a.cfg, task, resultPath, staged)
	logger.Info("spawning prober", "args", args)

	runErr := subprocess.Run(ctx, subprocess.Options{
		Path:            a.cfg.ProberPath,
		Args:            args,
		Stdin:           staged.stdin,
		Logger:          logger,
		LogPrefix:       logPrefix,
		GracePeriod:     a.cfg.GracePeriod,
		Stopper:         stopper,
		StopperInterval: 5 * time.Second,
	})

	canceled := errors.Is(runErr, subprocess.ErrCanceled)

	outcome := Outcome{}
	switch {
	case canceled:
		metrics.SubprocessExitsTotal.WithLabelValues("canceled").Inc()
		outcome.State = model.AgentCanceled
	case runErr != nil:
		metrics.SubprocessExitsTotal.WithLabelValues("failure").Inc()
		logger.Error("prober failed", "error", runErr)
		a.cleanup(staged, resultPath, !a.cfg.DebugMode, logger)
		return Outcome{State: model.AgentFailureState}, nil
	default:
		metrics.SubprocessExitsTotal.WithLabelValues("success").Inc()
		outcome.State = model.AgentOngoing
	}

	if !canceled {
		resultKey := fmt.Sprintf("%s_results_%d.csv", task.AgentUUID, task.RoundNumber)
		if err := a.uploadWithRetry(ctx, task.MeasurementUUID.String(), resultKey, resultPath, nil); err != nil {
			logger.Error("result upload failed", "error", err)
			return Outcome{State: model.AgentFailureState}, nil
		}
		outcome.ResultKey = resultKey
	}

	a.cleanup(staged, resultPath, !a.cfg.DebugMode, logger)

	if staged.probesFileKey != "" {
		status, err := a.storage.Delete(ctx, task.MeasurementUUID.String(), staged.probesFileKey)
		if err != nil || status != 204 {
			logger.Warn("failed to remove consumed probes file from object store", "key", staged.probesFileKey, "status", status, "error", err)
		}
	}

	return outcome, nil
}

type stagedInputs struct {
	stdin          io.Reader
	inputFilePath  string
	targetFilePath string
	probesFilePath string
	probesFileKey  string
}

// stageInputs implements spec §4.1 step 1.
func (a *Agent) stageInputs(ctx context.Context, task model.RoundTask, logger *slog.Logger) (stagedInputs, error) {
	if task.RoundNumber > 1 {
		return a.stageProbesFile(ctx, task)
	}

	if task.ToolParameters.Full && task.TargetFileKey == "" {
		return a.stageFullSnapshot(task, logger)
	}
	return a.stageTargetFile(ctx, task, logger)
}

// stageFullSnapshot streams the exhaustive 0.0.0.0/0 probe set directly
// into the prober's stdin via a pipe, rather than materializing all
// 16,777,216 /24 prefixes' probes in memory: the pipe blocks the producer
// goroutine until the prober (and subprocess's stdin copier) drains it,
// giving the pull-based backpressure spec §9 calls for.
func (a *Agent) stageFullSnapshot(task model.RoundTask, logger *slog.Logger) (stagedInputs, error) {
	logger.Info("full snapshot required")

	mapper, err := flowmapper.Lookup(task.ToolParameters.FlowMapper, toKwargs(task.ToolParameters.FlowMapperKwargs))
	if err != nil {
		return stagedInputs{}, fmt.Errorf("agent: flow mapper: %w", err)
	}

	destPort := uint16(task.ToolParameters.DestinationPort)
	protocol := task.ToolParameters.Protocol
	maxFlow := a.cfg.IPsPerSubnet - 1

	pr, pw := io.Pipe()
	go func() {
		err := forEach24Prefix(netip.MustParsePrefix("0.0.0.0/0"), func(prefix netip.Prefix) error {
			probes, err := probegen.GenerateForPrefixes([]netip.Prefix{prefix}, 0, maxFlow, destPort, protocol, mapper)
			if err != nil {
				return err
			}
			return probegen.WriteCSV(pw, probes)
		})
		pw.CloseWithError(err)
	}()

	return stagedInputs{stdin: pr}, nil
}

func (a *Agent) stageTargetFile(ctx context.Context, task model.RoundTask, logger *slog.Logger) (stagedInputs, error) {
	logger.Info("download targets/prefixes file", "key", task.TargetFileKey)

	bucket := a.targetsBucketPrefix + task.Username
	info, err := a.storage.Head(ctx, bucket, task.TargetFileKey)
	if err != nil {
		return stagedInputs{}, fmt.Errorf("agent: head target file: %w", err)
	}
	targetsType := info.Metadata["type"]
	if targetsType == "" {
		targetsType = "targets-list"
	}

	data, err := a.storage.Get(ctx, bucket, task.TargetFileKey)
	if err != nil {
		return stagedInputs{}, fmt.Errorf("agent: download target file: %w", err)
	}

	targetsLocalPath := filepath.Join(a.cfg.TargetsDirPath, task.TargetFileKey)
	if err := os.WriteFile(targetsLocalPath, data, 0o644); err != nil {
		return stagedInputs{}, fmt.Errorf("agent: write target file locally: %w", err)
	}

	var probes []probegen.Probe
	switch targetfile.Type(targetsType) {
	case targetfile.TypeTargetsList:
		lines, err := targetfile.ParseTargetFile(targetfile.TypeTargetsList, string(data))
		if err != nil {
			return stagedInputs{}, fmt.Errorf("agent: parse targets-list: %w", err)
		}
		// No flow mapper for a single-IP targets list (documented limitation,
		// spec §9 Open Question 1): each destination yields exactly one flow.
		for _, l := range lines {
			ps, err := probegen.GenerateForPrefixes([]netip.Prefix{l.Prefix}, 0, 0, uint16(task.ToolParameters.DestinationPort), l.Protocol, identityMapper{})
			if err != nil {
				return stagedInputs{}, err
			}
			probes = append(probes, ps...)
		}
	case targetfile.TypePrefixesList:
		mapper, err := flowmapper.Lookup(task.ToolParameters.FlowMapper, toKwargs(task.ToolParameters.FlowMapperKwargs))
		if err != nil {
			return stagedInputs{}, fmt.Errorf("agent: flow mapper: %w", err)
		}
		lines, err := targetfile.ParseTargetFile(targetfile.TypePrefixesList, string(data))
		if err != nil {
			return stagedInputs{}, fmt.Errorf("agent: parse prefixes-list: %w", err)
		}
		for _, l := range lines {
			ps, err := probegen.GenerateForPrefixes([]netip.Prefix{l.Prefix}, 0, a.cfg.IPsPerSubnet, uint16(task.ToolParameters.DestinationPort), l.Protocol, mapper)
			if err != nil {
				return stagedInputs{}, err
			}
			probes = append(probes, ps...)
		}
	default:
		return stagedInputs{}, fmt.Errorf("agent: unknown target file type %q", targetsType)
	}

	var buf bytes.Buffer
	if err := probegen.WriteCSV(&buf, probes); err != nil {
		return stagedInputs{}, err
	}
	return stagedInputs{stdin: &buf, targetFilePath: targetsLocalPath}, nil
}

func (a *Agent) stageProbesFile(ctx context.Context, task model.RoundTask) (stagedInputs, error) {
	data, err := a.storage.Get(ctx, task.MeasurementUUID.String(), task.ProbesFileKey)
	if err != nil {
		return stagedInputs{}, fmt.Errorf("agent: download probes file: %w", err)
	}
	probesLocalPath := filepath.Join(a.cfg.TargetsDirPath, task.ProbesFileKey)
	if err := os.WriteFile(probesLocalPath, data, 0o644); err != nil {
		return stagedInputs{}, fmt.Errorf("agent: write probes file locally: %w", err)
	}
	return stagedInputs{inputFilePath: probesLocalPath, probesFilePath: probesLocalPath, probesFileKey: task.ProbesFileKey}, nil
}

// buildProberArgs assembles the prober CLI invocation (spec §4.1 step 2).
func buildProberArgs(cfg config.AgentConfig, task model.RoundTask, resultPath string, staged stagedInputs) []string {
	args := []string{
		"--output-file-csv", resultPath,
		"--probing-rate", strconv.Itoa(int(task.ProbingRate)),
		"--protocol", task.ToolParameters.Protocol,
		"--filter-min-ttl=" + strconv.Itoa(task.ToolParameters.MinTTL),
		"--filter-max-ttl=" + strconv.Itoa(task.ToolParameters.MaxTTL),
		"--meta-round=" + strconv.Itoa(task.RoundNumber),
	}

	if cfg.DebugMode {
		args = append(args, "--log-level=trace")
	}
	if cfg.ProberExcludePath != "" {
		args = append(args, "--filter-from-prefix-file-excl="+cfg.ProberExcludePath)
	}
	if staged.inputFilePath != "" {
		args = append(args, "--input-file="+staged.inputFilePath)
	}
	if task.ToolParameters.NPackets > 0 {
		args = append(args, "--n-packets="+strconv.Itoa(task.ToolParameters.NPackets))
	}
	if cfg.NoSleep {
		args = append(args, "--no-sleep")
	}

	return args
}

// cleanup removes local input/output files unless debug mode keeps them
// around for inspection (spec §4.1 step 4).
func (a *Agent) cleanup(staged stagedInputs, resultPath string, remove bool, logger *slog.Logger) {
	if !remove {
		return
	}
	if err := os.Remove(resultPath); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove local result file", "path", resultPath, "error", err)
	}
	if staged.targetFilePath != "" {
		if err := os.Remove(staged.targetFilePath); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove local target file", "path", staged.targetFilePath, "error", err)
		}
	}
	if staged.probesFilePath != "" {
		if err := os.Remove(staged.probesFilePath); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove local probes file", "path", staged.probesFilePath, "error", err)
		}
	}
}

// uploadWithRetry puts a local file to object storage under capped
// exponential backoff (spec §4.1 failure semantics: base 1s, cap 30s, max
// 5 attempts).
func (a *Agent) uploadWithRetry(ctx context.Context, bucket, key, localPath string, metadata map[string]string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	withRetries := backoff.WithMaxRetries(b, 4) // 5 attempts total
	withCtx := backoff.WithContext(withRetries, ctx)

	return backoff.Retry(func() error {
		return a.storage.Put(ctx, bucket, key, localPath, metadata)
	}, withCtx)
}

func toKwargs(m map[string]any) flowmapper.Kwargs {
	kw := flowmapper.Kwargs{}
	if m == nil {
		return kw
	}
	if v, ok := m["src_port"]; ok {
		switch n := v.(type) {
		case int:
			kw.SourcePort = n
		case float64:
			kw.SourcePort = int(n)
		}
	}
	return kw
}

// identityMapper maps flow index 0 of a /32 (or /128) prefix to its single
// address, for the targets-list branch which carries no flow mapper (spec
// §9 Open Question 1 / original source NOTE).
type identityMapper struct{}

func (identityMapper) Map(prefix netip.Prefix, flowIndex int) (netip.Addr, uint16, error) {
	if flowIndex != 0 {
		return netip.Addr{}, 0, fmt.Errorf("identityMapper: flow index %d out of range", flowIndex)
	}
	return prefix.Addr(), 0, nil
}

// forEach24Prefix invokes fn once per /24 sub-prefix of p, in order,
// without materializing the (potentially 16,777,216-element) set in
// memory, so the full-snapshot producer can stream straight into the
// prober's stdin pipe.
func forEach24Prefix(p netip.Prefix, fn func(netip.Prefix) error) error {
	if p.Bits() > 24 {
		return fmt.Errorf("agent: prefix %s narrower than /24", p)
	}
	count := 1 << (24 - p.Bits())
	addr := p.Masked().Addr()
	for i := 0; i < count; i++ {
		if err := fn(netip.PrefixFrom(addr, 24)); err != nil {
			return err
		}
		addr = nthAddr(addr, 256)
	}
	return nil
}

func nthAddr(addr netip.Addr, n int) netip.Addr {
	octets := addr.As4()
	carry := n
	for i := len(octets) - 1; i >= 0 && carry > 0; i-- {
		sum := int(octets[i]) + carry
		octets[i] = byte(sum & 0xff)
		carry = sum >> 8
	}
	return netip.AddrFrom4(octets)
}
