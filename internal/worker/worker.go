// Package worker implements the per-measurement-agent round pipeline
// (spec §4.2): ingest a finished round's results, update statistics,
// compute the next round via the tool's pluggable "next round" function,
// and either terminate the participation or dispatch a new RoundTask.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/traceroute-cloud/iris/internal/bus"
	"github.com/traceroute-cloud/iris/internal/config"
	"github.com/traceroute-cloud/iris/internal/database"
	"github.com/traceroute-cloud/iris/internal/metrics"
	"github.com/traceroute-cloud/iris/internal/model"
	"github.com/traceroute-cloud/iris/internal/probegen"
	"github.com/traceroute-cloud/iris/internal/storage"
	"github.com/traceroute-cloud/iris/internal/tool"
)

// Worker owns the round pipeline for every measurement-agent it is fed
// RoundComplete notifications for.
type Worker struct {
	cfg      config.WorkerConfig
	bus      *bus.Bus
	storage  *storage.Storage
	registry *database.Registry
	logger   *slog.Logger

	// keyLocks serializes processing per (measurement, agent): at most one
	// round in flight for a given participation (spec §4.2 Ordering),
	// mirroring the teacher's per-id map+mutex idiom
	// (internal/task.TaskManager).
	keyLocks   sync.Map // string -> *sync.Mutex
	keyLocksMu sync.Mutex
}

// New returns a ready Worker.
func New(cfg config.WorkerConfig, b *bus.Bus, st *storage.Storage, reg *database.Registry, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{cfg: cfg, bus: b, storage: st, registry: reg, logger: logger}
}

// HandleRoundComplete runs the full spec §4.2 pipeline for one
// RoundComplete notification. Callers (the worker's bus-subscription loop)
// are expected to call this once per notification, in any order across
// distinct (measurement, agent) pairs; this method internally serializes
// calls sharing the same pair.
func (w *Worker) HandleRoundComplete(ctx context.Context, complete model.RoundComplete) error {
	key := complete.MeasurementUUID.String() + "/" + complete.AgentUUID.String()
	lock := w.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	metrics.RoundsActive.Inc()
	defer metrics.RoundsActive.Dec()

	logger := w.logger.With("measurement", complete.MeasurementUUID, "agent", complete.AgentUUID, "round", complete.RoundNumber)

	if complete.Canceled {
		return w.finalize(ctx, complete.MeasurementUUID, complete.AgentUUID, model.AgentCanceled, logger)
	}
	// The agent publishes a failed round (prober failure or result upload
	// failure) with no result key and Canceled unset.
	if complete.ResultKey == "" {
		return w.finalize(ctx, complete.MeasurementUUID, complete.AgentUUID, model.AgentFailureState, logger)
	}

	rows, stats, err := w.fetchAndParseResult(ctx, complete, logger)
	if err != nil {
		return err
	}

	if err := w.registry.InsertResultRows(ctx, complete.MeasurementUUID, complete.AgentUUID, rows); err != nil {
		return fmt.Errorf("worker: insert result rows: %w", err)
	}
	metrics.ResultRowsInsertedTotal.WithLabelValues(complete.MeasurementUUID.String(), complete.AgentUUID.String()).Add(float64(len(rows)))

	if err := w.registry.StoreProbingStatistics(ctx, complete.MeasurementUUID, complete.AgentUUID, complete.RoundNumber, stats); err != nil {
		return fmt.Errorf("worker: store probing statistics: %w", err)
	}

	// Edge cases (spec §4.2 Tie-breaks): an empty result file on a
	// non-canceled run, or zero parsed rows despite the prober reporting
	// probes sent, are both terminal-Finished; the second is additionally
	// flagged with a warning.
	warning := false
	if len(rows) == 0 {
		if stats.ProbesSent > 0 {
			warning = true
			logger.Warn("zero result rows despite nonzero probes_sent", "probes_sent", stats.ProbesSent)
		}
		return w.finalizeWithWarning(ctx, complete.MeasurementUUID, complete.AgentUUID, warning, logger)
	}

	agent, err := w.registry.Get(ctx, complete.MeasurementUUID, complete.AgentUUID)
	if err != nil {
		return fmt.Errorf("worker: get measurement agent: %w", err)
	}
	if agent == nil {
		return fmt.Errorf("worker: no measurement_agent row for (%s,%s)", complete.MeasurementUUID, complete.AgentUUID)
	}

	measurement, err := w.registry.GetMeasurement(ctx, complete.MeasurementUUID)
	if err != nil {
		return fmt.Errorf("worker: get measurement: %w", err)
	}
	if measurement == nil {
		return fmt.Errorf("worker: no measurement row for %s", complete.MeasurementUUID)
	}

	measurementCanceled, err := w.isMeasurementCanceled(ctx, complete.MeasurementUUID)
	if err != nil {
		return err
	}
	if measurementCanceled {
		return w.finalize(ctx, complete.MeasurementUUID, complete.AgentUUID, model.AgentCanceled, logger)
	}

	nextRoundFn, err := tool.Lookup(measurement.Tool)
	if err != nil {
		return fmt.Errorf("worker: next round: %w", err)
	}
	nextProbes, err := nextRoundFn(ctx, tool.NextRoundInput{
		Round:      complete.RoundNumber,
		Parameters: agent.Specific.ToolParameters,
		Rows:       rows,
	})
	if err != nil {
		return fmt.Errorf("worker: compute next round: %w", err)
	}

	terminal := len(nextProbes) == 0 || complete.RoundNumber >= agent.Specific.ToolParameters.MaxRound
	if terminal {
		return w.finalizeWithWarning(ctx, complete.MeasurementUUID, complete.AgentUUID, false, logger)
	}

	return w.dispatchNextRound(ctx, complete, measurement, agent, nextProbes, logger)
}

func (w *Worker) fetchAndParseResult(ctx context.Context, complete model.RoundComplete, logger *slog.Logger) ([]model.ResultRow, model.Stats, error) {
	data, err := w.storage.Get(ctx, complete.MeasurementUUID.String(), complete.ResultKey)
	if err != nil {
		return nil, model.Stats{}, fmt.Errorf("worker: fetch result file: %w", err)
	}

	dataLines, summaryLines := probegen.SplitResultAndSummary(string(data))
	stats := probegen.ParseSummaryLines(summaryLines)
	metrics.ProbesSentTotal.WithLabelValues(complete.MeasurementUUID.String(), complete.AgentUUID.String()).Add(float64(stats.ProbesSent))
	metrics.RepliesReceivedTotal.WithLabelValues(complete.MeasurementUUID.String(), complete.AgentUUID.String()).Add(float64(stats.RepliesReceived))

	if len(dataLines) == 0 {
		logger.Info("empty result file, no further probes possible")
		return nil, stats, nil
	}

	rows, err := probegen.ParseResultRows(dataLines)
	if err != nil {
		return nil, model.Stats{}, fmt.Errorf("worker: parse result rows: %w", err)
	}
	return rows, stats, nil
}

// isMeasurementCanceled reports whether the measurement's bus state record
// has been explicitly set to Canceled. Absence is not cancellation here —
// unlike the agent's stopper (spec §9), the worker only acts on an explicit
// Canceled value; the agent already reports cancellation via
// RoundComplete.Canceled for the "record vanished" case.
func (w *Worker) isMeasurementCanceled(ctx context.Context, measurementUUID uuid.UUID) (bool, error) {
	state, err := w.bus.GetMeasurementState(ctx, measurementUUID.String())
	if err != nil {
		if errors.Is(err, bus.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("worker: get measurement state: %w", err)
	}
	return state == model.AgentCanceled, nil
}

func (w *Worker) finalize(ctx context.Context, measurementUUID, agentUUID uuid.UUID, state model.AgentState, logger *slog.Logger) error {
	return w.finalizeState(ctx, measurementUUID, agentUUID, state, false, logger)
}

func (w *Worker) finalizeWithWarning(ctx context.Context, measurementUUID, agentUUID uuid.UUID, warning bool, logger *slog.Logger) error {
	return w.finalizeState(ctx, measurementUUID, agentUUID, model.AgentFinished, warning, logger)
}

// finalizeState stamps the terminal state (spec §4.2 step 5), and once
// every agent of the measurement is terminal, stamps the measurement's
// end_time.
func (w *Worker) finalizeState(ctx context.Context, measurementUUID, agentUUID uuid.UUID, state model.AgentState, warning bool, logger *slog.Logger) error {
	var err error
	switch state {
	case model.AgentCanceled:
		err = w.registry.StampCanceled(ctx, measurementUUID, agentUUID)
	case model.AgentFailureState:
		err = w.registry.StampFailed(ctx, measurementUUID, agentUUID)
	default:
		err = w.registry.StampFinished(ctx, measurementUUID, agentUUID)
	}
	if err != nil {
		return fmt.Errorf("worker: stamp %s: %w", state, err)
	}
	metrics.AgentStateGauge.WithLabelValues(measurementUUID.String(), agentUUID.String()).Set(stateGaugeValue(state))
	if warning {
		if err := w.registry.SetWarning(ctx, measurementUUID, agentUUID); err != nil {
			return fmt.Errorf("worker: set warning flag: %w", err)
		}
		logger.Warn("measurement-agent finished with warning flag")
	}
	logger.Info("measurement-agent terminal", "state", state)

	allTerminal, err := w.registry.StampMeasurementEndIfAllTerminal(ctx, measurementUUID)
	if err != nil {
		return fmt.Errorf("worker: stamp measurement end: %w", err)
	}
	if allTerminal {
		// Every agent reached a terminal state: the measurement is over,
		// so its bus entry is retired rather than left to expire on its
		// own (spec §9: an agent's stopper treats the key's absence the
		// same as an explicit Canceled).
		if err := w.bus.DeleteMeasurementState(ctx, measurementUUID.String()); err != nil {
			return fmt.Errorf("worker: delete measurement state: %w", err)
		}
	}
	return nil
}

// dispatchNextRound compresses the next round's probes (zstd), uploads
// them, and publishes the RoundTask that drives the agent's next pass
// (spec §4.2 step 6).
func (w *Worker) dispatchNextRound(ctx context.Context, complete model.RoundComplete, measurement *model.Measurement, agent *model.MeasurementAgent, nextProbes []probegen.Probe, logger *slog.Logger) error {
	nextRound := complete.RoundNumber + 1

	var csvBuf bytes.Buffer
	if err := probegen.WriteCSV(&csvBuf, nextProbes); err != nil {
		return fmt.Errorf("worker: encode next round probes: %w", err)
	}

	compressed, err := zstdCompress(csvBuf.Bytes())
	if err != nil {
		return fmt.Errorf("worker: compress next round probes: %w", err)
	}

	key := fmt.Sprintf("%s_next_round_%d.csv.zst", complete.AgentUUID, nextRound)
	localPath := filepath.Join(w.cfg.ResultsDirPath, complete.MeasurementUUID.String()+"_"+key)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("worker: create staging dir: %w", err)
	}
	if err := os.WriteFile(localPath, compressed, 0o644); err != nil {
		return fmt.Errorf("worker: write compressed probes locally: %w", err)
	}
	defer os.Remove(localPath)

	if err := w.storage.Put(ctx, complete.MeasurementUUID.String(), key, localPath, nil); err != nil {
		return fmt.Errorf("worker: upload next round probes: %w", err)
	}

	task := model.RoundTask{
		MeasurementUUID: complete.MeasurementUUID,
		AgentUUID:       complete.AgentUUID,
		RoundNumber:     nextRound,
		ToolParameters:  agent.Specific.ToolParameters,
		ProbingRate:     agent.Specific.ProbingRate,
		ProbesFileKey:   key,
		Username:        measurement.User,
	}
	if err := w.bus.Publish(ctx, bus.TasksChannel(complete.MeasurementUUID.String()), task); err != nil {
		return fmt.Errorf("worker: publish next round task: %w", err)
	}

	logger.Info("dispatched next round", "next_round", nextRound, "probes", len(nextProbes))
	return nil
}

func zstdCompress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("new zstd writer: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func stateGaugeValue(state model.AgentState) float64 {
	switch state {
	case model.AgentCreated:
		return metrics.AgentStateValueCreated
	case model.AgentOngoing:
		return metrics.AgentStateValueOngoing
	case model.AgentFinished:
		return metrics.AgentStateValueFinished
	case model.AgentCanceled:
		return metrics.AgentStateValueCanceled
	default:
		return metrics.AgentStateValueAgentFailure
	}
}

func (w *Worker) lockFor(key string) *sync.Mutex {
	if l, ok := w.keyLocks.Load(key); ok {
		return l.(*sync.Mutex)
	}
	w.keyLocksMu.Lock()
	defer w.keyLocksMu.Unlock()
	if l, ok := w.keyLocks.Load(key); ok {
		return l.(*sync.Mutex)
	}
	l := &sync.Mutex{}
	w.keyLocks.Store(key, l)
	return l
}

// Run subscribes to round-complete notifications and processes them until
// ctx is canceled. Each notification is handled in its own goroutine so
// that independent (measurement, agent) pairs progress concurrently (spec
// §5: "the worker process may handle many measurements in parallel"), while
// HandleRoundComplete's per-key lock keeps a single pair strictly
// sequential.
func (w *Worker) Run(ctx context.Context) error {
	completions, closeSub := w.bus.SubscribeRoundComplete(ctx, bus.RoundCompleteChannel())
	defer closeSub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case complete, ok := <-completions:
			if !ok {
				return nil
			}
			go func(c model.RoundComplete) {
				if err := w.HandleRoundComplete(ctx, c); err != nil {
					w.logger.Error("round pipeline failed", "measurement", c.MeasurementUUID, "agent", c.AgentUUID, "error", err)
				}
			}(complete)
		}
	}
}
