// Package database implements the columnar registry (spec §4.3): the
// `measurements` and `measurement_agents` tables, the dynamic per-run
// results tables, and their total forge/parse table-naming functions.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"

	"github.com/traceroute-cloud/iris/internal/config"
	"github.com/traceroute-cloud/iris/internal/model"
)

// Registry is the ClickHouse-backed implementation of spec §4.3.
type Registry struct {
	conn              clickhouse.Conn
	measurementsTable string
	agentsTable       string
}

// New dials ClickHouse and returns a ready Registry.
func New(ctx context.Context, cfg config.DatabaseConfig) (*Registry, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("database: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("database: ping clickhouse: %w", err)
	}

	return &Registry{
		conn:              conn,
		measurementsTable: cfg.TableMeasurements,
		agentsTable:       cfg.TableAgents,
	}, nil
}

// CreateTables creates the measurements and measurement_agents tables if
// they do not already exist, mirroring the original's agents.create_table.
func (r *Registry) CreateTables(ctx context.Context, drop bool) error {
	if drop {
		if err := r.conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", r.measurementsTable)); err != nil {
			return fmt.Errorf("database: drop %s: %w", r.measurementsTable, err)
		}
		if err := r.conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", r.agentsTable)); err != nil {
			return fmt.Errorf("database: drop %s: %w", r.agentsTable, err)
		}
	}

	if err := r.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s
		(
			uuid       UUID,
			user       String,
			tool       String,
			tags       Array(String),
			created_at DateTime,
			end_time   Nullable(DateTime)
		)
		ENGINE MergeTree
		ORDER BY (uuid)
	`, r.measurementsTable)); err != nil {
		return fmt.Errorf("database: create %s: %w", r.measurementsTable, err)
	}

	// Five-valued state enum, unlike the Python original's three (Ongoing,
	// Finished, Canceled): spec §3 adds Created and AgentFailure.
	if err := r.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s
		(
			measurement_uuid   UUID,
			agent_uuid         UUID,
			target_file        String,
			probing_rate       Nullable(UInt32),
			probing_statistics String,
			agent_parameters   String,
			tool_parameters    String,
			state              Enum8('created' = 1, 'ongoing' = 2, 'finished' = 3, 'canceled' = 4, 'agent_failure' = 5),
			start_time         DateTime,
			end_time           Nullable(DateTime),
			warning            UInt8 DEFAULT 0
		)
		ENGINE MergeTree
		ORDER BY (measurement_uuid, agent_uuid)
	`, r.agentsTable)); err != nil {
		return fmt.Errorf("database: create %s: %w", r.agentsTable, err)
	}

	return nil
}

// CreateResultsTable creates the dynamic per-(measurement,agent) results
// table, named by ForgeTableName, matching the model.ResultRow schema.
func (r *Registry) CreateResultsTable(ctx context.Context, measurementUUID, agentUUID uuid.UUID) error {
	table := ForgeTableName(measurementUUID, agentUUID)
	return r.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s
		(
			source_ip          IPv6,
			destination_prefix IPv6,
			destination_ip     IPv6,
			reply_ip           IPv6,
			protocol           UInt8,
			source_port        UInt16,
			destination_port   UInt16,
			ttl                UInt8,
			ttl_check          UInt8,
			icmp_type          UInt8,
			icmp_code          UInt8,
			rtt                Float64,
			reply_ttl          UInt8,
			reply_size         UInt16,
			round              UInt16,
			snapshot           UInt16
		)
		ENGINE MergeTree
		ORDER BY (round, destination_prefix)
	`, table))
}

// ipColumn renders a netip.Addr for the IPv6-typed result columns above:
// ClickHouse's IPv6 type is a plain 128-bit integer under the hood and
// stores an IPv4 address as its IPv4-mapped form, so both widths share one
// column type instead of the destination address's own bit width picking
// the column.
func ipColumn(addr netip.Addr) net.IP {
	if !addr.IsValid() {
		return net.IPv6unspecified
	}
	return net.IP(addr.AsSlice()).To16()
}

// InsertResultRows batch-inserts result rows into the per-(m,a) results
// table, via a single ClickHouse batch (spec §5: CSV ingest fans out
// batched inserts).
func (r *Registry) InsertResultRows(ctx context.Context, measurementUUID, agentUUID uuid.UUID, rows []model.ResultRow) error {
	if len(rows) == 0 {
		return nil
	}
	table := ForgeTableName(measurementUUID, agentUUID)

	batch, err := r.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", table))
	if err != nil {
		return fmt.Errorf("database: prepare batch for %s: %w", table, err)
	}

	for _, row := range rows {
		ttlCheck := uint8(0)
		if row.TTLCheck {
			ttlCheck = 1
		}
		if err := batch.Append(
			ipColumn(row.SourceIP), ipColumn(row.DestinationPrefix), ipColumn(row.DestinationIP), ipColumn(row.ReplyIP),
			row.Protocol, row.SourcePort, row.DestinationPort, row.TTL, ttlCheck,
			row.ICMPType, row.ICMPCode, row.RTT, row.ReplyTTL, row.ReplySize,
			uint16(row.Round), uint16(row.Snapshot),
		); err != nil {
			return fmt.Errorf("database: append row to %s: %w", table, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("database: send batch to %s: %w", table, err)
	}
	return nil
}

// Register inserts a new measurement_agent row with state=Ongoing,
// timestamp=now (spec §4.3 register).
func (r *Registry) Register(ctx context.Context, req model.MeasurementRequest, agentUUID uuid.UUID, params model.AgentParameters) error {
	var agent *model.AgentRequest
	for i := range req.Agents {
		if req.Agents[i].AgentUUID == agentUUID {
			agent = &req.Agents[i]
			break
		}
	}
	if agent == nil {
		return fmt.Errorf("database: register: agent %s not present in measurement request", agentUUID)
	}

	agentParamsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("database: marshal agent parameters: %w", err)
	}
	toolParamsJSON, err := json.Marshal(agent.ToolParameters)
	if err != nil {
		return fmt.Errorf("database: marshal tool parameters: %w", err)
	}

	return r.conn.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s
		(measurement_uuid, agent_uuid, target_file, probing_rate, probing_statistics, agent_parameters, tool_parameters, state, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, r.agentsTable),
		req.UUID, agentUUID, agent.TargetFile, agent.ProbingRate, "{}", string(agentParamsJSON), string(toolParamsJSON), string(model.AgentOngoing), time.Now(),
	)
}

// CreateMeasurement inserts the top-level measurement row (spec §3), one
// per MeasurementRequest, ahead of the per-agent Register calls.
func (r *Registry) CreateMeasurement(ctx context.Context, req model.MeasurementRequest) error {
	return r.conn.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (uuid, user, tool, tags, created_at, end_time)
		VALUES (?, ?, ?, ?, ?, NULL)
	`, r.measurementsTable), req.UUID, req.User, string(req.Tool), req.Tags, time.Now())
}

// GetMeasurement returns the top-level measurement row, or nil if absent.
func (r *Registry) GetMeasurement(ctx context.Context, measurementUUID uuid.UUID) (*model.Measurement, error) {
	rows, err := r.conn.Query(ctx, fmt.Sprintf(
		"SELECT uuid, user, tool, tags, created_at, end_time FROM %s WHERE uuid = ?",
		r.measurementsTable), measurementUUID)
	if err != nil {
		return nil, fmt.Errorf("database: get measurement(%s): %w", measurementUUID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}

	var (
		m       model.Measurement
		tool    string
		endTime *time.Time
	)
	if err := rows.Scan(&m.UUID, &m.User, &tool, &m.Tags, &m.CreatedAt, &endTime); err != nil {
		return nil, fmt.Errorf("database: scan measurement: %w", err)
	}
	m.Tool = model.Tool(tool)
	m.EndTime = endTime
	return &m, rows.Err()
}

// StampMeasurementEndIfAllTerminal stamps the measurement's end_time once
// every participating agent has reached a terminal state (spec §4.2 step
// 5), and reports whether that condition held so the caller can retire the
// measurement's bus state. A measurement with no agents yet is left
// untouched and reports false.
func (r *Registry) StampMeasurementEndIfAllTerminal(ctx context.Context, measurementUUID uuid.UUID) (bool, error) {
	agents, err := r.All(ctx, measurementUUID)
	if err != nil {
		return false, err
	}
	if len(agents) == 0 {
		return false, nil
	}
	for _, ag := range agents {
		if !ag.State.IsTerminal() {
			return false, nil
		}
	}

	if err := r.conn.Exec(ctx, fmt.Sprintf(`
		ALTER TABLE %s
		UPDATE end_time = ?
		WHERE uuid = ? AND end_time IS NULL
		SETTINGS mutations_sync = 1
	`, r.measurementsTable), time.Now(), measurementUUID); err != nil {
		return false, err
	}
	return true, nil
}

// All returns every MeasurementAgent participating in measurementUUID
// (spec §4.3 all).
func (r *Registry) All(ctx context.Context, measurementUUID uuid.UUID) ([]model.MeasurementAgent, error) {
	rows, err := r.conn.Query(ctx, fmt.Sprintf(
		"SELECT measurement_uuid, agent_uuid, target_file, probing_rate, probing_statistics, agent_parameters, tool_parameters, state, start_time, end_time, warning FROM %s WHERE measurement_uuid = ?",
		r.agentsTable), measurementUUID)
	if err != nil {
		return nil, fmt.Errorf("database: all(%s): %w", measurementUUID, err)
	}
	defer rows.Close()

	var out []model.MeasurementAgent
	for rows.Next() {
		ma, err := scanMeasurementAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ma)
	}
	return out, rows.Err()
}

// Get returns one agent's participation in a measurement, or nil if absent
// (spec §4.3 get).
func (r *Registry) Get(ctx context.Context, measurementUUID, agentUUID uuid.UUID) (*model.MeasurementAgent, error) {
	rows, err := r.conn.Query(ctx, fmt.Sprintf(
		"SELECT measurement_uuid, agent_uuid, target_file, probing_rate, probing_statistics, agent_parameters, tool_parameters, state, start_time, end_time, warning FROM %s WHERE measurement_uuid = ? AND agent_uuid = ?",
		r.agentsTable), measurementUUID, agentUUID)
	if err != nil {
		return nil, fmt.Errorf("database: get(%s,%s): %w", measurementUUID, agentUUID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	ma, err := scanMeasurementAgent(rows)
	if err != nil {
		return nil, err
	}
	return &ma, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeasurementAgent(rows rowScanner) (model.MeasurementAgent, error) {
	var (
		ma                                                 model.MeasurementAgent
		probingStatsJSON, agentParamsJSON, toolParamsJSON  string
		state                                              string
		endTime                                            *time.Time
		warning                                            uint8
	)

	if err := rows.Scan(
		&ma.MeasurementUUID, &ma.AgentUUID, &ma.Specific.TargetFile, &ma.Specific.ProbingRate,
		&probingStatsJSON, &agentParamsJSON, &toolParamsJSON, &state, &ma.StartTime, &endTime, &warning,
	); err != nil {
		return ma, fmt.Errorf("database: scan measurement_agent: %w", err)
	}

	ma.State = model.AgentState(state)
	ma.EndTime = endTime
	ma.Warning = warning != 0

	if err := json.Unmarshal([]byte(agentParamsJSON), &ma.Parameters); err != nil {
		return ma, fmt.Errorf("database: unmarshal agent_parameters: %w", err)
	}
	if err := json.Unmarshal([]byte(toolParamsJSON), &ma.Specific.ToolParameters); err != nil {
		return ma, fmt.Errorf("database: unmarshal tool_parameters: %w", err)
	}

	rawStats := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(probingStatsJSON), &rawStats); err != nil {
		return ma, fmt.Errorf("database: unmarshal probing_statistics: %w", err)
	}
	ma.ProbingStatistics = make(model.ProbingStatistics, len(rawStats))
	for roundStr, raw := range rawStats {
		round, err := strconv.Atoi(roundStr)
		if err != nil {
			continue
		}
		var stats model.Stats
		if err := json.Unmarshal(raw, &stats); err != nil {
			return ma, fmt.Errorf("database: unmarshal stats for round %s: %w", roundStr, err)
		}
		ma.ProbingStatistics[round] = stats
	}

	return ma, nil
}

// StoreProbingStatistics performs the read-modify-write of the
// probing_statistics JSON map for one round, then commits the mutation
// synchronously (spec §4.3, §9 design note). Round keys are normalized to
// strings at this storage boundary (spec §9 Open Question 2).
func (r *Registry) StoreProbingStatistics(ctx context.Context, measurementUUID, agentUUID uuid.UUID, round int, stats model.Stats) error {
	current, err := r.Get(ctx, measurementUUID, agentUUID)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("database: store_probing_statistics: no row for (%s,%s)", measurementUUID, agentUUID)
	}

	merged := map[string]model.Stats{}
	for r, s := range current.ProbingStatistics {
		merged[strconv.Itoa(r)] = s
	}
	merged[strconv.Itoa(round)] = stats

	payload, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("database: marshal probing_statistics: %w", err)
	}

	return r.conn.Exec(ctx, fmt.Sprintf(`
		ALTER TABLE %s
		UPDATE probing_statistics = ?
		WHERE measurement_uuid = ? AND agent_uuid = ?
		SETTINGS mutations_sync = 1
	`, r.agentsTable), string(payload), measurementUUID, agentUUID)
}

// StampFinished transitions a measurement_agent row to Finished, but only
// if it is not already in a terminal state — "first terminal wins" (spec §8
// testable property 3, resolved in favor of the spec's mandated rule).
func (r *Registry) StampFinished(ctx context.Context, measurementUUID, agentUUID uuid.UUID) error {
	return r.stampTerminal(ctx, measurementUUID, agentUUID, model.AgentFinished)
}

// StampCanceled transitions a measurement_agent row to Canceled, subject to
// the same first-terminal-wins rule as StampFinished.
func (r *Registry) StampCanceled(ctx context.Context, measurementUUID, agentUUID uuid.UUID) error {
	return r.stampTerminal(ctx, measurementUUID, agentUUID, model.AgentCanceled)
}

// StampFailed transitions a measurement_agent row to AgentFailure, subject
// to the same rule.
func (r *Registry) StampFailed(ctx context.Context, measurementUUID, agentUUID uuid.UUID) error {
	return r.stampTerminal(ctx, measurementUUID, agentUUID, model.AgentFailureState)
}

// SetWarning flags a measurement_agent row as having completed with a
// warning (spec §4.2 tie-break: zero parsed rows despite nonzero
// probes_sent is still terminal-Finished, but marked). Not part of the
// spec's §4.3 public operations list, which predates the warning flag;
// added alongside model.MeasurementAgent.Warning.
func (r *Registry) SetWarning(ctx context.Context, measurementUUID, agentUUID uuid.UUID) error {
	return r.conn.Exec(ctx, fmt.Sprintf(`
		ALTER TABLE %s
		UPDATE warning = 1
		WHERE measurement_uuid = ? AND agent_uuid = ?
		SETTINGS mutations_sync = 1
	`, r.agentsTable), measurementUUID, agentUUID)
}

func (r *Registry) stampTerminal(ctx context.Context, measurementUUID, agentUUID uuid.UUID, next model.AgentState) error {
	current, err := r.Get(ctx, measurementUUID, agentUUID)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("database: stamp %s: no row for (%s,%s)", next, measurementUUID, agentUUID)
	}
	if current.State.IsTerminal() {
		// First terminal wins; a later stamp is a no-op.
		return nil
	}

	return r.conn.Exec(ctx, fmt.Sprintf(`
		ALTER TABLE %s
		UPDATE state = ?, end_time = ?
		WHERE measurement_uuid = ? AND agent_uuid = ?
		SETTINGS mutations_sync = 1
	`, r.agentsTable), string(next), time.Now(), measurementUUID, agentUUID)
}

// Close releases the underlying ClickHouse connection.
func (r *Registry) Close() error {
	return r.conn.Close()
}
