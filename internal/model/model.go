// Package model defines the data model shared by the agent, worker,
// registry, and controller: measurements, agent participations, round
// tasks, and parsed result rows (spec §3).
package model

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// Tool is the probing strategy used for a measurement.
type Tool string

const (
	ToolDiamondMiner Tool = "diamond_miner"
	ToolYarrp        Tool = "yarrp"
	ToolPing         Tool = "ping"
	ToolProbes       Tool = "probes"
)

// AgentState is the lifecycle state of one agent's participation in one
// measurement. {Finished,Canceled,AgentFailure} are terminal; Created and
// Ongoing are not.
type AgentState string

const (
	AgentCreated      AgentState = "created"
	AgentOngoing      AgentState = "ongoing"
	AgentFinished     AgentState = "finished"
	AgentCanceled     AgentState = "canceled"
	AgentFailureState AgentState = "agent_failure"
)

// IsTerminal reports whether s is a terminal state for a MeasurementAgent.
func (s AgentState) IsTerminal() bool {
	switch s {
	case AgentFinished, AgentCanceled, AgentFailureState:
		return true
	default:
		return false
	}
}

// rank gives the partial order Created < Ongoing < terminal used to reject
// state downgrades (spec §4.3 invariants).
func (s AgentState) rank() int {
	switch s {
	case AgentCreated:
		return 0
	case AgentOngoing:
		return 1
	default:
		return 2
	}
}

// CanTransitionTo reports whether moving from s to next respects the
// monotonic partial order Created < Ongoing < terminal. Terminal states
// never transition to one another; callers enforce "first terminal wins"
// separately (see internal/database).
func (s AgentState) CanTransitionTo(next AgentState) bool {
	if s.IsTerminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// ToolParameters are the per-agent probing parameters captured at
// registration (spec §3 MeasurementAgent.Attributes).
type ToolParameters struct {
	Protocol          string          `json:"protocol"`
	MinTTL            int             `json:"min_ttl"`
	MaxTTL            int             `json:"max_ttl"`
	DestinationPort   int             `json:"destination_port"`
	FlowMapper        string          `json:"flow_mapper"`
	FlowMapperKwargs  map[string]any  `json:"flow_mapper_kwargs,omitempty"`
	MaxRound          int             `json:"max_round"`
	NPackets          int             `json:"n_packets,omitempty"`
	Full              bool            `json:"full"`
}

// AgentParameters is a snapshot of a live agent's advertised capabilities,
// captured into the registry at registration time (spec §3
// AgentRegistration).
type AgentParameters struct {
	Hostname         string `json:"hostname"`
	Version          string `json:"version"`
	IPAddress        string `json:"ip_address"`
	ProbingRate      uint32 `json:"max_probing_rate"`
	IPsPerSubnet     int    `json:"ips_per_subnet"`
	MinTTL           int    `json:"min_ttl"`
	MaxTTL           int    `json:"max_ttl"`
}

// AgentLifecycleState is an AgentRegistration's advertised liveness state
// on the bus (spec §3), distinct from AgentState (the per-measurement
// participation state owned by the registry).
type AgentLifecycleState string

const (
	AgentIdle    AgentLifecycleState = "idle"
	AgentWorking AgentLifecycleState = "working"
	AgentUnknown AgentLifecycleState = "unknown"
)

// AgentRegistration is the ephemeral, bus-resident record of a live agent.
type AgentRegistration struct {
	AgentUUID  uuid.UUID            `json:"agent_uuid"`
	Parameters AgentParameters      `json:"parameters"`
	State      AgentLifecycleState  `json:"state"`
	Heartbeat  int64                `json:"heartbeat"` // unix seconds, monotonic
}

// Stats holds one round's probing statistics as reported by the prober's
// trailing summary lines (spec §4.2 step 3).
type Stats struct {
	ProbesSent        uint64  `json:"probes_sent"`
	RepliesReceived   uint64  `json:"replies_received"`
	FilteredLowTTL    uint64  `json:"filtered_low_ttl"`
	FilteredHighTTL   uint64  `json:"filtered_high_ttl"`
	FilteredOutOfGap  uint64  `json:"filtered_out_of_gap"`
	FilteredDuplicate uint64  `json:"filtered_duplicate"`
	DurationSeconds   float64 `json:"duration_seconds"`
	PeakMemoryMiB     uint64  `json:"peak_memory_mib"`
}

// ProbingStatistics maps round number to that round's Stats. Normalized to
// int at this API boundary; stored as string keys in the registry's JSON
// blob (spec §9 Open Question 2).
type ProbingStatistics map[int]Stats

// MeasurementAgentSpecific carries the per-agent request parameters that
// are immutable after creation (spec §3 invariants: target_file immutable).
type MeasurementAgentSpecific struct {
	TargetFile     string         `json:"target_file,omitempty"`
	ProbingRate    uint32         `json:"probing_rate"`
	ToolParameters ToolParameters `json:"tool_parameters"`
}

// MeasurementAgent is the participation of one agent in one measurement
// (spec §3).
type MeasurementAgent struct {
	MeasurementUUID   uuid.UUID         `json:"measurement_uuid"`
	AgentUUID         uuid.UUID         `json:"agent_uuid"`
	State             AgentState        `json:"state"`
	Specific          MeasurementAgentSpecific `json:"specific"`
	Parameters        AgentParameters   `json:"parameters"`
	ProbingStatistics ProbingStatistics `json:"probing_statistics"`
	StartTime         time.Time         `json:"start_time"`
	EndTime           *time.Time        `json:"end_time,omitempty"`
	Warning           bool              `json:"warning,omitempty"`
}

// Measurement is a user-submitted measurement campaign (spec §3).
type Measurement struct {
	UUID       uuid.UUID  `json:"uuid"`
	User       string     `json:"user"`
	Tool       Tool       `json:"tool"`
	Tags       []string   `json:"tags,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	EndTime    *time.Time `json:"end_time,omitempty"`
}

// MeasurementRequest is the accepted shape of a user's measurement
// submission, the controller's input (spec §2 item 5).
type MeasurementRequest struct {
	UUID       uuid.UUID
	User       string
	Tool       Tool
	Tags       []string
	Agents     []AgentRequest
}

// AgentRequest is one agent's participation request within a
// MeasurementRequest.
type AgentRequest struct {
	AgentUUID      uuid.UUID
	TargetFile     string
	ProbingRate    uint32
	ToolParameters ToolParameters
}

// RoundTask is a single unit dispatched from worker to agent on the bus
// (spec §3).
type RoundTask struct {
	MeasurementUUID uuid.UUID      `json:"measurement_uuid"`
	AgentUUID       uuid.UUID      `json:"agent_uuid"`
	RoundNumber     int            `json:"round_number"`
	ToolParameters  ToolParameters `json:"tool_parameters"`
	ProbingRate     uint32         `json:"probing_rate"`
	TargetFileKey   string         `json:"target_file_key,omitempty"`
	ProbesFileKey   string         `json:"probes_file_key,omitempty"`
	Username        string         `json:"username"`
}

// RoundComplete is the bus entry published by an agent after a round
// finishes, consumed by the worker round pipeline (spec §4.2).
type RoundComplete struct {
	MeasurementUUID uuid.UUID `json:"measurement_uuid"`
	AgentUUID       uuid.UUID `json:"agent_uuid"`
	RoundNumber     int       `json:"round_number"`
	ResultKey       string    `json:"result_key"`
	Canceled        bool      `json:"canceled"`
}

// ResultRow is one parsed prober output row (spec §3). The four address
// fields hold their underlying 32- or 128-bit value, not a dotted/hex
// string; netip.Addr's MarshalText/UnmarshalText only render them as
// strings at a JSON boundary, the same storage/formatter split the
// registry's ClickHouse columns use (IPv6-typed, never String).
type ResultRow struct {
	SourceIP          netip.Addr `json:"source_ip"`
	DestinationPrefix netip.Addr `json:"destination_prefix"`
	DestinationIP     netip.Addr `json:"destination_ip"`
	ReplyIP           netip.Addr `json:"reply_ip"`
	Protocol          uint8      `json:"protocol"`
	SourcePort        uint16     `json:"source_port"`
	DestinationPort   uint16     `json:"destination_port"`
	TTL               uint8      `json:"ttl"`
	TTLCheck          bool       `json:"ttl_check"`
	ICMPType          uint8      `json:"icmp_type"`
	ICMPCode          uint8      `json:"icmp_code"`
	RTT               float64    `json:"rtt"`
	ReplyTTL          uint8      `json:"reply_ttl"`
	ReplySize         uint16     `json:"reply_size"`
	Round             int        `json:"round"`
	Snapshot          int        `json:"snapshot"`
}
