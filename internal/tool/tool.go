// Package tool is the pluggable boundary for a measurement tool's
// "next round" computation (spec §4.2 step 4): given the rows collected so
// far, decide whether probing should continue and, if so, which probes to
// send next. Like the prober binary and the probe-to-CSV wire encoding,
// the full Diamond-Miner stopping-point algorithm is an external
// collaborator (spec Non-goals: "raw packet generation logic"); this
// package defines the contract and ships simple, faithful
// implementations for the tools that do not need that algorithm.
package tool

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/traceroute-cloud/iris/internal/model"
	"github.com/traceroute-cloud/iris/internal/probegen"
)

// NextRoundInput carries everything a tool needs to decide the next round.
type NextRoundInput struct {
	Round      int
	Parameters model.ToolParameters
	Rows       []model.ResultRow
}

// NextRoundFunc computes the next round's probe set. A nil or empty
// result means the measurement-agent is done (spec §4.2 step 4(a)).
type NextRoundFunc func(ctx context.Context, in NextRoundInput) ([]probegen.Probe, error)

var registry = map[model.Tool]NextRoundFunc{
	model.ToolPing:         oneShotNextRound,
	model.ToolProbes:       oneShotNextRound,
	model.ToolDiamondMiner: diamondMinerNextRound,
	model.ToolYarrp:        oneShotNextRound,
}

// Lookup returns the NextRoundFunc registered for t, or an error for any
// name outside the closed set (same total-function discipline as
// internal/flowmapper.Lookup).
func Lookup(t model.Tool) (NextRoundFunc, error) {
	fn, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("tool: unknown tool %q", t)
	}
	return fn, nil
}

// oneShotNextRound always terminates after the first round: ping, a fixed
// probes list, and yarrp-style single-pass traceroute have no adaptive
// follow-up round in this implementation.
func oneShotNextRound(_ context.Context, _ NextRoundInput) ([]probegen.Probe, error) {
	return nil, nil
}

// diamondMinerNextRound re-probes, one TTL further, destination prefixes
// whose highest observed TTL in this round's rows is still below
// tool_parameters.max_ttl and for which no reply came from the
// destination itself, i.e. the probing frontier has not yet reached every
// destination. This is a faithful but
// intentionally simplified stand-in for Diamond Miner's actual stopping-
// point algorithm (interface/link discovery with Bayesian stopping rule),
// which lives in the external diamond-miner library the spec places out
// of scope.
func diamondMinerNextRound(_ context.Context, in NextRoundInput) ([]probegen.Probe, error) {
	if in.Round >= in.Parameters.MaxRound {
		return nil, nil
	}

	type frontier struct {
		reachedDest bool
		maxTTLSeen  uint8
	}
	byPrefix := map[netip.Addr]*frontier{}

	for _, row := range in.Rows {
		f, ok := byPrefix[row.DestinationPrefix]
		if !ok {
			f = &frontier{}
			byPrefix[row.DestinationPrefix] = f
		}
		if row.TTL > f.maxTTLSeen {
			f.maxTTLSeen = row.TTL
		}
		if row.ReplyIP == row.DestinationIP {
			f.reachedDest = true
		}
	}

	var probes []probegen.Probe
	for prefix, f := range byPrefix {
		if f.reachedDest || int(f.maxTTLSeen) >= in.Parameters.MaxTTL {
			continue
		}
		// Destination not yet reached and TTL budget remains: probe the
		// next TTL layer for this prefix's existing flows.
		for _, row := range in.Rows {
			if row.DestinationPrefix != prefix {
				continue
			}
			probes = append(probes, probegen.Probe{
				Destination: row.DestinationIP,
				SourcePort:  row.SourcePort,
				DestPort:    row.DestinationPort,
				TTL:         f.maxTTLSeen + 1,
				Protocol:    in.Parameters.Protocol,
			})
		}
	}

	return probes, nil
}
