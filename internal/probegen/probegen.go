// Package probegen generates the probe CSV rows streamed into the
// prober's stdin or written to a probes file, and decodes the prober's
// trailing "# key=value" summary lines into model.Stats (spec §4.1 step 2,
// §4.2 step 3). It does not reimplement the prober's own packet
// generation/encoding logic, which stays external to this repo (spec
// Non-goals).
package probegen

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"

	"github.com/traceroute-cloud/iris/internal/flowmapper"
	"github.com/traceroute-cloud/iris/internal/model"
)

// Probe is one generated probe row (spec GLOSSARY: a single outbound
// packet characterized by (dst, sport, dport, ttl, proto)).
type Probe struct {
	Destination netip.Addr
	SourcePort  uint16
	DestPort    uint16
	TTL         uint8
	Protocol    string
}

// EncodeCSVLine renders a Probe as the CSV line the prober's --input-file
// and stdin formats expect.
func EncodeCSVLine(p Probe) string {
	return fmt.Sprintf("%s,%d,%d,%d,%s", p.Destination, p.SourcePort, p.DestPort, p.TTL, p.Protocol)
}

// GenerateForPrefixes produces one Probe per (prefix, flow index) pair,
// for flowIndex in [minFlow, maxFlow], using mapper to vary the address
// and source port within each prefix (spec §4.1 step 1).
func GenerateForPrefixes(prefixes []netip.Prefix, minFlow, maxFlow int, destPort uint16, protocol string, mapper flowmapper.Mapper) ([]Probe, error) {
	var out []Probe
	for _, prefix := range prefixes {
		for flow := minFlow; flow <= maxFlow; flow++ {
			addr, srcPort, err := mapper.Map(prefix, flow)
			if err != nil {
				return nil, fmt.Errorf("probegen: map flow %d of %s: %w", flow, prefix, err)
			}
			out = append(out, Probe{
				Destination: addr,
				SourcePort:  srcPort,
				DestPort:    destPort,
				TTL:         0, // TTL sweep is the prober's responsibility via --filter-min-ttl/--filter-max-ttl
				Protocol:    protocol,
			})
		}
	}
	return out, nil
}

// WriteCSV writes probes as CSV lines, one per line, to w. Used both for
// the stdin-streamed round-1 case and for the next-round probes file
// (spec §4.2 step 6), honoring the pull-based backpressure the prober's
// stdin consumption imposes (spec §9 design note): the caller controls
// pacing by how it drives WriteCSV, this function itself performs no
// buffering beyond bufio's.
func WriteCSV(w io.Writer, probes []Probe) error {
	bw := bufio.NewWriter(w)
	for _, p := range probes {
		if _, err := bw.WriteString(EncodeCSVLine(p) + "\n"); err != nil {
			return fmt.Errorf("probegen: write csv line: %w", err)
		}
	}
	return bw.Flush()
}

// ParseSummaryLines extracts the trailing "#key=value" stats lines the
// prober appends to its result CSV (spec §6 Result-file format) into a
// model.Stats. Unrecognized keys are ignored.
func ParseSummaryLines(lines []string) model.Stats {
	var stats model.Stats
	for _, line := range lines {
		line = strings.TrimPrefix(line, "#")
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])

		switch key {
		case "probes_sent":
			stats.ProbesSent, _ = strconv.ParseUint(val, 10, 64)
		case "replies_received":
			stats.RepliesReceived, _ = strconv.ParseUint(val, 10, 64)
		case "filtered_low_ttl":
			stats.FilteredLowTTL, _ = strconv.ParseUint(val, 10, 64)
		case "filtered_high_ttl":
			stats.FilteredHighTTL, _ = strconv.ParseUint(val, 10, 64)
		case "filtered_out_of_gap":
			stats.FilteredOutOfGap, _ = strconv.ParseUint(val, 10, 64)
		case "filtered_duplicate":
			stats.FilteredDuplicate, _ = strconv.ParseUint(val, 10, 64)
		case "duration_seconds":
			stats.DurationSeconds, _ = strconv.ParseFloat(val, 64)
		case "peak_memory_mib":
			stats.PeakMemoryMiB, _ = strconv.ParseUint(val, 10, 64)
		}
	}
	return stats
}

// resultRowFields is the column count of one result-file data row (spec §3
// ResultRow / §6 result-file format).
const resultRowFields = 16

// ParseResultRows parses a prober output CSV's data rows (as split out by
// SplitResultAndSummary) into model.ResultRow values (spec §4.2 step 1).
func ParseResultRows(dataLines []string) ([]model.ResultRow, error) {
	out := make([]model.ResultRow, 0, len(dataLines))
	for i, line := range dataLines {
		row, err := parseResultRow(line)
		if err != nil {
			return nil, fmt.Errorf("probegen: result row %d: %w", i+1, err)
		}
		out = append(out, row)
	}
	return out, nil
}

func parseResultRow(line string) (model.ResultRow, error) {
	fields := strings.Split(line, ",")
	if len(fields) != resultRowFields {
		return model.ResultRow{}, fmt.Errorf("expected %d comma-separated fields, got %d", resultRowFields, len(fields))
	}

	protocol, err := strconv.ParseUint(fields[4], 10, 8)
	if err != nil {
		return model.ResultRow{}, fmt.Errorf("protocol: %w", err)
	}
	srcPort, err := strconv.ParseUint(fields[5], 10, 16)
	if err != nil {
		return model.ResultRow{}, fmt.Errorf("source_port: %w", err)
	}
	dstPort, err := strconv.ParseUint(fields[6], 10, 16)
	if err != nil {
		return model.ResultRow{}, fmt.Errorf("destination_port: %w", err)
	}
	ttl, err := strconv.ParseUint(fields[7], 10, 8)
	if err != nil {
		return model.ResultRow{}, fmt.Errorf("ttl: %w", err)
	}
	ttlCheck, err := strconv.ParseBool(fields[8])
	if err != nil {
		return model.ResultRow{}, fmt.Errorf("ttl_check: %w", err)
	}
	icmpType, err := strconv.ParseUint(fields[9], 10, 8)
	if err != nil {
		return model.ResultRow{}, fmt.Errorf("icmp_type: %w", err)
	}
	icmpCode, err := strconv.ParseUint(fields[10], 10, 8)
	if err != nil {
		return model.ResultRow{}, fmt.Errorf("icmp_code: %w", err)
	}
	rtt, err := strconv.ParseFloat(fields[11], 64)
	if err != nil {
		return model.ResultRow{}, fmt.Errorf("rtt: %w", err)
	}
	replyTTL, err := strconv.ParseUint(fields[12], 10, 8)
	if err != nil {
		return model.ResultRow{}, fmt.Errorf("reply_ttl: %w", err)
	}
	replySize, err := strconv.ParseUint(fields[13], 10, 16)
	if err != nil {
		return model.ResultRow{}, fmt.Errorf("reply_size: %w", err)
	}
	round, err := strconv.Atoi(fields[14])
	if err != nil {
		return model.ResultRow{}, fmt.Errorf("round: %w", err)
	}
	snapshot, err := strconv.Atoi(fields[15])
	if err != nil {
		return model.ResultRow{}, fmt.Errorf("snapshot: %w", err)
	}

	sourceIP, err := netip.ParseAddr(fields[0])
	if err != nil {
		return model.ResultRow{}, fmt.Errorf("source_ip: %w", err)
	}
	destinationPrefix, err := netip.ParseAddr(fields[1])
	if err != nil {
		return model.ResultRow{}, fmt.Errorf("destination_prefix: %w", err)
	}
	destinationIP, err := netip.ParseAddr(fields[2])
	if err != nil {
		return model.ResultRow{}, fmt.Errorf("destination_ip: %w", err)
	}
	replyIP, err := netip.ParseAddr(fields[3])
	if err != nil {
		return model.ResultRow{}, fmt.Errorf("reply_ip: %w", err)
	}

	return model.ResultRow{
		SourceIP:          sourceIP,
		DestinationPrefix: destinationPrefix,
		DestinationIP:     destinationIP,
		ReplyIP:           replyIP,
		Protocol:          uint8(protocol),
		SourcePort:        uint16(srcPort),
		DestinationPort:   uint16(dstPort),
		TTL:               uint8(ttl),
		TTLCheck:          ttlCheck,
		ICMPType:          uint8(icmpType),
		ICMPCode:          uint8(icmpCode),
		RTT:               rtt,
		ReplyTTL:          uint8(replyTTL),
		ReplySize:         uint16(replySize),
		Round:             round,
		Snapshot:          snapshot,
	}, nil
}

// SplitResultAndSummary separates a prober output CSV's data rows from its
// trailing "#"-prefixed summary lines (spec §6).
func SplitResultAndSummary(content string) (dataLines, summaryLines []string) {
	for _, line := range strings.Split(content, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			summaryLines = append(summaryLines, line)
		} else {
			dataLines = append(dataLines, line)
		}
	}
	return dataLines, summaryLines
}
