package database

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// resultsTableNamePattern matches forge_table_name's output: two
// underscore-rewritten uuids joined by "__" (spec §6/§8 property 6).
var resultsTableNamePattern = regexp.MustCompile(`^results__[0-9a-f_]{36}__[0-9a-f_]{36}$`)

// ForgeTableName builds the deterministic per-(measurement,agent) results
// table name (spec §6): hyphens in each uuid are rewritten to underscores.
func ForgeTableName(measurementUUID, agentUUID uuid.UUID) string {
	m := strings.ReplaceAll(measurementUUID.String(), "-", "_")
	a := strings.ReplaceAll(agentUUID.String(), "-", "_")
	return fmt.Sprintf("results__%s__%s", m, a)
}

// ParseTableName inverts ForgeTableName. It is total over every string
// ForgeTableName can produce (spec §8 testable property 1).
func ParseTableName(table string) (measurementUUID, agentUUID uuid.UUID, err error) {
	if !resultsTableNamePattern.MatchString(table) {
		return uuid.Nil, uuid.Nil, fmt.Errorf("database: %q is not a results table name", table)
	}

	rest := strings.TrimPrefix(table, "results__")
	parts := strings.SplitN(rest, "__", 2)
	if len(parts) != 2 {
		return uuid.Nil, uuid.Nil, fmt.Errorf("database: %q is not a results table name", table)
	}

	measurementUUID, err = uuid.Parse(strings.ReplaceAll(parts[0], "_", "-"))
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("database: %q: bad measurement uuid: %w", table, err)
	}
	agentUUID, err = uuid.Parse(strings.ReplaceAll(parts[1], "_", "-"))
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("database: %q: bad agent uuid: %w", table, err)
	}
	return measurementUUID, agentUUID, nil
}
