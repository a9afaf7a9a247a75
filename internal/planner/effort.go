package planner

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Effort is the user-selected breadth/depth tier.
type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

// ErrUnknownEffort is returned for effort names other than low, medium and high.
var ErrUnknownEffort = errors.New("unknown effort")

// ParseEffort accepts an effort name in any case. An empty string selects
// medium.
func ParseEffort(s string) (Effort, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return EffortLow, nil
	case "", "medium":
		return EffortMedium, nil
	case "high":
		return EffortHigh, nil
	default:
		return "", fmt.Errorf("%w %q (want low, medium or high)", ErrUnknownEffort, s)
	}
}

// Budget bounds one research session.
type Budget struct {
	InitialQueries int `yaml:"initial_queries" json:"initial_queries" mapstructure:"initial_queries"`
	MaxLoops       int `yaml:"max_loops" json:"max_loops" mapstructure:"max_loops"`
}

// BudgetFor is the fixed effort table. high pairs 5 queries with 10 loops.
func BudgetFor(e Effort) Budget {
	switch e {
	case EffortLow:
		return Budget{InitialQueries: 1, MaxLoops: 1}
	case EffortHigh:
		return Budget{InitialQueries: 5, MaxLoops: 10}
	default:
		return Budget{InitialQueries: 3, MaxLoops: 3}
	}
}

// EffortTable lets operators override budgets per tier.
type EffortTable map[Effort]Budget

// DefaultEffortTable returns BudgetFor for every tier.
func DefaultEffortTable() EffortTable {
	return EffortTable{
		EffortLow:    BudgetFor(EffortLow),
		EffortMedium: BudgetFor(EffortMedium),
		EffortHigh:   BudgetFor(EffortHigh),
	}
}

// Budget returns the budget for e, falling back to BudgetFor.
func (t EffortTable) Budget(e Effort) Budget {
	if b, ok := t[e]; ok {
		return b
	}
	return BudgetFor(e)
}

// LoadEffortTable reads budget overrides from a YAML file of the form
//
//	efforts:
//	  high: {initial_queries: 5, max_loops: 10}
//
// Tiers missing from the file keep their defaults.
func LoadEffortTable(path string) (EffortTable, error) {
	table := DefaultEffortTable()
	if path == "" {
		return table, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read effort table: %w", err)
	}
	var doc struct {
		Efforts map[string]Budget `yaml:"efforts"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse effort table: %w", err)
	}
	for name, b := range doc.Efforts {
		e, err := ParseEffort(name)
		if err != nil {
			return nil, err
		}
		if b.InitialQueries < 1 || b.MaxLoops < 1 {
			return nil, fmt.Errorf("effort %s: initial_queries and max_loops must be at least 1", e)
		}
		table[e] = b
	}
	return table, nil
}
