package planner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/prosearch/internal/evidence"
	"github.com/Kocoro-lab/prosearch/internal/util"
)

type scriptedGenerator struct {
	rounds [][]string
	err    error
	calls  []int
}

func (g *scriptedGenerator) GenerateQueries(ctx context.Context, topic string, count int) ([]string, error) {
	g.calls = append(g.calls, count)
	if g.err != nil {
		return nil, g.err
	}
	if len(g.calls) > len(g.rounds) {
		return nil, nil
	}
	return g.rounds[len(g.calls)-1], nil
}

func TestBudgetForTable(t *testing.T) {
	assert.Equal(t, Budget{InitialQueries: 1, MaxLoops: 1}, BudgetFor(EffortLow))
	assert.Equal(t, Budget{InitialQueries: 3, MaxLoops: 3}, BudgetFor(EffortMedium))
	assert.Equal(t, Budget{InitialQueries: 5, MaxLoops: 10}, BudgetFor(EffortHigh))
}

func TestParseEffort(t *testing.T) {
	for in, want := range map[string]Effort{"low": EffortLow, " HIGH ": EffortHigh, "Medium": EffortMedium, "": EffortMedium} {
		got, err := ParseEffort(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseEffort("extreme")
	assert.ErrorIs(t, err, ErrUnknownEffort)
}

func TestPlanReturnsExactCountForEveryTier(t *testing.T) {
	outputs := map[string][]string{
		"too many":   {"a", "b", "c", "d", "e", "f", "g"},
		"too few":    {"a"},
		"duplicates": {"Meditation", "meditation ", "MEDITATION", ""},
		"nothing":    nil,
	}
	for name, out := range outputs {
		for _, effort := range []Effort{EffortLow, EffortMedium, EffortHigh} {
			t.Run(name+"/"+string(effort), func(t *testing.T) {
				gen := &scriptedGenerator{rounds: [][]string{out}}
				p := New(gen, zaptest.NewLogger(t))
				count := BudgetFor(effort).InitialQueries

				qs, err := p.Plan(context.Background(), "benefits of meditation", count)
				require.NoError(t, err)
				require.Len(t, qs, count)

				texts := make([]string, len(qs))
				for i, q := range qs {
					assert.NotEmpty(t, q.Text)
					assert.Equal(t, evidence.HintBoth, q.Hint)
					texts[i] = q.Text
				}
				assert.Len(t, util.DedupeFold(texts), count, "queries must be distinct: %v", texts)
			})
		}
	}
}

func TestPlanAsksAgainForShortfall(t *testing.T) {
	gen := &scriptedGenerator{rounds: [][]string{{"a", "A"}, {"b", "c"}}}
	qs, err := New(gen, zaptest.NewLogger(t)).Plan(context.Background(), "topic", 3)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, gen.calls)
	assert.Equal(t, []evidence.SearchQuery{evidence.NewQuery("a"), evidence.NewQuery("b"), evidence.NewQuery("c")}, qs)
}

func TestPlanPropagatesGeneratorError(t *testing.T) {
	gen := &scriptedGenerator{err: errors.New("llm down")}
	_, err := New(gen, zaptest.NewLogger(t)).Plan(context.Background(), "topic", 3)
	assert.ErrorContains(t, err, "llm down")
}

func TestPlanRejectsBadInput(t *testing.T) {
	p := New(&scriptedGenerator{}, zaptest.NewLogger(t))
	_, err := p.Plan(context.Background(), "topic", 0)
	assert.ErrorIs(t, err, ErrInvalidCount)
	_, err = p.Plan(context.Background(), "   ", 1)
	assert.Error(t, err)
}

func TestPadTerminatesWithDistinctValues(t *testing.T) {
	out := pad(nil, "x", 20)
	assert.Len(t, out, 20)
	assert.Len(t, util.DedupeFold(out), 20)
}

func TestLoadEffortTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "efforts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("efforts:\n  high:\n    initial_queries: 4\n    max_loops: 6\n"), 0o600))

	table, err := LoadEffortTable(path)
	require.NoError(t, err)
	assert.Equal(t, Budget{InitialQueries: 4, MaxLoops: 6}, table.Budget(EffortHigh))
	assert.Equal(t, BudgetFor(EffortLow), table.Budget(EffortLow))

	def, err := LoadEffortTable("")
	require.NoError(t, err)
	assert.Equal(t, DefaultEffortTable(), def)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("efforts:\n  low: {initial_queries: 0, max_loops: 1}\n"), 0o600))
	_, err = LoadEffortTable(bad)
	assert.Error(t, err)

	_, err = LoadEffortTable(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
