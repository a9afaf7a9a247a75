package reflection

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/prosearch/internal/evidence"
	"github.com/Kocoro-lab/prosearch/internal/llm"
)

type stubReflector struct {
	out       llm.Reflection
	err       error
	summaries []string
}

func (s *stubReflector) Reflect(ctx context.Context, topic string, summaries []string) (llm.Reflection, error) {
	s.summaries = summaries
	return s.out, s.err
}

func TestNormalizeDropsFollowUpsWhenSufficient(t *testing.T) {
	v := Normalize(llm.Reflection{IsSufficient: true, KnowledgeGap: "x", FollowUpQueries: []string{"a", "b"}})
	assert.True(t, v.IsSufficient)
	assert.Empty(t, v.FollowUpQueries)
	assert.Empty(t, v.KnowledgeGap)
}

func TestNormalizeDedupesFollowUps(t *testing.T) {
	v := Normalize(llm.Reflection{FollowUpQueries: []string{" dosage ", "Dosage", "", "side effects"}})
	assert.False(t, v.IsSufficient)
	assert.Equal(t, []evidence.SearchQuery{evidence.NewQuery("dosage"), evidence.NewQuery("side effects")}, v.FollowUpQueries)
}

func FuzzNormalizeSufficientHasNoFollowUps(f *testing.F) {
	f.Add(true, "a", "b", "gap")
	f.Add(false, "", "  ", "")
	f.Add(false, "same", "SAME", "gap")
	f.Fuzz(func(t *testing.T, sufficient bool, q1, q2, gap string) {
		v := Normalize(llm.Reflection{IsSufficient: sufficient, KnowledgeGap: gap, FollowUpQueries: []string{q1, q2}})
		if v.IsSufficient && len(v.FollowUpQueries) != 0 {
			t.Fatalf("sufficient verdict carries %d follow-ups", len(v.FollowUpQueries))
		}
		if v.IsSufficient != sufficient {
			t.Fatalf("sufficiency flipped")
		}
		seen := map[string]bool{}
		for _, q := range v.FollowUpQueries {
			if q.Text == "" {
				t.Fatalf("empty follow-up query")
			}
			if seen[q.Key()] {
				t.Fatalf("duplicate follow-up %q", q.Text)
			}
			seen[q.Key()] = true
		}
	})
}

func TestEngineReflectFormatsEvidence(t *testing.T) {
	model := &stubReflector{out: llm.Reflection{IsSufficient: false, FollowUpQueries: []string{"next"}}}
	e := New(model, zaptest.NewLogger(t))

	items := []evidence.Item{
		{Kind: evidence.KindWeb, Query: "q", Content: "fact", Locator: "https://a.example"},
	}
	v, err := e.Reflect(context.Background(), "topic", items)
	require.NoError(t, err)
	assert.Len(t, v.FollowUpQueries, 1)
	require.Len(t, model.summaries, 1)
	assert.Contains(t, model.summaries[0], "fact [1]")
}

func TestEngineReflectPropagatesModelError(t *testing.T) {
	e := New(&stubReflector{err: errors.New("unavailable")}, zaptest.NewLogger(t))
	_, err := e.Reflect(context.Background(), "topic", nil)
	assert.ErrorContains(t, err, "unavailable")
}
