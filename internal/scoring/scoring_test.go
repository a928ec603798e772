// ABOUTME: Tests for keyword scoring and static rule evaluation
// ABOUTME: Covers thresholds, case folding, rule ordering and action folding

package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-courier/internal/store"
)

func TestKeywordScorer(t *testing.T) {
	s := NewKeywordScorer(map[string]float64{"Lottery": 4, "winner": 3, "urgent": 1}, 6, 2)

	tests := []struct {
		name     string
		mail     store.AgentMail
		score    float64
		category string
	}{
		{"clean", store.AgentMail{Subject: "status", Content: "build is green"}, 0, CategoryClean},
		{"warning", store.AgentMail{Subject: "URGENT", Content: "urgent reply"}, 2, CategoryWarning},
		{"spam", store.AgentMail{Subject: "lottery", Content: "you are a WINNER"}, 7, CategorySpam},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := s.Score(&tt.mail)
			assert.InDelta(t, tt.score, v.Score, 0.001)
			assert.Equal(t, tt.category, v.Category)
			assert.Equal(t, tt.category == CategorySpam, v.IsSpam)
			assert.Equal(t, tt.category == CategoryWarning, v.IsWarning)
		})
	}

	assert.Equal(t, []string{"lottery", "urgent", "winner"}, s.Keywords())
}

func TestKeywordScorer_ZeroThresholdsNeverFlag(t *testing.T) {
	s := NewKeywordScorer(map[string]float64{"x": 100}, 0, 0)
	v := s.Score(&store.AgentMail{Content: "xxx"})
	assert.False(t, v.IsSpam)
	assert.False(t, v.IsWarning)
	assert.Equal(t, CategoryClean, v.Category)
}

func TestStaticRules_FirstMatchWins(t *testing.T) {
	rules := NewStaticRules([]Rule{
		{ID: "no-actions", SubjectContains: "deploy"},
		{ID: "bob-deploys", Agent: "bob", SubjectContains: "deploy", Actions: []string{"pin"}},
		{ID: "ci", FromContains: "ci-bot", Actions: []string{ActionMarkSafe}},
		{ID: "any-deploy", SubjectContains: "DEPLOY", Actions: []string{"label:ops"}},
	})

	m := rules.Evaluate("bob", &store.AgentMail{FromAgentID: "ci-bot", Subject: "Deploy finished"})
	require.NotNil(t, m)
	assert.Equal(t, "bob-deploys", m.RuleID)

	m = rules.Evaluate("carol", &store.AgentMail{FromAgentID: "ci-bot", Subject: "Deploy finished"})
	require.NotNil(t, m)
	assert.Equal(t, "ci", m.RuleID)

	m = rules.Evaluate("carol", &store.AgentMail{FromAgentID: "alice", Subject: "deploy?"})
	require.NotNil(t, m)
	assert.Equal(t, "any-deploy", m.RuleID)
	assert.Equal(t, []string{"label:ops"}, m.Actions)

	assert.Nil(t, rules.Evaluate("carol", &store.AgentMail{FromAgentID: "alice", Subject: "lunch"}))
}

func TestApply(t *testing.T) {
	spam := Verdict{Score: 9, IsSpam: true, Category: CategorySpam}

	assert.Equal(t, spam, Apply(spam, nil))

	safe := Apply(spam, &RuleMatch{RuleID: "r", Actions: []string{ActionMarkSafe}})
	assert.False(t, safe.IsSpam)
	assert.Equal(t, CategoryClean, safe.Category)
	assert.InDelta(t, 9, safe.Score, 0.001, "score is kept")

	flagged := Apply(Verdict{Category: CategoryClean}, &RuleMatch{Actions: []string{"label:x", ActionMarkSpam}})
	assert.True(t, flagged.IsSpam)
	assert.Equal(t, CategorySpam, flagged.Category)
}
