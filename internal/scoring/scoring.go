// ABOUTME: Spam scoring and rule evaluation for incoming agent mail
// ABOUTME: Keyword-weighted scorer and config-driven static rules

package scoring

import (
	"sort"
	"strings"

	"github.com/2389/coven-courier/internal/store"
)

// Verdict is the outcome of scoring one message.
type Verdict struct {
	Score     float64 `json:"score"`
	IsSpam    bool    `json:"is_spam"`
	IsWarning bool    `json:"is_warning"`
	Category  string  `json:"category"`
}

// Categories reported in Verdict.Category.
const (
	CategoryClean   = "clean"
	CategoryWarning = "warning"
	CategorySpam    = "spam"
)

// RuleMatch names the rule that matched a message and the actions it asks for.
type RuleMatch struct {
	RuleID  string   `json:"rule_id"`
	Actions []string `json:"actions"`
}

// Rule actions understood by the event multiplexer. Other actions are passed
// through to the client untouched.
const (
	ActionMarkSpam = "mark_spam"
	ActionMarkSafe = "mark_safe"
)

// Scorer rates a message.
type Scorer interface {
	Score(mail *store.AgentMail) Verdict
}

// RuleEvaluator finds the first rule that applies to a message for an agent.
// A nil match means no rule applied.
type RuleEvaluator interface {
	Evaluate(agentID string, mail *store.AgentMail) *RuleMatch
}

// KeywordScorer sums the weights of keywords found in the subject and body.
type KeywordScorer struct {
	keywords         map[string]float64
	spamThreshold    float64
	warningThreshold float64
}

// NewKeywordScorer builds a scorer. Keywords are matched case-insensitively.
// A score at or above spamThreshold is spam; at or above warningThreshold is a warning.
func NewKeywordScorer(keywords map[string]float64, spamThreshold, warningThreshold float64) *KeywordScorer {
	lowered := make(map[string]float64, len(keywords))
	for k, w := range keywords {
		lowered[strings.ToLower(k)] = w
	}
	return &KeywordScorer{
		keywords:         lowered,
		spamThreshold:    spamThreshold,
		warningThreshold: warningThreshold,
	}
}

// Score implements Scorer.
func (s *KeywordScorer) Score(mail *store.AgentMail) Verdict {
	text := strings.ToLower(mail.Subject + "\n" + mail.Content)

	var score float64
	for k, w := range s.keywords {
		score += w * float64(strings.Count(text, k))
	}

	v := Verdict{Score: score, Category: CategoryClean}
	switch {
	case s.spamThreshold > 0 && score >= s.spamThreshold:
		v.IsSpam = true
		v.Category = CategorySpam
	case s.warningThreshold > 0 && score >= s.warningThreshold:
		v.IsWarning = true
		v.Category = CategoryWarning
	}
	return v
}

// Rule matches mail by substring. Empty fields match anything; a rule with
// Agent set only applies to that recipient.
type Rule struct {
	ID              string   `yaml:"id" toml:"id"`
	Agent           string   `yaml:"agent" toml:"agent"`
	FromContains    string   `yaml:"from_contains" toml:"from_contains"`
	SubjectContains string   `yaml:"subject_contains" toml:"subject_contains"`
	Actions         []string `yaml:"actions" toml:"actions"`
}

func (r Rule) matches(agentID string, mail *store.AgentMail) bool {
	if r.Agent != "" && r.Agent != agentID {
		return false
	}
	if r.FromContains != "" && !containsFold(mail.FromAgentID, r.FromContains) {
		return false
	}
	if r.SubjectContains != "" && !containsFold(mail.Subject, r.SubjectContains) {
		return false
	}
	return true
}

// StaticRules evaluates a fixed, ordered rule list. First match wins.
type StaticRules struct {
	rules []Rule
}

// NewStaticRules copies rules. Rules without actions are skipped.
func NewStaticRules(rules []Rule) *StaticRules {
	kept := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if len(r.Actions) > 0 {
			kept = append(kept, r)
		}
	}
	return &StaticRules{rules: kept}
}

// Evaluate implements RuleEvaluator.
func (s *StaticRules) Evaluate(agentID string, mail *store.AgentMail) *RuleMatch {
	for _, r := range s.rules {
		if r.matches(agentID, mail) {
			return &RuleMatch{RuleID: r.ID, Actions: append([]string(nil), r.Actions...)}
		}
	}
	return nil
}

// Apply folds rule actions into a verdict. mark_spam and mark_safe override
// whatever the scorer decided.
func Apply(v Verdict, m *RuleMatch) Verdict {
	if m == nil {
		return v
	}
	for _, a := range m.Actions {
		switch a {
		case ActionMarkSpam:
			v.IsSpam, v.IsWarning, v.Category = true, false, CategorySpam
		case ActionMarkSafe:
			v.IsSpam, v.IsWarning, v.Category = false, false, CategoryClean
		}
	}
	return v
}

// Keywords returns the scorer's keywords sorted, for diagnostics.
func (s *KeywordScorer) Keywords() []string {
	out := make([]string, 0, len(s.keywords))
	for k := range s.keywords {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

var (
	_ Scorer        = (*KeywordScorer)(nil)
	_ RuleEvaluator = (*StaticRules)(nil)
)
