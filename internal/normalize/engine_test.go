package normalize

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/snarg/ecm-engine/internal/database"
)

func testEngine() *Engine {
	tags := NewTagIndex(func(ctx context.Context, groupID int64) ([]IndexTag, error) {
		return []IndexTag{{Value: "HD"}, {Value: "FHD"}, {Value: "UK:", CaseSensitive: true}}, nil
	})
	return NewEngine(tags, zerolog.Nop())
}

func singleRuleGroups(r database.Rule) []GroupRules {
	r.ID = 1
	r.GroupID = 1
	r.Enabled = true
	return []GroupRules{{
		Group: database.RuleGroup{ID: 1, Name: "test", Enabled: true},
		Rules: []database.Rule{r},
	}}
}

func TestRunSingleRules(t *testing.T) {
	tests := []struct {
		name string
		in   string
		rule database.Rule
		want string
	}{
		{
			"contains_remove",
			"ESPN HD",
			database.Rule{ConditionType: "contains", ConditionValue: "HD", ActionType: "remove"},
			"ESPN",
		},
		{
			"remove_mid_string_collapses_spaces",
			"ESPN HD East",
			database.Rule{ConditionType: "contains", ConditionValue: "HD", ActionType: "remove"},
			"ESPN East",
		},
		{
			"replace",
			"US: CNN",
			database.Rule{ConditionType: "starts_with", ConditionValue: "US: ", ActionType: "replace", ActionValue: ""},
			"CNN",
		},
		{
			"regex_replace_with_backref",
			"CNN (East)",
			database.Rule{ConditionType: "regex", ConditionValue: `^(.*) \((East|West)\)$`, ActionType: "regex_replace", ActionValue: `\1 \2`},
			"CNN East",
		},
		{
			"strip_prefix",
			"UK: BBC One",
			database.Rule{ConditionType: "starts_with", ConditionValue: "UK:", ActionType: "strip_prefix"},
			"BBC One",
		},
		{
			"strip_suffix",
			"BBC One [Backup]",
			database.Rule{ConditionType: "ends_with", ConditionValue: "[Backup]", ActionType: "strip_suffix"},
			"BBC One",
		},
		{
			"normalize_prefix",
			"-- | ESPN",
			database.Rule{ConditionType: "always", ActionType: "normalize_prefix"},
			"ESPN",
		},
		{
			"case_insensitive_by_default",
			"espn hd",
			database.Rule{ConditionType: "contains", ConditionValue: "HD", ActionType: "remove"},
			"espn",
		},
		{
			"case_sensitive_no_match",
			"espn hd",
			database.Rule{ConditionType: "contains", ConditionValue: "HD", CaseSensitive: true, ActionType: "remove"},
			"espn hd",
		},
		{
			"else_action_applies_on_no_match",
			"CNN",
			database.Rule{ConditionType: "contains", ConditionValue: "HD", ActionType: "remove",
				ElseActionType: "replace", ElseActionValue: "CNN SD"},
			"CNN SD",
		},
		{
			"invalid_regex_is_no_match",
			"ESPN",
			database.Rule{ConditionType: "regex", ConditionValue: `([`, ActionType: "remove"},
			"ESPN",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// replace rules search on condition value, so give them one
			if tt.rule.ActionType == "replace" && tt.rule.ConditionValue == "" {
				t.Fatal("bad test: replace needs condition value")
			}
			got := testEngine().Run(context.Background(), tt.in, singleRuleGroups(tt.rule))
			if got.Normalized != tt.want {
				t.Errorf("Run(%q) = %q, want %q", tt.in, got.Normalized, tt.want)
			}
		})
	}
}

func TestRunCompoundConditions(t *testing.T) {
	conds := func(cs ...Condition) json.RawMessage {
		raw, _ := json.Marshal(cs)
		return raw
	}

	tests := []struct {
		name  string
		in    string
		logic string
		conds json.RawMessage
		want  string // after "remove HD" action on match
	}{
		{
			"and_all_match",
			"UK ESPN HD",
			"AND",
			conds(Condition{Type: "contains", Value: "HD"}, Condition{Type: "starts_with", Value: "UK"}),
			"UK ESPN",
		},
		{
			"and_one_fails",
			"US ESPN HD",
			"AND",
			conds(Condition{Type: "contains", Value: "HD"}, Condition{Type: "starts_with", Value: "UK"}),
			"US ESPN HD",
		},
		{
			"or_one_matches",
			"US ESPN HD",
			"OR",
			conds(Condition{Type: "starts_with", Value: "UK"}, Condition{Type: "contains", Value: "HD"}),
			"US ESPN",
		},
		{
			"negate",
			"ESPN HD",
			"AND",
			conds(Condition{Type: "contains", Value: "SPORTS", Negate: true}),
			"ESPN",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := database.Rule{
				Conditions:     tt.conds,
				ConditionLogic: tt.logic,
				ActionType:     "remove",
				ActionValue:    "HD",
			}
			got := testEngine().Run(context.Background(), tt.in, singleRuleGroups(rule))
			if got.Normalized != tt.want {
				t.Errorf("Run(%q) = %q, want %q", tt.in, got.Normalized, tt.want)
			}
		})
	}
}

func TestRunPipelineOrdering(t *testing.T) {
	groups := []GroupRules{
		{
			Group: database.RuleGroup{ID: 1, Enabled: true, Priority: 0},
			Rules: []database.Rule{
				{ID: 1, Enabled: true, ConditionType: "contains", ConditionValue: "HD", ActionType: "remove"},
				{ID: 2, Enabled: true, ConditionType: "starts_with", ConditionValue: "UK:", ActionType: "strip_prefix"},
			},
		},
		{
			Group: database.RuleGroup{ID: 2, Enabled: true, Priority: 1},
			Rules: []database.Rule{
				{ID: 3, Enabled: true, ConditionType: "always", ActionType: "normalize_prefix"},
			},
		},
	}

	got := testEngine().Run(context.Background(), "UK: Sky Sports HD", groups)
	if got.Normalized != "Sky Sports" {
		t.Errorf("Normalized = %q, want %q", got.Normalized, "Sky Sports")
	}
	if got.RulesApplied != 2 {
		t.Errorf("RulesApplied = %d, want 2", got.RulesApplied)
	}
	if len(got.Transformations) != 2 {
		t.Fatalf("Transformations = %d, want 2", len(got.Transformations))
	}
	if got.Transformations[0].RuleID != 1 || got.Transformations[1].RuleID != 2 {
		t.Errorf("transformation order = %d,%d, want 1,2",
			got.Transformations[0].RuleID, got.Transformations[1].RuleID)
	}
}

func TestRunStopProcessingEndsWholePipeline(t *testing.T) {
	groups := []GroupRules{
		{
			Group: database.RuleGroup{ID: 1, Enabled: true},
			Rules: []database.Rule{
				{ID: 1, Enabled: true, ConditionType: "contains", ConditionValue: "HD",
					ActionType: "remove", StopProcessing: true},
			},
		},
		{
			Group: database.RuleGroup{ID: 2, Enabled: true},
			Rules: []database.Rule{
				{ID: 2, Enabled: true, ConditionType: "always", ActionType: "replace",
					ConditionValue: "ESPN", ActionValue: "NEVER"},
			},
		},
	}

	got := testEngine().Run(context.Background(), "ESPN HD", groups)
	if got.Normalized != "ESPN" {
		t.Errorf("Normalized = %q, want %q (second group must not run)", got.Normalized, "ESPN")
	}
}

// Disabling a rule must yield the same output as the pipeline without it.
func TestDisabledRuleIsIdentity(t *testing.T) {
	base := []database.Rule{
		{ID: 1, Enabled: true, ConditionType: "contains", ConditionValue: "HD", ActionType: "remove"},
		{ID: 2, Enabled: true, ConditionType: "starts_with", ConditionValue: "US:", ActionType: "strip_prefix"},
	}

	inputs := []string{"US: ESPN HD", "ESPN", "HD HD HD", "US:HD"}
	for _, in := range inputs {
		withDisabled := []GroupRules{{Group: database.RuleGroup{ID: 1, Enabled: true},
			Rules: []database.Rule{base[0], {ID: 2, Enabled: false, ConditionType: "starts_with",
				ConditionValue: "US:", ActionType: "strip_prefix"}}}}
		without := []GroupRules{{Group: database.RuleGroup{ID: 1, Enabled: true},
			Rules: []database.Rule{base[0]}}}

		a := testEngine().Run(context.Background(), in, withDisabled)
		b := testEngine().Run(context.Background(), in, without)
		if a.Normalized != b.Normalized {
			t.Errorf("input %q: disabled=%q removed=%q", in, a.Normalized, b.Normalized)
		}
	}
}

func TestRunTagGroupCondition(t *testing.T) {
	gid := int64(7)
	rule := database.Rule{
		ConditionType:    "tag_group",
		TagGroupID:       &gid,
		TagMatchPosition: MatchSuffix,
		ActionType:       "remove",
		ActionValue:      "HD",
	}
	got := testEngine().Run(context.Background(), "ESPN HD", singleRuleGroups(rule))
	if got.Normalized != "ESPN" {
		t.Errorf("Normalized = %q, want %q", got.Normalized, "ESPN")
	}

	// Suffix position must not match mid-string tags.
	got = testEngine().Run(context.Background(), "HD ESPN", singleRuleGroups(rule))
	if got.Normalized != "HD ESPN" {
		t.Errorf("Normalized = %q, want unchanged", got.Normalized)
	}
}
