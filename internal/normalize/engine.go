// Package normalize evaluates operator-defined rule groups against stream
// and channel names. Groups run in ascending priority, rules within a group
// likewise; a rule whose stop_processing flag fires ends the whole pipeline.
package normalize

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/snarg/ecm-engine/internal/database"
)

// Condition is one element of a rule's compound condition list.
type Condition struct {
	Type          string `json:"type"`
	Value         string `json:"value,omitempty"`
	Negate        bool   `json:"negate,omitempty"`
	CaseSensitive *bool  `json:"case_sensitive,omitempty"`
}

// Transformation records one rule's effect on the working string.
type Transformation struct {
	RuleID int64  `json:"rule_id"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// Result is the outcome of running the full pipeline over one input.
type Result struct {
	Normalized      string           `json:"normalized"`
	Transformations []Transformation `json:"transformations"`
	RulesApplied    int              `json:"rules_applied"`
}

// GroupRules pairs a group with its rules, both already priority-ordered.
type GroupRules struct {
	Group database.RuleGroup
	Rules []database.Rule
}

// Engine evaluates normalization pipelines. Safe for concurrent use.
type Engine struct {
	tags *TagIndex
	log  zerolog.Logger

	mu       sync.Mutex
	regexes  map[string]*regexp.Regexp // compiled pattern cache; nil entry = invalid
	warnedRe map[int64]bool            // rule ids already warned about invalid regex
}

func NewEngine(tags *TagIndex, log zerolog.Logger) *Engine {
	return &Engine{
		tags:     tags,
		log:      log,
		regexes:  make(map[string]*regexp.Regexp),
		warnedRe: make(map[int64]bool),
	}
}

// Run evaluates the pipeline over s. A single rule's runtime error is logged
// with the rule id and treated as no-match; the pipeline continues.
func (e *Engine) Run(ctx context.Context, s string, groups []GroupRules) Result {
	res := Result{Normalized: s}

	for _, g := range groups {
		if !g.Group.Enabled {
			continue
		}
		for i := range g.Rules {
			rule := &g.Rules[i]
			if !rule.Enabled {
				continue
			}

			matched := e.evalRuleCondition(ctx, res.Normalized, rule)

			var actionType, actionValue string
			switch {
			case matched:
				actionType, actionValue = rule.ActionType, rule.ActionValue
			case rule.ElseActionType != "":
				actionType, actionValue = rule.ElseActionType, rule.ElseActionValue
			default:
				continue
			}

			after := e.applyAction(res.Normalized, rule, actionType, actionValue, matched)
			if after != res.Normalized {
				res.Transformations = append(res.Transformations, Transformation{
					RuleID: rule.ID,
					Before: res.Normalized,
					After:  after,
				})
				res.Normalized = after
				res.RulesApplied++

				if rule.StopProcessing {
					return res
				}
			}
		}
	}
	return res
}

// evalRuleCondition evaluates the compound condition list when present,
// otherwise the legacy single condition.
func (e *Engine) evalRuleCondition(ctx context.Context, s string, rule *database.Rule) bool {
	var conds []Condition
	if len(rule.Conditions) > 0 {
		if err := json.Unmarshal(rule.Conditions, &conds); err != nil {
			e.warnOnce(rule.ID, "invalid conditions json", err.Error())
			conds = nil
		}
	}

	if len(conds) == 0 {
		if rule.ConditionType == "" {
			return false
		}
		return e.evalOne(ctx, s, rule, Condition{
			Type:  rule.ConditionType,
			Value: rule.ConditionValue,
		}, rule.CaseSensitive)
	}

	isOr := strings.EqualFold(rule.ConditionLogic, "OR")
	for _, c := range conds {
		cs := rule.CaseSensitive
		if c.CaseSensitive != nil {
			cs = *c.CaseSensitive
		}
		hit := e.evalOne(ctx, s, rule, c, cs)
		if isOr && hit {
			return true
		}
		if !isOr && !hit {
			return false
		}
	}
	return !isOr
}

func (e *Engine) evalOne(ctx context.Context, s string, rule *database.Rule, c Condition, caseSensitive bool) bool {
	hit := e.evalBare(ctx, s, rule, c, caseSensitive)
	if c.Negate {
		return !hit
	}
	return hit
}

func (e *Engine) evalBare(ctx context.Context, s string, rule *database.Rule, c Condition, caseSensitive bool) bool {
	subject, needle := s, c.Value
	if !caseSensitive {
		subject = strings.ToLower(s)
		needle = strings.ToLower(c.Value)
	}

	switch c.Type {
	case "always":
		return true
	case "contains":
		return strings.Contains(subject, needle)
	case "starts_with":
		return strings.HasPrefix(subject, needle)
	case "ends_with":
		return strings.HasSuffix(subject, needle)
	case "regex":
		re := e.compile(rule.ID, c.Value, caseSensitive)
		if re == nil {
			return false
		}
		return re.MatchString(s)
	case "tag_group":
		if rule.TagGroupID == nil {
			return false
		}
		hit, err := e.tags.Match(ctx, *rule.TagGroupID, s, rule.TagMatchPosition)
		if err != nil {
			e.warnOnce(rule.ID, "tag group lookup failed", err.Error())
			return false
		}
		return hit
	default:
		e.warnOnce(rule.ID, "unknown condition type", c.Type)
		return false
	}
}

// compile returns the cached regex for a pattern, logging invalid patterns
// once per rule id.
func (e *Engine) compile(ruleID int64, pattern string, caseSensitive bool) *regexp.Regexp {
	pattern = RewriteJSNamedGroups(pattern)
	key := pattern
	if !caseSensitive {
		key = "(?i)" + pattern
	}

	e.mu.Lock()
	re, ok := e.regexes[key]
	e.mu.Unlock()
	if ok {
		return re
	}

	compiled, err := regexp.Compile(key)
	if err != nil {
		compiled = nil
		e.warnOnce(ruleID, "invalid regex", pattern)
	}
	e.mu.Lock()
	e.regexes[key] = compiled
	e.mu.Unlock()
	return compiled
}

func (e *Engine) warnOnce(ruleID int64, msg, detail string) {
	e.mu.Lock()
	warned := e.warnedRe[ruleID]
	if !warned {
		e.warnedRe[ruleID] = true
	}
	e.mu.Unlock()
	if !warned {
		e.log.Warn().Int64("rule_id", ruleID).Str("detail", detail).Msg(msg)
	}
}
