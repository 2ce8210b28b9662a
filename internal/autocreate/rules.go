// Package autocreate materializes channels and channel groups from raw
// streams according to operator rules: condition evaluation, a plan-building
// pass, ordered apply through the upstream API, conflict tracking, and
// rollback of created entities.
package autocreate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/snarg/ecm-engine/internal/upstream"
)

// Condition fields.
const (
	FieldName  = "name"
	FieldGroup = "group"
	FieldURL   = "url"
	FieldTvgID = "tvg_id"
)

// Condition operators.
const (
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpEquals      = "equals"
	OpStartsWith  = "starts_with"
	OpEndsWith    = "ends_with"
	OpRegex       = "regex"
)

// Condition is one tagged-variant condition record. All conditions of a
// rule must match (AND).
type Condition struct {
	Field         string `json:"field"`
	Operator      string `json:"operator"`
	Value         string `json:"value"`
	CaseSensitive bool   `json:"case_sensitive,omitempty"`
}

// Action types.
const (
	ActionCreateChannel    = "create_channel"
	ActionSetGroup         = "set_group"
	ActionSetChannelNumber = "set_channel_number"
	ActionSetLogo          = "set_logo"
	ActionMergeDuplicates  = "merge_duplicates"
	ActionSkip             = "skip"
)

// Action is one tagged-variant action record. Unknown types are rejected at
// rule write time.
type Action struct {
	Type string `json:"type"`
	// create_channel: optional name template ({name}, {group} placeholders)
	NameTemplate string `json:"name_template,omitempty"`
	// set_group: literal group name, or template with {group}
	GroupName string `json:"group_name,omitempty"`
	// set_channel_number: starting number, incremented per created channel
	StartNumber float64 `json:"start_number,omitempty"`
	// set_logo: take the logo from the stream when true, else a literal URL
	FromStream bool   `json:"from_stream,omitempty"`
	LogoURL    string `json:"logo_url,omitempty"`
}

// ParseConditions decodes and validates a rule's condition list. Unknown
// discriminants are a validation error, not silently ignored.
func ParseConditions(raw json.RawMessage) ([]Condition, error) {
	var conds []Condition
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &conds); err != nil {
			return nil, fmt.Errorf("conditions: %w", err)
		}
	}
	for i, c := range conds {
		switch c.Field {
		case FieldName, FieldGroup, FieldURL, FieldTvgID:
		default:
			return nil, fmt.Errorf("conditions[%d]: unknown field %q", i, c.Field)
		}
		switch c.Operator {
		case OpContains, OpNotContains, OpEquals, OpStartsWith, OpEndsWith:
		case OpRegex:
			if _, err := regexp.Compile(c.Value); err != nil {
				return nil, fmt.Errorf("conditions[%d]: invalid regex %q: %v", i, c.Value, err)
			}
		default:
			return nil, fmt.Errorf("conditions[%d]: unknown operator %q", i, c.Operator)
		}
	}
	return conds, nil
}

// ParseActions decodes and validates a rule's action list.
func ParseActions(raw json.RawMessage) ([]Action, error) {
	var actions []Action
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &actions); err != nil {
			return nil, fmt.Errorf("actions: %w", err)
		}
	}
	for i, a := range actions {
		switch a.Type {
		case ActionCreateChannel, ActionSetGroup, ActionSetChannelNumber,
			ActionSetLogo, ActionMergeDuplicates, ActionSkip:
		default:
			return nil, fmt.Errorf("actions[%d]: unknown type %q", i, a.Type)
		}
	}
	return actions, nil
}

// fieldValue extracts the condition field from a stream.
func fieldValue(s *upstream.Stream, field string) string {
	switch field {
	case FieldName:
		return s.Name
	case FieldGroup:
		return s.GroupName
	case FieldURL:
		return s.URL
	case FieldTvgID:
		return s.TvgID
	}
	return ""
}

// matchStream evaluates all conditions against a stream (AND). A regex that
// fails to compile at runtime counts as non-match; validation at write time
// makes that unreachable in practice.
func matchStream(conds []Condition, s *upstream.Stream) (bool, error) {
	for _, c := range conds {
		subject := fieldValue(s, c.Field)
		needle := c.Value
		if !c.CaseSensitive && c.Operator != OpRegex {
			subject = strings.ToLower(subject)
			needle = strings.ToLower(needle)
		}
		var hit bool
		switch c.Operator {
		case OpContains:
			hit = strings.Contains(subject, needle)
		case OpNotContains:
			hit = !strings.Contains(subject, needle)
		case OpEquals:
			hit = subject == needle
		case OpStartsWith:
			hit = strings.HasPrefix(subject, needle)
		case OpEndsWith:
			hit = strings.HasSuffix(subject, needle)
		case OpRegex:
			pattern := c.Value
			if !c.CaseSensitive {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return false, fmt.Errorf("invalid regex %q: %w", c.Value, err)
			}
			hit = re.MatchString(fieldValue(s, c.Field))
		}
		if !hit {
			return false, nil
		}
	}
	return len(conds) > 0, nil
}

// renderTemplate substitutes {name} and {group} placeholders.
func renderTemplate(tmpl string, s *upstream.Stream) string {
	out := strings.ReplaceAll(tmpl, "{name}", s.Name)
	out = strings.ReplaceAll(out, "{group}", s.GroupName)
	return out
}
