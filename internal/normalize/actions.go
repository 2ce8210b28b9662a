package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/snarg/ecm-engine/internal/database"
)

var multiSpace = regexp.MustCompile(`\s{2,}`)

// applyAction applies one action to the working string. The search pattern
// is the action value when set, else the rule's condition value. An
// else-branch action has no matched text, so replace rewrites the whole
// string instead of substituting matches.
func (e *Engine) applyAction(s string, rule *database.Rule, actionType, actionValue string, matched bool) string {
	pattern := actionValue
	if pattern == "" {
		pattern = rule.ConditionValue
	}

	switch actionType {
	case "remove":
		return collapseSpaces(removeAll(s, pattern, rule.CaseSensitive))
	case "replace":
		if !matched {
			return actionValue
		}
		return replaceAll(s, rule.ConditionValue, actionValue, rule.CaseSensitive)
	case "regex_replace":
		re := e.compile(rule.ID, rule.ConditionValue, rule.CaseSensitive)
		if re == nil {
			return s
		}
		return re.ReplaceAllString(s, backrefsToGo(actionValue))
	case "strip_prefix":
		return stripAffix(s, pattern, rule.CaseSensitive, true)
	case "strip_suffix":
		return stripAffix(s, pattern, rule.CaseSensitive, false)
	case "normalize_prefix":
		return normalizePrefix(s)
	default:
		e.warnOnce(rule.ID, "unknown action type", actionType)
		return s
	}
}

func removeAll(s, needle string, caseSensitive bool) string {
	return replaceAll(s, needle, "", caseSensitive)
}

func replaceAll(s, needle, replacement string, caseSensitive bool) string {
	if needle == "" {
		return s
	}
	if caseSensitive {
		return strings.ReplaceAll(s, needle, replacement)
	}
	var b strings.Builder
	lower := strings.ToLower(s)
	lowerNeedle := strings.ToLower(needle)
	for {
		i := strings.Index(lower, lowerNeedle)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(replacement)
		s = s[i+len(needle):]
		lower = lower[i+len(lowerNeedle):]
	}
}

func stripAffix(s, affix string, caseSensitive, prefix bool) string {
	if affix == "" {
		return s
	}
	subject, needle := s, affix
	if !caseSensitive {
		subject = strings.ToLower(s)
		needle = strings.ToLower(affix)
	}
	if prefix {
		if strings.HasPrefix(subject, needle) {
			return strings.TrimLeft(s[len(affix):], " ")
		}
		return s
	}
	if strings.HasSuffix(subject, needle) {
		return strings.TrimRight(s[:len(s)-len(affix)], " ")
	}
	return s
}

// normalizePrefix collapses whitespace and punctuation before the first
// alphanumeric run.
func normalizePrefix(s string) string {
	for i, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return s[i:]
		}
	}
	return s
}

// collapseSpaces squeezes whitespace runs left behind by a removal and trims
// the ends, so removing "HD" from "ESPN HD" yields "ESPN".
func collapseSpaces(s string) string {
	return strings.TrimSpace(multiSpace.ReplaceAllString(s, " "))
}

// backrefsToGo converts \1..\9 backreferences in a replacement string to
// Go's ${1} syntax.
func backrefsToGo(replacement string) string {
	var b strings.Builder
	for i := 0; i < len(replacement); i++ {
		if replacement[i] == '\\' && i+1 < len(replacement) && replacement[i+1] >= '1' && replacement[i+1] <= '9' {
			b.WriteString("${")
			b.WriteByte(replacement[i+1])
			b.WriteString("}")
			i++
			continue
		}
		b.WriteByte(replacement[i])
	}
	return b.String()
}
