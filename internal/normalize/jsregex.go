package normalize

import "strings"

// RewriteJSNamedGroups converts JavaScript-style named groups (?<name>...)
// to Go's (?P<name>...) syntax. Stored rules and EPG patterns carry both
// syntaxes. Lookaround assertions ((?=, (?!, (?<=, (?<!) are left untouched.
func RewriteJSNamedGroups(pattern string) string {
	if !strings.Contains(pattern, "(?<") {
		return pattern
	}

	var b strings.Builder
	b.Grow(len(pattern) + 8)
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '\\' && i+1 < len(pattern) {
			b.WriteByte(pattern[i])
			b.WriteByte(pattern[i+1])
			i++
			continue
		}
		if strings.HasPrefix(pattern[i:], "(?<") {
			rest := pattern[i+3:]
			if strings.HasPrefix(rest, "=") || strings.HasPrefix(rest, "!") {
				// Lookbehind assertion — not a named group.
				b.WriteString("(?<")
				i += 2
				continue
			}
			b.WriteString("(?P<")
			i += 2
			continue
		}
		b.WriteByte(pattern[i])
	}
	return b.String()
}
