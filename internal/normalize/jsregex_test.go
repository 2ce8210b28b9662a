package normalize

import "testing"

func TestRewriteJSNamedGroups(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"js_named_group", `(?<hour>\d{2}):(?<minute>\d{2})`, `(?P<hour>\d{2}):(?P<minute>\d{2})`},
		{"already_go_syntax", `(?P<hour>\d{2})`, `(?P<hour>\d{2})`},
		{"no_groups", `\d+ HD$`, `\d+ HD$`},
		{"lookahead_untouched", `foo(?=bar)`, `foo(?=bar)`},
		{"negative_lookahead_untouched", `foo(?!bar)`, `foo(?!bar)`},
		{"lookbehind_untouched", `(?<=US )ESPN`, `(?<=US )ESPN`},
		{"negative_lookbehind_untouched", `(?<!UK )ESPN`, `(?<!UK )ESPN`},
		{"mixed", `(?<!x)(?<name>\w+)`, `(?<!x)(?P<name>\w+)`},
		{"escaped_paren", `\(?<not a group`, `\(?<not a group`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RewriteJSNamedGroups(tt.in); got != tt.want {
				t.Errorf("RewriteJSNamedGroups(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
