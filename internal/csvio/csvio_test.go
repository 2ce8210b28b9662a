package csvio

import (
	"bytes"
	"strings"
	"testing"

	"github.com/snarg/ecm-engine/internal/upstream"
)

func TestParseValidRows(t *testing.T) {
	input := `channel_number,name,group_name,tvg_id,gracenote_id,logo_url,stream_urls
101,ESPN HD,Sports,ESPN.US,12345,https://example.com/espn.png,http://host/1|http://host/2
4.1,Local,Locals,,,,`

	rows, rowErrs, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}
	if len(rowErrs) != 0 {
		t.Fatalf("row errors: %v", rowErrs)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].Name != "ESPN HD" || rows[0].ChannelNumber != "101" {
		t.Errorf("row 0 = %+v", rows[0])
	}
	if len(rows[0].StreamURLs) != 2 {
		t.Errorf("stream urls = %v, want 2", rows[0].StreamURLs)
	}
	if rows[1].ChannelNumber != "4.1" {
		t.Errorf("decimal channel number = %q, want 4.1 verbatim", rows[1].ChannelNumber)
	}
}

func TestParseSkipsComments(t *testing.T) {
	input := `# leading comment
channel_number,name
# interleaved
101,ESPN
  # indented comment
102,CNN`

	rows, rowErrs, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}
	if len(rowErrs) != 0 || len(rows) != 2 {
		t.Fatalf("rows=%d errs=%v, want 2 rows", len(rows), rowErrs)
	}
}

func TestParseValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing_name", "channel_number,name\n101,"},
		{"negative_number", "channel_number,name\n-5,ESPN"},
		{"non_numeric_number", "channel_number,name\nabc,ESPN"},
		{"bad_logo_scheme", "name,logo_url\nESPN,ftp://example.com/logo.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, rowErrs, err := Parse(strings.NewReader(tt.input))
			if err != nil {
				t.Fatal(err)
			}
			if len(rows) != 0 || len(rowErrs) != 1 {
				t.Errorf("rows=%v errs=%v, want one row error", rows, rowErrs)
			}
		})
	}
}

func TestParseMissingNameColumn(t *testing.T) {
	if _, _, err := Parse(strings.NewReader("channel_number,group_name\n101,Sports")); err == nil {
		t.Error("header without name column accepted")
	}
}

func TestGenerateSortsAndExcludesAutoCreated(t *testing.T) {
	channels := []upstream.Channel{
		{Name: "Zeta", ChannelNumber: 300},
		{Name: "Robot", ChannelNumber: 50, AutoCreated: true},
		{Name: "Alpha", ChannelNumber: 4.1},
		{Name: "NoNumber"},
	}

	var buf bytes.Buffer
	if err := Generate(&buf, channels); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if lines[0] != strings.Join(Header, ",") {
		t.Errorf("header = %q", lines[0])
	}
	if len(lines) != 4 {
		t.Fatalf("lines = %d, want header + 3 channels (auto-created excluded)", len(lines))
	}
	if !strings.HasPrefix(lines[1], "4.1,Alpha") {
		t.Errorf("first data row = %q, want Alpha at 4.1", lines[1])
	}
	if !strings.HasPrefix(lines[2], "300,Zeta") {
		t.Errorf("second data row = %q", lines[2])
	}
	if !strings.HasPrefix(lines[3], ",NoNumber") {
		t.Errorf("unnumbered channel = %q, want sorted last", lines[3])
	}
	if strings.Contains(buf.String(), "Robot") {
		t.Error("auto-created channel exported")
	}
}

// Round-trip: every non-auto-created channel comes back with name and
// channel_number preserved verbatim.
func TestRoundTrip(t *testing.T) {
	channels := []upstream.Channel{
		{Name: "ESPN HD", ChannelNumber: 101, GroupName: "Sports", TvgID: "ESPN.US"},
		{Name: "Local 4.1", ChannelNumber: 4.1},
		{Name: "Skipped", ChannelNumber: 1, AutoCreated: true},
	}

	var buf bytes.Buffer
	if err := Generate(&buf, channels); err != nil {
		t.Fatal(err)
	}
	rows, rowErrs, err := Parse(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(rowErrs) != 0 {
		t.Fatalf("round-trip validation errors: %v", rowErrs)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].ChannelNumber != "4.1" || rows[0].Name != "Local 4.1" {
		t.Errorf("row 0 = %+v", rows[0])
	}
	if rows[1].ChannelNumber != "101" || rows[1].Name != "ESPN HD" {
		t.Errorf("row 1 = %+v", rows[1])
	}
}

func TestTemplateParses(t *testing.T) {
	rows, rowErrs, err := Parse(bytes.NewReader(Template()))
	if err != nil {
		t.Fatal(err)
	}
	if len(rowErrs) != 0 || len(rows) != 1 {
		t.Errorf("template rows=%v errs=%v, want one valid example row", rows, rowErrs)
	}
}
