// Package csvio implements channel import/export in the CSV exchange
// format: a fixed header, # comment lines, and per-row validation that
// returns structured errors instead of failing the whole file.
package csvio

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/snarg/ecm-engine/internal/upstream"
)

// Header is the canonical column order for exports and templates.
var Header = []string{
	"channel_number", "name", "group_name", "tvg_id", "gracenote_id", "logo_url", "stream_urls",
}

// streamURLSeparator joins multiple stream URLs inside one CSV cell.
const streamURLSeparator = "|"

// Row is one parsed channel row. ChannelNumber stays a string so exports
// round-trip verbatim ("4.1" never becomes "4.10").
type Row struct {
	Line          int      `json:"line"`
	ChannelNumber string   `json:"channel_number"`
	Name          string   `json:"name"`
	GroupName     string   `json:"group_name"`
	TvgID         string   `json:"tvg_id"`
	GracenoteID   string   `json:"gracenote_id"`
	LogoURL       string   `json:"logo_url"`
	StreamURLs    []string `json:"stream_urls"`
}

// RowError is a structured per-row validation failure.
type RowError struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

// Parse reads channel rows. Lines starting with # (after optional leading
// whitespace) are comments. The header row is required; columns may appear
// in any order and unknown columns are ignored. Invalid rows land in the
// returned error list; valid rows are still returned.
func Parse(r io.Reader) ([]Row, []RowError, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}

	// Strip comment lines before CSV parsing, tracking original line numbers.
	var filtered []string
	var lineMap []int
	for i, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		filtered = append(filtered, line)
		lineMap = append(lineMap, i+1)
	}
	if len(filtered) == 0 {
		return nil, nil, nil
	}

	reader := csv.NewReader(strings.NewReader(strings.Join(filtered, "\n")))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("malformed csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil, nil
	}

	colIndex := make(map[string]int, len(records[0]))
	for i, col := range records[0] {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	if _, ok := colIndex["name"]; !ok {
		return nil, nil, fmt.Errorf("header missing required column %q", "name")
	}

	field := func(rec []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []Row
	var rowErrs []RowError
	for ri, rec := range records[1:] {
		line := lineMap[ri+1]
		row := Row{
			Line:          line,
			ChannelNumber: field(rec, "channel_number"),
			Name:          field(rec, "name"),
			GroupName:     field(rec, "group_name"),
			TvgID:         field(rec, "tvg_id"),
			GracenoteID:   field(rec, "gracenote_id"),
			LogoURL:       field(rec, "logo_url"),
		}
		if urls := field(rec, "stream_urls"); urls != "" {
			for _, u := range strings.Split(urls, streamURLSeparator) {
				if u = strings.TrimSpace(u); u != "" {
					row.StreamURLs = append(row.StreamURLs, u)
				}
			}
		}

		if err := validate(&row); err != nil {
			rowErrs = append(rowErrs, RowError{Line: line, Message: err.Error()})
			continue
		}
		rows = append(rows, row)
	}
	return rows, rowErrs, nil
}

func validate(row *Row) error {
	if row.Name == "" {
		return fmt.Errorf("name is required")
	}
	if row.ChannelNumber != "" {
		n, err := strconv.ParseFloat(row.ChannelNumber, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("channel_number %q must be a positive number", row.ChannelNumber)
		}
	}
	if row.LogoURL != "" &&
		!strings.HasPrefix(row.LogoURL, "http://") && !strings.HasPrefix(row.LogoURL, "https://") {
		return fmt.Errorf("logo_url %q must be an http(s) URL", row.LogoURL)
	}
	return nil
}

// Generate writes channels as CSV, sorted by channel number ascending
// (channels without a number sort last by name). Auto-created channels are
// excluded.
func Generate(w io.Writer, channels []upstream.Channel) error {
	var rows []upstream.Channel
	for _, ch := range channels {
		if ch.AutoCreated {
			continue
		}
		rows = append(rows, ch)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].ChannelNumber, rows[j].ChannelNumber
		if (a == 0) != (b == 0) {
			return a != 0
		}
		if a != b {
			return a < b
		}
		return rows[i].Name < rows[j].Name
	})

	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, ch := range rows {
		number := ""
		if ch.ChannelNumber != 0 {
			number = strconv.FormatFloat(ch.ChannelNumber, 'f', -1, 64)
		}
		rec := []string{
			number,
			ch.Name,
			ch.GroupName,
			ch.TvgID,
			ch.GracenoteID,
			ch.LogoURL,
			strings.Join(ch.StreamURLs, streamURLSeparator),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Template returns a commented starter file for operators.
func Template() []byte {
	return []byte(strings.Join([]string{
		"# Channel import template",
		"# name is required; channel_number must be a positive number (decimals allowed, e.g. 4.1)",
		"# logo_url must be an http(s) URL; multiple stream_urls separate with " + streamURLSeparator,
		strings.Join(Header, ","),
		`101,ESPN HD,Sports,ESPN.US,12345,https://example.com/espn.png,http://host/stream/1`,
		"",
	}, "\n"))
}
