// Package formatter renders CLI listings as tables, markdown, JSON, JSON
// Lines or YAML.
package formatter

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is an output format name accepted by --output.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatJSONL    Format = "jsonl"
	FormatYAML     Format = "yaml"
	FormatMarkdown Format = "markdown"
)

// Formats lists every supported format.
var Formats = []Format{FormatTable, FormatJSON, FormatJSONL, FormatYAML, FormatMarkdown}

// ParseFormat validates a format name. An empty name means table.
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return FormatTable, nil
	}
	if s == "md" {
		return FormatMarkdown, nil
	}
	for _, f := range Formats {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown output format %q (want one of table, json, jsonl, yaml, markdown)", s)
}

// Listing pairs structured data with its tabular rendering.
type Listing struct {
	Columns []string
	Rows    [][]string
	// Data is what the structured formats encode.
	Data any
	// Empty is printed by the text formats when there are no rows.
	Empty string
	// Widths caps column widths in table output, by column index.
	Widths map[int]int
}

// AddRow appends one row to the tabular rendering.
func (l *Listing) AddRow(cells ...string) {
	l.Rows = append(l.Rows, cells)
}

// Render writes l to w in format f.
func Render(w io.Writer, f Format, l *Listing) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(l.Data)
	case FormatJSONL:
		if l.Data != nil && !isList(l.Data) {
			return WriteJSONL(w, []any{l.Data})
		}
		return WriteJSONL(w, l.Data)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(l.Data); err != nil {
			return err
		}
		return enc.Close()
	}

	if len(l.Rows) == 0 {
		if l.Empty != "" {
			_, err := fmt.Fprintln(w, l.Empty)
			return err
		}
		return nil
	}
	if f == FormatMarkdown {
		return WriteMarkdown(w, l.Columns, l.Rows)
	}
	tbl := NewTable(w, l.Columns...)
	for col, width := range l.Widths {
		tbl.SetMaxWidth(col, width)
	}
	for _, row := range l.Rows {
		tbl.AddRow(row...)
	}
	return tbl.Render()
}
