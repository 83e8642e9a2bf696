package formatter

import (
	"fmt"
	"io"
	"strings"
)

// WriteMarkdown renders rows as a GitHub-flavored markdown table, for
// pasting status reports into issues and pull requests.
func WriteMarkdown(w io.Writer, headers []string, rows [][]string) error {
	if len(headers) == 0 {
		return nil
	}
	line := func(cells []string) error {
		_, err := fmt.Fprintf(w, "| %s |\n", strings.Join(cells, " | "))
		return err
	}
	if err := line(headers); err != nil {
		return err
	}
	sep := make([]string, len(headers))
	for i := range sep {
		sep[i] = "---"
	}
	if err := line(sep); err != nil {
		return err
	}
	for _, row := range rows {
		cells := make([]string, len(headers))
		for i := range cells {
			if i < len(row) {
				cells[i] = escapeMarkdownCell(row[i])
			}
		}
		if err := line(cells); err != nil {
			return err
		}
	}
	return nil
}

func escapeMarkdownCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\r\n", "<br>")
	return strings.ReplaceAll(s, "\n", "<br>")
}
