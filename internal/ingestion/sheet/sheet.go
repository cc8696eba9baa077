// Package sheet serializes spreadsheet workbooks to plain text under a
// fixed character budget.
package sheet

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

// DefaultMaxChars is used when Extract is given a non-positive budget.
const DefaultMaxChars = 500_000

// Result is the serialized workbook.
type Result struct {
	Text      string
	Truncated bool
	Sheets    int
	Rows      int
}

// Header returns the delimiter line written before each sheet's rows.
func Header(sheet string) string {
	return fmt.Sprintf("=== Sheet: %s ===", sheet)
}

// TruncationMarker is appended on its own line when the budget is hit.
func TruncationMarker(maxChars int) string {
	return fmt.Sprintf("[TRUNCATED: output exceeded %d characters]", maxChars)
}

// Extract parses the workbook in r and writes every sheet as a header line
// followed by one tab-joined line per non-blank row. Output beyond maxChars
// characters is cut at exactly maxChars and followed by the truncation
// marker; reaching the budget stops parsing.
func Extract(r io.Reader, maxChars int) (*Result, error) {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}
	defer f.Close()

	out := &budgetWriter{max: maxChars}
	res := &Result{}
	for _, name := range f.GetSheetList() {
		if out.full {
			break
		}
		res.Sheets++
		out.line(Header(name))
		n, err := writeRows(f, name, out)
		res.Rows += n
		if err != nil {
			return nil, fmt.Errorf("reading sheet %q: %w", name, err)
		}
	}

	res.Truncated = out.full
	if out.full {
		out.b.WriteString("\n")
		out.b.WriteString(TruncationMarker(maxChars))
	}
	res.Text = out.b.String()
	return res, nil
}

func writeRows(f *excelize.File, sheet string, out *budgetWriter) (int, error) {
	rows, err := f.Rows(sheet)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	written := 0
	for rows.Next() {
		if out.full {
			break
		}
		cells, err := rows.Columns()
		if err != nil {
			return written, err
		}
		if blank(cells) {
			continue
		}
		out.line(strings.Join(cells, "\t"))
		written++
	}
	return written, rows.Error()
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// budgetWriter joins lines with newlines and stops accepting input once
// max runes have been written.
type budgetWriter struct {
	b     strings.Builder
	n     int
	max   int
	lines int
	full  bool
}

func (w *budgetWriter) line(s string) {
	if w.lines > 0 {
		w.write("\n")
	}
	w.lines++
	w.write(s)
}

func (w *budgetWriter) write(s string) {
	if w.full {
		return
	}
	count := utf8.RuneCountInString(s)
	if w.n+count <= w.max {
		w.b.WriteString(s)
		w.n += count
		return
	}
	remaining := w.max - w.n
	for _, r := range s {
		if remaining == 0 {
			break
		}
		w.b.WriteRune(r)
		remaining--
	}
	w.n = w.max
	w.full = true
}
