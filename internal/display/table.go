package display

import (
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// Alignment represents column alignment options
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// BorderStyle defines table border characters
type BorderStyle struct {
	Corner     string
	Horizontal string
	Vertical   string
}

// ASCIIBorderStyle draws tables with plain ASCII characters
var ASCIIBorderStyle = BorderStyle{Corner: "+", Horizontal: "-", Vertical: "|"}

// Table renders rows of cells as a bordered text table. Cell colors are
// applied after padding so escape codes never skew the column widths.
type Table struct {
	headers    []string
	rows       [][]string
	alignments map[int]Alignment
	colorizers map[int]func(string) string
	border     BorderStyle
	padding    int
	maxWidth   int
	colors     *ColorSystem
	theme      ColorTheme
}

// NewTable creates a table sized to the terminal when there is one
func NewTable(colors *ColorSystem, theme ColorTheme) *Table {
	return &Table{
		alignments: make(map[int]Alignment),
		colorizers: make(map[int]func(string) string),
		border:     ASCIIBorderStyle,
		padding:    1,
		maxWidth:   terminalWidth(),
		colors:     colors,
		theme:      theme,
	}
}

// SetHeaders sets the table headers
func (t *Table) SetHeaders(headers ...string) {
	t.headers = headers
}

// AddRow adds a row to the table
func (t *Table) AddRow(row ...string) {
	t.rows = append(t.rows, row)
}

// SetColumnAlignment sets the alignment for a column
func (t *Table) SetColumnAlignment(column int, alignment Alignment) {
	t.alignments[column] = alignment
}

// SetColumnColor colors every cell of a column with fn
func (t *Table) SetColumnColor(column int, fn func(string) string) {
	t.colorizers[column] = fn
}

// SetMaxWidth overrides the detected terminal width; zero disables shrinking
func (t *Table) SetMaxWidth(width int) {
	t.maxWidth = width
}

// Render returns the formatted table
func (t *Table) Render() string {
	if len(t.headers) == 0 && len(t.rows) == 0 {
		return ""
	}
	widths := t.fit(t.columnWidths())

	var b strings.Builder
	rule := t.rule(widths)
	b.WriteString(rule)
	if len(t.headers) > 0 {
		b.WriteString(t.renderRow(t.headers, widths, true))
		b.WriteString(rule)
	}
	for _, row := range t.rows {
		b.WriteString(t.renderRow(row, widths, false))
	}
	b.WriteString(rule)
	return b.String()
}

// RenderTo renders the table to w
func (t *Table) RenderTo(w io.Writer) error {
	_, err := io.WriteString(w, t.Render())
	return err
}

func (t *Table) columnCount() int {
	n := len(t.headers)
	for _, row := range t.rows {
		if len(row) > n {
			n = len(row)
		}
	}
	return n
}

func (t *Table) columnWidths() []int {
	widths := make([]int, t.columnCount())
	for i, h := range t.headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if n := utf8.RuneCountInString(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}
	return widths
}

// fit shrinks the widest columns until the table fits maxWidth
func (t *Table) fit(widths []int) []int {
	if t.maxWidth <= 0 {
		return widths
	}
	const minWidth = 4
	total := func() int {
		sum := len(widths) + 1
		for _, w := range widths {
			sum += w + 2*t.padding
		}
		return sum
	}
	for total() > t.maxWidth {
		widest := 0
		for i, w := range widths {
			if w > widths[widest] {
				widest = i
			}
		}
		if widths[widest] <= minWidth {
			break
		}
		widths[widest]--
	}
	return widths
}

func (t *Table) rule(widths []int) string {
	var b strings.Builder
	b.WriteString(t.border.Corner)
	for _, w := range widths {
		b.WriteString(strings.Repeat(t.border.Horizontal, w+2*t.padding))
		b.WriteString(t.border.Corner)
	}
	b.WriteString("\n")
	return b.String()
}

func (t *Table) renderRow(row []string, widths []int, header bool) string {
	var b strings.Builder
	b.WriteString(t.border.Vertical)
	pad := strings.Repeat(" ", t.padding)
	for i, w := range widths {
		var cell string
		if i < len(row) {
			cell = row[i]
		}
		cell = truncate(cell, w)
		gap := strings.Repeat(" ", w-utf8.RuneCountInString(cell))

		switch {
		case header && t.colors != nil:
			cell = t.colors.Colorize(cell, t.theme.Primary)
		case t.colorizers[i] != nil:
			cell = t.colorizers[i](cell)
		}

		b.WriteString(pad)
		if t.alignments[i] == AlignRight {
			b.WriteString(gap + cell)
		} else {
			b.WriteString(cell + gap)
		}
		b.WriteString(pad)
		b.WriteString(t.border.Vertical)
	}
	b.WriteString("\n")
	return b.String()
}

func truncate(s string, width int) string {
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	runes := []rune(s)
	if width > 3 {
		return string(runes[:width-3]) + "..."
	}
	return string(runes[:width])
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return width
}
