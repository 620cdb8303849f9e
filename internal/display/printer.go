// Package display renders command output as tables, JSON or YAML and
// prints status messages.
package display

import (
	"fmt"
	"io"
	"os"
)

// Options configures a Printer
type Options struct {
	Format OutputFormat
	Color  bool
	Quiet  bool
	Out    io.Writer
	Err    io.Writer
}

// Printer writes command results. In JSON and YAML modes stdout carries
// only the encoded value; status messages go to the error stream.
type Printer struct {
	format OutputFormat
	quiet  bool
	out    io.Writer
	err    io.Writer
	colors *ColorSystem
	theme  ColorTheme
}

// NewPrinter creates a printer from opts
func NewPrinter(opts Options) *Printer {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	if opts.Format == "" {
		opts.Format = FormatTable
	}
	return &Printer{
		format: opts.Format,
		quiet:  opts.Quiet,
		out:    opts.Out,
		err:    opts.Err,
		colors: NewColorSystem(opts.Out, opts.Color),
		theme:  DarkColorTheme(),
	}
}

// Structured reports whether output is machine readable
func (p *Printer) Structured() bool {
	return p.format != FormatTable
}

// Out returns the result stream
func (p *Printer) Out() io.Writer {
	return p.out
}

// NewTable creates a table using the printer's colors
func (p *Printer) NewTable() *Table {
	return NewTable(p.colors, p.theme)
}

// StatusColumn returns a colorizer for a status column
func (p *Printer) StatusColumn() func(string) string {
	return func(s string) string {
		return p.colors.Colorize(s, StatusColor(p.theme, s))
	}
}

// Print encodes v in structured modes, otherwise renders the table built
// by fill. An empty table prints empty instead.
func (p *Printer) Print(v interface{}, empty string, fill func(t *Table) int) error {
	if p.Structured() {
		return Encode(p.out, p.format, v)
	}
	t := p.NewTable()
	if fill(t) == 0 {
		p.Info(empty)
		return nil
	}
	return t.RenderTo(p.out)
}

// Detail prints v as labelled fields. Pairs are label, value in order.
func (p *Printer) Detail(v interface{}, pairs ...string) error {
	if p.Structured() {
		return Encode(p.out, p.format, v)
	}
	width := 0
	for i := 0; i < len(pairs); i += 2 {
		if len(pairs[i]) > width {
			width = len(pairs[i])
		}
	}
	for i := 0; i+1 < len(pairs); i += 2 {
		label := p.colors.Colorize(fmt.Sprintf("%-*s", width+1, pairs[i]+":"), p.theme.Muted)
		if _, err := fmt.Fprintf(p.out, "%s %s\n", label, pairs[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// Success prints a success message unless quiet
func (p *Printer) Success(msg string) {
	if p.quiet {
		return
	}
	fmt.Fprintln(p.statusStream(), p.colors.Colorize("✓ "+msg, p.theme.Success))
}

// Info prints an informational message unless quiet
func (p *Printer) Info(msg string) {
	if p.quiet {
		return
	}
	fmt.Fprintln(p.statusStream(), p.colors.Colorize(msg, p.theme.Info))
}

// Warning prints a warning, even when quiet
func (p *Printer) Warning(msg string) {
	fmt.Fprintln(p.err, p.colors.Colorize("! "+msg, p.theme.Warning))
}

func (p *Printer) statusStream() io.Writer {
	if p.Structured() {
		return p.err
	}
	return p.out
}
