package display

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func TestTableRender(t *testing.T) {
	table := NewTable(NewColorSystem(&bytes.Buffer{}, true), DarkColorTheme())
	table.SetMaxWidth(0)
	table.SetHeaders("ID", "Size")
	table.SetColumnAlignment(1, AlignRight)
	table.AddRow("BK-1", "10 B")
	table.AddRow("BK-200", "1.5 KB")

	expected := strings.Join([]string{
		"+--------+--------+",
		"| ID     |   Size |",
		"+--------+--------+",
		"| BK-1   |   10 B |",
		"| BK-200 | 1.5 KB |",
		"+--------+--------+",
		"",
	}, "\n")
	assert.Equal(t, expected, table.Render())
}

func TestTableShrinksToWidth(t *testing.T) {
	table := NewTable(NewColorSystem(&bytes.Buffer{}, false), DarkColorTheme())
	table.SetMaxWidth(20)
	table.SetHeaders("Name")
	table.AddRow("a rather long backup description")

	for _, line := range strings.Split(strings.TrimSpace(table.Render()), "\n") {
		assert.LessOrEqual(t, len(line), 20)
	}
	assert.Contains(t, table.Render(), "...")
}

func TestParseFormat(t *testing.T) {
	for _, name := range []string{"table", "json", "yaml"} {
		f, err := ParseFormat(name)
		require.NoError(t, err)
		assert.Equal(t, OutputFormat(name), f)
	}
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatTable, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestEncode(t *testing.T) {
	v := []item{{ID: "b1", Status: "completed"}}

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, FormatJSON, v))
		assert.JSONEq(t, `[{"id":"b1","status":"completed"}]`, buf.String())
	})

	t.Run("yaml uses json field names", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, FormatYAML, v))
		assert.True(t, strings.HasPrefix(buf.String(), "- id: b1\n"))
		assert.Contains(t, buf.String(), "status: completed")
	})
}

func TestPrinter(t *testing.T) {
	v := []item{{ID: "b1", Status: "completed"}}
	fill := func(tb *Table) int {
		tb.SetHeaders("ID", "Status")
		for _, it := range v {
			tb.AddRow(it.ID, it.Status)
		}
		return len(v)
	}

	t.Run("table goes to stdout", func(t *testing.T) {
		var out, errOut bytes.Buffer
		p := NewPrinter(Options{Format: FormatTable, Out: &out, Err: &errOut})
		require.NoError(t, p.Print(v, "No backups found.", fill))
		p.Success("done")
		assert.Contains(t, out.String(), "| b1 | completed |")
		assert.Contains(t, out.String(), "done")
		assert.Empty(t, errOut.String())
	})

	t.Run("structured output keeps status off stdout", func(t *testing.T) {
		var out, errOut bytes.Buffer
		p := NewPrinter(Options{Format: FormatJSON, Out: &out, Err: &errOut})
		require.NoError(t, p.Print(v, "No backups found.", fill))
		p.Success("done")
		assert.JSONEq(t, `[{"id":"b1","status":"completed"}]`, out.String())
		assert.Contains(t, errOut.String(), "done")
	})

	t.Run("empty", func(t *testing.T) {
		var out bytes.Buffer
		p := NewPrinter(Options{Out: &out, Err: &out})
		require.NoError(t, p.Print(nil, "No backups found.", func(*Table) int { return 0 }))
		assert.Equal(t, "No backups found.\n", out.String())
	})

	t.Run("quiet keeps warnings", func(t *testing.T) {
		var out, errOut bytes.Buffer
		p := NewPrinter(Options{Quiet: true, Out: &out, Err: &errOut})
		p.Success("done")
		p.Info("note")
		p.Warning("careful")
		assert.Empty(t, out.String())
		assert.Contains(t, errOut.String(), "careful")
	})

	t.Run("detail", func(t *testing.T) {
		var out bytes.Buffer
		p := NewPrinter(Options{Out: &out})
		require.NoError(t, p.Detail(v[0], "ID", "b1", "Status", "completed"))
		assert.Equal(t, "ID:     b1\nStatus: completed\n", out.String())
	})
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KB", FormatBytes(1536))
	assert.Equal(t, "2.0 MB", FormatBytes(2*1024*1024))
	assert.Equal(t, "-", FormatTime(time.Time{}))
	assert.Equal(t, "2026-04-01 08:00 UTC", FormatTime(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)))
	assert.Equal(t, "1m5s", FormatDuration(65*time.Second+200*time.Millisecond))
}
