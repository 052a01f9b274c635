// Package display renders command output as rich terminal tables, plain
// text, CSV or JSON depending on the flags and what the terminal supports.
package display

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pterm/pterm"

	"github.com/TFMV/floe/icerr"
)

// OutputFormat represents different output formats
type OutputFormat int

const (
	FormatTable OutputFormat = iota
	FormatCSV
	FormatJSON
)

// ParseFormat maps a --format flag value to an OutputFormat
func ParseFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(s) {
	case "", "table":
		return FormatTable, nil
	case "csv":
		return FormatCSV, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatTable, &icerr.ValidationError{Field: "format", Message: fmt.Sprintf("unsupported output format %q", s)}
}

// MessageLevel represents different message types
type MessageLevel int

const (
	MessageLevelInfo MessageLevel = iota
	MessageLevelSuccess
	MessageLevelWarning
	MessageLevelError
)

// TableData is a header row plus cells; cells are formatted with FormatValue
type TableData struct {
	Headers []string
	Rows    [][]any
}

// Display writes messages and tables to one writer
type Display struct {
	out    io.Writer
	format OutputFormat
	rich   bool
}

// New returns a display on stdout that uses pterm styling when the
// terminal supports colour
func New(format OutputFormat) *Display {
	caps := DetectCapabilities()
	return &Display{
		out:    os.Stdout,
		format: format,
		rich:   caps.SupportsColor && !caps.IsPiped,
	}
}

// NewPlain returns an unstyled display on w
func NewPlain(w io.Writer, format OutputFormat) *Display {
	return &Display{out: w, format: format}
}

// Format returns the output format
func (d *Display) Format() OutputFormat {
	return d.format
}

// Success prints a success message
func (d *Display) Success(format string, args ...any) {
	d.message(MessageLevelSuccess, fmt.Sprintf(format, args...))
}

// Info prints an informational message
func (d *Display) Info(format string, args ...any) {
	d.message(MessageLevelInfo, fmt.Sprintf(format, args...))
}

// Warning prints a warning
func (d *Display) Warning(format string, args ...any) {
	d.message(MessageLevelWarning, fmt.Sprintf(format, args...))
}

// Error prints an error message
func (d *Display) Error(format string, args ...any) {
	d.message(MessageLevelError, fmt.Sprintf(format, args...))
}

func (d *Display) message(level MessageLevel, msg string) {
	// Structured formats carry data only.
	if d.format != FormatTable {
		return
	}
	if d.rich {
		var p pterm.PrefixPrinter
		switch level {
		case MessageLevelSuccess:
			p = pterm.Success
		case MessageLevelWarning:
			p = pterm.Warning
		case MessageLevelError:
			p = pterm.Error
		default:
			p = pterm.Info
		}
		fmt.Fprint(d.out, p.Sprintln(msg))
		return
	}

	prefix := map[MessageLevel]string{
		MessageLevelInfo:    "INFO",
		MessageLevelSuccess: "OK",
		MessageLevelWarning: "WARN",
		MessageLevelError:   "ERROR",
	}[level]
	fmt.Fprintf(d.out, "%s: %s\n", prefix, msg)
}

// Section prints a heading followed by key/value pairs in order
func (d *Display) Section(title string, pairs [][2]string) error {
	if d.format != FormatTable {
		return d.Table(TableData{Headers: []string{"key", "value"}, Rows: pairRows(pairs)})
	}

	if d.rich {
		fmt.Fprint(d.out, pterm.DefaultSection.Sprintln(title))
	} else {
		fmt.Fprintf(d.out, "== %s ==\n", title)
	}
	tw := tabwriter.NewWriter(d.out, 0, 0, 2, ' ', 0)
	for _, p := range pairs {
		fmt.Fprintf(tw, "%s:\t%s\n", p[0], p[1])
	}
	return tw.Flush()
}

func pairRows(pairs [][2]string) [][]any {
	rows := make([][]any, len(pairs))
	for i, p := range pairs {
		rows[i] = []any{p[0], p[1]}
	}
	return rows
}

// Table renders data in the display's format
func (d *Display) Table(data TableData) error {
	switch d.format {
	case FormatCSV:
		return d.renderCSV(data)
	case FormatJSON:
		return d.renderJSON(data)
	}

	if len(data.Rows) == 0 {
		d.Info("(no rows)")
		return nil
	}
	if d.rich {
		rendered, err := pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(stringify(data)).Srender()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(d.out, rendered)
		return err
	}

	tw := tabwriter.NewWriter(d.out, 0, 0, 2, ' ', 0)
	for _, row := range stringify(data) {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func (d *Display) renderCSV(data TableData) error {
	w := csv.NewWriter(d.out)
	for _, row := range stringify(data) {
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func (d *Display) renderJSON(data TableData) error {
	records := make([]map[string]any, 0, len(data.Rows))
	for _, row := range data.Rows {
		record := make(map[string]any, len(data.Headers))
		for i, h := range data.Headers {
			if i < len(row) {
				record[h] = jsonValue(row[i])
			}
		}
		records = append(records, record)
	}
	enc := json.NewEncoder(d.out)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

func stringify(data TableData) [][]string {
	out := make([][]string, 0, len(data.Rows)+1)
	out = append(out, data.Headers)
	for _, row := range data.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = FormatValue(v)
		}
		out = append(out, cells)
	}
	return out
}

func jsonValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	}
	return v
}

// FormatValue renders a cell; nil prints as NULL
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format("2006-01-02 15:04:05.000")
	case float32, float64:
		return fmt.Sprintf("%g", x)
	}
	return fmt.Sprintf("%v", v)
}

// FormatBytes renders a size with a binary unit
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
