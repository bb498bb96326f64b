package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/example/roster-sync/internal/types"
)

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// NewOutputFormatter creates a formatter for the given format and writer.
func NewOutputFormatter(format string, w io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: format, Writer: w}
}

// JSON writes v as indented JSON.
func (f *OutputFormatter) JSON(v any) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Positions renders a roster.
func (f *OutputFormatter) Positions(list []types.Position) error {
	if f.Format == "json" {
		return f.JSON(list)
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTEAM\tNAME\tOCCUPANT\tVERSION")
	for _, p := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", p.ID, p.TeamID, p.Name, occupant(p), p.Version)
	}
	return tw.Flush()
}

// Position renders a single position.
func (f *OutputFormatter) Position(p types.Position) error {
	if f.Format == "json" {
		return f.JSON(p)
	}
	_, err := fmt.Fprintf(f.Writer, "%s (%s) %s, version %d\n", p.ID, p.Name, describe(p), p.Version)
	return err
}

// Line writes one text line, or v as JSON in json mode.
func (f *OutputFormatter) Line(text string, v any) error {
	if f.Format == "json" {
		return f.JSON(v)
	}
	_, err := fmt.Fprintln(f.Writer, text)
	return err
}

func occupant(p types.Position) string {
	if p.Occupant == nil {
		return "-"
	}
	return string(*p.Occupant)
}

func describe(p types.Position) string {
	if p.Occupant == nil {
		return "open"
	}
	return "held by " + string(*p.Occupant)
}

func formatLatency(d time.Duration) string {
	return d.Round(10 * time.Microsecond).String()
}
