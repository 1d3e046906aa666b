// Package progress renders scan results for the terminal.
package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mail-and-packages/stats"
)

// Table renders values as a two-column table sorted by sensor name.
func Table(values map[string]any) (string, error) {
	data := pterm.TableData{{"Sensor", "Value"}}
	for _, name := range sortedKeys(values) {
		data = append(data, []string{name, format(values[name])})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
}

// WriteJSON writes values as an indented JSON object.
func WriteJSON(w io.Writer, values map[string]any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(values); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

// Render writes values as JSON or as a table followed by a short summary.
func Render(w io.Writer, values map[string]any, summary stats.Summary, duration time.Duration, asJSON bool) error {
	if asJSON {
		return WriteJSON(w, values)
	}

	table, err := Table(values)
	if err != nil {
		return fmt.Errorf("render table: %w", err)
	}
	if _, err := fmt.Fprintln(w, table); err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, SummaryLine(summary, duration))
	return err
}

// SummaryLine is a one-line digest of a run's counters.
func SummaryLine(summary stats.Summary, duration time.Duration) string {
	line := fmt.Sprintf("%d sensors in %v: %d searches, %d fetches, %d errors",
		summary.Sensors, duration.Round(time.Millisecond), summary.Searches, summary.Fetches, summary.Errors)
	if summary.LastError != nil {
		line += " (last: " + summary.LastError.Error() + ")"
	}
	return line
}

func format(value any) string {
	switch v := value.(type) {
	case int:
		return strconv.Itoa(v)
	case string:
		return v
	case []string:
		if len(v) == 0 {
			return "-"
		}
		return strings.Join(v, ", ")
	default:
		return fmt.Sprint(v)
	}
}

func sortedKeys(values map[string]any) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
