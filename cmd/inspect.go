package cmd

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-and-packages/catalog"
	"github.com/dhcgn/mail-and-packages/classify"
	"github.com/dhcgn/mail-and-packages/mbox"
	"github.com/dhcgn/mail-and-packages/model"
	"github.com/dhcgn/mail-and-packages/stats"
)

const reportName = "report_carriers.csv"

// ruleCount is one carrier rule applied to an archive.
type ruleCount struct {
	Sensor   string
	Count    int
	Tracking []string
}

func newInspectCmd() *cobra.Command {
	var (
		reportDir string
		date      string
	)

	cmd := &cobra.Command{
		Use:   "inspect [mbox file]",
		Short: "Apply every carrier rule to an mbox archive and show the matches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logLevel, _ := cmd.Flags().GetString("log-level")
			logger, cleanup, err := setupLogger(logLevel, "", cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			var day time.Time
			if date != "" {
				day, err = time.ParseInLocation(time.DateOnly, date, time.Local)
				if err != nil {
					return fmt.Errorf("invalid --date %q: %w", date, err)
				}
			}

			store, err := mbox.Open(args[0], logger)
			if err != nil {
				return err
			}
			defer store.Close()

			collector := stats.NewCollector()
			env := model.Env{Store: store, Logger: logger, Today: day, Stats: collector}
			counts := inspect(cmd.Context(), env)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Inspected %d messages in %s\n\n", store.Len(), args[0])
			if err := printCounts(out, counts); err != nil {
				return err
			}

			if reportDir == "" {
				return nil
			}
			if err := saveCSVReport(counts, reportDir); err != nil {
				return fmt.Errorf("error saving CSV report: %w", err)
			}
			fmt.Fprintf(out, "\nReport saved to %s\n", filepath.Join(reportDir, reportName))
			return nil
		},
	}

	cmd.Flags().StringVarP(&reportDir, "output", "o", "", "Directory for a CSV report, none when empty")
	cmd.Flags().StringVar(&date, "date", "", "Only count messages sent on this day (YYYY-MM-DD), all days when empty")
	return cmd
}

func inspect(ctx context.Context, env model.Env) []ruleCount {
	sensors := catalog.RuleSensors()
	counts := make([]ruleCount, 0, len(sensors))
	for _, sensor := range sensors {
		rule, _ := catalog.Lookup(sensor)
		res := classify.Count(ctx, env, rule, true)
		counts = append(counts, ruleCount{Sensor: sensor, Count: res.Count, Tracking: res.Tracking})
	}
	return counts
}

func printCounts(w io.Writer, counts []ruleCount) error {
	data := pterm.TableData{{"Sensor", "Count", "Tracking"}}
	for _, c := range counts {
		data = append(data, []string{c.Sensor, strconv.Itoa(c.Count), strings.Join(c.Tracking, " ")})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, table)
	return err
}

func saveCSVReport(counts []ruleCount, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	file, err := os.Create(filepath.Join(dir, reportName))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Sensor", "Count", "Tracking"}); err != nil {
		return err
	}
	for _, c := range counts {
		record := []string{c.Sensor, strconv.Itoa(c.Count), strings.Join(c.Tracking, " ")}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}
