package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical/flyer-offers/cmd/offers/ui"
	"github.com/spherical/flyer-offers/internal/domain"
	"github.com/spherical/flyer-offers/internal/pipeline"
)

var (
	runRetailers []string
	runWeek      string
	runInput     string
	runJSON      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Extract and store the offers of one week",
	Long: `Run the extraction pipeline for one ISO week. Every selected retailer is
processed independently; a failing retailer never touches the others or its own
previously stored offers.`,
	Example: `  offers run --week 2025-W48
  offers run -r lidl -r rewe
  offers run -r aldi-sued --input ./prospekt.pdf`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringSliceVarP(&runRetailers, "retailer", "r", nil, "retailer to process (repeatable, default: all configured)")
	runCmd.Flags().StringVarP(&runWeek, "week", "w", "", "ISO week key such as 2025-W48 (default: current week)")
	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "local file or directory replacing the configured source")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the run summary as JSON")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	week, err := resolveWeek(runWeek, time.Now())
	if err != nil {
		return err
	}
	retailers, err := resolveRetailers(runRetailers, cfg)
	if err != nil {
		return err
	}
	if runInput != "" && len(retailers) != 1 {
		return fmt.Errorf("--input needs exactly one --retailer, got %d", len(retailers))
	}

	var spin *ui.Spinner
	if !runJSON {
		spin = ui.NewSpinner("Connecting store and cache...")
		spin.Start()
	}
	rt, err := buildRuntime(ctx, cfg, logger)
	if spin != nil {
		spin.Stop()
	}
	if err != nil {
		return err
	}
	defer rt.close()

	events := make(chan domain.StreamEvent, 256)
	reqs := make([]pipeline.RunRequest, len(retailers))
	for i, r := range retailers {
		reqs[i] = pipeline.RunRequest{Retailer: r, WeekKey: week, Events: events}
	}
	if runInput != "" {
		src, err := rt.loader.Load(ctx, cfg.Retailer(retailers[0]), week, runInput)
		if err != nil {
			return fmt.Errorf("load %s: %w", runInput, err)
		}
		reqs[0].Source = src
	}

	if !runJSON {
		ui.Section(fmt.Sprintf("Offers %s", week))
		ui.KeyValue("Retailers", strconv.Itoa(len(retailers)))
		ui.KeyValue("Store", cfg.Storage.Driver)
		fmt.Println()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		showProgress(events, len(reqs), !runJSON)
	}()

	summary := rt.orchestrator.RunAll(ctx, reqs)
	close(events)
	wg.Wait()

	if runJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return err
		}
	} else {
		printSummary(summary)
	}

	switch {
	case len(summary.Runs) > 0 && summary.Failed() == len(summary.Runs):
		return fmt.Errorf("all %d runs failed", len(summary.Runs))
	case summary.Failed() > 0 && !runJSON:
		ui.Warning("%d of %d runs failed; their stored offers were left unchanged", summary.Failed(), len(summary.Runs))
	}
	return nil
}

// showProgress drains events until the channel is closed.
func showProgress(events <-chan domain.StreamEvent, runs int, visible bool) {
	if !visible {
		for range events {
		}
		return
	}

	bar := ui.NewProgressBar(int64(runs), "starting")
	for ev := range events {
		switch ev.Type {
		case domain.EventUnitComplete:
			bar.Describe(fmt.Sprintf("%s page %d/%d", ev.Retailer, ev.PageNumber, ev.Total))
		case domain.EventStageComplete:
			bar.Describe(fmt.Sprintf("%s %s", ev.Retailer, ev.Stage))
		case domain.EventRunComplete, domain.EventError:
			bar.Add(1)
		}
	}
	bar.Describe("done")
	bar.Finish()
}

func printSummary(summary pipeline.Summary) {
	rows := make([][]string, 0, len(summary.Runs))
	for _, rs := range summary.Runs {
		row := []string{string(rs.Retailer), ui.Status(rs.Status), "-", "-", strconv.Itoa(rs.Stored), "-", rs.Error}
		if res := rs.Result; res != nil {
			row[2] = strconv.Itoa(res.Extracted)
			row[3] = strconv.Itoa(res.Valid)
			row[5] = ui.FormatDuration(res.Duration)
			if res.Units != nil && res.Units.Failed > 0 {
				row[6] = fmt.Sprintf("%d/%d units failed", res.Units.Failed, res.Units.Total)
			}
		}
		rows = append(rows, row)
	}

	ui.Section("Summary")
	ui.Table(os.Stdout, []string{"Retailer", "Status", "Extracted", "Valid", "Stored", "Duration", "Note"}, rows)
	fmt.Println()
	ui.Success("%d succeeded, %d failed in %s", summary.Succeeded(), summary.Failed(), ui.FormatDuration(summary.Duration))
}
