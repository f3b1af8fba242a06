package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical/flyer-offers/cmd/offers/ui"
)

var weeksJSON bool

var weeksCmd = &cobra.Command{
	Use:   "weeks",
	Short: "List stored retailer weeks",
	RunE:  runWeeks,
}

func init() {
	weeksCmd.Flags().BoolVar(&weeksJSON, "json", false, "print partitions as JSON")
	rootCmd.AddCommand(weeksCmd)
}

func runWeeks(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	parts, err := store.Partitions(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}

	if weeksJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(parts)
	}

	if len(parts) == 0 {
		ui.Warning("The store is empty.")
		return nil
	}

	rows := make([][]string, 0, len(parts))
	for _, p := range parts {
		from, to := p.WeekKey.Range()
		rows = append(rows, []string{string(p.WeekKey), string(p.Retailer), strconv.Itoa(p.Count), fmt.Sprintf("%s..%s", from, to)})
	}
	ui.Table(os.Stdout, []string{"Week", "Retailer", "Offers", "Dates"}, rows)
	return nil
}
