package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical/flyer-offers/cmd/offers/ui"
	"github.com/spherical/flyer-offers/internal/domain"
	"github.com/spherical/flyer-offers/internal/storage"
)

var (
	queryRetailer string
	queryWeek     string
	queryJSON     bool
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "List stored offers",
	Long:  "List stored offers, optionally narrowed to one retailer and one ISO week.",
	RunE:  runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&queryRetailer, "retailer", "r", "", "retailer filter")
	queryCmd.Flags().StringVarP(&queryWeek, "week", "w", "", "ISO week filter such as 2025-W48")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "print offers as JSON")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	filter, err := queryFilter(queryRetailer, queryWeek)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	offers, err := store.Query(ctx, filter)
	if err != nil {
		return fmt.Errorf("query offers: %w", err)
	}

	if queryJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(offers)
	}

	if len(offers) == 0 {
		ui.Warning("No offers stored for this filter.")
		return nil
	}

	rows := make([][]string, 0, len(offers))
	for _, o := range offers {
		rows = append(rows, offerRow(o))
	}
	ui.Table(os.Stdout, []string{"Retailer", "Week", "Title", "Brand", "Price", "Before", "Unit", "Valid"}, rows)
	fmt.Println()
	ui.Info("%d offers", len(offers))
	return nil
}

func queryFilter(retailer, week string) (storage.Filter, error) {
	var f storage.Filter
	if retailer != "" {
		r, err := domain.ParseRetailer(retailer)
		if err != nil {
			return f, err
		}
		f.Retailer = &r
	}
	if week != "" {
		w, err := domain.ParseWeekKey(week)
		if err != nil {
			return f, err
		}
		f.WeekKey = &w
	}
	return f, nil
}

func offerRow(o domain.Offer) []string {
	before := "-"
	if o.OriginalPrice != nil {
		before = o.OriginalPrice.StringFixed(2)
	}
	return []string{
		string(o.Retailer),
		string(o.WeekKey),
		o.Title,
		dash(o.Brand),
		o.Price.StringFixed(2),
		before,
		dash(o.Unit),
		fmt.Sprintf("%s..%s", o.ValidFrom, o.ValidTo),
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
