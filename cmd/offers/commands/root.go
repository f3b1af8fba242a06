package commands

import (
	"github.com/spf13/cobra"

	"github.com/spherical/flyer-offers/cmd/offers/ui"
)

var (
	cfgFile string
	verbose bool
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "offers",
	Short: "Weekly supermarket flyer offer extraction",
	Long: `offers turns the weekly flyers of German supermarket chains (PDF, web pages,
page images or plain text) into validated, deduplicated offer records stored
per retailer and ISO week.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.InitUI(noColor)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
