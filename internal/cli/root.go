package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverURL  string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "bondline",
	Short: "Scarce, ranked bonds between users and agents",
	Long: "Bondline allocates a limited number of bond slots per agent and tier, " +
		"queues requests when a tier is full, and ranks every bond by rarity.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("BONDLINE_CONFIG"), "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server URL for remote commands (default $BONDLINE_URL or http://127.0.0.1:37780)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON instead of text")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(establishCmd)
	rootCmd.AddCommand(bondCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(bondsCmd)
	rootCmd.AddCommand(legacyCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(offerCmd)
	rootCmd.AddCommand(capacityCmd)
	rootCmd.AddCommand(leaderboardCmd)
	rootCmd.AddCommand(statsCmd)
}
