package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/strikenet/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "strikenet",
	Short: "Lightning strike sensor network",
	Long: `strikenet runs the nodes of a lightning detection network: collectors
forward strikes over a NodeMCU radio, the receiver gathers them and serves
the operator display.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().String("config", config.DefaultPath, "Path to config file")
	rootCmd.PersistentFlags().Bool("demo", false, "Use an emulated radio and detector")
	rootCmd.PersistentFlags().Bool("trace", false, "Copy console traffic to stderr")
}

func loadConfig(cmd *cobra.Command) *config.Config {
	path, _ := cmd.Flags().GetString("config")
	cfg := config.LoadConfig(path)
	if demo, _ := cmd.Flags().GetBool("demo"); demo {
		cfg.Serial.Type = "demo"
		cfg.Collector.Source = "demo"
	}
	return cfg
}
