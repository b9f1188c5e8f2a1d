package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/turnloop/turnloop/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("turnloop version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("turnloop status")
		fmt.Printf("Version: %s\n", version)

		configPath, err := config.ConfigPath()
		if err == nil {
			if _, err := os.Stat(configPath); err == nil {
				fmt.Println("Config:  found (" + configPath + ")")
			} else {
				fmt.Println("Config:  not found, defaults in effect (" + configPath + ")")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config error: %v\n", err)
			return
		}
		if cfg.Provider.APIKey != "" {
			fmt.Println("API Key: found")
		} else {
			fmt.Println("API Key: not found (set TURNLOOP_PROVIDER_API_KEY)")
		}
		fmt.Printf("Model:   %s\n", cfg.Model.Name)
		fmt.Printf("Workspace: %s\n", cfg.Paths.Workspace)
		if cfg.Kafka.Enabled {
			fmt.Printf("Kafka:   enabled (%v → %s)\n", cfg.Kafka.Brokers, cfg.Kafka.Topic)
		} else {
			fmt.Println("Kafka:   disabled")
		}
	},
}
