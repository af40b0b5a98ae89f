// Package cmd implements the llm-gateway command-line interface.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/llm-gateway/internal/config"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var (
	cfgFile string
	debug   bool

	rootCmd = &cobra.Command{
		Use:   "llm-gateway",
		Short: "Cost-optimized LLM request gateway",
		Long: `llm-gateway fronts LLM providers with response caching, complexity-based
model selection, usage tracking, and a rate-limited scrape queue.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("llm-gateway %s\n", Version)
		},
	})

	rootCmd.AddCommand(serveCmd())
}

// configPath resolves the config file path: flag, then CONFIG_PATH,
// then ./config.yml.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.Path("config.yml")
}
