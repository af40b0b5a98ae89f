package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/llm-gateway/internal/app"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(app.Options{
				ConfigPath: configPath(),
				Version:    Version,
				Debug:      debug,
			})
			if err != nil {
				return fmt.Errorf("initialize service: %w", err)
			}
			defer func() { _ = a.Close() }()

			return a.Run(cmd.Context())
		},
	}
}
