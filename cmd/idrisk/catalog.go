package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/idrisk/internal/indicator"
)

func newCatalogCmd(a *app) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Print the built-in indicator catalog",
		Long: `catalog prints the built-in indicator catalog as YAML. Edit a copy and
point catalog_path at it to change points, scaling or remediation text.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data := indicator.DefaultCatalogYAML()
			if out == "" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return fmt.Errorf("writing catalog: %w", err)
			}
			a.logger.Info("Catalog written", zap.String("path", out))
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "Write the catalog to this file instead of stdout")
	return cmd
}
