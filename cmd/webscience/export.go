package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/entrhq/webscience/pkg/storage"
	"github.com/entrhq/webscience/pkg/study"
	"github.com/spf13/cobra"
)

func newExportCmd(flags *globalFlags) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the stored records of a study as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Storage.Backend == storage.KindMemory {
				return fmt.Errorf("the memory backend keeps nothing to export; configure a file or sqlite backend")
			}

			backend, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
			if err != nil {
				return err
			}
			defer backend.Close()

			export, err := study.ExportRecords(cmd.Context(), cfg, backend)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(export)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "-", "output file, - for stdout")
	return cmd
}
