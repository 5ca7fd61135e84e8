package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/iqm-resolution-archiver/internal/config"
)

func newRunCmd() *cobra.Command {
	var (
		start int64
		end   int64
		ids   []int64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Archive a range of resolution identifiers and print the run summary.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}

			override := config.RangeConfig{Start: start, End: end, IDs: ids}
			if err := override.Validate(); err != nil {
				return err
			}
			summary, runErr := a.Run(cmd.Context(), override.Identifiers())

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return fmt.Errorf("write summary: %w", err)
			}
			return runErr
		},
	}

	cmd.Flags().Int64Var(&start, "start", 0, "first identifier (overrides range.start)")
	cmd.Flags().Int64Var(&end, "end", 0, "last identifier, inclusive (overrides range.end)")
	cmd.Flags().Int64SliceVar(&ids, "id", nil, "explicit identifiers, repeatable")
	return cmd
}
