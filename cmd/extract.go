package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/iqm-resolution-archiver/internal/resolution"
)

func newExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract <id>",
		Short: "Fetch one resolution and print the record it would archive.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || n <= 0 {
				return fmt.Errorf("identifier %q must be a positive integer", args[0])
			}
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			rec, err := a.Preview(cmd.Context(), resolution.ID(n))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(rec); err != nil {
				return fmt.Errorf("write record: %w", err)
			}
			return nil
		},
	}
}
