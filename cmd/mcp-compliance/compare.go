package main

import (
	"encoding/json"
	"errors"

	compliance "github.com/MegaGrindStone/go-mcp-compliance"
	"github.com/spf13/cobra"
)

var errMismatch = errors.New("captures differ")

func newCompareCmd(_ *rootOptions) *cobra.Command {
	var (
		ignore []string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "compare <golden.jsonl> <actual.jsonl>",
		Short: "Compare a capture against its golden after normalization",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			normalizer, err := compliance.NewNormalizer(ignore...)
			if err != nil {
				return err
			}
			golden, err := compliance.ParseCapture(args[0])
			if err != nil {
				return err
			}
			actual, err := compliance.ParseCapture(args[1])
			if err != nil {
				return err
			}

			result := compliance.CompareCaptures(golden, actual, normalizer)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else if err := compliance.WriteReport(cmd.OutOrStdout(), result); err != nil {
				return err
			}

			if !result.Match {
				return errMismatch
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&ignore, "ignore-header", nil, "additional header glob to drop before comparing (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the comparison result as JSON")
	return cmd
}
