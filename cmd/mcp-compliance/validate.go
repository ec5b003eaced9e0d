package main

import (
	"fmt"

	compliance "github.com/MegaGrindStone/go-mcp-compliance"
	"github.com/MegaGrindStone/go-mcp-compliance/pkg/scenario"
	"github.com/spf13/cobra"
)

func newValidateCmd(_ *rootOptions) *cobra.Command {
	var scenarios string

	cmd := &cobra.Command{
		Use:   "validate [capture.jsonl...]",
		Short: "Validate captures, or the scenario catalog when no capture is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				catalog, err := scenario.LoadCatalog(scenarios)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s is valid\n", scenarios)
				fmt.Fprintf(out, "- %d servers defined\n", len(catalog.Servers))
				fmt.Fprintf(out, "- %d scenarios defined\n", len(catalog.Scenarios))
				return nil
			}

			for _, path := range args {
				c, err := compliance.ParseCapture(path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(out, "%s: %d messages\n", path, len(c.Messages))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scenarios, "scenarios", getEnv("SCENARIOS", "scenarios/data.json"), "scenario catalog")
	return cmd
}
