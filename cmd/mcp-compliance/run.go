package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	compliance "github.com/MegaGrindStone/go-mcp-compliance"
	"github.com/MegaGrindStone/go-mcp-compliance/pkg/scenario"
	"github.com/spf13/cobra"
)

type runnerOptions struct {
	config    string
	scenarios []int
	ignore    []string
}

func (o *runnerOptions) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.config, "config", getEnv("CONFIG", "mcp-compliance.yaml"), "runner configuration file")
	f.IntSliceVar(&o.scenarios, "scenario", nil, "only run these scenario ids (repeatable)")
	f.StringSliceVar(&o.ignore, "ignore-header", nil, "additional header glob to drop before comparing (repeatable)")
}

func (o *runnerOptions) runner(logger *slog.Logger, output io.Writer) (*scenario.Runner, scenario.Config, error) {
	cfg, err := scenario.LoadConfig(o.config)
	if err != nil {
		return nil, scenario.Config{}, err
	}
	catalog, err := scenario.LoadCatalog(cfg.Catalog)
	if err != nil {
		return nil, scenario.Config{}, err
	}
	normalizer, err := compliance.NewNormalizer(o.ignore...)
	if err != nil {
		return nil, scenario.Config{}, err
	}

	r, err := scenario.NewRunner(cfg, catalog,
		scenario.WithRunnerLogger(logger),
		scenario.WithOutput(output),
		scenario.WithNormalizer(normalizer))
	if err != nil {
		return nil, scenario.Config{}, err
	}
	return r, cfg, nil
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runnerOptions{}
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "run [sdk...]",
		Short: "Run scenarios for every client and server pairing of the given SDKs",
		Long: `Run every selected scenario with the client of each SDK against the server of each
SDK, and compare each capture with the scenario's golden. All configured SDKs are used
when none is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, cfg, err := opts.runner(root.logger, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			sdks := args
			if len(sdks) == 0 {
				sdks = slices.Sorted(maps.Keys(cfg.SDKs))
			}

			results, err := r.RunMatrix(cmd.Context(), sdks, opts.scenarios)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(results); err != nil {
					return err
				}
			} else if err := writeResults(out, results); err != nil {
				return err
			}

			if failed := countFailed(results); failed > 0 {
				return fmt.Errorf("%d of %d runs failed", failed, len(results))
			}
			return nil
		},
	}

	opts.bind(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the results as JSON")
	return cmd
}

func newGenerateCmd(root *rootOptions) *cobra.Command {
	opts := &runnerOptions{}

	cmd := &cobra.Command{
		Use:   "generate <sdk>",
		Short: "Record golden captures using the client and server of one SDK",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, _, err := opts.runner(root.logger, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return r.GenerateAll(cmd.Context(), args[0], opts.scenarios)
		},
	}

	opts.bind(cmd)
	return cmd
}

func writeResults(w io.Writer, results []scenario.TestResult) error {
	for _, res := range results {
		status := "PASS"
		if !res.Success {
			status = "FAIL"
		}
		if _, err := fmt.Fprintf(w, "%s scenario %d: %s client -> %s server (%s)\n",
			status, res.ScenarioID, res.ClientSDK, res.ServerSDK, res.Transport); err != nil {
			return err
		}

		switch {
		case res.Error != "":
			if _, err := fmt.Fprintf(w, "  error: %s\n", res.Error); err != nil {
				return err
			}
		case res.Comparison != nil && !res.Comparison.Match:
			if err := compliance.WriteReport(w, *res.Comparison); err != nil {
				return err
			}
		}
	}

	_, err := fmt.Fprintf(w, "\n%d passed, %d failed\n", len(results)-countFailed(results), countFailed(results))
	return err
}

func countFailed(results []scenario.TestResult) int {
	n := 0
	for _, res := range results {
		if !res.Success {
			n++
		}
	}
	return n
}
