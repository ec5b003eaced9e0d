// Command mcp-compliance intercepts MCP traffic into captures, compares captures against goldens
// and runs the cross-SDK scenario matrix.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	verbose bool
	logger  *slog.Logger
}

var (
	version = "dev"
	commit  = "unknown"
)

const envPrefix = "MCP_COMPLIANCE_"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "mcp-compliance",
		Short: "Intercept, record and compare MCP traffic across SDKs",
		Long: `mcp-compliance checks that independent MCP implementations exchange the same
messages for the same scenario.

  mcp-compliance mitm stdio --log 1.jsonl -- ./test-server --transport stdio
  mcp-compliance compare goldens/1.jsonl 1.jsonl
  mcp-compliance run --config compliance.yaml typescript-sdk go-sdk

Every flag can also be set through an MCP_COMPLIANCE_* environment variable, e.g.
MCP_COMPLIANCE_SCENARIOS for --scenarios. DEBUG=true enables debug logging.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			opts.logger = newLogger(cmd.ErrOrStderr(), opts.verbose)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", envBool("DEBUG"), "enable debug logging")
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	cmd.AddCommand(
		newMITMCmd(opts),
		newCompareCmd(opts),
		newValidateCmd(opts),
		newRunCmd(opts),
		newGenerateCmd(opts),
		newDecodeCmd(opts),
	)
	return cmd
}

// newLogger returns the operator diagnostics logger. It always writes to w, never to standard
// output, which carries protocol traffic in stdio mode.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func getEnv(key, def string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return def
}

func envBool(key string) bool {
	return strings.EqualFold(os.Getenv(key), "true")
}
