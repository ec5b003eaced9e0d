package main

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"

	compliance "github.com/MegaGrindStone/go-mcp-compliance"
	"github.com/spf13/cobra"
)

func newDecodeCmd(_ *rootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "decode [file]",
		Short: "Print the JSON-RPC messages found in a raw stdio or event-stream dump",
		Long: `Print, one per line, the JSON-RPC messages contained in a raw dump of a stdio pipe
(--format lines) or of an event-stream body (--format sse). Everything else in the dump
is skipped. The dump is read from standard input when no file is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			var messages iter.Seq2[compliance.JSONRPCMessage, error]
			switch format {
			case "lines":
				messages = compliance.ReadLines(r)
			case "sse":
				messages = compliance.ReadEventStream(r)
			default:
				return fmt.Errorf("unknown format %q: must be lines or sse", format)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetEscapeHTML(false)
			for msg, err := range messages {
				if err != nil {
					return err
				}
				if err := enc.Encode(msg); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "lines", "dump format: lines or sse")
	return cmd
}
