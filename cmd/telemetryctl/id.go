package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/telemetrybus/pkg/event"
	"github.com/fyrsmithlabs/telemetrybus/pkg/idgen"
)

func newIDCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Generate time-ordered event identifiers",
		Long: `Print new event identifiers, one per line, in generation order.

Examples:
  telemetryctl id
  telemetryctl id --count 5
  telemetryctl id time 0190a1b2-c3d4-7e5f-8a6b-7c8d9e0f1a2b`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count < 1 {
				return errors.New("--count must be >= 1")
			}
			for range count {
				fmt.Fprintln(cmd.OutOrStdout(), idgen.New())
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of identifiers")
	cmd.AddCommand(newIDTimeCmd())
	return cmd
}

func newIDTimeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "time <id>",
		Short: "Print the generation time encoded in an identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, ok := idgen.Timestamp(args[0])
			if !ok {
				return fmt.Errorf("%q is not a time-ordered identifier", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", event.FormatTimestamp(ts), ts.Local().Format(time.RFC1123))
			return nil
		},
	}
}
