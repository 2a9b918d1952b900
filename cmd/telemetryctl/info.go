package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/telemetrybus/pkg/eventbus"
)

// infoOutput is the JSON document printed by the info command.
type infoOutput struct {
	Stream *eventbus.StreamInfo `json:"stream"`
	Group  *eventbus.GroupInfo  `json:"group,omitempty"`
}

func newInfoCmd(root *rootOptions) *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show stream and consumer group state",
		Long: `Print the stream length, entry range and group count as JSON. With
--group, include that group's pending count, lag and members.

Examples:
  telemetryctl info
  telemetryctl info --group telemetryd`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			rdb, err := root.redisClient(cfg)
			if err != nil {
				return err
			}
			defer rdb.Close()

			ctx := cmd.Context()
			var out infoOutput
			if out.Stream, err = eventbus.ReadStreamInfo(ctx, rdb, cfg.Stream.Key); err != nil {
				return fmt.Errorf("read stream info: %w", err)
			}
			if group != "" {
				if out.Group, err = eventbus.ReadGroupInfo(ctx, rdb, cfg.Stream.Key, group); err != nil {
					return fmt.Errorf("read group info: %w", err)
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "consumer group to describe")
	return cmd
}
