package main

import (
	"fmt"
	"time"

	"cartwheel/internal/idgen"

	"github.com/spf13/cobra"
)

// IDOptions holds flags for the id commands.
type IDOptions struct {
	*RootOptions
	DatacenterID int64
	WorkerID     int64
	Count        int
	Epoch        string
}

// NewIDCommand creates the id command group. It works offline.
func NewIDCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IDOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Generate and decode identifiers",
	}
	cmd.PersistentFlags().StringVar(&opts.Epoch, "epoch", idgen.DefaultEpoch.Format(time.RFC3339), "generator epoch (RFC 3339)")

	next := &cobra.Command{
		Use:   "next",
		Short: "Generate identifiers for a node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			epoch, err := opts.epoch()
			if err != nil {
				return err
			}
			gen, err := idgen.New(idgen.Config{DatacenterID: opts.DatacenterID, WorkerID: opts.WorkerID, Epoch: epoch})
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid node", err)
			}
			ids := make([]uint64, 0, max(opts.Count, 1))
			for range max(opts.Count, 1) {
				id, err := gen.NextID()
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			out := opts.output(cmd)
			if out.Format == "json" {
				return out.Print(map[string][]uint64{"ids": ids}, "")
			}
			for _, id := range ids {
				if err := out.Print(nil, fmt.Sprint(id)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	next.Flags().Int64Var(&opts.DatacenterID, "datacenter", 0, "datacenter id (0-31)")
	next.Flags().Int64Var(&opts.WorkerID, "worker", 0, "worker id (0-31)")
	next.Flags().IntVarP(&opts.Count, "count", "n", 1, "how many ids to generate")

	decode := &cobra.Command{
		Use:   "decode <id>",
		Short: "Split an identifier into time, node and sequence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("id", args[0])
			if err != nil {
				return err
			}
			epoch, err := opts.epoch()
			if err != nil {
				return err
			}
			parts := idgen.Decompose(id, epoch)
			text := fmt.Sprintf("time=%s datacenter=%d worker=%d sequence=%d",
				parts.Time.Format(time.RFC3339Nano), parts.DatacenterID, parts.WorkerID, parts.Sequence)
			return opts.output(cmd).Print(parts, text)
		},
	}

	cmd.AddCommand(next, decode)
	return cmd
}

func (o *IDOptions) epoch() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, o.Epoch)
	if err != nil {
		return time.Time{}, WrapExitError(ExitCommandError, "invalid epoch", err)
	}
	return t, nil
}
