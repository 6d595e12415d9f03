package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitkeep/bitkeep/internal/bitstore"
	"github.com/spf13/cobra"
)

func newCleanupCmd(g *globalFlags) *cobra.Command {
	var opts bitstore.CleanupOptions

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Reclaim the files of deleted bitstreams",
		Long: `Remove the files of bitstreams deleted longer ago than the grace period,
expunge their rows, and sweep files in the asset stores that no bitstream
refers to. Bitstreams still linked from a bundle are left for a later pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, g, "cleanup")
			if err != nil {
				return err
			}
			defer a.Close()

			opts.BatchSize = a.cfg.Checker.BatchSize
			stats, err := a.bits.Cleanup(ctx, opts)
			if stats != nil {
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "Examined:         %d\n", stats.Examined)
				_, _ = fmt.Fprintf(out, "Files removed:    %d\n", stats.FilesRemoved)
				_, _ = fmt.Fprintf(out, "Rows expunged:    %d\n", stats.RowsExpunged)
				_, _ = fmt.Fprintf(out, "Deferred:         %d\n", stats.Deferred)
				_, _ = fmt.Fprintf(out, "Orphans removed:  %d\n", stats.OrphansRemoved)
				_, _ = fmt.Fprintf(out, "Errors:           %d\n", stats.Errors)
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&opts.LeaveDBRecords, "leave", "l", false, "keep the database rows of reclaimed bitstreams")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log every decision")
	return cmd
}
