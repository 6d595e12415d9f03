package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitkeep/bitkeep/internal/config"
	"github.com/bitkeep/bitkeep/internal/mediafilter"
	"github.com/spf13/cobra"
)

func newFilterMediaCmd(g *globalFlags) *cobra.Command {
	var opts mediafilter.Options

	cmd := &cobra.Command{
		Use:   "filter-media",
		Short: "Derive text and thumbnail bitstreams from original content",
		Long: `Run every configured filter over the ORIGINAL bitstreams of each item,
storing extracted text in the TEXT bundle and thumbnails in THUMBNAIL.

Existing derivatives are left alone unless --force is given. --plugins limits
the run to the named filters; --skip leaves the items under the given handles
alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, g, "filter-media")
			if err != nil {
				return err
			}
			defer a.Close()

			registry, err := buildRegistry(a.cfg.MediaFilter)
			if err != nil {
				return err
			}
			m := mediafilter.NewManager(a.bits, registry,
				mediafilter.WithOutput(cmd.OutOrStdout()),
				mediafilter.WithAuditLogger(a.audit),
				mediafilter.WithMetrics(a.mediafilterMetrics()),
			)
			stats, err := m.Run(ctx, opts)
			if stats != nil {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Items: %d  created: %d  skipped: %d  failed: %d\n",
					stats.Items, stats.Created, stats.Skipped, stats.Failed)
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "print every derivation")
	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "replace existing derivatives")
	cmd.Flags().BoolVarP(&opts.SkipIndex, "no-index", "n", false, "do not queue changed items for re-indexing")
	cmd.Flags().StringVarP(&opts.Identifier, "identifier", "i", "", "only this handle or item id")
	cmd.Flags().IntVarP(&opts.MaxItems, "maximum", "m", 0, "process at most this many items")
	cmd.Flags().StringSliceVarP(&opts.Filters, "plugins", "p", nil, "only run these filters (comma separated names)")
	cmd.Flags().StringSliceVarP(&opts.Skip, "skip", "s", nil, "skip these handles or item ids (comma separated)")
	return cmd
}

// buildRegistry binds formats from the bindings file when one is set, then
// from the inline bindings, and otherwise keeps the built-in defaults.
func buildRegistry(cfg config.MediaFilterConfig) (*mediafilter.Registry, error) {
	registry := mediafilter.DefaultRegistry(cfg.Thumbnail.MaxWidth, cfg.Thumbnail.MaxHeight)

	bindings := cfg.Bindings
	if cfg.BindingsFile != "" {
		loaded, err := mediafilter.LoadBindings(cfg.BindingsFile)
		if err != nil {
			return nil, err
		}
		bindings = loaded
	}
	if len(bindings) == 0 {
		return registry, nil
	}

	if err := registry.BindAll(bindings); err != nil {
		return nil, fmt.Errorf("media filter bindings: %w", err)
	}
	return registry, nil
}
