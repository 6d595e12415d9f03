package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bitkeep/bitkeep/internal/metadata"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newInitCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the metadata database and asset store directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), g, "init")
			if err != nil {
				return err
			}
			defer a.Close()

			version, err := a.db.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Database:  %s (schema %d)\n", a.db.Path(), version)
			for _, st := range a.bits.Stores() {
				_, _ = fmt.Fprintf(out, "Store %d:   %s (%s)\n", st.Number(), st.Root(), st.Encoding())
			}
			return nil
		},
	}
}

// containerKind describes one level of the community/collection/item tree.
type containerKind struct {
	resource   metadata.ResourceType
	parentFlag string
	parentHelp string
	create     func(ctx context.Context, tx *sql.Tx, name string, parentID int64) (int64, error)
}

var containerKinds = map[string]containerKind{
	"community": {
		resource:   metadata.ResourceCommunity,
		parentFlag: "parent",
		parentHelp: "parent community id (default: top level)",
		create: func(ctx context.Context, tx *sql.Tx, name string, parentID int64) (int64, error) {
			return metadata.CreateCommunity(ctx, tx, name, parentID)
		},
	},
	"collection": {
		resource:   metadata.ResourceCollection,
		parentFlag: "community",
		parentHelp: "owning community id",
		create: func(ctx context.Context, tx *sql.Tx, name string, parentID int64) (int64, error) {
			return metadata.CreateCollection(ctx, tx, name, parentID)
		},
	},
	"item": {
		resource:   metadata.ResourceItem,
		parentFlag: "collection",
		parentHelp: "owning collection id",
		create: func(ctx context.Context, tx *sql.Tx, name string, parentID int64) (int64, error) {
			id, err := metadata.CreateItem(ctx, tx, name, parentID)
			if err != nil {
				return 0, err
			}
			_, err = metadata.EnsureBundle(ctx, tx, id, metadata.BundleOriginal)
			return id, err
		},
	},
}

func newContainerCmd(g *globalFlags, kind string) *cobra.Command {
	k := containerKinds[kind]
	cmd := &cobra.Command{
		Use:   kind,
		Short: fmt.Sprintf("Manage %s records", kind),
	}

	var parentID int64
	create := &cobra.Command{
		Use:   "create NAME",
		Short: fmt.Sprintf("Create a %s and mint its handle", kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind != "community" && parentID < 1 {
				return fmt.Errorf("--%s is required", k.parentFlag)
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, g, kind)
			if err != nil {
				return err
			}
			defer a.Close()

			var (
				id     int64
				handle string
			)
			err = a.db.InTx(ctx, func(tx *sql.Tx) error {
				if id, err = k.create(ctx, tx, args[0], parentID); err != nil {
					return err
				}
				handle, err = metadata.MintHandle(ctx, tx, a.cfg.HandlePrefix, k.resource, id)
				return err
			})
			if err != nil {
				return err
			}
			log.Info().Int64("id", id).Str("handle", handle).Msgf("created %s", kind)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", id, handle)
			return nil
		},
	}
	create.Flags().Int64Var(&parentID, k.parentFlag, 0, k.parentHelp)

	cmd.AddCommand(create)
	return cmd
}
