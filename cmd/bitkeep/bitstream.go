package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bitkeep/bitkeep/internal/bitstore"
	"github.com/bitkeep/bitkeep/internal/metadata"
	"github.com/spf13/cobra"
)

// bitstreamFlags describe content added with store and register.
type bitstreamFlags struct {
	itemID      int64
	name        string
	format      string
	description string
}

func (f *bitstreamFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.itemID, "item", 0, "link into the ORIGINAL bundle of this item")
	cmd.Flags().StringVar(&f.name, "name", "", "bitstream name (default: file name)")
	cmd.Flags().StringVar(&f.format, "format", "", "MIME type (default: guessed from the name)")
	cmd.Flags().StringVar(&f.description, "description", "", "bitstream description")
}

func (f *bitstreamFlags) info(path, source string) bitstore.Info {
	info := bitstore.Info{Name: f.name, Format: f.format, Source: source, Description: f.description}
	if info.Name == "" {
		info.Name = filepath.Base(path)
	}
	if info.Format == "" {
		info.Format = guessFormat(info.Name)
	}
	return info
}

// guessFormat maps a file extension to its MIME type without parameters.
func guessFormat(name string) string {
	format := mime.TypeByExtension(filepath.Ext(name))
	if format == "" {
		return "application/octet-stream"
	}
	if i := strings.IndexByte(format, ';'); i >= 0 {
		format = strings.TrimSpace(format[:i])
	}
	return format
}

// linkOriginal puts a new bitstream into the item's ORIGINAL bundle.
func linkOriginal(ctx context.Context, tx *sql.Tx, itemID, bitstreamID int64) error {
	if itemID == 0 {
		return nil
	}
	if _, err := metadata.GetItem(ctx, tx, itemID); err != nil {
		return fmt.Errorf("item %d: %w", itemID, err)
	}
	bundleID, err := metadata.EnsureBundle(ctx, tx, itemID, metadata.BundleOriginal)
	if err != nil {
		return err
	}
	return metadata.LinkBitstream(ctx, tx, bundleID, bitstreamID)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid bitstream id %q", s)
	}
	return id, nil
}

func newStoreCmd(g *globalFlags) *cobra.Command {
	f := &bitstreamFlags{}
	cmd := &cobra.Command{
		Use:   "store FILE",
		Short: "Store a file as a new bitstream",
		Long: `Copy FILE into the incoming asset store and record it as a new bitstream.
Use - to read from standard input. The new bitstream id is printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				file, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer func() { _ = file.Close() }()
				in = file
			} else if f.name == "" {
				return fmt.Errorf("--name is required when reading standard input")
			}

			a, err := openApp(ctx, g, "store")
			if err != nil {
				return err
			}
			defer a.Close()

			var b *metadata.Bitstream
			err = a.db.InTx(ctx, func(tx *sql.Tx) error {
				b, err = a.bits.Store(ctx, tx, in, f.info(args[0], "bitkeep store"))
				if err != nil {
					return err
				}
				return linkOriginal(ctx, tx, f.itemID, b.ID)
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d\n", b.ID)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newRegisterCmd(g *globalFlags) *cobra.Command {
	f := &bitstreamFlags{}
	var storeNumber int
	cmd := &cobra.Command{
		Use:   "register RELPATH",
		Short: "Record a file already inside an asset store",
		Long: `Record a file that already lives inside an asset store, at RELPATH relative
to the store root, without copying it. Registered files are never removed
by cleanup.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, g, "register")
			if err != nil {
				return err
			}
			defer a.Close()

			var b *metadata.Bitstream
			err = a.db.InTx(ctx, func(tx *sql.Tx) error {
				b, err = a.bits.Register(ctx, tx, storeNumber, args[0], f.info(args[0], "bitkeep register"))
				if err != nil {
					return err
				}
				return linkOriginal(ctx, tx, f.itemID, b.ID)
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d\n", b.ID)
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().IntVar(&storeNumber, "store", 0, "asset store number")
	return cmd
}

func newRetrieveCmd(g *globalFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "retrieve ID",
		Short: "Write the content of a bitstream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, g, "retrieve")
			if err != nil {
				return err
			}
			defer a.Close()

			rc, _, err := a.bits.Retrieve(ctx, a.db, id)
			if err != nil {
				return err
			}
			defer func() { _ = rc.Close() }()

			out := cmd.OutOrStdout()
			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return err
				}
				defer func() { _ = file.Close() }()
				out = file
			}
			if _, err := io.Copy(out, rc); err != nil {
				return fmt.Errorf("retrieve bitstream %d: %w", id, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of standard output")
	return cmd
}

func newDeleteCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Remove a bitstream from its bundles and mark it deleted",
		Long: `Remove a bitstream from every bundle and mark it deleted. The file is
reclaimed by a later cleanup once the grace period has passed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, g, "delete")
			if err != nil {
				return err
			}
			defer a.Close()

			return a.db.InTx(ctx, func(tx *sql.Tx) error {
				if err := metadata.UnlinkBitstream(ctx, tx, id); err != nil {
					return err
				}
				return a.bits.Delete(ctx, tx, id)
			})
		},
	}
}
