// Package testutil provides shared test helpers for bitkeep packages that sit
// above the storage layer.
package testutil

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitkeep/bitkeep/internal/assetstore"
	"github.com/bitkeep/bitkeep/internal/bitstore"
	"github.com/bitkeep/bitkeep/internal/metadata"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "bitkeep-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// NewManager opens a fresh metadata database and a single asset store (number
// 0) under t.TempDir and returns a storage manager over them. The database is
// closed when the test ends.
func NewManager(t *testing.T, opts ...bitstore.Option) *bitstore.Manager {
	t.Helper()
	dir := t.TempDir()

	db, err := metadata.Open(context.Background(), filepath.Join(dir, "bitkeep.db"))
	if err != nil {
		t.Fatalf("failed to open metadata database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	st, err := assetstore.New(0, filepath.Join(dir, "assetstore0"))
	if err != nil {
		t.Fatalf("failed to create asset store: %v", err)
	}

	m, err := bitstore.NewManager(db, []*assetstore.Store{st}, opts...)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return m
}

// StoreBytes stores data as a new committed bitstream.
func StoreBytes(t *testing.T, m *bitstore.Manager, name string, data []byte) *metadata.Bitstream {
	t.Helper()
	var b *metadata.Bitstream
	err := m.DB().InTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		b, err = m.Store(context.Background(), tx, bytes.NewReader(data), bitstore.Info{Name: name})
		return err
	})
	if err != nil {
		t.Fatalf("failed to store bitstream: %v", err)
	}
	return b
}

// Item is a small content hierarchy built by NewItem.
type Item struct {
	CommunityID  int64
	CollectionID int64
	ItemID       int64
	BundleID     int64 // ORIGINAL bundle
	Handle       string
}

// NewItem creates a community, collection and item with an ORIGINAL bundle,
// and mints a handle for the item.
func NewItem(t *testing.T, db *metadata.DB, name string) *Item {
	t.Helper()
	ctx := context.Background()
	it := &Item{}
	err := db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		if it.CommunityID, err = metadata.CreateCommunity(ctx, tx, name+" community", 0); err != nil {
			return err
		}
		if it.CollectionID, err = metadata.CreateCollection(ctx, tx, name+" collection", it.CommunityID); err != nil {
			return err
		}
		if it.ItemID, err = metadata.CreateItem(ctx, tx, name, it.CollectionID); err != nil {
			return err
		}
		if it.BundleID, err = metadata.EnsureBundle(ctx, tx, it.ItemID, metadata.BundleOriginal); err != nil {
			return err
		}
		it.Handle, err = metadata.MintHandle(ctx, tx, "123456789", metadata.ResourceItem, it.ItemID)
		return err
	})
	if err != nil {
		t.Fatalf("failed to create item: %v", err)
	}
	return it
}

// AddToItem stores data and links it into the item's ORIGINAL bundle.
func AddToItem(t *testing.T, m *bitstore.Manager, it *Item, name, format string, data []byte) *metadata.Bitstream {
	t.Helper()
	ctx := context.Background()
	var b *metadata.Bitstream
	err := m.DB().InTx(ctx, func(tx *sql.Tx) error {
		var err error
		b, err = m.Store(ctx, tx, bytes.NewReader(data), bitstore.Info{Name: name, Format: format})
		if err != nil {
			return err
		}
		return metadata.LinkBitstream(ctx, tx, it.BundleID, b.ID)
	})
	if err != nil {
		t.Fatalf("failed to add bitstream to item: %v", err)
	}
	return b
}

// AssetPath returns the absolute path of a bitstream's file.
func AssetPath(t *testing.T, m *bitstore.Manager, b *metadata.Bitstream) string {
	t.Helper()
	st, err := m.AssetStore(b.StoreNumber)
	if err != nil {
		t.Fatalf("unknown asset store: %v", err)
	}
	rel, err := assetstore.RelativePath(b.InternalID)
	if err != nil {
		t.Fatalf("bad internal id: %v", err)
	}
	return filepath.Join(st.Root(), filepath.FromSlash(rel))
}
