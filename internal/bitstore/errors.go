package bitstore

import (
	"errors"

	"github.com/bitkeep/bitkeep/internal/assetstore"
	"github.com/bitkeep/bitkeep/internal/metadata"
)

// Sentinel errors for bitstream operations.
var (
	ErrNotFound      = metadata.ErrNotFound
	ErrFileMissing   = assetstore.ErrFileMissing
	ErrUnknownStore  = errors.New("unknown asset store")
	ErrNoStores      = errors.New("no asset stores configured")
	ErrQuotaExceeded = errors.New("asset store quota exceeded")
	ErrNotRegistered = errors.New("file is not inside an asset store")
)
