// Package assetstore manages the physical bitstream files of a single asset store directory.
package assetstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bitkeep/bitkeep/internal/checksum"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/klauspost/compress/zstd"
)

// These settings control how an internal id is hashed into directory and
// file names. With digitsPerLevel 2 and directoryLevels 3 the id
// 12345678901234567890 is stored as 12/34/56/12345678901234567890.
//
// Changing them orphans every file already in the store.
const (
	digitsPerLevel  = 2
	directoryLevels = 3
)

// RegisteredPrefix marks internal ids of files registered in place rather
// than ingested. The remainder of the id is the path relative to the store.
const RegisteredPrefix = "-R"

// tempPrefix names in-flight writes; stale ones are removed by SweepTemp.
const tempPrefix = ".bitstream-"

// Encoding of a file at rest.
type Encoding string

// Supported encodings.
const (
	EncodingIdentity Encoding = "identity"
	EncodingZstd     Encoding = "zstd"
)

// Errors returned by Store.
var (
	ErrFileMissing       = errors.New("asset file missing")
	ErrPathInUse         = errors.New("asset path already in use")
	ErrInvalidInternalID = errors.New("invalid internal id")
	ErrUnknownEncoding   = errors.New("unknown encoding")
)

// Store is one asset store: a directory tree of bitstream files addressed by
// their internal id. Files are written atomically via temp file + rename, so
// readers see either the complete file or nothing.
type Store struct {
	number   int
	root     string
	fs       billy.Filesystem
	maxBytes int64 // logical quota, 0 = unlimited
	encoding Encoding

	encoderPool sync.Pool
}

// Option configures a Store.
type Option func(*Store)

// WithQuota sets a logical size limit for the store in bytes (0 = unlimited).
func WithQuota(maxBytes int64) Option {
	return func(s *Store) { s.maxBytes = maxBytes }
}

// WithEncoding sets the encoding used for new files (default identity).
func WithEncoding(enc Encoding) Option {
	return func(s *Store) { s.encoding = enc }
}

// WithFilesystem replaces the default osfs filesystem rooted at the store directory.
func WithFilesystem(fs billy.Filesystem) Option {
	return func(s *Store) { s.fs = fs }
}

// New opens (creating if needed) asset store number at root.
func New(number int, root string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create asset store dir: %w", err)
	}

	s := &Store{
		number:   number,
		root:     root,
		encoding: EncodingIdentity,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fs == nil {
		s.fs = osfs.New(root)
	}
	switch s.encoding {
	case EncodingIdentity, EncodingZstd:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, s.encoding)
	}

	s.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}

	return s, nil
}

// Number returns the store number recorded on bitstream rows.
func (s *Store) Number() int { return s.number }

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Encoding returns the encoding used for new files.
func (s *Store) Encoding() Encoding { return s.encoding }

// Quota returns the logical size limit in bytes (0 = unlimited).
func (s *Store) Quota() int64 { return s.maxBytes }

// IsRegistered reports whether internalID denotes a registered file.
func IsRegistered(internalID string) bool {
	return strings.HasPrefix(internalID, RegisteredPrefix)
}

// RelativePath maps an internal id to its path relative to the store root.
//
// Ingested ids are fanned out over directoryLevels directories. Any path
// prefix in an ingested id is discarded, since ids are plain file names.
// Registered ids must name a path inside the store.
func RelativePath(internalID string) (string, error) {
	if IsRegistered(internalID) {
		rel := filepath.ToSlash(strings.TrimPrefix(internalID, RegisteredPrefix))
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" || !filepath.IsLocal(rel) {
			return "", fmt.Errorf("%w: registered path %q escapes the store", ErrInvalidInternalID, rel)
		}
		return path.Clean(rel), nil
	}

	if i := strings.LastIndexAny(internalID, `/\`); i >= 0 {
		internalID = internalID[i+1:]
	}
	if len(internalID) < digitsPerLevel*directoryLevels {
		return "", fmt.Errorf("%w: %q is too short", ErrInvalidInternalID, internalID)
	}

	parts := make([]string, 0, directoryLevels+1)
	for i := 0; i < directoryLevels; i++ {
		start := i * digitsPerLevel
		parts = append(parts, internalID[start:start+digitsPerLevel])
	}
	parts = append(parts, internalID)
	return path.Join(parts...), nil
}

// isDerivedPath reports whether rel has the shape RelativePath produces for an
// ingested id, so that walks never mistake registered files for orphans.
func isDerivedPath(rel string) bool {
	parts := strings.Split(rel, "/")
	if len(parts) != directoryLevels+1 {
		return false
	}
	name := parts[directoryLevels]
	if strings.HasPrefix(name, tempPrefix) || len(name) < digitsPerLevel*directoryLevels {
		return false
	}
	for i := 0; i < directoryLevels; i++ {
		if parts[i] != name[i*digitsPerLevel:(i+1)*digitsPerLevel] {
			return false
		}
	}
	return true
}

// WriteResult describes a completed write.
type WriteResult struct {
	Path       string // relative to the store root
	Size       int64  // decoded content length
	StoredSize int64  // bytes on disk
	Checksum   string // hex digest of the decoded content
	Algorithm  string
}

// Write streams r into the file derived from internalID, computing the
// checksum of the content as it goes. The file appears under its final name
// only once fully written.
func (s *Store) Write(ctx context.Context, internalID string, r io.Reader, enc Encoding, algorithm string) (*WriteResult, error) {
	if IsRegistered(internalID) {
		return nil, fmt.Errorf("%w: cannot write registered id %q", ErrInvalidInternalID, internalID)
	}
	rel, err := RelativePath(internalID)
	if err != nil {
		return nil, err
	}
	if s.Exists(rel) {
		return nil, fmt.Errorf("%w: %s", ErrPathInUse, rel)
	}

	h, err := checksum.New(algorithm)
	if err != nil {
		return nil, err
	}

	dir := path.Dir(rel)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create asset dir: %w", err)
	}

	tmp, err := s.fs.TempFile(dir, tempPrefix)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) (*WriteResult, error) {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpPath)
		return nil, err
	}

	stored := &countingWriter{w: tmp}
	var sink io.Writer = stored
	var encoder *zstd.Encoder
	switch enc {
	case EncodingIdentity, "":
	case EncodingZstd:
		encoder = s.encoderPool.Get().(*zstd.Encoder)
		defer s.encoderPool.Put(encoder)
		encoder.Reset(stored)
		sink = encoder
	default:
		return fail(fmt.Errorf("%w: %q", ErrUnknownEncoding, enc))
	}

	n, err := io.Copy(io.MultiWriter(sink, h), &contextReader{ctx: ctx, r: r})
	if err != nil {
		return fail(fmt.Errorf("write bitstream: %w", err))
	}
	if encoder != nil {
		if err := encoder.Close(); err != nil {
			return fail(fmt.Errorf("flush compressed bitstream: %w", err))
		}
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpPath)
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	if err := s.fs.Rename(tmpPath, rel); err != nil {
		_ = s.fs.Remove(tmpPath)
		return nil, fmt.Errorf("rename bitstream: %w", err)
	}

	canon, _ := checksum.Canonical(algorithm)
	return &WriteResult{
		Path:       rel,
		Size:       n,
		StoredSize: stored.n,
		Checksum:   hex.EncodeToString(h.Sum(nil)),
		Algorithm:  canon,
	}, nil
}

// Open returns the decoded content of the file at rel.
func (s *Store) Open(rel string, enc Encoding) (io.ReadCloser, error) {
	f, err := s.fs.Open(rel)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: store %d: %s", ErrFileMissing, s.number, rel)
	}
	if err != nil {
		return nil, fmt.Errorf("open bitstream: %w", err)
	}

	switch enc {
	case EncodingIdentity, "":
		return f, nil
	case EncodingZstd:
		dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		return &zstdReadCloser{dec: dec, f: f}, nil
	default:
		_ = f.Close()
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, enc)
	}
}

// Stat returns file info for rel.
func (s *Store) Stat(rel string) (os.FileInfo, error) {
	info, err := s.fs.Stat(rel)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: store %d: %s", ErrFileMissing, s.number, rel)
	}
	return info, err
}

// Exists reports whether a file exists at rel.
func (s *Store) Exists(rel string) bool {
	_, err := s.fs.Stat(rel)
	return err == nil
}

// Remove deletes the file at rel and then any parent directories left empty,
// up to the derived directory depth. A missing file is not an error.
func (s *Store) Remove(rel string) error {
	if err := s.fs.Remove(rel); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete bitstream: %w", err)
	}
	s.removeEmptyParents(rel)
	return nil
}

func (s *Store) removeEmptyParents(rel string) {
	dir := path.Dir(rel)
	for i := 0; i < directoryLevels && dir != "." && dir != "/"; i++ {
		entries, err := s.fs.ReadDir(dir)
		if err != nil || len(entries) != 0 {
			return
		}
		if err := s.fs.Remove(dir); err != nil {
			return
		}
		dir = path.Dir(dir)
	}
}

// Walk calls fn for every file laid out as an ingested bitstream.
// Registered files and in-flight temp files are not visited.
func (s *Store) Walk(ctx context.Context, fn func(rel string, info os.FileInfo) error) error {
	return s.walk(ctx, "", 0, func(rel string, info os.FileInfo) error {
		if !isDerivedPath(rel) {
			return nil
		}
		return fn(rel, info)
	})
}

// SweepTemp removes temp files left behind by interrupted writes that were
// last modified before cutoff. Returns the number removed.
func (s *Store) SweepTemp(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := s.walk(ctx, "", 0, func(rel string, info os.FileInfo) error {
		if !strings.HasPrefix(path.Base(rel), tempPrefix) || !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := s.fs.Remove(rel); err == nil {
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *Store) walk(ctx context.Context, dir string, depth int, fn func(string, os.FileInfo) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	listDir := dir
	if listDir == "" {
		listDir = "."
	}
	entries, err := s.fs.ReadDir(listDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read asset dir %q: %w", listDir, err)
	}

	for _, entry := range entries {
		rel := entry.Name()
		if dir != "" {
			rel = dir + "/" + entry.Name()
		}
		if entry.IsDir() {
			if depth < directoryLevels && len(entry.Name()) == digitsPerLevel {
				if err := s.walk(ctx, rel, depth+1, fn); err != nil {
					return err
				}
			}
			continue
		}
		if depth == directoryLevels {
			if err := fn(rel, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// contextReader stops a copy once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type zstdReadCloser struct {
	dec *zstd.Decoder
	f   io.Closer
}

func (z *zstdReadCloser) Read(p []byte) (int, error) {
	return z.dec.Read(p)
}

func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return z.f.Close()
}
