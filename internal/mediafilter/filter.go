// Package mediafilter derives new bitstreams from deposited ones: extracted
// full text for indexing and thumbnails for display.
package mediafilter

import (
	"context"
	"io"
	"path"
	"strings"
)

// Filter turns the content of one bitstream into a derived bitstream.
type Filter interface {
	// Name identifies the filter in configuration and logs.
	Name() string
	// Bundle is the bundle the derived bitstream is added to.
	Bundle() string
	// Format is the MIME type of the derived bitstream.
	Format() string
	// FilteredName is the name of the bitstream derived from source.
	FilteredName(source string) string
	// Description is stored on the derived bitstream.
	Description() string
	// Transform reads the source content and returns the derived content.
	Transform(ctx context.Context, r io.Reader) (io.Reader, error)
}

// withSuffix appends ext to name unless name already ends with it.
func withSuffix(name, ext string) string {
	if strings.EqualFold(path.Ext(name), ext) {
		return name
	}
	return name + ext
}
