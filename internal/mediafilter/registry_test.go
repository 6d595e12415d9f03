package mediafilter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filterNames(fs []Filter) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Name()
	}
	return out
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry(0, 0)

	assert.Equal(t, []string{HTMLTextExtractorName}, filterNames(r.FiltersFor("text/html")))
	assert.Equal(t, []string{HTMLTextExtractorName}, filterNames(r.FiltersFor("Text/HTML; charset=utf-8")))
	assert.Equal(t, []string{JPEGThumbnailName}, filterNames(r.FiltersFor("image/png")))
	assert.Empty(t, r.FiltersFor("application/pdf"))
	assert.Equal(t, []string{"image/gif", "image/jpeg", "image/png", "text/html", "text/plain"}, r.Formats())
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(HTMLTextExtractor{}))
	assert.Error(t, r.Register(HTMLTextExtractor{}))
}

func TestRegistry_BindUnknownFilter(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.Bind("text/html", "Nope"), ErrUnknownFilter)
}

func TestRegistry_BindAllReplaces(t *testing.T) {
	r := DefaultRegistry(0, 0)
	require.NoError(t, r.BindAll(map[string][]string{
		"text/html": {HTMLTextExtractorName, PlainTextNormalizerName, HTMLTextExtractorName},
	}))

	assert.Equal(t, []string{HTMLTextExtractorName, PlainTextNormalizerName}, filterNames(r.FiltersFor("text/html")))
	assert.Empty(t, r.FiltersFor("image/png"))
}

func TestParseBindings(t *testing.T) {
	in := `# derived content
text/html = HTML Text Extractor

image/png = JPEG Thumbnail , Plain Text Normalizer
`
	got, err := ParseBindings(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"text/html": {"HTML Text Extractor"},
		"image/png": {"JPEG Thumbnail", "Plain Text Normalizer"},
	}, got)
}

func TestParseBindings_Invalid(t *testing.T) {
	for _, in := range []string{"text/html", "= HTML Text Extractor", "text/html = , "} {
		_, err := ParseBindings(strings.NewReader(in))
		assert.Error(t, err, "input %q", in)
	}
}

func TestLoadBindings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediafilter.cfg")
	require.NoError(t, os.WriteFile(path, []byte("image/gif = JPEG Thumbnail\n"), 0o644))

	got, err := LoadBindings(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"JPEG Thumbnail"}, got["image/gif"])

	_, err = LoadBindings(filepath.Join(t.TempDir(), "missing.cfg"))
	assert.Error(t, err)
}
