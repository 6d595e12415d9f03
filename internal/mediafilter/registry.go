package mediafilter

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// ErrUnknownFilter is returned when a binding names an unregistered filter.
var ErrUnknownFilter = errors.New("unknown media filter")

// Registry holds the available filters and the formats each one applies to.
// It is built once per run and passed to the Manager.
type Registry struct {
	filters  map[string]Filter
	bindings map[string][]string // format -> filter names, in binding order
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		filters:  make(map[string]Filter),
		bindings: make(map[string][]string),
	}
}

// DefaultRegistry registers the built-in filters and binds them to the
// formats they understand.
func DefaultRegistry(thumbWidth, thumbHeight int) *Registry {
	r := NewRegistry()
	_ = r.Register(HTMLTextExtractor{})
	_ = r.Register(PlainTextNormalizer{})
	_ = r.Register(NewJPEGThumbnail(thumbWidth, thumbHeight))

	_ = r.Bind("text/html", HTMLTextExtractorName)
	_ = r.Bind("text/plain", PlainTextNormalizerName)
	for _, format := range []string{"image/jpeg", "image/png", "image/gif"} {
		_ = r.Bind(format, JPEGThumbnailName)
	}
	return r
}

// Register adds a filter. Names must be unique.
func (r *Registry) Register(f Filter) error {
	if _, exists := r.filters[f.Name()]; exists {
		return fmt.Errorf("media filter %q already registered", f.Name())
	}
	r.filters[f.Name()] = f
	return nil
}

// Filter returns the registered filter called name.
func (r *Registry) Filter(name string) (Filter, bool) {
	f, ok := r.filters[name]
	return f, ok
}

// Bind applies the named filter to bitstreams of format. Binding the same
// pair twice has no effect.
func (r *Registry) Bind(format, name string) error {
	format = normalizeFormat(format)
	if format == "" {
		return errors.New("empty format in media filter binding")
	}
	if _, ok := r.filters[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFilter, name)
	}
	for _, existing := range r.bindings[format] {
		if existing == name {
			return nil
		}
	}
	r.bindings[format] = append(r.bindings[format], name)
	return nil
}

// Reset drops all bindings, keeping the registered filters.
func (r *Registry) Reset() {
	r.bindings = make(map[string][]string)
}

// BindAll replaces the bindings with the given format -> filter names map.
func (r *Registry) BindAll(bindings map[string][]string) error {
	r.Reset()
	formats := make([]string, 0, len(bindings))
	for format := range bindings {
		formats = append(formats, format)
	}
	sort.Strings(formats)
	for _, format := range formats {
		for _, name := range bindings[format] {
			if err := r.Bind(format, name); err != nil {
				return err
			}
		}
	}
	return nil
}

// FiltersFor returns the filters bound to format, in binding order.
func (r *Registry) FiltersFor(format string) []Filter {
	names := r.bindings[normalizeFormat(format)]
	out := make([]Filter, 0, len(names))
	for _, name := range names {
		out = append(out, r.filters[name])
	}
	return out
}

// Formats returns the bound formats, sorted.
func (r *Registry) Formats() []string {
	out := make([]string, 0, len(r.bindings))
	for format := range r.bindings {
		out = append(out, format)
	}
	sort.Strings(out)
	return out
}

// ParseBindings reads the line-oriented bindings format:
//
//	# comment
//	text/html = HTML Text Extractor
//	image/png = JPEG Thumbnail, Other Filter
func ParseBindings(rd io.Reader) (map[string][]string, error) {
	out := make(map[string][]string)
	sc := bufio.NewScanner(rd)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		format, names, ok := strings.Cut(line, "=")
		format = strings.TrimSpace(format)
		if !ok || format == "" {
			return nil, fmt.Errorf("line %d: expected \"format = filter[, filter]\"", lineNo)
		}
		for _, name := range strings.Split(names, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out[format] = append(out[format], name)
			}
		}
		if len(out[format]) == 0 {
			return nil, fmt.Errorf("line %d: no filters for format %q", lineNo, format)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read bindings: %w", err)
	}
	return out, nil
}

// LoadBindings reads a bindings file from disk.
func LoadBindings(path string) (map[string][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open media filter bindings: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseBindings(f)
}

// normalizeFormat lower-cases a MIME type and drops its parameters.
func normalizeFormat(format string) string {
	format, _, _ = strings.Cut(format, ";")
	return strings.ToLower(strings.TrimSpace(format))
}
