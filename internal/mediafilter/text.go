package mediafilter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/bitkeep/bitkeep/internal/metadata"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// HTMLTextExtractorName is the registered name of the HTML text extractor.
const HTMLTextExtractorName = "HTML Text Extractor"

// PlainTextNormalizerName is the registered name of the plain text normalizer.
const PlainTextNormalizerName = "Plain Text Normalizer"

// HTMLTextExtractor extracts the visible text of an HTML document.
type HTMLTextExtractor struct{}

func (HTMLTextExtractor) Name() string        { return HTMLTextExtractorName }
func (HTMLTextExtractor) Bundle() string      { return metadata.BundleText }
func (HTMLTextExtractor) Format() string      { return "text/plain" }
func (HTMLTextExtractor) Description() string { return "Extracted text" }

func (HTMLTextExtractor) FilteredName(source string) string {
	return withSuffix(source, ".txt")
}

// skippedElements hold no readable text.
var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
}

// blockElements end a line of text.
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "title": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "blockquote": true, "pre": true, "table": true,
}

func (HTMLTextExtractor) Transform(ctx context.Context, r io.Reader) (io.Reader, error) {
	utf8Reader, err := charset.NewReader(r, "text/html")
	if err != nil {
		return nil, fmt.Errorf("detect html charset: %w", err)
	}

	var out textBuilder
	skipDepth := 0
	z := html.NewTokenizer(utf8Reader)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return strings.NewReader(out.String()), nil
			}
			return nil, fmt.Errorf("parse html: %w", z.Err())
		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skippedElements[tag] {
				skipDepth++
			}
			if blockElements[tag] {
				out.lineBreak()
			}
		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if blockElements[string(name)] {
				out.lineBreak()
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skippedElements[tag] && skipDepth > 0 {
				skipDepth--
			}
			if blockElements[tag] {
				out.lineBreak()
			}
		case html.TextToken:
			if skipDepth == 0 {
				out.words(string(z.Text()))
			}
		}
	}
}

// textBuilder collapses whitespace into single spaces and line breaks.
type textBuilder struct {
	b       strings.Builder
	pending byte // ' ' or '\n' to emit before the next word
}

func (t *textBuilder) words(s string) {
	fields := strings.FieldsFunc(s, unicode.IsSpace)
	if len(fields) == 0 {
		if s != "" && t.pending == 0 && t.b.Len() > 0 {
			t.pending = ' '
		}
		return
	}
	if unicode.IsSpace(rune(s[0])) && t.pending == 0 {
		t.pending = ' '
	}
	for i, word := range fields {
		if i > 0 {
			t.pending = ' '
		}
		if t.b.Len() > 0 && t.pending != 0 {
			t.b.WriteByte(t.pending)
		}
		t.pending = 0
		t.b.WriteString(word)
	}
	if unicode.IsSpace(rune(s[len(s)-1])) {
		t.pending = ' '
	}
}

func (t *textBuilder) lineBreak() {
	if t.b.Len() > 0 {
		t.pending = '\n'
	}
}

func (t *textBuilder) String() string {
	if t.b.Len() == 0 {
		return ""
	}
	return t.b.String() + "\n"
}

// PlainTextNormalizer produces an NFC normalized UTF-8 copy of a text
// bitstream with Unix line endings and without a byte order mark.
type PlainTextNormalizer struct{}

func (PlainTextNormalizer) Name() string        { return PlainTextNormalizerName }
func (PlainTextNormalizer) Bundle() string      { return metadata.BundleText }
func (PlainTextNormalizer) Format() string      { return "text/plain" }
func (PlainTextNormalizer) Description() string { return "Normalized text" }

func (PlainTextNormalizer) FilteredName(source string) string {
	return source + ".txt"
}

func (PlainTextNormalizer) Transform(ctx context.Context, r io.Reader) (io.Reader, error) {
	data, err := io.ReadAll(transform.NewReader(r, norm.NFC))
	if err != nil {
		return nil, fmt.Errorf("normalize text: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, []byte("\ufeff"))
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	data = bytes.ReplaceAll(data, []byte("\r"), []byte("\n"))
	return bytes.NewReader(data), nil
}
