package mediafilter

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif" // register decoders
	"image/jpeg"
	_ "image/png"
	"io"
	"strings"

	"github.com/bitkeep/bitkeep/internal/metadata"
)

// JPEGThumbnailName is the registered name of the thumbnail generator.
const JPEGThumbnailName = "JPEG Thumbnail"

// Thumbnail defaults.
const (
	DefaultThumbnailWidth  = 80
	DefaultThumbnailHeight = 80
	thumbnailQuality       = 85
)

// JPEGThumbnail renders a downscaled JPEG of an image bitstream, keeping
// the aspect ratio and never upscaling.
type JPEGThumbnail struct {
	MaxWidth  int
	MaxHeight int
}

// NewJPEGThumbnail returns a thumbnail filter with the given bounds; zero
// values select the defaults.
func NewJPEGThumbnail(maxWidth, maxHeight int) *JPEGThumbnail {
	if maxWidth <= 0 {
		maxWidth = DefaultThumbnailWidth
	}
	if maxHeight <= 0 {
		maxHeight = DefaultThumbnailHeight
	}
	return &JPEGThumbnail{MaxWidth: maxWidth, MaxHeight: maxHeight}
}

func (*JPEGThumbnail) Name() string        { return JPEGThumbnailName }
func (*JPEGThumbnail) Bundle() string      { return metadata.BundleThumbnail }
func (*JPEGThumbnail) Format() string      { return "image/jpeg" }
func (*JPEGThumbnail) Description() string { return "Generated Thumbnail" }

func (*JPEGThumbnail) FilteredName(source string) string {
	return source + ".jpg"
}

func (f *JPEGThumbnail) Transform(ctx context.Context, r io.Reader) (io.Reader, error) {
	src, format, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w, h := fitWithin(src.Bounds().Dx(), src.Bounds().Dy(), f.MaxWidth, f.MaxHeight)
	thumb := downscale(src, w, h)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return nil, fmt.Errorf("encode %s thumbnail: %w", strings.ToLower(format), err)
	}
	return &buf, nil
}

// fitWithin scales w x h down to fit maxW x maxH, keeping the aspect ratio.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	// Compare w/maxW against h/maxH without floating point.
	if w*maxH >= h*maxW {
		nh := h * maxW / w
		if nh < 1 {
			nh = 1
		}
		return maxW, nh
	}
	nw := w * maxH / h
	if nw < 1 {
		nw = 1
	}
	return nw, maxH
}

// downscale resizes src to w x h by averaging the source pixels covered by
// each destination pixel. Transparent areas are composed onto white.
func downscale(src image.Image, w, h int) *image.RGBA {
	b := src.Bounds()
	flat := image.NewRGBA(b)
	draw.Draw(flat, b, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(flat, b, src, b.Min, draw.Over)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	sw, sh := b.Dx(), b.Dy()
	for y := 0; y < h; y++ {
		y0 := b.Min.Y + y*sh/h
		y1 := b.Min.Y + (y+1)*sh/h
		if y1 <= y0 {
			y1 = y0 + 1
		}
		for x := 0; x < w; x++ {
			x0 := b.Min.X + x*sw/w
			x1 := b.Min.X + (x+1)*sw/w
			if x1 <= x0 {
				x1 = x0 + 1
			}
			var r, g, bl, n uint32
			for sy := y0; sy < y1; sy++ {
				for sx := x0; sx < x1; sx++ {
					off := flat.PixOffset(sx, sy)
					r += uint32(flat.Pix[off])
					g += uint32(flat.Pix[off+1])
					bl += uint32(flat.Pix[off+2])
					n++
				}
			}
			dst.SetRGBA(x, y, color.RGBA{R: uint8(r / n), G: uint8(g / n), B: uint8(bl / n), A: 0xff})
		}
	}
	return dst
}
