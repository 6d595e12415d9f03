package mediafilter

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestFitWithin(t *testing.T) {
	tests := []struct {
		w, h, maxW, maxH int
		wantW, wantH     int
	}{
		{200, 100, 80, 80, 80, 40},
		{100, 200, 80, 80, 40, 80},
		{50, 30, 80, 80, 50, 30},
		{1000, 1, 80, 80, 80, 1},
		{160, 160, 80, 80, 80, 80},
	}
	for _, tt := range tests {
		w, h := fitWithin(tt.w, tt.h, tt.maxW, tt.maxH)
		assert.Equal(t, tt.wantW, w, "%dx%d", tt.w, tt.h)
		assert.Equal(t, tt.wantH, h, "%dx%d", tt.w, tt.h)
	}
}

func TestJPEGThumbnail_Downscales(t *testing.T) {
	f := NewJPEGThumbnail(0, 0)
	out, err := f.Transform(context.Background(), bytes.NewReader(pngBytes(t, 200, 100, color.RGBA{R: 200, A: 255})))
	require.NoError(t, err)

	img, err := jpeg.Decode(out)
	require.NoError(t, err)
	assert.Equal(t, 80, img.Bounds().Dx())
	assert.Equal(t, 40, img.Bounds().Dy())

	r, g, _, _ := img.At(40, 20).RGBA()
	assert.Greater(t, r>>8, uint32(150))
	assert.Less(t, g>>8, uint32(60))
}

func TestJPEGThumbnail_SmallImageKeepsSize(t *testing.T) {
	f := NewJPEGThumbnail(80, 80)
	out, err := f.Transform(context.Background(), bytes.NewReader(pngBytes(t, 20, 10, color.White)))
	require.NoError(t, err)

	cfg, err := jpeg.DecodeConfig(out)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Width)
	assert.Equal(t, 10, cfg.Height)
}

func TestJPEGThumbnail_TransparentBecomesWhite(t *testing.T) {
	f := NewJPEGThumbnail(10, 10)
	out, err := f.Transform(context.Background(), bytes.NewReader(pngBytes(t, 10, 10, color.Transparent)))
	require.NoError(t, err)

	img, err := jpeg.Decode(out)
	require.NoError(t, err)
	r, g, b, _ := img.At(5, 5).RGBA()
	assert.Greater(t, r>>8, uint32(240))
	assert.Greater(t, g>>8, uint32(240))
	assert.Greater(t, b>>8, uint32(240))
}

func TestJPEGThumbnail_NotAnImage(t *testing.T) {
	_, err := NewJPEGThumbnail(0, 0).Transform(context.Background(), strings.NewReader("plain text"))
	assert.Error(t, err)
}

func TestJPEGThumbnail_Metadata(t *testing.T) {
	f := NewJPEGThumbnail(0, 0)
	assert.Equal(t, "photo.png.jpg", f.FilteredName("photo.png"))
	assert.Equal(t, "THUMBNAIL", f.Bundle())
	assert.Equal(t, "image/jpeg", f.Format())
}
