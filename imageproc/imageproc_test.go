package imageproc

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestFitWithin(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(image.Pt(100, 50), FitWithin(image.Pt(100, 50), 200, 200))
	assert.Equal(image.Pt(200, 100), FitWithin(image.Pt(4000, 2000), 200, 200))
	assert.Equal(image.Pt(100, 200), FitWithin(image.Pt(1000, 2000), 200, 200))
	assert.Equal(image.Pt(200, 1), FitWithin(image.Pt(10000, 10), 200, 200))
	assert.Equal(image.Pt(1920, 1080), FitWithin(image.Pt(3840, 2160), 1920, 1920))
}

func TestTransformBoundsAndAspect(t *testing.T) {
	assert := assert.New(t)
	p := NewProcessor(DefaultConfig())

	sizes := []image.Point{
		image.Pt(3000, 2000),
		image.Pt(640, 4800),
		image.Pt(150, 90),
		image.Pt(2500, 2500),
	}
	for _, size := range sizes {
		data := encodeJPEG(t, solid(size.X, size.Y, color.NRGBA{200, 30, 30, 255}))
		out, err := p.Transform(data)
		require.NoError(t, err)

		assert.Equal(FormatJPEG, out.Format)
		assert.Equal("jpeg", out.SourceFormat)
		assert.LessOrEqual(out.ThumbnailSize.X, 200)
		assert.LessOrEqual(out.ThumbnailSize.Y, 200)
		assert.LessOrEqual(out.CompressedSize.X, 1920)
		assert.LessOrEqual(out.CompressedSize.Y, 1920)

		srcRatio := float64(size.X) / float64(size.Y)
		thumbRatio := float64(out.ThumbnailSize.X) / float64(out.ThumbnailSize.Y)
		assert.InEpsilon(srcRatio, thumbRatio, 0.05, "size %v", size)

		thumb, format, err := image.Decode(bytes.NewReader(out.Thumbnail))
		require.NoError(t, err)
		assert.Equal("jpeg", format)
		assert.Equal(out.ThumbnailSize, thumb.Bounds().Size())
	}
}

func TestTransformTransparency(t *testing.T) {
	assert := assert.New(t)
	p := NewProcessor(DefaultConfig())

	// opaque PNG becomes JPEG
	out, err := p.Transform(encodePNG(t, solid(300, 300, color.NRGBA{10, 10, 10, 255})))
	require.NoError(t, err)
	assert.Equal(FormatJPEG, out.Format)
	assert.Equal("jpg", out.Format.Ext())

	// real transparency stays PNG, thumbnail is still JPEG
	out, err = p.Transform(encodePNG(t, solid(300, 300, color.NRGBA{10, 10, 10, 100})))
	require.NoError(t, err)
	assert.Equal(FormatPNG, out.Format)
	assert.Equal("image/png", out.Format.ContentType())
	_, format, err := image.Decode(bytes.NewReader(out.Compressed))
	require.NoError(t, err)
	assert.Equal("png", format)
	_, format, err = image.Decode(bytes.NewReader(out.Thumbnail))
	require.NoError(t, err)
	assert.Equal("jpeg", format)
}

func TestTransformRejectsGarbage(t *testing.T) {
	p := NewProcessor(DefaultConfig())
	_, err := p.Transform([]byte("not an image"))
	assert.Error(t, err)
}

// forgeDimensions rewrites the IHDR of a PNG to declare w x h, keeping the
// chunk checksum valid so only the header claims the larger size.
func forgeDimensions(t *testing.T, data []byte, w, h uint32) []byte {
	out := bytes.Clone(data)
	require.Equal(t, "IHDR", string(out[12:16]))
	binary.BigEndian.PutUint32(out[16:20], w)
	binary.BigEndian.PutUint32(out[20:24], h)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func TestTransformRejectsOversizedHeader(t *testing.T) {
	assert := assert.New(t)
	p := NewProcessor(DefaultConfig())

	bomb := forgeDimensions(t, encodePNG(t, solid(1, 1, color.NRGBA{0, 0, 0, 255})), 40000, 40000)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(bomb))
	require.NoError(t, err)
	assert.Equal(40000, cfg.Width)

	_, err = p.Transform(bomb)
	assert.ErrorIs(err, ErrTooLarge)

	small := NewProcessor(Config{MaxPixels: 100, MaxWidth: 50, MaxHeight: 50, Quality: 80, ThumbnailWidth: 10, ThumbnailHeight: 10, ThumbnailQuality: 70})
	_, err = small.Transform(encodeJPEG(t, solid(11, 10, color.NRGBA{1, 2, 3, 255})))
	assert.ErrorIs(err, ErrTooLarge)
	_, err = small.Transform(encodeJPEG(t, solid(10, 10, color.NRGBA{1, 2, 3, 255})))
	assert.NoError(err)
}
