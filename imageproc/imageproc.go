// Package imageproc derives the compressed and thumbnail renditions of an
// approved image.
package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
)

func (f Format) Ext() string {
	if f == FormatPNG {
		return "png"
	}
	return "jpg"
}

func (f Format) ContentType() string {
	if f == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

// DefaultMaxPixels matches the decompression-bomb threshold used by PIL.
const DefaultMaxPixels = 89_478_485

// ErrTooLarge is returned for images whose declared dimensions exceed the
// pixel limit. Nothing is decoded past the header.
var ErrTooLarge = errors.New("image exceeds pixel limit")

type Config struct {
	// MaxPixels bounds width*height of accepted sources; zero means
	// DefaultMaxPixels.
	MaxPixels        int
	MaxWidth         int
	MaxHeight        int
	Quality          int
	ThumbnailWidth   int
	ThumbnailHeight  int
	ThumbnailQuality int
}

func DefaultConfig() Config {
	return Config{
		MaxPixels:        DefaultMaxPixels,
		MaxWidth:         1920,
		MaxHeight:        1920,
		Quality:          85,
		ThumbnailWidth:   200,
		ThumbnailHeight:  200,
		ThumbnailQuality: 75,
	}
}

type Output struct {
	Compressed     []byte
	CompressedSize image.Point
	Format         Format
	Thumbnail      []byte
	ThumbnailSize  image.Point
	SourceFormat   string
	SourceSize     image.Point
}

// A Transformer turns image bytes in to approved renditions.
type Transformer interface {
	Transform(data []byte) (*Output, error)
}

type Processor struct {
	Config Config
}

func NewProcessor(cfg Config) *Processor {
	return &Processor{Config: cfg}
}

// Transform decodes data and produces both renditions. The compressed
// rendition keeps PNG only when the source has real transparency; the
// thumbnail is always JPEG.
func (p *Processor) Transform(data []byte) (*Output, error) {
	cfg := p.Config
	if err := checkDimensions(data, cfg.MaxPixels); err != nil {
		return nil, err
	}
	src, srcFormat, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	out := &Output{
		SourceFormat: srcFormat,
		SourceSize:   src.Bounds().Size(),
		Format:       FormatJPEG,
	}
	transparent := HasTransparency(src)
	if transparent {
		out.Format = FormatPNG
	}

	compressed := resize(src, cfg.MaxWidth, cfg.MaxHeight)
	out.CompressedSize = compressed.Bounds().Size()
	var buf bytes.Buffer
	if transparent {
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		err = enc.Encode(&buf, compressed)
	} else {
		err = jpeg.Encode(&buf, flatten(compressed), &jpeg.Options{Quality: cfg.Quality})
	}
	if err != nil {
		return nil, fmt.Errorf("encoding compressed image: %w", err)
	}
	out.Compressed = buf.Bytes()

	thumb := flatten(resize(src, cfg.ThumbnailWidth, cfg.ThumbnailHeight))
	out.ThumbnailSize = thumb.Bounds().Size()
	var tbuf bytes.Buffer
	if err := jpeg.Encode(&tbuf, thumb, &jpeg.Options{Quality: cfg.ThumbnailQuality}); err != nil {
		return nil, fmt.Errorf("encoding thumbnail: %w", err)
	}
	out.Thumbnail = tbuf.Bytes()
	return out, nil
}

// checkDimensions reads only the image header and rejects sources whose
// raster would exceed maxPixels.
func checkDimensions(data []byte, maxPixels int) error {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	hdr, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decoding image header: %w", err)
	}
	if hdr.Width <= 0 || hdr.Height <= 0 {
		return fmt.Errorf("decoding image header: invalid dimensions %dx%d", hdr.Width, hdr.Height)
	}
	if hdr.Width > maxPixels/hdr.Height {
		return fmt.Errorf("%w: %dx%d > %d", ErrTooLarge, hdr.Width, hdr.Height, maxPixels)
	}
	return nil
}

// FitWithin scales size down (never up) to fit in the bounding box while
// preserving aspect ratio. Neither dimension drops below 1.
func FitWithin(size image.Point, maxW, maxH int) image.Point {
	w, h := size.X, size.Y
	if w <= maxW && h <= maxH {
		return size
	}
	// compare w/maxW with h/maxH without floating point
	if w*maxH >= h*maxW {
		return image.Pt(maxW, max(1, (h*maxW+w/2)/w))
	}
	return image.Pt(max(1, (w*maxH+h/2)/h), maxH)
}

func resize(src image.Image, maxW, maxH int) image.Image {
	size := FitWithin(src.Bounds().Size(), maxW, maxH)
	if size == src.Bounds().Size() {
		return src
	}
	dst := image.NewNRGBA(image.Rect(0, 0, size.X, size.Y))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// flatten composites onto white, for encoders without alpha.
func flatten(src image.Image) image.Image {
	if o, ok := src.(interface{ Opaque() bool }); ok && o.Opaque() {
		return src
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}

// HasTransparency reports whether any pixel is not fully opaque.
func HasTransparency(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
				return true
			}
		}
	}
	return false
}
