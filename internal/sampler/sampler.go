// Package sampler turns the live video source into frames a backend can consume.
package sampler

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"visionrelay/internal/pipeline"
)

// Config controls downsampling and encoding
type Config struct {
	MaxWidth   int  // frames wider than this are scaled down, aspect preserved
	Quality    int  // JPEG quality 1-100
	Downsample bool // false passes the native frame through untouched
}

// DefaultConfig returns the settings used for network-bound backends
func DefaultConfig() Config {
	return Config{MaxWidth: 640, Quality: 70, Downsample: true}
}

// ForBackend picks the sampler settings for a backend kind
func ForBackend(kind pipeline.BackendKind, maxWidth, quality int) Config {
	cfg := DefaultConfig()
	if maxWidth > 0 {
		cfg.MaxWidth = maxWidth
	}
	if quality > 0 && quality <= 100 {
		cfg.Quality = quality
	}
	cfg.Downsample = kind == pipeline.BackendRemote
	return cfg
}

// Sampler implements pipeline.FrameSampler
type Sampler struct {
	cfg Config
}

// New creates a frame sampler
func New(cfg Config) *Sampler {
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = 640
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 70
	}
	return &Sampler{cfg: cfg}
}

// Capture returns nil, nil while the source has no decoded dimensions
func (s *Sampler) Capture(src pipeline.FrameSource) (*pipeline.Frame, error) {
	if src == nil || !src.IsActive() {
		return nil, nil
	}

	width, height := src.NativeSize()
	if width <= 0 || height <= 0 {
		return nil, nil
	}

	raw := src.LatestFrame()
	if raw == nil || len(raw.Data) == 0 {
		return nil, nil
	}

	frame := &pipeline.Frame{
		Seq:           raw.Seq,
		Timestamp:     raw.Timestamp,
		NativeWidth:   width,
		NativeHeight:  height,
		EncodedWidth:  width,
		EncodedHeight: height,
	}

	if !s.cfg.Downsample {
		frame.Data = raw.Data
		return frame, nil
	}

	img, _, err := image.Decode(bytes.NewReader(raw.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame %d: %w", raw.Seq, err)
	}

	scaled := Downscale(img, s.cfg.MaxWidth)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: s.cfg.Quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame %d: %w", raw.Seq, err)
	}

	b := scaled.Bounds()
	frame.Data = buf.Bytes()
	frame.EncodedWidth = b.Dx()
	frame.EncodedHeight = b.Dy()
	return frame, nil
}

// Downscale shrinks img to at most maxWidth pixels wide, preserving aspect
// ratio. Images already narrow enough are returned as is.
func Downscale(img image.Image, maxWidth int) image.Image {
	b := img.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return img
	}

	height := b.Dy() * maxWidth / b.Dx()
	if height < 1 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

var _ pipeline.FrameSampler = (*Sampler)(nil)
