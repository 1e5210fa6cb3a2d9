// Package overlay draws the latest vision result over live video frames.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"visionrelay/internal/pipeline"
)

const (
	// MinScore is the lowest detection score that is ever drawn
	MinScore = 0.5

	cornerLength = 12
	boxThickness = 2
	labelPadding = 4
	labelHeight  = 16
	ocrBarHeight = 20
)

var (
	boxStroke  = color.NRGBA{0, 229, 255, 255}
	boxFill    = color.NRGBA{0, 229, 255, 40}
	labelFill  = color.NRGBA{0, 0, 0, 180}
	labelText  = color.NRGBA{0, 229, 255, 255}
	ocrBarFill = color.NRGBA{0, 0, 0, 160}
	ocrText    = color.NRGBA{255, 255, 255, 255}
)

// Options control one render pass
type Options struct {
	DisplayWidth  int
	DisplayHeight int
	NativeWidth   int
	NativeHeight  int
	MinScore      float64 // raised to MinScore when lower
	OCRLimit      int
	Quality       int

	// FallbackOCRText is drawn when the result carries no OCR text
	FallbackOCRText string
}

// Renderer draws detections in display space.
// Bounding boxes stay in native space; scaling happens per render.
type Renderer struct {
	face font.Face
}

// NewRenderer creates a renderer using the built-in 7x13 face
func NewRenderer() *Renderer {
	return &Renderer{face: basicfont.Face7x13}
}

// Scale returns the native-to-display scale factors.
// Zero or unknown sizes yield ok=false.
func Scale(displayW, displayH, nativeW, nativeH int) (scaleX, scaleY float64, ok bool) {
	if displayW <= 0 || displayH <= 0 || nativeW <= 0 || nativeH <= 0 {
		return 0, 0, false
	}
	return float64(displayW) / float64(nativeW), float64(displayH) / float64(nativeH), true
}

// CornerLength returns the L accent length for a scaled box
func CornerLength(w, h float64) float64 {
	return math.Min(cornerLength, math.Min(0.2*w, 0.2*h))
}

// Label formats the text drawn above a detection
func Label(det pipeline.Detection) string {
	return fmt.Sprintf("%s %d%%", det.Label, int(math.Round(det.Score*100)))
}

// Render decodes a frame, scales it to display size and draws the result on it
func (r *Renderer) Render(jpegData []byte, result *pipeline.VisionResult, opts Options) (*image.RGBA, error) {
	src, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	if opts.NativeWidth <= 0 || opts.NativeHeight <= 0 {
		opts.NativeWidth, opts.NativeHeight = src.Bounds().Dx(), src.Bounds().Dy()
	}
	if opts.DisplayWidth <= 0 || opts.DisplayHeight <= 0 {
		opts.DisplayWidth, opts.DisplayHeight = opts.NativeWidth, opts.NativeHeight
	}

	canvas := image.NewRGBA(image.Rect(0, 0, opts.DisplayWidth, opts.DisplayHeight))
	if src.Bounds().Dx() == opts.DisplayWidth && src.Bounds().Dy() == opts.DisplayHeight {
		draw.Draw(canvas, canvas.Bounds(), src, src.Bounds().Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(canvas, canvas.Bounds(), src, src.Bounds(), draw.Src, nil)
	}

	r.Draw(canvas, result, opts)
	return canvas, nil
}

// RenderJPEG is Render followed by JPEG encoding
func (r *Renderer) RenderJPEG(jpegData []byte, result *pipeline.VisionResult, opts Options) ([]byte, error) {
	canvas, err := r.Render(jpegData, result, opts)
	if err != nil {
		return nil, err
	}

	quality := opts.Quality
	if quality <= 0 {
		quality = 85
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Draw paints the result onto a display-sized canvas. It reads the result only.
// It returns the number of detections drawn.
func (r *Renderer) Draw(canvas *image.RGBA, result *pipeline.VisionResult, opts Options) int {
	if result == nil {
		return 0
	}
	bounds := canvas.Bounds()
	scaleX, scaleY, ok := Scale(opts.DisplayWidth, opts.DisplayHeight, opts.NativeWidth, opts.NativeHeight)
	if !ok {
		scaleX, scaleY, ok = Scale(bounds.Dx(), bounds.Dy(), result.FrameWidth, result.FrameHeight)
	}

	minScore := math.Max(opts.MinScore, MinScore)
	drawn := 0
	if ok {
		for _, det := range result.Detections {
			if det.Score < minScore {
				continue
			}
			x := det.BBox.X * scaleX
			y := det.BBox.Y * scaleY
			w := det.BBox.Width * scaleX
			h := det.BBox.Height * scaleY
			if w <= 0 || h <= 0 {
				continue
			}
			r.drawBox(canvas, x, y, w, h)
			r.drawLabel(canvas, int(x), int(y), Label(det))
			drawn++
		}
	}

	caption := result.OCRText
	if caption == "" {
		caption = opts.FallbackOCRText
	}
	if text := pipeline.Truncate(caption, opts.OCRLimit); len(text) > 0 {
		r.drawOCR(canvas, text)
	}
	return drawn
}

func (r *Renderer) drawBox(img *image.RGBA, x, y, w, h float64) {
	box := image.Rect(int(x), int(y), int(x+w), int(y+h))
	fill(img, box, boxFill)

	// outline
	t := boxThickness
	fill(img, image.Rect(box.Min.X, box.Min.Y, box.Max.X, box.Min.Y+t), boxStroke)
	fill(img, image.Rect(box.Min.X, box.Max.Y-t, box.Max.X, box.Max.Y), boxStroke)
	fill(img, image.Rect(box.Min.X, box.Min.Y, box.Min.X+t, box.Max.Y), boxStroke)
	fill(img, image.Rect(box.Max.X-t, box.Min.Y, box.Max.X, box.Max.Y), boxStroke)

	// corner accents, drawn thicker than the outline
	l := int(CornerLength(w, h))
	if l <= 0 {
		return
	}
	ct := t + 1
	for _, c := range []struct{ x, y, dx, dy int }{
		{box.Min.X, box.Min.Y, 1, 1},
		{box.Max.X, box.Min.Y, -1, 1},
		{box.Min.X, box.Max.Y, 1, -1},
		{box.Max.X, box.Max.Y, -1, -1},
	} {
		fill(img, span(c.x, c.y, c.dx*l, c.dy*ct), boxStroke)
		fill(img, span(c.x, c.y, c.dx*ct, c.dy*l), boxStroke)
	}
}

func (r *Renderer) drawLabel(img *image.RGBA, x, y int, label string) {
	width := font.MeasureString(r.face, label).Ceil() + 2*labelPadding
	top := y - labelHeight
	if top < img.Bounds().Min.Y {
		top = y
	}
	if x < img.Bounds().Min.X {
		x = img.Bounds().Min.X
	}

	fill(img, image.Rect(x, top, x+width, top+labelHeight), labelFill)
	r.drawString(img, x+labelPadding, top+labelHeight-4, label, labelText)
}

func (r *Renderer) drawOCR(img *image.RGBA, text string) {
	b := img.Bounds()
	fill(img, image.Rect(b.Min.X, b.Max.Y-ocrBarHeight, b.Max.X, b.Max.Y), ocrBarFill)
	r.drawString(img, b.Min.X+labelPadding, b.Max.Y-6, text, ocrText)
}

func (r *Renderer) drawString(img *image.RGBA, x, baseline int, s string, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: r.face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(baseline)},
	}
	d.DrawString(s)
}

// span builds a rectangle from a corner point and signed extents
func span(x, y, dx, dy int) image.Rectangle {
	return image.Rect(x, y, x+dx, y+dy)
}

func fill(img *image.RGBA, rect image.Rectangle, c color.Color) {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	draw.Draw(img, rect, image.NewUniform(c), image.Point{}, draw.Over)
}
