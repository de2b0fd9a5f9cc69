// Package render draws numbered detection markers over a full-resolution image.
//
// Each detection is drawn, in order, as a translucent fill, a solid outline,
// a 1-based index label on a padded background patch at the box's top-left
// corner and, when the style enables it, a smaller confidence percentage at
// the bottom-left corner. Stroke width, font size and padding scale with the
// image width so markers stay legible on 3000+ pixel captures.
//
// Boxes may lie partly or entirely outside the image; drawing is clipped to
// the surface and never fails because of box geometry.
package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"strconv"
	"sync"

	"github.com/anthonynsimon/bild/clone"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/ironsheep/pillcount/internal/detection"
)

// Result is the annotated surface. Its dimensions always equal the source image's.
type Result struct {
	Image  *image.RGBA
	Width  int
	Height int

	// Detections are the drawn boxes in label order (label = index + 1).
	Detections []detection.Detection
}

// Renderer draws detections with a fixed Style. It is safe for concurrent use.
type Renderer struct {
	style Style
	pal   palette
	font  *opentype.Font
}

var (
	fontOnce  sync.Once
	labelFont *opentype.Font
	errFont   error
)

func loadFont() (*opentype.Font, error) {
	fontOnce.Do(func() {
		labelFont, errFont = opentype.Parse(goregular.TTF)
	})
	return labelFont, errFont
}

// NewRenderer resolves style colors and loads the label font.
func NewRenderer(style Style) (*Renderer, error) {
	pal, err := style.palette()
	if err != nil {
		return nil, fmt.Errorf("invalid style %q: %w", style.Name, err)
	}
	f, err := loadFont()
	if err != nil {
		return nil, fmt.Errorf("failed to load label font: %w", err)
	}
	return &Renderer{style: style, pal: pal, font: f}, nil
}

// Style returns the renderer's style.
func (r *Renderer) Style() Style {
	return r.style
}

// metrics are the pixel sizes for one image width.
type metrics struct {
	stroke   int
	fontSize float64
	padding  int
}

func (r *Renderer) metricsFor(width int) metrics {
	unit := math.Max(minUnit, float64(width)/ReferenceWidth)
	return metrics{
		stroke:   int(math.Max(1, math.Round(r.style.StrokeWidth*unit))),
		fontSize: math.Max(6, r.style.FontSize*unit),
		padding:  int(math.Max(1, math.Round(r.style.LabelPadding*unit))),
	}
}

// Render copies src onto a new surface of identical size and draws dets on it.
func (r *Renderer) Render(src image.Image, dets []detection.Detection) (*Result, error) {
	if src == nil {
		return nil, errors.New("render: nil source image")
	}

	surface := clone.AsRGBA(src)
	// Detections use 0-based coordinates; rebase images with a non-zero origin.
	surface.Rect = surface.Rect.Sub(surface.Rect.Min)

	width, height := surface.Rect.Dx(), surface.Rect.Dy()
	m := r.metricsFor(width)

	labelFace, err := opentype.NewFace(r.font, &opentype.FaceOptions{
		Size:    m.fontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create label face: %w", err)
	}
	defer labelFace.Close()

	var confFace font.Face
	if r.pal.showConf {
		confFace, err = opentype.NewFace(r.font, &opentype.FaceOptions{
			Size:    math.Max(6, m.fontSize*r.style.ConfidenceScale),
			DPI:     72,
			Hinting: font.HintingFull,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create confidence face: %w", err)
		}
		defer confFace.Close()
	}

	for i, d := range dets {
		if !d.Finite() || d.Width < 0 || d.Height < 0 {
			continue
		}
		box := d.Bounds()
		rect := image.Rect(box.X1, box.Y1, box.X2, box.Y2)

		if r.pal.hasFill {
			fillRect(surface, rect, r.pal.fill)
		}
		strokeRect(surface, rect, m.stroke, r.pal.stroke)
		drawLabel(surface, labelFace, rect.Min.X, rect.Min.Y, strconv.Itoa(i+1), m.padding, false, r.pal.labelFG, r.pal.labelBG)

		if r.pal.showConf {
			pct := strconv.Itoa(int(math.Round(d.Confidence*100))) + "%"
			drawLabel(surface, confFace, rect.Min.X, rect.Max.Y, pct, m.padding, true, r.pal.confFG, r.pal.confBG)
		}
	}

	out := make([]detection.Detection, len(dets))
	copy(out, dets)

	return &Result{
		Image:      surface,
		Width:      width,
		Height:     height,
		Detections: out,
	}, nil
}

// fillRect blends c over the part of rect inside dst.
func fillRect(dst *image.RGBA, rect image.Rectangle, c color.NRGBA) {
	clip := rect.Intersect(dst.Bounds())
	if clip.Empty() {
		return
	}
	draw.Draw(dst, clip, &image.Uniform{C: c}, image.Point{}, draw.Over)
}

// strokeRect draws an outline of the given thickness inside rect's edges.
func strokeRect(dst *image.RGBA, rect image.Rectangle, thickness int, c color.NRGBA) {
	if rect.Empty() {
		return
	}
	t := thickness
	edges := []image.Rectangle{
		image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+t), // top
		image.Rect(rect.Min.X, rect.Max.Y-t, rect.Max.X, rect.Max.Y), // bottom
		image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+t, rect.Max.Y), // left
		image.Rect(rect.Max.X-t, rect.Min.Y, rect.Max.X, rect.Max.Y), // right
	}
	for _, e := range edges {
		// Thin boxes produce edges that cross; clamp them back into rect.
		fillRect(dst, e.Intersect(rect), c)
	}
}

// drawLabel draws text on a padded background patch sized to the measured
// text extent. The patch's top-left corner is (x, y), or its bottom-left
// corner when anchorBottom is set.
func drawLabel(dst *image.RGBA, face font.Face, x, y int, text string, pad int, anchorBottom bool, fg, bg color.NRGBA) {
	fm := face.Metrics()
	ascent := fm.Ascent.Ceil()
	textW := font.MeasureString(face, text).Ceil()
	textH := ascent + fm.Descent.Ceil()

	w, h := textW+2*pad, textH+2*pad
	top := y
	if anchorBottom {
		top = y - h
	}
	patch := image.Rect(x, top, x+w, top+h)
	if !patch.Overlaps(dst.Bounds()) {
		return
	}

	fillRect(dst, patch, bg)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(fg),
		Face: face,
		Dot:  fixed.P(x+pad, top+pad+ascent),
	}
	d.DrawString(text)
}
