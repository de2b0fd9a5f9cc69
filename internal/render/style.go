package render

import (
	"fmt"
	"image/color"
	"math"
	"sort"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Style controls how detections are drawn. Sizes are given for a
// ReferenceWidth-pixel image and scale with the actual image width.
type Style struct {
	// Name identifies the variant ("classic", "contrast", "minimal").
	Name string `json:"name"`

	// FillColor is the hex color of the translucent box fill.
	FillColor string `json:"fill_color"`

	// FillAlpha is the fill opacity (0.0-1.0). Zero disables the fill.
	FillAlpha float64 `json:"fill_alpha"`

	// StrokeColor is the hex color of the box outline.
	StrokeColor string `json:"stroke_color"`

	// LabelBackground and LabelText color the numeric index label.
	LabelBackground string `json:"label_background"`
	LabelText       string `json:"label_text"`

	// ConfidenceBackground and ConfidenceText color the percentage label.
	ConfidenceBackground string  `json:"confidence_background"`
	ConfidenceAlpha      float64 `json:"confidence_alpha"`
	ConfidenceText       string  `json:"confidence_text"`

	// StrokeWidth, FontSize and LabelPadding are in pixels at ReferenceWidth.
	StrokeWidth  float64 `json:"stroke_width"`
	FontSize     float64 `json:"font_size"`
	LabelPadding float64 `json:"label_padding"`

	// ConfidenceScale sizes the confidence label relative to FontSize.
	ConfidenceScale float64 `json:"confidence_scale"`

	// ShowConfidence enables the percentage label at the bottom-left corner.
	ShowConfidence bool `json:"show_confidence"`
}

// ReferenceWidth is the image width the Style sizes are expressed for.
const ReferenceWidth = 1000.0

// minUnit keeps annotations readable on small images.
const minUnit = 0.5

var styles = map[string]Style{
	"classic": {
		Name:                 "classic",
		FillColor:            "#00C853",
		FillAlpha:            0.25,
		StrokeColor:          "#00C853",
		LabelBackground:      "#00C853",
		LabelText:            "#FFFFFF",
		ConfidenceBackground: "#000000",
		ConfidenceAlpha:      0.7,
		ConfidenceText:       "#FFFFFF",
		StrokeWidth:          3,
		FontSize:             24,
		LabelPadding:         4,
		ConfidenceScale:      0.7,
		ShowConfidence:       true,
	},
	"contrast": {
		Name:                 "contrast",
		FillColor:            "#FFD600",
		FillAlpha:            0.3,
		StrokeColor:          "#FFD600",
		LabelBackground:      "#000000",
		LabelText:            "#FFD600",
		ConfidenceBackground: "#000000",
		ConfidenceAlpha:      0.8,
		ConfidenceText:       "#FFFFFF",
		StrokeWidth:          4,
		FontSize:             28,
		LabelPadding:         5,
		ConfidenceScale:      0.7,
		ShowConfidence:       true,
	},
	"minimal": {
		Name:            "minimal",
		FillColor:       "#FF1744",
		FillAlpha:       0,
		StrokeColor:     "#FF1744",
		LabelBackground: "#FF1744",
		LabelText:       "#FFFFFF",
		StrokeWidth:     2,
		FontSize:        20,
		LabelPadding:    3,
		ConfidenceScale: 0.7,
		ShowConfidence:  false,
	},
}

// DefaultStyle returns the "classic" variant.
func DefaultStyle() Style {
	return styles["classic"]
}

// StyleByName returns a named variant.
func StyleByName(name string) (Style, error) {
	s, ok := styles[name]
	if !ok {
		return Style{}, fmt.Errorf("unknown style %q (available: %v)", name, StyleNames())
	}
	return s, nil
}

// StyleNames lists the built-in variants in sorted order.
func StyleNames() []string {
	names := make([]string, 0, len(styles))
	for n := range styles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// palette is a Style with its colors resolved.
type palette struct {
	fill     color.NRGBA
	stroke   color.NRGBA
	labelBG  color.NRGBA
	labelFG  color.NRGBA
	confBG   color.NRGBA
	confFG   color.NRGBA
	hasFill  bool
	showConf bool
}

func (s Style) palette() (palette, error) {
	var p palette
	var err error
	if p.fill, err = parseColor(s.FillColor, s.FillAlpha); err != nil {
		return p, fmt.Errorf("fill color: %w", err)
	}
	if p.stroke, err = parseColor(s.StrokeColor, 1); err != nil {
		return p, fmt.Errorf("stroke color: %w", err)
	}
	if p.labelBG, err = parseColor(s.LabelBackground, 1); err != nil {
		return p, fmt.Errorf("label background: %w", err)
	}
	if p.labelFG, err = parseColor(s.LabelText, 1); err != nil {
		return p, fmt.Errorf("label text: %w", err)
	}
	if s.ShowConfidence {
		if p.confBG, err = parseColor(s.ConfidenceBackground, s.ConfidenceAlpha); err != nil {
			return p, fmt.Errorf("confidence background: %w", err)
		}
		if p.confFG, err = parseColor(s.ConfidenceText, 1); err != nil {
			return p, fmt.Errorf("confidence text: %w", err)
		}
	}
	p.hasFill = p.fill.A > 0
	p.showConf = s.ShowConfidence
	return p, nil
}

// parseColor converts "#RRGGBB" (or "#RGB") plus an opacity to NRGBA.
func parseColor(hex string, alpha float64) (color.NRGBA, error) {
	c, err := colorful.Hex(hex)
	if err != nil {
		return color.NRGBA{}, err
	}
	r, g, b := c.RGB255()
	a := math.Round(math.Max(0, math.Min(1, alpha)) * 255)
	return color.NRGBA{R: r, G: g, B: b, A: uint8(a)}, nil
}
