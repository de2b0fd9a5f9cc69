package detection

import (
	"math"
	"testing"
)

func TestScaleToOriginal_Identity(t *testing.T) {
	d := Detection{X: 0.1, Y: 1.0 / 3.0, Width: 7.77, Height: math.Pi, Confidence: 0.42, Class: "pill"}

	got := ScaleToOriginal(d, 1)
	if got != d {
		t.Errorf("scale 1 must be exact identity: got %+v, want %+v", got, d)
	}
}

func TestScaleToOriginal(t *testing.T) {
	d := Detection{X: 10, Y: 20, Width: 30, Height: 40, Confidence: 0.8, Class: "tablet"}

	got := ScaleToOriginal(d, 0.25)

	want := Detection{X: 40, Y: 80, Width: 120, Height: 160, Confidence: 0.8, Class: "tablet"}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestScaleToOriginal_RoundTrip(t *testing.T) {
	scales := []float64{1, 0.999, 0.75, 0.5, 1024.0 / 4032.0, 0.1, 0.0137}
	boxes := []Detection{
		{X: 0, Y: 0, Width: 1, Height: 1},
		{X: 383.5, Y: 511.25, Width: 42.1, Height: 39.9},
		{X: -12, Y: 1023, Width: 0, Height: 2000},
	}

	for _, s := range scales {
		for _, b := range boxes {
			back := ScaleToInference(ScaleToOriginal(b, s), s)
			for _, pair := range [][2]float64{{back.X, b.X}, {back.Y, b.Y}, {back.Width, b.Width}, {back.Height, b.Height}} {
				if math.Abs(pair[0]-pair[1]) > 1e-9*math.Max(1, math.Abs(pair[1])) {
					t.Errorf("scale %v box %+v: round trip got %+v", s, b, back)
					break
				}
			}
		}
	}
}

func TestScaleToOriginal_InvalidScaleIsIdentity(t *testing.T) {
	d := Detection{X: 5, Y: 5, Width: 5, Height: 5}
	for _, s := range []float64{0, -1} {
		if got := ScaleToOriginal(d, s); got != d {
			t.Errorf("scale %v: got %+v, want unchanged", s, got)
		}
	}
}

func TestMapToOriginal_PreservesOrder(t *testing.T) {
	dets := []Detection{{X: 3, Confidence: 0.9}, {X: 1, Confidence: 0.6}, {X: 2, Confidence: 0.7}}

	got := MapToOriginal(dets, 0.5)

	if len(got) != 3 {
		t.Fatalf("got %d detections, want 3", len(got))
	}
	for i, want := range []float64{6, 2, 4} {
		if got[i].X != want {
			t.Errorf("got[%d].X: got %v, want %v", i, got[i].X, want)
		}
		if got[i].Confidence != dets[i].Confidence {
			t.Errorf("got[%d].Confidence changed", i)
		}
	}
	if dets[0].X != 3 {
		t.Error("MapToOriginal modified its input")
	}
}

func TestScaleFactor(t *testing.T) {
	tests := []struct {
		name      string
		origW     int
		origH     int
		echoW     int
		echoH     int
		submitted float64
		want      float64
	}{
		{"echo matches submitted", 3024, 4032, 768, 1024, 1024.0 / 4032.0, 1024.0 / 4032.0},
		{"portrait uses long axis", 1000, 4032, 253, 1024, 1024.0 / 4032.0, 1024.0 / 4032.0},
		{"landscape uses long axis", 4032, 1000, 1024, 253, 1024.0 / 4032.0, 1024.0 / 4032.0},
		{"width only", 3024, 4032, 768, 0, 1, 768.0 / 3024.0},
		{"height only", 3024, 4032, 0, 1024, 1, 1024.0 / 4032.0},
		{"echo of original size", 800, 600, 800, 600, 1, 1},
		{"no echo", 3024, 4032, 0, 0, 0.5, 0.5},
		{"echo larger than original ignored", 100, 100, 400, 400, 1, 1},
		{"bad submitted", 100, 100, 0, 0, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScaleFactor(tt.origW, tt.origH, tt.echoW, tt.echoH, tt.submitted)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScaleFactor_PortraitBottomEdge(t *testing.T) {
	// A box touching the bottom of a 1000x4032 capture, detected on the
	// 253x1024 payload the service reports.
	s := ScaleFactor(1000, 4032, 253, 1024, 1024.0/4032.0)
	d := ScaleToOriginal(Detection{X: 0, Y: 1000, Width: 10, Height: 24}, s)
	if bottom := d.Y + d.Height; math.Abs(bottom-4032) > 0.5 {
		t.Errorf("bottom edge: got %v, want 4032", bottom)
	}
}
