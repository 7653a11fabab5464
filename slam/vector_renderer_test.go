package slam

import (
	"bytes"
	"image/color"
	"image/png"
	"path/filepath"
	"testing"

	"github.com/tdewolff/canvas"
)

func renderTestLayer() TrackLayer {
	db := rangeDatabase(10, 0, 1, 2, 3, 5, 6, 7, 8, 9)
	db.SetLandmark(1, Point{X: 2, Y: 4})
	db.SetLandmark(2, Point{X: 7, Y: 6})
	return TrackLayer{ID: "corridor", Color: "#1E90FF", DB: db}
}

func TestVectorRenderer_RenderToSVG(t *testing.T) {
	r := NewVectorRenderer(renderTestLayer())

	var buf bytes.Buffer
	if err := r.RenderToSVG(&buf); err != nil {
		t.Fatalf("Failed to render to SVG: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("<svg")) {
		t.Errorf("Output does not contain <svg tag")
	}
	if !bytes.Contains(buf.Bytes(), []byte("path")) {
		t.Errorf("Output does not contain path elements")
	}
}

func TestVectorRenderer_RenderToPNG(t *testing.T) {
	r := NewVectorRenderer(renderTestLayer())
	r.Resolution = canvas.DPMM(1)

	var buf bytes.Buffer
	if err := r.RenderToPNG(&buf); err != nil {
		t.Fatalf("Failed to render to PNG: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Failed to decode PNG: %v", err)
	}

	// world extent 9 x 6 plus one unit of padding each side, 20mm per unit
	bounds := img.Bounds()
	if bounds.Dx() != 220 || bounds.Dy() != 160 {
		t.Errorf("PNG dimensions = %dx%d, want 220x160", bounds.Dx(), bounds.Dy())
	}
}

func TestVectorRenderer_Empty(t *testing.T) {
	r := NewVectorRenderer(TrackLayer{ID: "empty", DB: NewDatabase(3)})
	var buf bytes.Buffer
	if err := r.RenderToSVG(&buf); err == nil {
		t.Error("expected error for a layer without poses or landmarks")
	}
	if err := r.RenderToPNG(&buf); err == nil {
		t.Error("expected error for a layer without poses or landmarks")
	}
}

func TestNrgbaToRGBA(t *testing.T) {
	tests := []struct {
		in   color.NRGBA
		want color.RGBA
	}{
		{color.NRGBA{255, 0, 0, 0}, color.RGBA{0, 0, 0, 0}},
		{color.NRGBA{10, 20, 30, 255}, color.RGBA{10, 20, 30, 255}},
		{color.NRGBA{255, 255, 0, 51}, color.RGBA{51, 51, 0, 51}},
	}
	for _, tt := range tests {
		if got := nrgbaToRGBA(tt.in); got != tt.want {
			t.Errorf("nrgbaToRGBA(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseHexColor(t *testing.T) {
	tests := []struct {
		in   string
		want color.RGBA
	}{
		{"#1E90FF", color.RGBA{30, 144, 255, 255}},
		{"00ff00", color.RGBA{0, 255, 0, 255}},
		{"", color.RGBA{255, 0, 0, 255}},
		{"#abc", color.RGBA{255, 0, 0, 255}},
		{"#zzzzzz", color.RGBA{255, 0, 0, 255}},
	}
	for _, tt := range tests {
		if got := parseHexColor(tt.in); got != tt.want {
			t.Errorf("parseHexColor(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestImageRenderer_Render(t *testing.T) {
	layer := renderTestLayer()
	r := NewImageRenderer(layer)
	img := r.Render()

	// 9 x 6 world units at 20 px plus 30 px padding each side
	if img.Bounds().Dx() != 240 || img.Bounds().Dy() != 180 {
		t.Fatalf("image = %v, want 240x180", img.Bounds())
	}

	want := parseHexColor(layer.Color)
	// frame 0 sits at world (0, 0): left padding, bottom padding
	if got := img.RGBAAt(30, 179-30); got != want {
		t.Errorf("pose pixel = %v, want %v", got, want)
	}
	// the gap at frame 4 leaves world (4, 0) unpainted
	if got := img.RGBAAt(30+80, 179-30); got != (color.RGBA{255, 255, 255, 255}) {
		t.Errorf("gap pixel = %v, want white", got)
	}
}

func TestImageRenderer_SavePNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "track.png")
	if err := NewImageRenderer(renderTestLayer()).SavePNG(path); err != nil {
		t.Fatalf("SavePNG: %v", err)
	}
	if err := NewImageRenderer().SavePNG(filepath.Join(t.TempDir(), "missing", "x.png")); err == nil {
		t.Error("expected error writing into a missing directory")
	}
}
