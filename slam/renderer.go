package slam

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"sort"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// TrackLayer is one tracked sequence drawn by the renderers.
type TrackLayer struct {
	ID    string
	Color string // hex, e.g. "#FF0000"
	DB    *Database
	Lower int
	Upper int
}

// frames returns the clamped frame range of the layer.
func (l TrackLayer) frames() (int, int) {
	lower, upper := l.Lower, l.Upper
	if upper <= 0 || upper >= l.DB.Frames() {
		upper = l.DB.Frames() - 1
	}
	return max(lower, 0), upper
}

// trackBounds returns the world bounding box of all valid poses and
// landmarks of the layers. ok is false when nothing is drawable.
func trackBounds(layers []TrackLayer) (minX, minY, maxX, maxY float64, ok bool) {
	minX, minY = math.MaxFloat64, math.MaxFloat64
	maxX, maxY = -math.MaxFloat64, -math.MaxFloat64
	grow := func(p Point) {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
		ok = true
	}
	for _, l := range layers {
		if l.DB == nil {
			continue
		}
		lower, upper := l.frames()
		for f := lower; f <= upper; f++ {
			if pose, valid := l.DB.Pose(f); valid {
				grow(pose.Position())
			}
		}
		for _, id := range l.DB.LandmarkIDs(true) {
			p, _ := l.DB.Landmark(id)
			grow(p)
		}
	}
	return
}

// ImageRenderer draws tracks into a raster image for quick inspection.
type ImageRenderer struct {
	Layers  []TrackLayer
	Scale   float64 // pixels per world unit
	Padding int     // pixels
}

// NewImageRenderer creates a renderer with 20 pixels per world unit.
func NewImageRenderer(layers ...TrackLayer) *ImageRenderer {
	return &ImageRenderer{Layers: layers, Scale: 20, Padding: 30}
}

// Render draws trajectories as connected dots, landmarks as small squares
// and a legend of sequence ids. Y points up in the output.
func (r *ImageRenderer) Render() *image.RGBA {
	minX, minY, maxX, maxY, ok := trackBounds(r.Layers)
	if !ok {
		return image.NewRGBA(image.Rect(0, 0, 2*r.Padding+1, 2*r.Padding+1))
	}
	width := int(math.Ceil((maxX-minX)*r.Scale)) + 2*r.Padding
	height := int(math.Ceil((maxY-minY)*r.Scale)) + 2*r.Padding
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = 255
	}

	toPixel := func(p Point) (int, int) {
		x := int(math.Round((p.X-minX)*r.Scale)) + r.Padding
		y := height - 1 - (int(math.Round((p.Y-minY)*r.Scale)) + r.Padding)
		return x, y
	}

	for _, l := range r.Layers {
		if l.DB == nil {
			continue
		}
		c := parseHexColor(l.Color)
		faded := color.RGBA{blend(c.R), blend(c.G), blend(c.B), 255}

		for _, id := range l.DB.LandmarkIDs(true) {
			p, _ := l.DB.Landmark(id)
			x, y := toPixel(p)
			drawSquare(img, x, y, 4, faded)
		}

		lower, upper := l.frames()
		prevX, prevY, havePrev := 0, 0, false
		for f := lower; f <= upper; f++ {
			pose, valid := l.DB.Pose(f)
			if !valid {
				havePrev = false
				continue
			}
			x, y := toPixel(pose.Position())
			if havePrev {
				drawLine(img, prevX, prevY, x, y, c)
			}
			drawCircle(img, x, y, 2, c)
			prevX, prevY, havePrev = x, y, true
		}
	}

	r.drawLegend(img)
	return img
}

// SavePNG renders and writes the image to path.
func (r *ImageRenderer) SavePNG(path string) error {
	img := r.Render()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	return png.Encode(f, img)
}

// blend mixes a channel halfway towards white.
func blend(v uint8) uint8 {
	return uint8((uint16(v) + 255) / 2)
}

// drawLegend lists the sequence ids in the top-left corner.
func (r *ImageRenderer) drawLegend(img *image.RGBA) {
	layers := append([]TrackLayer(nil), r.Layers...)
	sort.Slice(layers, func(i, j int) bool { return layers[i].ID < layers[j].ID })

	y := 15
	for _, l := range layers {
		c := parseHexColor(l.Color)
		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				img.Set(10+dx, y+dy-10, c)
			}
		}
		drawText(img, 28, y, l.ID, color.RGBA{0, 0, 0, 255})
		y += 18
	}
}

func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				setPixel(img, cx+dx, cy+dy, c)
			}
		}
	}
}

func drawSquare(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	half := size / 2
	for dy := -half; dy <= half; dy++ {
		for dx := -half; dx <= half; dx++ {
			setPixel(img, cx+dx, cy+dy, c)
		}
	}
}

// drawLine draws a one pixel line with Bresenham's algorithm.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		setPixel(img, x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func setPixel(img *image.RGBA, x, y int, c color.RGBA) {
	if (image.Point{X: x, Y: y}).In(img.Bounds()) {
		img.SetRGBA(x, y, c)
	}
}

// drawText renders text onto an image at the specified baseline position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

func parseHexColor(hex string) color.RGBA {
	// Default to red if parsing fails
	defaultColor := color.RGBA{255, 0, 0, 255}

	if len(hex) == 0 {
		return defaultColor
	}
	if hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return defaultColor
	}

	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return defaultColor
	}
	return color.RGBA{r, g, b, 255}
}
