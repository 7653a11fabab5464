package slam

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// nrgbaToRGBA converts color.NRGBA to color.RGBA by premultiplying alpha,
// which is what the canvas library expects.
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// withAlpha returns c with its opacity set to a.
func withAlpha(c color.RGBA, a uint8) color.RGBA {
	return nrgbaToRGBA(color.NRGBA{R: c.R, G: c.G, B: c.B, A: a})
}

// VectorRenderer draws tracked sequences as vector graphics. One canvas
// unit is one millimetre; world units are scaled by Scale.
type VectorRenderer struct {
	Layers         []TrackLayer
	Scale          float64           // canvas mm per world unit
	Padding        float64           // world units around the content
	Resolution     canvas.Resolution // PNG output only
	GridSpacing    float64           // world units; 0 disables the grid
	KeyFrames      int               // heading markers per layer; 0 disables
	LandmarkRadius float64           // world units
}

// NewVectorRenderer creates a vector renderer with default settings.
func NewVectorRenderer(layers ...TrackLayer) *VectorRenderer {
	return &VectorRenderer{
		Layers:         layers,
		Scale:          20,
		Padding:        1,
		Resolution:     canvas.DPMM(2),
		GridSpacing:    5,
		KeyFrames:      8,
		LandmarkRadius: 0.1,
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers.
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// viewport maps world coordinates onto the canvas.
type viewport struct {
	minX, minY, maxX, maxY float64
	width, height          float64
	scale, padding         float64
}

func (r *VectorRenderer) viewport() (viewport, error) {
	minX, minY, maxX, maxY, ok := trackBounds(r.Layers)
	if !ok {
		return viewport{}, fmt.Errorf("no valid poses or landmarks to render")
	}
	return viewport{
		minX:    minX,
		minY:    minY,
		maxX:    maxX,
		maxY:    maxY,
		width:   (maxX - minX + 2*r.Padding) * r.Scale,
		height:  (maxY - minY + 2*r.Padding) * r.Scale,
		scale:   r.Scale,
		padding: r.Padding,
	}, nil
}

func (v viewport) toCanvas(p Point) (float64, float64) {
	return (p.X - v.minX + v.padding) * v.scale, (p.Y - v.minY + v.padding) * v.scale
}

// RenderToSVG writes the tracks as an SVG to w.
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	v, err := r.viewport()
	if err != nil {
		return err
	}
	svgRenderer := svg.New(w, v.width, v.height, nil)
	r.renderToCanvas(svgRenderer, v)
	return svgRenderer.Close()
}

// RenderToPNG writes the tracks as a PNG to w.
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	v, err := r.viewport()
	if err != nil {
		return err
	}
	rast := rasterizer.New(v.width, v.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, v)
	return png.Encode(w, rast)
}

// renderToCanvas holds the drawing shared by SVG and PNG output. Layers are
// drawn bottom up: background, grid, landmarks, trajectories, key frames.
func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, v viewport) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(v.width, v.height), bgStyle, canvas.Identity)

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: color.RGBA{211, 211, 211, 255}}
		gridStyle.StrokeWidth = 0.5
		gridStyle.Dashes = []float64{4.0, 4.0}

		for x := math.Ceil(v.minX/r.GridSpacing) * r.GridSpacing; x <= v.maxX; x += r.GridSpacing {
			grid := &canvas.Path{}
			grid.MoveTo(v.toCanvas(Point{X: x, Y: v.minY - v.padding}))
			grid.LineTo(v.toCanvas(Point{X: x, Y: v.maxY + v.padding}))
			renderer.RenderPath(grid, gridStyle, canvas.Identity)
		}
		for y := math.Ceil(v.minY/r.GridSpacing) * r.GridSpacing; y <= v.maxY; y += r.GridSpacing {
			grid := &canvas.Path{}
			grid.MoveTo(v.toCanvas(Point{X: v.minX - v.padding, Y: y}))
			grid.LineTo(v.toCanvas(Point{X: v.maxX + v.padding, Y: y}))
			renderer.RenderPath(grid, gridStyle, canvas.Identity)
		}
	}

	for _, l := range r.Layers {
		if l.DB == nil {
			continue
		}
		c := parseHexColor(l.Color)

		landmarkStyle := canvas.DefaultStyle
		landmarkStyle.Fill = canvas.Paint{Color: withAlpha(c, 120)}
		landmarkStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
		for _, id := range l.DB.LandmarkIDs(true) {
			p, _ := l.DB.Landmark(id)
			x, y := v.toCanvas(p)
			renderer.RenderPath(canvas.Circle(r.LandmarkRadius*v.scale).Translate(x, y), landmarkStyle, canvas.Identity)
		}

		trackStyle := canvas.DefaultStyle
		trackStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		trackStyle.Stroke = canvas.Paint{Color: c}
		trackStyle.StrokeWidth = 1.5
		lower, upper := l.frames()
		for _, run := range trajectoryRuns(l.DB, lower, upper) {
			path := &canvas.Path{}
			for i, pt := range run {
				x, y := v.toCanvas(Point{X: pt[0], Y: pt[1]})
				if i == 0 {
					path.MoveTo(x, y)
				} else {
					path.LineTo(x, y)
				}
			}
			renderer.RenderPath(path, trackStyle, canvas.Identity)
		}

		if r.KeyFrames <= 0 {
			continue
		}
		frameStyle := canvas.DefaultStyle
		frameStyle.Fill = canvas.Paint{Color: c}
		frameStyle.Stroke = canvas.Paint{Color: canvas.Black}
		frameStyle.StrokeWidth = 0.3
		headingStyle := trackStyle
		headingStyle.Stroke = canvas.Paint{Color: canvas.Black}
		headingStyle.StrokeWidth = 0.8
		for _, frame := range SelectKeyFrames(l.DB, lower, upper, r.KeyFrames, nil) {
			pose, _ := l.DB.Pose(frame)
			x, y := v.toCanvas(pose.Position())
			renderer.RenderPath(canvas.Circle(3).Translate(x, y), frameStyle, canvas.Identity)

			tip := pose.ToWorld(Point{X: 0.6})
			heading := &canvas.Path{}
			heading.MoveTo(x, y)
			heading.LineTo(v.toCanvas(tip))
			renderer.RenderPath(heading, headingStyle, canvas.Identity)
		}
	}
}
