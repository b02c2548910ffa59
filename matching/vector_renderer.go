package matching

import (
	"image/color"
	"image/png"
	"io"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/pkg/errors"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

var (
	submapColor     = color.RGBA{70, 110, 160, 255}
	frameColor      = color.RGBA{220, 50, 40, 255}
	boxColor        = color.RGBA{40, 40, 40, 255}
	trajectoryColor = color.RGBA{30, 150, 60, 255}
)

// SubmapRenderer draws the local submap, the latest frame, the ROI box and
// the trajectory in the XY plane. Canvas units are millimetres; Scale maps
// metres onto them.
type SubmapRenderer struct {
	Submap     PointCloud
	Frame      PointCloud
	Bounds     [6]float64
	Trajectory orb.LineString
	Pose       *Pose
	Scale      float64           // canvas mm per metre
	PointSize  float64           // metres
	Padding    float64           // metres
	Resolution canvas.Resolution // PNG output
}

// NewSubmapRenderer creates a renderer for a submap cut by bounds
func NewSubmapRenderer(submap PointCloud, bounds [6]float64) *SubmapRenderer {
	return &SubmapRenderer{
		Submap:     submap,
		Bounds:     bounds,
		Scale:      1.0,
		PointSize:  0.5,
		Padding:    5.0,
		Resolution: canvas.DPI(300),
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

func (r *SubmapRenderer) size() (width, height float64) {
	width = (r.Bounds[1]-r.Bounds[0])*r.Scale + 2*r.Padding*r.Scale
	height = (r.Bounds[3]-r.Bounds[2])*r.Scale + 2*r.Padding*r.Scale
	return width, height
}

func (r *SubmapRenderer) validate() error {
	if r.Scale <= 0 || r.PointSize <= 0 {
		return errors.New("submap renderer needs positive scale and point size")
	}
	if r.Bounds[1] <= r.Bounds[0] || r.Bounds[3] <= r.Bounds[2] {
		return errors.Errorf("submap renderer bounds are empty: %v", r.Bounds)
	}
	return nil
}

// RenderToSVG writes the drawing as SVG
func (r *SubmapRenderer) RenderToSVG(w io.Writer) error {
	if err := r.validate(); err != nil {
		return err
	}
	width, height := r.size()
	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the drawing as PNG at r.Resolution
func (r *SubmapRenderer) RenderToPNG(w io.Writer) error {
	if err := r.validate(); err != nil {
		return err
	}
	width, height := r.size()
	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, width, height)
	return png.Encode(w, rast)
}

func (r *SubmapRenderer) renderToCanvas(renderer canvasRenderer, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	toCanvas := func(x, y float64) (float64, float64) {
		return (x-r.Bounds[0]+r.Padding)*r.Scale, (y-r.Bounds[2]+r.Padding)*r.Scale
	}

	r.renderPoints(renderer, r.Submap, submapColor, toCanvas)

	boxStyle := canvas.DefaultStyle
	boxStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	boxStyle.Stroke = canvas.Paint{Color: boxColor}
	boxStyle.StrokeWidth = 0.3 * r.Scale
	boxStyle.Dashes = []float64{2 * r.Scale, 2 * r.Scale}
	box := &canvas.Path{}
	x0, y0 := toCanvas(r.Bounds[0], r.Bounds[2])
	x1, y1 := toCanvas(r.Bounds[1], r.Bounds[3])
	box.MoveTo(x0, y0)
	box.LineTo(x1, y0)
	box.LineTo(x1, y1)
	box.LineTo(x0, y1)
	box.Close()
	renderer.RenderPath(box, boxStyle, canvas.Identity)

	if len(r.Trajectory) > 1 {
		lineStyle := canvas.DefaultStyle
		lineStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		lineStyle.Stroke = canvas.Paint{Color: trajectoryColor}
		lineStyle.StrokeWidth = 0.4 * r.Scale
		path := &canvas.Path{}
		for i, p := range r.Trajectory {
			cx, cy := toCanvas(p[0], p[1])
			if i == 0 {
				path.MoveTo(cx, cy)
			} else {
				path.LineTo(cx, cy)
			}
		}
		renderer.RenderPath(path, lineStyle, canvas.Identity)
	}

	r.renderPoints(renderer, r.Frame, frameColor, toCanvas)

	if r.Pose != nil {
		r.renderPose(renderer, *r.Pose, toCanvas)
	}
}

// renderPoints draws the cloud as one path of squares after thinning it to
// the point size grid
func (r *SubmapRenderer) renderPoints(renderer canvasRenderer, cloud PointCloud, c color.RGBA, toCanvas func(x, y float64) (float64, float64)) {
	if len(cloud) == 0 {
		return
	}
	thin, err := NewVoxelFilter(r3.Vector{X: r.PointSize, Y: r.PointSize, Z: 1e9})
	if err == nil {
		cloud = thin.Filter(cloud)
	}

	style := canvas.DefaultStyle
	style.Fill = canvas.Paint{Color: c}
	style.Stroke = canvas.Paint{Color: canvas.Transparent}

	half := r.PointSize * r.Scale / 2
	path := &canvas.Path{}
	for _, p := range cloud {
		cx, cy := toCanvas(p.X, p.Y)
		path.MoveTo(cx-half, cy-half)
		path.LineTo(cx+half, cy-half)
		path.LineTo(cx+half, cy+half)
		path.LineTo(cx-half, cy+half)
		path.Close()
	}
	renderer.RenderPath(path, style, canvas.Identity)
}

// renderPose draws a circle at the vehicle with a heading tick
func (r *SubmapRenderer) renderPose(renderer canvasRenderer, pose Pose, toCanvas func(x, y float64) (float64, float64)) {
	cx, cy := toCanvas(pose[3], pose[7])
	radius := 1.5 * r.Scale

	style := canvas.DefaultStyle
	style.Fill = canvas.Paint{Color: frameColor}
	style.Stroke = canvas.Paint{Color: canvas.Black}
	style.StrokeWidth = 0.2 * r.Scale
	renderer.RenderPath(canvas.Circle(radius).Translate(cx, cy), style, canvas.Identity)

	heading := pose.Apply(r3.Vector{X: 4})
	hx, hy := toCanvas(heading.X, heading.Y)
	tick := &canvas.Path{}
	tick.MoveTo(cx, cy)
	tick.LineTo(hx, hy)
	tickStyle := canvas.DefaultStyle
	tickStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	tickStyle.Stroke = canvas.Paint{Color: canvas.Black}
	tickStyle.StrokeWidth = 0.4 * r.Scale
	renderer.RenderPath(tick, tickStyle, canvas.Identity)
}
