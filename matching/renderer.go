package matching

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// MapRenderer rasterizes a top-down view of a point cloud coloured by
// height, with the trajectory, the ROI box and a text legend on top
type MapRenderer struct {
	Cloud      PointCloud
	Trajectory *Trajectory
	Bounds     *[6]float64 // ROI box, optional
	Scale      float64     // pixels per metre
	Padding    int
	MaxSize    int
}

// NewMapRenderer creates a renderer with 2 px per metre
func NewMapRenderer(cloud PointCloud) *MapRenderer {
	return &MapRenderer{
		Cloud:   cloud,
		Scale:   2.0,
		Padding: 20,
		MaxSize: 4000,
	}
}

// extent returns the XY bounds of everything drawn
func (r *MapRenderer) extent() (minX, minY, maxX, maxY float64, ok bool) {
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	grow := func(x, y float64) {
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
		ok = true
	}
	for _, p := range r.Cloud {
		grow(p.X, p.Y)
	}
	if r.Trajectory != nil {
		for _, p := range r.Trajectory.Points {
			grow(p.Pose[3], p.Pose[7])
		}
	}
	if r.Bounds != nil {
		grow(r.Bounds[0], r.Bounds[2])
		grow(r.Bounds[1], r.Bounds[3])
	}
	return minX, minY, maxX, maxY, ok
}

// Render creates the image
func (r *MapRenderer) Render() *image.RGBA {
	minX, minY, maxX, maxY, ok := r.extent()
	if !ok {
		minX, minY, maxX, maxY = 0, 0, 0, 0
	}

	scale := r.Scale
	width := int((maxX-minX)*scale) + 2*r.Padding + 1
	height := int((maxY-minY)*scale) + 2*r.Padding + 1
	if r.MaxSize > 0 && (width > r.MaxSize || height > r.MaxSize) {
		avail := float64(r.MaxSize - 2*r.Padding - 1)
		if span := math.Max(maxX-minX, maxY-minY); avail > 0 && span > 0 {
			scale = math.Min(scale, avail/span)
		}
		width = int((maxX-minX)*scale) + 2*r.Padding + 1
		height = int((maxY-minY)*scale) + 2*r.Padding + 1
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{245, 245, 245, 255}), image.Point{}, draw.Src)

	// image rows grow downward, world y grows upward
	toImage := func(x, y float64) (int, int) {
		ix := int((x-minX)*scale) + r.Padding
		iy := height - 1 - (int((y-minY)*scale) + r.Padding)
		return ix, iy
	}
	inside := func(x, y int) bool {
		return x >= 0 && x < width && y >= 0 && y < height
	}

	lo, hi, _ := zRange(r.Cloud)
	for _, p := range r.Cloud {
		ix, iy := toImage(p.X, p.Y)
		if inside(ix, iy) {
			img.Set(ix, iy, heightColor(p.Z, lo, hi))
		}
	}

	if r.Bounds != nil {
		b := *r.Bounds
		x0, y0 := toImage(b[0], b[2])
		x1, y1 := toImage(b[1], b[3])
		boxRGBA := color.RGBA{40, 40, 40, 255}
		drawLine(img, x0, y0, x1, y0, boxRGBA)
		drawLine(img, x1, y0, x1, y1, boxRGBA)
		drawLine(img, x1, y1, x0, y1, boxRGBA)
		drawLine(img, x0, y1, x0, y0, boxRGBA)
	}

	poses := 0
	if r.Trajectory != nil && r.Trajectory.Len() > 0 {
		pts := r.Trajectory.Points
		poses = len(pts)
		for i := 1; i < len(pts); i++ {
			ax, ay := toImage(pts[i-1].Pose[3], pts[i-1].Pose[7])
			bx, by := toImage(pts[i].Pose[3], pts[i].Pose[7])
			drawLine(img, ax, ay, bx, by, trajectoryColor)
		}
		last := pts[len(pts)-1].Pose
		cx, cy := toImage(last[3], last[7])
		drawCircle(img, cx, cy, 4, frameColor)
	}

	r.drawLegend(img, lo, hi, poses)
	return img
}

// RenderPNG encodes the image to w
func (r *MapRenderer) RenderPNG(w io.Writer) error {
	return png.Encode(w, r.Render())
}

// SavePNG writes the image to path
func (r *MapRenderer) SavePNG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer func() { _ = f.Close() }()
	return r.RenderPNG(f)
}

func (r *MapRenderer) drawLegend(img *image.RGBA, lo, hi float64, poses int) {
	black := color.RGBA{0, 0, 0, 255}
	lines := []string{
		fmt.Sprintf("points %d", len(r.Cloud)),
		fmt.Sprintf("z %.1f .. %.1f m", lo, hi),
	}
	if poses > 0 {
		lines = append(lines, fmt.Sprintf("poses %d", poses))
	}
	y := 15
	for _, line := range lines {
		drawText(img, 8, y, line, black)
		y += 15
	}
}

func zRange(cloud PointCloud) (lo, hi float64, ok bool) {
	if len(cloud) == 0 {
		return 0, 0, false
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, p := range cloud {
		lo = math.Min(lo, p.Z)
		hi = math.Max(hi, p.Z)
	}
	return lo, hi, true
}

// heightColor maps z onto a blue to yellow ramp
func heightColor(z, lo, hi float64) color.RGBA {
	t := 0.5
	if hi > lo {
		t = (z - lo) / (hi - lo)
	}
	return color.RGBA{
		R: uint8(40 + 215*t),
		G: uint8(60 + 160*t),
		B: uint8(200 - 170*t),
		A: 255,
	}
}

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
		if image.Pt(x0, y0).In(img.Rect) {
			img.SetRGBA(x0, y0, c)
		}
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

func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius && image.Pt(cx+dx, cy+dy).In(img.Rect) {
				img.SetRGBA(cx+dx, cy+dy, c)
			}
		}
	}
}

func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
