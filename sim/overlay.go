package sim

import (
	"image/color"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/svg"
)

// OverlayRenderer draws a plan view of a coverage snapshot as SVG: unseen
// landmarks in light grey, seen in black, newly seen in red, the trajectory
// as a grey line and the camera as a blue marker.
type OverlayRenderer struct {
	Scale       float64 // canvas millimeters per world unit
	Padding     float64 // canvas millimeters around the content
	PointRadius float64 // canvas millimeters
	GridSpacing float64 // world units; 0 disables the grid
	ShowUnseen  bool
}

// NewOverlayRenderer creates an overlay renderer with default settings
func NewOverlayRenderer() *OverlayRenderer {
	return &OverlayRenderer{
		Scale:       50.0,
		Padding:     20.0,
		PointRadius: 1.0,
		GridSpacing: 1.0,
		ShowUnseen:  true,
	}
}

var (
	unseenColor = color.RGBA{R: 0xd3, G: 0xd3, B: 0xd3, A: 0xff}
	newColor    = color.RGBA{R: 0xff, A: 0xff}
	cameraColor = color.RGBA{B: 0xff, A: 0xff}
)

// canvasRenderer is the subset of the canvas renderers used here
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the overlay as an SVG to the provided writer
func (r *OverlayRenderer) RenderToSVG(w io.Writer, c Coverage) error {
	bound, ok := PlanBound(c.Cloud, c.Trajectory)
	if !ok {
		bound = orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}
	}

	width := (bound.Right()-bound.Left())*r.Scale + 2*r.Padding
	height := (bound.Top()-bound.Bottom())*r.Scale + 2*r.Padding

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, c, bound, width, height)
	return svgRenderer.Close()
}

func (r *OverlayRenderer) renderToCanvas(renderer canvasRenderer, c Coverage, bound orb.Bound, width, height float64) {
	toCanvas := func(p orb.Point) (float64, float64) {
		return (p.X()-bound.Left())*r.Scale + r.Padding, (p.Y()-bound.Bottom())*r.Scale + r.Padding
	}

	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	bgStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: unseenColor}
		gridStyle.StrokeWidth = 0.2
		gridStyle.Dashes = []float64{1.0, 1.0}

		for x := math.Floor(bound.Left()/r.GridSpacing) * r.GridSpacing; x <= bound.Right(); x += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := toCanvas(orb.Point{x, bound.Bottom()})
			x2, y2 := toCanvas(orb.Point{x, bound.Top()})
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
		for y := math.Floor(bound.Bottom()/r.GridSpacing) * r.GridSpacing; y <= bound.Top(); y += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := toCanvas(orb.Point{bound.Left(), y})
			x2, y2 := toCanvas(orb.Point{bound.Right(), y})
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
	}

	drawPoints := func(ids []LandmarkID, color canvas.Paint) {
		style := canvas.DefaultStyle
		style.Fill = color
		style.Stroke = canvas.Paint{Color: canvas.Transparent}
		for _, p := range landmarkPoints(c.Cloud, ids) {
			cx, cy := toCanvas(p)
			renderer.RenderPath(canvas.Circle(r.PointRadius).Translate(cx, cy), style, canvas.Identity)
		}
	}

	if r.ShowUnseen && c.Cloud != nil {
		seen := make(map[LandmarkID]bool, len(c.Seen))
		for _, id := range c.Seen {
			seen[id] = true
		}
		var unseen []LandmarkID
		for i := range c.Cloud.Landmarks {
			if id := c.Cloud.Landmarks[i].ID; !seen[id] {
				unseen = append(unseen, id)
			}
		}
		drawPoints(unseen, canvas.Paint{Color: unseenColor})
	}
	drawPoints(c.Seen, canvas.Paint{Color: canvas.Black})
	drawPoints(c.NewlySeen, canvas.Paint{Color: newColor})

	if len(c.Trajectory) >= 2 {
		trajStyle := canvas.DefaultStyle
		trajStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		trajStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		trajStyle.StrokeWidth = 0.5

		path := &canvas.Path{}
		for i, p := range c.Trajectory {
			cx, cy := toCanvas(TopDown(p.Position))
			if i == 0 {
				path.MoveTo(cx, cy)
			} else {
				path.LineTo(cx, cy)
			}
		}
		renderer.RenderPath(path, trajStyle, canvas.Identity)
	}

	if n := len(c.Trajectory); n > 0 {
		cur := c.Trajectory[n-1]
		cx, cy := toCanvas(TopDown(cur.Position))

		camStyle := canvas.DefaultStyle
		camStyle.Fill = canvas.Paint{Color: cameraColor}
		camStyle.Stroke = canvas.Paint{Color: canvas.Black}
		camStyle.StrokeWidth = 0.3
		renderer.RenderPath(canvas.Circle(3*r.PointRadius).Translate(cx, cy), camStyle, canvas.Identity)

		// Heading indicator.
		h := Heading(cur)
		dirLen := 8 * r.PointRadius
		dirStyle := canvas.DefaultStyle
		dirStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		dirStyle.Stroke = canvas.Paint{Color: cameraColor}
		dirStyle.StrokeWidth = 0.8

		dirPath := &canvas.Path{}
		dirPath.MoveTo(cx, cy)
		dirPath.LineTo(cx+dirLen*math.Cos(h), cy+dirLen*math.Sin(h))
		renderer.RenderPath(dirPath, dirStyle, canvas.Identity)
	}
}
