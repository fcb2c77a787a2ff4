package sim

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
)

// FrustumModel decides whether a camera-frame point lies inside the field of
// view. Contains returns the point's image-plane coordinate when it does.
type FrustumModel interface {
	Contains(cam r3.Vector) (orb.Point, bool)
}

// PinholeCamera is a projective frustum defined by intrinsics. A point is
// inside when it has positive depth and projects onto the image rectangle
// [0, Width] x [0, Height].
type PinholeCamera struct {
	Width, Height float64
	Fx, Fy        float64
	Cx, Cy        float64
}

// NewPinholeCamera returns intrinsics with the principal point at the image
// center.
func NewPinholeCamera(width, height, fx, fy float64) PinholeCamera {
	return PinholeCamera{
		Width:  width,
		Height: height,
		Fx:     fx,
		Fy:     fy,
		Cx:     width / 2,
		Cy:     height / 2,
	}
}

// Validate checks that the intrinsics describe a usable camera.
func (c PinholeCamera) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid image size %vx%v", c.Width, c.Height)
	}
	if c.Fx <= 0 || c.Fy <= 0 {
		return fmt.Errorf("invalid focal length fx=%v fy=%v", c.Fx, c.Fy)
	}
	return nil
}

// Bound is the image rectangle in pixels.
func (c PinholeCamera) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{c.Width, c.Height}}
}

// PointToPixel projects a camera-frame point with positive depth.
func (c PinholeCamera) PointToPixel(cam r3.Vector) orb.Point {
	return orb.Point{
		c.Fx*cam.X/cam.Z + c.Cx,
		c.Fy*cam.Y/cam.Z + c.Cy,
	}
}

func (c PinholeCamera) Contains(cam r3.Vector) (orb.Point, bool) {
	if cam.Z <= 0 {
		return orb.Point{}, false
	}
	px := c.PointToPixel(cam)
	return px, c.Bound().Contains(px)
}

// AngularFrustum is a field of view given as full horizontal and vertical
// apertures in radians. Contains reports normalized image coordinates
// (x/z, y/z).
type AngularFrustum struct {
	HorizontalFOV float64
	VerticalFOV   float64
}

// Validate checks both apertures lie in (0, pi).
func (f AngularFrustum) Validate() error {
	if f.HorizontalFOV <= 0 || f.HorizontalFOV >= math.Pi {
		return fmt.Errorf("invalid horizontal field of view %v", f.HorizontalFOV)
	}
	if f.VerticalFOV <= 0 || f.VerticalFOV >= math.Pi {
		return fmt.Errorf("invalid vertical field of view %v", f.VerticalFOV)
	}
	return nil
}

func (f AngularFrustum) Contains(cam r3.Vector) (orb.Point, bool) {
	if cam.Z <= 0 {
		return orb.Point{}, false
	}
	if math.Abs(math.Atan2(cam.X, cam.Z)) > f.HorizontalFOV/2 {
		return orb.Point{}, false
	}
	if math.Abs(math.Atan2(cam.Y, cam.Z)) > f.VerticalFOV/2 {
		return orb.Point{}, false
	}
	return orb.Point{cam.X / cam.Z, cam.Y / cam.Z}, true
}

// NewFrustumModel builds the frustum described by the camera section of the
// configuration.
func NewFrustumModel(cc CameraConfig) (FrustumModel, error) {
	switch cc.Model {
	case "", "pinhole":
		cam := PinholeCamera{Width: cc.Width, Height: cc.Height, Fx: cc.Fx, Fy: cc.Fy, Cx: cc.Cx, Cy: cc.Cy}
		if cam.Cx == 0 && cam.Cy == 0 {
			cam.Cx, cam.Cy = cam.Width/2, cam.Height/2
		}
		if err := cam.Validate(); err != nil {
			return nil, fmt.Errorf("camera: %w", err)
		}
		return cam, nil
	case "angular":
		f := AngularFrustum{
			HorizontalFOV: cc.HorizontalFovDeg * math.Pi / 180,
			VerticalFOV:   cc.VerticalFovDeg * math.Pi / 180,
		}
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("camera: %w", err)
		}
		return f, nil
	default:
		return nil, errors.New("camera: unknown model " + cc.Model)
	}
}
