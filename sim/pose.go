package sim

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"golang.org/x/image/math/f64"
)

// Transform is a 4x4 homogeneous rigid transform stored row-major:
// element (r, c) lives at index r*4+c.
type Transform f64.Mat4

// IdentityTransform returns the identity transform.
func IdentityTransform() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// At returns element (r, c).
func (t Transform) At(r, c int) float64 {
	return t[r*4+c]
}

// Apply maps a point through the transform.
func (t Transform) Apply(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: t[0]*p.X + t[1]*p.Y + t[2]*p.Z + t[3],
		Y: t[4]*p.X + t[5]*p.Y + t[6]*p.Z + t[7],
		Z: t[8]*p.X + t[9]*p.Y + t[10]*p.Z + t[11],
	}
}

// ApplyDirection maps a direction through the rotation part only.
func (t Transform) ApplyDirection(d r3.Vector) r3.Vector {
	return r3.Vector{
		X: t[0]*d.X + t[1]*d.Y + t[2]*d.Z,
		Y: t[4]*d.X + t[5]*d.Y + t[6]*d.Z,
		Z: t[8]*d.X + t[9]*d.Y + t[10]*d.Z,
	}
}

// Mul composes two transforms: result = t * o.
// Applying the result is equivalent to applying o first, then t.
func (t Transform) Mul(o Transform) Transform {
	var out Transform
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += t[r*4+k] * o[k*4+c]
			}
			out[r*4+c] = s
		}
	}
	return out
}

// Translation returns the translation column.
func (t Transform) Translation() r3.Vector {
	return r3.Vector{X: t[3], Y: t[7], Z: t[11]}
}

// InverseRigid inverts a rigid transform: rotation transposed, translation
// re-projected through it.
func (t Transform) InverseRigid() Transform {
	out := Transform{
		t[0], t[4], t[8], 0,
		t[1], t[5], t[9], 0,
		t[2], t[6], t[10], 0,
		0, 0, 0, 1,
	}
	tr := out.ApplyDirection(t.Translation())
	out[3], out[7], out[11] = -tr.X, -tr.Y, -tr.Z
	return out
}

// Pose is a camera position with yaw, pitch and roll in radians.
//
// The camera frame is X right, Y down, Z forward. With all angles zero the
// camera looks down world +Z. Yaw turns about the vertical (Y) axis, pitch
// about the lateral (X) axis and roll about the forward (Z) axis, applied
// intrinsically in that order: R = Ry(yaw) * Rx(pitch) * Rz(roll).
type Pose struct {
	Position r3.Vector
	Yaw      float64
	Pitch    float64
	Roll     float64
}

// Validate rejects poses with non-finite members.
func (p Pose) Validate() error {
	for _, v := range []struct {
		name string
		val  float64
	}{
		{"x", p.Position.X}, {"y", p.Position.Y}, {"z", p.Position.Z},
		{"yaw", p.Yaw}, {"pitch", p.Pitch}, {"roll", p.Roll},
	} {
		if math.IsNaN(v.val) || math.IsInf(v.val, 0) {
			return fmt.Errorf("%w: %s is %v", ErrInvalidPose, v.name, v.val)
		}
	}
	return nil
}

// String formats the pose for logs.
func (p Pose) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.3f) yaw=%.3f pitch=%.3f roll=%.3f",
		p.Position.X, p.Position.Y, p.Position.Z, p.Yaw, p.Pitch, p.Roll)
}

// rotation returns the 3x3 camera-to-world rotation, row-major.
func (p Pose) rotation() [9]float64 {
	sy, cy := math.Sincos(p.Yaw)
	sp, cp := math.Sincos(p.Pitch)
	sr, cr := math.Sincos(p.Roll)
	return [9]float64{
		cy*cr + sy*sp*sr, -cy*sr + sy*sp*cr, sy * cp,
		cp * sr, cp * cr, -sp,
		-sy*cr + cy*sp*sr, sy*sr + cy*sp*cr, cy * cp,
	}
}

// Forward is the camera's viewing direction in world coordinates.
func (p Pose) Forward() r3.Vector {
	r := p.rotation()
	return r3.Vector{X: r[2], Y: r[5], Z: r[8]}
}

// Right is the camera's +X axis in world coordinates.
func (p Pose) Right() r3.Vector {
	r := p.rotation()
	return r3.Vector{X: r[0], Y: r[3], Z: r[6]}
}

// ComposePose builds the camera-to-world transform Twc and its inverse Tcw.
// Non-finite input is rejected with ErrInvalidPose; any finite pose yields a
// proper rigid transform.
func ComposePose(p Pose) (twc, tcw Transform, err error) {
	if err := p.Validate(); err != nil {
		return Transform{}, Transform{}, err
	}
	r := p.rotation()
	twc = Transform{
		r[0], r[1], r[2], p.Position.X,
		r[3], r[4], r[5], p.Position.Y,
		r[6], r[7], r[8], p.Position.Z,
		0, 0, 0, 1,
	}
	return twc, twc.InverseRigid(), nil
}

// Project maps a world point into the camera frame described by tcw.
func Project(tcw Transform, world r3.Vector) r3.Vector {
	return tcw.Apply(world)
}

// gimbalEpsilon is how close |sin(pitch)| may get to 1 before yaw and roll
// are no longer separable.
const gimbalEpsilon = 1e-9

// PoseFromTransform recovers the pose that ComposePose would map to twc.
// At pitch = ±90° yaw and roll are coupled; roll is reported as zero.
func PoseFromTransform(twc Transform) Pose {
	sp := -twc.At(1, 2)
	sp = math.Max(-1, math.Min(1, sp))
	p := Pose{
		Position: twc.Translation(),
		Pitch:    math.Asin(sp),
	}
	if 1-math.Abs(sp) < gimbalEpsilon {
		p.Yaw = math.Atan2(-twc.At(2, 0), twc.At(0, 0))
		return p
	}
	p.Yaw = math.Atan2(twc.At(0, 2), twc.At(2, 2))
	p.Roll = math.Atan2(twc.At(1, 0), twc.At(1, 1))
	return p
}

// NormalizeAngle wraps an angle in radians into (-pi, pi].
func NormalizeAngle(rad float64) float64 {
	rad = math.Mod(rad, 2*math.Pi)
	if rad > math.Pi {
		rad -= 2 * math.Pi
	} else if rad <= -math.Pi {
		rad += 2 * math.Pi
	}
	return rad
}
