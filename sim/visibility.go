package sim

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
)

const (
	// DefaultMaxViewingAngle matches the SLAM tracker's own test, which admits
	// a point when the cosine between its normal and the viewing ray is at
	// least 0.5.
	DefaultMaxViewingAngle = math.Pi / 3

	// minNormalNorm is the magnitude below which a normal counts as unknown.
	minNormalNorm = 1e-12

	// cosTolerance keeps a normal lying exactly on the threshold admitted
	// despite rounding in the cosine.
	cosTolerance = 1e-12
)

// Rejection names the test that excluded a landmark.
type Rejection int

const (
	RejectNone Rejection = iota
	RejectFrustum
	RejectDistance
	RejectAngle
)

func (r Rejection) String() string {
	switch r {
	case RejectNone:
		return "visible"
	case RejectFrustum:
		return "frustum"
	case RejectDistance:
		return "distance"
	case RejectAngle:
		return "angle"
	}
	return "unknown"
}

// VisiblePoint is one admitted landmark of a query.
type VisiblePoint struct {
	ID           LandmarkID
	World        r3.Vector
	Camera       r3.Vector
	Pixel        orb.Point // image-plane coordinate reported by the frustum model
	Distance     float64
	ViewingAngle float64      // radians; zero when the landmark has no normal
	Observation  *Observation // representative observation, nil if none recorded
}

// QueryStats counts how a query classified the landmark set.
type QueryStats struct {
	Evaluated int `json:"evaluated"`
	Visible   int `json:"visible"`
	Frustum   int `json:"rejectedFrustum"`
	Distance  int `json:"rejectedDistance"`
	Angle     int `json:"rejectedAngle"`
}

func (s *QueryStats) add(r Rejection) {
	s.Evaluated++
	switch r {
	case RejectNone:
		s.Visible++
	case RejectFrustum:
		s.Frustum++
	case RejectDistance:
		s.Distance++
	case RejectAngle:
		s.Angle++
	}
}

// Engine classifies landmarks as visible from a pose. It holds no mutable
// state, so one engine may serve concurrent queries.
type Engine struct {
	Camera FrustumModel

	// MaxViewingAngle is the largest admissible angle, in radians, between a
	// landmark's normal and the ray from the landmark to the camera.
	MaxViewingAngle float64

	// NormalsPointAway flips stored normals before the angle test, for clouds
	// whose normals are the mean camera-to-point direction.
	NormalsPointAway bool
}

// NewEngine creates an engine with the given frustum and angle threshold.
// A non-positive threshold selects DefaultMaxViewingAngle.
func NewEngine(camera FrustumModel, maxViewingAngle float64) *Engine {
	if maxViewingAngle <= 0 {
		maxViewingAngle = DefaultMaxViewingAngle
	}
	return &Engine{Camera: camera, MaxViewingAngle: maxViewingAngle}
}

// NewEngineFromConfig builds the engine described by the configuration.
func NewEngineFromConfig(config *Config) (*Engine, error) {
	camera, err := NewFrustumModel(config.Camera)
	if err != nil {
		return nil, err
	}
	e := NewEngine(camera, config.Visibility.MaxViewingAngleDeg*math.Pi/180)
	e.NormalsPointAway = config.Visibility.NormalsPointAway
	return e, nil
}

// Query returns the landmarks of cloud visible from pose, in store order.
func (e *Engine) Query(cloud *Cloud, pose Pose) ([]VisiblePoint, error) {
	visible, _, err := e.QueryWithStats(cloud, pose)
	return visible, err
}

// QueryWithStats is Query plus per-test rejection counts.
func (e *Engine) QueryWithStats(cloud *Cloud, pose Pose) ([]VisiblePoint, QueryStats, error) {
	_, tcw, err := ComposePose(pose)
	if err != nil {
		return nil, QueryStats{}, err
	}
	if cloud == nil {
		return []VisiblePoint{}, QueryStats{}, nil
	}
	visible, stats := e.query(cloud.Landmarks, tcw, pose.Position)
	return visible, stats, nil
}

// QueryTransform classifies landmarks against a precomputed world-to-camera
// transform and camera center. The result is never nil.
func (e *Engine) QueryTransform(landmarks []Landmark, tcw Transform, center r3.Vector) []VisiblePoint {
	visible, _ := e.query(landmarks, tcw, center)
	return visible
}

func (e *Engine) query(landmarks []Landmark, tcw Transform, center r3.Vector) ([]VisiblePoint, QueryStats) {
	var stats QueryStats
	cosLimit := math.Cos(e.MaxViewingAngle)
	visible := make([]VisiblePoint, 0)
	for i := range landmarks {
		vp, rej := e.classify(&landmarks[i], tcw, center, cosLimit)
		stats.add(rej)
		if rej == RejectNone {
			visible = append(visible, vp)
		}
	}
	return visible, stats
}

// Classify reports which test, if any, excludes the landmark.
func (e *Engine) Classify(l *Landmark, tcw Transform, center r3.Vector) Rejection {
	_, rej := e.classify(l, tcw, center, math.Cos(e.MaxViewingAngle))
	return rej
}

// classify runs the frustum, distance and viewing-angle tests in that order,
// stopping at the first failure.
func (e *Engine) classify(l *Landmark, tcw Transform, center r3.Vector, cosLimit float64) (VisiblePoint, Rejection) {
	cam := Project(tcw, l.Position)
	pixel, ok := e.Camera.Contains(cam)
	if !ok {
		return VisiblePoint{}, RejectFrustum
	}

	ray := center.Sub(l.Position)
	dist := ray.Norm()
	if dist < l.MinDistance || dist > l.MaxDistance {
		return VisiblePoint{}, RejectDistance
	}

	var angle float64
	if l.HasNormal() && dist > 0 {
		n := l.Normal
		if e.NormalsPointAway {
			n = n.Mul(-1)
		}
		cos := n.Dot(ray) / (n.Norm() * dist)
		if cos < cosLimit-cosTolerance {
			return VisiblePoint{}, RejectAngle
		}
		angle = math.Acos(math.Max(-1, math.Min(1, cos)))
	}

	return VisiblePoint{
		ID:           l.ID,
		World:        l.Position,
		Camera:       cam,
		Pixel:        pixel,
		Distance:     dist,
		ViewingAngle: angle,
		Observation:  representativeObservation(l.Observations),
	}, RejectNone
}

// representativeObservation picks the most recent observation: the highest
// frame id, preferring the later entry on ties.
func representativeObservation(obs []Observation) *Observation {
	if len(obs) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(obs); i++ {
		if obs[i].FrameID >= obs[best].FrameID {
			best = i
		}
	}
	o := obs[best]
	return &o
}

// VisibleIDs returns the identities of a visible set in its order.
func VisibleIDs(points []VisiblePoint) []LandmarkID {
	ids := make([]LandmarkID, len(points))
	for i, p := range points {
		ids[i] = p.ID
	}
	return ids
}
