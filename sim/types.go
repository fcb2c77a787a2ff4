package sim

import (
	"math"

	"github.com/golang/geo/r3"
)

// LandmarkID identifies a landmark by its position in the loaded cloud.
// Identity, not coordinates, decides whether a landmark was already seen.
type LandmarkID uint32

// Observation is one historical sighting of a landmark: the source frame and
// the keypoint coordinate in that frame's image plane.
type Observation struct {
	FrameID   int64   `json:"frameId"`
	KeypointX float64 `json:"kpX"`
	KeypointY float64 `json:"kpY"`
}

// Landmark is a reconstructed 3D map point with its admissibility metadata.
// Landmarks are never mutated after load.
type Landmark struct {
	ID           LandmarkID
	Position     r3.Vector
	MinDistance  float64
	MaxDistance  float64
	Normal       r3.Vector // zero when the point never received normal statistics
	Observations []Observation
}

// HasNormal reports whether the landmark carries a usable viewing direction.
func (l *Landmark) HasNormal() bool {
	return l.Normal.Norm() >= minNormalNorm
}

// Cloud is the landmark set of one session. It is read-only once built and
// may be shared between concurrent queries.
type Cloud struct {
	Landmarks []Landmark
	Version   int // format version found on load; 0 for headerless files
}

// NewCloud builds a cloud from landmarks, assigning identities in order.
func NewCloud(landmarks []Landmark) *Cloud {
	c := &Cloud{Landmarks: make([]Landmark, len(landmarks)), Version: CloudFormatVersion}
	for i, l := range landmarks {
		l.ID = LandmarkID(i)
		c.Landmarks[i] = l
	}
	return c
}

// Len returns the number of landmarks.
func (c *Cloud) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Landmarks)
}

// Landmark returns the landmark with the given identity.
func (c *Cloud) Landmark(id LandmarkID) (*Landmark, bool) {
	if c == nil || int(id) >= len(c.Landmarks) {
		return nil, false
	}
	return &c.Landmarks[id], true
}

// Subset returns a new cloud holding the given landmarks in store order.
// Identities are reassigned so the result can be saved and reloaded as is.
func (c *Cloud) Subset(ids []LandmarkID) *Cloud {
	out := make([]Landmark, 0, len(ids))
	for _, id := range ids {
		if l, ok := c.Landmark(id); ok {
			out = append(out, *l)
		}
	}
	return NewCloud(out)
}

// Bounds returns the axis-aligned bounding box of all landmark positions.
func (c *Cloud) Bounds() (min, max r3.Vector, ok bool) {
	if c.Len() == 0 {
		return r3.Vector{}, r3.Vector{}, false
	}
	min = r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	max = r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for _, l := range c.Landmarks {
		p := l.Position
		min = r3.Vector{X: math.Min(min.X, p.X), Y: math.Min(min.Y, p.Y), Z: math.Min(min.Z, p.Z)}
		max = r3.Vector{X: math.Max(max.X, p.X), Y: math.Max(max.Y, p.Y), Z: math.Max(max.Z, p.Z)}
	}
	return min, max, true
}

// ObservationCount returns the total number of observations in the cloud.
func (c *Cloud) ObservationCount() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, l := range c.Landmarks {
		n += len(l.Observations)
	}
	return n
}

// CloudSummary provides a summary of cloud contents
type CloudSummary struct {
	Landmarks    int       `json:"landmarks"`
	Observations int       `json:"observations"`
	WithNormal   int       `json:"withNormal"`
	Version      int       `json:"version"`
	Min          PointJSON `json:"min"`
	Max          PointJSON `json:"max"`
}

// Summarize extracts key information from a cloud
func Summarize(c *Cloud) CloudSummary {
	s := CloudSummary{
		Landmarks:    c.Len(),
		Observations: c.ObservationCount(),
	}
	if c != nil {
		s.Version = c.Version
		for i := range c.Landmarks {
			if c.Landmarks[i].HasNormal() {
				s.WithNormal++
			}
		}
	}
	if min, max, ok := c.Bounds(); ok {
		s.Min = toPointJSON(min)
		s.Max = toPointJSON(max)
	}
	return s
}

// PointJSON is the wire form of a 3D point.
type PointJSON struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func toPointJSON(v r3.Vector) PointJSON {
	return PointJSON{X: v.X, Y: v.Y, Z: v.Z}
}

// VisibleJSON is the wire form of a VisiblePoint.
type VisibleJSON struct {
	ID           LandmarkID   `json:"id"`
	Position     PointJSON    `json:"position"`
	Pixel        [2]float64   `json:"pixel"`
	Distance     float64      `json:"distance"`
	ViewingAngle float64      `json:"viewingAngle"`
	Observation  *Observation `json:"observation,omitempty"`
}

// NewVisibleJSON converts query results into their wire form.
func NewVisibleJSON(points []VisiblePoint) []VisibleJSON {
	out := make([]VisibleJSON, len(points))
	for i, vp := range points {
		out[i] = VisibleJSON{
			ID:           vp.ID,
			Position:     toPointJSON(vp.World),
			Pixel:        [2]float64{vp.Pixel.X(), vp.Pixel.Y()},
			Distance:     vp.Distance,
			ViewingAngle: vp.ViewingAngle,
			Observation:  vp.Observation,
		}
	}
	return out
}

// PoseMessage is the wire form of a pose used by HTTP and MQTT.
// Angles are radians.
type PoseMessage struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// Pose converts the message into a Pose.
func (m PoseMessage) Pose() Pose {
	return Pose{
		Position: r3.Vector{X: m.X, Y: m.Y, Z: m.Z},
		Yaw:      m.Yaw,
		Pitch:    m.Pitch,
		Roll:     m.Roll,
	}
}

// NewPoseMessage converts a pose into its wire form.
func NewPoseMessage(p Pose) PoseMessage {
	return PoseMessage{
		X: p.Position.X, Y: p.Position.Y, Z: p.Position.Z,
		Yaw: p.Yaw, Pitch: p.Pitch, Roll: p.Roll,
	}
}

// CloudConfig locates the landmark file.
type CloudConfig struct {
	Path  string `yaml:"path" json:"path"`
	URL   string `yaml:"url,omitempty" json:"url,omitempty"` // Optional HTTP source, fetched at startup
	Watch bool   `yaml:"watch,omitempty" json:"watch,omitempty"`
}

// CameraConfig selects and parameterizes the frustum model.
type CameraConfig struct {
	Model            string  `yaml:"model" json:"model"` // "pinhole" or "angular"
	Width            float64 `yaml:"width,omitempty" json:"width,omitempty"`
	Height           float64 `yaml:"height,omitempty" json:"height,omitempty"`
	Fx               float64 `yaml:"fx,omitempty" json:"fx,omitempty"`
	Fy               float64 `yaml:"fy,omitempty" json:"fy,omitempty"`
	Cx               float64 `yaml:"cx,omitempty" json:"cx,omitempty"`
	Cy               float64 `yaml:"cy,omitempty" json:"cy,omitempty"`
	HorizontalFovDeg float64 `yaml:"horizontalFovDeg,omitempty" json:"horizontalFovDeg,omitempty"`
	VerticalFovDeg   float64 `yaml:"verticalFovDeg,omitempty" json:"verticalFovDeg,omitempty"`
}

// VisibilityConfig holds the viewing-angle test settings.
type VisibilityConfig struct {
	MaxViewingAngleDeg float64 `yaml:"maxViewingAngleDeg" json:"maxViewingAngleDeg"`
	NormalsPointAway   bool    `yaml:"normalsPointAway,omitempty" json:"normalsPointAway,omitempty"` // true for ORB-SLAM exports (camera->point normals)
}

// PoseConfig is a pose as written in YAML. Angles are radians.
type PoseConfig struct {
	X     float64 `yaml:"x" json:"x"`
	Y     float64 `yaml:"y" json:"y"`
	Z     float64 `yaml:"z" json:"z"`
	Yaw   float64 `yaml:"yaw" json:"yaw"`
	Pitch float64 `yaml:"pitch" json:"pitch"`
	Roll  float64 `yaml:"roll" json:"roll"`
}

// Pose converts the configured start pose.
func (pc PoseConfig) Pose() Pose {
	return PoseMessage(pc).Pose()
}

// MovementConfig holds the navigator step sizes.
type MovementConfig struct {
	MovingScale float64 `yaml:"movingScale" json:"movingScale"`
	RotateScale float64 `yaml:"rotateScale" json:"rotateScale"` // radians per key press
}

// AlignmentConfig points at an optional 4x4 alignment matrix.
type AlignmentConfig struct {
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// OutputConfig controls where scan results are written.
type OutputConfig struct {
	Dir     string `yaml:"dir" json:"dir"`
	OnlyNew bool   `yaml:"onlyNew,omitempty" json:"onlyNew,omitempty"`
	Legacy  bool   `yaml:"legacyFormat,omitempty" json:"legacyFormat,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker      string `yaml:"broker" json:"broker"`
	TopicPrefix string `yaml:"topicPrefix" json:"topicPrefix"`
	ClientID    string `yaml:"clientId" json:"clientId"`
	Username    string `yaml:"username,omitempty" json:"username,omitempty"`
	Password    string `yaml:"password,omitempty" json:"password,omitempty"`
	QoS         int    `yaml:"qos,omitempty" json:"qos,omitempty"`       // for published steps and summaries
	Retain      bool   `yaml:"retain,omitempty" json:"retain,omitempty"` // retain step messages
}

// HTTPConfig holds the service listener settings.
type HTTPConfig struct {
	Port int `yaml:"port" json:"port"`
}

// Config represents the full configuration file
type Config struct {
	Cloud      CloudConfig      `yaml:"cloud" json:"cloud"`
	Camera     CameraConfig     `yaml:"camera" json:"camera"`
	Visibility VisibilityConfig `yaml:"visibility" json:"visibility"`
	Start      PoseConfig       `yaml:"start" json:"start"`
	Movement   MovementConfig   `yaml:"movement" json:"movement"`
	Alignment  AlignmentConfig  `yaml:"alignment,omitempty" json:"alignment,omitempty"`
	Output     OutputConfig     `yaml:"output" json:"output"`
	MQTT       MQTTConfig       `yaml:"mqtt" json:"mqtt"`
	HTTP       HTTPConfig       `yaml:"http" json:"http"`
	Debug      bool             `yaml:"debug,omitempty" json:"debug,omitempty"`
}
