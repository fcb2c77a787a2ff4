package sim

import (
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"
)

// SessionState is the lifecycle stage of an exploration session.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionActive
	SessionFinished
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionActive:
		return "active"
	case SessionFinished:
		return "finished"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// StepResult is the outcome of one Step.
type StepResult struct {
	SessionID    string
	Index        int
	Pose         Pose
	Visible      []VisiblePoint
	NewlyVisible []VisiblePoint
	Seen         []LandmarkID // cumulative, ascending
	Stats        QueryStats
}

// Session accumulates which landmarks have been seen along a sequence of
// poses. Landmarks are deduplicated by identity.
//
// A Session is driven by a single loop; it must not receive concurrent calls.
type Session struct {
	id        string
	cloud     *Cloud
	engine    *Engine
	state     SessionState
	seen      *roaring.Bitmap
	steps     int
	poses     []Pose
	lastNew   []VisiblePoint
	startedAt time.Time
}

// NewSession creates an idle session over cloud.
func NewSession(cloud *Cloud, engine *Engine) *Session {
	return &Session{
		id:     uuid.NewString(),
		cloud:  cloud,
		engine: engine,
		seen:   roaring.New(),
	}
}

// ID identifies the current run; it changes on Reset.
func (s *Session) ID() string { return s.id }

// State returns the lifecycle stage.
func (s *Session) State() SessionState { return s.state }

// Cloud returns the landmark set the session reads.
func (s *Session) Cloud() *Cloud { return s.cloud }

// Steps returns the number of accepted steps.
func (s *Session) Steps() int { return s.steps }

// StartedAt is the time of the first step, zero while idle.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Step queries the engine at pose, records the landmarks not seen before and
// returns them together with the cumulative seen set. A finished session
// rejects the call with ErrSessionClosed and is left unchanged.
func (s *Session) Step(pose Pose) (StepResult, error) {
	if s.state == SessionFinished {
		return StepResult{}, ErrSessionClosed
	}
	visible, stats, err := s.engine.QueryWithStats(s.cloud, pose)
	if err != nil {
		return StepResult{}, err
	}

	if s.state == SessionIdle {
		s.state = SessionActive
		s.startedAt = time.Now()
	}

	newly := make([]VisiblePoint, 0)
	for _, vp := range visible {
		if s.seen.CheckedAdd(uint32(vp.ID)) {
			newly = append(newly, vp)
		}
	}

	s.steps++
	s.poses = append(s.poses, pose)
	s.lastNew = newly

	return StepResult{
		SessionID:    s.id,
		Index:        s.steps,
		Pose:         pose,
		Visible:      visible,
		NewlyVisible: newly,
		Seen:         s.Seen(),
		Stats:        stats,
	}, nil
}

// Finish closes the session. Finishing a finished session is a no-op.
func (s *Session) Finish() {
	s.state = SessionFinished
}

// Reset returns the session to Idle with an empty seen set and trajectory.
func (s *Session) Reset() {
	s.id = uuid.NewString()
	s.state = SessionIdle
	s.seen.Clear()
	s.steps = 0
	s.poses = nil
	s.lastNew = nil
	s.startedAt = time.Time{}
}

// Seen returns the identities seen so far in ascending (store) order.
func (s *Session) Seen() []LandmarkID {
	raw := s.seen.ToArray()
	ids := make([]LandmarkID, len(raw))
	for i, v := range raw {
		ids[i] = LandmarkID(v)
	}
	return ids
}

// SeenCount returns the size of the seen set.
func (s *Session) SeenCount() int {
	return int(s.seen.GetCardinality())
}

// HasSeen reports whether id was seen in this session.
func (s *Session) HasSeen(id LandmarkID) bool {
	return s.seen.Contains(uint32(id))
}

// LastNewlyVisible returns the delta of the most recent step.
func (s *Session) LastNewlyVisible() []VisiblePoint {
	out := make([]VisiblePoint, len(s.lastNew))
	copy(out, s.lastNew)
	return out
}

// Trajectory returns the poses accepted so far.
func (s *Session) Trajectory() []Pose {
	out := make([]Pose, len(s.poses))
	copy(out, s.poses)
	return out
}

// Scanned returns the seen landmarks as a standalone cloud in store order.
func (s *Session) Scanned() *Cloud {
	return s.cloud.Subset(s.Seen())
}

// ScannedNew returns only the landmarks first seen on the most recent step.
func (s *Session) ScannedNew() *Cloud {
	return s.cloud.Subset(VisibleIDs(s.lastNew))
}

// SessionSummary is a snapshot of a session for reporting.
type SessionSummary struct {
	ID          string       `json:"id"`
	State       string       `json:"state"`
	Steps       int          `json:"steps"`
	Seen        int          `json:"seen"`
	LastNew     int          `json:"lastNew"`
	Landmarks   int          `json:"landmarks"`
	Coverage    float64      `json:"coverage"` // fraction of the cloud seen
	StartedAt   time.Time    `json:"startedAt,omitzero"`
	CurrentPose *PoseMessage `json:"currentPose,omitempty"`
}

// Summary returns a snapshot of the session.
func (s *Session) Summary() SessionSummary {
	sum := SessionSummary{
		ID:        s.id,
		State:     s.state.String(),
		Steps:     s.steps,
		Seen:      s.SeenCount(),
		LastNew:   len(s.lastNew),
		Landmarks: s.cloud.Len(),
		StartedAt: s.startedAt,
	}
	if sum.Landmarks > 0 {
		sum.Coverage = float64(sum.Seen) / float64(sum.Landmarks)
	}
	if n := len(s.poses); n > 0 {
		pm := NewPoseMessage(s.poses[n-1])
		sum.CurrentPose = &pm
	}
	return sum
}
