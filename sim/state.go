package sim

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SessionFileName is the JSON report written next to a finished scan.
const SessionFileName = "session.json"

// StateTracker serializes access to the live session for the HTTP and MQTT
// front ends. Stateless queries share a read lock; steps take the write lock.
type StateTracker struct {
	mu        sync.RWMutex
	engine    *Engine
	session   *Session
	last      *StepResult
	updatedAt time.Time
	outputDir string // where Finish writes scan results; empty disables persistence
	onlyNew   bool
	saveOpts  []SaveOption
	written   bool // results of the finished session are on disk
}

// NewStateTracker creates a tracker with an idle session over cloud.
func NewStateTracker(cloud *Cloud, engine *Engine) *StateTracker {
	return &StateTracker{
		engine:  engine,
		session: NewSession(cloud, engine),
	}
}

// SetOutput enables writing scan results on Finish.
func (st *StateTracker) SetOutput(dir string, onlyNew bool, opts ...SaveOption) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.outputDir = dir
	st.onlyNew = onlyNew
	st.saveOpts = opts
}

// Cloud returns the current landmark set.
func (st *StateTracker) Cloud() *Cloud {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.session.Cloud()
}

// Query evaluates a pose without touching the session.
func (st *StateTracker) Query(pose Pose) ([]VisiblePoint, QueryStats, error) {
	st.mu.RLock()
	cloud := st.session.Cloud()
	st.mu.RUnlock()
	return st.engine.QueryWithStats(cloud, pose)
}

// Step advances the session.
func (st *StateTracker) Step(pose Pose) (StepResult, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	res, err := st.session.Step(pose)
	if err != nil {
		return StepResult{}, err
	}
	st.last = &res
	st.updatedAt = time.Now()
	return res, nil
}

// Finish closes the session and, when an output directory is set, writes the
// scanned cloud, the trajectory and a JSON summary. Results are written once;
// if writing fails the session stays finished and the next Finish retries.
func (st *StateTracker) Finish() (*ScanFiles, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.session.Finish()
	st.updatedAt = time.Now()
	if st.outputDir == "" || st.written {
		return nil, nil
	}

	files, err := WriteScanResults(st.outputDir, st.session, st.onlyNew, st.saveOpts...)
	if err != nil {
		return nil, err
	}
	st.written = true
	report := SessionReport{Summary: st.session.Summary(), Files: files}
	if err := SaveSessionReport(report, filepath.Join(st.outputDir, SessionFileName)); err != nil {
		log.Printf("Warning: %v", err)
	}
	return &files, nil
}

// Reset starts a new session over the same cloud.
func (st *StateTracker) Reset() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.session.Reset()
	st.last = nil
	st.written = false
	st.updatedAt = time.Now()
}

// ReplaceCloud swaps in a reloaded landmark set. Identities of the old set
// are meaningless for the new one, so the session starts over.
func (st *StateTracker) ReplaceCloud(cloud *Cloud) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.session = NewSession(cloud, st.engine)
	st.last = nil
	st.written = false
	st.updatedAt = time.Now()
}

// Summary returns a snapshot of the session.
func (st *StateTracker) Summary() SessionSummary {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.session.Summary()
}

// LastStep returns a copy of the most recent step result.
func (st *StateTracker) LastStep() (StepResult, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.last == nil {
		return StepResult{}, false
	}
	return *st.last, true
}

// UpdatedAt is the time of the last state change.
func (st *StateTracker) UpdatedAt() time.Time {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.updatedAt
}

// Coverage captures what has been seen so far for export.
type Coverage struct {
	Cloud      *Cloud
	Seen       []LandmarkID
	NewlySeen  []LandmarkID
	Trajectory []Pose
	Summary    SessionSummary
}

// Coverage returns a consistent snapshot of the session's coverage.
func (st *StateTracker) Coverage() Coverage {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return SessionCoverage(st.session)
}

// SessionCoverage snapshots a session directly.
func SessionCoverage(s *Session) Coverage {
	return Coverage{
		Cloud:      s.Cloud(),
		Seen:       s.Seen(),
		NewlySeen:  VisibleIDs(s.LastNewlyVisible()),
		Trajectory: s.Trajectory(),
		Summary:    s.Summary(),
	}
}

// SessionReport is the JSON document written when a scan finishes.
type SessionReport struct {
	Summary SessionSummary `json:"summary"`
	Files   ScanFiles      `json:"files"`
}

// SaveSessionReport writes a SessionReport to disk as JSON.
func SaveSessionReport(r SessionReport, path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write session report: %w", err)
	}
	return nil
}

// LoadSessionReport reads a SessionReport from a JSON file on disk.
func LoadSessionReport(path string) (*SessionReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session report: %w", err)
	}
	var r SessionReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal session report: %w", err)
	}
	return &r, nil
}
