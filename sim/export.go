package sim

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	ScannedFileName    = "scanned.csv"
	ScannedNewFileName = "scanned-new.csv"
	TrajectoryFileName = "trajectory.csv"
)

// ScanFiles lists what WriteScanResults produced.
type ScanFiles struct {
	Cloud      string `json:"cloud"`
	Trajectory string `json:"trajectory"`
	Landmarks  int    `json:"landmarks"`
}

// WriteScanResults saves the session's scanned cloud and trajectory into
// dir. With onlyNew set, just the landmarks first seen on the last step are
// written. A WithFrame option applies to the trajectory as well.
func WriteScanResults(dir string, s *Session, onlyNew bool, opts ...SaveOption) (ScanFiles, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return ScanFiles{}, ioError("creating", dir, err)
	}

	cloud, name := s.Scanned(), ScannedFileName
	if onlyNew {
		cloud, name = s.ScannedNew(), ScannedNewFileName
	}

	files := ScanFiles{
		Cloud:      filepath.Join(dir, name),
		Trajectory: filepath.Join(dir, TrajectoryFileName),
		Landmarks:  cloud.Len(),
	}
	if err := SaveCloud(cloud, files.Cloud, opts...); err != nil {
		return ScanFiles{}, fmt.Errorf("saving scanned cloud: %w", err)
	}
	traj := s.Trajectory()
	if frame := newSaveConfig(opts).frame; frame != nil {
		for i, p := range traj {
			mapped, err := frame.ApplyPose(p)
			if err != nil {
				return ScanFiles{}, fmt.Errorf("mapping pose %d: %w", i+1, err)
			}
			traj[i] = mapped
		}
	}
	if err := SaveTrajectory(traj, files.Trajectory); err != nil {
		return ScanFiles{}, fmt.Errorf("saving trajectory: %w", err)
	}
	return files, nil
}
