package main

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kwv/pointsim/sim"
)

// corridorCSV has landmarks every 2 m along +Z, facing the origin, visible
// from 0.5 to 6 m.
const corridorCSV = `# pointsim-cloud v1
0,0,2,0.5,6,0,0,-1,1,320,240
0,0,4,0.5,6,0,0,-1,1,320,240,2,321,240
0,0,6,0.5,6,0,0,-1
0,0,8,0.5,6,0,0,-1
0,0,10,0.5,6,0,0,-1
`

const testConfigYAML = `cloud:
  path: cloud.csv
output:
  dir: out
movement:
  movingScale: 2
  rotateScale: 0.1
`

// setupTestDir writes a config and cloud into a temp dir and returns an App
// pointed at it.
func setupTestDir(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(testConfigYAML), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cloud.csv"), []byte(corridorCSV), 0644); err != nil {
		t.Fatal(err)
	}

	app := NewApp()
	var out bytes.Buffer
	app.Out = &out
	app.ApplyOptions(AppOptions{ConfigFile: defaultConfigFile, DataDir: dir})
	return app, &out
}

func TestNewApp(t *testing.T) {
	app := NewApp()
	if app == nil {
		t.Fatal("NewApp returned nil")
		return
	}
	if app.ConfigFile != defaultConfigFile {
		t.Errorf("ConfigFile = %s, want %s", app.ConfigFile, defaultConfigFile)
	}
	if app.DataDir != "." {
		t.Errorf("DataDir = %s, want .", app.DataDir)
	}
	if app.In == nil || app.Out == nil {
		t.Error("In and Out should default to stdin and stdout")
	}
}

func TestApplyOptions(t *testing.T) {
	app := NewApp()
	opts := AppOptions{
		DataDir:       "/test/data",
		ConfigFile:    "test-config.yaml",
		CloudFile:     "office.csv",
		OutputDir:     "scans",
		OnlyNew:       true,
		LegacyFormat:  true,
		CoverageFile:  "cov.geojson",
		OverlayFile:   "cov.svg",
		AlignmentFile: "align.csv",
		MaxAngle:      30,
		HttpPort:      8080,
		MqttMode:      true,
	}

	app.ApplyOptions(opts)

	if app.DataDir != "/test/data" {
		t.Errorf("DataDir = %s, want /test/data", app.DataDir)
	}
	if app.ConfigFile != "test-config.yaml" {
		t.Errorf("ConfigFile = %s, want test-config.yaml", app.ConfigFile)
	}
	if app.CloudFile != "office.csv" {
		t.Errorf("CloudFile = %s, want office.csv", app.CloudFile)
	}
	if app.OutputDir != "scans" || !app.OnlyNew || !app.LegacyFormat {
		t.Errorf("output options not applied: %s %v %v", app.OutputDir, app.OnlyNew, app.LegacyFormat)
	}
	if app.CoverageFile != "cov.geojson" || app.OverlayFile != "cov.svg" {
		t.Errorf("artifact options not applied: %s %s", app.CoverageFile, app.OverlayFile)
	}
	if app.AlignmentFile != "align.csv" {
		t.Errorf("AlignmentFile = %s, want align.csv", app.AlignmentFile)
	}
	if app.MaxAngle != 30 {
		t.Errorf("MaxAngle = %f, want 30", app.MaxAngle)
	}
	if app.HttpPort != 8080 || !app.MqttMode {
		t.Errorf("service options not applied: %d %v", app.HttpPort, app.MqttMode)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	app, _ := setupTestDir(t)
	app.CloudFile = "other.csv"
	app.OutputDir = "/abs/out"
	app.MaxAngle = 30
	app.HttpPort = 9999
	app.OnlyNew = true

	config, err := app.loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if config.Cloud.Path != filepath.Join(app.DataDir, "other.csv") {
		t.Errorf("Cloud.Path = %s", config.Cloud.Path)
	}
	if config.Output.Dir != "/abs/out" {
		t.Errorf("Output.Dir = %s, want /abs/out", config.Output.Dir)
	}
	if config.Visibility.MaxViewingAngleDeg != 30 {
		t.Errorf("MaxViewingAngleDeg = %f, want 30", config.Visibility.MaxViewingAngleDeg)
	}
	if config.HTTP.Port != 9999 {
		t.Errorf("HTTP.Port = %d, want 9999", config.HTTP.Port)
	}
	if !config.Output.OnlyNew {
		t.Error("expected OnlyNew from the command line")
	}
}

func TestLoadConfig_MissingFiles(t *testing.T) {
	dir := t.TempDir()

	app := NewApp()
	app.DataDir = dir
	config, err := app.loadConfig()
	if err != nil {
		t.Fatalf("missing default config should fall back to defaults: %v", err)
	}
	if config.Camera.Model != "pinhole" {
		t.Errorf("Camera.Model = %s, want pinhole", config.Camera.Model)
	}

	app.ConfigFile = "custom.yaml"
	if _, err := app.loadConfig(); err == nil {
		t.Error("expected error for a missing custom config")
	} else if !strings.Contains(err.Error(), "custom.yaml") {
		t.Errorf("error should name the file, got: %v", err)
	}
}

func TestRunInfo(t *testing.T) {
	app, out := setupTestDir(t)
	if err := app.RunInfo(); err != nil {
		t.Fatalf("RunInfo failed: %v", err)
	}

	for _, want := range []string{
		"Landmarks: 5",
		"Observations: 3",
		"With normal: 5",
		"Format version: 1",
		"Bounds: (0.000, 0.000, 2.000) - (0.000, 0.000, 10.000)",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected %q in output, got:\n%s", want, out.String())
		}
	}
}

func TestRunInfo_MissingCloud(t *testing.T) {
	app, _ := setupTestDir(t)
	app.CloudFile = "missing.csv"
	if err := app.RunInfo(); err == nil {
		t.Error("expected error for a missing cloud")
	}
}

func TestRunQuery(t *testing.T) {
	app, out := setupTestDir(t)
	if err := app.RunQuery("0,0,0,0,0,0"); err != nil {
		t.Fatalf("RunQuery failed: %v", err)
	}

	if !strings.Contains(out.String(), "Visible: 3 of 5 (rejected: frustum 0, distance 2, angle 0)") {
		t.Errorf("unexpected query summary:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "0 (0.000, 0.000, 2.000) dist=2.000 angle=0.0°") {
		t.Errorf("expected first landmark line, got:\n%s", out.String())
	}
	if app.StateTracker.Summary().Steps != 0 {
		t.Error("a query must not step the session")
	}
}

func TestParsePose(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
		want    sim.Pose
	}{
		{name: "valid", input: "1, 2, 3, 0.5, -0.1, 0", want: sim.PoseMessage{X: 1, Y: 2, Z: 3, Yaw: 0.5, Pitch: -0.1}.Pose()},
		{name: "empty", input: "", wantErr: "--pose is required"},
		{name: "too short", input: "1,2,3", wantErr: "needs 6 values"},
		{name: "not a number", input: "1,2,3,a,0,0", wantErr: "value 4"},
		{name: "not finite", input: "1,2,NaN,0,0,0", wantErr: "invalid pose"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePose(tt.input)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("parsePose(%q) error = %v, want %q", tt.input, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parsePose(%q) failed: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("parsePose(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestRunTrajectory(t *testing.T) {
	app, out := setupTestDir(t)
	app.CoverageFile = "coverage.geojson"
	traj := filepath.Join(app.DataDir, "path.csv")
	if err := os.WriteFile(traj, []byte("# x,y,z,yaw,pitch,roll\n0,0,0,0,0,0\n0,0,4,0,0,0\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := app.RunTrajectory("path.csv"); err != nil {
		t.Fatalf("RunTrajectory failed: %v", err)
	}

	for _, want := range []string{
		"step 1: visible 3, new 3, total 3",
		"step 2: visible 3, new 2, total 5",
		"Seen 5 of 5 landmarks (100.0%) in 2 steps",
		"Wrote 5 landmarks to",
		"Wrote coverage to",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected %q in output, got:\n%s", want, out.String())
		}
	}

	scanned, _, err := sim.LoadCloud(filepath.Join(app.DataDir, "out", sim.ScannedFileName))
	if err != nil {
		t.Fatalf("scanned cloud not written: %v", err)
	}
	if scanned.Len() != 5 {
		t.Errorf("scanned %d landmarks, want 5", scanned.Len())
	}
	if _, err := os.Stat(filepath.Join(app.DataDir, "coverage.geojson")); err != nil {
		t.Errorf("coverage not written: %v", err)
	}
}

func TestRunTrajectory_WithAlignment(t *testing.T) {
	app, out := setupTestDir(t)
	// scale by 2 with no rotation; the cloud and the trajectory move together
	align := "2,0,0,0\n0,2,0,0\n0,0,2,1\n0,0,0,1\n"
	if err := os.WriteFile(filepath.Join(app.DataDir, "align.csv"), []byte(align), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(app.DataDir, "path.csv"), []byte("0,0,0,0,0,0\n0,0,4,0,0,0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	app.AlignmentFile = "align.csv"

	if err := app.RunTrajectory("path.csv"); err != nil {
		t.Fatalf("RunTrajectory failed: %v", err)
	}
	if !strings.Contains(out.String(), "step 2: visible 3, new 2, total 5") {
		t.Errorf("alignment should not change visibility, got:\n%s", out.String())
	}

	// results are written back in the cloud's original frame
	scanned, _, err := sim.LoadCloud(filepath.Join(app.DataDir, "out", sim.ScannedFileName))
	if err != nil {
		t.Fatalf("scanned cloud not written: %v", err)
	}
	if scanned.Len() != 5 {
		t.Fatalf("scanned %d landmarks, want 5", scanned.Len())
	}
	for i, l := range scanned.Landmarks {
		wantZ := float64(2 * (i + 1))
		if math.Abs(l.Position.Z-wantZ) > 1e-9 || math.Abs(l.MaxDistance-6) > 1e-9 {
			t.Errorf("landmark %d = z %v, max %v; want z %v, max 6", i, l.Position.Z, l.MaxDistance, wantZ)
		}
	}
	traj, err := sim.LoadTrajectory(filepath.Join(app.DataDir, "out", sim.TrajectoryFileName))
	if err != nil {
		t.Fatalf("trajectory not written: %v", err)
	}
	if len(traj) != 2 || math.Abs(traj[1].Position.Z-4) > 1e-9 {
		t.Errorf("trajectory = %v, want the recorded poses", traj)
	}
}

func TestRunTrajectory_MissingFile(t *testing.T) {
	app, _ := setupTestDir(t)
	if err := app.RunTrajectory("nope.csv"); err == nil {
		t.Error("expected error for a missing trajectory")
	}
}

func TestRunExplore_Finish(t *testing.T) {
	app, out := setupTestDir(t)
	app.In = strings.NewReader("iixf")
	app.OverlayFile = "overlay.svg"

	if err := app.RunExplore(); err != nil {
		t.Fatalf("RunExplore failed: %v", err)
	}

	for _, want := range []string{
		"Keys:",
		"new: 3",
		"total: 5",
		"Seen 5 of 5 landmarks",
		"Wrote overlay to",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected %q in output, got:\n%s", want, out.String())
		}
	}
	if _, err := os.Stat(filepath.Join(app.DataDir, "out", sim.TrajectoryFileName)); err != nil {
		t.Errorf("trajectory not written: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(app.DataDir, "overlay.svg"))
	if err != nil || !strings.Contains(string(data), "<svg") {
		t.Errorf("overlay not written: %v", err)
	}
}

func TestRunExplore_QuitWritesNoScan(t *testing.T) {
	app, out := setupTestDir(t)
	app.In = strings.NewReader("irq")

	if err := app.RunExplore(); err != nil {
		t.Fatalf("RunExplore failed: %v", err)
	}
	if !strings.Contains(out.String(), "reset") {
		t.Errorf("expected reset in output, got:\n%s", out.String())
	}
	if _, err := os.Stat(filepath.Join(app.DataDir, "out", sim.ScannedFileName)); !os.IsNotExist(err) {
		t.Errorf("quit should not write scan results, stat err = %v", err)
	}
	if got := app.StateTracker.Summary().Steps; got != 1 {
		t.Errorf("steps after reset = %d, want 1", got)
	}
}
