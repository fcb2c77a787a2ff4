package sim

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// trajectoryFields is the width of a trajectory row: x,y,z,yaw,pitch,roll.
const trajectoryFields = 6

// LoadTrajectory reads a recorded camera path. Unlike cloud rows, a bad
// trajectory row fails the whole load.
func LoadTrajectory(path string) ([]Pose, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ioError("opening", path, err)
	}
	defer func() { _ = f.Close() }()

	poses, err := ReadTrajectory(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return poses, nil
}

// ReadTrajectory parses trajectory rows; blank lines and # comments are skipped.
func ReadTrajectory(r io.Reader) ([]Pose, error) {
	var poses []Pose
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, ",")
		if len(fields) != trajectoryFields {
			return nil, &MalformedRecordError{Line: line, Reason: fmt.Sprintf("expected %d fields, got %d", trajectoryFields, len(fields))}
		}
		var v [trajectoryFields]float64
		for i, f := range fields {
			x, err := parseFloat(f)
			if err != nil {
				return nil, &MalformedRecordError{Line: line, Reason: err.Error()}
			}
			v[i] = x
		}
		poses = append(poses, PoseMessage{X: v[0], Y: v[1], Z: v[2], Yaw: v[3], Pitch: v[4], Roll: v[5]}.Pose())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: scanning rows: %w", ErrIO, err)
	}
	return poses, nil
}

// SaveTrajectory writes poses one per row.
func SaveTrajectory(poses []Pose, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return ioError("creating", path, err)
	}
	bw := bufio.NewWriter(f)
	fmt.Fprintln(bw, "# x,y,z,yaw,pitch,roll")
	for _, p := range poses {
		vals := []float64{p.Position.X, p.Position.Y, p.Position.Z, p.Yaw, p.Pitch, p.Roll}
		for i, v := range vals {
			if i > 0 {
				_ = bw.WriteByte(',')
			}
			_, _ = bw.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		_ = bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return ioError("writing", path, err)
	}
	if err := f.Close(); err != nil {
		return ioError("closing", path, err)
	}
	return nil
}
