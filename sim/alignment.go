package sim

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Alignment is a 4x4 similarity transform that maps the cloud's frame into
// another frame, typically produced by an external ICP registration.
type Alignment struct {
	Matrix Transform
}

// LoadAlignment reads a 4x4 matrix written as four comma-separated rows.
func LoadAlignment(path string) (*Alignment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ioError("opening", path, err)
	}
	defer func() { _ = f.Close() }()

	a, err := ReadAlignment(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return a, nil
}

// ReadAlignment parses a 4x4 matrix. Blank lines and # comments are skipped.
func ReadAlignment(r io.Reader) (*Alignment, error) {
	var m Transform
	rows := 0
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if rows == 4 {
			return nil, &MalformedRecordError{Line: line, Reason: "more than 4 matrix rows"}
		}
		fields := strings.Split(text, ",")
		if len(fields) != 4 {
			return nil, &MalformedRecordError{Line: line, Reason: fmt.Sprintf("expected 4 values, got %d", len(fields))}
		}
		for c, f := range fields {
			v, err := parseFloat(f)
			if err != nil {
				return nil, &MalformedRecordError{Line: line, Reason: err.Error()}
			}
			m[rows*4+c] = v
		}
		rows++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: scanning rows: %w", ErrIO, err)
	}
	if rows != 4 {
		return nil, fmt.Errorf("%w: expected 4 matrix rows, got %d", ErrMalformedRecord, rows)
	}
	a := &Alignment{Matrix: m}
	if a.Scale() == 0 {
		return nil, ErrSingularTransform
	}
	return a, nil
}

// Scale is the uniform scale of the linear part (cube root of its determinant).
func (a *Alignment) Scale() float64 {
	t := a.Matrix
	det := t[0]*(t[5]*t[10]-t[6]*t[9]) -
		t[1]*(t[4]*t[10]-t[6]*t[8]) +
		t[2]*(t[4]*t[9]-t[5]*t[8])
	return math.Cbrt(math.Abs(det))
}

// Inverse returns the alignment mapping back into the cloud's frame.
func (a *Alignment) Inverse() (*Alignment, error) {
	d := mat.NewDense(4, 4, append([]float64(nil), a.Matrix[:]...))
	if math.Abs(mat.Det(d)) < 1e-12 {
		return nil, ErrSingularTransform
	}
	var inv mat.Dense
	if err := inv.Inverse(d); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("%w: %w", ErrSingularTransform, err)
		}
	}
	var out Transform
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out[r*4+c] = inv.At(r, c)
		}
	}
	return &Alignment{Matrix: out}, nil
}

// Apply returns a copy of cloud expressed in the aligned frame. Positions
// are transformed, normals rotated and distance ranges scaled. Identities
// and observations are preserved.
func (a *Alignment) Apply(cloud *Cloud) *Cloud {
	s := a.Scale()
	out := &Cloud{Version: cloud.Version, Landmarks: make([]Landmark, len(cloud.Landmarks))}
	for i, l := range cloud.Landmarks {
		l.Position = a.Matrix.Apply(l.Position)
		if l.HasNormal() {
			l.Normal = a.Matrix.ApplyDirection(l.Normal).Normalize()
		}
		l.MinDistance *= s
		l.MaxDistance *= s
		out.Landmarks[i] = l
	}
	return out
}

// ApplyPose maps a camera pose into the aligned frame.
func (a *Alignment) ApplyPose(p Pose) (Pose, error) {
	twc, _, err := ComposePose(p)
	if err != nil {
		return Pose{}, err
	}
	m := a.Matrix.Mul(twc)
	if s := a.Scale(); s != 0 {
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				m[r*4+c] /= s
			}
		}
	}
	return PoseFromTransform(m), nil
}
