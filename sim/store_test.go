package sim

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func sampleCloud() *Cloud {
	return NewCloud([]Landmark{
		{
			Position:    r3.Vector{X: 0, Y: 0, Z: 5},
			MinDistance: 1, MaxDistance: 10,
			Normal: r3.Vector{Z: -1},
			Observations: []Observation{
				{FrameID: 3, KeypointX: 320.5, KeypointY: 240.25},
				{FrameID: 7, KeypointX: 300, KeypointY: 200},
			},
		},
		{
			Position:    r3.Vector{X: 1.0 / 3, Y: -2.5e-7, Z: 12.125},
			MinDistance: 0.5, MaxDistance: 30,
		},
		{
			Position:    r3.Vector{X: -4, Y: 1, Z: 8},
			MinDistance: 2, MaxDistance: 9,
			Normal:       r3.Vector{X: 0.6, Z: -0.8},
			Observations: []Observation{{FrameID: 1, KeypointX: 10, KeypointY: 20}},
		},
	})
}

// ---------------------------------------------------------------------------
// ReadCloud
// ---------------------------------------------------------------------------

func TestReadCloud_Rows(t *testing.T) {
	input := strings.Join([]string{
		"# pointsim-cloud v1",
		"0,0,5,1,10,0,0,-1,3,320.5,240.25,7,300,200",
		"",
		"# a comment",
		"1,2,3,0.5,20,0,0,0",
	}, "\n")

	cloud, report, err := ReadCloud(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 1, cloud.Version)
	assert.Equal(t, 2, report.Rows)
	assert.Equal(t, 2, report.Accepted)
	assert.Equal(t, 0, report.Dropped)
	require.Equal(t, 2, cloud.Len())

	l0 := cloud.Landmarks[0]
	assert.Equal(t, LandmarkID(0), l0.ID)
	assert.Equal(t, r3.Vector{Z: 5}, l0.Position)
	assert.Equal(t, []Observation{{3, 320.5, 240.25}, {7, 300, 200}}, l0.Observations)

	l1 := cloud.Landmarks[1]
	assert.Equal(t, LandmarkID(1), l1.ID)
	assert.False(t, l1.HasNormal())
	assert.Empty(t, l1.Observations)
}

func TestReadCloud_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		row    string
		reason string
	}{
		{"too few fields", "1,2,3,4,5,6,7", "expected at least 8 fields"},
		{"partial triple", "1,2,3,4,5,6,7,8,9,10", "incomplete observation triple"},
		{"not a number", "1,x,3,4,5,6,7,8", "is not a number"},
		{"non-integer frame", "1,2,3,4,5,6,7,8,1.5,10,20", "is not an integer"},
		{"not finite", "1,2,NaN,4,5,6,7,8", "is not finite"},
		{"infinite", "1,2,3,4,+Inf,6,7,8", "is not finite"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := "0,0,5,1,10,0,0,-1\n" + tt.row + "\n2,2,2,1,10,0,0,0\n"
			cloud, report, err := ReadCloud(strings.NewReader(input))
			require.NoError(t, err)

			assert.Equal(t, 3, report.Rows)
			assert.Equal(t, 2, report.Accepted)
			assert.Equal(t, 1, report.Dropped)
			require.Len(t, report.Errors, 1)
			assert.Equal(t, 2, report.Errors[0].Line)
			assert.Contains(t, report.Errors[0].Reason, tt.reason)
			assert.True(t, errors.Is(report.Errors[0], ErrMalformedRecord))

			// identities stay dense after a dropped row
			require.Equal(t, 2, cloud.Len())
			assert.Equal(t, LandmarkID(1), cloud.Landmarks[1].ID)
			assert.Equal(t, r3.Vector{X: 2, Y: 2, Z: 2}, cloud.Landmarks[1].Position)
		})
	}
}

func TestReadCloud_OversizedRow(t *testing.T) {
	long := "0,0,9,1,10,0,0,-1" + strings.Repeat(",1,320,240", 10000)
	tests := []struct {
		name  string
		input string
	}{
		{"in the middle", "0,0,5,1,10,0,0,-1\n" + long + "\n2,2,2,1,10,0,0,0\n"},
		{"last line without newline", "0,0,5,1,10,0,0,-1\n2,2,2,1,10,0,0,0\n" + long},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cloud, report, err := readCloud(strings.NewReader(tt.input), 64)
			require.NoError(t, err)

			assert.Equal(t, 3, report.Rows)
			assert.Equal(t, 2, report.Accepted)
			assert.Equal(t, 1, report.Dropped)
			require.Len(t, report.Errors, 1)
			assert.Contains(t, report.Errors[0].Reason, "row exceeds 64 bytes")
			assert.ErrorIs(t, report.Errors[0], ErrMalformedRecord)
			require.Equal(t, 2, cloud.Len())
			assert.Equal(t, r3.Vector{X: 2, Y: 2, Z: 2}, cloud.Landmarks[1].Position)
		})
	}
}

func TestReadCloud_ReadError(t *testing.T) {
	boom := errors.New("device gone")
	r := io.MultiReader(strings.NewReader("0,0,5,1,10,0,0,-1\n"), iotest.ErrReader(boom))

	_, _, err := ReadCloud(r)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, boom)
}

func TestReadCloud_Version(t *testing.T) {
	t.Run("headerless", func(t *testing.T) {
		cloud, _, err := ReadCloud(strings.NewReader("0,0,5,1,10,0,0,-1\n"))
		require.NoError(t, err)
		assert.Equal(t, 0, cloud.Version)
	})

	t.Run("unsupported", func(t *testing.T) {
		_, _, err := ReadCloud(strings.NewReader("# pointsim-cloud v99\n0,0,5,1,10,0,0,-1\n"))
		assert.ErrorIs(t, err, ErrUnsupportedVersion)
	})

	t.Run("marker after data is a comment", func(t *testing.T) {
		cloud, _, err := ReadCloud(strings.NewReader("0,0,5,1,10,0,0,-1\n# pointsim-cloud v99\n"))
		require.NoError(t, err)
		assert.Equal(t, 0, cloud.Version)
		assert.Equal(t, 1, cloud.Len())
	})
}

func TestLoadCloud_Missing(t *testing.T) {
	_, _, err := LoadCloud(filepath.Join(t.TempDir(), "nope.csv"))
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// ---------------------------------------------------------------------------
// SaveCloud / WriteCloud
// ---------------------------------------------------------------------------

func TestSaveLoad_RoundTrip(t *testing.T) {
	orig := sampleCloud()
	path := filepath.Join(t.TempDir(), "nested", "cloud.csv")

	require.NoError(t, SaveCloud(orig, path))
	loaded, report, err := LoadCloud(path)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Dropped)

	if diff := cmp.Diff(orig, loaded, cmpopts.EquateApprox(0, 1e-12), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteCloud_LegacyFormat(t *testing.T) {
	var withHeader, legacy bytes.Buffer
	require.NoError(t, WriteCloud(&withHeader, sampleCloud()))
	require.NoError(t, WriteCloud(&legacy, sampleCloud(), WithLegacyFormat()))

	assert.True(t, strings.HasPrefix(withHeader.String(), "# pointsim-cloud v1\n"))
	assert.False(t, strings.HasPrefix(legacy.String(), "#"))
	assert.Equal(t, strings.TrimPrefix(withHeader.String(), "# pointsim-cloud v1\n"), legacy.String())

	first := strings.SplitN(legacy.String(), "\n", 2)[0]
	assert.Equal(t, "0,0,5,1,10,0,0,-1,3,320.5,240.25,7,300,200", first)
}

func TestWriteCloud_WithFrame(t *testing.T) {
	a, err := ReadAlignment(strings.NewReader(yaw90Scale2))
	require.NoError(t, err)
	inv, err := a.Inverse()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteCloud(&buf, a.Apply(sampleCloud()), WithFrame(inv)))
	loaded, _, err := ReadCloud(&buf)
	require.NoError(t, err)

	if diff := cmp.Diff(sampleCloud(), loaded, cmpopts.EquateApprox(0, 1e-9), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("aligned cloud not written in source frame (-want +got):\n%s", diff)
	}
}

func TestWriteCloud_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCloud(&buf, NewCloud(nil), WithLegacyFormat()))
	assert.Empty(t, buf.String())
}

// ---------------------------------------------------------------------------
// Cloud helpers
// ---------------------------------------------------------------------------

func TestCloud_SubsetAndBounds(t *testing.T) {
	c := sampleCloud()

	sub := c.Subset([]LandmarkID{2, 0, 42})
	require.Equal(t, 2, sub.Len())
	assert.Equal(t, LandmarkID(0), sub.Landmarks[0].ID)
	assert.Equal(t, r3.Vector{X: -4, Y: 1, Z: 8}, sub.Landmarks[0].Position)
	assert.Equal(t, LandmarkID(1), sub.Landmarks[1].ID)

	min, max, ok := c.Bounds()
	require.True(t, ok)
	assert.Equal(t, r3.Vector{X: -4, Y: -2.5e-7, Z: 5}, min)
	assert.Equal(t, r3.Vector{X: 1.0 / 3, Y: 1, Z: 12.125}, max)

	_, _, ok = NewCloud(nil).Bounds()
	assert.False(t, ok)
}

func TestSummarize(t *testing.T) {
	s := Summarize(sampleCloud())
	assert.Equal(t, 3, s.Landmarks)
	assert.Equal(t, 3, s.Observations)
	assert.Equal(t, 2, s.WithNormal)
	assert.Equal(t, CloudFormatVersion, s.Version)
	assert.Equal(t, PointJSON{X: -4, Y: -2.5e-7, Z: 5}, s.Min)

	empty := Summarize(nil)
	assert.Equal(t, 0, empty.Landmarks)
}
