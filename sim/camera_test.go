package sim

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPinholeCamera_Contains(t *testing.T) {
	cam := NewPinholeCamera(640, 480, 500, 500)

	tests := []struct {
		name   string
		point  r3.Vector
		inside bool
		pixel  orb.Point
	}{
		{"optical axis", r3.Vector{Z: 5}, true, orb.Point{320, 240}},
		{"behind camera", r3.Vector{Z: -5}, false, orb.Point{}},
		{"on camera plane", r3.Vector{X: 1}, false, orb.Point{}},
		{"right image border", r3.Vector{X: 3.2, Z: 5}, true, orb.Point{640, 240}},
		{"past right border", r3.Vector{X: 3.3, Z: 5}, false, orb.Point{}},
		{"below image", r3.Vector{Y: 3, Z: 5}, false, orb.Point{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			px, ok := cam.Contains(tt.point)
			assert.Equal(t, tt.inside, ok)
			if tt.inside {
				assert.InDelta(t, tt.pixel.X(), px.X(), 1e-9)
				assert.InDelta(t, tt.pixel.Y(), px.Y(), 1e-9)
			}
		})
	}
}

func TestAngularFrustum_Contains(t *testing.T) {
	f := AngularFrustum{HorizontalFOV: 1.5707963267948966, VerticalFOV: 1.0}

	px, ok := f.Contains(r3.Vector{X: 1, Y: 0.25, Z: 2})
	require.True(t, ok)
	assert.Equal(t, orb.Point{0.5, 0.125}, px)

	_, ok = f.Contains(r3.Vector{X: 3, Z: 1})
	assert.False(t, ok, "outside horizontal aperture")

	_, ok = f.Contains(r3.Vector{Y: 2, Z: 1})
	assert.False(t, ok, "outside vertical aperture")

	_, ok = f.Contains(r3.Vector{Z: -1})
	assert.False(t, ok, "behind camera")
}

func TestNewFrustumModel(t *testing.T) {
	tests := []struct {
		name    string
		config  CameraConfig
		want    FrustumModel
		wantErr string
	}{
		{
			name:   "pinhole centers principal point",
			config: CameraConfig{Width: 640, Height: 480, Fx: 500, Fy: 450},
			want:   PinholeCamera{Width: 640, Height: 480, Fx: 500, Fy: 450, Cx: 320, Cy: 240},
		},
		{
			name:   "pinhole explicit principal point",
			config: CameraConfig{Model: "pinhole", Width: 640, Height: 480, Fx: 500, Fy: 500, Cx: 300, Cy: 250},
			want:   PinholeCamera{Width: 640, Height: 480, Fx: 500, Fy: 500, Cx: 300, Cy: 250},
		},
		{
			name:    "pinhole without focal length",
			config:  CameraConfig{Width: 640, Height: 480},
			wantErr: "invalid focal length",
		},
		{
			name:    "angular bad aperture",
			config:  CameraConfig{Model: "angular", HorizontalFovDeg: 200, VerticalFovDeg: 40},
			wantErr: "horizontal field of view",
		},
		{
			name:    "unknown model",
			config:  CameraConfig{Model: "fisheye"},
			wantErr: "unknown model fisheye",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewFrustumModel(tt.config)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("angular converts degrees", func(t *testing.T) {
		got, err := NewFrustumModel(CameraConfig{Model: "angular", HorizontalFovDeg: 90, VerticalFovDeg: 60})
		require.NoError(t, err)
		f, ok := got.(AngularFrustum)
		require.True(t, ok)
		assert.InDelta(t, 1.5707963267948966, f.HorizontalFOV, 1e-12)
		assert.InDelta(t, 1.0471975511965976, f.VerticalFOV, 1e-12)
	})
}
