package sim

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultConfig returns the settings used when a key is absent from the file.
func DefaultConfig() *Config {
	return &Config{
		Cloud: CloudConfig{Path: "cloud1.csv"},
		Camera: CameraConfig{
			Model:  "pinhole",
			Width:  640,
			Height: 480,
			Fx:     500,
			Fy:     500,
			Cx:     320,
			Cy:     240,
		},
		Visibility: VisibilityConfig{MaxViewingAngleDeg: DefaultMaxViewingAngle * 180 / math.Pi},
		Movement:   MovementConfig{MovingScale: 0.1, RotateScale: 0.05},
		Output:     OutputConfig{Dir: "."},
		MQTT:       MQTTConfig{ClientID: "pointsim", TopicPrefix: "pointsim"},
		HTTP:       HTTPConfig{Port: 8080},
	}
}

// LoadConfig loads the configuration from a YAML file on top of DefaultConfig
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Cloud.Path == "" && c.Cloud.URL == "" {
		return fmt.Errorf("cloud.path or cloud.url is required")
	}
	if _, err := NewFrustumModel(c.Camera); err != nil {
		return err
	}
	if a := c.Visibility.MaxViewingAngleDeg; a <= 0 || a > 180 {
		return fmt.Errorf("visibility.maxViewingAngleDeg must be in (0, 180], got %v", a)
	}
	if c.Movement.MovingScale <= 0 {
		return fmt.Errorf("movement.movingScale must be positive")
	}
	if c.Movement.RotateScale <= 0 {
		return fmt.Errorf("movement.rotateScale must be positive")
	}
	if err := c.Start.Pose().Validate(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	return nil
}
