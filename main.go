package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile    string
	CloudFile     string
	DataDir       string
	Info          bool
	Query         bool
	Pose          string
	Explore       bool
	Trajectory    string
	Serve         bool
	HttpPort      int
	MqttMode      bool
	OutputDir     string
	OnlyNew       bool
	LegacyFormat  bool
	CoverageFile  string
	OverlayFile   string
	AlignmentFile string
	MaxAngle      float64
}

// AppRunner is implemented by App; tests substitute a recorder
type AppRunner interface {
	ApplyOptions(opts AppOptions)
	RunInfo() error
	RunQuery(pose string) error
	RunExplore() error
	RunTrajectory(path string) error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, app AppRunner) error {
	fs := flag.NewFlagSet("pointsim", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", defaultConfigFile, "Path to configuration file")
	fs.StringVar(&opts.CloudFile, "cloud", "", "Landmark cloud CSV (overrides cloud.path)")
	fs.StringVar(&opts.DataDir, "data-dir", ".", "Directory for relative config, cloud and output paths")
	fs.BoolVar(&opts.Info, "info", false, "Print cloud statistics and exit")
	fs.BoolVar(&opts.Query, "query", false, "Run one visibility query at --pose and exit")
	fs.StringVar(&opts.Pose, "pose", "", "Camera pose for --query: x,y,z,yaw,pitch,roll (radians)")
	fs.BoolVar(&opts.Explore, "explore", false, "Interactive keyboard exploration")
	fs.StringVar(&opts.Trajectory, "trajectory", "", "Replay a trajectory CSV through a session")
	fs.BoolVar(&opts.Serve, "serve", false, "Run the HTTP service")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "HTTP server port (default from config, 8080)")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Drive the session from MQTT pose and command topics")
	fs.StringVar(&opts.OutputDir, "output", "", "Directory for scan results (overrides output.dir)")
	fs.BoolVar(&opts.OnlyNew, "only-new", false, "Write only the landmarks first seen on the last step")
	fs.BoolVar(&opts.LegacyFormat, "legacy-format", false, "Write clouds without the version header")
	fs.StringVar(&opts.CoverageFile, "coverage", "", "Write a coverage GeoJSON file after a run")
	fs.StringVar(&opts.OverlayFile, "overlay", "", "Write a coverage SVG overlay after a run")
	fs.StringVar(&opts.AlignmentFile, "alignment", "", "4x4 alignment matrix applied to the cloud")
	fs.Float64Var(&opts.MaxAngle, "max-angle", 0, "Maximum viewing angle in degrees (default from config, 60)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "pointsim version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.Info:
		return app.RunInfo()
	case opts.Query:
		return app.RunQuery(opts.Pose)
	case opts.Explore:
		return app.RunExplore()
	case opts.Trajectory != "":
		return app.RunTrajectory(opts.Trajectory)
	}

	fmt.Fprintln(out, "pointsim service starting...")
	return app.RunService()
}
