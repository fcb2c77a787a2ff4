package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kwv/pointsim/sim"
)

const defaultConfigFile = "config.yaml"

// App encapsulates the application state and dependencies
type App struct {
	Config       *sim.Config
	Engine       *sim.Engine
	Alignment    *sim.Alignment
	StateTracker *sim.StateTracker
	MQTTClient   *sim.MQTTClient
	Publisher    *sim.Publisher

	In  io.Reader // keyboard input for explore mode
	Out io.Writer // human-readable results

	// CLI Flags (effectively dependencies)
	ConfigFile    string
	CloudFile     string
	DataDir       string
	OutputDir     string
	OnlyNew       bool
	LegacyFormat  bool
	CoverageFile  string
	OverlayFile   string
	AlignmentFile string
	MaxAngle      float64
	HttpPort      int
	MqttMode      bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		In:         os.Stdin,
		Out:        os.Stdout,
		ConfigFile: defaultConfigFile,
		DataDir:    ".",
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.CloudFile = opts.CloudFile
	a.DataDir = opts.DataDir
	a.OutputDir = opts.OutputDir
	a.OnlyNew = opts.OnlyNew
	a.LegacyFormat = opts.LegacyFormat
	a.CoverageFile = opts.CoverageFile
	a.OverlayFile = opts.OverlayFile
	a.AlignmentFile = opts.AlignmentFile
	a.MaxAngle = opts.MaxAngle
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
}

// resolve interprets relative paths against the data directory.
func (a *App) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || a.DataDir == "" || a.DataDir == "." {
		return path
	}
	return filepath.Join(a.DataDir, path)
}

// loadConfig reads the config file and layers the command line on top. A
// missing default config.yaml falls back to built-in defaults.
func (a *App) loadConfig() (*sim.Config, error) {
	path := a.resolve(a.ConfigFile)
	config, err := sim.LoadConfig(path)
	if err != nil {
		if _, statErr := os.Stat(path); a.ConfigFile != defaultConfigFile || statErr == nil {
			return nil, fmt.Errorf("loading config: %w (looked at %s)", err, path)
		}
		log.Printf("Warning: no config at %s, using defaults", path)
		config = sim.DefaultConfig()
	} else {
		log.Printf("Loaded config from %s", path)
	}

	if a.CloudFile != "" {
		config.Cloud.Path = a.CloudFile
		config.Cloud.URL = ""
	}
	if a.OutputDir != "" {
		config.Output.Dir = a.OutputDir
	}
	config.Output.OnlyNew = config.Output.OnlyNew || a.OnlyNew
	config.Output.Legacy = config.Output.Legacy || a.LegacyFormat
	if a.AlignmentFile != "" {
		config.Alignment.Path = a.AlignmentFile
	}
	if a.MaxAngle > 0 {
		config.Visibility.MaxViewingAngleDeg = a.MaxAngle
	}
	if a.HttpPort > 0 {
		config.HTTP.Port = a.HttpPort
	}

	config.Cloud.Path = a.resolve(config.Cloud.Path)
	config.Output.Dir = a.resolve(config.Output.Dir)
	config.Alignment.Path = a.resolve(config.Alignment.Path)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// setup loads the configuration, the cloud and the optional alignment and
// creates the session tracker.
func (a *App) setup(ctx context.Context) error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	engine, err := sim.NewEngineFromConfig(config)
	if err != nil {
		return fmt.Errorf("building visibility engine: %w", err)
	}
	if config.Alignment.Path != "" {
		alignment, err := sim.LoadAlignment(config.Alignment.Path)
		if err != nil {
			return fmt.Errorf("loading alignment: %w", err)
		}
		log.Printf("Loaded alignment from %s (scale %.4f)", config.Alignment.Path, alignment.Scale())
		a.Alignment = alignment
	}

	a.Config = config
	a.Engine = engine

	cloud, err := a.loadCloud(ctx)
	if err != nil {
		return err
	}

	saveOpts, err := a.saveOptions()
	if err != nil {
		return err
	}
	a.StateTracker = sim.NewStateTracker(cloud, engine)
	a.StateTracker.SetOutput(config.Output.Dir, config.Output.OnlyNew, saveOpts...)
	cloudLandmarks.Set(float64(cloud.Len()))
	return nil
}

// saveOptions selects the output format. With an alignment configured, scan
// results are mapped back into the cloud's original frame.
func (a *App) saveOptions() ([]sim.SaveOption, error) {
	var opts []sim.SaveOption
	if a.Config.Output.Legacy {
		opts = append(opts, sim.WithLegacyFormat())
	}
	if a.Alignment != nil {
		inv, err := a.Alignment.Inverse()
		if err != nil {
			return nil, fmt.Errorf("inverting alignment: %w", err)
		}
		opts = append(opts, sim.WithFrame(inv))
	}
	return opts, nil
}

// loadCloud reads the configured cloud from disk or over HTTP.
func (a *App) loadCloud(ctx context.Context) (*sim.Cloud, error) {
	var (
		cloud  *sim.Cloud
		report sim.LoadReport
		err    error
		source string
	)
	if url := a.Config.Cloud.URL; url != "" {
		source = url
		cloud, report, err = sim.FetchCloud(ctx, url)
	} else {
		source = a.Config.Cloud.Path
		cloud, report, err = sim.LoadCloud(source)
	}
	if err != nil {
		return nil, fmt.Errorf("loading cloud: %w", err)
	}
	log.Printf("Loaded %d landmarks from %s (%d of %d rows dropped)",
		cloud.Len(), source, report.Dropped, report.Rows)
	return a.align(cloud), nil
}

// align maps a freshly loaded cloud into the aligned frame when an
// alignment is configured.
func (a *App) align(cloud *sim.Cloud) *sim.Cloud {
	if a.Alignment == nil {
		return cloud
	}
	return a.Alignment.Apply(cloud)
}

// RunInfo prints statistics about the configured cloud
func (a *App) RunInfo() error {
	if err := a.setup(context.Background()); err != nil {
		return err
	}
	s := sim.Summarize(a.StateTracker.Cloud())
	fmt.Fprintf(a.Out, "Landmarks: %d\n", s.Landmarks)
	fmt.Fprintf(a.Out, "Observations: %d\n", s.Observations)
	fmt.Fprintf(a.Out, "With normal: %d\n", s.WithNormal)
	fmt.Fprintf(a.Out, "Format version: %d\n", s.Version)
	if s.Landmarks > 0 {
		fmt.Fprintf(a.Out, "Bounds: (%.3f, %.3f, %.3f) - (%.3f, %.3f, %.3f)\n",
			s.Min.X, s.Min.Y, s.Min.Z, s.Max.X, s.Max.Y, s.Max.Z)
	}
	return nil
}

// RunQuery prints the landmarks visible from a single pose
func (a *App) RunQuery(poseArg string) error {
	pose, err := parsePose(poseArg)
	if err != nil {
		return err
	}
	if err := a.setup(context.Background()); err != nil {
		return err
	}

	start := time.Now()
	visible, stats, err := a.StateTracker.Query(pose)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	observeQuery("query", start, stats)

	fmt.Fprintf(a.Out, "Pose: %s\n", pose)
	fmt.Fprintf(a.Out, "Visible: %d of %d (rejected: frustum %d, distance %d, angle %d)\n",
		stats.Visible, stats.Evaluated, stats.Frustum, stats.Distance, stats.Angle)
	for _, vp := range visible {
		fmt.Fprintf(a.Out, "  %d (%.3f, %.3f, %.3f) dist=%.3f angle=%.1f°\n",
			vp.ID, vp.World.X, vp.World.Y, vp.World.Z, vp.Distance, vp.ViewingAngle*180/math.Pi)
	}
	return nil
}

// parsePose reads "x,y,z,yaw,pitch,roll" with angles in radians.
func parsePose(s string) (sim.Pose, error) {
	if s == "" {
		return sim.Pose{}, fmt.Errorf("--pose is required (x,y,z,yaw,pitch,roll)")
	}
	fields := strings.Split(s, ",")
	if len(fields) != 6 {
		return sim.Pose{}, fmt.Errorf("--pose needs 6 values, got %d", len(fields))
	}
	var v [6]float64
	for i, f := range fields {
		x, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return sim.Pose{}, fmt.Errorf("--pose value %d: %w", i+1, err)
		}
		v[i] = x
	}
	pose := sim.PoseMessage{X: v[0], Y: v[1], Z: v[2], Yaw: v[3], Pitch: v[4], Roll: v[5]}.Pose()
	if err := pose.Validate(); err != nil {
		return sim.Pose{}, err
	}
	return pose, nil
}

// RunExplore drives a session from single-key commands read from In. The
// start pose is stepped immediately; results are written on finish.
func (a *App) RunExplore() error {
	if err := a.setup(context.Background()); err != nil {
		return err
	}
	driver := a.newDriver()
	nav := sim.NewNavigator(a.Config.Start.Pose(), a.Config.Movement)

	fmt.Fprintln(a.Out, "Keys: a/d yaw, w/s pitch, i/k forward/back, j/l left/right, r reset, f finish, q quit")
	if err := a.exploreStep(driver, nav.Current); err != nil {
		return err
	}

	in := bufio.NewReader(a.In)
	for {
		key, err := in.ReadByte()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading keys: %w", err)
		}

		pose, action := nav.Apply(key)
		switch action {
		case sim.ActionMove:
			if err := a.exploreStep(driver, pose); err != nil {
				return err
			}
		case sim.ActionReset:
			driver.Reset()
			fmt.Fprintln(a.Out, "reset")
			if err := a.exploreStep(driver, pose); err != nil {
				return err
			}
		case sim.ActionFinish:
			return a.finish(driver)
		case sim.ActionQuit:
			return a.writeArtifacts()
		}
	}
	return a.writeArtifacts()
}

func (a *App) exploreStep(driver *sessionDriver, pose sim.Pose) error {
	res, err := driver.Step("keyboard", pose)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "new: %d\n", len(res.NewlyVisible))
	fmt.Fprintf(a.Out, "total: %d\n", len(res.Seen))
	fmt.Fprintf(a.Out, "pose: %s\n", pose)
	return nil
}

// RunTrajectory replays a recorded trajectory through a session. Trajectory
// poses are in the cloud's original frame and follow the alignment.
func (a *App) RunTrajectory(path string) error {
	if err := a.setup(context.Background()); err != nil {
		return err
	}
	poses, err := sim.LoadTrajectory(a.resolve(path))
	if err != nil {
		return err
	}
	driver := a.newDriver()

	for i, pose := range poses {
		if a.Alignment != nil {
			if pose, err = a.Alignment.ApplyPose(pose); err != nil {
				return fmt.Errorf("aligning pose %d: %w", i+1, err)
			}
		}
		res, err := driver.Step("trajectory", pose)
		if err != nil {
			return fmt.Errorf("pose %d: %w", i+1, err)
		}
		fmt.Fprintf(a.Out, "step %d: visible %d, new %d, total %d\n",
			res.Index, len(res.Visible), len(res.NewlyVisible), len(res.Seen))
	}
	return a.finish(driver)
}

// finish closes the session, writes scan results and reports coverage.
func (a *App) finish(driver *sessionDriver) error {
	files, err := driver.Finish()
	if err != nil {
		return err
	}
	s := a.StateTracker.Summary()
	fmt.Fprintf(a.Out, "Seen %d of %d landmarks (%.1f%%) in %d steps\n",
		s.Seen, s.Landmarks, 100*s.Coverage, s.Steps)
	if files != nil {
		fmt.Fprintf(a.Out, "Wrote %d landmarks to %s\n", files.Landmarks, files.Cloud)
		fmt.Fprintf(a.Out, "Wrote trajectory to %s\n", files.Trajectory)
	}
	return a.writeArtifacts()
}

// writeArtifacts writes the coverage GeoJSON and SVG overlay when requested.
func (a *App) writeArtifacts() error {
	if a.CoverageFile == "" && a.OverlayFile == "" {
		return nil
	}
	cov := a.StateTracker.Coverage()

	if a.CoverageFile != "" {
		path := a.resolve(a.CoverageFile)
		data, err := sim.CoverageFeatureCollection(cov).MarshalJSON()
		if err != nil {
			return fmt.Errorf("encoding coverage: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("writing coverage: %w", err)
		}
		fmt.Fprintf(a.Out, "Wrote coverage to %s\n", path)
	}

	if a.OverlayFile != "" {
		path := a.resolve(a.OverlayFile)
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating overlay: %w", err)
		}
		if err := sim.NewOverlayRenderer().RenderToSVG(f, cov); err != nil {
			f.Close()
			return fmt.Errorf("rendering overlay: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("writing overlay: %w", err)
		}
		fmt.Fprintf(a.Out, "Wrote overlay to %s\n", path)
	}
	return nil
}

// RunService serves the session over HTTP and, with --mqtt, drives it from
// MQTT until interrupted.
func (a *App) RunService() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.setup(ctx); err != nil {
		return err
	}
	driver := a.newDriver()

	if a.MqttMode {
		queue := newMQTTQueue(mqttQueueSize)
		go queue.run(ctx)
		client, err := sim.InitMQTT(a.Config,
			func(pose sim.Pose) {
				queued := queue.submit(func() {
					if _, err := driver.Step("mqtt", pose); err != nil {
						log.Printf("[MQTT] Step rejected: %v", err)
					}
				})
				if !queued {
					log.Printf("[MQTT] Queue full, dropping pose %s", pose)
				}
			},
			func(cmd string) {
				if !queue.submit(func() { driver.Command(cmd) }) {
					log.Printf("[MQTT] Queue full, dropping command %q", cmd)
				}
			},
		)
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if client == nil {
			return fmt.Errorf("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
		}
		a.MQTTClient = client
		a.Publisher = sim.NewPublisher(client.GetClient())
		a.Publisher.SetPrefix(client.Prefix())
		a.Publisher.Configure(a.Config.MQTT)
		driver.setPublisher(a.Publisher)
		fmt.Println("MQTT session publisher initialized")
	}

	if a.Config.Cloud.Watch && a.Config.Cloud.URL == "" {
		watcher, err := sim.NewCloudWatcher(a.Config.Cloud.Path, func(cloud *sim.Cloud, _ sim.LoadReport) {
			driver.ReplaceCloud(a.align(cloud))
		})
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				log.Printf("Warning: cloud watcher stopped: %v", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", a.Config.HTTP.Port),
		Handler:           newHTTPServer(driver),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[HTTP] Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[HTTP] Server error: %v", err)
			stop()
		}
	}()

	fmt.Println("\nService Running")
	fmt.Println("===============")
	if a.MQTTClient != nil {
		poseTopic, commandTopic := a.MQTTClient.Topics()
		fmt.Println("\nMQTT:")
		fmt.Printf("  Poses:    %s\n", poseTopic)
		fmt.Printf("  Commands: %s (reset, finish)\n", commandTopic)
		fmt.Printf("  Publishing to: %s/%s and %s/%s\n",
			a.Publisher.Prefix(), sim.StepTopicSuffix, a.Publisher.Prefix(), sim.SessionTopicSuffix)
	}
	fmt.Printf("\nHTTP endpoints (port %d):\n", a.Config.HTTP.Port)
	fmt.Println("  GET  /health            - Health check")
	fmt.Println("  GET  /cloud             - Cloud statistics")
	fmt.Println("  GET  /query             - Visibility query (x,y,z,yaw,pitch,roll)")
	fmt.Println("  POST /step              - Step the session with a JSON pose")
	fmt.Println("  POST /finish, /reset    - Session lifecycle")
	fmt.Println("  GET  /session           - Session summary")
	fmt.Println("  GET  /coverage.geojson  - Plan-view coverage")
	fmt.Println("  GET  /overlay.svg       - Plan-view overlay")
	fmt.Println("  GET  /metrics           - Prometheus metrics")
	fmt.Println("\nPress Ctrl+C to stop")

	<-ctx.Done()

	fmt.Println("\nShutting down service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[HTTP] Shutdown error: %v", err)
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Println("Service stopped")
	return nil
}

// mqttQueueSize bounds MQTT work waiting behind a slow publish.
const mqttQueueSize = 256

// mqttQueue runs MQTT-originated work on its own goroutine, one job at a
// time in arrival order, so publish waits never block paho's router.
type mqttQueue struct {
	jobs chan func()
}

func newMQTTQueue(size int) *mqttQueue {
	return &mqttQueue{jobs: make(chan func(), size)}
}

// submit enqueues job without blocking. It reports false when the queue is full.
func (q *mqttQueue) submit(job func()) bool {
	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

// run executes jobs until ctx is done.
func (q *mqttQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			job()
		}
	}
}

// sessionDriver applies steps and commands from any front end to the
// tracker, records metrics and fans results out over MQTT.
type sessionDriver struct {
	tracker *sim.StateTracker
	debug   bool

	mu        sync.RWMutex
	publisher *sim.Publisher // nil when MQTT is off
}

func newSessionDriver(tracker *sim.StateTracker) *sessionDriver {
	return &sessionDriver{tracker: tracker}
}

func (a *App) newDriver() *sessionDriver {
	d := newSessionDriver(a.StateTracker)
	d.debug = a.Config.Debug
	return d
}

func (d *sessionDriver) setPublisher(p *sim.Publisher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.publisher = p
}

func (d *sessionDriver) getPublisher() *sim.Publisher {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.publisher
}

// Step advances the session by one pose.
func (d *sessionDriver) Step(origin string, pose sim.Pose) (sim.StepResult, error) {
	start := time.Now()
	res, err := d.tracker.Step(pose)
	observeStep(origin, res, err)
	if err != nil {
		return res, err
	}
	observeQuery("step", start, res.Stats)
	if d.debug {
		log.Printf("[DEBUG] %s step %d at %s: %d visible, %d new, rejected frustum=%d distance=%d angle=%d",
			origin, res.Index, pose, res.Stats.Visible, len(res.NewlyVisible),
			res.Stats.Frustum, res.Stats.Distance, res.Stats.Angle)
	}

	if p := d.getPublisher(); p != nil {
		_ = p.PublishStep(res)
		d.publishSession()
	}
	return res, nil
}

// Finish closes the session and writes results if an output directory is set.
func (d *sessionDriver) Finish() (*sim.ScanFiles, error) {
	files, err := d.tracker.Finish()
	if err != nil {
		return nil, err
	}
	if files != nil {
		log.Printf("Wrote %d scanned landmarks to %s", files.Landmarks, files.Cloud)
	}
	d.publishSession()
	return files, nil
}

// Reset starts a new session.
func (d *sessionDriver) Reset() sim.SessionSummary {
	d.tracker.Reset()
	landmarksSeen.Set(0)
	d.publishSession()
	return d.tracker.Summary()
}

// ReplaceCloud swaps in a reloaded cloud, which starts a new session.
func (d *sessionDriver) ReplaceCloud(cloud *sim.Cloud) {
	d.tracker.ReplaceCloud(cloud)
	cloudLandmarks.Set(float64(cloud.Len()))
	landmarksSeen.Set(0)
	d.publishSession()
}

// Command executes a session command received over MQTT.
func (d *sessionDriver) Command(cmd string) {
	switch cmd {
	case sim.CommandReset:
		d.Reset()
	case sim.CommandFinish:
		if _, err := d.Finish(); err != nil {
			log.Printf("[MQTT] Error finishing session: %v", err)
		}
	}
}

func (d *sessionDriver) publishSession() {
	if p := d.getPublisher(); p != nil {
		_ = p.PublishSession(d.tracker.Summary())
	}
}
