package main

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r3"

	"github.com/kwv/pointsim/sim"
)

// mqttDriver returns a session driver publishing through a connected mock.
func mqttDriver(t *testing.T) (*sessionDriver, *sim.MockClient) {
	t.Helper()
	mock := sim.NewMockClient()
	mock.SetConnected(true)
	pub := sim.NewPublisher(mock)
	pub.SetPrefix("test")

	driver := newSessionDriver(corridorTracker(t))
	driver.setPublisher(pub)
	return driver, mock
}

func lastSession(t *testing.T, mock *sim.MockClient) sim.SessionSummary {
	t.Helper()
	msgs := mock.PublishedTo("test/session")
	if len(msgs) == 0 {
		t.Fatal("no session summary published")
	}
	last := msgs[len(msgs)-1]
	if !last.Retain {
		t.Error("session summary should be retained")
	}
	var s sim.SessionSummary
	if err := json.Unmarshal(last.Payload, &s); err != nil {
		t.Fatalf("decoding session summary: %v", err)
	}
	return s
}

func TestMQTTServiceConfigLoading(t *testing.T) {
	tmpDir := t.TempDir()
	configYAML := `cloud:
  path: cloud.csv
mqtt:
  broker: "tcp://localhost:1883"
  topicPrefix: "lab/sim"
  clientId: "pointsim-test"
`
	if err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte(configYAML), 0644); err != nil {
		t.Fatal(err)
	}

	app := NewApp()
	app.DataDir = tmpDir
	config, err := app.loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if config.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("Broker = %s", config.MQTT.Broker)
	}
	if config.MQTT.TopicPrefix != "lab/sim" {
		t.Errorf("TopicPrefix = %s", config.MQTT.TopicPrefix)
	}
	if config.MQTT.ClientID != "pointsim-test" {
		t.Errorf("ClientID = %s", config.MQTT.ClientID)
	}
}

func TestSessionDriver_PublishesSteps(t *testing.T) {
	driver, mock := mqttDriver(t)

	res, err := driver.Step("mqtt", sim.Pose{})
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	steps := mock.PublishedTo("test/step")
	if len(steps) != 1 {
		t.Fatalf("published %d steps, want 1", len(steps))
	}
	var msg sim.StepMessage
	if err := json.Unmarshal(steps[0].Payload, &msg); err != nil {
		t.Fatalf("decoding step: %v", err)
	}
	if msg.SessionID != res.SessionID || msg.New != 3 || msg.Seen != 3 {
		t.Errorf("step message = %+v", msg)
	}

	s := lastSession(t, mock)
	if s.State != "active" || s.Seen != 3 {
		t.Errorf("session summary = %+v", s)
	}
}

func TestSessionDriver_Commands(t *testing.T) {
	driver, mock := mqttDriver(t)
	if _, err := driver.Step("mqtt", sim.Pose{}); err != nil {
		t.Fatal(err)
	}

	driver.Command(sim.CommandFinish)
	if s := lastSession(t, mock); s.State != "finished" {
		t.Errorf("state after finish = %s", s.State)
	}
	if _, err := driver.Step("mqtt", sim.Pose{}); err == nil {
		t.Error("expected step after finish to fail")
	}

	driver.Command(sim.CommandReset)
	s := lastSession(t, mock)
	if s.State != "idle" || s.Seen != 0 || s.Steps != 0 {
		t.Errorf("session after reset = %+v", s)
	}

	before := len(mock.GetPublishedMessages())
	driver.Command("jump")
	if got := len(mock.GetPublishedMessages()); got != before {
		t.Errorf("unknown command published %d messages", got-before)
	}
}

func TestSessionDriver_ReplaceCloud(t *testing.T) {
	driver, mock := mqttDriver(t)
	if _, err := driver.Step("mqtt", sim.Pose{}); err != nil {
		t.Fatal(err)
	}

	driver.ReplaceCloud(sim.NewCloud([]sim.Landmark{
		{Position: r3.Vector{Z: 1}, MinDistance: 0.5, MaxDistance: 2},
	}))

	s := lastSession(t, mock)
	if s.Landmarks != 1 || s.State != "idle" || s.Seen != 0 {
		t.Errorf("session after reload = %+v", s)
	}
}

func TestSessionDriver_WithoutPublisher(t *testing.T) {
	driver := newSessionDriver(corridorTracker(t))
	if _, err := driver.Step("keyboard", sim.Pose{}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	driver.Command(sim.CommandReset)
	if s := driver.tracker.Summary(); s.State != "idle" {
		t.Errorf("state after reset = %s", s.State)
	}
}

func TestSessionDriver_DisconnectedPublisher(t *testing.T) {
	driver, mock := mqttDriver(t)
	mock.SetConnected(false)

	// publishing failures never fail the step
	if _, err := driver.Step("mqtt", sim.Pose{}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if n := len(mock.GetPublishedMessages()); n != 0 {
		t.Errorf("published %d messages while disconnected", n)
	}
}

func TestMessageHandlerErrorCases(t *testing.T) {
	driver, _ := mqttDriver(t)

	if _, err := driver.Step("mqtt", sim.Pose{Yaw: math.NaN()}); err == nil {
		t.Error("expected invalid pose to be rejected")
	}
	if s := driver.tracker.Summary(); s.Steps != 0 {
		t.Errorf("rejected pose advanced the session to %d steps", s.Steps)
	}
}

func TestMQTTQueue_RunsJobsInOrder(t *testing.T) {
	driver, mock := mqttDriver(t)
	queue := newMQTTQueue(8)
	done := make(chan struct{})

	for _, z := range []float64{0, 4} {
		pose := sim.Pose{Position: r3.Vector{Z: z}}
		if !queue.submit(func() { _, _ = driver.Step("mqtt", pose) }) {
			t.Fatal("submit failed on an empty queue")
		}
	}
	queue.submit(func() { driver.Command(sim.CommandFinish) })
	queue.submit(func() { close(done) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.run(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queued jobs did not run")
	}

	steps := mock.PublishedTo("test/step")
	if len(steps) != 2 {
		t.Fatalf("published %d steps, want 2", len(steps))
	}
	var second sim.StepMessage
	if err := json.Unmarshal(steps[1].Payload, &second); err != nil {
		t.Fatal(err)
	}
	if second.Index != 2 || second.Pose.Z != 4 {
		t.Errorf("second step = %+v, want index 2 at z=4", second)
	}
	if s := lastSession(t, mock); s.State != "finished" || s.Steps != 2 {
		t.Errorf("session = %+v, want finished after 2 steps", s)
	}
}

func TestMQTTQueue_FullQueueDrops(t *testing.T) {
	queue := newMQTTQueue(1)
	if !queue.submit(func() {}) {
		t.Fatal("first submit should succeed")
	}
	if queue.submit(func() {}) {
		t.Error("submit on a full queue should report false")
	}
}

func TestMQTTQueue_StopsOnCancel(t *testing.T) {
	queue := newMQTTQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		queue.run(ctx)
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
