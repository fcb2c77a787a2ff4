package sim

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	// StepTopicSuffix receives one message per session step.
	StepTopicSuffix = "step"
	// SessionTopicSuffix receives the retained session summary.
	SessionTopicSuffix = "session"
)

// StepMessage is the MQTT payload published after every step
type StepMessage struct {
	SessionID string       `json:"sessionId"`
	Index     int          `json:"index"`
	Pose      PoseMessage  `json:"pose"`
	Visible   int          `json:"visible"`
	New       int          `json:"new"`
	Seen      int          `json:"seen"`
	NewIDs    []LandmarkID `json:"newIds"`
	Timestamp int64        `json:"timestamp"`
}

// NewStepMessage builds the step payload.
func NewStepMessage(res StepResult) StepMessage {
	return StepMessage{
		SessionID: res.SessionID,
		Index:     res.Index,
		Pose:      NewPoseMessage(res.Pose),
		Visible:   len(res.Visible),
		New:       len(res.NewlyVisible),
		Seen:      len(res.Seen),
		NewIDs:    VisibleIDs(res.NewlyVisible),
		Timestamp: time.Now().Unix(),
	}
}

// Publisher publishes step results and session summaries to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	lastStep      *StepMessage
	mu            sync.RWMutex
}

// NewPublisher creates a new publisher
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client) *Publisher {
	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" {
		prefix = "pointsim"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,     // steps are a stream; a dropped one is superseded
		retain:        false, // applies to step messages only
	}
}

// SetPrefix overrides the topic prefix
func (p *Publisher) SetPrefix(prefix string) {
	if prefix = strings.TrimSuffix(prefix, "/"); prefix != "" {
		p.publishPrefix = prefix
	}
}

// Prefix returns the topic prefix
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// PublishStep publishes a step result to <prefix>/step
func (p *Publisher) PublishStep(res StepResult) error {
	msg := NewStepMessage(res)

	p.mu.Lock()
	p.lastStep = &msg
	p.mu.Unlock()

	if err := p.publish(StepTopicSuffix, p.retain, msg); err != nil {
		log.Printf("Error publishing step %d: %v", res.Index, err)
		return err
	}
	if len(res.NewlyVisible) > 0 {
		log.Printf("Published step %d: %d visible, %d new, %d seen",
			msg.Index, msg.Visible, msg.New, msg.Seen)
	}
	return nil
}

// PublishSession publishes the session summary to <prefix>/session, retained
// so late subscribers see the current state.
func (p *Publisher) PublishSession(summary SessionSummary) error {
	if err := p.publish(SessionTopicSuffix, true, summary); err != nil {
		log.Printf("Error publishing session %s: %v", summary.ID, err)
		return err
	}
	return nil
}

func (p *Publisher) publish(suffix string, retain bool, v any) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	topic := fmt.Sprintf("%s/%s", p.publishPrefix, suffix)
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s message: %w", suffix, err)
	}

	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// LastStep returns the most recently published step message
func (p *Publisher) LastStep() (StepMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.lastStep == nil {
		return StepMessage{}, false
	}
	return *p.lastStep, true
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether step messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// Configure applies the QoS and step retain settings from the MQTT config.
func (p *Publisher) Configure(cfg MQTTConfig) {
	if cfg.QoS >= 0 {
		p.SetQoS(byte(cfg.QoS))
	}
	p.SetRetain(cfg.Retain)
}
