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
	// PoseTopicSuffix carries JSON poses that drive the session.
	PoseTopicSuffix = "pose"
	// CommandTopicSuffix carries "reset" and "finish" commands.
	CommandTopicSuffix = "command"
)

// Session commands accepted on the command topic.
const (
	CommandReset  = "reset"
	CommandFinish = "finish"
)

// PoseHandler is called for every valid pose received over MQTT, on paho's
// router goroutine and in arrival order. It must not block.
type PoseHandler func(pose Pose)

// CommandHandler is called for every recognized session command.
type CommandHandler func(command string)

// MQTTClient manages the MQTT connection and the driver subscriptions
type MQTTClient struct {
	client         mqtt.Client
	prefix         string
	poseHandler    PoseHandler
	commandHandler CommandHandler
	isConnected    bool
	mu             sync.RWMutex
}

// InitMQTT creates the MQTT client described by config and connects in the
// background. If no broker is configured (MQTT_BROKER env var or
// mqtt.broker), MQTT is disabled and this returns nil.
func InitMQTT(config *Config, poses PoseHandler, commands CommandHandler) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}
	if config == nil {
		return nil, fmt.Errorf("MQTT enabled but no configuration provided")
	}

	client := &MQTTClient{
		prefix:         topicPrefix(config),
		poseHandler:    poses,
		commandHandler: commands,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "pointsim"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // keep subscriptions across reconnects
	opts.SetOrderMatters(true)  // handlers only enqueue; poses keep arrival order

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client, nil
}

// topicPrefix resolves the topic prefix: MQTT_PUBLISH_PREFIX, then config,
// then "pointsim".
func topicPrefix(config *Config) string {
	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" && config != nil {
		prefix = config.MQTT.TopicPrefix
	}
	if prefix == "" {
		prefix = "pointsim"
	}
	return strings.TrimSuffix(prefix, "/")
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("[MQTT] Connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] Connected to broker")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] Connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] Connection timeout")
		}

		log.Printf("[MQTT] Retrying connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// Topics returns the pose and command topics this client subscribes to.
func (c *MQTTClient) Topics() (pose, command string) {
	return c.prefix + "/" + PoseTopicSuffix, c.prefix + "/" + CommandTopicSuffix
}

// onConnect is called when the MQTT connection is established
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	poseTopic, commandTopic := c.Topics()

	for topic, handler := range map[string]mqtt.MessageHandler{
		poseTopic:    c.handlePose,
		commandTopic: c.handleCommand,
	} {
		log.Printf("[MQTT] Subscribing to %s", topic)
		token := client.Subscribe(topic, 1, handler)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("[MQTT] Error subscribing to %s: %v", topic, token.Error())
		}
	}
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] Connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] Reconnecting...")
}

// handlePose decodes a JSON pose and forwards it.
func (c *MQTTClient) handlePose(client mqtt.Client, msg mqtt.Message) {
	var pm PoseMessage
	if err := json.Unmarshal(msg.Payload(), &pm); err != nil {
		log.Printf("[MQTT] Ignoring pose on %s: %v", msg.Topic(), err)
		return
	}
	pose := pm.Pose()
	if err := pose.Validate(); err != nil {
		log.Printf("[MQTT] Ignoring pose on %s: %v", msg.Topic(), err)
		return
	}
	if c.poseHandler != nil {
		c.poseHandler(pose)
	}
}

// commandPayload is the JSON object form of a command message
type commandPayload struct {
	Command string `json:"command"`
}

// ParseCommand extracts a command from a payload written as a JSON object
// {"command": "reset"}, a JSON string "reset", or a bare string.
func ParseCommand(payload []byte) string {
	var obj commandPayload
	if err := json.Unmarshal(payload, &obj); err == nil && obj.Command != "" {
		return strings.ToLower(obj.Command)
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return strings.ToLower(strings.TrimSpace(string(payload)))
}

func (c *MQTTClient) handleCommand(client mqtt.Client, msg mqtt.Message) {
	cmd := ParseCommand(msg.Payload())
	switch cmd {
	case CommandReset, CommandFinish:
		log.Printf("[MQTT] Session command: %s", cmd)
		if c.commandHandler != nil {
			c.commandHandler(cmd)
		}
	case "":
		log.Printf("[MQTT] Empty command on %s, skipping", msg.Topic())
	default:
		log.Printf("[MQTT] Unknown command %q on %s", cmd, msg.Topic())
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] Disconnecting from broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// Prefix returns the resolved topic prefix.
func (c *MQTTClient) Prefix() string {
	return c.prefix
}

// newMQTTClientWithMock creates an MQTTClient around a provided mqtt.Client.
// This is used for testing with mock clients
func newMQTTClientWithMock(client mqtt.Client, prefix string, poses PoseHandler, commands CommandHandler) *MQTTClient {
	return &MQTTClient{
		client:         client,
		prefix:         prefix,
		poseHandler:    poses,
		commandHandler: commands,
	}
}
