package slam

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// RunHandler is called when a run is requested for a sequence. The range is
// nil when the request did not name one.
type RunHandler func(sequenceID string, frames *FrameRange)

// AbortHandler is called when an abort is requested for a sequence.
type AbortHandler func(sequenceID string)

// MQTTClient manages the MQTT connection and the per-sequence trigger subscriptions
type MQTTClient struct {
	client       mqtt.Client
	config       *Config
	prefix       string
	runHandler   RunHandler
	abortHandler AbortHandler
	isConnected  bool
	mu           sync.RWMutex
}

var (
	globalClient *MQTTClient
	clientMu     sync.Mutex
)

// PublishPrefix returns the topic prefix: MQTT_PUBLISH_PREFIX, then the
// config, then DefaultPublishPrefix.
func PublishPrefix(config *Config) string {
	if prefix := os.Getenv("MQTT_PUBLISH_PREFIX"); prefix != "" {
		return prefix
	}
	if config != nil && config.MQTT.PublishPrefix != "" {
		return config.MQTT.PublishPrefix
	}
	return DefaultPublishPrefix
}

// RunTopic is the trigger topic of a sequence.
func RunTopic(prefix, sequenceID string) string {
	return fmt.Sprintf("%s/%s/run", prefix, sequenceID)
}

// AbortTopic is the cancellation topic of a sequence.
func AbortTopic(prefix, sequenceID string) string {
	return fmt.Sprintf("%s/%s/abort", prefix, sequenceID)
}

// InitMQTT initializes the global MQTT client with the provided configuration
// If neither MQTT_BROKER nor the config name a broker, MQTT is disabled and this returns nil
func InitMQTT(config *Config, onRun RunHandler, onAbort AbortHandler) (*MQTTClient, error) {
	clientMu.Lock()
	defer clientMu.Unlock()

	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("[MQTT] disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || len(config.Sequences) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no sequence configuration provided")
	}

	client := &MQTTClient{
		config:       config,
		prefix:       PublishPrefix(config),
		runHandler:   onRun,
		abortHandler: onAbort,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "tudoslam"
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
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	log.Printf("[MQTT] connecting to broker %s as %s", broker, clientID)
	go func() {
		if err := client.connectWithRetry(connectBackOff()); err != nil {
			log.Printf("[MQTT] giving up on broker %s: %v", broker, err)
		}
	}()

	globalClient = client
	return client, nil
}

// GetMQTTClient returns the global MQTT client instance
func GetMQTTClient() *MQTTClient {
	clientMu.Lock()
	defer clientMu.Unlock()
	return globalClient
}

// connectBackOff retries forever, doubling from one second up to a minute.
func connectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// connectWithRetry connects to the broker, waiting between attempts as b says.
// It returns nil once connected or the last error when b stops.
func (c *MQTTClient) connectWithRetry(b backoff.BackOff) error {
	connect := func() error {
		log.Println("[MQTT] connecting to broker...")
		token := c.client.Connect()
		if !token.WaitTimeout(10 * time.Second) {
			return fmt.Errorf("connection timeout")
		}
		return token.Error()
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("[MQTT] connection failed: %v, retrying in %v", err, wait)
	}

	if err := backoff.RetryNotify(connect, b, notify); err != nil {
		return err
	}
	log.Println("[MQTT] connected to broker")
	c.setConnected(true)
	return nil
}

// onConnect subscribes to the run and abort topics of every sequence.
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("[MQTT] connected, subscribing to sequence topics...")
	c.setConnected(true)

	for _, seq := range c.config.Sequences {
		c.subscribe(client, RunTopic(c.prefix, seq.ID), c.createRunHandler(seq.ID))
		c.subscribe(client, AbortTopic(c.prefix, seq.ID), c.createAbortHandler(seq.ID))
	}
}

func (c *MQTTClient) subscribe(client mqtt.Client, topic string, handler mqtt.MessageHandler) {
	token := client.Subscribe(topic, 1, handler)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("[MQTT] error subscribing to %s: %v", topic, token.Error())
		return
	}
	log.Printf("[MQTT] subscribed to %s", topic)
}

// onConnectionLost is called when the connection drops; auto-reconnect retries.
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] reconnecting...")
}

// runPayload is the optional body of a run request.
type runPayload struct {
	Lower *int `json:"lower"`
	Upper *int `json:"upper"`
}

// parseRunPayload accepts an empty body, a JSON object with lower and upper,
// or the CLI form "LOWER:UPPER".
func parseRunPayload(payload []byte) (*FrameRange, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" || text == "{}" {
		return nil, nil
	}

	var p runPayload
	if err := json.Unmarshal([]byte(text), &p); err == nil {
		if p.Lower == nil || p.Upper == nil {
			return nil, fmt.Errorf("run request needs both lower and upper")
		}
		if *p.Lower > *p.Upper {
			return nil, fmt.Errorf("run request lower %d exceeds upper %d", *p.Lower, *p.Upper)
		}
		return &FrameRange{Lower: *p.Lower, Upper: *p.Upper}, nil
	}

	ranges := ParseRangeOverrides("_=" + text)
	r, ok := ranges["_"]
	if !ok {
		return nil, fmt.Errorf("unrecognised run request %q", text)
	}
	return &r, nil
}

func (c *MQTTClient) createRunHandler(sequenceID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		log.Printf("[MQTT] run requested for %s (topic: %s, size: %d bytes)",
			sequenceID, msg.Topic(), len(msg.Payload()))

		frames, err := parseRunPayload(msg.Payload())
		if err != nil {
			log.Printf("[MQTT] ignoring run request for %s: %v", sequenceID, err)
			return
		}

		if h := c.getRunHandler(); h != nil {
			h(sequenceID, frames)
		}
	}
}

func (c *MQTTClient) createAbortHandler(sequenceID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		log.Printf("[MQTT] abort requested for %s", sequenceID)
		if h := c.getAbortHandler(); h != nil {
			h(sequenceID)
		}
	}
}

// SetRunHandler replaces the run handler.
func (c *MQTTClient) SetRunHandler(handler RunHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runHandler = handler
}

// SetAbortHandler replaces the abort handler.
func (c *MQTTClient) SetAbortHandler(handler AbortHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortHandler = handler
}

func (c *MQTTClient) getRunHandler() RunHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runHandler
}

func (c *MQTTClient) getAbortHandler() AbortHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.abortHandler
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
		log.Println("[MQTT] disconnecting from broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// Prefix returns the topic prefix in use.
func (c *MQTTClient) Prefix() string { return c.prefix }

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock creates an MQTTClient around a provided mqtt.Client.
func newMQTTClientWithMock(client mqtt.Client, config *Config, onRun RunHandler, onAbort AbortHandler) *MQTTClient {
	return &MQTTClient{
		client:       client,
		config:       config,
		prefix:       PublishPrefix(config),
		runHandler:   onRun,
		abortHandler: onAbort,
	}
}
