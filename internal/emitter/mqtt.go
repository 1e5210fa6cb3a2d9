// Package emitter publishes vision results to an MQTT broker.
package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"visionrelay/internal/pipeline"
)

// Payload encodings
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Config configures the MQTT emitter
type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
	Encoding    string
}

// DescriptionMessage is published when the scene description changes
type DescriptionMessage struct {
	ResultID    string    `json:"result_id"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// MQTTEmitter publishes results to {prefix}/result and changed
// descriptions to {prefix}/description. It implements pipeline.ResultSink.
type MQTTEmitter struct {
	cfg    Config
	client mqtt.Client

	mu              sync.RWMutex
	published       map[string]uint64
	errors          uint64
	connected       bool
	lastDescription string
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg Config) *MQTTEmitter {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "visionrelay"
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingJSON
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "visionrelay"
	}
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		log.Printf("[MQTT] Connected to %s (client_id: %s)", broker, e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		log.Printf("[MQTT] Connection lost, will auto-reconnect: %v", err)
	}

	e.client = mqtt.NewClient(opts)

	log.Printf("[MQTT] Connecting to %s", broker)

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Name implements pipeline.ResultSink
func (e *MQTTEmitter) Name() string {
	return "mqtt"
}

// PublishResult publishes the result, and the description when it changed
func (e *MQTTEmitter) PublishResult(result *pipeline.VisionResult) error {
	if result == nil {
		return nil
	}

	payload, err := e.encode(result)
	if err != nil {
		e.recordError()
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if err := e.publish(e.topic("result"), payload); err != nil {
		return err
	}

	e.mu.Lock()
	changed := pipeline.HasChanged(result.Description, e.lastDescription)
	if changed {
		e.lastDescription = result.Description
	}
	e.mu.Unlock()
	if !changed {
		return nil
	}

	payload, err = e.encode(DescriptionMessage{
		ResultID:    result.ID,
		Description: result.Description,
		Timestamp:   result.Timestamp,
	})
	if err != nil {
		e.recordError()
		return fmt.Errorf("failed to encode description: %w", err)
	}
	return e.publish(e.topic("description"), payload)
}

func (e *MQTTEmitter) topic(name string) string {
	return e.cfg.TopicPrefix + "/" + name
}

// encode marshals v in the configured encoding; msgpack reuses the json tags
func (e *MQTTEmitter) encode(v any) ([]byte, error) {
	if e.cfg.Encoding != EncodingMsgpack {
		return json.Marshal(v)
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *MQTTEmitter) publish(topic string, payload []byte) error {
	if !e.isConnected() {
		e.recordError()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.recordError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.recordError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		log.Printf("[MQTT] Disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) setConnected(connected bool) {
	e.mu.Lock()
	e.connected = connected
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) recordError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

var _ pipeline.ResultSink = (*MQTTEmitter)(nil)
