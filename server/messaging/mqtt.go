package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/san-kum/drive-score/server/models"
)

// SampleRecorder appends samples to a stored trip.
type SampleRecorder interface {
	RecordSamples(ctx context.Context, id string, samples []models.Sample) error
}

// IngestObserver counts samples accepted and rejected by an ingest path.
type IngestObserver interface {
	SamplesIngested(source string, n int)
	SamplesRejected(source string)
}

type nopIngestObserver struct{}

func (nopIngestObserver) SamplesIngested(string, int) {}
func (nopIngestObserver) SamplesRejected(string)      {}

type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// MQTTIngestor receives samples published by vehicle devices on
// <prefix>/<trip id>/samples. A payload is either one sample or a list.
// Samples are stored without realtime feedback.
type MQTTIngestor struct {
	config   MQTTConfig
	client   mqtt.Client
	recorder SampleRecorder
	observer IngestObserver
	logger   *zap.Logger

	mu        sync.RWMutex
	connected bool
}

func NewMQTTIngestor(config MQTTConfig, recorder SampleRecorder, observer IngestObserver, logger *zap.Logger) *MQTTIngestor {
	if observer == nil {
		observer = nopIngestObserver{}
	}
	return &MQTTIngestor{
		config:   config,
		recorder: recorder,
		observer: observer,
		logger:   logger.Named("mqtt"),
	}
}

// Topic is the subscription filter.
func (m *MQTTIngestor) Topic() string {
	return strings.TrimSuffix(m.config.TopicPrefix, "/") + "/+/samples"
}

func (m *MQTTIngestor) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.config.Broker)
	opts.SetClientID(m.config.ClientID)
	if m.config.Username != "" {
		opts.SetUsername(m.config.Username)
		opts.SetPassword(m.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(m.onConnect)
	opts.SetConnectionLostHandler(m.onConnectionLost)

	m.client = mqtt.NewClient(opts)

	m.logger.Info("Connecting to MQTT broker", zap.String("broker", m.config.Broker))
	// With connect retry the token only completes once a connection is up,
	// so an unreachable broker keeps retrying in the background.
	token := m.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		m.logger.Warn("MQTT broker not reachable yet, retrying in background")
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// onConnect (re)subscribes, since subscriptions do not survive a reconnect
// with a clean session.
func (m *MQTTIngestor) onConnect(client mqtt.Client) {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()

	topic := m.Topic()
	token := client.Subscribe(topic, m.config.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		m.handleMessage(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		m.logger.Error("Failed to subscribe", zap.String("topic", topic), zap.Error(token.Error()))
		return
	}
	m.logger.Info("Subscribed to device samples", zap.String("topic", topic))
}

func (m *MQTTIngestor) onConnectionLost(_ mqtt.Client, err error) {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	m.logger.Warn("MQTT connection lost, reconnecting", zap.Error(err))
}

func (m *MQTTIngestor) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// tripFromTopic extracts the trip id from <prefix>/<id>/samples.
func (m *MQTTIngestor) tripFromTopic(topic string) (string, bool) {
	prefix := strings.TrimSuffix(m.config.TopicPrefix, "/") + "/"
	rest, ok := strings.CutPrefix(topic, prefix)
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/samples")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func decodeSamples(payload []byte) ([]models.Sample, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var raw []models.RawSample
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("invalid sample list: %w", err)
		}
		return models.ValidateBatch(raw)
	}

	var raw models.RawSample
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("invalid sample: %w", err)
	}
	s, err := raw.Validate()
	if err != nil {
		return nil, err
	}
	return []models.Sample{s}, nil
}

func (m *MQTTIngestor) handleMessage(topic string, payload []byte) error {
	tripID, ok := m.tripFromTopic(topic)
	if !ok {
		m.observer.SamplesRejected("mqtt")
		m.logger.Warn("Unexpected topic", zap.String("topic", topic))
		return fmt.Errorf("unexpected topic %q", topic)
	}

	samples, err := decodeSamples(payload)
	if err != nil {
		m.observer.SamplesRejected("mqtt")
		m.logger.Warn("Rejected device samples", zap.String("trip_id", tripID), zap.Error(err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.recorder.RecordSamples(ctx, tripID, samples); err != nil {
		m.logger.Warn("Failed to record device samples", zap.String("trip_id", tripID), zap.Error(err))
		return err
	}

	m.observer.SamplesIngested("mqtt", len(samples))
	return nil
}

func (m *MQTTIngestor) Stop() {
	if m.client != nil && m.client.IsConnected() {
		m.client.Unsubscribe(m.Topic()).WaitTimeout(time.Second)
		m.client.Disconnect(250)
		m.logger.Info("Disconnected from MQTT broker")
	}
}
