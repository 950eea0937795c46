// Package relay mirrors broadcast events onto an MQTT topic so devices and
// dashboards outside the browser can follow a scan run.
package relay

import (
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/scanstream/backend/internal/config"
	"github.com/scanstream/backend/internal/logging"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	disconnectQuiesceMs   = 250
)

var (
	ErrDisabled         = errors.New("relay: mqtt disabled")
	ErrConnectionFailed = errors.New("relay: mqtt connection failed")
)

// publisher is the subset of pahomqtt.Client used here.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// MQTT publishes each broadcast payload to a single topic. Publishing never
// blocks the caller; failures are logged.
type MQTT struct {
	client publisher
	closer func()
	topic  string
	qos    byte
	logger *logging.Logger
}

func Connect(cfg config.MQTTConfig, logger *logging.Logger) (*MQTT, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return newMQTT(client, func() { client.Disconnect(disconnectQuiesceMs) }, cfg, logger), nil
}

func newMQTT(client publisher, closer func(), cfg config.MQTTConfig, logger *logging.Logger) *MQTT {
	return &MQTT{
		client: client,
		closer: closer,
		topic:  cfg.Topic,
		qos:    byte(cfg.QoS),
		logger: logger.With("component", "mqtt-relay"),
	}
}

// Publish hands payload to the broker and returns immediately.
func (m *MQTT) Publish(payload []byte) {
	token := m.client.Publish(m.topic, m.qos, false, payload)
	go m.await(token)
}

func (m *MQTT) await(token pahomqtt.Token) {
	if !token.WaitTimeout(defaultPublishTimeout) {
		m.logger.Warn("mqtt publish timed out", "topic", m.topic)
		return
	}
	if err := token.Error(); err != nil {
		m.logger.Warn("mqtt publish failed", "topic", m.topic, "error", err)
	}
}

func (m *MQTT) Close() {
	if m.closer != nil {
		m.closer()
	}
}
