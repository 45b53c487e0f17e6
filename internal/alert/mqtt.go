package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultMQTTConnectTimeout = 10 * time.Second
	defaultMQTTPublishTimeout = 5 * time.Second
	defaultMQTTQuiesce        = 250 // milliseconds
	defaultTopicPrefix        = "frpvisor"
)

// MQTTConfig configures the MQTT alert sink.
type MQTTConfig struct {
	Broker      string `mapstructure:"broker"` // tcp://host:1883 or ssl://host:8883
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
	Retain      bool   `mapstructure:"retain"`
}

// MQTTSink publishes alerts as JSON to <prefix>/alerts/<client name>.
type MQTTSink struct {
	client pahomqtt.Client
	cfg    MQTTConfig
}

func buildMQTTOptions(cfg MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(defaultMQTTConnectTimeout)
	return opts
}

// NewMQTTSink connects to the broker and returns a ready sink.
func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "frpvisor"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	if cfg.QoS < 0 || cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", cfg.QoS)
	}
	client := pahomqtt.NewClient(buildMQTTOptions(cfg))
	token := client.Connect()
	if !token.WaitTimeout(defaultMQTTConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect: timeout after %v", defaultMQTTConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &MQTTSink{client: client, cfg: cfg}, nil
}

func (*MQTTSink) Name() string { return "mqtt" }

// Topic returns the topic an alert for clientName is published on.
func (s *MQTTSink) Topic(clientName string) string {
	return alertTopic(s.cfg.TopicPrefix, clientName)
}

func alertTopic(prefix, clientName string) string {
	name := strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(clientName)
	if name == "" {
		name = "unknown"
	}
	return strings.TrimRight(prefix, "/") + "/alerts/" + name
}

func (s *MQTTSink) Send(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	token := s.client.Publish(s.Topic(a.ClientName), byte(s.cfg.QoS), s.cfg.Retain, payload)
	timeout := defaultMQTTPublishTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt publish: timeout after %v", timeout)
	}
	return token.Error()
}

func (s *MQTTSink) Close() error {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(defaultMQTTQuiesce)
	}
	return nil
}
