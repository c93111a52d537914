package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Broker   string        `mapstructure:"broker"`
	ClientID string        `mapstructure:"client_id"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Topic    string        `mapstructure:"topic"`
	QoS      byte          `mapstructure:"qos"`
	Retain   bool          `mapstructure:"retain"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Publisher is the part of an MQTT client the sink needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes each record as JSON on <topic>/<name>.
type MQTTSink struct {
	client  Publisher
	cfg     MQTTConfig
	timeout time.Duration
}

// mqttPayload is the JSON body of one published record.
type mqttPayload struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Time       time.Time         `json:"time"`
	Value      float64           `json:"value"`
	Dimensions map[string]string `json:"dimensions"`
}

// NewMQTTSink wraps an already connected publisher.
func NewMQTTSink(client Publisher, cfg MQTTConfig) *MQTTSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.Topic == "" {
		cfg.Topic = "eggwatch"
	}
	return &MQTTSink{client: client, cfg: cfg, timeout: timeout}
}

// DialMQTT connects to the configured broker and returns a sink together with
// a function that disconnects it.
func DialMQTT(cfg MQTTConfig) (*MQTTSink, func(), error) {
	if cfg.Broker == "" {
		return nil, nil, errors.New("mqtt broker not configured")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "eggwatch-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(30 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("mqtt connection error: %w", err)
	}
	return NewMQTTSink(client, cfg), func() { client.Disconnect(250) }, nil
}

// Write publishes every record and joins the failures.
func (s *MQTTSink) Write(ctx context.Context, records []MetricRecord) error {
	var errs []error
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		body, err := json.Marshal(mqttPayload{
			ID:         uuid.NewString(),
			Name:       r.Name,
			Time:       r.Time,
			Value:      r.Value,
			Dimensions: r.Dimensions,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}

		topic := strings.TrimSuffix(s.cfg.Topic, "/") + "/" + r.Name
		token := s.client.Publish(topic, s.cfg.QoS, s.cfg.Retain, body)
		if !token.WaitTimeout(s.timeout) {
			errs = append(errs, fmt.Errorf("publish timeout for topic %s", topic))
			continue
		}
		if err := token.Error(); err != nil {
			errs = append(errs, fmt.Errorf("publish to %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}
