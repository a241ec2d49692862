package pipeline

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/telemetry-hub/internal/ingest"
	"github.com/t77yq/telemetry-hub/internal/monitor"
)

// BridgeConfig holds MQTT bridge settings
type BridgeConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Topic          string
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// Bridge forwards telemetry from an MQTT broker into the telemetry stream
type Bridge struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	config BridgeConfig
	client paho.Client
}

// NewBridge creates a new MQTT bridge
func NewBridge(js nats.JetStreamContext, config BridgeConfig, logger *zap.Logger) *Bridge {
	if config.Topic == "" {
		config.Topic = "+/devices/+/telemetry"
	}
	if config.ClientID == "" {
		config.ClientID = "telemetry-hub-bridge"
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	return &Bridge{
		logger: logger.Named("mqtt-bridge"),
		js:     js,
		config: config,
	}
}

// Start connects to the MQTT broker. Subscriptions are renewed on every reconnect.
func (b *Bridge) Start() error {
	opts := paho.NewClientOptions()
	opts.AddBroker(b.config.Broker)
	opts.SetClientID(b.config.ClientID)
	opts.SetUsername(b.config.Username)
	opts.SetPassword(b.config.Password)
	opts.SetConnectTimeout(b.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)
	opts.SetOnConnectHandler(func(client paho.Client) {
		token := client.Subscribe(b.config.Topic, b.config.QoS, b.handle)
		if token.WaitTimeout(b.config.ConnectTimeout) && token.Error() == nil {
			b.logger.Info("Subscribed to MQTT telemetry", zap.String("topic", b.config.Topic))
			return
		}
		b.logger.Error("Failed to subscribe to MQTT telemetry",
			zap.String("topic", b.config.Topic),
			zap.Error(token.Error()))
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		b.logger.Warn("MQTT connection lost", zap.Error(err))
	})

	b.client = paho.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(b.config.ConnectTimeout) {
		return fmt.Errorf("timeout connecting to MQTT broker %s", b.config.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// Stop disconnects from the broker
func (b *Bridge) Stop() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
}

// handle forwards one MQTT message. The message id lets JetStream drop QoS 1 redeliveries.
func (b *Bridge) handle(_ paho.Client, msg paho.Message) {
	subject, err := ingest.SubjectFromTopic(msg.Topic())
	if err != nil {
		monitor.IncIngestRejection(ingest.Reason(err))
		b.logger.Debug("Ignoring MQTT message", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}

	sum := sha1.Sum(append([]byte(msg.Topic()+"\n"), msg.Payload()...))

	out := nats.NewMsg(subject)
	out.Data = msg.Payload()
	out.Header.Set(nats.MsgIdHdr, hex.EncodeToString(sum[:]))

	if _, err := b.js.PublishMsg(out, nats.AckWait(b.config.PublishTimeout)); err != nil {
		b.logger.Error("Failed to forward MQTT message",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
