package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MessageHandler receives one delivery.
type MessageHandler func(topic string, payload []byte)

// Transport is the pub/sub connection the subscriber reads chunks from.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(filter string, qos byte, handler MessageHandler) error
	// Lost yields an error when the connection drops for good.
	Lost() <-chan error
	Disconnect()
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	// AutoReconnect lets paho re-establish the session; a dropped
	// connection is then logged rather than reported as lost.
	AutoReconnect bool
}

// MQTTTransport is a Transport backed by the paho MQTT client.
type MQTTTransport struct {
	cfg    MQTTConfig
	logger *zap.Logger
	client mqtt.Client

	lost     chan error
	lostOnce sync.Once
}

// NewMQTTTransport creates an unconnected transport.
func NewMQTTTransport(cfg MQTTConfig, logger *zap.Logger) *MQTTTransport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &MQTTTransport{
		cfg:    cfg,
		logger: logger,
		lost:   make(chan error, 1),
	}
}

// Connect dials the broker and waits for the CONNACK.
func (t *MQTTTransport) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.cfg.Broker)
	opts.SetClientID(t.cfg.ClientID)
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}
	opts.SetAutoReconnect(t.cfg.AutoReconnect)
	opts.SetConnectTimeout(t.cfg.ConnectTimeout)
	opts.SetOrderMatters(true)

	opts.OnConnect = func(mqtt.Client) {
		t.logger.Info("mqtt connection established",
			zap.String("broker", t.cfg.Broker),
			zap.String("client_id", t.cfg.ClientID),
		)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		if t.cfg.AutoReconnect {
			t.logger.Warn("mqtt connection lost, waiting for automatic reconnection",
				zap.String("broker", t.cfg.Broker),
				zap.Error(err),
			)
			return
		}
		t.signalLost(err)
	}

	t.client = mqtt.NewClient(opts)
	t.logger.Info("connecting to mqtt broker", zap.String("broker", t.cfg.Broker))

	token := t.client.Connect()
	if err := waitToken(ctx, token, t.cfg.ConnectTimeout); err != nil {
		// Abort the attempt still running in the background.
		t.client.Disconnect(0)
		return fmt.Errorf("mqtt connect %s: %w", t.cfg.Broker, err)
	}
	return nil
}

// Subscribe registers handler for every message matching filter.
func (t *MQTTTransport) Subscribe(filter string, qos byte, handler MessageHandler) error {
	if t.client == nil {
		return errors.New("mqtt subscribe before connect")
	}
	token := t.client.Subscribe(filter, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if err := waitToken(context.Background(), token, t.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt subscribe %q: %w", filter, err)
	}
	return nil
}

// Lost implements Transport.
func (t *MQTTTransport) Lost() <-chan error {
	return t.lost
}

// Disconnect closes the broker connection with a short grace period.
func (t *MQTTTransport) Disconnect() {
	if t.client != nil && t.client.IsConnected() {
		t.client.Disconnect(250)
		t.logger.Info("mqtt disconnected")
	}
}

func (t *MQTTTransport) signalLost(err error) {
	t.lostOnce.Do(func() {
		t.lost <- err
	})
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New("timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}
