package device

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var ErrNotConnected = errors.New("not connected")

type MQTTOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	Serial   string
	ClientID string

	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// MQTTClient carries the telemetry and control channels of one printer. The
// printer serves MQTT over TLS with a self-signed certificate.
type MQTTClient struct {
	opts     MQTTOptions
	client   mqtt.Client
	onReport func(payload []byte)
	logger   *slog.Logger
}

// NewMQTTClient prepares a client that delivers every report payload to
// onReport, from paho's delivery goroutine.
func NewMQTTClient(opts MQTTOptions, onReport func(payload []byte)) *MQTTClient {
	if opts.Port == 0 {
		opts.Port = 8883
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ClientID == "" {
		opts.ClientID = "print-manager-" + opts.Serial
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &MQTTClient{
		opts:     opts,
		onReport: onReport,
		logger:   logger.With("serial", opts.Serial),
	}

	co := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", opts.Host, opts.Port)).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}). // #nosec G402 -- printers use self-signed certificates
		SetConnectTimeout(opts.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.logger.Warn("mqtt connection lost", "error", err)
		})

	c.client = mqtt.NewClient(co)
	return c
}

// Connect starts connecting. With retry enabled the attempt continues in the
// background if ctx ends first.
func (c *MQTTClient) Connect(ctx context.Context) error {
	token := c.client.Connect()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	topic := ReportTopic(c.opts.Serial)
	c.logger.Info("connected to printer mqtt")

	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		c.onReport(msg.Payload())
	})
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			c.logger.Error("subscription failed", "topic", topic, "error", err)
			return
		}
		c.logger.Info("subscribed", "topic", topic)
	}()

	if err := c.Publish(PushAll()); err != nil {
		c.logger.Error("failed to request full state", "error", err)
	}
}

// Publish sends cmd without waiting for delivery. Delivery failures are
// logged and the command is dropped.
func (c *MQTTClient) Publish(cmd Command) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	payload, err := cmd.Marshal()
	if err != nil {
		return fmt.Errorf("encode %s command: %w", cmd.Name(), err)
	}

	token := c.client.Publish(RequestTopic(c.opts.Serial), 0, false, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			c.logger.Error("failed to send command", "command", cmd.Name(), "param", cmd.Param(), "error", err)
			return
		}
		c.logger.Debug("sent command", "command", cmd.Name(), "param", cmd.Param())
	}()
	return nil
}

func (c *MQTTClient) Close() {
	c.client.Disconnect(250)
}
