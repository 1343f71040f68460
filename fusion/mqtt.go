package fusion

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Handlers receive decoded messages from the subscribed topics. Nil
// handlers leave the topic unsubscribed.
type Handlers struct {
	Inertial func(InertialSample)
	Frame    func(Frame)
	Command  func(string)
}

// MQTTClient manages the broker connection and the input subscriptions.
type MQTTClient struct {
	client      mqtt.Client
	topics      TopicConfig
	handlers    Handlers
	timebase    Timebase
	clock       clock.Clock
	logger      *zap.SugaredLogger
	isConnected bool
	mu          sync.RWMutex
}

// NewMQTTClient builds a client from the configuration. If no broker is
// configured (config or MQTT_BROKER) MQTT is disabled and this returns nil.
func NewMQTTClient(config *Config, handlers Handlers, tb Timebase, logger *zap.SugaredLogger) (*MQTTClient, error) {
	logger = orNop(logger)
	broker := config.ResolveBroker()
	if broker == "" {
		logger.Info("[MQTT] disabled: MQTT_BROKER not set")
		return nil, nil
	}
	if config.MQTT.Topics == (TopicConfig{}) {
		return nil, fmt.Errorf("MQTT enabled but no topics configured")
	}

	c := &MQTTClient{
		topics:   config.MQTT.Topics,
		handlers: handlers,
		timebase: tb,
		clock:    clock.New(),
		logger:   logger,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(config.ResolveClientID())
	if username, password := config.ResolveCredentials(); username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	// Frames and samples must reach the queues in arrival order.
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Connect connects in the background, retrying with exponential backoff
// until it succeeds or ctx is done.
func (c *MQTTClient) Connect(ctx context.Context) {
	go c.connectWithRetry(ctx)
}

func (c *MQTTClient) connectWithRetry(ctx context.Context) {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		c.logger.Info("[MQTT] connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.logger.Info("[MQTT] connected to broker")
				c.setConnected(true)
				return
			}
			c.logger.Warnf("[MQTT] connection failed: %v", token.Error())
		} else {
			c.logger.Warn("[MQTT] connection timeout")
		}

		c.logger.Infof("[MQTT] retrying connection in %v...", retryDelay)
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.logger.Info("[MQTT] connected, subscribing...")
	c.setConnected(true)

	subs := []struct {
		topic   string
		enabled bool
		handler mqtt.MessageHandler
	}{
		{c.topics.Inertial, c.handlers.Inertial != nil, c.handleInertial},
		{c.topics.Video, c.handlers.Frame != nil, c.handleFrame},
		{c.topics.Command, c.handlers.Command != nil, c.handleCommand},
	}
	for _, s := range subs {
		if s.topic == "" || !s.enabled {
			continue
		}
		token := client.Subscribe(s.topic, 0, s.handler)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			c.logger.Errorf("[MQTT] error subscribing to %s: %v", s.topic, token.Error())
		} else {
			c.logger.Infof("[MQTT] subscribed to %s", s.topic)
		}
	}
}

// onConnectionLost is transient; auto-reconnect retries.
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	c.logger.Warnf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	c.logger.Info("[MQTT] reconnecting...")
}

func (c *MQTTClient) handleInertial(client mqtt.Client, msg mqtt.Message) {
	s, err := DecodeInertial(msg.Payload(), c.timebase)
	if err != nil {
		c.logger.Debugf("[MQTT] dropping inertial payload on %s: %v", msg.Topic(), err)
		return
	}
	c.handlers.Inertial(s)
}

func (c *MQTTClient) handleFrame(client mqtt.Client, msg mqtt.Message) {
	received := c.timebase.MS(c.clock.Now())
	f, err := DecodeFrame(msg.Payload(), c.timebase, received)
	if err != nil {
		c.logger.Warnf("[MQTT] dropping video payload on %s (%d bytes): %v", msg.Topic(), len(msg.Payload()), err)
		return
	}
	c.handlers.Frame(f)
}

func (c *MQTTClient) handleCommand(client mqtt.Client, msg mqtt.Message) {
	cmd := strings.TrimSpace(string(msg.Payload()))
	if cmd == "" {
		return
	}
	c.handlers.Command(cmd)
}

// IsConnected returns true if the MQTT client is connected.
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

// Disconnect closes the connection.
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.logger.Info("[MQTT] disconnecting from broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// Client returns the underlying client for publishing.
func (c *MQTTClient) Client() mqtt.Client {
	return c.client
}

// WrapMQTTClient wraps an existing mqtt.Client, such as MockClient.
func WrapMQTTClient(client mqtt.Client, topics TopicConfig, handlers Handlers, tb Timebase, clk clock.Clock) *MQTTClient {
	c := &MQTTClient{
		client:   client,
		topics:   topics,
		handlers: handlers,
		timebase: tb,
		clock:    clk,
		logger:   zap.NewNop().Sugar(),
	}
	if m, ok := client.(*MockClient); ok {
		m.SetOnConnectHandler(c.onConnect)
	}
	return c
}
