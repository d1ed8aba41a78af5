package bridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/hashicorp/go-hclog"

	"github.com/photonicat/keydeck/internal/config"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second
)

var ErrConnectionFailed = errors.New("mqtt connection failed")

// Client is a Publisher over a paho connection. Subscriptions are restored
// after every reconnect.
type Client struct {
	client pahomqtt.Client
	qos    byte
	topics Topics
	logger hclog.Logger

	mu   sync.Mutex
	subs map[string]pahomqtt.MessageHandler
}

func clientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
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
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	return opts
}

// Connect dials the broker and announces the bridge online. The broker
// publishes the retained offline status if the connection drops.
func Connect(cfg config.MQTTConfig, logger hclog.Logger) (*Client, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	c := &Client{
		qos:    byte(cfg.QoS),
		topics: Topics{Prefix: cfg.TopicPrefix},
		logger: logger.Named("mqtt"),
		subs:   make(map[string]pahomqtt.MessageHandler),
	}

	opts := clientOptions(cfg)
	opts.SetWill(c.topics.Status(), "offline", 1, true)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.onConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.logger.Warn("connection lost", "error", err)
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	c.logger.Info("connected", "broker", cfg.Broker)
	return c, nil
}

func (c *Client) onConnect() {
	c.client.Publish(c.topics.Status(), 1, true, "online")

	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, h := range c.subs {
		c.client.Subscribe(topic, c.qos, h)
	}
}

func (c *Client) Publish(topic string, retained bool, payload []byte) error {
	token := c.client.Publish(topic, c.qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	return token.Error()
}

func (c *Client) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	h := func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()
		handler(msg.Topic(), msg.Payload())
	}
	c.mu.Lock()
	c.subs[topic] = h
	c.mu.Unlock()

	token := c.client.Subscribe(topic, c.qos, h)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	return token.Error()
}

// Close announces the bridge offline and disconnects.
func (c *Client) Close() {
	if c.client.IsConnected() {
		token := c.client.Publish(c.topics.Status(), 1, true, "offline")
		token.WaitTimeout(publishTimeout)
	}
	c.client.Disconnect(disconnectQuiesce)
}
