// Package mqtt owns the message-bus surface: the paho client with the
// retained availability convention, and the entity discovery publication for
// external consumers.
package mqtt

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Config holds broker connection settings.
type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	Namespace string
	ClientID  string
}

// Client wraps the paho client. The retained `<ns>/status` topic is the
// single availability source for every published entity: `online` goes out
// retained on every connect, `offline` only ever via the last will. Transient
// BLE trouble must never flip it; that is what `<ns>/status/degraded` is for.
type Client struct {
	client pahomqtt.Client
	ns     string
	logger *slog.Logger

	mu        sync.Mutex
	subs      map[string]func(topic string, payload []byte)
	onConnect []func()
}

// Connect dials the broker and blocks until the first session is up.
func Connect(cfg Config, logger *slog.Logger) (*Client, error) {
	c := &Client{
		ns:     cfg.Namespace,
		logger: logger.With("component", "mqtt"),
		subs:   make(map[string]func(string, []byte)),
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "smartbed-bridge"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.Namespace+"/status", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			c.logger.Info("MQTT connected")
			c.publishAvailability()
			c.resubscribe()
			for _, fn := range c.connectHooks() {
				fn()
			}
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			c.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	// Assigned before Connect: the on-connect handler publishes through it.
	c.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return c, nil
}

// Namespace returns the configured root namespace.
func (c *Client) Namespace() string { return c.ns }

// OnConnect registers a hook run on every (re)connect.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

func (c *Client) connectHooks() []func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]func(){}, c.onConnect...)
}

func (c *Client) publishAvailability() {
	c.Publish(c.ns+"/status", []byte("online"), true)
}

// Publish sends a message at QoS 1. Delivery failures are logged, not
// returned; the bus client retries internally.
func (c *Client) Publish(topic string, payload []byte, retain bool) error {
	token := c.client.Publish(topic, 1, retain, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			c.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			c.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
	return nil
}

// Subscribe registers a handler. Subscriptions survive reconnects.
func (c *Client) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()

	token := c.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	return token.Error()
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	subs := make(map[string]func(string, []byte), len(c.subs))
	for t, h := range c.subs {
		subs[t] = h
	}
	c.mu.Unlock()

	for topic, handler := range subs {
		handler := handler
		c.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			handler(msg.Topic(), msg.Payload())
		})
	}
}

// Close disconnects from the broker. Availability is deliberately NOT
// published here: the retained `offline` belongs to the last will alone, so
// a supervised restart never flaps entities in external consumers.
func (c *Client) Close() {
	c.client.Disconnect(500)
	c.logger.Info("MQTT disconnected")
}
