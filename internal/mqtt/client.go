// Package mqtt provides the MQTT transport: broker connection, QoS publishing
// and the inbound topic routing table
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Availability payloads published on the service status topic
const (
	AvailabilityOnline  = "online"
	AvailabilityOffline = "offline"
)

// ErrNotConnected is returned when publishing or subscribing while disconnected
var ErrNotConnected = errors.New("MQTT client is not connected")

// Config holds MQTT client configuration
type Config struct {
	Broker   string // MQTT broker address (e.g., "tcp://localhost:1883")
	ClientID string // Unique client ID
	Username string // MQTT username (optional)
	Password string // MQTT password (optional)
	UseTLS   bool   // Enable TLS connection

	// AvailabilityTopic carries a retained online/offline flag for this service.
	// The broker publishes offline through the last will if we drop.
	AvailabilityTopic string
}

// MessageHandler receives inbound messages
type MessageHandler func(topic string, payload []byte)

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client wraps the MQTT client with additional functionality
type Client struct {
	client   mqtt.Client
	config   Config
	mu       sync.RWMutex
	logger   *log.Logger
	isActive bool

	subsMu sync.Mutex
	subs   map[string]subscription
}

// New creates a new MQTT client
func New(cfg Config, logger *log.Logger) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address is required")
	}

	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("agrowatch-%d", time.Now().Unix())
	}

	c := &Client{
		config: cfg,
		logger: logger,
		subs:   make(map[string]subscription),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	// Configure TLS if enabled
	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	if cfg.AvailabilityTopic != "" {
		opts.SetWill(cfg.AvailabilityTopic, AvailabilityOffline, 1, true)
	}

	// Set connection handlers
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.logf("Connection lost: %v", err)
	})

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logf("Connected to broker: %s", cfg.Broker)
		c.onConnect(client)
	})

	opts.SetReconnectingHandler(func(client mqtt.Client, options *mqtt.ClientOptions) {
		c.logf("Attempting to reconnect...")
	})

	// Auto-reconnect settings
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(10 * time.Second)

	// Keep alive settings
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Clean session: subscriptions are restored in onConnect
	opts.SetCleanSession(true)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

func (c *Client) logf(format string, v ...interface{}) {
	if c.logger != nil {
		c.logger.Printf("[MQTT] "+format, v...)
	}
}

// onConnect announces availability and restores subscriptions after every (re)connect
func (c *Client) onConnect(client mqtt.Client) {
	if c.config.AvailabilityTopic != "" {
		token := client.Publish(c.config.AvailabilityTopic, 1, true, AvailabilityOnline)
		go func() {
			if token.WaitTimeout(10*time.Second) && token.Error() != nil {
				c.logf("Failed to publish availability: %v", token.Error())
			}
		}()
	}

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for filter, sub := range c.subs {
		token := client.Subscribe(filter, sub.qos, wrap(sub.handler))
		go func(filter string) {
			if token.WaitTimeout(10*time.Second) && token.Error() != nil {
				c.logf("Failed to resubscribe to %s: %v", filter, token.Error())
			}
		}(filter)
	}
}

func wrap(h MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	}
}

// Connect establishes connection to MQTT broker
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isActive {
		return nil // Already connected
	}

	c.logf("Connecting to broker: %s", c.config.Broker)

	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.isActive = true
	c.logf("Successfully connected")
	return nil
}

// Disconnect announces the service offline and closes the connection
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isActive {
		return
	}

	if c.config.AvailabilityTopic != "" && c.client.IsConnected() {
		token := c.client.Publish(c.config.AvailabilityTopic, 1, true, AvailabilityOffline)
		token.WaitTimeout(time.Second)
	}

	c.client.Disconnect(250) // Wait up to 250ms for graceful disconnect
	c.isActive = false

	c.logf("Disconnected from broker")
}

// Subscribe registers handler for filter. The subscription survives reconnects.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	c.subsMu.Lock()
	c.subs[filter] = subscription{qos: qos, handler: handler}
	c.subsMu.Unlock()

	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.isActive {
		return ErrNotConnected
	}

	token := c.client.Subscribe(filter, qos, wrap(handler))
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", filter, token.Error())
	}

	c.logf("Subscribed to %s (QoS %d)", filter, qos)
	return nil
}

// Publish publishes payload with explicit QoS and retained settings and waits
// for the broker to accept it or ctx to end
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.isActive {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s abandoned: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logf("Published to %s (QoS %d, retained %v)", topic, qos, retained)
	return nil
}

// IsConnected returns true if client is connected to broker
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isActive && c.client.IsConnected()
}
