package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Environment variable names
const (
	EnvAddr        = "AGROWATCH_ADDR"
	EnvDBPath      = "AGROWATCH_DB_PATH"
	EnvDefinitions = "AGROWATCH_DEFINITIONS"
	EnvNamespace   = "AGROWATCH_NAMESPACE"
	EnvJWTSecret   = "AGROWATCH_JWT_SECRET"
	EnvNoAuth      = "AGROWATCH_NO_AUTH"
	// MQTT settings
	EnvMQTTBroker   = "AGROWATCH_MQTT_BROKER"
	EnvMQTTClientID = "AGROWATCH_MQTT_CLIENT_ID"
	EnvMQTTUsername = "AGROWATCH_MQTT_USERNAME"
	EnvMQTTPassword = "AGROWATCH_MQTT_PASSWORD"
	EnvMQTTUseTLS   = "AGROWATCH_MQTT_USE_TLS"
	// Command lifecycle and liveness
	EnvConfirmTimeout = "AGROWATCH_CONFIRM_TIMEOUT"
	EnvGracePeriod    = "AGROWATCH_GRACE_PERIOD"
	EnvPublishTimeout = "AGROWATCH_PUBLISH_TIMEOUT"
	EnvSweepInterval  = "AGROWATCH_SWEEP_INTERVAL"
	EnvOfflineAfter   = "AGROWATCH_OFFLINE_AFTER"
	EnvReadingHistory = "AGROWATCH_READING_HISTORY"
	// Manual trigger rate limit
	EnvTriggerRate  = "AGROWATCH_TRIGGER_RATE"
	EnvTriggerBurst = "AGROWATCH_TRIGGER_BURST"
)

// Default values
const (
	DefaultAddr        = ":8080"
	DefaultDBPath      = "agrowatch.db"
	DefaultDefinitions = "definitions.yaml"
	DefaultNamespace   = "farm"
	DefaultNoAuth      = false
	// MQTT defaults
	DefaultMQTTBroker   = "tcp://localhost:1883"
	DefaultMQTTClientID = ""
	DefaultMQTTUseTLS   = false
	// Command lifecycle and liveness defaults
	DefaultConfirmTimeout = 30 * time.Second
	DefaultGracePeriod    = 2 * time.Second
	DefaultPublishTimeout = 10 * time.Second
	DefaultSweepInterval  = 5 * time.Minute
	DefaultOfflineAfter   = 10 * time.Minute
	DefaultReadingHistory = 500
	// Manual trigger defaults
	DefaultTriggerRate  = 1.0
	DefaultTriggerBurst = 5
)

// Config holds all application configuration.
// All access should be through getter methods for thread safety.
type Config struct {
	mu       sync.RWMutex
	filePath string
	dirty    bool // tracks if config was modified

	// Server settings
	addr        string
	dbPath      string
	definitions string
	namespace   string

	// Security settings
	jwtSecret string
	noAuth    bool

	// MQTT settings
	mqttBroker   string
	mqttClientID string
	mqttUsername string
	mqttPassword string
	mqttUseTLS   bool

	// Command lifecycle and liveness
	confirmTimeout time.Duration
	gracePeriod    time.Duration
	publishTimeout time.Duration
	sweepInterval  time.Duration
	offlineAfter   time.Duration
	readingHistory int

	// Manual trigger rate limit
	triggerRate  float64
	triggerBurst int
}

// Load loads configuration from .env file or creates it with defaults.
// Process environment variables override file values but are never saved.
func Load(filePath string) (*Config, error) {
	cfg := &Config{
		filePath: filePath,
	}

	// Set defaults first
	cfg.setDefaults()

	// Try to load existing file
	if err := cfg.loadFromFile(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		// File doesn't exist - will be created with defaults
		cfg.dirty = true
	}

	// Generate JWT secret if empty
	if cfg.jwtSecret == "" {
		secret, err := generateSecureSecret(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		cfg.jwtSecret = secret
		cfg.dirty = true
	}

	// Save if config was modified (new file or generated secret)
	if cfg.dirty {
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
	}

	cfg.applyValues(environ())

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults initializes all fields with default values.
func (c *Config) setDefaults() {
	c.addr = DefaultAddr
	c.dbPath = DefaultDBPath
	c.definitions = DefaultDefinitions
	c.namespace = DefaultNamespace
	c.jwtSecret = ""
	c.noAuth = DefaultNoAuth
	// MQTT defaults
	c.mqttBroker = DefaultMQTTBroker
	c.mqttClientID = DefaultMQTTClientID
	c.mqttUsername = ""
	c.mqttPassword = ""
	c.mqttUseTLS = DefaultMQTTUseTLS
	// Lifecycle defaults
	c.confirmTimeout = DefaultConfirmTimeout
	c.gracePeriod = DefaultGracePeriod
	c.publishTimeout = DefaultPublishTimeout
	c.sweepInterval = DefaultSweepInterval
	c.offlineAfter = DefaultOfflineAfter
	c.readingHistory = DefaultReadingHistory
	c.triggerRate = DefaultTriggerRate
	c.triggerBurst = DefaultTriggerBurst
}

// loadFromFile reads configuration from .env file.
func (c *Config) loadFromFile() error {
	file, err := os.Open(c.filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	values, err := ParseEnvFile(file)
	if err != nil {
		return err
	}

	c.applyValues(values)
	return nil
}

// environ returns the AGROWATCH_* process environment variables.
func environ() map[string]string {
	values := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(key, "AGROWATCH_") {
			values[key] = value
		}
	}
	return values
}

// applyValues applies parsed key-value pairs to config.
// Unparseable values keep the current setting.
func (c *Config) applyValues(values map[string]string) {
	setString := func(key string, dst *string) {
		if v, ok := values[key]; ok && v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v, ok := values[key]; ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setString(EnvAddr, &c.addr)
	setString(EnvDBPath, &c.dbPath)
	setString(EnvDefinitions, &c.definitions)
	setString(EnvNamespace, &c.namespace)
	setString(EnvJWTSecret, &c.jwtSecret)

	if v, ok := values[EnvNoAuth]; ok {
		c.noAuth = parseBool(v)
	}

	// MQTT settings
	if v, ok := values[EnvMQTTBroker]; ok {
		c.mqttBroker = v
	}
	if v, ok := values[EnvMQTTClientID]; ok {
		c.mqttClientID = v
	}
	if v, ok := values[EnvMQTTUsername]; ok {
		c.mqttUsername = v
	}
	if v, ok := values[EnvMQTTPassword]; ok {
		c.mqttPassword = v
	}
	if v, ok := values[EnvMQTTUseTLS]; ok {
		c.mqttUseTLS = parseBool(v)
	}

	setDuration(EnvConfirmTimeout, &c.confirmTimeout)
	setDuration(EnvGracePeriod, &c.gracePeriod)
	setDuration(EnvPublishTimeout, &c.publishTimeout)
	setDuration(EnvSweepInterval, &c.sweepInterval)
	setDuration(EnvOfflineAfter, &c.offlineAfter)

	if v, ok := values[EnvReadingHistory]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.readingHistory = n
		}
	}
	if v, ok := values[EnvTriggerRate]; ok && v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			c.triggerRate = r
		}
	}
	if v, ok := values[EnvTriggerBurst]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.triggerBurst = n
		}
	}
}

// validate checks if configuration is valid.
func (c *Config) validate() error {
	// Validate server address
	if c.addr == "" {
		return errors.New("server address cannot be empty")
	}

	// Check if address format is valid
	_, port, err := net.SplitHostPort(c.addr)
	if err != nil {
		return fmt.Errorf("invalid server address format: %s", c.addr)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 1 || portNum > 65535 {
		return fmt.Errorf("invalid port number: %s", port)
	}

	if c.dbPath == "" {
		return errors.New("database path cannot be empty")
	}

	// The namespace prefixes every topic and must not contain wildcards
	if c.namespace == "" || strings.ContainsAny(c.namespace, "+#") || strings.HasSuffix(c.namespace, "/") {
		return fmt.Errorf("invalid topic namespace: %q", c.namespace)
	}

	if c.mqttBroker == "" {
		return errors.New("MQTT broker address cannot be empty")
	}

	if c.confirmTimeout <= 0 || c.gracePeriod <= 0 {
		return errors.New("confirmation timeout and grace period must be positive")
	}
	if c.publishTimeout <= 0 {
		return errors.New("publish timeout must be positive")
	}
	if c.gracePeriod >= c.confirmTimeout {
		return errors.New("grace period must be shorter than the confirmation timeout")
	}
	if c.sweepInterval < time.Second {
		return errors.New("sweep interval must be at least 1 second")
	}
	if c.offlineAfter <= 0 {
		return errors.New("offline threshold must be positive")
	}

	if c.readingHistory < 1 {
		return errors.New("reading history must keep at least 1 reading")
	}

	if c.triggerRate <= 0 || c.triggerBurst < 1 {
		return errors.New("trigger rate and burst must be positive")
	}

	return nil
}

// Save writes current configuration to .env file.
func (c *Config) Save() error {
	c.mu.RLock()
	values := c.toMap()
	filePath := c.filePath
	c.mu.RUnlock()

	if err := WriteEnvFile(filePath, values); err != nil {
		return err
	}

	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()

	return nil
}

// toMap converts config to key-value map for saving.
func (c *Config) toMap() map[string]string {
	return map[string]string{
		EnvAddr:        c.addr,
		EnvDBPath:      c.dbPath,
		EnvDefinitions: c.definitions,
		EnvNamespace:   c.namespace,
		EnvJWTSecret:   c.jwtSecret,
		EnvNoAuth:      strconv.FormatBool(c.noAuth),
		// MQTT settings
		EnvMQTTBroker:   c.mqttBroker,
		EnvMQTTClientID: c.mqttClientID,
		EnvMQTTUsername: c.mqttUsername,
		EnvMQTTPassword: c.mqttPassword,
		EnvMQTTUseTLS:   strconv.FormatBool(c.mqttUseTLS),
		// Lifecycle settings
		EnvConfirmTimeout: c.confirmTimeout.String(),
		EnvGracePeriod:    c.gracePeriod.String(),
		EnvPublishTimeout: c.publishTimeout.String(),
		EnvSweepInterval:  c.sweepInterval.String(),
		EnvOfflineAfter:   c.offlineAfter.String(),
		EnvReadingHistory: strconv.Itoa(c.readingHistory),
		EnvTriggerRate:    strconv.FormatFloat(c.triggerRate, 'f', -1, 64),
		EnvTriggerBurst:   strconv.Itoa(c.triggerBurst),
	}
}

// Getters (thread-safe)

// Addr returns the server address.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

// DBPath returns the bbolt database path.
func (c *Config) DBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dbPath
}

// DefinitionsPath returns the YAML definitions file path.
func (c *Config) DefinitionsPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.definitions
}

// Namespace returns the topic namespace.
func (c *Config) Namespace() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.namespace
}

// JWTSecret returns the JWT secret key.
func (c *Config) JWTSecret() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jwtSecret
}

// NoAuth returns whether authentication is disabled.
func (c *Config) NoAuth() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.noAuth
}

// FilePath returns the path to the .env file.
func (c *Config) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// MQTT Getters

// MQTTBroker returns the MQTT broker address.
func (c *Config) MQTTBroker() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttBroker
}

// MQTTClientID returns the MQTT client ID.
func (c *Config) MQTTClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttClientID
}

// MQTTUsername returns the MQTT username.
func (c *Config) MQTTUsername() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttUsername
}

// MQTTPassword returns the MQTT password.
func (c *Config) MQTTPassword() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttPassword
}

// MQTTUseTLS returns whether TLS is enabled for MQTT.
func (c *Config) MQTTUseTLS() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttUseTLS
}

// Lifecycle Getters

// ConfirmTimeout returns how long confirmed commands wait for an ack.
func (c *Config) ConfirmTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.confirmTimeout
}

// GracePeriod returns how long unconfirmed commands stay sent.
func (c *Config) GracePeriod() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gracePeriod
}

// PublishTimeout returns how long one command publish may block.
func (c *Config) PublishTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.publishTimeout
}

// SweepInterval returns the liveness sweep period.
func (c *Config) SweepInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sweepInterval
}

// OfflineAfter returns the heartbeat silence after which a device is offline.
func (c *Config) OfflineAfter() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offlineAfter
}

// ReadingHistory returns the number of readings kept per sensor.
func (c *Config) ReadingHistory() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readingHistory
}

// TriggerRate returns the per-client manual trigger rate (per second).
func (c *Config) TriggerRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.triggerRate
}

// TriggerBurst returns the per-client manual trigger burst.
func (c *Config) TriggerBurst() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.triggerBurst
}

// Helper functions

// generateSecureSecret generates a cryptographically secure random hex string.
func generateSecureSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// parseBool parses a boolean string value.
// Accepts: true, false, 1, 0, yes, no, on, off (case-insensitive)
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config (without secrets).
func (c *Config) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	secretDisplay := "[not set]"
	if c.jwtSecret != "" {
		secretDisplay = "[set]"
	}

	return fmt.Sprintf(
		"Config{Addr: %q, DB: %q, Namespace: %q, Broker: %q, JWTSecret: %s, NoAuth: %v, ConfirmTimeout: %v, OfflineAfter: %v}",
		c.addr, c.dbPath, c.namespace, c.mqttBroker, secretDisplay, c.noAuth, c.confirmTimeout, c.offlineAfter,
	)
}
