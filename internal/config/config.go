// Package config handles sensorbridge configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/sensorbridge/internal/bridge"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/sensorbridge/config.yaml,
// /etc/sensorbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sensorbridge", "config.yaml"))
	}

	paths = append(paths, "/etc/sensorbridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all sensorbridge configuration.
type Config struct {
	// DomainID is the domain joined at startup. The -domain flag
	// overrides it.
	DomainID  int           `yaml:"domain_id"`
	Node      NodeConfig    `yaml:"node"`
	Fabric    FabricConfig  `yaml:"fabric"`
	QoS       QoSConfig     `yaml:"qos"`
	Topics    TopicsConfig  `yaml:"topics"`
	Sensors   SensorsConfig `yaml:"sensors"`
	Listen    ListenConfig  `yaml:"listen"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // text or json
}

// NodeConfig names this process on the fabric.
type NodeConfig struct {
	Name string `yaml:"name"`
	// Namespace is prepended to every topic (e.g. "phone1" gives
	// "phone1/illuminance").
	Namespace string `yaml:"namespace"`
}

// FabricConfig selects and configures the messaging backend.
type FabricConfig struct {
	Kind     string     `yaml:"kind"`     // loopback, mqtt, nats
	Encoding string     `yaml:"encoding"` // json, cbor
	MQTT     MQTTConfig `yaml:"mqtt"`
	NATS     NATSConfig `yaml:"nats"`
}

// MQTTConfig defines the MQTT broker connection.
type MQTTConfig struct {
	Broker       string `yaml:"broker"` // e.g. mqtt://homeassistant.local:1883
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	TopicPrefix  string `yaml:"topic_prefix"`
	KeepAliveSec int    `yaml:"keepalive_sec"`
}

// NATSConfig defines the NATS server connection.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	MaxReconnects int    `yaml:"max_reconnects"` // -1 retries forever
}

// QoSConfig is the delivery policy for every sensor publisher.
type QoSConfig struct {
	Depth       int    `yaml:"depth"`
	Reliability string `yaml:"reliability"` // reliable, best_effort
}

// TopicsConfig holds the base topic per message kind.
type TopicsConfig struct {
	Illuminance string `yaml:"illuminance"`
	Range       string `yaml:"range"`
}

// SensorsConfig selects the hardware platform.
type SensorsConfig struct {
	Platform     string            `yaml:"platform"` // iio, simulated
	IIODir       string            `yaml:"iio_dir"`
	PollInterval time.Duration     `yaml:"poll_interval"`
	FieldOfView  float64           `yaml:"field_of_view"` // radians, reported by range sensors
	Simulated    []SimulatedSensor `yaml:"simulated"`
}

// SimulatedSensor describes one sensor of the simulated platform.
type SimulatedSensor struct {
	Kind   string        `yaml:"kind"`
	Name   string        `yaml:"name"`
	Min    float64       `yaml:"min"`
	Max    float64       `yaml:"max"`
	Period time.Duration `yaml:"period"`
}

// ListenConfig defines the diagnostics server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // 0 disables the server
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded and defaults are applied to unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{
		Listen: ListenConfig{Port: 8090},
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration: loopback fabric and a
// simulated light and proximity sensor.
func Default() *Config {
	cfg := &Config{
		Listen: ListenConfig{Port: 8090},
		Sensors: SensorsConfig{
			Platform: "simulated",
			Simulated: []SimulatedSensor{
				{Kind: "light", Name: "simulated light", Min: 0, Max: 1000, Period: time.Minute},
				{Kind: "proximity", Name: "simulated proximity", Min: 0, Max: 5, Period: 20 * time.Second},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Node.Name == "" {
		c.Node.Name = "sensorbridge"
	}
	if c.Fabric.Kind == "" {
		c.Fabric.Kind = "loopback"
	}
	if c.Fabric.Encoding == "" {
		c.Fabric.Encoding = "json"
	}
	if c.Fabric.MQTT.TopicPrefix == "" {
		c.Fabric.MQTT.TopicPrefix = "sensorbridge"
	}
	if c.Fabric.MQTT.KeepAliveSec == 0 {
		c.Fabric.MQTT.KeepAliveSec = 30
	}
	if c.Fabric.NATS.URL == "" {
		c.Fabric.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.Fabric.NATS.SubjectPrefix == "" {
		c.Fabric.NATS.SubjectPrefix = "sensorbridge"
	}
	if c.Fabric.NATS.MaxReconnects == 0 {
		c.Fabric.NATS.MaxReconnects = -1
	}
	if c.QoS.Depth == 0 {
		c.QoS.Depth = 1
	}
	if c.QoS.Reliability == "" {
		c.QoS.Reliability = "reliable"
	}
	if c.Topics.Illuminance == "" {
		c.Topics.Illuminance = "illuminance"
	}
	if c.Topics.Range == "" {
		c.Topics.Range = "range"
	}
	if c.Sensors.Platform == "" {
		c.Sensors.Platform = "iio"
	}
	if c.Sensors.PollInterval == 0 {
		c.Sensors.PollInterval = 200 * time.Millisecond
	}
	if c.Sensors.FieldOfView == 0 {
		c.Sensors.FieldOfView = 0.5
	}
	for i := range c.Sensors.Simulated {
		if c.Sensors.Simulated[i].Period == 0 {
			c.Sensors.Simulated[i].Period = time.Minute
		}
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if err := bridge.ValidateDomain(c.DomainID); err != nil {
		errs = append(errs, fmt.Errorf("domain_id: %w", err))
	}
	switch c.Fabric.Kind {
	case "loopback":
	case "mqtt":
		if c.Fabric.MQTT.Broker == "" {
			errs = append(errs, errors.New("fabric.mqtt.broker is required for the mqtt fabric"))
		}
	case "nats":
		if c.Fabric.NATS.URL == "" {
			errs = append(errs, errors.New("fabric.nats.url is required for the nats fabric"))
		}
	default:
		errs = append(errs, fmt.Errorf("fabric.kind %q is not one of loopback, mqtt, nats", c.Fabric.Kind))
	}
	switch c.Fabric.Encoding {
	case "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("fabric.encoding %q is not one of json, cbor", c.Fabric.Encoding))
	}
	if c.QoS.Depth < 1 {
		errs = append(errs, fmt.Errorf("qos.depth %d must be at least 1", c.QoS.Depth))
	}
	switch c.Sensors.Platform {
	case "iio":
	case "simulated":
		for i, s := range c.Sensors.Simulated {
			if s.Max < s.Min {
				errs = append(errs, fmt.Errorf("sensors.simulated[%d]: max %v below min %v", i, s.Max, s.Min))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("sensors.platform %q is not one of iio, simulated", c.Sensors.Platform))
	}
	if c.Sensors.PollInterval < 0 {
		errs = append(errs, errors.New("sensors.poll_interval must not be negative"))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q is not one of text, json", c.LogFormat))
	}

	return errors.Join(errs...)
}

// Topic joins the node namespace and a base topic.
func (c *Config) Topic(base string) string {
	ns := strings.Trim(c.Node.Namespace, "/")
	if ns == "" {
		return base
	}
	return path.Join(ns, base)
}
