// Package config loads and validates the bridge configuration.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"smartbed-bridge/internal/bed"
	"smartbed-bridge/internal/faults"
)

// AutoDetect is the literal a launcher replaces with discovered values.
const AutoDetect = "<auto_detect>"

const (
	defaultNamespace = "smartbedmqtt"
	defaultDataDir   = "/data"
	fallbackBroker   = "172.30.32.1"
	supervisorBroker = "core-mosquitto"
)

// ProxyConfig is one BLE proxy endpoint. ExpectedServerName is mutable at
// runtime: when the proxy presents a different name the retry layer pins to
// the presented one.
type ProxyConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Password           string `yaml:"password"`
	EncryptionKey      string `yaml:"encryptionKey"`
	ExpectedServerName string `yaml:"expectedServerName"`
}

// DeviceConfig is one configured bed.
type DeviceConfig struct {
	Name          string `yaml:"name"`
	FriendlyName  string `yaml:"friendlyName"`
	StayConnected bool   `yaml:"stayConnected"`
	Aliases       string `yaml:"aliases"`
}

// Config is the full bridge configuration.
type Config struct {
	MQTTHost     string `yaml:"mqtt_host"`
	MQTTPort     string `yaml:"mqtt_port"`
	MQTTUser     string `yaml:"mqtt_user"`
	MQTTPassword string `yaml:"mqtt_password"`

	Type       string         `yaml:"type"`
	Namespace  string         `yaml:"namespace"`
	DataDir    string         `yaml:"data_dir"`
	BLEProxies []ProxyConfig  `yaml:"bleProxies"`
	Devices    []DeviceConfig `yaml:"devices"`

	Web struct {
		Listen string `yaml:"listen"`
		APIKey string `yaml:"api_key"`
	} `yaml:"web"`

	ScriptsDir string `yaml:"scripts_dir"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load reads and parses the configuration file, filling defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.Wrap(faults.KindConfig, "read config", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, faults.Wrap(faults.KindConfig, "parse config", err)
	}

	if cfg.Namespace == "" {
		cfg.Namespace = defaultNamespace
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.MQTTPort == "" {
		cfg.MQTTPort = "1883"
	}
	if cfg.Type == "" {
		cfg.Type = "keeson"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	for i := range cfg.BLEProxies {
		if cfg.BLEProxies[i].Port == 0 {
			cfg.BLEProxies[i].Port = 6053
		}
	}
	return &cfg, nil
}

// ResolveAutoDetect replaces `<auto_detect>` literals with values from the
// environment the launcher prepared. A discovered localhost broker is
// replaced with the supervisor's broker host; a missing discovery falls back
// to the well-known internal address.
func (c *Config) ResolveAutoDetect(getenv func(string) string) {
	if c.MQTTHost == AutoDetect {
		host := getenv("MQTT_HOST")
		switch host {
		case "":
			host = fallbackBroker
		case "localhost", "127.0.0.1":
			host = supervisorBroker
		}
		c.MQTTHost = host
	}
	if c.MQTTPort == AutoDetect {
		port := getenv("MQTT_PORT")
		if port == "" {
			port = "1883"
		}
		c.MQTTPort = port
	}
	if c.MQTTUser == AutoDetect {
		c.MQTTUser = getenv("MQTT_USER")
	}
	if c.MQTTPassword == AutoDetect {
		c.MQTTPassword = getenv("MQTT_PASSWORD")
	}
}

// MQTTPortInt parses the resolved broker port.
func (c *Config) MQTTPortInt() (int, error) {
	p, err := strconv.Atoi(c.MQTTPort)
	if err != nil {
		return 0, faults.Wrap(faults.KindConfig, "mqtt_port", err)
	}
	return p, nil
}

// Validate checks the configuration after auto-detect resolution.
func (c *Config) Validate() error {
	if c.MQTTHost == "" || c.MQTTHost == AutoDetect {
		return faults.New(faults.KindConfig, "mqtt_host is required")
	}
	if _, err := c.MQTTPortInt(); err != nil {
		return err
	}
	if _, ok := bed.VendorByType(c.Type); !ok {
		return faults.New(faults.KindConfig, "unknown type %q", c.Type)
	}
	if len(c.BLEProxies) == 0 {
		return faults.New(faults.KindConfig, "at least one entry in bleProxies is required")
	}
	for i, p := range c.BLEProxies {
		if p.Host == "" {
			return faults.New(faults.KindConfig, "bleProxies[%d].host is required", i)
		}
	}
	if len(c.Devices) == 0 {
		return faults.New(faults.KindConfig, "at least one device is required")
	}
	seen := make(map[string]struct{})
	for i, d := range c.Devices {
		if d.Name == "" {
			return faults.New(faults.KindConfig, "devices[%d].name is required", i)
		}
		if d.FriendlyName == "" {
			return faults.New(faults.KindConfig, "devices[%d].friendlyName is required", i)
		}
		if _, dup := seen[d.FriendlyName]; dup {
			return faults.New(faults.KindConfig, "duplicate friendlyName %q", d.FriendlyName)
		}
		seen[d.FriendlyName] = struct{}{}
	}
	return nil
}

// BedConfigs converts the device list into bed configurations.
func (c *Config) BedConfigs() []bed.Config {
	out := make([]bed.Config, 0, len(c.Devices))
	for _, d := range c.Devices {
		out = append(out, bed.Config{
			Name:          d.Name,
			FriendlyName:  d.FriendlyName,
			StayConnected: d.StayConnected,
			Aliases:       d.Aliases,
		})
	}
	return out
}

// PreferencesPath is the connect cache-mode preference file location.
func (c *Config) PreferencesPath() string {
	return fmt.Sprintf("%s/%s-ble-preferences.json", c.DataDir, c.Namespace)
}

// ControllerStatsPath is the controller statistics file location.
func (c *Config) ControllerStatsPath() string {
	return fmt.Sprintf("%s/%s-%s-controller-preferences.json", c.DataDir, c.Namespace, c.Type)
}

// StorePath is the bbolt controller registry location.
func (c *Config) StorePath() string {
	return fmt.Sprintf("%s/%s-registry.db", c.DataDir, c.Namespace)
}
