// Package config loads the strikenet configuration shared by the collector
// and receiver nodes.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where Save writes when the config was not loaded from a file.
const DefaultPath = "/etc/strikenet/config.yaml"

// Config holds all node configuration.
type Config struct {
	mu sync.RWMutex

	// Radio console link (collector)
	Serial SerialConfig `yaml:"serial" json:"serial"`
	WiFi   WiFiConfig   `yaml:"wifi" json:"wifi"`

	Collector CollectorConfig `yaml:"collector" json:"collector"`
	Receiver  ReceiverConfig  `yaml:"receiver" json:"receiver"`

	// Display preferences
	Display DisplayConfig `yaml:"display" json:"display"`

	// Strike sinks (receiver)
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	History HistoryConfig `yaml:"history" json:"history"`
	Alert   AlertConfig   `yaml:"alert" json:"alert"`

	path string // file path for save/load
}

type SerialConfig struct {
	Type          string `yaml:"type" json:"type"`          // "nodemcu" or "demo"
	PortPath      string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0
	BaudRate      int    `yaml:"baud_rate" json:"baudRate"`
	TimeoutMS     int    `yaml:"timeout_ms" json:"timeoutMs"`          // per byte
	PollTimeoutMS int    `yaml:"poll_timeout_ms" json:"pollTimeoutMs"` // per polling operation
	MaxLine       int    `yaml:"max_line" json:"maxLine"`
	ResetLine     string `yaml:"reset_line" json:"resetLine"` // "rts", "dtr" or "none"
}

type WiFiConfig struct {
	SSID       string `yaml:"ssid" json:"ssid"`
	Passphrase string `yaml:"passphrase" json:"-"`
}

type CollectorConfig struct {
	DetectorID   int    `yaml:"detector_id" json:"detectorId"`
	Source       string `yaml:"source" json:"source"` // "demo"
	ServerHost   string `yaml:"server_host" json:"serverHost"`
	ServerPort   int    `yaml:"server_port" json:"serverPort"`
	Protocol     string `yaml:"protocol" json:"protocol"` // "tcp" or "udp"
	RetryDelayMS int    `yaml:"retry_delay_ms" json:"retryDelayMs"`
	DemoMinMS    int    `yaml:"demo_min_ms" json:"demoMinMs"`
	DemoMaxMS    int    `yaml:"demo_max_ms" json:"demoMaxMs"`
	MetricsAddr  string `yaml:"metrics_addr" json:"metricsAddr"` // empty disables
}

type ReceiverConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"` // TCP record ingest
	UDPAddr    string `yaml:"udp_addr" json:"udpAddr"`       // optional UDP ingest
	HTTPAddr   string `yaml:"http_addr" json:"httpAddr"`     // display, API, metrics
}

type DisplayConfig struct {
	Units    string `yaml:"units" json:"units"` // "km" or "mi"
	WarnKM   int    `yaml:"warn_km" json:"warnKm"`
	DangerKM int    `yaml:"danger_km" json:"dangerKm"`
	Sound    bool   `yaml:"sound" json:"sound"` // audible alarm in the browser
}

type LoggingConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

type HistoryConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	Key      string `yaml:"key" json:"key"`
	Limit    int    `yaml:"limit" json:"limit"`
}

type AlertConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Broker   string `yaml:"broker" json:"broker"` // e.g. tcp://localhost:1883
	Topic    string `yaml:"topic" json:"topic"`
	ClientID string `yaml:"client_id" json:"clientId"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	QoS      int    `yaml:"qos" json:"qos"`
	// MaxKM suppresses alerts for strikes further away. Zero alerts on all.
	MaxKM int `yaml:"max_km" json:"maxKm"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Type:          "nodemcu",
			PortPath:      "/dev/ttyUSB0",
			BaudRate:      9600,
			TimeoutMS:     3000,
			PollTimeoutMS: 3000,
			MaxLine:       250,
			ResetLine:     "rts",
		},
		Collector: CollectorConfig{
			DetectorID:   1,
			Source:       "demo",
			ServerHost:   "127.0.0.1",
			ServerPort:   5080,
			Protocol:     "tcp",
			RetryDelayMS: 2000,
			DemoMinMS:    2000,
			DemoMaxMS:    15000,
		},
		Receiver: ReceiverConfig{
			ListenAddr: ":5080",
			HTTPAddr:   ":8080",
		},
		Display: DisplayConfig{
			Units:    "km",
			WarnKM:   20,
			DangerKM: 10,
			Sound:    true,
		},
		Logging: LoggingConfig{
			Enabled: false,
			Path:    "/var/log/strikenet",
		},
		History: HistoryConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			Key:     "strikenet:strikes",
			Limit:   500,
		},
		Alert: AlertConfig{
			Enabled:  false,
			Broker:   "tcp://localhost:1883",
			Topic:    "strikenet/alerts",
			ClientID: "strikenet-receiver",
			QoS:      1,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// .env next to the config, then in CWD
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: SERIAL_TYPE, SERIAL_PORT, SERIAL_BAUD, SERIAL_TIMEOUT_MS,
// SERIAL_RESET, WIFI_SSID, WIFI_PASS, DETECTOR_ID, SERVER_HOST, SERVER_PORT,
// SERVER_PROTOCOL, COLLECTOR_METRICS, RECEIVER_LISTEN, RECEIVER_UDP, HTTP_LISTEN, LOG_ENABLED,
// LOG_PATH, REDIS_ADDR, REDIS_PASSWORD, MQTT_BROKER, MQTT_TOPIC, MQTT_USER,
// MQTT_PASS
func (c *Config) applyEnvOverrides() {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				log.Printf("[config] ignoring %s=%q: %v", key, v, err)
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || v == "true" || v == "yes"
		}
	}

	str("SERIAL_TYPE", &c.Serial.Type)
	str("SERIAL_PORT", &c.Serial.PortPath)
	num("SERIAL_BAUD", &c.Serial.BaudRate)
	num("SERIAL_TIMEOUT_MS", &c.Serial.TimeoutMS)
	str("SERIAL_RESET", &c.Serial.ResetLine)

	str("WIFI_SSID", &c.WiFi.SSID)
	str("WIFI_PASS", &c.WiFi.Passphrase)

	num("DETECTOR_ID", &c.Collector.DetectorID)
	str("SERVER_HOST", &c.Collector.ServerHost)
	num("SERVER_PORT", &c.Collector.ServerPort)
	str("SERVER_PROTOCOL", &c.Collector.Protocol)
	str("COLLECTOR_METRICS", &c.Collector.MetricsAddr)

	str("RECEIVER_LISTEN", &c.Receiver.ListenAddr)
	str("RECEIVER_UDP", &c.Receiver.UDPAddr)
	str("HTTP_LISTEN", &c.Receiver.HTTPAddr)

	flag("LOG_ENABLED", &c.Logging.Enabled)
	str("LOG_PATH", &c.Logging.Path)

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.History.Addr = v
		c.History.Enabled = true
	}
	str("REDIS_PASSWORD", &c.History.Password)

	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.Alert.Broker = v
		c.Alert.Enabled = true
	}
	str("MQTT_TOPIC", &c.Alert.Topic)
	str("MQTT_USER", &c.Alert.Username)
	str("MQTT_PASS", &c.Alert.Password)
}

// Timeout returns the per-byte console timeout.
func (s SerialConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// PollTimeout returns the budget of one polling operation.
func (s SerialConfig) PollTimeout() time.Duration {
	return time.Duration(s.PollTimeoutMS) * time.Millisecond
}

// RetryDelay returns the fixed delay between collector retries.
func (c CollectorConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = DefaultPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API. Secrets are left out.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// DisplaySettings returns a copy of the display preferences.
func (c *Config) DisplaySettings() DisplayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Display
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
