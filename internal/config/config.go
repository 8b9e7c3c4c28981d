package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config lists the tunable parameters for the ConsultEase central system.
type Config struct {
	HTTPPort  int    `yaml:"http_port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Seed      bool   `yaml:"seed"`

	Database DatabaseConfig `yaml:"database"`
	RFID     RFIDConfig     `yaml:"rfid"`
	MQTT     MQTTConfig     `yaml:"mqtt"`

	// EmbeddedBroker is the bind address of the in-process broker. Empty disables it.
	EmbeddedBroker string `yaml:"embedded_broker"`
	MDNS           bool   `yaml:"mdns"`
	NATSURL        string `yaml:"nats_url"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RFIDConfig selects and tunes the tag source.
type RFIDConfig struct {
	Mode     string `yaml:"mode"`
	Fallback bool   `yaml:"fallback"`

	SerialPort string `yaml:"serial_port"`
	SerialBaud int    `yaml:"serial_baud"`
	SerialVID  string `yaml:"serial_vid"`
	SerialPID  string `yaml:"serial_pid"`

	KeyboardDevice string `yaml:"keyboard_device"`
	KeyboardName   string `yaml:"keyboard_name"`

	SimTags        []string      `yaml:"sim_tags"`
	SimMinInterval time.Duration `yaml:"sim_min_interval"`
	SimMaxInterval time.Duration `yaml:"sim_max_interval"`

	JoinTimeout time.Duration `yaml:"join_timeout"`
}

// MQTTConfig holds broker connection settings and the topic namespace.
type MQTTConfig struct {
	// BrokerURL may be "auto" to browse for a broker over mDNS.
	BrokerURL string `yaml:"broker_url"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Namespace string `yaml:"namespace"`

	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	RetryMaxInterval time.Duration `yaml:"retry_max_interval"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	JoinTimeout      time.Duration `yaml:"join_timeout"`
	PublishTimeout   time.Duration `yaml:"publish_timeout"`
	KeepAlive        time.Duration `yaml:"keep_alive"`
}

const (
	defaultHTTPPort      = 8080
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultDBDriver      = "sqlite"
	defaultDatabasePath  = "data/consultease.db"
	defaultRFIDMode      = "simulated"
	defaultSerialBaud    = 9600
	defaultBrokerURL     = "tcp://localhost:1883"
	defaultClientID      = "ConsultEase_CentralSystem"
	defaultNamespace     = "consultease"
	defaultKeyboardMatch = "RFID"
)

// DefaultSimTags is the candidate set used by the simulated reader when none is configured.
var DefaultSimTags = []string{"STUDENT_RFID_001", "STUDENT_RFID_002", "STUDENT_RFID_003"}

// Default returns a Config populated with built-in defaults only.
func Default() Config {
	return Config{
		HTTPPort:  defaultHTTPPort,
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
		Seed:      true,
		Database: DatabaseConfig{
			Driver: defaultDBDriver,
			DSN:    defaultDatabasePath,
		},
		RFID: RFIDConfig{
			Mode:           defaultRFIDMode,
			Fallback:       true,
			SerialBaud:     defaultSerialBaud,
			KeyboardName:   defaultKeyboardMatch,
			SimTags:        append([]string(nil), DefaultSimTags...),
			SimMinInterval: 2 * time.Second,
			SimMaxInterval: 5 * time.Second,
			JoinTimeout:    2 * time.Second,
		},
		MQTT: MQTTConfig{
			BrokerURL:      defaultBrokerURL,
			ClientID:       defaultClientID,
			Namespace:      defaultNamespace,
			ConnectTimeout: 10 * time.Second,
			RetryInterval:  5 * time.Second,
			PollInterval:   time.Second,
			JoinTimeout:    5 * time.Second,
			PublishTimeout: 5 * time.Second,
			KeepAlive:      30 * time.Second,
		},
	}
}

// Load derives configuration from defaults, an optional .env file, an optional YAML file
// named by CONSULTEASE_CONFIG and finally CONSULTEASE_* environment variables.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("CONSULTEASE_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	collect(envInt("CONSULTEASE_HTTP_PORT", &cfg.HTTPPort))
	envString("CONSULTEASE_LOG_LEVEL", &cfg.LogLevel)
	envString("CONSULTEASE_LOG_FORMAT", &cfg.LogFormat)
	collect(envBool("CONSULTEASE_SEED", &cfg.Seed))

	envString("CONSULTEASE_DB_DRIVER", &cfg.Database.Driver)
	envString("CONSULTEASE_DB_DSN", &cfg.Database.DSN)

	envString("CONSULTEASE_RFID_MODE", &cfg.RFID.Mode)
	collect(envBool("CONSULTEASE_RFID_FALLBACK", &cfg.RFID.Fallback))
	envString("CONSULTEASE_RFID_SERIAL_PORT", &cfg.RFID.SerialPort)
	collect(envInt("CONSULTEASE_RFID_SERIAL_BAUD", &cfg.RFID.SerialBaud))
	envString("CONSULTEASE_RFID_SERIAL_VID", &cfg.RFID.SerialVID)
	envString("CONSULTEASE_RFID_SERIAL_PID", &cfg.RFID.SerialPID)
	envString("CONSULTEASE_RFID_KEYBOARD_DEVICE", &cfg.RFID.KeyboardDevice)
	envString("CONSULTEASE_RFID_KEYBOARD_NAME", &cfg.RFID.KeyboardName)
	if v := os.Getenv("CONSULTEASE_RFID_SIM_TAGS"); v != "" {
		cfg.RFID.SimTags = splitList(v)
	}
	collect(envDuration("CONSULTEASE_RFID_SIM_MIN_INTERVAL", &cfg.RFID.SimMinInterval))
	collect(envDuration("CONSULTEASE_RFID_SIM_MAX_INTERVAL", &cfg.RFID.SimMaxInterval))
	collect(envDuration("CONSULTEASE_RFID_JOIN_TIMEOUT", &cfg.RFID.JoinTimeout))

	envString("CONSULTEASE_MQTT_BROKER", &cfg.MQTT.BrokerURL)
	envString("CONSULTEASE_MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	envString("CONSULTEASE_MQTT_USERNAME", &cfg.MQTT.Username)
	envString("CONSULTEASE_MQTT_PASSWORD", &cfg.MQTT.Password)
	envString("CONSULTEASE_MQTT_NAMESPACE", &cfg.MQTT.Namespace)
	collect(envDuration("CONSULTEASE_MQTT_CONNECT_TIMEOUT", &cfg.MQTT.ConnectTimeout))
	collect(envDuration("CONSULTEASE_MQTT_RETRY_INTERVAL", &cfg.MQTT.RetryInterval))
	collect(envDuration("CONSULTEASE_MQTT_RETRY_MAX_INTERVAL", &cfg.MQTT.RetryMaxInterval))
	collect(envDuration("CONSULTEASE_MQTT_POLL_INTERVAL", &cfg.MQTT.PollInterval))
	collect(envDuration("CONSULTEASE_MQTT_JOIN_TIMEOUT", &cfg.MQTT.JoinTimeout))
	collect(envDuration("CONSULTEASE_MQTT_PUBLISH_TIMEOUT", &cfg.MQTT.PublishTimeout))
	collect(envDuration("CONSULTEASE_MQTT_KEEP_ALIVE", &cfg.MQTT.KeepAlive))

	envString("CONSULTEASE_EMBEDDED_BROKER", &cfg.EmbeddedBroker)
	collect(envBool("CONSULTEASE_MDNS", &cfg.MDNS))
	envString("CONSULTEASE_NATS_URL", &cfg.NATSURL)

	return errors.Join(errs...)
}

// Validate reports every invalid setting joined into one error.
func (c Config) Validate() error {
	var errs []error

	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid http_port: %d", c.HTTPPort))
	}

	switch c.Database.Driver {
	case "sqlite", "pgx":
	default:
		errs = append(errs, fmt.Errorf("invalid database driver %q", c.Database.Driver))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("invalid database dsn: empty"))
	}

	switch strings.ToLower(c.RFID.Mode) {
	case "simulated", "serial", "keyboard":
	default:
		errs = append(errs, fmt.Errorf("invalid rfid mode %q", c.RFID.Mode))
	}
	if c.RFID.SimMinInterval <= 0 || c.RFID.SimMaxInterval < c.RFID.SimMinInterval {
		errs = append(errs, fmt.Errorf("invalid rfid sim interval: %s..%s", c.RFID.SimMinInterval, c.RFID.SimMaxInterval))
	}
	if c.RFID.SerialBaud <= 0 {
		errs = append(errs, fmt.Errorf("invalid rfid serial baud: %d", c.RFID.SerialBaud))
	}
	if c.RFID.JoinTimeout <= 0 {
		errs = append(errs, errors.New("invalid rfid join_timeout: must be positive"))
	}

	if strings.TrimSpace(c.MQTT.BrokerURL) == "" {
		errs = append(errs, errors.New("invalid mqtt broker_url: empty"))
	}
	if c.MQTT.Namespace == "" || strings.ContainsAny(c.MQTT.Namespace, "+#/") {
		errs = append(errs, fmt.Errorf("invalid mqtt namespace %q", c.MQTT.Namespace))
	}
	for name, d := range map[string]time.Duration{
		"connect_timeout": c.MQTT.ConnectTimeout,
		"retry_interval":  c.MQTT.RetryInterval,
		"poll_interval":   c.MQTT.PollInterval,
		"join_timeout":    c.MQTT.JoinTimeout,
		"publish_timeout": c.MQTT.PublishTimeout,
		"keep_alive":      c.MQTT.KeepAlive,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("invalid mqtt %s: must be positive", name))
		}
	}

	return errors.Join(errs...)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
