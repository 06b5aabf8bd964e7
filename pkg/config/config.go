// Package config holds the yaml configuration surface shared by every
// mqtt-lab command: broker connection, auction tuning, machine fleet
// definitions and the sensor network profile.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	laberrors "github.com/a-chakir/mqtt-lab/pkg/errors"
)

// Duration wraps time.Duration so yaml files can use "5s" / "250ms" strings.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config holds the complete application configuration
type Config struct {
	Version   string          `yaml:"version"`
	Broker    BrokerConfig    `yaml:"broker"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Auction   AuctionConfig   `yaml:"auction"`
	Machines  []MachineConfig `yaml:"machines"`
	SensorNet SensorNetConfig `yaml:"sensornet"`
}

// BrokerConfig selects and configures the message bus
type BrokerConfig struct {
	// Type is "memory" (in-process bus, used by simulate) or "mqtt".
	Type           string   `yaml:"type"`
	Address        string   `yaml:"address"`
	Port           int      `yaml:"port"`
	ClientID       string   `yaml:"clientId"`
	ConnectTimeout Duration `yaml:"connectTimeout"`
}

// URL renders the broker address in the form paho expects.
func (b BrokerConfig) URL() string {
	return fmt.Sprintf("tcp://%s:%d", b.Address, b.Port)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
}

// MetricsConfig holds the optional prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// AuctionConfig tunes the supervisor's contract-net rounds
type AuctionConfig struct {
	BidDeadline      Duration `yaml:"bidDeadline"`
	DispatchInterval Duration `yaml:"dispatchInterval"`
	JobCount         int      `yaml:"jobCount"`
	JobTypes         []string `yaml:"jobTypes"`
}

// MachineConfig describes one worker and its capability table
type MachineConfig struct {
	ID string `yaml:"id"`
	// Capabilities maps job type to the machine's estimated completion time.
	Capabilities map[string]Duration `yaml:"capabilities"`
	// BidJitter is the +/- fraction applied to capability times when bidding
	// (0.1 means bids vary within 10% of the table value).
	BidJitter float64 `yaml:"bidJitter"`
}

// SensorProfile shapes one sensor type's simulated signal
type SensorProfile struct {
	Base      float64 `yaml:"base"`
	Amplitude float64 `yaml:"amplitude"`
}

// SensorNetConfig describes the sensor network agents
type SensorNetConfig struct {
	Zones           []string                 `yaml:"zones"`
	SensorTypes     map[string]SensorProfile `yaml:"sensorTypes"`
	PublishInterval Duration                 `yaml:"publishInterval"`
	Window          Duration                 `yaml:"window"`
	AverageInterval Duration                 `yaml:"averageInterval"`
	FaultySensors   []string                 `yaml:"faultySensors"`
}

// DefaultConfig mirrors the original lab's simulation defaults.
var DefaultConfig = Config{
	Version: "1.0",
	Broker: BrokerConfig{
		Type:           "mqtt",
		Address:        "localhost",
		Port:           1883,
		ConnectTimeout: Duration(10 * time.Second),
	},
	Logging: LoggingConfig{
		Level:  "INFO",
		Output: "stdout",
	},
	Metrics: MetricsConfig{
		Enabled: false,
		Address: ":9090",
	},
	Auction: AuctionConfig{
		BidDeadline:      Duration(3 * time.Second),
		DispatchInterval: Duration(2 * time.Second),
		JobCount:         10,
		JobTypes:         []string{"assembly", "welding", "painting", "inspection", "packaging"},
	},
	Machines: []MachineConfig{
		{ID: "machine_A", Capabilities: map[string]Duration{"assembly": Duration(4 * time.Second), "inspection": Duration(2 * time.Second)}, BidJitter: 0.1},
		{ID: "machine_B", Capabilities: map[string]Duration{"assembly": Duration(6 * time.Second), "welding": Duration(8 * time.Second), "inspection": Duration(3 * time.Second)}, BidJitter: 0.1},
		{ID: "machine_C", Capabilities: map[string]Duration{"welding": Duration(5 * time.Second), "painting": Duration(4 * time.Second)}, BidJitter: 0.1},
		{ID: "machine_D", Capabilities: map[string]Duration{"painting": Duration(3 * time.Second), "packaging": Duration(2 * time.Second), "inspection": Duration(4 * time.Second)}, BidJitter: 0.1},
	},
	SensorNet: SensorNetConfig{
		Zones: []string{"living_room", "bedroom", "kitchen"},
		SensorTypes: map[string]SensorProfile{
			"temperature": {Base: 22.0, Amplitude: 3.0},
			"humidity":    {Base: 50.0, Amplitude: 10.0},
		},
		PublishInterval: Duration(2 * time.Second),
		Window:          Duration(10 * time.Second),
		AverageInterval: Duration(5 * time.Second),
	},
}

// LoadConfig loads configuration from the given path, or searches common
// locations when path is empty. Environment variables override file values.
// Returns the config, the path it was loaded from, and any error.
func LoadConfig(path string) (*Config, string, error) {
	config := DefaultConfig

	loadedFrom, err := loadFromFile(&config, path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config file: %w", err)
	}

	if val := os.Getenv("MQTTLAB_BROKER_ADDRESS"); val != "" {
		config.Broker.Address = val
	}
	if val := os.Getenv("MQTTLAB_BROKER_TYPE"); val != "" {
		config.Broker.Type = val
	}
	if val := os.Getenv("MQTTLAB_LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}

	if e := config.Validate(); e != nil {
		return nil, "", fmt.Errorf("configuration validation failed: %w", e)
	}

	return &config, loadedFrom, nil
}

// loadFromFile loads configuration from the first available YAML file.
// Does not return an error if no file is found - defaults are used instead.
func loadFromFile(config *Config, explicitPath string) (string, error) {
	configPaths := []string{
		explicitPath,
		os.Getenv("MQTTLAB_CONFIG_PATH"),
		"./mqttlab-config.yml",
		"./config/mqttlab-config.yml",
		"/etc/mqttlab/mqttlab-config.yml",
	}

	for _, path := range configPaths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			if path == explicitPath {
				return "", fmt.Errorf("config file %s does not exist", path)
			}
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return "", fmt.Errorf("failed to parse config file %s: %w", path, err)
		}

		return path, nil
	}

	return "built-in defaults", nil
}

// Validate checks the configuration for values the agents cannot run with.
func (c *Config) Validate() error {
	switch c.Broker.Type {
	case "memory", "mqtt":
	default:
		return laberrors.WrapConfigError("broker", "type",
			fmt.Errorf("%w: unknown broker type %q", laberrors.ErrInvalidConfig, c.Broker.Type))
	}

	if c.Broker.Type == "mqtt" && c.Broker.Address == "" {
		return laberrors.WrapConfigError("broker", "address", laberrors.ErrInvalidConfig)
	}

	if c.Auction.BidDeadline <= 0 {
		return laberrors.WrapConfigError("auction", "bidDeadline",
			fmt.Errorf("%w: bid deadline must be positive", laberrors.ErrInvalidConfig))
	}
	if c.Auction.DispatchInterval < 0 {
		return laberrors.WrapConfigError("auction", "dispatchInterval",
			fmt.Errorf("%w: dispatch interval cannot be negative", laberrors.ErrInvalidConfig))
	}
	if c.Auction.JobCount < 0 {
		return laberrors.WrapConfigError("auction", "jobCount",
			fmt.Errorf("%w: job count cannot be negative", laberrors.ErrInvalidConfig))
	}
	if len(c.Auction.JobTypes) == 0 {
		return laberrors.WrapConfigError("auction", "jobTypes",
			fmt.Errorf("%w: at least one job type required", laberrors.ErrInvalidConfig))
	}

	seen := make(map[string]bool, len(c.Machines))
	for _, m := range c.Machines {
		if m.ID == "" {
			return laberrors.WrapConfigError("machines", "id",
				fmt.Errorf("%w: machine id cannot be empty", laberrors.ErrInvalidConfig))
		}
		if seen[m.ID] {
			return laberrors.WrapConfigError("machines", "id",
				fmt.Errorf("%w: duplicate machine id %q", laberrors.ErrInvalidConfig, m.ID))
		}
		seen[m.ID] = true

		for jobType, d := range m.Capabilities {
			// Completion times are carried as whole milliseconds on the wire.
			if d < Duration(time.Millisecond) {
				return laberrors.WrapConfigError("machines", "capabilities",
					fmt.Errorf("%w: machine %s capability %s must be at least 1ms",
						laberrors.ErrInvalidConfig, m.ID, jobType))
			}
		}
		if m.BidJitter < 0 || m.BidJitter >= 1 {
			return laberrors.WrapConfigError("machines", "bidJitter",
				fmt.Errorf("%w: machine %s jitter must be in [0,1)", laberrors.ErrInvalidConfig, m.ID))
		}
	}

	return nil
}

// MachineByID returns the configuration for one machine of the fleet.
func (c *Config) MachineByID(id string) (*MachineConfig, error) {
	for i := range c.Machines {
		if c.Machines[i].ID == id {
			return &c.Machines[i], nil
		}
	}
	return nil, fmt.Errorf("machine %q not found in configuration", id)
}
