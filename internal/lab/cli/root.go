// Package cli wires the lab's agents into the mqttlab command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/a-chakir/mqtt-lab/internal/bus"
	"github.com/a-chakir/mqtt-lab/pkg/config"
	"github.com/a-chakir/mqtt-lab/pkg/logger"
)

var (
	configPath string
	logLevel   string

	cfg *config.Config
	log *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mqttlab",
	Short: "Contract-net job allocation and sensor monitoring over a topic bus",
	Long: `mqttlab runs the agents of a small factory floor simulation:

  - supervisor  auctions jobs to the machine fleet (contract net protocol)
  - machine     bids on jobs it can do and executes the ones it wins
  - sensornet   simulated sensors, windowed averaging and anomaly detection
  - simulate    the whole lab in one process over an in-memory bus

Agents communicate over MQTT topics; simulate swaps in an in-memory bus
so no broker is needed.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var path string
		var err error
		cfg, path, err = config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		level, err := logger.ParseLevel(cfg.Logging.Level)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid log level %q, using INFO\n", cfg.Logging.Level)
			level = logger.INFO
		}
		logger.SetLevel(level)
		log = logger.NewWithConfig(logger.Config{Level: level, Output: os.Stdout})

		log.Debug("configuration loaded", "path", path, "broker", cfg.Broker.Type)
		return nil
	},
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to configuration file (searches common locations if not specified)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override the configured log level (DEBUG, INFO, WARN, ERROR)")

	rootCmd.AddCommand(newSupervisorCmd())
	rootCmd.AddCommand(newMachineCmd())
	rootCmd.AddCommand(newSimulateCmd())
	rootCmd.AddCommand(newSensorNetCmd())
}

// openBus connects to the configured transport. Every subcommand shares
// one bus connection.
func openBus(clientID string) (bus.Bus, error) {
	switch cfg.Broker.Type {
	case "memory":
		return bus.NewMemoryBus(), nil
	case "mqtt":
		brokerCfg := cfg.Broker
		if brokerCfg.ClientID == "" {
			brokerCfg.ClientID = clientID
		}
		return bus.NewMQTTBus(brokerCfg, log)
	default:
		return nil, fmt.Errorf("unknown broker type %q", cfg.Broker.Type)
	}
}
