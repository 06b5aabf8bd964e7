package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, path, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "built-in defaults", path)
	assert.Equal(t, "mqtt", cfg.Broker.Type)
	assert.Equal(t, 3*time.Second, cfg.Auction.BidDeadline.Std())
	assert.Equal(t, 10, cfg.Auction.JobCount)
	assert.Len(t, cfg.Machines, 4)
}

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mqttlab-config.yml")

	content := `
version: "1.0"
broker:
  type: memory
auction:
  bidDeadline: 500ms
  dispatchInterval: 100ms
  jobCount: 3
  jobTypes: [assembly, welding]
machines:
  - id: m1
    capabilities:
      assembly: 4s
    bidJitter: 0.05
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, loadedFrom, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, path, loadedFrom)
	assert.Equal(t, "memory", cfg.Broker.Type)
	assert.Equal(t, 500*time.Millisecond, cfg.Auction.BidDeadline.Std())
	assert.Equal(t, 3, cfg.Auction.JobCount)
	require.Len(t, cfg.Machines, 1)
	assert.Equal(t, 4*time.Second, cfg.Machines[0].Capabilities["assembly"].Std())
	assert.Equal(t, 0.05, cfg.Machines[0].BidJitter)
}

func TestLoadConfig_ExplicitPathMissing(t *testing.T) {
	_, _, err := LoadConfig("/nonexistent/mqttlab-config.yml")
	assert.Error(t, err)
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("auction:\n  bidDeadline: banana\n"), 0644))

	_, _, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := DefaultConfig
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"memory broker valid", func(c *Config) { c.Broker.Type = "memory" }, false},
		{"unknown broker type", func(c *Config) { c.Broker.Type = "carrier-pigeon" }, true},
		{"mqtt without address", func(c *Config) { c.Broker.Address = "" }, true},
		{"zero deadline", func(c *Config) { c.Auction.BidDeadline = 0 }, true},
		{"negative interval", func(c *Config) { c.Auction.DispatchInterval = Duration(-time.Second) }, true},
		{"no job types", func(c *Config) { c.Auction.JobTypes = nil }, true},
		{"duplicate machine id", func(c *Config) {
			c.Machines = append(c.Machines, MachineConfig{ID: "machine_A", Capabilities: map[string]Duration{"assembly": Duration(time.Second)}})
		}, true},
		{"empty machine id", func(c *Config) { c.Machines[0].ID = "" }, true},
		{"non-positive capability", func(c *Config) {
			c.Machines[0].Capabilities = map[string]Duration{"assembly": 0}
		}, true},
		{"sub-millisecond capability", func(c *Config) {
			c.Machines[0].Capabilities = map[string]Duration{"assembly": Duration(500 * time.Microsecond)}
		}, true},
		{"jitter out of range", func(c *Config) { c.Machines[0].BidJitter = 1.5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			// deep-enough copy of the mutable slice for the machine cases
			machines := make([]MachineConfig, len(cfg.Machines))
			copy(machines, cfg.Machines)
			cfg.Machines = machines

			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMachineByID(t *testing.T) {
	cfg := DefaultConfig

	m, err := cfg.MachineByID("machine_C")
	require.NoError(t, err)
	assert.Equal(t, "machine_C", m.ID)

	_, err = cfg.MachineByID("machine_Z")
	assert.Error(t, err)
}

func TestBrokerURL(t *testing.T) {
	b := BrokerConfig{Address: "broker.local", Port: 1883}
	assert.Equal(t, "tcp://broker.local:1883", b.URL())
}
