package gich

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned for configurations outside the supported ranges.
var ErrInvalidConfig = errors.New("gich: invalid config")

// DefaultMaintenanceIRQ is the PPI the maintenance interrupt is routed to.
const DefaultMaintenanceIRQ = 25

// Config sizes one virtual interface control block.
type Config struct {
	Base uint64 `yaml:"base"`

	// ListRegisters is the number of implemented list registers (1-16).
	ListRegisters int `yaml:"listRegisters"`
	// PriorityBits is the number of virtual priority bits (5-7). It sets the
	// number of active priority registers to 1, 2 or 4.
	PriorityBits   int `yaml:"priorityBits"`
	PreemptionBits int `yaml:"preemptionBits"`

	// UnderflowMark asserts the underflow condition while fewer than this
	// many list registers hold a valid interrupt. Zero selects the default
	// of one; underflow is disabled through GICH_HCR.UIE, not here.
	UnderflowMark int `yaml:"underflowMark"`

	// LegacySubwordWrites forwards 1 and 2 byte writes as full word writes
	// of the raw value instead of merging them into the addressed bytes.
	LegacySubwordWrites bool `yaml:"legacySubwordWrites,omitempty"`

	MaintenanceIRQ uint8 `yaml:"maintenanceIRQ"`
}

// DefaultConfig returns the configuration used when nothing is specified.
func DefaultConfig() Config {
	var cfg Config
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	if c.Base == 0 {
		c.Base = DefaultBase
	}
	if c.ListRegisters == 0 {
		c.ListRegisters = 4
	}
	if c.PriorityBits == 0 {
		c.PriorityBits = 5
	}
	if c.PreemptionBits == 0 {
		c.PreemptionBits = c.PriorityBits
	}
	if c.UnderflowMark == 0 {
		c.UnderflowMark = 1
	}
	if c.MaintenanceIRQ == 0 {
		c.MaintenanceIRQ = DefaultMaintenanceIRQ
	}
}

// Validate checks c after defaults have been applied.
func (c Config) Validate() error {
	if c.Base%WindowSize != 0 {
		return fmt.Errorf("%w: base 0x%x is not 64KiB aligned", ErrInvalidConfig, c.Base)
	}
	if c.ListRegisters < 1 || c.ListRegisters > MaxListRegisters {
		return fmt.Errorf("%w: listRegisters %d not in 1-%d", ErrInvalidConfig, c.ListRegisters, MaxListRegisters)
	}
	if c.PriorityBits < 5 || c.PriorityBits > 7 {
		return fmt.Errorf("%w: priorityBits %d not in 5-7", ErrInvalidConfig, c.PriorityBits)
	}
	if c.PreemptionBits < 1 || c.PreemptionBits > c.PriorityBits {
		return fmt.Errorf("%w: preemptionBits %d not in 1-%d", ErrInvalidConfig, c.PreemptionBits, c.PriorityBits)
	}
	if c.UnderflowMark < 1 || c.UnderflowMark > c.ListRegisters {
		return fmt.Errorf("%w: underflowMark %d not in 1-%d", ErrInvalidConfig, c.UnderflowMark, c.ListRegisters)
	}
	return nil
}

// ParseConfig decodes a YAML configuration and applies defaults.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse gich config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseConfig(data)
}
