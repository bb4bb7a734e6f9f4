package spihub

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// BusConfig declares one SPI bus the broker should own.
type BusConfig struct {
	Path      string `json:"path"`
	Speed     int    `json:"speed,omitempty"`
	IRQPin    string `json:"irqPin,omitempty"`
	IRQActive string `json:"irqActive,omitempty"` // "high" (default) or "low"
}

// IRQActiveLow reports whether the interrupt pin idles high and fires on the
// falling edge.
func (c BusConfig) IRQActiveLow() bool {
	return c.IRQActive == "low"
}

// Config is the on-disk configuration file schema.
type Config struct {
	Buses []BusConfig `json:"buses"`
}

// LoadConfig reads and validates a configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, NewError("LOAD_CONFIG", ErrCodeConfig, fmt.Sprintf("%s: %v", path, err))
	}
	for i, b := range cfg.Buses {
		if b.Path == "" {
			return nil, NewError("LOAD_CONFIG", ErrCodeConfig, fmt.Sprintf("%s: bus %d has no path", path, i))
		}
		if b.IRQActive != "" && b.IRQActive != "high" && b.IRQActive != "low" {
			return nil, NewError("LOAD_CONFIG", ErrCodeConfig,
				fmt.Sprintf("%s: bus %d irqActive %q (want high or low)", path, i, b.IRQActive))
		}
	}
	return &cfg, nil
}

// ResolveBuses determines the buses to own. Positional arguments win; then
// the config file if present; then the first device node matching the glob.
func ResolveBuses(args []string, configPath string) ([]BusConfig, error) {
	if len(args) > 0 {
		buses := make([]BusConfig, len(args))
		for i, path := range args {
			buses[i] = BusConfig{Path: path}
		}
		return buses, nil
	}

	if configPath == "" {
		configPath = DefaultConfigPath
	}
	cfg, err := LoadConfig(configPath)
	switch {
	case err == nil:
		if len(cfg.Buses) == 0 {
			return nil, NewError("RESOLVE_BUSES", ErrCodeConfig, configPath+" declares no buses")
		}
		return cfg.Buses, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	matches, err := filepath.Glob(DefaultBusGlob)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, NewError("RESOLVE_BUSES", ErrCodeConfig, "no bus paths given and none found under "+DefaultBusGlob)
	}
	sort.Strings(matches)
	return []BusConfig{{Path: matches[0]}}, nil
}
