// Package config loads driver defaults from a YAML file, the way the
// teacher loads its drive database (cmd/drivedb, cmd/mkdrivedb): a plain
// struct tagged with `yaml:"..."` and gopkg.in/yaml.v2.
package config

import (
	"os"

	"gopkg.in/yaml.v2"

	"github.com/adwuerth/vroom/memory"
)

// Config holds the parameters Options needs to Open a controller, kept
// separate from vroom.Options so a CLI or service can load it without
// importing the driver core.
type Config struct {
	PCIAddr       string `yaml:"pci_addr"`
	PageSize      string `yaml:"page_size,omitempty"`
	QueueLen      uint32 `yaml:"queue_len,omitempty"`
	ForcePhysical bool   `yaml:"force_physical,omitempty"`
	UseIOMMUFD    bool   `yaml:"use_iommufd,omitempty"`
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// PageSizeValue parses the PageSize string, defaulting to
// memory.DefaultPageSize when empty or unrecognized.
func (c *Config) PageSizeValue() memory.PageSize {
	switch c.PageSize {
	case "4KiB":
		return memory.Page4KiB
	case "1GiB":
		return memory.Page1GiB
	case "2MiB":
		return memory.Page2MiB
	default:
		return memory.DefaultPageSize
	}
}
