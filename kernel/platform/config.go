package platform

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nmxmxh/tinos/kernel/utils"
)

// Boot configuration. Arena descriptors are supplied by the platform at
// every boot; nothing is persisted.

// ArenaConfig describes one contiguous physical range.
type ArenaConfig struct {
	Name           string `yaml:"name"`
	Base           uint64 `yaml:"base"`
	Size           uint64 `yaml:"size"`
	Priority       uint   `yaml:"priority"`
	KMap           bool   `yaml:"kmap"`
	ReserveAtStart uint64 `yaml:"reserve_at_start"`
	ReserveAtEnd   uint64 `yaml:"reserve_at_end"`
}

// LayoutConfig sets the kernel and user address-space windows.
type LayoutConfig struct {
	KernelBase uint64 `yaml:"kernel_base"`
	KernelSize uint64 `yaml:"kernel_size"`
	UserBase   uint64 `yaml:"user_base"`
	UserSize   uint64 `yaml:"user_size"`
}

// BootConfig is the full machine description consumed at bring-up.
type BootConfig struct {
	Arenas []ArenaConfig `yaml:"arenas"`
	Layout LayoutConfig  `yaml:"layout"`
	ASLR   bool          `yaml:"aslr"`
}

const pageSize = 4096

// DefaultBootConfig returns a small synthetic machine: one kernel-mapped
// arena and modest kernel/user windows. vmctl boots this when no config
// file is given.
func DefaultBootConfig() *BootConfig {
	return &BootConfig{
		Arenas: []ArenaConfig{
			{Name: "sdram", Base: 0x80000000, Size: 64 * 1024 * 1024, Priority: 0, KMap: true},
		},
		Layout: LayoutConfig{
			KernelBase: 0xffff000000000000,
			KernelSize: 1 << 32,
			UserBase:   0x1000000,
			UserSize:   1 << 36,
		},
		ASLR: true,
	}
}

// LoadBootConfig reads and validates a YAML boot configuration.
func LoadBootConfig(path string) (*BootConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.WrapError(err, "read boot config")
	}
	return ParseBootConfig(data)
}

// ParseBootConfig parses and validates YAML boot configuration bytes.
func ParseBootConfig(data []byte) (*BootConfig, error) {
	var cfg BootConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, utils.WrapError(err, "parse boot config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks alignment and basic sanity of the configuration.
func (c *BootConfig) Validate() error {
	if len(c.Arenas) == 0 {
		return utils.NewError("boot config: no arenas")
	}
	for _, a := range c.Arenas {
		if a.Size == 0 {
			return utils.NewError("boot config: arena " + a.Name + ": zero size")
		}
		if a.Base%pageSize != 0 || a.Size%pageSize != 0 {
			return utils.NewError("boot config: arena " + a.Name + ": base/size not page aligned")
		}
	}
	if c.Layout.KernelSize == 0 || c.Layout.UserSize == 0 {
		return utils.NewError("boot config: layout windows must be non-zero")
	}
	if c.Layout.KernelBase%pageSize != 0 || c.Layout.UserBase%pageSize != 0 {
		return utils.NewError("boot config: layout bases not page aligned")
	}
	return nil
}
