package executor

import (
	"fmt"
	"log/slog"

	"github.com/BurntSushi/toml"

	"github.com/rhino1998/sanskrit/pkg/gas"
	"github.com/rhino1998/sanskrit/pkg/vm"
	"github.com/rhino1998/sanskrit/pkg/wire"
)

type Config struct {
	// BlockInclusionWindow is how many blocks after its earliest block a
	// bundle stays admissible.
	BlockInclusionWindow uint64 `toml:"block_inclusion_window"`
	MaxStructuralDepth   int    `toml:"max_structural_depth"`
	MaxBundleSize        int    `toml:"max_bundle_size"`
	ReturnStackSize      int    `toml:"return_stack_size"`
	// PhysicalHeapFactor scales declared virtual budgets into the size of
	// the physical buffers backing them.
	PhysicalHeapFactor  int `toml:"physical_heap_factor"`
	DescriptorCacheSize int `toml:"descriptor_cache_size"`

	Gas gas.Profiles `toml:"gas"`
}

func DefaultConfig() Config {
	return Config{
		BlockInclusionWindow: 100,
		MaxStructuralDepth:   wire.DefaultMaxDepth,
		MaxBundleSize:        1 << 16,
		ReturnStackSize:      vm.DefaultReturnStackSize,
		PhysicalHeapFactor:   8,
		DescriptorCacheSize:  1024,
		Gas:                  gas.DefaultProfiles(),
	}
}

func (c *Config) Validate(logger *slog.Logger) error {
	if c.BlockInclusionWindow == 0 {
		return fmt.Errorf("block inclusion window must be positive")
	}
	if c.MaxStructuralDepth <= 0 {
		return fmt.Errorf("max structural depth must be positive, got %d", c.MaxStructuralDepth)
	}
	if c.MaxBundleSize <= 0 {
		return fmt.Errorf("max bundle size must be positive, got %d", c.MaxBundleSize)
	}
	if c.ReturnStackSize <= 0 {
		return fmt.Errorf("return stack size must be positive, got %d", c.ReturnStackSize)
	}
	if c.PhysicalHeapFactor < 1 {
		return fmt.Errorf("physical heap factor must be at least 1, got %d", c.PhysicalHeapFactor)
	}
	if c.DescriptorCacheSize <= 0 {
		return fmt.Errorf("descriptor cache size must be positive, got %d", c.DescriptorCacheSize)
	}
	return c.Gas.Validate(logger)
}

// LoadConfig reads a TOML file over the defaults. Unknown keys are an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decoding config %q: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config %q: unknown key %q", path, undecoded[0].String())
	}

	return cfg, nil
}
