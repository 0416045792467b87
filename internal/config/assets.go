package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"spot-trader/internal/coordinator"
	"spot-trader/internal/strategy"
)

// AssetOverride replaces global strategy parameters for one asset. Nil
// sections use the global configuration.
type AssetOverride struct {
	DCA  *strategy.DCAConfig  `yaml:"dca"`
	Grid *strategy.GridConfig `yaml:"grid"`
	Mode coordinator.Mode     `yaml:"mode"` // pinned coordinator mode
}

type assetsFile struct {
	Assets map[string]struct {
		DCA  yaml.Node        `yaml:"dca"`
		Grid yaml.Node        `yaml:"grid"`
		Mode coordinator.Mode `yaml:"mode"`
	} `yaml:"assets"`
}

// LoadAssetOverrides reads per-asset profiles from path. Each section is
// decoded on top of the global section, so a profile only lists the keys it
// changes. A missing file yields no overrides.
func LoadAssetOverrides(path string, global *Config) (map[string]AssetOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var f assetsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	out := make(map[string]AssetOverride, len(f.Assets))
	for asset, raw := range f.Assets {
		var o AssetOverride
		if raw.DCA.Kind != 0 {
			dca := global.DCA
			dca.ReverseLevels = append([]strategy.ReverseLevel(nil), global.DCA.ReverseLevels...)
			if err := raw.DCA.Decode(&dca); err != nil {
				return nil, fmt.Errorf("asset %s dca: %w", asset, err)
			}
			o.DCA = &dca
		}
		if raw.Grid.Kind != 0 {
			grid := global.Grid
			if err := raw.Grid.Decode(&grid); err != nil {
				return nil, fmt.Errorf("asset %s grid: %w", asset, err)
			}
			o.Grid = &grid
		}
		if raw.Mode != "" {
			if !raw.Mode.Valid() {
				return nil, fmt.Errorf("asset %s: unknown mode %q", asset, raw.Mode)
			}
			o.Mode = raw.Mode
		}
		out[asset] = o
	}
	return out, nil
}

// Override returns the override for asset, if any.
func (c *Config) Override(asset string) (AssetOverride, bool) {
	o, ok := c.Assets[asset]
	return o, ok
}

// OverriddenAssets returns the assets with a profile, sorted.
func (c *Config) OverriddenAssets() []string {
	out := make([]string, 0, len(c.Assets))
	for a := range c.Assets {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
