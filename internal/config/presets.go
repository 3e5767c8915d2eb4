package config

import (
	"fmt"
	"sort"
	"strings"
)

// Preset widths: CNN channels, embed dim and heads. Everything else is the default.
var presets = map[string]struct {
	channels, embedDim, heads int
}{
	"tiny":  {32, 128, 4},
	"small": {48, 192, 6},
	"base":  {64, 256, 8},
	"large": {96, 384, 12},
}

// PresetNames returns the known size variants in ascending size.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for k := range presets {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool { return presets[names[i]].embedDim < presets[names[j]].embedDim })
	return names
}

// Preset builds a named size variant with numClasses outputs, then applies opts.
func Preset(name string, numClasses int, opts ...Option) (Config, error) {
	p, ok := presets[strings.ToLower(name)]
	if !ok {
		return Config{}, fmt.Errorf("%w: unknown preset %q (want one of %s)", ErrInvalidConfig, name, strings.Join(PresetNames(), ", "))
	}
	c := Default()
	c.NumClasses = numClasses
	c.GhostOutChannels = p.channels
	c.FusedIROutChannels = p.channels
	c.EmbedDim = p.embedDim
	c.NumHeads = p.heads
	c.FFNBottleneckRatio = 0.25
	return Apply(c, opts...)
}
