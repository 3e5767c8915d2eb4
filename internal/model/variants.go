package model

import (
	"github.com/23skdu/plantvit/internal/config"
)

// NewPreset builds a named size variant. cfgOpts override preset fields.
func NewPreset(name string, numClasses int, cfgOpts []config.Option, opts ...Option) (*MobilePlantViT, error) {
	cfg, err := config.Preset(name, numClasses, cfgOpts...)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}

// Tiny: 32 CNN channels, 128-dim embedding, 4 heads.
func Tiny(numClasses int, cfgOpts ...config.Option) (*MobilePlantViT, error) {
	return NewPreset("tiny", numClasses, cfgOpts)
}

// Small: 48 CNN channels, 192-dim embedding, 6 heads.
func Small(numClasses int, cfgOpts ...config.Option) (*MobilePlantViT, error) {
	return NewPreset("small", numClasses, cfgOpts)
}

// Base is the default configuration: 64 CNN channels, 256-dim embedding, 8 heads.
func Base(numClasses int, cfgOpts ...config.Option) (*MobilePlantViT, error) {
	return NewPreset("base", numClasses, cfgOpts)
}

// Large: 96 CNN channels, 384-dim embedding, 12 heads.
func Large(numClasses int, cfgOpts ...config.Option) (*MobilePlantViT, error) {
	return NewPreset("large", numClasses, cfgOpts)
}
