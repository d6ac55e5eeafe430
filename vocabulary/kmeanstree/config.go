package kmeanstree

import (
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// Config holds the shape parameters of a k-means tree.
type Config struct {
	// Branching is the number of children of every internal node.
	Branching int `json:"branching"`
	// MaxDepth is the depth at which nodes always become leaves. The root has depth 0.
	MaxDepth int `json:"max_depth"`
	// MinLeafSize is the number of points below which a node is not split.
	MinLeafSize int `json:"min_leaf_size"`
	// MaxIterations bounds the Lloyd iterations per split.
	MaxIterations int   `json:"max_iterations"`
	Seed          int64 `json:"seed"`
}

// DefaultConfig returns a tree of branching 8 and depth 5.
func DefaultConfig() Config {
	return Config{
		Branching:     8,
		MaxDepth:      5,
		MinLeafSize:   8,
		MaxIterations: 20,
		Seed:          1,
	}
}

// CheckValid checks to see in the input values are valid.
func (cfg *Config) CheckValid() error {
	if cfg.Branching < 2 {
		return errors.Errorf("branching must be at least 2, got %d", cfg.Branching)
	}
	if cfg.MaxDepth < 1 {
		return errors.Errorf("max_depth must be greater than 0, got %d", cfg.MaxDepth)
	}
	if cfg.MinLeafSize < 1 {
		return errors.Errorf("min_leaf_size must be greater than 0, got %d", cfg.MinLeafSize)
	}
	if cfg.MaxIterations < 1 {
		return errors.Errorf("max_iterations must be greater than 0, got %d", cfg.MaxIterations)
	}
	return nil
}

// ConvertAttributes changes an attribute map into the config.
func (cfg *Config) ConvertAttributes(am map[string]interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: cfg})
	if err != nil {
		return err
	}
	return decoder.Decode(am)
}
