package vocabulary

import (
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"

	"go.viam.com/objectretrieval/vocabulary/kmeanstree"
)

// Config holds the parameters of a vocabulary tree.
type Config struct {
	Tree kmeanstree.Config `json:"tree"`
	// MatchingMinDepth is the shallowest level that contributes to scores.
	MatchingMinDepth int `json:"matching_min_depth"`
	// NormExponent is p of the Lp norm used to normalize and compare vocabulary vectors.
	NormExponent float64 `json:"norm_exponent"`
}

// DefaultConfig returns a branching 8, depth 5 tree scored with the L1 norm.
func DefaultConfig() Config {
	return Config{
		Tree:             kmeanstree.DefaultConfig(),
		MatchingMinDepth: 1,
		NormExponent:     1,
	}
}

// CheckValid checks to see in the input values are valid.
func (cfg *Config) CheckValid() error {
	if err := cfg.Tree.CheckValid(); err != nil {
		return err
	}
	if cfg.MatchingMinDepth < 0 || cfg.MatchingMinDepth > cfg.Tree.MaxDepth {
		return errors.Errorf("matching_min_depth must be between 0 and max_depth (%d), got %d",
			cfg.Tree.MaxDepth, cfg.MatchingMinDepth)
	}
	if cfg.NormExponent <= 0 {
		return errors.Errorf("norm_exponent must be greater than 0, got %v", cfg.NormExponent)
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
