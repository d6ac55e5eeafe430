package convex

import (
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"

	"go.viam.com/objectretrieval/vision/segmentation/supervoxel"
)

// PartitionConfig holds the thresholds of the recursive min-cut partitioner.
type PartitionConfig struct {
	// CutThreshold is the min-cut weight at or below which a cut is always accepted.
	CutThreshold float64 `json:"cut_threshold"`
	// CutEdgeRatioThreshold rejects a heavier cut whose weight per crossing edge exceeds it.
	CutEdgeRatioThreshold float64 `json:"cut_edge_ratio_threshold"`
	// MinSplitSize is the largest component that is never cut.
	MinSplitSize int `json:"min_split_size"`
	// MinRecurseSize is the smallest graph that is decomposed further.
	MinRecurseSize int `json:"min_recurse_size"`
}

// DefaultPartitionConfig returns the thresholds tuned for supervoxel convexity weights.
func DefaultPartitionConfig() PartitionConfig {
	return PartitionConfig{
		CutThreshold:          0.3,
		CutEdgeRatioThreshold: 0.3,
		MinSplitSize:          6,
		MinRecurseSize:        5,
	}
}

// CheckValid checks to see in the input values are valid.
func (cfg *PartitionConfig) CheckValid() error {
	if cfg.MinSplitSize < 1 {
		return errors.Errorf("min_split_size must be greater than 0, got %d", cfg.MinSplitSize)
	}
	if cfg.MinRecurseSize < 0 {
		return errors.Errorf("min_recurse_size cannot be negative, got %d", cfg.MinRecurseSize)
	}
	return nil
}

// ColorConfig holds the parameters of the color model refinement.
type ColorConfig struct {
	// MinModelSize is the smallest partition whose edges are reweighted.
	MinModelSize int `json:"color_model_min_size"`
	// Weight scales the color distance subtracted from an edge weight.
	Weight float64 `json:"mutual_color_information_weight"`
}

// DefaultColorConfig returns the default color refinement parameters.
func DefaultColorConfig() ColorConfig {
	return ColorConfig{MinModelSize: 10, Weight: 0.005}
}

// CheckValid checks to see in the input values are valid.
func (cfg *ColorConfig) CheckValid() error {
	if cfg.MinModelSize < 2 {
		return errors.Errorf("color_model_min_size must be at least 2, got %d", cfg.MinModelSize)
	}
	if cfg.Weight < 0 {
		return errors.Errorf("mutual_color_information_weight cannot be negative, got %v", cfg.Weight)
	}
	return nil
}

// MergeConfig holds the parameters of the segment merger and the segment adjacency graph.
type MergeConfig struct {
	// Threshold is the mean boundary weight above which two segments are merged.
	Threshold float64 `json:"merge_threshold"`
	// MinCount is the number of boundary edges that must be exceeded before merging.
	MinCount float64 `json:"merge_min_count"`

	ProximityEdges    bool    `json:"proximity_edges"`
	ProximityDistance float64 `json:"proximity_distance"`
	// ProximityStride is the sampling stride over segment points for proximity edges.
	ProximityStride int `json:"proximity_stride"`
}

// DefaultMergeConfig returns the default merge parameters.
func DefaultMergeConfig() MergeConfig {
	return MergeConfig{
		Threshold:         0.15,
		MinCount:          1.5,
		ProximityEdges:    true,
		ProximityDistance: 0.2,
		ProximityStride:   20,
	}
}

// CheckValid checks to see in the input values are valid.
func (cfg *MergeConfig) CheckValid() error {
	if cfg.MinCount < 0 {
		return errors.Errorf("merge_min_count cannot be negative, got %v", cfg.MinCount)
	}
	if cfg.ProximityEdges {
		if cfg.ProximityDistance <= 0 {
			return errors.Errorf("proximity_distance must be greater than 0, got %v", cfg.ProximityDistance)
		}
		if cfg.ProximityStride < 1 {
			return errors.Errorf("proximity_stride must be greater than 0, got %d", cfg.ProximityStride)
		}
	}
	return nil
}

// SegmenterConfig configures the whole convex oversegmentation pipeline.
type SegmenterConfig struct {
	Supervoxel supervoxel.Config `json:"supervoxel"`
	Partition  PartitionConfig   `json:"partition"`
	Color      ColorConfig       `json:"color"`
	Merge      MergeConfig       `json:"merge"`
	// ColorRefinement enables re-splitting convex partitions on color dissimilarity.
	ColorRefinement bool `json:"color_refinement"`
	// Subsample thins clouds without supplied normals before building supervoxels.
	Subsample bool `json:"subsample"`
}

// DefaultSegmenterConfig returns the default pipeline configuration.
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		Supervoxel:      supervoxel.DefaultConfig(),
		Partition:       DefaultPartitionConfig(),
		Color:           DefaultColorConfig(),
		Merge:           DefaultMergeConfig(),
		ColorRefinement: true,
		Subsample:       true,
	}
}

// CheckValid checks every stage's configuration.
func (cfg *SegmenterConfig) CheckValid() error {
	if err := cfg.Supervoxel.CheckValid(); err != nil {
		return errors.Wrap(err, "supervoxel")
	}
	if err := cfg.Partition.CheckValid(); err != nil {
		return errors.Wrap(err, "partition")
	}
	if err := cfg.Color.CheckValid(); err != nil {
		return errors.Wrap(err, "color")
	}
	if err := cfg.Merge.CheckValid(); err != nil {
		return errors.Wrap(err, "merge")
	}
	return nil
}

// ConvertAttributes changes an attribute map into the config. Stages are nested under
// their json names; missing attributes keep their current value.
func (cfg *SegmenterConfig) ConvertAttributes(am map[string]interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: cfg})
	if err != nil {
		return err
	}
	return decoder.Decode(am)
}
