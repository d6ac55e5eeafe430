package supervoxel

import (
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// Config holds the parameters for extracting supervoxels and weighting their adjacency.
// Distances are in meters.
type Config struct {
	VoxelResolution   float64 `json:"voxel_resolution"`
	SeedResolution    float64 `json:"seed_resolution"`
	ColorImportance   float64 `json:"color_importance"`
	SpatialImportance float64 `json:"spatial_importance"`
	NormalImportance  float64 `json:"normal_importance"`
	RefineIterations  int     `json:"refine_iterations"`
	// NormalRadius is the neighborhood used to estimate voxel normals. Zero means twice
	// the voxel resolution.
	NormalRadius float64 `json:"normal_radius"`

	FlatPenalty      float64 `json:"flat_penalty"`
	BoundaryDistance float64 `json:"boundary_distance"`

	MaxRange            float64 `json:"max_range"`
	FilterOutliers      bool    `json:"filter_outliers"`
	OutlierRadius       float64 `json:"outlier_radius"`
	OutlierMinNeighbors int     `json:"outlier_min_neighbors"`
	SubsampleLeaf       float64 `json:"subsample_leaf"`
}

// DefaultConfig returns the parameters tuned for indoor RGB-D sweeps.
func DefaultConfig() Config {
	return Config{
		VoxelResolution:     0.012,
		SeedResolution:      0.2,
		ColorImportance:     0.6,
		SpatialImportance:   0.4,
		NormalImportance:    1.0,
		RefineIterations:    2,
		FlatPenalty:         0.5,
		BoundaryDistance:    0.05,
		MaxRange:            3.0,
		OutlierRadius:       0.02,
		OutlierMinNeighbors: 30,
		SubsampleLeaf:       0.005,
	}
}

// CheckValid checks to see in the input values are valid.
func (cfg *Config) CheckValid() error {
	if cfg.VoxelResolution <= 0 {
		return errors.Errorf("voxel_resolution must be greater than 0, got %v", cfg.VoxelResolution)
	}
	if cfg.SeedResolution < cfg.VoxelResolution {
		return errors.Errorf("seed_resolution (%v) must be at least voxel_resolution (%v)", cfg.SeedResolution, cfg.VoxelResolution)
	}
	if cfg.ColorImportance < 0 || cfg.SpatialImportance < 0 || cfg.NormalImportance < 0 {
		return errors.New("importance weights cannot be negative")
	}
	if cfg.RefineIterations < 0 {
		return errors.Errorf("refine_iterations cannot be negative, got %d", cfg.RefineIterations)
	}
	if cfg.NormalRadius < 0 {
		return errors.Errorf("normal_radius cannot be negative, got %v", cfg.NormalRadius)
	}
	if cfg.BoundaryDistance <= 0 {
		return errors.Errorf("boundary_distance must be greater than 0, got %v", cfg.BoundaryDistance)
	}
	if cfg.MaxRange <= 0 {
		return errors.Errorf("max_range must be greater than 0, got %v", cfg.MaxRange)
	}
	if cfg.FilterOutliers && (cfg.OutlierRadius <= 0 || cfg.OutlierMinNeighbors < 1) {
		return errors.New("outlier filtering needs a positive outlier_radius and outlier_min_neighbors")
	}
	if cfg.SubsampleLeaf < 0 {
		return errors.Errorf("subsample_leaf cannot be negative, got %v", cfg.SubsampleLeaf)
	}
	return nil
}

// ConvertAttributes changes an attribute map into the config. Missing attributes keep
// their current value.
func (cfg *Config) ConvertAttributes(am map[string]interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: cfg})
	if err != nil {
		return err
	}
	return decoder.Decode(am)
}

func (cfg *Config) normalRadius() float64 {
	if cfg.NormalRadius > 0 {
		return cfg.NormalRadius
	}
	return 2 * cfg.VoxelResolution
}
