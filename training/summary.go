// Package training builds vocabulary trees from the segment features of a noise and an
// annotated sweep database, as described by a vocabulary summary.
package training

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"

	"go.viam.com/objectretrieval/store"
	"go.viam.com/objectretrieval/vocabulary"
)

const (
	// SummaryFile is the name of the summary inside a vocabulary directory.
	SummaryFile = "vocabulary_summary.json"
	// VocabularyFile is the name of the trained tree inside a vocabulary directory.
	VocabularyFile = "vocabulary.bin"
)

// The kinds of vocabulary.
const (
	TypeStandard    = "standard"
	TypeIncremental = "incremental"
)

// Summary describes a vocabulary: where its training data lives, how it is trained, and
// what was indexed.
type Summary struct {
	VocabularyType    string `json:"vocabulary_type"`
	SubsegmentType    string `json:"subsegment_type"`
	NoiseDataPath     string `json:"noise_data_path"`
	AnnotatedDataPath string `json:"annotated_data_path"`

	MinSegmentFeatures  int `json:"min_segment_features"`
	MaxTrainingFeatures int `json:"max_training_features"`
	MaxAppendFeatures   int `json:"max_append_features"`
	// AdjacencyDistance is the keypoint centroid distance under which two segments of a
	// sweep are adjacent in an incremental vocabulary.
	AdjacencyDistance float64 `json:"adjacency_distance"`

	NumNoiseSegments     int `json:"nbr_noise_segments"`
	NumAnnotatedSegments int `json:"nbr_annotated_segments"`
	NumNoiseSweeps       int `json:"nbr_noise_sweeps"`
	NumAnnotatedSweeps   int `json:"nbr_annotated_sweeps"`

	Compression string            `json:"compression"`
	Vocabulary  vocabulary.Config `json:"vocabulary"`
}

// DefaultSummary returns a summary for a standard vocabulary with no data paths.
func DefaultSummary() Summary {
	return Summary{
		VocabularyType:      TypeStandard,
		SubsegmentType:      "convex_segment",
		MinSegmentFeatures:  30,
		MaxTrainingFeatures: 10000,
		MaxAppendFeatures:   1000000,
		AdjacencyDistance:   0.3,
		Compression:         store.CompressionZSTD.String(),
		Vocabulary:          vocabulary.DefaultConfig(),
	}
}

// CheckValid checks to see in the input values are valid.
func (s *Summary) CheckValid() error {
	if s.VocabularyType != TypeStandard && s.VocabularyType != TypeIncremental {
		return errors.Errorf("vocabulary_type must be %q or %q, got %q", TypeStandard, TypeIncremental, s.VocabularyType)
	}
	if s.NoiseDataPath == "" {
		return errors.New("noise_data_path is required")
	}
	if s.MinSegmentFeatures < 0 || s.MaxTrainingFeatures < 0 || s.MaxAppendFeatures < 0 {
		return errors.New("feature limits must not be negative")
	}
	if s.AdjacencyDistance < 0 {
		return errors.Errorf("adjacency_distance must not be negative, got %v", s.AdjacencyDistance)
	}
	if _, err := store.ParseCompression(s.Compression); err != nil {
		return err
	}
	return s.Vocabulary.CheckValid()
}

// ConvertAttributes changes an attribute map into the summary.
func (s *Summary) ConvertAttributes(am map[string]interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: s})
	if err != nil {
		return err
	}
	return decoder.Decode(am)
}

// resolve returns path relative to the vocabulary directory unless it is absolute.
func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// LoadSummary reads the summary of a vocabulary directory. Fields missing from the file
// keep their defaults.
func LoadSummary(dir string) (Summary, error) {
	//nolint:gosec
	data, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	if err != nil {
		return Summary{}, errors.Wrapf(err, "cannot read vocabulary summary in %s", dir)
	}
	var attrs map[string]interface{}
	if err := json.Unmarshal(data, &attrs); err != nil {
		return Summary{}, errors.Wrapf(err, "cannot parse %s", SummaryFile)
	}
	summary := DefaultSummary()
	if err := summary.ConvertAttributes(attrs); err != nil {
		return Summary{}, errors.Wrapf(err, "invalid %s", SummaryFile)
	}
	if err := summary.CheckValid(); err != nil {
		return Summary{}, errors.Wrapf(err, "invalid %s", SummaryFile)
	}
	return summary, nil
}

// Save writes the summary into a vocabulary directory.
func (s *Summary) Save(dir string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, SummaryFile), data, 0o600)
}
