package training

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/objectretrieval/logging"
	"go.viam.com/objectretrieval/pointcloud"
	"go.viam.com/objectretrieval/store"
	"go.viam.com/objectretrieval/sweep"
	"go.viam.com/objectretrieval/vocabulary"
	"go.viam.com/objectretrieval/vocabulary/grouped"
	"go.viam.com/objectretrieval/vocabulary/kmeanstree"
)

func testSummary(kind string) Summary {
	s := DefaultSummary()
	s.VocabularyType = kind
	s.NoiseDataPath = "noise"
	s.AnnotatedDataPath = "annotated"
	s.MinSegmentFeatures = 10
	s.MaxTrainingFeatures = 100
	s.MaxAppendFeatures = 50
	s.Vocabulary = vocabulary.Config{
		Tree:             kmeanstree.Config{Branching: 2, MaxDepth: 3, MinLeafSize: 3, MaxIterations: 20, Seed: 2},
		MatchingMinDepth: 1,
		NormExponent:     1,
	}
	return s
}

// segmentFeatures returns n features scattered around (center, 0, 0, 0).
func segmentFeatures(rng *rand.Rand, n int, center float64) []kmeanstree.Feature {
	out := make([]kmeanstree.Feature, n)
	for i := range out {
		out[i] = kmeanstree.Feature{
			center + rng.NormFloat64(),
			rng.NormFloat64(),
			rng.NormFloat64(),
			rng.NormFloat64(),
		}
	}
	return out
}

func keypointAt(t *testing.T, x, y, z float64) pointcloud.PointCloud {
	t.Helper()
	pc := pointcloud.New()
	test.That(t, pc.Append(r3.Vector{X: x, Y: y, Z: z}, pointcloud.NewBasicData()), test.ShouldBeNil)
	return pc
}

// databases returns a noise database of two sweeps, the first with a segment too small to
// index, and an annotated database of one sweep.
func databases(t *testing.T) (sweep.SliceSource, sweep.SliceSource) {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	noise := sweep.SliceSource{
		{SweepIndex: 0, SegmentIndex: 0, Features: segmentFeatures(rng, 40, 0), Keypoints: keypointAt(t, 0, 0, 0)},
		{SweepIndex: 0, SegmentIndex: 1, Features: segmentFeatures(rng, 40, 20), Keypoints: keypointAt(t, 0.1, 0, 0)},
		{SweepIndex: 0, SegmentIndex: 2, Features: segmentFeatures(rng, 5, 40), Keypoints: keypointAt(t, 0.2, 0, 0)},
		{SweepIndex: 1, SegmentIndex: 0, Features: segmentFeatures(rng, 40, 60), Keypoints: keypointAt(t, 5, 5, 5)},
		{SweepIndex: 1, SegmentIndex: 1, Features: segmentFeatures(rng, 40, 80), Keypoints: keypointAt(t, 6, 5, 5)},
	}
	annotated := sweep.SliceSource{
		{SweepIndex: 0, SegmentIndex: 0, Features: segmentFeatures(rng, 40, 100), Keypoints: keypointAt(t, 1, 1, 1)},
		{SweepIndex: 0, SegmentIndex: 1, Features: segmentFeatures(rng, 40, 120), Keypoints: keypointAt(t, 1, 1.2, 1)},
	}
	return noise, annotated
}

func TestTrainStandard(t *testing.T) {
	logger := logging.NewTestLogger(t)
	noise, annotated := databases(t)
	summary := testSummary(TypeStandard)
	voc, err := Train(context.Background(), &summary, noise, annotated, logger, Options{})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, summary.NumNoiseSegments, test.ShouldEqual, 5)
	test.That(t, summary.NumNoiseSweeps, test.ShouldEqual, 2)
	test.That(t, summary.NumAnnotatedSegments, test.ShouldEqual, 2)
	test.That(t, summary.NumAnnotatedSweeps, test.ShouldEqual, 1)

	vt, ok := voc.(*vocabulary.Tree)
	test.That(t, ok, test.ShouldBeTrue)
	// the small segment is counted but not indexed; annotated segments follow the noise ones
	test.That(t, vt.Sources(), test.ShouldResemble, []int{0, 1, 3, 4, 5, 6})
	test.That(t, vt.Size(), test.ShouldEqual, 240)

	results, err := vt.TopSimilarities(noise[0].Features, 2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, results[0].Index, test.ShouldEqual, 0)
	test.That(t, results[0].Score, test.ShouldBeGreaterThan, results[1].Score)

	// without annotated data everything is built from the noise segments
	summary = testSummary(TypeStandard)
	voc, err = Train(context.Background(), &summary, noise, nil, logger, Options{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, voc.(*vocabulary.Tree).Sources(), test.ShouldResemble, []int{0, 1, 3, 4})
	test.That(t, summary.NumAnnotatedSegments, test.ShouldEqual, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Train(ctx, &summary, noise, nil, logger, Options{})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestTrainIncremental(t *testing.T) {
	logger := logging.NewTestLogger(t)
	noise, annotated := databases(t)
	summary := testSummary(TypeIncremental)
	var progress bytes.Buffer
	voc, err := Train(context.Background(), &summary, noise, annotated, logger, Options{Progress: &progress})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.NumNoiseSweeps, test.ShouldEqual, 2)
	test.That(t, summary.NumAnnotatedSweeps, test.ShouldEqual, 1)

	gt, ok := voc.(*grouped.Tree)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, gt.Groups(), test.ShouldResemble, []int{0, 1, 2})
	test.That(t, gt.NumSubgroups(), test.ShouldEqual, 6)
	test.That(t, gt.SubgroupsForGroup(0), test.ShouldResemble, []int{0, 1})
	test.That(t, gt.SubgroupAdjacencies(0), test.ShouldResemble, []grouped.Adjacency{{A: 0, B: 1}})
	test.That(t, gt.SubgroupAdjacencies(1), test.ShouldBeEmpty)
	test.That(t, gt.SubgroupAdjacencies(2), test.ShouldResemble, []grouped.Adjacency{{A: 0, B: 1}})

	results, err := gt.QueryVocabulary(noise[3].Features, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, results, test.ShouldHaveLength, 1)
	test.That(t, results[0].GroupIndex, test.ShouldResemble, grouped.GroupIndex{Group: 1, Subgroup: 0})
}

func TestCentroidAdjacencies(t *testing.T) {
	centroids := map[int]r3.Vector{
		4: {X: 0},
		1: {X: 0.2},
		7: {X: 0.45},
		9: {X: 3},
	}
	test.That(t, CentroidAdjacencies(centroids, 0.3), test.ShouldResemble, []grouped.Adjacency{{A: 1, B: 4}, {A: 1, B: 7}})
	test.That(t, CentroidAdjacencies(nil, 0.3), test.ShouldBeEmpty)
}

func TestSummary(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadSummary(dir)
	test.That(t, err, test.ShouldNotBeNil)

	data, err := json.Marshal(map[string]interface{}{
		"vocabulary_type":      "incremental",
		"noise_data_path":      "/data/noise",
		"min_segment_features": 12,
		"vocabulary":           map[string]interface{}{"tree": map[string]interface{}{"branching": 4}},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, os.WriteFile(filepath.Join(dir, SummaryFile), data, 0o600), test.ShouldBeNil)
	summary, err := LoadSummary(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.VocabularyType, test.ShouldEqual, TypeIncremental)
	test.That(t, summary.MinSegmentFeatures, test.ShouldEqual, 12)
	test.That(t, summary.MaxTrainingFeatures, test.ShouldEqual, DefaultSummary().MaxTrainingFeatures)
	test.That(t, summary.Vocabulary.Tree.Branching, test.ShouldEqual, 4)
	test.That(t, summary.Vocabulary.Tree.MaxDepth, test.ShouldEqual, 5)

	summary.NumNoiseSegments = 7
	test.That(t, summary.Save(dir), test.ShouldBeNil)
	loaded, err := LoadSummary(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded, test.ShouldResemble, summary)

	test.That(t, os.WriteFile(filepath.Join(dir, SummaryFile), []byte(`{"vocabulary_type": "fancy", "noise_data_path": "x"}`), 0o600),
		test.ShouldBeNil)
	_, err = LoadSummary(dir)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, os.WriteFile(filepath.Join(dir, SummaryFile), []byte(`{`), 0o600), test.ShouldBeNil)
	_, err = LoadSummary(dir)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestTrainVocabulary(t *testing.T) {
	logger, observed := logging.NewObservedTestLogger(t)
	dir := t.TempDir()
	noise, annotated := databases(t)
	for name, db := range map[string]sweep.SliceSource{"noise": noise, "annotated": annotated} {
		ds := sweep.NewDirSource(filepath.Join(dir, name), nil, logger)
		for _, sf := range db {
			sweepName := []string{"sweep_000", "sweep_001"}[sf.SweepIndex]
			test.That(t, ds.WriteSegment(sweepName, sf.SegmentIndex, sf.Features, sf.Keypoints), test.ShouldBeNil)
		}
	}
	summary := testSummary(TypeStandard)
	test.That(t, summary.Save(dir), test.ShouldBeNil)

	trained, err := TrainVocabulary(context.Background(), dir, logger, Options{Cache: sweep.NewListingCache(0)})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, trained.NumNoiseSegments, test.ShouldEqual, 5)
	test.That(t, trained.NumAnnotatedSegments, test.ShouldEqual, 2)
	done := observed.FilterMessage("trained vocabulary").All()
	test.That(t, done, test.ShouldHaveLength, 1)
	test.That(t, done[0].ContextMap()["noise_segments"], test.ShouldEqual, int64(5))

	voc, saved, err := LoadVocabulary(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, saved, test.ShouldResemble, trained)
	vt := voc.(*vocabulary.Tree)
	test.That(t, vt.Empty(), test.ShouldBeFalse)
	results, err := vt.TopSimilarities(annotated[1].Features, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, results, test.ShouldHaveLength, 1)

	// a tree trained in memory scores the loaded one's queries identically
	again := testSummary(TypeStandard)
	inMemory, err := Train(context.Background(), &again, noise, annotated, logger, Options{})
	test.That(t, err, test.ShouldBeNil)
	want, err := inMemory.(*vocabulary.Tree).TopSimilarities(annotated[1].Features, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, results, test.ShouldResemble, want)

	_, err = TrainVocabulary(context.Background(), t.TempDir(), logger, Options{})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestTrainVocabularyIntoStore(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := filepath.Join(t.TempDir(), "office")
	noise, _ := databases(t)
	ds := sweep.NewDirSource(filepath.Join(dir, "noise"), nil, logger)
	for _, sf := range noise {
		sweepName := []string{"sweep_000", "sweep_001"}[sf.SweepIndex]
		test.That(t, ds.WriteSegment(sweepName, sf.SegmentIndex, sf.Features, sf.Keypoints), test.ShouldBeNil)
	}
	summary := testSummary(TypeIncremental)
	summary.AnnotatedDataPath = ""
	test.That(t, summary.Save(dir), test.ShouldBeNil)

	st, err := store.Open(filepath.Join(t.TempDir(), "vocabularies.db"), store.CompressionLZ4, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() { test.That(t, st.Close(), test.ShouldBeNil) }()

	_, _, err = LoadStoredVocabulary(st, dir)
	test.That(t, errors.Is(err, store.ErrNotFound), test.ShouldBeTrue)

	_, err = TrainVocabulary(context.Background(), dir, logger, Options{Store: st})
	test.That(t, err, test.ShouldBeNil)
	keys, err := st.Keys("vocabularies")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, keys, test.ShouldResemble, []string{"office"})

	stored, _, err := LoadStoredVocabulary(st, dir)
	test.That(t, err, test.ShouldBeNil)
	onDisk, _, err := LoadVocabulary(dir)
	test.That(t, err, test.ShouldBeNil)
	want, err := onDisk.(*grouped.Tree).TopCombinedSimilarities(noise[1].Features, -1)
	test.That(t, err, test.ShouldBeNil)
	got, err := stored.(*grouped.Tree).TopCombinedSimilarities(noise[1].Features, -1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldResemble, want)
}
