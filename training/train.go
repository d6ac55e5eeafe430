package training

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"

	"go.viam.com/objectretrieval/logging"
	"go.viam.com/objectretrieval/pointcloud"
	"go.viam.com/objectretrieval/store"
	"go.viam.com/objectretrieval/sweep"
	"go.viam.com/objectretrieval/vocabulary"
	"go.viam.com/objectretrieval/vocabulary/grouped"
	"go.viam.com/objectretrieval/vocabulary/kmeanstree"
)

// Vocabulary is a trained vocabulary tree, standard or grouped.
type Vocabulary interface {
	ComputeNormalizingConstants()
	Save(w io.Writer) error
	Load(r io.Reader) error
	Empty() bool
}

// Options tune a training run.
type Options struct {
	// Progress receives a progress bar per database; nil disables it.
	Progress io.Writer
	// Cache is shared by the sweep sources; nil gives each source its own.
	Cache *sweep.ListingCache
	// Store, if not nil, also receives the trained tree under StoreKey(dir).
	Store *store.Store
}

// StoreKey returns the key a vocabulary directory's tree is stored under: the
// directory's base name.
func StoreKey(dir string) string {
	return filepath.Base(filepath.Clean(dir))
}

// TrainVocabulary trains the vocabulary described by the summary in dir, writes the tree
// next to it and updates the summary with what was indexed.
func TrainVocabulary(ctx context.Context, dir string, logger logging.Logger, opts Options) (Summary, error) {
	summary, err := LoadSummary(dir)
	if err != nil {
		return Summary{}, err
	}
	noise := sweep.NewDirSource(resolve(dir, summary.NoiseDataPath), opts.Cache, logger.Sublogger("noise"))
	var annotated sweep.Source
	if summary.AnnotatedDataPath != "" {
		annotated = sweep.NewDirSource(resolve(dir, summary.AnnotatedDataPath), opts.Cache, logger.Sublogger("annotated"))
	}

	voc, err := Train(ctx, &summary, noise, annotated, logger, opts)
	if err != nil {
		return Summary{}, err
	}
	compression, err := store.ParseCompression(summary.Compression)
	if err != nil {
		return Summary{}, err
	}
	if err := store.WriteFile(filepath.Join(dir, VocabularyFile), compression, voc.Save); err != nil {
		return Summary{}, errors.Wrap(err, "cannot save vocabulary")
	}
	if opts.Store != nil {
		if err := opts.Store.PutVocabulary(StoreKey(dir), voc.Save); err != nil {
			return Summary{}, errors.Wrap(err, "cannot store vocabulary")
		}
	}
	if err := summary.Save(dir); err != nil {
		return Summary{}, err
	}
	logger.Infow("trained vocabulary", "dir", dir, "type", summary.VocabularyType,
		"noise_segments", summary.NumNoiseSegments, "annotated_segments", summary.NumAnnotatedSegments)
	return summary, nil
}

// LoadVocabulary reads the tree trained into dir.
func LoadVocabulary(dir string) (Vocabulary, Summary, error) {
	summary, err := LoadSummary(dir)
	if err != nil {
		return nil, Summary{}, err
	}
	voc, err := newVocabulary(summary)
	if err != nil {
		return nil, Summary{}, err
	}
	if err := store.ReadFile(filepath.Join(dir, VocabularyFile), voc.Load); err != nil {
		return nil, Summary{}, errors.Wrap(err, "cannot load vocabulary")
	}
	return voc, summary, nil
}

// LoadStoredVocabulary reads the summary of dir and the tree stored for it in st.
func LoadStoredVocabulary(st *store.Store, dir string) (Vocabulary, Summary, error) {
	summary, err := LoadSummary(dir)
	if err != nil {
		return nil, Summary{}, err
	}
	voc, err := newVocabulary(summary)
	if err != nil {
		return nil, Summary{}, err
	}
	if err := st.LoadVocabulary(StoreKey(dir), voc.Load); err != nil {
		return nil, Summary{}, errors.Wrapf(err, "cannot load stored vocabulary %q", StoreKey(dir))
	}
	return voc, summary, nil
}

func newVocabulary(summary Summary) (Vocabulary, error) {
	switch summary.VocabularyType {
	case TypeStandard:
		return vocabulary.New(summary.Vocabulary)
	case TypeIncremental:
		return grouped.New(summary.Vocabulary)
	default:
		return nil, errors.Errorf("unknown vocabulary type %q", summary.VocabularyType)
	}
}

// Train indexes the noise database, then the annotated one if not nil, into a new
// vocabulary and computes its normalizing constants. The tree is built from the first
// batch holding more than MaxTrainingFeatures features, or from everything if there is
// no such batch; later batches are appended once they hold more than MaxAppendFeatures.
// Segments with fewer than MinSegmentFeatures features are counted but not indexed.
// The segment and sweep counts of the summary are updated.
func Train(
	ctx context.Context,
	summary *Summary,
	noise, annotated sweep.Source,
	logger logging.Logger,
	opts Options,
) (Vocabulary, error) {
	if err := summary.CheckValid(); err != nil {
		return nil, err
	}
	voc, err := newVocabulary(*summary)
	if err != nil {
		return nil, err
	}
	var b batcher
	switch v := voc.(type) {
	case *vocabulary.Tree:
		b = &standardBatcher{summary: summary, tree: v}
	case *grouped.Tree:
		b = &groupedBatcher{summary: summary, tree: v}
	}

	indexed, err := addSegments(ctx, b, noise, 0, 0, "noise", logger, opts)
	if err != nil {
		return nil, errors.Wrap(err, "cannot index noise segments")
	}
	summary.NumNoiseSegments, summary.NumNoiseSweeps = indexed.segments, indexed.sweeps
	summary.NumAnnotatedSegments, summary.NumAnnotatedSweeps = 0, 0
	if annotated != nil {
		indexed, err = addSegments(ctx, b, annotated, summary.NumNoiseSegments, summary.NumNoiseSweeps, "annotated", logger, opts)
		if err != nil {
			return nil, errors.Wrap(err, "cannot index annotated segments")
		}
		summary.NumAnnotatedSegments, summary.NumAnnotatedSweeps = indexed.segments, indexed.sweeps
	}
	if !b.built() {
		if err := b.flush(); err != nil {
			return nil, err
		}
	}
	voc.ComputeNormalizingConstants()
	return voc, nil
}

type counts struct {
	segments int
	sweeps   int
}

// batcher accumulates segment features and hands them to a tree in batches.
type batcher interface {
	// add queues the features of a segment under its global segment and sweep indices.
	add(sf sweep.SegmentFeatures, segment, sweep int)
	// endSweep is called when the segments of a sweep are all added.
	endSweep(sweep int)
	pending() int
	built() bool
	// limit is the queue size above which the queue is flushed.
	limit() int
	minFeatures() int
	// perSweep reports whether batches must hold whole sweeps.
	perSweep() bool
	// flush builds the tree from the queue, or appends the queue to the built tree.
	flush() error
}

func newProgressBar(opts Options, source sweep.Source, name string) *progressbar.ProgressBar {
	if opts.Progress == nil {
		return nil
	}
	total := -1
	if meta, ok := source.(sweep.MetadataProvider); ok {
		if numSweeps, err := meta.NumSweeps(); err == nil {
			total = 0
			for s := 0; s < numSweeps; s++ {
				n, err := meta.NumSegments(s)
				if err != nil {
					total = -1
					break
				}
				total += n
			}
		}
	}
	w := opts.Progress
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(name),
		progressbar.OptionOnCompletion(func() { fmt.Fprint(w, "\n") }),
	)
}

// addSegments feeds every segment of a source to the batcher. Segment indices count every
// segment of the source, indexed or not, after segmentOffset; sweeps are numbered after
// sweepOffset.
func addSegments(
	ctx context.Context,
	b batcher,
	source sweep.Source,
	segmentOffset, sweepOffset int,
	name string,
	logger logging.Logger,
	opts Options,
) (counts, error) {
	bar := newProgressBar(opts, source, name)
	var c counts
	lastSweep := -1
	maybeFlush := func() error {
		if b.pending() > b.limit() {
			return b.flush()
		}
		return nil
	}

	err := source.Iterate(ctx, func(sf sweep.SegmentFeatures) error {
		if sf.SweepIndex != lastSweep {
			if lastSweep >= 0 {
				b.endSweep(sweepOffset + lastSweep)
				if b.perSweep() {
					if err := maybeFlush(); err != nil {
						return err
					}
				}
			}
			lastSweep = sf.SweepIndex
			c.sweeps = max(c.sweeps, sf.SweepIndex+1)
		}
		if !b.perSweep() {
			if err := maybeFlush(); err != nil {
				return err
			}
		}
		if len(sf.Features) >= b.minFeatures() {
			b.add(sf, segmentOffset+c.segments, sweepOffset+sf.SweepIndex)
		}
		c.segments++
		if bar != nil {
			return bar.Add(1)
		}
		return nil
	})
	if err != nil {
		return counts{}, err
	}
	if lastSweep >= 0 {
		b.endSweep(sweepOffset + lastSweep)
	}
	if b.built() || b.pending() > 0 {
		if err := b.flush(); err != nil {
			return counts{}, err
		}
	}
	if bar != nil {
		if err := bar.Finish(); err != nil {
			return counts{}, err
		}
	}
	logger.Debugw("indexed segments", "source", name, "segments", c.segments, "sweeps", c.sweeps)
	return c, nil
}

type standardBatcher struct {
	summary  *Summary
	tree     *vocabulary.Tree
	features []kmeanstree.Feature
	sources  []int
}

func (sb *standardBatcher) add(sf sweep.SegmentFeatures, segment, _ int) {
	sb.features = append(sb.features, sf.Features...)
	for range sf.Features {
		sb.sources = append(sb.sources, segment)
	}
}

func (sb *standardBatcher) endSweep(int) {}

func (sb *standardBatcher) pending() int { return len(sb.features) }

func (sb *standardBatcher) built() bool { return sb.tree.KMeansTree().Built() }

func (sb *standardBatcher) minFeatures() int { return sb.summary.MinSegmentFeatures }

func (sb *standardBatcher) limit() int {
	if sb.built() {
		return sb.summary.MaxAppendFeatures
	}
	return sb.summary.MaxTrainingFeatures
}

func (sb *standardBatcher) perSweep() bool { return false }

func (sb *standardBatcher) flush() error {
	defer func() { sb.features, sb.sources = nil, nil }()
	if sb.built() {
		return sb.tree.AppendCloud(sb.features, sb.sources, false)
	}
	if err := sb.tree.SetInputCloud(sb.features, sb.sources); err != nil {
		return err
	}
	return sb.tree.AddPointsFromInputCloud(false)
}

type groupedBatcher struct {
	summary     *Summary
	tree        *grouped.Tree
	features    []kmeanstree.Feature
	indices     []grouped.GroupIndex
	centroids   map[int]r3.Vector
	adjacencies map[int][]grouped.Adjacency
}

func (gb *groupedBatcher) add(sf sweep.SegmentFeatures, _, sweep int) {
	gi := grouped.GroupIndex{Group: sweep, Subgroup: sf.SegmentIndex}
	gb.features = append(gb.features, sf.Features...)
	for range sf.Features {
		gb.indices = append(gb.indices, gi)
	}
	if sf.Keypoints != nil && sf.Keypoints.Size() > 0 {
		if gb.centroids == nil {
			gb.centroids = make(map[int]r3.Vector)
		}
		gb.centroids[sf.SegmentIndex] = pointcloud.CloudCentroid(sf.Keypoints)
	}
}

func (gb *groupedBatcher) endSweep(sweep int) {
	adj := CentroidAdjacencies(gb.centroids, gb.summary.AdjacencyDistance)
	gb.centroids = nil
	if len(adj) == 0 {
		return
	}
	if gb.adjacencies == nil {
		gb.adjacencies = make(map[int][]grouped.Adjacency)
	}
	gb.adjacencies[sweep] = append(gb.adjacencies[sweep], adj...)
}

func (gb *groupedBatcher) pending() int { return len(gb.features) }

func (gb *groupedBatcher) built() bool { return gb.tree.Vocabulary().KMeansTree().Built() }

func (gb *groupedBatcher) minFeatures() int { return gb.summary.MinSegmentFeatures }

func (gb *groupedBatcher) limit() int {
	if gb.built() {
		return gb.summary.MaxAppendFeatures
	}
	return gb.summary.MaxTrainingFeatures
}

// a sweep's adjacencies are recorded with its batch, so batches never split a sweep.
func (gb *groupedBatcher) perSweep() bool { return true }

func (gb *groupedBatcher) flush() error {
	defer func() { gb.features, gb.indices, gb.adjacencies = nil, nil, nil }()
	if gb.built() {
		return gb.tree.AppendCloudWithAdjacencies(gb.features, gb.indices, gb.adjacencies, false)
	}
	if err := gb.tree.SetInputCloud(gb.features, gb.indices); err != nil {
		return err
	}
	return gb.tree.AddPointsFromInputCloudWithAdjacencies(gb.adjacencies, false)
}

// CentroidAdjacencies returns every pair of segments whose centroids are closer than
// distance, ordered by segment.
func CentroidAdjacencies(centroids map[int]r3.Vector, distance float64) []grouped.Adjacency {
	segments := make([]int, 0, len(centroids))
	for s := range centroids {
		segments = append(segments, s)
	}
	sort.Ints(segments)
	var adj []grouped.Adjacency
	for i, a := range segments {
		for _, b := range segments[i+1:] {
			if centroids[a].Sub(centroids[b]).Norm() < distance {
				adj = append(adj, grouped.Adjacency{A: a, B: b})
			}
		}
	}
	return adj
}
