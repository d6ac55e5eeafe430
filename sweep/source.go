// Package sweep iterates the per segment descriptor clouds of a database of scanned
// sweeps, and answers how each sweep is segmented.
package sweep

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/objectretrieval/logging"
	"go.viam.com/objectretrieval/pointcloud"
	"go.viam.com/objectretrieval/store"
	"go.viam.com/objectretrieval/vocabulary/kmeanstree"
)

// SegmentFeatures holds the descriptors of one segment of one sweep.
type SegmentFeatures struct {
	Features []kmeanstree.Feature
	// Keypoints holds the positions the features were computed at; it may be nil.
	Keypoints    pointcloud.PointCloud
	SweepIndex   int
	SegmentIndex int
}

// A Source yields segment features sweep by sweep, segments in ascending order.
type Source interface {
	Iterate(ctx context.Context, fn func(SegmentFeatures) error) error
}

// A MetadataProvider describes how sweeps are segmented.
type MetadataProvider interface {
	NumSweeps() (int, error)
	NumSegments(sweep int) (int, error)
	SegmentIndices(sweep int) ([]int, error)
}

const (
	segmentPrefix     = "segment"
	featuresExtension = ".features"
	keypointExtension = ".pcd"
)

// DirSource reads sweeps from a directory: every subdirectory is a sweep, in name order,
// holding segment<i>.features and optionally segment<i>.pcd keypoints.
type DirSource struct {
	root   string
	cache  *ListingCache
	logger logging.Logger
}

// NewDirSource returns a source over root. Listings go through cache; a nil cache
// creates one that never expires.
func NewDirSource(root string, cache *ListingCache, logger logging.Logger) *DirSource {
	if cache == nil {
		cache = NewListingCache(0)
	}
	return &DirSource{root: root, cache: cache, logger: logger}
}

// Root returns the data directory.
func (ds *DirSource) Root() string {
	return ds.root
}

// SweepNames returns the sweep directories in order.
func (ds *DirSource) SweepNames() ([]string, error) {
	entries, err := ds.cache.List(ds.root)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot list sweeps in %s", ds.root)
	}
	dirs := lo.Filter(entries, func(e fs.DirEntry, _ int) bool { return e.IsDir() })
	return lo.Map(dirs, func(e fs.DirEntry, _ int) string { return e.Name() }), nil
}

func (ds *DirSource) sweepDir(sweep int) (string, error) {
	names, err := ds.SweepNames()
	if err != nil {
		return "", err
	}
	if sweep < 0 || sweep >= len(names) {
		return "", errors.Errorf("sweep %d out of range, %d sweeps in %s", sweep, len(names), ds.root)
	}
	return filepath.Join(ds.root, names[sweep]), nil
}

// NumSweeps returns the number of sweeps.
func (ds *DirSource) NumSweeps() (int, error) {
	names, err := ds.SweepNames()
	return len(names), err
}

// SegmentIndices returns the segments of a sweep in ascending order.
func (ds *DirSource) SegmentIndices(sweep int) ([]int, error) {
	dir, err := ds.sweepDir(sweep)
	if err != nil {
		return nil, err
	}
	entries, err := ds.cache.List(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot list segments in %s", dir)
	}
	indices := lo.FilterMap(entries, func(e fs.DirEntry, _ int) (int, bool) {
		return parseSegmentName(e.Name())
	})
	sort.Ints(indices)
	return indices, nil
}

func parseSegmentName(name string) (int, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, featuresExtension) {
		return 0, false
	}
	i, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), featuresExtension))
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// NumSegments returns the number of segments of a sweep.
func (ds *DirSource) NumSegments(sweep int) (int, error) {
	indices, err := ds.SegmentIndices(sweep)
	return len(indices), err
}

func segmentPath(dir string, segment int, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d%s", segmentPrefix, segment, ext))
}

// Segment reads one segment of a sweep.
func (ds *DirSource) Segment(sweep, segment int) (SegmentFeatures, error) {
	dir, err := ds.sweepDir(sweep)
	if err != nil {
		return SegmentFeatures{}, err
	}
	out := SegmentFeatures{SweepIndex: sweep, SegmentIndex: segment}
	err = store.ReadFile(segmentPath(dir, segment, featuresExtension), func(r io.Reader) error {
		var err error
		out.Features, err = ReadFeatures(r)
		return err
	})
	if err != nil {
		return SegmentFeatures{}, errors.Wrapf(err, "cannot read features of sweep %d segment %d", sweep, segment)
	}
	keypoints := segmentPath(dir, segment, keypointExtension)
	if _, err := os.Stat(keypoints); err == nil {
		if out.Keypoints, err = pointcloud.NewFromFile(keypoints); err != nil {
			return SegmentFeatures{}, err
		}
	}
	return out, nil
}

// Iterate reads every segment of every sweep.
func (ds *DirSource) Iterate(ctx context.Context, fn func(SegmentFeatures) error) error {
	numSweeps, err := ds.NumSweeps()
	if err != nil {
		return err
	}
	for sweep := 0; sweep < numSweeps; sweep++ {
		indices, err := ds.SegmentIndices(sweep)
		if err != nil {
			return err
		}
		ds.logger.Debugw("reading sweep", "sweep", sweep, "segments", len(indices))
		for _, segment := range indices {
			if err := ctx.Err(); err != nil {
				return err
			}
			sf, err := ds.Segment(sweep, segment)
			if err != nil {
				return err
			}
			if err := fn(sf); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteSegment writes the features and, if not nil, the keypoints of a segment into the
// named sweep directory, creating it, and invalidates the affected listings.
func (ds *DirSource) WriteSegment(
	sweepName string,
	segment int,
	features []kmeanstree.Feature,
	keypoints pointcloud.PointCloud,
) error {
	dir := filepath.Join(ds.root, sweepName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	defer ds.cache.Invalidate(ds.root)
	defer ds.cache.Invalidate(dir)
	err := store.WriteFile(segmentPath(dir, segment, featuresExtension), store.CompressionZSTD, func(w io.Writer) error {
		return WriteFeatures(w, features)
	})
	if err != nil {
		return err
	}
	if keypoints != nil {
		return pointcloud.WriteToPCDFile(keypoints, segmentPath(dir, segment, keypointExtension))
	}
	return nil
}

// SliceSource is an in-memory source, already in iteration order.
type SliceSource []SegmentFeatures

// Iterate yields the segments in order.
func (s SliceSource) Iterate(ctx context.Context, fn func(SegmentFeatures) error) error {
	for _, sf := range s {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(sf); err != nil {
			return err
		}
	}
	return nil
}

// NumSweeps returns one more than the largest sweep index.
func (s SliceSource) NumSweeps() (int, error) {
	return lo.Reduce(s, func(n int, sf SegmentFeatures, _ int) int {
		return max(n, sf.SweepIndex+1)
	}, 0), nil
}

// SegmentIndices returns the segments of a sweep in ascending order.
func (s SliceSource) SegmentIndices(sweep int) ([]int, error) {
	indices := lo.FilterMap(s, func(sf SegmentFeatures, _ int) (int, bool) {
		return sf.SegmentIndex, sf.SweepIndex == sweep
	})
	indices = lo.Uniq(indices)
	sort.Ints(indices)
	return indices, nil
}

// NumSegments returns the number of segments of a sweep.
func (s SliceSource) NumSegments(sweep int) (int, error) {
	indices, err := s.SegmentIndices(sweep)
	return len(indices), err
}
