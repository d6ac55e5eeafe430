package sweep

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/objectretrieval/logging"
	"go.viam.com/objectretrieval/pointcloud"
	"go.viam.com/objectretrieval/vocabulary/kmeanstree"
)

func features(n, dims int, offset float64) []kmeanstree.Feature {
	out := make([]kmeanstree.Feature, n)
	for i := range out {
		f := make(kmeanstree.Feature, dims)
		for d := range f {
			f[d] = offset + float64(i*dims+d)
		}
		out[i] = f
	}
	return out
}

func TestFeaturesRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := features(4, 3, 0.5)
	test.That(t, WriteFeatures(&buf, in), test.ShouldBeNil)
	out, err := ReadFeatures(bytes.NewReader(buf.Bytes()))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldResemble, in)

	buf.Reset()
	test.That(t, WriteFeatures(&buf, nil), test.ShouldBeNil)
	out, err = ReadFeatures(bytes.NewReader(buf.Bytes()))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldBeEmpty)

	test.That(t, WriteFeatures(&buf, []kmeanstree.Feature{{1, 2}, {1}}), test.ShouldNotBeNil)
	_, err = ReadFeatures(bytes.NewReader([]byte("short")))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestListingCache(t *testing.T) {
	dir := t.TempDir()
	lc := NewListingCache(0)
	entries, err := lc.List(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, entries, test.ShouldBeEmpty)
	test.That(t, lc.Len(), test.ShouldEqual, 1)

	test.That(t, os.WriteFile(filepath.Join(dir, "a"), []byte("a"), 0o600), test.ShouldBeNil)
	entries, err = lc.List(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, entries, test.ShouldBeEmpty)

	lc.Invalidate(dir)
	entries, err = lc.List(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, entries, test.ShouldHaveLength, 1)

	lc.Flush()
	test.That(t, lc.Len(), test.ShouldEqual, 0)
	_, err = lc.List(filepath.Join(dir, "missing"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDirSource(t *testing.T) {
	logger := logging.NewTestLogger(t)
	root := t.TempDir()
	ds := NewDirSource(root, nil, logger)
	n, err := ds.NumSweeps()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 0)

	keypoints := pointcloud.New()
	test.That(t, keypoints.Append(r3.Vector{X: 1, Y: 2, Z: 3}, pointcloud.NewBasicData()), test.ShouldBeNil)
	test.That(t, ds.WriteSegment("sweep_b", 0, features(2, 4, 10), nil), test.ShouldBeNil)
	test.That(t, ds.WriteSegment("sweep_a", 10, features(3, 4, 0), nil), test.ShouldBeNil)
	test.That(t, ds.WriteSegment("sweep_a", 2, features(1, 4, 5), keypoints), test.ShouldBeNil)
	test.That(t, os.WriteFile(filepath.Join(root, "sweep_a", "notes.txt"), []byte("x"), 0o600), test.ShouldBeNil)
	test.That(t, os.WriteFile(filepath.Join(root, "summary.json"), []byte("{}"), 0o600), test.ShouldBeNil)
	ds.cache.Flush()

	names, err := ds.SweepNames()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, names, test.ShouldResemble, []string{"sweep_a", "sweep_b"})
	indices, err := ds.SegmentIndices(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, indices, test.ShouldResemble, []int{2, 10})
	n, err = ds.NumSegments(1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 1)
	_, err = ds.NumSegments(2)
	test.That(t, err, test.ShouldNotBeNil)

	var seen []SegmentFeatures
	err = ds.Iterate(context.Background(), func(sf SegmentFeatures) error {
		seen = append(seen, sf)
		return nil
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, seen, test.ShouldHaveLength, 3)
	test.That(t, seen[0].SweepIndex, test.ShouldEqual, 0)
	test.That(t, seen[0].SegmentIndex, test.ShouldEqual, 2)
	test.That(t, seen[0].Features, test.ShouldResemble, features(1, 4, 5))
	test.That(t, seen[0].Keypoints, test.ShouldNotBeNil)
	test.That(t, seen[0].Keypoints.Size(), test.ShouldEqual, 1)
	test.That(t, seen[1].SegmentIndex, test.ShouldEqual, 10)
	test.That(t, seen[1].Keypoints, test.ShouldBeNil)
	test.That(t, seen[2].SweepIndex, test.ShouldEqual, 1)
	test.That(t, seen[2].Features, test.ShouldResemble, features(2, 4, 10))

	stop := errors.New("stop")
	err = ds.Iterate(context.Background(), func(SegmentFeatures) error { return stop })
	test.That(t, errors.Is(err, stop), test.ShouldBeTrue)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = ds.Iterate(ctx, func(SegmentFeatures) error { return nil })
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}

func TestSliceSource(t *testing.T) {
	src := SliceSource{
		{SweepIndex: 0, SegmentIndex: 1},
		{SweepIndex: 0, SegmentIndex: 0},
		{SweepIndex: 2, SegmentIndex: 4},
		{SweepIndex: 0, SegmentIndex: 1},
	}
	n, err := src.NumSweeps()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 3)
	indices, err := src.SegmentIndices(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, indices, test.ShouldResemble, []int{0, 1})
	n, err = src.NumSegments(1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 0)

	count := 0
	test.That(t, src.Iterate(context.Background(), func(SegmentFeatures) error {
		count++
		return nil
	}), test.ShouldBeNil)
	test.That(t, count, test.ShouldEqual, 4)
}
