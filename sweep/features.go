package sweep

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"go.viam.com/objectretrieval/vocabulary/kmeanstree"
)

const featuresMagic int64 = 0x46454131 // "FEA1"

// maxFeatureValues bounds the number of values read from one stream.
const maxFeatureValues = 1 << 30

// WriteFeatures writes a feature cloud: a header with the number of features and their
// dimension, then every value as a little endian float64.
func WriteFeatures(w io.Writer, features []kmeanstree.Feature) error {
	dims := 0
	if len(features) > 0 {
		dims = len(features[0])
	}
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, []int64{featuresMagic, int64(len(features)), int64(dims)}); err != nil {
		return err
	}
	for i, f := range features {
		if len(f) != dims {
			return errors.Errorf("feature %d has %d dimensions, expected %d", i, len(f), dims)
		}
		if err := binary.Write(bw, binary.LittleEndian, []float64(f)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadFeatures reads a feature cloud written by WriteFeatures.
func ReadFeatures(r io.Reader) ([]kmeanstree.Feature, error) {
	br := bufio.NewReader(r)
	header := make([]int64, 3)
	if err := binary.Read(br, binary.LittleEndian, header); err != nil {
		return nil, errors.Wrap(err, "cannot read feature header")
	}
	if header[0] != featuresMagic {
		return nil, errors.Errorf("not a feature stream (magic %#x)", header[0])
	}
	n, dims := header[1], header[2]
	if n < 0 || dims < 0 || (dims > 0 && n > maxFeatureValues/dims) {
		return nil, errors.Errorf("corrupt feature header (%d features of %d dimensions)", n, dims)
	}
	features := make([]kmeanstree.Feature, n)
	for i := range features {
		f := make(kmeanstree.Feature, dims)
		if err := binary.Read(br, binary.LittleEndian, []float64(f)); err != nil {
			return nil, errors.Wrapf(err, "cannot read feature %d", i)
		}
		features[i] = f
	}
	return features, nil
}
