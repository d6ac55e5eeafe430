package vocabulary

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"sort"

	"github.com/pkg/errors"

	"go.viam.com/objectretrieval/vocabulary/kmeanstree"
)

const vocabularyMagic uint32 = 0x564f4331 // "VOC1"

// maxDecodedEntries bounds every length read from a stream.
const maxDecodedEntries = 1 << 30

type encoder struct {
	w   io.Writer
	err error
}

func (e *encoder) int(v int) {
	if e.err == nil {
		e.err = binary.Write(e.w, binary.LittleEndian, int64(v))
	}
}

func (e *encoder) float(v float64) {
	if e.err == nil {
		e.err = binary.Write(e.w, binary.LittleEndian, math.Float64bits(v))
	}
}

func (e *encoder) ints(vs []int) {
	e.int(len(vs))
	for _, v := range vs {
		e.int(v)
	}
}

func (e *encoder) constants(m map[int]float64) {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	e.int(len(keys))
	for _, k := range keys {
		e.int(k)
		e.float(m[k])
	}
}

type decoder struct {
	r   io.Reader
	err error
}

func (d *decoder) int() int {
	var v int64
	if d.err == nil {
		d.err = binary.Read(d.r, binary.LittleEndian, &v)
	}
	return int(v)
}

func (d *decoder) float() float64 {
	var v uint64
	if d.err == nil {
		d.err = binary.Read(d.r, binary.LittleEndian, &v)
	}
	return math.Float64frombits(v)
}

func (d *decoder) length() int {
	n := d.int()
	if d.err == nil && (n < 0 || n > maxDecodedEntries) {
		d.err = errors.Errorf("corrupt length %d", n)
	}
	if d.err != nil {
		return 0
	}
	return n
}

func (d *decoder) ints() []int {
	n := d.length()
	out := make([]int, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.int())
	}
	return out
}

func (d *decoder) constants() map[int]float64 {
	n := d.length()
	out := make(map[int]float64, n)
	for i := 0; i < n && d.err == nil; i++ {
		k := d.int()
		out[k] = d.float()
	}
	return out
}

// EncodeInvertedFile writes an inverted file with its sources in ascending order.
func EncodeInvertedFile(w io.Writer, f *InvertedFile) error {
	e := &encoder{w: w}
	srcs := sortedSources(*f)
	e.int(len(srcs))
	for _, src := range srcs {
		e.int(src)
		e.int((*f)[src])
	}
	return e.err
}

// DecodeInvertedFile reads an inverted file written by EncodeInvertedFile.
func DecodeInvertedFile(r io.Reader) (InvertedFile, error) {
	d := &decoder{r: r}
	n := d.length()
	f := make(InvertedFile, n)
	for i := 0; i < n && d.err == nil; i++ {
		src := d.int()
		f[src] = d.int()
	}
	return f, d.err
}

// Save writes the tree: the configuration, the topology with every inverted file, the
// source of every point, the source order and the normalizing constants.
func (vt *Tree) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	e := &encoder{w: bw}
	e.int(int(vocabularyMagic))
	e.int(vt.cfg.MatchingMinDepth)
	e.float(vt.cfg.NormExponent)
	if e.err != nil {
		return e.err
	}
	if err := vt.tree.EncodeTopology(bw, EncodeInvertedFile); err != nil {
		return errors.Wrap(err, "cannot encode vocabulary tree")
	}
	e.ints(vt.indices)
	e.ints(vt.order)
	stale := 0
	if vt.stale {
		stale = 1
	}
	e.int(stale)
	e.float(vt.numSources)
	e.constants(vt.normalizer)
	e.constants(vt.selfMatch)
	if e.err != nil {
		return e.err
	}
	return bw.Flush()
}

// Load replaces the tree with one written by Save. Scores computed after loading are
// identical to the ones computed before saving. r is read through a buffer, so callers
// that keep reading after the tree must pass a *bufio.Reader.
func (vt *Tree) Load(r io.Reader) error {
	br := bufio.NewReader(r)
	d := &decoder{r: br}
	if magic := d.int(); d.err == nil && uint32(magic) != vocabularyMagic {
		return errors.Errorf("not a vocabulary tree stream (magic %#x)", magic)
	}
	cfg := vt.cfg
	cfg.MatchingMinDepth = d.int()
	cfg.NormExponent = d.float()
	if d.err != nil {
		return errors.Wrap(d.err, "cannot read vocabulary header")
	}

	// the policy is bound to the receiver, which takes over the loaded state on success
	tree, err := kmeanstree.New(cfg.Tree, kmeanstree.Policy[InvertedFile]{
		NewLeaf:  func() InvertedFile { return InvertedFile{} },
		OnInsert: vt.onInsert,
	})
	if err != nil {
		return err
	}
	if err := tree.DecodeTopology(br, DecodeInvertedFile); err != nil {
		return errors.Wrap(err, "cannot decode vocabulary tree")
	}
	loaded := &Tree{cfg: cfg, tree: tree, firstSeen: make(map[int]struct{})}
	loaded.cfg.Tree = tree.Config()
	if err := loaded.cfg.CheckValid(); err != nil {
		return errors.Wrap(err, "corrupt vocabulary config")
	}

	loaded.indices = d.ints()
	order := d.ints()
	stale := d.int() != 0
	numSources := d.float()
	normalizer := d.constants()
	selfMatch := d.constants()
	if d.err != nil {
		return errors.Wrap(d.err, "cannot read vocabulary sources")
	}
	if len(loaded.indices) != tree.Size() {
		return errors.Errorf("vocabulary has %d source indices for %d points", len(loaded.indices), tree.Size())
	}
	loaded.track(order)
	loaded.track(loaded.indices)

	if !stale {
		loaded.computeNodeStatistics()
		if loaded.numSources != numSources {
			return errors.Errorf("vocabulary source count %v does not match its inverted files (%v)",
				numSources, loaded.numSources)
		}
		loaded.normalizer = normalizer
		loaded.selfMatch = selfMatch
	}
	loaded.stale = stale

	*vt = *loaded
	return nil
}
