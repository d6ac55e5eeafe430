package grouped

import (
	"bufio"
	"encoding/binary"
	"io"
	"sort"

	"github.com/pkg/errors"

	"go.viam.com/objectretrieval/vocabulary"
)

const groupedMagic int64 = 0x47565431 // "GVT1"

const maxDecodedEntries = 1 << 30

// Save writes the underlying vocabulary tree followed by the group index of every global
// index and the subgroup adjacencies.
func (gt *Tree) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if err := gt.vocab.Save(bw); err != nil {
		return err
	}
	out := []int64{groupedMagic, int64(len(gt.pairs))}
	for _, gi := range gt.pairs {
		out = append(out, int64(gi.Group), int64(gi.Subgroup))
	}
	groups := make([]int, 0, len(gt.adjacent))
	for group := range gt.adjacent {
		groups = append(groups, group)
	}
	sort.Ints(groups)
	out = append(out, int64(len(groups)))
	for _, group := range groups {
		adj := gt.SubgroupAdjacencies(group)
		out = append(out, int64(group), int64(len(adj)))
		for _, a := range adj {
			out = append(out, int64(a.A), int64(a.B))
		}
	}
	if err := binary.Write(bw, binary.LittleEndian, out); err != nil {
		return err
	}
	return bw.Flush()
}

func readInt(r io.Reader) (int, error) {
	var v int64
	err := binary.Read(r, binary.LittleEndian, &v)
	return int(v), err
}

func readLength(r io.Reader) (int, error) {
	n, err := readInt(r)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > maxDecodedEntries {
		return 0, errors.Errorf("corrupt length %d", n)
	}
	return n, nil
}

// Load replaces the tree with one written by Save.
func (gt *Tree) Load(r io.Reader) error {
	br := bufio.NewReader(r)
	vocab, err := vocabulary.New(vocabulary.DefaultConfig())
	if err != nil {
		return err
	}
	if err := vocab.Load(br); err != nil {
		return err
	}

	magic, err := readInt(br)
	if err != nil {
		return errors.Wrap(err, "cannot read group indices")
	}
	if int64(magic) != groupedMagic {
		return errors.Errorf("not a grouped vocabulary stream (magic %#x)", magic)
	}
	numPairs, err := readLength(br)
	if err != nil {
		return err
	}
	pairs := make([]int64, 2*numPairs)
	if err := binary.Read(br, binary.LittleEndian, pairs); err != nil {
		return errors.Wrap(err, "cannot read group indices")
	}

	loaded := &Tree{vocab: vocab}
	loaded.reset()
	var indices []GroupIndex
	for i := 0; i < numPairs; i++ {
		indices = append(indices, GroupIndex{Group: int(pairs[2*i]), Subgroup: int(pairs[2*i+1])})
	}
	a := loaded.allocate(indices)
	if len(a.added) != numPairs {
		return errors.New("duplicate group index in stream")
	}
	loaded.commit(a)
	if vocab.MaxIndex() > numPairs {
		return errors.Errorf("vocabulary references global index %d but only %d are grouped", vocab.MaxIndex()-1, numPairs)
	}

	numGroups, err := readLength(br)
	if err != nil {
		return err
	}
	adjacencies := make(map[int][]Adjacency, numGroups)
	for g := 0; g < numGroups; g++ {
		group, err := readInt(br)
		if err != nil {
			return err
		}
		numAdj, err := readLength(br)
		if err != nil {
			return err
		}
		raw := make([]int64, 2*numAdj)
		if err := binary.Read(br, binary.LittleEndian, raw); err != nil {
			return errors.Wrap(err, "cannot read adjacencies")
		}
		for i := 0; i < numAdj; i++ {
			adjacencies[group] = append(adjacencies[group], Adjacency{A: int(raw[2*i]), B: int(raw[2*i+1])})
		}
	}
	loaded.addAdjacencies(adjacencies)

	*gt = *loaded
	return nil
}
