// Package store persists supervoxel graphs, vocabulary trees and other blobs, compressed,
// in a bbolt database, and provides compressed file helpers.
package store

import (
	"bytes"
	"io"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"go.viam.com/objectretrieval/logging"
	"go.viam.com/objectretrieval/vision/segmentation/graph"
)

// ErrNotFound is returned when a bucket or key does not exist.
var ErrNotFound = errors.New("not found")

const (
	graphBucket      = "graphs"
	vocabularyBucket = "vocabularies"
)

// Store is a bbolt backed blob store. It is safe for concurrent use.
type Store struct {
	db          *bolt.DB
	compression Compression
	logger      logging.Logger
}

// Open opens or creates the database at path. Blobs are written with the given
// compression; any compression can be read.
func Open(path string, compression Compression, logger logging.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open store %s", path)
	}
	return &Store{db: db, compression: compression, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutBlob stores data under bucket and key, replacing what was there.
func (s *Store) PutBlob(bucket, key string, data []byte) error {
	blob, err := Compress(data, s.compression)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), blob)
	})
	if err != nil {
		return errors.Wrapf(err, "cannot store %s/%s", bucket, key)
	}
	s.logger.Debugw("stored blob", "bucket", bucket, "key", key, "size", len(data), "stored", len(blob))
	return nil
}

// Blob returns the data stored under bucket and key, or ErrNotFound.
func (s *Store) Blob(bucket, key string) ([]byte, error) {
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid for the transaction
		blob = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "cannot load %s/%s", bucket, key)
	}
	return Decompress(blob)
}

// Delete removes bucket/key. Deleting a missing key is not an error.
func (s *Store) Delete(bucket, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Keys lists the keys of a bucket in byte order; a missing bucket has none.
func (s *Store) Keys(bucket string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// PutGraph stores the supervoxel or segment graph of a sweep.
func (s *Store) PutGraph(sweep string, g *graph.Graph) error {
	var buf bytes.Buffer
	if _, err := g.WriteTo(&buf); err != nil {
		return errors.Wrapf(err, "cannot encode graph of %s", sweep)
	}
	return s.PutBlob(graphBucket, sweep, buf.Bytes())
}

// Graph loads the graph of a sweep.
func (s *Store) Graph(sweep string) (*graph.Graph, error) {
	data, err := s.Blob(graphBucket, sweep)
	if err != nil {
		return nil, err
	}
	return graph.Read(bytes.NewReader(data))
}

// PutVocabulary stores what save writes under name, e.g. a vocabulary tree's Save.
func (s *Store) PutVocabulary(name string, save func(w io.Writer) error) error {
	var buf bytes.Buffer
	if err := save(&buf); err != nil {
		return errors.Wrapf(err, "cannot encode vocabulary %s", name)
	}
	return s.PutBlob(vocabularyBucket, name, buf.Bytes())
}

// LoadVocabulary passes the data stored under name to load, e.g. a vocabulary tree's Load.
func (s *Store) LoadVocabulary(name string, load func(r io.Reader) error) error {
	data, err := s.Blob(vocabularyBucket, name)
	if err != nil {
		return err
	}
	return load(bytes.NewReader(data))
}
