package store

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Compression is the algorithm a blob or file is compressed with.
type Compression uint8

const (
	// CompressionNone stores data as is.
	CompressionNone Compression = 0
	// CompressionLZ4 is fast; used for data that is rewritten often.
	CompressionLZ4 Compression = 1
	// CompressionZSTD has the better ratio; used for trees and graphs by default.
	CompressionZSTD Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompression parses the name of a compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return CompressionNone, errors.Errorf("unknown compression %q", name)
	}
}

// blobHeaderSize covers [compression uint8][uncompressed size uint32][stored size uint32].
const blobHeaderSize = 9

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil)
}

// Compress compresses data into a self describing blob. Data that does not shrink is
// stored uncompressed.
func Compress(data []byte, c Compression) ([]byte, error) {
	if len(data) > int(^uint32(0)) {
		return nil, errors.Errorf("blob of %d bytes is too large", len(data))
	}
	var compressed []byte
	switch c {
	case CompressionNone:
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, errors.Wrap(err, "lz4 compression failed")
		}
		compressed = buf[:n]
	case CompressionZSTD:
		enc, err := getZstdEncoder()
		if err != nil {
			return nil, err
		}
		compressed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, errors.Errorf("unknown compression %d", c)
	}

	if len(compressed) == 0 || len(compressed) >= len(data) {
		c, compressed = CompressionNone, data
	}
	out := make([]byte, blobHeaderSize+len(compressed))
	out[0] = byte(c)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[5:], uint32(len(compressed)))
	copy(out[blobHeaderSize:], compressed)
	return out, nil
}

// Decompress returns the data of a blob written by Compress.
func Decompress(blob []byte) ([]byte, error) {
	if len(blob) < blobHeaderSize {
		return nil, errors.New("blob too small for header")
	}
	c := Compression(blob[0])
	size := binary.LittleEndian.Uint32(blob[1:])
	stored := binary.LittleEndian.Uint32(blob[5:])
	if uint64(len(blob)) < blobHeaderSize+uint64(stored) {
		return nil, errors.New("blob data truncated")
	}
	payload := blob[blobHeaderSize : blobHeaderSize+int(stored)]

	switch c {
	case CompressionNone:
		if stored != size {
			return nil, errors.New("uncompressed blob size mismatch")
		}
		return append([]byte(nil), payload...), nil
	case CompressionLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, errors.Wrap(err, "lz4 decompression failed")
		}
		if uint32(n) != size {
			return nil, errors.New("decompressed size mismatch")
		}
		return out, nil
	case CompressionZSTD:
		dec, err := getZstdDecoder()
		if err != nil {
			return nil, err
		}
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, errors.Wrap(err, "zstd decompression failed")
		}
		if uint32(len(out)) != size {
			return nil, errors.New("decompressed size mismatch")
		}
		return out, nil
	default:
		return nil, errors.Errorf("unknown compression %d", c)
	}
}

// NewWriter wraps w in a streaming compressor. Close flushes the compressor but does not
// close w.
func NewWriter(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nopCloser{w}, nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	case CompressionZSTD:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, err
		}
		return enc, nil
	default:
		return nil, errors.Errorf("unknown compression %d", c)
	}
}

// NewReader wraps r in a streaming decompressor.
func NewReader(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionNone:
		return io.NopCloser(r), nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case CompressionZSTD:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, errors.Errorf("unknown compression %d", c)
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// fileMagic starts every file written by WriteFile, followed by one compression byte.
var fileMagic = [4]byte{'O', 'R', 'S', '1'}

// WriteFile creates path and streams what fn writes into it through the compressor.
func WriteFile(path string, c Compression, fn func(w io.Writer) error) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	bw := bufio.NewWriter(f)
	if _, err := bw.Write(append(fileMagic[:], byte(c))); err != nil {
		return err
	}
	cw, err := NewWriter(bw, c)
	if err != nil {
		return err
	}
	if err := fn(cw); err != nil {
		return multierr.Combine(err, cw.Close())
	}
	if err := cw.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadFile opens a file written by WriteFile and passes its decompressed content to fn.
func ReadFile(path string, fn func(r io.Reader) error) (err error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	br := bufio.NewReader(f)
	header := make([]byte, len(fileMagic)+1)
	if _, err := io.ReadFull(br, header); err != nil {
		return errors.Wrapf(err, "cannot read header of %s", path)
	}
	if [4]byte(header[:4]) != fileMagic {
		return errors.Errorf("%s was not written by this store", path)
	}
	cr, err := NewReader(br, Compression(header[4]))
	if err != nil {
		return err
	}
	return multierr.Combine(fn(cr), cr.Close())
}
