// Package snapshot serializes the contents of a byte arena and restores it.
//
// A snapshot is a fixed header followed by a body that is optionally compressed:
//
//	magic "SLTA" | version | compression | capacity (uvarint)
//	body: { 1 | key length (uvarint) | key | data length (uvarint) | data }* 0 | xxhash64
//
// Records are written in ascending start order, so restoring them first-fit into
// an empty arena yields a compacted arena with the same relative order.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	slotarena "github.com/holmberd/go-slotarena"
)

const (
	version    = 1
	maxKeySize = 1 << 16
)

var magic = [4]byte{'S', 'L', 'T', 'A'}

var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Compression selects the body compression of a snapshot.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionZSTD
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
		return "Compression(" + strconv.Itoa(int(c)) + ")"
	}
}

// KeyCodec converts arena ids to and from bytes.
type KeyCodec[K comparable] interface {
	AppendKey(dst []byte, id K) []byte
	DecodeKey(b []byte) (K, error)
}

// StringKeys encodes string ids as their raw bytes.
type StringKeys struct{}

func (StringKeys) AppendKey(dst []byte, id string) []byte { return append(dst, id...) }

func (StringKeys) DecodeKey(b []byte) (string, error) { return string(b), nil }

// Uint64Keys encodes uint64 ids as uvarints.
type Uint64Keys struct{}

func (Uint64Keys) AppendKey(dst []byte, id uint64) []byte { return binary.AppendUvarint(dst, id) }

func (Uint64Keys) DecodeKey(b []byte) (uint64, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 || n != len(b) {
		return 0, fmt.Errorf("%w: malformed uint64 key", ErrInvalidSnapshot)
	}
	return v, nil
}

// Write writes a snapshot of arena to w.
// The arena is read-locked while its records are written.
func Write[K comparable](w io.Writer, arena *slotarena.Arena[K, byte], keys KeyCodec[K], c Compression) error {
	if c > CompressionZSTD {
		return fmt.Errorf("unsupported compression %s", c)
	}
	header := append(magic[:0:0], magic[:]...)
	header = append(header, version, byte(c))
	header = binary.AppendUvarint(header, uint64(arena.Capacity()))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}

	body, err := newCompressor(w, c)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(body)
	digest := xxhash.New()
	out := io.MultiWriter(bw, digest)

	var (
		buf  []byte
		werr error
	)
	arena.Each(func(e slotarena.Entry[K], data []byte) bool {
		key := keys.AppendKey(nil, e.ID)
		if len(key) > maxKeySize {
			werr = fmt.Errorf("snapshot key of %v is %d bytes, max %d", e.ID, len(key), maxKeySize)
			return false
		}
		buf = append(buf[:0], 1)
		buf = binary.AppendUvarint(buf, uint64(len(key)))
		buf = append(buf, key...)
		buf = binary.AppendUvarint(buf, uint64(len(data)))
		if _, werr = out.Write(buf); werr != nil {
			return false
		}
		_, werr = out.Write(data)
		return werr == nil
	})
	if werr != nil {
		body.Close()
		return fmt.Errorf("write snapshot record: %w", werr)
	}

	if _, err := out.Write([]byte{0}); err != nil {
		body.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if _, err := bw.Write(binary.LittleEndian.AppendUint64(nil, digest.Sum64())); err != nil {
		body.Close()
		return fmt.Errorf("write snapshot checksum: %w", err)
	}
	if err := bw.Flush(); err != nil {
		body.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	return body.Close()
}

// DefaultMaxCapacity is the largest arena capacity Read accepts unless
// WithMaxCapacity says otherwise.
const DefaultMaxCapacity = 1 << 30

type readOptions struct {
	maxCapacity uint64
}

// ReadOption configures Read.
type ReadOption func(*readOptions)

// WithMaxCapacity sets the largest arena capacity Read accepts.
// Snapshots declaring more are rejected before any memory is allocated.
func WithMaxCapacity(n int) ReadOption {
	return func(o *readOptions) {
		o.maxCapacity = uint64(max(n, 0))
	}
}

// Read restores a snapshot from r into a new arena backed by mem.
// The capacity of config is replaced by the capacity stored in the snapshot.
//
// The body is decoded and its checksum verified before the arena is allocated.
func Read[K comparable](r io.Reader, keys KeyCodec[K], mem slotarena.Memory[byte], config slotarena.Config[K], opts ...ReadOption) (*slotarena.Arena[K, byte], error) {
	o := readOptions{maxCapacity: DefaultMaxCapacity}
	for _, opt := range opts {
		opt(&o)
	}

	br := bufio.NewReader(r)
	var head [6]byte
	if _, err := io.ReadFull(br, head[:]); err != nil {
		return nil, fmt.Errorf("%w: read header: %w", ErrInvalidSnapshot, err)
	}
	if [4]byte(head[:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrInvalidSnapshot, head[:4])
	}
	if head[4] != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, head[4])
	}
	c := Compression(head[5])
	capacity, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("%w: read capacity: %w", ErrInvalidSnapshot, err)
	}
	if capacity > o.maxCapacity || capacity > slotarena.MaxCapacity || capacity > math.MaxInt {
		return nil, fmt.Errorf("%w: capacity %d exceeds max %d", ErrInvalidSnapshot, capacity, min(o.maxCapacity, uint64(slotarena.MaxCapacity)))
	}

	body, err := newDecompressor(br, c)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	records, err := decode(&bodyReader{r: bufio.NewReader(body), digest: xxhash.New()}, keys, capacity)
	if err != nil {
		return nil, err
	}

	config.Capacity = int(capacity)
	arena, err := slotarena.Custom[K, byte](mem, config)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if _, err := arena.InsertOrReplace(rec.id, rec.data); err != nil {
			_ = arena.Close()
			return nil, fmt.Errorf("%w: restore %v: %w", ErrInvalidSnapshot, rec.id, err)
		}
	}
	return arena, nil
}

type record[K comparable] struct {
	id   K
	data []byte
}

// decode reads all records of a body and verifies its checksum. The payload of
// all records together may not exceed capacity.
func decode[K comparable](br *bodyReader, keys KeyCodec[K], capacity uint64) ([]record[K], error) {
	var (
		records []record[K]
		total   uint64
	)
	seen := make(map[K]struct{})
	for {
		flag, err := br.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: read record: %w", ErrInvalidSnapshot, err)
		}
		if flag == 0 {
			break
		}
		if flag != 1 {
			return nil, fmt.Errorf("%w: bad record marker %d", ErrInvalidSnapshot, flag)
		}

		key, err := br.readChunk(maxKeySize)
		if err != nil {
			return nil, fmt.Errorf("%w: read key: %w", ErrInvalidSnapshot, err)
		}
		id, err := keys.DecodeKey(key)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("%w: %v: %w", ErrInvalidSnapshot, id, slotarena.ErrDuplicateID)
		}
		seen[id] = struct{}{}

		data, err := br.readChunk(capacity - total)
		if err != nil {
			return nil, fmt.Errorf("%w: read data of %v: %w", ErrInvalidSnapshot, id, err)
		}
		total += uint64(len(data))
		records = append(records, record[K]{id: id, data: data})
	}

	want := br.digest.Sum64()
	var sum [8]byte
	if _, err := io.ReadFull(br.r, sum[:]); err != nil {
		return nil, fmt.Errorf("%w: read checksum: %w", ErrInvalidSnapshot, err)
	}
	if got := binary.LittleEndian.Uint64(sum[:]); got != want {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidSnapshot)
	}
	return records, nil
}

// bodyReader hashes every byte of the body it hands out.
type bodyReader struct {
	r      *bufio.Reader
	digest *xxhash.Digest
}

func (b *bodyReader) ReadByte() (byte, error) {
	c, err := b.r.ReadByte()
	if err != nil {
		return 0, err
	}
	b.digest.Write([]byte{c})
	return c, nil
}

// readChunk reads a uvarint length of at most limit followed by that many bytes.
func (b *bodyReader) readChunk(limit uint64) ([]byte, error) {
	n, err := binary.ReadUvarint(b)
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, fmt.Errorf("length %d exceeds %d", n, limit)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(b.r, buf); err != nil {
		return nil, err
	}
	b.digest.Write(buf)
	return buf, nil
}

func newCompressor(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	case CompressionZSTD:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		return enc, nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", c)
	}
}

func newDecompressor(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionNone:
		return io.NopCloser(r), nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case CompressionZSTD:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported compression %s", ErrInvalidSnapshot, c)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
