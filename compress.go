package bootforge

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/foobaz/go-zopfli/zopfli"
	"github.com/klauspost/compress/zstd"
	gzip "github.com/klauspost/pgzip"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// NewDecoder returns a streaming decoder for the given compression format.
// The caller owns Close.
func NewDecoder(f Format, r io.Reader) (io.ReadCloser, error) {
	switch f {
	case FmtGzip, FmtZopfli:
		return gzip.NewReader(r)
	case FmtXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "creating xz reader")
		}
		return io.NopCloser(xr), nil
	case FmtLzma:
		lr, err := lzma.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "creating lzma reader")
		}
		return io.NopCloser(lr), nil
	case FmtBzip2:
		return bzip2.NewReader(r, nil)
	case FmtLz4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case FmtLz4Legacy:
		return newLz4LegacyReader(r), nil
	case FmtZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "creating zstd reader")
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, errors.Errorf("cannot decode format %q", f)
	}
}

// NewEncoder returns a streaming encoder for the given compression format.
// Close must be called to flush trailing blocks.
func NewEncoder(f Format, w io.Writer) (io.WriteCloser, error) {
	switch f {
	case FmtGzip:
		return gzip.NewWriterLevel(w, gzip.BestCompression)
	case FmtZopfli:
		return newZopfliWriter(w), nil
	case FmtXz:
		xw, err := xz.NewWriter(w)
		if err != nil {
			return nil, errors.Wrap(err, "creating xz writer")
		}
		return xw, nil
	case FmtLzma:
		lw, err := lzma.NewWriter(w)
		if err != nil {
			return nil, errors.Wrap(err, "creating lzma writer")
		}
		return lw, nil
	case FmtBzip2:
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	case FmtLz4:
		return lz4.NewWriter(w), nil
	case FmtZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, errors.Wrap(err, "creating zstd writer")
		}
		return zw, nil
	default:
		return nil, errors.Errorf("cannot encode format %q", f)
	}
}

// Decompress decodes data according to f in one shot.
func Decompress(f Format, data []byte) ([]byte, error) {
	dec, err := NewDecoder(f, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	out, err := io.ReadAll(dec)
	if err != nil {
		dec.Close()
		return nil, errors.Wrapf(err, "decompressing %s data", f)
	}
	if err := dec.Close(); err != nil {
		return nil, errors.Wrapf(err, "finishing %s decompression", f)
	}
	return out, nil
}

// Compress encodes data according to f in one shot.
func Compress(f Format, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := NewEncoder(f, &buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, errors.Wrapf(err, "compressing %s data", f)
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrapf(err, "finishing %s compression", f)
	}
	return buf.Bytes(), nil
}

// Kernels compressed with the lz4 legacy format decompress to fixed 8 MiB
// blocks.
const lz4LegacyBlockSize = 0x800000

var lz4LegacyMagic = binary.LittleEndian.Uint32([]byte(lz4LegMagic))

// lz4LegacyReader decodes the pre-frame lz4 stream used by Linux kernel
// images: a magic word followed by [u32 length][compressed block] records,
// possibly with the magic repeated between concatenated streams.
type lz4LegacyReader struct {
	src    io.Reader
	block  []byte
	out    []byte
	off    int
	sawHdr bool
}

func newLz4LegacyReader(r io.Reader) *lz4LegacyReader {
	return &lz4LegacyReader{
		src:   r,
		block: make([]byte, 0, lz4LegacyBlockSize),
		out:   make([]byte, 0, lz4LegacyBlockSize),
	}
}

func (r *lz4LegacyReader) fill() error {
	var word uint32
	for {
		if err := binary.Read(r.src, binary.LittleEndian, &word); err != nil {
			if err == io.ErrUnexpectedEOF {
				return io.EOF
			}
			return err
		}
		if word == lz4LegacyMagic {
			r.sawHdr = true
			continue
		}
		break
	}
	if !r.sawHdr {
		return errors.New("lz4_legacy: missing magic")
	}
	if int(word) > lz4.CompressBlockBound(lz4LegacyBlockSize) {
		return errors.Errorf("lz4_legacy: block size %d out of range", word)
	}
	r.block = r.block[:word]
	if _, err := io.ReadFull(r.src, r.block); err != nil {
		return errors.Wrap(err, "lz4_legacy: short block")
	}
	r.out = r.out[:lz4LegacyBlockSize]
	n, err := lz4.UncompressBlock(r.block, r.out)
	if err != nil {
		return errors.Wrap(err, "lz4_legacy: bad block")
	}
	r.out = r.out[:n]
	r.off = 0
	return nil
}

func (r *lz4LegacyReader) Read(p []byte) (int, error) {
	for r.off == len(r.out) {
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.out[r.off:])
	r.off += n
	return n, nil
}

func (r *lz4LegacyReader) Close() error { return nil }

// zopfliWriter buffers the whole input and emits a zopfli-compressed gzip
// stream on Close. Zopfli has no streaming mode; payloads here (ramdisks,
// kernels) fit in memory by definition since the codec already holds them.
type zopfliWriter struct {
	buf bytes.Buffer
	w   io.Writer
}

func newZopfliWriter(w io.Writer) *zopfliWriter {
	return &zopfliWriter{w: w}
}

func (z *zopfliWriter) Write(p []byte) (int, error) {
	return z.buf.Write(p)
}

func (z *zopfliWriter) Close() error {
	opts := zopfli.DefaultOptions()
	return zopfli.GzipCompress(&opts, z.buf.Bytes(), z.w)
}
