package archive

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec encodes and decodes a single compressed stream.
type Codec interface {
	// Format returns the stream format
	Format() Format
	// Encode compresses data
	Encode(data []byte) ([]byte, error)
	// NewReader returns a reader that decompresses r
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// CodecFor returns the codec for a single-stream format.
func CodecFor(format Format) (Codec, error) {
	switch format {
	case FormatGzip:
		return gzipCodec{}, nil
	case FormatZstd:
		return zstdCodec{}, nil
	case FormatLZ4:
		return lz4Codec{}, nil
	default:
		return nil, fmt.Errorf("no stream codec for format: %s", format)
	}
}

type gzipCodec struct{}

func (gzipCodec) Format() Format { return FormatGzip }

func (gzipCodec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, err
	}

	if _, err := writer.Write(data); err != nil {
		return nil, err
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

type zstdCodec struct{}

func (zstdCodec) Format() Format { return FormatZstd }

func (zstdCodec) Encode(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer func() { _ = enc.Close() }()

	return enc.EncodeAll(data, nil), nil
}

func (zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}

	return &zstdReadCloser{Decoder: dec}, nil
}

// zstdReadCloser wraps a zstd.Decoder for closing
type zstdReadCloser struct {
	*zstd.Decoder
}

func (r *zstdReadCloser) Close() error {
	r.Decoder.Close()
	return nil
}

type lz4Codec struct{}

func (lz4Codec) Format() Format { return FormatLZ4 }

func (lz4Codec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer := lz4.NewWriter(&buf)
	if err := writer.Apply(lz4.CompressionLevelOption(lz4.Level4)); err != nil {
		return nil, err
	}

	if _, err := writer.Write(data); err != nil {
		return nil, err
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (lz4Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}
