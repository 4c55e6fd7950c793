// Package archive expands compressed files so their members can be scanned.
//
// Supported formats:
//
//   - Gzip (.gz, .gzip)
//   - Zstandard (.zst, .zstd)
//   - LZ4 (.lz4)
//   - Zip (.zip): every regular file member is returned
//
// Expansion is bounded: a member whose decompressed size exceeds the limit
// is skipped rather than truncated, so scanned text is never partial.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Format identifies an archive or compressed-stream format.
type Format string

const (
	// FormatNone means the file is not an archive
	FormatNone Format = "none"
	// FormatGzip is a single gzip stream
	FormatGzip Format = "gzip"
	// FormatZstd is a single Zstandard stream
	FormatZstd Format = "zstd"
	// FormatLZ4 is a single LZ4 frame stream
	FormatLZ4 Format = "lz4"
	// FormatZip is a zip archive with any number of members
	FormatZip Format = "zip"
)

// ErrMemberTooLarge is returned when a single-stream archive expands past
// the limit.
var ErrMemberTooLarge = errors.New("archive member exceeds size limit")

// Member is one expanded file.
type Member struct {
	Name string
	Data []byte
}

// Detect returns the format implied by a file name.
func Detect(name string) Format {
	switch strings.ToLower(path.Ext(name)) {
	case ".gz", ".gzip":
		return FormatGzip
	case ".zst", ".zstd":
		return FormatZstd
	case ".lz4":
		return FormatLZ4
	case ".zip":
		return FormatZip
	default:
		return FormatNone
	}
}

// IsArchive reports whether name has a supported archive extension.
func IsArchive(name string) bool {
	return Detect(name) != FormatNone
}

// Expand decompresses data according to the format implied by name. limit
// caps the decompressed size of each member; zero means unlimited.
func Expand(name string, data []byte, limit int64) ([]Member, error) {
	format := Detect(name)

	switch format {
	case FormatNone:
		return nil, fmt.Errorf("%s: not an archive", name)
	case FormatZip:
		return expandZip(data, limit)
	}

	codec, err := CodecFor(format)
	if err != nil {
		return nil, err
	}

	reader, err := codec.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s stream: %w", format, err)
	}

	defer func() { _ = reader.Close() }()

	content, err := readLimited(reader, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return []Member{{Name: strings.TrimSuffix(path.Base(name), path.Ext(name)), Data: content}}, nil
}

func expandZip(data []byte, limit int64) ([]Member, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open zip archive: %w", err)
	}

	var members []Member

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}

		if limit > 0 && f.UncompressedSize64 > uint64(limit) {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return members, fmt.Errorf("failed to open zip member %s: %w", f.Name, err)
		}

		content, err := readLimited(rc, limit)
		_ = rc.Close()

		if errors.Is(err, ErrMemberTooLarge) {
			continue
		}

		if err != nil {
			return members, fmt.Errorf("failed to read zip member %s: %w", f.Name, err)
		}

		members = append(members, Member{Name: f.Name, Data: content})
	}

	return members, nil
}

// readLimited reads r fully, failing with ErrMemberTooLarge past limit.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}

	content, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}

	if int64(len(content)) > limit {
		return nil, ErrMemberTooLarge
	}

	return content, nil
}
