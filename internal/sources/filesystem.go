package sources

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/piwi3910/nebulaguard/internal/archive"
	"github.com/piwi3910/nebulaguard/internal/dlp"
	"github.com/rs/zerolog/log"
)

// FileSystemProducer walks a directory tree and emits one unit per text file.
// With include_archives set, archive members are emitted as units too.
type FileSystemProducer struct{}

// NewFileSystemProducer creates a file system producer.
func NewFileSystemProducer() *FileSystemProducer {
	return &FileSystemProducer{}
}

// Produce implements dlp.Producer.
func (p *FileSystemProducer) Produce(ctx context.Context, req *dlp.ScanRequest, emit dlp.EmitFunc) error {
	root := req.TargetPath
	if root == "" {
		return fmt.Errorf("target_path is required for %s scans", req.Source)
	}

	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", root, err)
	}

	if !info.IsDir() {
		return p.produceFile(ctx, req, root, info, filter{}, emit)
	}

	f := newFilter(req)

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if walkErr != nil {
			if path == root {
				return walkErr
			}

			log.Warn().Err(walkErr).Str("path", path).Msg("Skipping unreadable path")

			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if path != root && f.excluded(rel) {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() || f.excluded(rel) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping file without info")
			return nil
		}

		return p.produceFile(ctx, req, path, fi, f, emit)
	})
}

func (p *FileSystemProducer) produceFile(ctx context.Context, req *dlp.ScanRequest, path string, fi fs.FileInfo, f filter, emit dlp.EmitFunc) error {
	name := fi.Name()
	isArchive := archive.IsArchive(name)

	if isArchive && !req.IncludeArchives {
		return nil
	}

	if !isArchive && !f.allowed(name) {
		return nil
	}

	if !isArchive && req.MaxFileSize > 0 && fi.Size() > req.MaxFileSize {
		log.Debug().Str("path", path).Int64("size", fi.Size()).Msg("File exceeds max_file_size, skipped")
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable file")
		return nil
	}

	if isArchive {
		return p.produceArchive(ctx, req, path, fi, data, f, emit)
	}

	if isBinary(data) {
		return nil
	}

	return emit(dlp.Unit{
		Context: dlp.DataContext{
			Source:    req.Source,
			Location:  path,
			FileName:  name,
			FileType:  fileType(name),
			Timestamp: fi.ModTime(),
			Metadata:  sizeMetadata(fi.Size()),
		},
		Text: string(data),
		Size: fi.Size(),
	})
}

func (p *FileSystemProducer) produceArchive(ctx context.Context, req *dlp.ScanRequest, path string, fi fs.FileInfo, data []byte, f filter, emit dlp.EmitFunc) error {
	members, err := archive.Expand(fi.Name(), data, req.MaxFileSize)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable archive")
		return nil
	}

	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !f.allowed(m.Name) || f.excluded(m.Name) || isBinary(m.Data) {
			continue
		}

		size := int64(len(m.Data))

		unit := dlp.Unit{
			Context: dlp.DataContext{
				Source:    req.Source,
				Location:  path + "!" + m.Name,
				FileName:  filepath.Base(m.Name),
				FileType:  fileType(m.Name),
				Timestamp: fi.ModTime(),
				Metadata:  sizeMetadata(size),
			},
			Text: string(m.Data),
			Size: size,
		}

		if err := emit(unit); err != nil {
			return err
		}
	}

	return nil
}
