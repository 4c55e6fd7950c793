// Package sources implements the producers that enumerate scan units for
// each source kind.
package sources

import (
	"bytes"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/piwi3910/nebulaguard/internal/dlp"
)

// sniffLen is how much of a file is inspected for binary content.
const sniffLen = 512

// Config configures the producers registered by Register.
type Config struct {
	Email         EmailConfig
	Database      DatabaseConfig
	ObjectStorage ObjectStorageConfig
}

// Register installs every producer on the coordinator and returns the ones
// holding resources that must be closed at shutdown. The api source and
// unknown kinds keep the coordinator's document producer.
func Register(c *dlp.Coordinator, cfg Config) []io.Closer {
	database := NewDatabaseProducer(cfg.Database)

	c.RegisterProducer(dlp.SourceFileSystem, NewFileSystemProducer())
	c.RegisterProducer(dlp.SourceEmail, NewEmailProducer(cfg.Email))
	c.RegisterProducer(dlp.SourceDatabase, database)
	c.RegisterProducer(dlp.SourceObjectStorage, NewObjectStorageProducer(cfg.ObjectStorage))

	return []io.Closer{database}
}

// filter applies a request's file_types and exclusions globs.
type filter struct {
	allow []string
	deny  []string
}

func newFilter(req *dlp.ScanRequest) filter {
	f := filter{deny: req.Exclusions}

	for _, ft := range req.FileTypes {
		ft = strings.TrimSpace(ft)
		if ft == "" {
			continue
		}

		if !strings.ContainsAny(ft, "*?[") {
			ft = "*." + strings.TrimPrefix(ft, ".")
		}

		f.allow = append(f.allow, ft)
	}

	return f
}

// excluded reports whether rel (slash separated) is denied.
func (f filter) excluded(rel string) bool {
	base := filepath.Base(rel)

	for _, pattern := range f.deny {
		if globMatch(pattern, base) || globMatch(pattern, rel) || strings.HasPrefix(rel, strings.TrimSuffix(pattern, "/")+"/") {
			return true
		}
	}

	return false
}

// allowed reports whether the base name passes the file_types filter.
func (f filter) allowed(name string) bool {
	if len(f.allow) == 0 {
		return true
	}

	base := strings.ToLower(filepath.Base(name))

	for _, pattern := range f.allow {
		if globMatch(strings.ToLower(pattern), base) {
			return true
		}
	}

	return false
}

func globMatch(pattern, name string) bool {
	ok, err := filepath.Match(pattern, name)
	return err == nil && ok
}

func isBinary(data []byte) bool {
	if len(data) > sniffLen {
		data = data[:sniffLen]
	}

	return bytes.IndexByte(data, 0) >= 0
}

func fileType(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}

func sizeMetadata(size int64) map[string]string {
	return map[string]string{dlp.MetadataFileSize: strconv.FormatInt(size, 10)}
}
