package dlp

import (
	"context"
	"fmt"
	"strconv"
)

// DefaultUnitSize is the size hint assumed for units whose producer reports none.
const DefaultUnitSize int64 = 1 << 20

// Unit is one piece of content enumerated by a producer.
type Unit struct {
	Context DataContext
	Text    string
	// Size is the producer's length hint in bytes; zero means unknown.
	Size int64
}

// EmitFunc hands a unit to the coordinator. A non-nil error means the scan
// was stopped and the producer must return it unchanged.
type EmitFunc func(Unit) error

// Producer enumerates the units of a source.
type Producer interface {
	// Produce calls emit once per unit in enumeration order. It returns
	// emit's error as-is, or a producer failure.
	Produce(ctx context.Context, req *ScanRequest, emit EmitFunc) error
}

// ProducerFunc adapts a function to the Producer interface.
type ProducerFunc func(ctx context.Context, req *ScanRequest, emit EmitFunc) error

// Produce calls f.
func (f ProducerFunc) Produce(ctx context.Context, req *ScanRequest, emit EmitFunc) error {
	return f(ctx, req, emit)
}

// NominalUnits returns the progress estimate logged when a scan of kind starts.
func NominalUnits(kind SourceKind) int {
	switch kind.Normalize() {
	case SourceEmail:
		return 50
	case SourceFileSystem:
		return 1000
	case SourceDatabase:
		return 10
	default:
		return 100
	}
}

// DocumentProducer enumerates the inline documents of a request. It serves
// the api source and any kind without a dedicated producer.
type DocumentProducer struct{}

// Produce implements Producer.
func (DocumentProducer) Produce(ctx context.Context, req *ScanRequest, emit EmitFunc) error {
	for i, doc := range req.Documents {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := doc.Name
		if name == "" {
			name = fmt.Sprintf("document-%d", i)
		}

		location := name
		if req.TargetPath != "" {
			location = req.TargetPath + "/" + name
		}

		size := int64(len(doc.Content))

		unit := Unit{
			Context: DataContext{
				Source:   req.Source,
				Location: location,
				FileName: name,
				Metadata: map[string]string{MetadataFileSize: strconv.FormatInt(size, 10)},
			},
			Text: doc.Content,
			Size: size,
		}

		if err := emit(unit); err != nil {
			return err
		}
	}

	return nil
}
