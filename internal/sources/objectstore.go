package sources

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/piwi3910/nebulaguard/internal/archive"
	"github.com/piwi3910/nebulaguard/internal/dlp"
	"github.com/rs/zerolog/log"
)

// ObjectStorageConfig configures the S3-compatible producer.
type ObjectStorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`

	// AllowedEndpoints lists the hosts a request may name in
	// Options["endpoint"]. The configured credentials are sent to them.
	AllowedEndpoints []string `mapstructure:"allowed_endpoints"`
}

// ObjectStorageProducer lists a bucket and emits one unit per text object.
//
// target_path is the bucket; Options["prefix"] limits the listing and
// Options["endpoint"] selects one of the allowed endpoints.
type ObjectStorageProducer struct {
	cfg ObjectStorageConfig
}

// NewObjectStorageProducer creates an object storage producer.
func NewObjectStorageProducer(cfg ObjectStorageConfig) *ObjectStorageProducer {
	return &ObjectStorageProducer{cfg: cfg}
}

func (p *ObjectStorageProducer) client(req *dlp.ScanRequest) (*minio.Client, error) {
	endpoint := p.cfg.Endpoint
	if override := req.Options["endpoint"]; override != "" && override != endpoint {
		if !slices.Contains(p.cfg.AllowedEndpoints, override) {
			return nil, fmt.Errorf("endpoint %q is not in allowed_endpoints", override)
		}

		endpoint = override
	}

	if endpoint == "" {
		return nil, fmt.Errorf("no object storage endpoint configured")
	}

	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(p.cfg.AccessKey, p.cfg.SecretKey, ""),
		Secure: p.cfg.UseSSL,
		Region: p.cfg.Region,
	}

	return minio.New(endpoint, opts)
}

// Produce implements dlp.Producer. Objects are emitted in listing order.
func (p *ObjectStorageProducer) Produce(ctx context.Context, req *dlp.ScanRequest, emit dlp.EmitFunc) error {
	bucket := strings.Trim(req.TargetPath, "/")
	if bucket == "" {
		return fmt.Errorf("target_path must name a bucket")
	}

	client, err := p.client(req)
	if err != nil {
		return fmt.Errorf("failed to create object storage client: %w", err)
	}

	f := newFilter(req)

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for obj := range client.ListObjects(listCtx, bucket, minio.ListObjectsOptions{
		Prefix:    req.Options["prefix"],
		Recursive: true,
	}) {
		if obj.Err != nil {
			return fmt.Errorf("failed to list bucket %s: %w", bucket, obj.Err)
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if strings.HasSuffix(obj.Key, "/") || f.excluded(obj.Key) {
			continue
		}

		isArchive := archive.IsArchive(obj.Key)
		if isArchive && !req.IncludeArchives {
			continue
		}

		if !isArchive && !f.allowed(obj.Key) {
			continue
		}

		if req.MaxFileSize > 0 && obj.Size > req.MaxFileSize && !isArchive {
			continue
		}

		data, err := readObject(ctx, client, bucket, obj.Key)
		if err != nil {
			return err
		}

		location := fmt.Sprintf("s3://%s/%s", bucket, obj.Key)

		members := []archive.Member{{Name: obj.Key, Data: data}}
		if isArchive {
			members, err = archive.Expand(obj.Key, data, req.MaxFileSize)
			if err != nil {
				log.Warn().Err(err).Str("location", location).Msg("Skipping unreadable archive")
				continue
			}
		}

		for _, m := range members {
			if isBinary(m.Data) {
				continue
			}

			memberLocation := location
			if isArchive {
				memberLocation = location + "!" + m.Name
			}

			size := int64(len(m.Data))
			meta := sizeMetadata(size)
			meta["bucket"] = bucket
			meta["etag"] = obj.ETag

			unit := dlp.Unit{
				Context: dlp.DataContext{
					Source:    req.Source,
					Location:  memberLocation,
					FileName:  m.Name[strings.LastIndex(m.Name, "/")+1:],
					FileType:  fileType(m.Name),
					Timestamp: obj.LastModified,
					Metadata:  meta,
				},
				Text: string(m.Data),
				Size: size,
			}

			if err := emit(unit); err != nil {
				return err
			}
		}
	}

	return ctx.Err()
}

func readObject(ctx context.Context, client *minio.Client, bucket, key string) ([]byte, error) {
	obj, err := client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", bucket, key, err)
	}

	return data, nil
}
