package sources

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"mime/multipart"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/piwi3910/nebulaguard/internal/dlp"
	"github.com/rs/zerolog/log"
)

// EmailConfig configures the email producer.
type EmailConfig struct {
	// Root is the mail drop scanned when a request has no target_path.
	Root string `mapstructure:"root"`
}

// EmailProducer reads RFC 5322 messages (one per .eml file) from a directory.
type EmailProducer struct {
	cfg EmailConfig
}

// NewEmailProducer creates an email producer.
func NewEmailProducer(cfg EmailConfig) *EmailProducer {
	return &EmailProducer{cfg: cfg}
}

// Produce implements dlp.Producer. Messages are emitted in path order.
func (p *EmailProducer) Produce(ctx context.Context, req *dlp.ScanRequest, emit dlp.EmitFunc) error {
	root := req.TargetPath
	if root == "" {
		root = p.cfg.Root
	}

	if root == "" {
		return fmt.Errorf("no mail root configured")
	}

	var paths []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".eml") {
			paths = append(paths, path)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list messages under %s: %w", root, err)
	}

	sort.Strings(paths)

	f := newFilter(req)

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, _ := filepath.Rel(root, path)
		if f.excluded(filepath.ToSlash(rel)) {
			continue
		}

		unit, err := readMessage(path, req)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping unparsable message")
			continue
		}

		if req.MaxFileSize > 0 && unit.Size > req.MaxFileSize {
			continue
		}

		if err := emit(unit); err != nil {
			return err
		}
	}

	return nil
}

func readMessage(path string, req *dlp.ScanRequest) (dlp.Unit, error) {
	file, err := os.Open(path)
	if err != nil {
		return dlp.Unit{}, err
	}
	defer func() { _ = file.Close() }()

	msg, err := mail.ReadMessage(file)
	if err != nil {
		return dlp.Unit{}, fmt.Errorf("invalid message: %w", err)
	}

	body, err := messageText(msg.Header.Get("Content-Type"), msg.Body)
	if err != nil {
		return dlp.Unit{}, err
	}

	subject := msg.Header.Get("Subject")
	if decoded, err := new(mime.WordDecoder).DecodeHeader(subject); err == nil {
		subject = decoded
	}

	text := strings.TrimSpace(subject + "\n\n" + body)

	ts, err := msg.Header.Date()
	if err != nil {
		ts = time.Time{}
	}

	size := int64(len(text))

	return dlp.Unit{
		Context: dlp.DataContext{
			Source:    req.Source,
			Location:  "mailbox:" + path,
			FileName:  filepath.Base(path),
			FileType:  "eml",
			Sender:    addressList(msg.Header, "From"),
			Recipient: addressList(msg.Header, "To"),
			Timestamp: ts,
			Metadata: map[string]string{
				dlp.MetadataFileSize: fmt.Sprint(size),
				"subject":            subject,
				"message_id":         msg.Header.Get("Message-Id"),
			},
		},
		Text: text,
		Size: size,
	}, nil
}

// addressList renders a header's addresses as a comma-separated list of
// bare addresses, falling back to the raw header.
func addressList(h mail.Header, key string) string {
	list, err := h.AddressList(key)
	if err != nil {
		return h.Get(key)
	}

	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}

	return strings.Join(out, ", ")
}

// messageText returns the text parts of a message body.
func messageText(contentType string, body io.Reader) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		raw, err := io.ReadAll(body)
		if err != nil {
			return "", fmt.Errorf("failed to read body: %w", err)
		}

		return string(raw), nil
	}

	var parts []string

	reader := multipart.NewReader(body, params["boundary"])

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}

		if err != nil {
			return "", fmt.Errorf("failed to read multipart body: %w", err)
		}

		partType := part.Header.Get("Content-Type")
		if partType == "" || strings.HasPrefix(partType, "text/") || strings.HasPrefix(partType, "multipart/") {
			text, err := messageText(partType, part)
			if err != nil {
				return "", err
			}

			parts = append(parts, text)
		}
	}

	return strings.Join(parts, "\n"), nil
}
