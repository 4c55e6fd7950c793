package sources

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/piwi3910/nebulaguard/internal/dlp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const plainMessage = "From: Alice <alice@corp.example>\r\n" +
	"To: bob@partner.example, carol@partner.example\r\n" +
	"Subject: Customer record\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n" +
	"Message-Id: <1@corp.example>\r\n" +
	"\r\n" +
	"Customer SSN 123-45-6789 is attached.\r\n"

const multipartMessage = "From: dave@corp.example\r\n" +
	"To: erin@corp.example\r\n" +
	"Subject: Card\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"card 4111 1111 1111 1111\r\n" +
	"--XYZ\r\n" +
	"Content-Type: application/octet-stream\r\n" +
	"\r\n" +
	"BINARYDATA\r\n" +
	"--XYZ--\r\n"

func TestEmailProducer(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "1.eml"), []byte(plainMessage))
	writeFile(t, filepath.Join(root, "sub", "2.eml"), []byte(multipartMessage))
	writeFile(t, filepath.Join(root, "notes.txt"), []byte("ignored"))
	writeFile(t, filepath.Join(root, "3.eml"), []byte("not a message"))

	units := collect(t, NewEmailProducer(EmailConfig{Root: root}), &dlp.ScanRequest{Source: dlp.SourceEmail})

	require.Len(t, units, 2)

	first := units[0]
	assert.Equal(t, "alice@corp.example", first.Context.Sender)
	assert.Equal(t, "bob@partner.example, carol@partner.example", first.Context.Recipient)
	assert.Equal(t, "mailbox:"+filepath.Join(root, "1.eml"), first.Context.Location)
	assert.Equal(t, "Customer record", first.Context.Metadata["subject"])
	assert.Contains(t, first.Text, "123-45-6789")
	assert.Equal(t, 2006, first.Context.Timestamp.Year())

	second := units[1]
	assert.Contains(t, second.Text, "4111 1111 1111 1111")
	assert.False(t, strings.Contains(second.Text, "BINARYDATA"))
}

func TestEmailProducerRequiresRoot(t *testing.T) {
	p := NewEmailProducer(EmailConfig{})

	err := p.Produce(t.Context(), &dlp.ScanRequest{Source: dlp.SourceEmail}, func(dlp.Unit) error { return nil })
	require.Error(t, err)
}
