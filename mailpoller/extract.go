package mailpoller

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

const (
	synthStampLayout  = "20060102_150405"
	collisionAttempts = 1000
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// Envelope is the part of a message the poller decides on
type Envelope struct {
	MessageID string
	Subject   string
	From      string
}

// Attachment is a candidate PDF found in a message
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ParseMessage reads a raw message and returns its envelope and entity
func ParseMessage(raw []byte) (*Envelope, *message.Entity, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, nil, fmt.Errorf("parse message: %w", err)
	}

	h := mail.Header{Header: entity.Header}
	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}
	from, err := h.Text("From")
	if err != nil {
		from = h.Get("From")
	}

	return &Envelope{
		MessageID: strings.TrimSpace(h.Get("Message-Id")),
		Subject:   subject,
		From:      from,
	}, entity, nil
}

// FindAttachments walks every leaf part and returns the ones that look like
// the fax PDF. Fax gateways often label the PDF application/octet-stream and
// omit the filename, so such parts are accepted and given a .pdf name.
func FindAttachments(entity *message.Entity, uid uint32, now time.Time) ([]Attachment, []string, error) {
	var (
		found   []Attachment
		skipped []string
	)

	err := entity.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return err
		}

		mediaType, params, _ := part.Header.ContentType()
		mediaType = strings.ToLower(mediaType)
		if strings.HasPrefix(mediaType, "multipart/") {
			return nil
		}
		if mediaType == "text/plain" || mediaType == "text/html" {
			return nil
		}

		disposition, dispParams, _ := part.Header.ContentDisposition()
		isAttachment := disposition == "attachment" || disposition == "inline"
		isPDF := mediaType == "application/pdf"
		isOctet := mediaType == "application/octet-stream"
		if !isAttachment && !isPDF && !isOctet {
			return nil
		}

		filename := dispParams["filename"]
		if filename == "" {
			filename = params["name"]
		}
		filename = safeBase(decodeWord(filename))

		if filename == "" {
			if !isPDF && !isOctet {
				return nil
			}
			filename = synthesizeName(uid, now)
		}

		lower := strings.ToLower(filename)
		if !isOctet && !strings.HasSuffix(lower, ".pdf") {
			skipped = append(skipped, filename)
			return nil
		}
		if isOctet && !strings.HasSuffix(lower, ".pdf") {
			filename += ".pdf"
		}

		data, err := io.ReadAll(part.Body)
		if err != nil {
			return fmt.Errorf("read part %s: %w", filename, err)
		}
		if len(data) == 0 {
			skipped = append(skipped, filename)
			return nil
		}

		found = append(found, Attachment{Filename: filename, ContentType: mediaType, Data: data})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return found, skipped, nil
}

func synthesizeName(uid uint32, now time.Time) string {
	return fmt.Sprintf("fax_%d_%s_%06d.pdf", uid, now.Format(synthStampLayout), now.Nanosecond()/1000)
}

func decodeWord(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// safeBase strips any directory components a sender put in the filename
func safeBase(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	name = filepath.Base(name)
	if name == "." || name == "/" || name == ".." || strings.HasPrefix(name, ".") {
		return ""
	}
	return name
}

// SaveAttachment writes data into dir under filename. If the name is taken a
// timestamp is appended to the stem, then a counter. The file is written to
// a hidden temp name first and renamed, so a reader listing *.pdf never sees
// a partial file.
func SaveAttachment(dir, filename string, data []byte, now time.Time) (string, error) {
	target, err := freeTarget(dir, filename, now)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(dir, ".incoming-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", fmt.Errorf("rename into place: %w", err)
	}
	return target, nil
}

func freeTarget(dir, filename string, now time.Time) (string, error) {
	target := filepath.Join(dir, filename)
	if !exists(target) {
		return target, nil
	}

	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	base := fmt.Sprintf("%s_%s", stem, now.Format(synthStampLayout))

	target = filepath.Join(dir, base+ext)
	for n := 1; exists(target); n++ {
		if n > collisionAttempts {
			return "", fmt.Errorf("no free name for %s in %s", filename, dir)
		}
		target = filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, n, ext))
	}
	return target, nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
