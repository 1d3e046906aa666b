// Package testutil builds RFC 5322 fixtures and in-memory stores for tests.
package testutil

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mail-and-packages/mbox"
)

// Attachment is one file part of a fixture message. An empty Name gives a
// part without a filename.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Message describes a fixture. Zero Date means Today.
type Message struct {
	From        string
	Subject     string
	Date        time.Time
	Text        string
	HTML        string
	Attachments []Attachment
}

// Today is the fixed day fixtures are dated on unless they set Date.
var Today = time.Date(2024, time.May, 6, 9, 30, 0, 0, time.UTC)

// Raw renders m. Messages with HTML or attachments become multipart/mixed
// with the text part first.
func (m Message) Raw(t testing.TB) []byte {
	t.Helper()

	var header mail.Header
	date := m.Date
	if date.IsZero() {
		date = Today
	}
	header.SetDate(date)
	header.SetSubject(m.Subject)
	header.SetAddressList("From", []*mail.Address{{Address: m.From}})
	header.SetAddressList("To", []*mail.Address{{Address: "me@example.com"}})

	var buf bytes.Buffer
	if m.HTML == "" && len(m.Attachments) == 0 {
		header.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		header.Set("Content-Transfer-Encoding", "quoted-printable")
		w, err := mail.CreateSingleInlineWriter(&buf, header)
		if err != nil {
			t.Fatalf("creating message writer: %v", err)
		}
		writePart(t, w, m.Text)
		return buf.Bytes()
	}

	mw, err := mail.CreateWriter(&buf, header)
	if err != nil {
		t.Fatalf("creating multipart writer: %v", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		t.Fatalf("creating inline writer: %v", err)
	}
	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	th.Set("Content-Transfer-Encoding", "quoted-printable")
	pw, err := tw.CreatePart(th)
	if err != nil {
		t.Fatalf("creating text part: %v", err)
	}
	writePart(t, pw, m.Text)

	if m.HTML != "" {
		var hh mail.InlineHeader
		hh.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		hh.Set("Content-Transfer-Encoding", "quoted-printable")
		pw, err := tw.CreatePart(hh)
		if err != nil {
			t.Fatalf("creating html part: %v", err)
		}
		writePart(t, pw, m.HTML)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing inline writer: %v", err)
	}

	for _, att := range m.Attachments {
		var ah mail.AttachmentHeader
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		ah.SetContentType(contentType, nil)
		if att.Name != "" {
			ah.SetFilename(att.Name)
		} else {
			ah.SetContentDisposition("attachment", nil)
		}
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			t.Fatalf("creating attachment %s: %v", att.Name, err)
		}
		if _, err := aw.Write(att.Data); err != nil {
			t.Fatalf("writing attachment %s: %v", att.Name, err)
		}
		if err := aw.Close(); err != nil {
			t.Fatalf("closing attachment %s: %v", att.Name, err)
		}
	}

	if err := mw.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}
	return buf.Bytes()
}

func writePart(t testing.TB, w io.WriteCloser, text string) {
	t.Helper()
	if _, err := io.WriteString(w, text); err != nil {
		t.Fatalf("writing part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing part: %v", err)
	}
}

// NewStore renders msgs into an in-memory mbox store that is closed when
// the test completes.
func NewStore(t testing.TB, msgs ...Message) *mbox.Store {
	t.Helper()

	raws := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		raws = append(raws, m.Raw(t))
	}
	s := mbox.FromMessages(raws...)
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})
	return s
}

// MboxFile renders msgs as an mbox stream with From_ separator lines.
func MboxFile(t testing.TB, msgs ...Message) []byte {
	t.Helper()

	var buf bytes.Buffer
	for _, m := range msgs {
		date := m.Date
		if date.IsZero() {
			date = Today
		}
		buf.WriteString("From " + m.From + " " + date.Format("Mon Jan _2 15:04:05 2006") + "\n")
		raw := bytes.ReplaceAll(m.Raw(t), []byte("\r\n"), []byte("\n"))
		buf.Write(raw)
		if !bytes.HasSuffix(raw, []byte("\n")) {
			buf.WriteString("\n")
		}
		buf.WriteString("\n")
	}
	return buf.Bytes()
}
