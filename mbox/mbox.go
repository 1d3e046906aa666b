package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mail-and-packages/model"
)

// Store serves an mbox export as a read-only mailbox. Identifiers are
// 1-based positions in the file, matching IMAP sequence numbers.
type Store struct {
	path     string
	logger   *slog.Logger
	messages []entry
	closed   bool
}

type entry struct {
	raw     []byte
	from    string
	subject string
	sent    time.Time
}

var _ model.Store = (*Store)(nil)

// Open reads every message of the mbox file at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: mbox path is empty", model.ErrConnection)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open mbox: %v", model.ErrConnection, err)
	}
	defer file.Close()

	s, err := Load(file, logger)
	if err != nil {
		return nil, err
	}
	s.path = path
	return s, nil
}

// Load reads every message from an mbox stream.
func Load(r io.Reader, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	reader := mboxlib.NewReader(r)
	var raws [][]byte
	for idx := 0; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: message %d: %v", model.ErrConnection, idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			logger.Warn("skipping unreadable mbox message", "index", idx, "err", err)
			continue
		}
		raws = append(raws, raw)
	}
	s := FromMessages(raws...)
	s.logger = logger
	return s, nil
}

// FromMessages builds a store from raw RFC 5322 messages.
func FromMessages(raws ...[]byte) *Store {
	s := &Store{logger: slog.New(slog.DiscardHandler)}
	for _, raw := range raws {
		s.messages = append(s.messages, parseEntry(raw))
	}
	return s
}

// Len reports the number of messages in the store.
func (s *Store) Len() int { return len(s.messages) }

func (s *Store) SelectFolder(ctx context.Context, name string) error {
	if s.closed {
		return fmt.Errorf("%w: store closed", model.ErrProtocol)
	}
	s.logger.Debug("mbox folder selected", "path", s.path, "folder", name, "messages", len(s.messages))
	return nil
}

// Search applies IMAP semantics: FROM and SUBJECT are case-insensitive
// substring matches, dates compare the Date header's calendar day.
func (s *Store) Search(ctx context.Context, criteria model.Criteria) ([]uint32, error) {
	if s.closed {
		return nil, fmt.Errorf("%w: store closed", model.ErrProtocol)
	}
	if len(criteria.From) == 0 {
		return nil, fmt.Errorf("%w: search without sender", model.ErrSearch)
	}

	var ids []uint32
	for idx, msg := range s.messages {
		if matches(msg, criteria) {
			ids = append(ids, uint32(idx+1))
		}
	}
	return ids, nil
}

func (s *Store) Fetch(ctx context.Context, id uint32) ([]byte, error) {
	if s.closed {
		return nil, fmt.Errorf("%w: store closed", model.ErrProtocol)
	}
	if id == 0 || int(id) > len(s.messages) {
		return nil, fmt.Errorf("%w: message %d not found", model.ErrProtocol, id)
	}
	return s.messages[id-1].raw, nil
}

func (s *Store) Close() error {
	s.closed = true
	return nil
}

func matches(msg entry, c model.Criteria) bool {
	fromMatch := false
	for _, sender := range c.From {
		if containsFold(msg.from, sender) {
			fromMatch = true
			break
		}
	}
	if !fromMatch {
		return false
	}
	if c.Subject != "" && !containsFold(msg.subject, c.Subject) {
		return false
	}
	if !c.On.IsZero() || !c.Since.IsZero() {
		if msg.sent.IsZero() {
			return false
		}
		sent := civilDay(msg.sent)
		if !c.On.IsZero() && !sent.Equal(civilDay(c.On)) {
			return false
		}
		if !c.Since.IsZero() && sent.Before(civilDay(c.Since)) {
			return false
		}
	}
	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func civilDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func parseEntry(raw []byte) entry {
	e := entry{raw: raw}
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return e
	}
	defer mr.Close()

	header := mr.Header
	e.from = header.Get("From")
	if addrs, err := header.AddressList("From"); err == nil {
		parts := make([]string, 0, len(addrs)*2)
		for _, addr := range addrs {
			parts = append(parts, addr.Name, addr.Address)
		}
		e.from = e.from + " " + strings.Join(parts, " ")
	}
	if subject, err := header.Subject(); err == nil {
		e.subject = subject
	} else {
		e.subject = header.Get("Subject")
	}
	if sent, err := header.Date(); err == nil {
		e.sent = sent
	}
	return e
}
