package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mail-and-packages/model"
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
}

// Session is a logged-in IMAP connection. It implements model.Store and is
// not safe for concurrent use.
type Session struct {
	client    *imapclient.Client
	logger    *slog.Logger
	stopClose func() bool
	selected  bool
	broken    error
	closed    bool
}

var _ model.Store = (*Session)(nil)

// Dial connects and authenticates. The connection is torn down if ctx is
// cancelled before Close.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Session, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("%w: imap host is empty", model.ErrConnection)
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("%w: imap port must be positive", model.ErrConnection)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{}

	if opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial imap %s: %v", model.ErrConnection, address, err)
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		var respErr *imapv2.Error
		if errors.As(err, &respErr) {
			return nil, fmt.Errorf("%w: login as %s: %v", model.ErrAuth, opts.Username, err)
		}
		return nil, fmt.Errorf("%w: login as %s: %v", model.ErrConnection, opts.Username, err)
	}

	logger.Debug("imap connection established", "address", address, "user", opts.Username, "tls", opts.UseTLS)

	s := &Session{client: client, logger: logger}
	s.stopClose = context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	return s, nil
}

// SelectFolder opens name read-only. On failure the session stays usable but
// every search returns no messages.
func (s *Session) SelectFolder(ctx context.Context, name string) error {
	if err := s.usable(); err != nil {
		return err
	}
	if name == "" {
		name = "INBOX"
	}

	mailboxes, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		s.selected = false
		return s.classify(fmt.Errorf("%w: list folders: %w", model.ErrFolder, err))
	}
	found := false
	for _, mbox := range mailboxes {
		if mbox.Mailbox == name || (strings.EqualFold(name, "INBOX") && strings.EqualFold(mbox.Mailbox, "INBOX")) {
			found = true
			break
		}
	}
	if !found {
		s.selected = false
		return fmt.Errorf("%w: %s does not exist", model.ErrFolder, name)
	}

	data, err := s.client.Select(name, &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		s.selected = false
		return s.classify(fmt.Errorf("%w: select %s: %w", model.ErrFolder, name, err))
	}

	s.selected = true
	s.logger.Debug("imap folder selected", "folder", name, "messages", data.NumMessages)
	return nil
}

// Search runs a UID SEARCH. Zero matches is not an error.
func (s *Session) Search(ctx context.Context, criteria model.Criteria) ([]uint32, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if !s.selected {
		return nil, nil
	}
	if len(criteria.From) == 0 {
		return nil, fmt.Errorf("%w: search without sender", model.ErrSearch)
	}

	data, err := s.client.UIDSearch(BuildCriteria(criteria), nil).Wait()
	if err != nil {
		return nil, s.classify(fmt.Errorf("%w: %w", model.ErrSearch, err))
	}

	uids := data.AllUIDs()
	ids := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, uint32(uid))
	}
	return ids, nil
}

// Fetch returns the full message without setting \Seen.
func (s *Session) Fetch(ctx context.Context, id uint32) ([]byte, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}

	section := &imapv2.FetchItemBodySection{Peek: true}
	fetchCmd := s.client.Fetch(imapv2.UIDSetNum(imapv2.UID(id)), &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		if err := fetchCmd.Close(); err != nil {
			return nil, s.classify(fmt.Errorf("%w: fetch %d: %w", model.ErrProtocol, id, err))
		}
		return nil, fmt.Errorf("%w: message %d not found", model.ErrProtocol, id)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, s.classify(fmt.Errorf("%w: collect %d: %w", model.ErrProtocol, id, err))
	}
	raw := buf.FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("%w: message %d has no body", model.ErrProtocol, id)
	}
	return raw, nil
}

// Close logs out and closes the connection. It is safe to call twice.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	stillOpen := s.stopClose()
	if stillOpen && s.broken == nil {
		if err := s.client.Logout().Wait(); err != nil {
			s.logger.Warn("imap logout failed", "err", err)
		}
	}
	if err := s.client.Close(); err != nil {
		s.logger.Debug("imap connection closed", "err", err)
	}
	return nil
}

func (s *Session) usable() error {
	if s.closed {
		return fmt.Errorf("%w: session closed", model.ErrProtocol)
	}
	if s.broken != nil {
		return fmt.Errorf("%w: session unusable after earlier failure: %v", model.ErrProtocol, s.broken)
	}
	return nil
}

// classify marks the session broken unless err is a plain server NO/BAD
// reply, after which the connection is still in a known state.
func (s *Session) classify(err error) error {
	var respErr *imapv2.Error
	if errors.As(err, &respErr) {
		return err
	}
	s.broken = err
	return fmt.Errorf("%w: %w", model.ErrProtocol, err)
}

// BuildCriteria translates a model search into IMAP criteria. Several
// senders become a chain of OR FROM clauses; On becomes the SENTON window.
func BuildCriteria(c model.Criteria) *imapv2.SearchCriteria {
	criteria := fromCriteria(c.From)
	if c.Subject != "" {
		criteria.Header = append(criteria.Header, imapv2.SearchCriteriaHeaderField{Key: "Subject", Value: c.Subject})
	}
	if !c.On.IsZero() {
		day := truncateDay(c.On)
		criteria.SentSince = day
		criteria.SentBefore = day.AddDate(0, 0, 1)
	}
	if !c.Since.IsZero() {
		criteria.SentSince = truncateDay(c.Since)
	}
	return &criteria
}

func fromCriteria(senders []string) imapv2.SearchCriteria {
	switch len(senders) {
	case 0:
		return imapv2.SearchCriteria{}
	case 1:
		return imapv2.SearchCriteria{
			Header: []imapv2.SearchCriteriaHeaderField{{Key: "From", Value: senders[0]}},
		}
	}
	return imapv2.SearchCriteria{
		Or: [][2]imapv2.SearchCriteria{{fromCriteria(senders[:1]), fromCriteria(senders[1:])}},
	}
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
