package imap

import (
	"bytes"
	"io"
	"log"
	"net"
	"testing"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-and-packages/model"
	"github.com/dhcgn/mail-and-packages/testutil"
)

const (
	testUser     = "me@example.com"
	testPassword = "secret"
)

// startServer runs an in-memory IMAP server whose INBOX holds msgs.
func startServer(t *testing.T, msgs ...testutil.Message) Options {
	t.Helper()

	user := imapmemserver.NewUser(testUser, testPassword)
	require.NoError(t, user.Create("INBOX", nil))
	for _, m := range msgs {
		_, err := user.Append("INBOX", bytes.NewReader(m.Raw(t)), &imapv2.AppendOptions{Time: testutil.Today})
		require.NoError(t, err)
	}

	memServer := imapmemserver.New()
	memServer.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		Caps: imapv2.CapSet{
			imapv2.CapIMAP4rev1: {},
			imapv2.CapIMAP4rev2: {},
		},
		InsecureAuth: true,
		Logger:       log.New(io.Discard, "", 0),
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.Serve(ln)
	}()
	t.Cleanup(func() { _ = server.Close() })

	return Options{
		Host:     "127.0.0.1",
		Port:     ln.Addr().(*net.TCPAddr).Port,
		Username: testUser,
		Password: testPassword,
	}
}

func dial(t *testing.T, opts Options) *Session {
	t.Helper()
	s, err := Dial(t.Context(), opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionSearchAndFetch(t *testing.T) {
	opts := startServer(t,
		testutil.Message{From: "mcinfo@ups.com", Subject: "Your UPS Package was delivered", Text: "Left at front door."},
		testutil.Message{From: "mcinfo@ups.com", Subject: "Your UPS Package was delivered", Date: testutil.Today.AddDate(0, 0, -2)},
		testutil.Message{From: "TrackingUpdates@fedex.com", Subject: "Your package has been delivered"},
	)
	s := dial(t, opts)
	ctx := t.Context()

	require.NoError(t, s.SelectFolder(ctx, "INBOX"))

	ids, err := s.Search(ctx, model.Criteria{
		From:    []string{"mcinfo@ups.com"},
		Subject: "Your UPS Package was delivered",
		On:      testutil.Today,
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	ids2, err := s.Search(ctx, model.Criteria{
		From:    []string{"nobody@example.com", "TrackingUpdates@fedex.com"},
		Subject: "delivered",
		On:      testutil.Today,
	})
	require.NoError(t, err)
	assert.Len(t, ids2, 1)

	raw, err := s.Fetch(ctx, ids[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Subject: Your UPS Package was delivered")
	assert.Contains(t, string(raw), "Left at front door.")

	msgs, err := s.client.Fetch(imapv2.UIDSetNum(imapv2.UID(ids[0])), &imapv2.FetchOptions{
		UID:   true,
		Flags: true,
	}).Collect()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.NotContains(t, msgs[0].Flags, imapv2.FlagSeen, "fetching must leave the message unread")
}

func TestSessionSearchWithoutMatches(t *testing.T) {
	opts := startServer(t, testutil.Message{From: "mcinfo@ups.com", Subject: "Your UPS Package was delivered"})
	s := dial(t, opts)
	ctx := t.Context()

	require.NoError(t, s.SelectFolder(ctx, ""))
	ids, err := s.Search(ctx, model.Criteria{From: []string{"auto-reply@usps.com"}, On: testutil.Today})
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = s.Search(ctx, model.Criteria{Subject: "delivered"})
	assert.ErrorIs(t, err, model.ErrSearch)
}

func TestSessionMissingFolderGivesEmptyResults(t *testing.T) {
	opts := startServer(t, testutil.Message{From: "mcinfo@ups.com", Subject: "Your UPS Package was delivered"})
	s := dial(t, opts)
	ctx := t.Context()

	err := s.SelectFolder(ctx, "Archive")
	require.ErrorIs(t, err, model.ErrFolder)

	ids, err := s.Search(ctx, model.Criteria{From: []string{"mcinfo@ups.com"}})
	require.NoError(t, err)
	assert.Empty(t, ids)

	// The session is still usable for a folder that exists.
	require.NoError(t, s.SelectFolder(ctx, "INBOX"))
	ids, err = s.Search(ctx, model.Criteria{From: []string{"mcinfo@ups.com"}})
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestSessionFetchUnknownUID(t *testing.T) {
	opts := startServer(t, testutil.Message{From: "mcinfo@ups.com", Subject: "Your UPS Package was delivered"})
	s := dial(t, opts)
	ctx := t.Context()

	require.NoError(t, s.SelectFolder(ctx, "INBOX"))
	_, err := s.Fetch(ctx, 4242)
	assert.ErrorIs(t, err, model.ErrProtocol)

	ids, err := s.Search(ctx, model.Criteria{From: []string{"mcinfo@ups.com"}})
	require.NoError(t, err, "a missing message must not break the session")
	assert.Len(t, ids, 1)
}

func TestSessionCloseTwice(t *testing.T) {
	opts := startServer(t)
	s, err := Dial(t.Context(), opts, nil)
	require.NoError(t, err)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())

	_, err = s.Search(t.Context(), model.Criteria{From: []string{"mcinfo@ups.com"}})
	assert.ErrorIs(t, err, model.ErrProtocol)
	assert.ErrorIs(t, s.SelectFolder(t.Context(), "INBOX"), model.ErrProtocol)
}

func TestDialWrongPassword(t *testing.T) {
	opts := startServer(t)
	opts.Password = "wrong"

	_, err := Dial(t.Context(), opts, nil)
	assert.ErrorIs(t, err, model.ErrAuth)
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	_, err = Dial(t.Context(), Options{Host: "127.0.0.1", Port: port, Username: testUser, Password: testPassword}, nil)
	assert.ErrorIs(t, err, model.ErrConnection)
}
