package model

import (
	"context"
	"time"
)

// Criteria describes a mailbox search. Senders are OR-combined; the other
// fields narrow the result.
type Criteria struct {
	From    []string
	Subject string
	// On restricts to messages sent on that calendar day.
	On time.Time
	// Since restricts to messages sent on or after that calendar day.
	Since time.Time
}

// Store is an authenticated, folder-selected handle to a mailbox. It is owned
// by a single run and must not be shared.
type Store interface {
	SelectFolder(ctx context.Context, name string) error
	Search(ctx context.Context, criteria Criteria) ([]uint32, error)
	Fetch(ctx context.Context, id uint32) ([]byte, error)
	Close() error
}
