// Package jobs implements the two pipeline runs: translating unread mail in
// place and summarizing unread mail into digests. Each run opens one mailbox
// session, processes its folders and stores generated mail next to the
// sources.
package jobs

import (
	"context"

	"github.com/emersion/go-imap/v2"

	"mailbot/internal/infrastructure/imapmail"
)

// Mailbox is the session contract jobs run against; *imapmail.Session is the
// production implementation.
type Mailbox interface {
	ListFolders() ([]string, error)
	EnsureFolder(folder string) error
	ListUnread(folder string) ([]imapmail.Envelope, error)
	Fetch(folder string, uid imap.UID) (*imapmail.Message, error)
	Append(folder string, raw []byte, messageID string) error
	MarkSeen(folder string, uid imap.UID) error
	HasLinkedMessage(folder, sourceMessageID string) (bool, error)
	Close()
}

// DialFunc opens a mailbox session for one run.
type DialFunc func(ctx context.Context) (Mailbox, error)
