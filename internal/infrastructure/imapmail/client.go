// Package imapmail implements the mailbox collaborator on top of go-imap.
// One Session per job run; the bot never keeps long-lived connections.
package imapmail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"mailbot/internal/infrastructure/config"
	"mailbot/internal/shared/logger"
)

// LinkedHeader carries the source Message-ID on generated mail and is the
// idempotency key: a folder already holding a message with this header for a
// given source is never written to again for that source.
const LinkedHeader = "X-Linked-Message-Id"

// Envelope is the listing view of a message.
type Envelope struct {
	UID           imap.UID
	Subject       string
	From          string
	MessageID     string
	Date          time.Time
	AutoSubmitted bool
}

// Message is a fully fetched message with its decoded bodies.
type Message struct {
	Envelope
	HTML string
	Text string
}

type Client struct {
	cfg config.IMAPConfig
	log logger.Interface
}

func NewClient(cfg config.IMAPConfig, log logger.Interface) *Client {
	return &Client{cfg: cfg, log: log.Named("imap")}
}

// Dial connects and authenticates. The caller owns the session and must
// Close it.
func (c *Client) Dial(ctx context.Context) (*Session, error) {
	addr := c.cfg.Addr()
	opts := &imapclient.Options{}

	var (
		conn *imapclient.Client
		err  error
	)
	if c.cfg.SSL {
		opts.TLSConfig = &tls.Config{ServerName: c.cfg.Server}
		conn, err = imapclient.DialTLS(addr, opts)
	} else {
		conn, err = imapclient.DialStartTLS(addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", addr, err)
	}

	if err := conn.Login(c.cfg.Email, c.cfg.Password).Wait(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("imap login %s: %w", c.cfg.Email, err)
	}

	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	return &Session{conn: conn, stopClose: stopClose, log: c.log}, nil
}

type Session struct {
	conn      *imapclient.Client
	stopClose func() bool
	log       logger.Interface
	selected  string
}

func (s *Session) Close() {
	s.stopClose()
	if err := s.conn.Logout().Wait(); err != nil {
		s.log.Debugw("imap logout failed", "error", err)
	}
	_ = s.conn.Close()
}

func (s *Session) selectFolder(folder string) error {
	if s.selected == folder {
		return nil
	}
	if _, err := s.conn.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("select %s: %w", folder, err)
	}
	s.selected = folder
	return nil
}

// ListFolders returns all mailbox names on the account.
func (s *Session) ListFolders() ([]string, error) {
	data, err := s.conn.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	names := make([]string, 0, len(data))
	for _, d := range data {
		names = append(names, d.Mailbox)
	}
	return names, nil
}

// EnsureFolder creates the folder when missing.
func (s *Session) EnsureFolder(folder string) error {
	err := s.conn.Create(folder, nil).Wait()
	if err == nil {
		return nil
	}
	var respErr *imap.Error
	if errors.As(err, &respErr) && respErr.Code == imap.ResponseCodeAlreadyExists {
		return nil
	}
	return fmt.Errorf("ensure folder %s: %w", folder, err)
}

// autoHeaderSection asks only for the headers the listing filter needs.
var autoHeaderSection = &imap.FetchItemBodySection{
	Specifier:    imap.PartSpecifierHeader,
	HeaderFields: []string{"Auto-Submitted"},
	Peek:         true,
}

// ListUnread returns the unseen messages of a folder, oldest first. Messages
// that declare themselves auto-generated are reported with AutoSubmitted set
// so callers can drop them before feeding the pipeline its own output.
func (s *Session) ListUnread(folder string) ([]Envelope, error) {
	if err := s.selectFolder(folder); err != nil {
		return nil, err
	}

	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	searchData, err := s.conn.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search unseen in %s: %w", folder, err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{autoHeaderSection},
	}
	bufs, err := s.conn.Fetch(imap.UIDSetNum(uids...), fetchOpts).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch envelopes in %s: %w", folder, err)
	}

	envs := make([]Envelope, 0, len(bufs))
	for _, buf := range bufs {
		env := envelopeFromBuffer(buf)
		if raw := buf.FindBodySection(autoHeaderSection); raw != nil {
			env.AutoSubmitted = headerValue(raw, "Auto-Submitted") != ""
		}
		envs = append(envs, env)
	}
	return envs, nil
}

var fullBodySection = &imap.FetchItemBodySection{Peek: true}

// Fetch retrieves and decodes one message without marking it seen.
func (s *Session) Fetch(folder string, uid imap.UID) (*Message, error) {
	if err := s.selectFolder(folder); err != nil {
		return nil, err
	}

	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{fullBodySection},
	}
	bufs, err := s.conn.Fetch(imap.UIDSetNum(uid), fetchOpts).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch uid %d in %s: %w", uid, folder, err)
	}
	if len(bufs) == 0 {
		return nil, fmt.Errorf("uid %d not found in %s", uid, folder)
	}

	buf := bufs[0]
	msg := &Message{Envelope: envelopeFromBuffer(buf)}
	if raw := buf.FindBodySection(fullBodySection); raw != nil {
		msg.Text, msg.HTML = decodeBodies(raw)
	}
	return msg, nil
}

// MarkSeen sets \Seen on a source message once its derived mail is stored.
func (s *Session) MarkSeen(folder string, uid imap.UID) error {
	if err := s.selectFolder(folder); err != nil {
		return err
	}
	cmd := s.conn.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("mark seen uid %d in %s: %w", uid, folder, err)
	}
	return nil
}

// Append stores raw in folder and then strips \Seen from it. Some servers
// flag appended mail seen regardless of the flag list given to APPEND, so
// the message is located again by Message-ID and fixed up.
func (s *Session) Append(folder string, raw []byte, messageID string) error {
	cmd := s.conn.Append(folder, int64(len(raw)), &imap.AppendOptions{Time: time.Now()})
	remaining := raw
	for len(remaining) > 0 {
		n, err := cmd.Write(remaining)
		if err != nil {
			_ = cmd.Close()
			return fmt.Errorf("append write to %s: %w", folder, err)
		}
		remaining = remaining[n:]
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append close %s: %w", folder, err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append to %s: %w", folder, err)
	}

	if err := s.enforceUnseen(folder, messageID); err != nil {
		s.log.Warnw("could not strip seen flag from appended message",
			"folder", folder, "message_id", messageID, "error", err)
	}
	return nil
}

func (s *Session) enforceUnseen(folder, messageID string) error {
	if messageID == "" {
		return nil
	}
	uids, err := s.searchHeader(folder, "Message-Id", messageID)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return fmt.Errorf("appended message %s not found in %s", messageID, folder)
	}
	cmd := s.conn.Store(imap.UIDSetNum(uids...), &imap.StoreFlags{
		Op:     imap.StoreFlagsDel,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	return cmd.Close()
}

// HasLinkedMessage reports whether folder already holds generated mail
// derived from the given source Message-ID.
func (s *Session) HasLinkedMessage(folder, sourceMessageID string) (bool, error) {
	uids, err := s.searchHeader(folder, LinkedHeader, sourceMessageID)
	if err != nil {
		return false, err
	}
	return len(uids) > 0, nil
}

func (s *Session) searchHeader(folder, key, value string) ([]imap.UID, error) {
	if err := s.selectFolder(folder); err != nil {
		return nil, err
	}
	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: key, Value: value}},
	}
	data, err := s.conn.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search %s in %s: %w", key, folder, err)
	}
	return data.AllUIDs(), nil
}

func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) Envelope {
	env := Envelope{UID: buf.UID}
	if buf.Envelope == nil {
		return env
	}
	env.Subject = buf.Envelope.Subject
	env.MessageID = buf.Envelope.MessageID
	env.Date = buf.Envelope.Date
	if len(buf.Envelope.From) > 0 {
		env.From = buf.Envelope.From[0].Addr()
	}
	return env
}

// headerValue parses a raw header section and returns one field.
func headerValue(raw []byte, key string) string {
	entity, err := message.Read(bytes.NewReader(append(raw, '\r', '\n')))
	if err != nil && !message.IsUnknownCharset(err) {
		return ""
	}
	return strings.TrimSpace(entity.Header.Get(key))
}

// decodeBodies extracts the text and HTML alternatives from a raw message.
// A message that cannot be parsed as MIME is treated as plain text.
func decodeBodies(raw []byte) (text, html string) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw), ""
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}
		switch {
		case strings.HasPrefix(contentType, "text/html"):
			if html == "" {
				html = string(body)
			}
		case strings.HasPrefix(contentType, "text/plain"):
			if text == "" {
				text = string(body)
			}
		}
	}
	return text, html
}
