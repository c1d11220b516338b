package mailpoller

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog"
)

// Mailbox is a session with the monitored inbox
type Mailbox interface {
	Connect(ctx context.Context) error
	// Search returns UIDs of already-read messages from sender, newest
	// first, at most limit of them
	Search(ctx context.Context, sender string, limit int) ([]uint32, error)
	// Fetch returns the full RFC 5322 message without setting \Seen
	Fetch(ctx context.Context, uid uint32) ([]byte, error)
	Close() error
}

// IMAPMailbox talks to an IMAP server over TLS
type IMAPMailbox struct {
	addr     string
	username string
	password string
	timeout  time.Duration
	log      zerolog.Logger

	c *client.Client
}

// NewIMAPMailbox returns an unconnected mailbox for addr (host:port)
func NewIMAPMailbox(addr, username, password string, timeout time.Duration, log zerolog.Logger) *IMAPMailbox {
	return &IMAPMailbox{
		addr:     addr,
		username: username,
		password: password,
		timeout:  timeout,
		log:      log.With().Str("component", "imap").Logger(),
	}
}

func (m *IMAPMailbox) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	host, _, err := net.SplitHostPort(m.addr)
	if err != nil {
		return fmt.Errorf("imap address %q: %w", m.addr, err)
	}

	c, err := client.DialWithDialerTLS(&net.Dialer{Timeout: m.timeout}, m.addr, &tls.Config{ServerName: host})
	if err != nil {
		return fmt.Errorf("dial %s: %w", m.addr, err)
	}
	c.Timeout = m.timeout

	if err := c.Login(m.username, m.password); err != nil {
		_ = c.Logout()
		return fmt.Errorf("login as %s (an app-specific password is required): %w", m.username, err)
	}

	// read-only: nothing here should change message flags
	if _, err := c.Select("INBOX", true); err != nil {
		_ = c.Logout()
		return fmt.Errorf("select INBOX: %w", err)
	}

	m.c = c
	m.log.Debug().Str("addr", m.addr).Msg("connected")
	return nil
}

func (m *IMAPMailbox) Search(_ context.Context, sender string, limit int) ([]uint32, error) {
	if m.c == nil {
		return nil, errors.New("mailbox not connected")
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithFlags = []string{imap.SeenFlag}
	criteria.Header.Add("From", sender)

	uids, err := m.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	return uids, nil
}

func (m *IMAPMailbox) Fetch(_ context.Context, uid uint32) ([]byte, error) {
	if m.c == nil {
		return nil, errors.New("mailbox not connected")
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	// BODY.PEEK[] leaves \Seen untouched for other clients
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- m.c.UidFetch(seqset, items, messages)
	}()

	var raw []byte
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		data, err := io.ReadAll(body)
		if err != nil {
			// drain so UidFetch can finish
			for range messages {
			}
			<-done
			return nil, fmt.Errorf("read message %d: %w", uid, err)
		}
		raw = data
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch message %d: %w", uid, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("message %d not returned by server", uid)
	}
	return raw, nil
}

// Close logs out. It is safe to call on an unconnected mailbox.
func (m *IMAPMailbox) Close() error {
	if m.c == nil {
		return nil
	}
	err := m.c.Logout()
	m.c = nil
	if err != nil && !errors.Is(err, client.ErrAlreadyLoggedOut) {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}
