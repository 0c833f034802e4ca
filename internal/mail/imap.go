package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// IMAPConfig holds mailbox credentials.
type IMAPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	TLS      bool
}

// Mailbox wraps an IMAP session. Every operation holds mu since the IMAP
// connection carries one selected folder at a time.
type Mailbox struct {
	cfg IMAPConfig
	mu  sync.Mutex
	c   *client.Client
}

// NewMailbox returns a mailbox that connects lazily.
func NewMailbox(cfg IMAPConfig) *Mailbox {
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	return &Mailbox{cfg: cfg}
}

func (m *Mailbox) connectLocked() error {
	if m.c != nil {
		return nil
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	var (
		c   *client.Client
		err error
	)
	if m.cfg.TLS {
		c, err = client.DialTLS(addr, &tls.Config{ServerName: m.cfg.Host})
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("dial imap %s: %w", addr, err)
	}
	if err := c.Login(m.cfg.User, m.cfg.Password); err != nil {
		_ = c.Logout()
		return fmt.Errorf("imap login: %w", err)
	}
	log.Printf("connected to imap server %s", m.cfg.Host)
	m.c = c
	return nil
}

// dropLocked discards a broken session so the next call reconnects.
func (m *Mailbox) dropLocked() {
	if m.c != nil {
		_ = m.c.Logout()
		m.c = nil
	}
}

func (m *Mailbox) selectLocked(folder string) error {
	if err := m.connectLocked(); err != nil {
		return err
	}
	if _, err := m.c.Select(folder, false); err != nil {
		m.dropLocked()
		return fmt.Errorf("select %s: %w", folder, err)
	}
	return nil
}

// FetchUnseen returns every message in folder without the \Seen flag. The
// fetch peeks so flags are unchanged.
func (m *Mailbox) FetchUnseen(ctx context.Context, folder string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.selectLocked(folder); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := m.c.UidSearch(criteria)
	if err != nil {
		m.dropLocked()
		return nil, fmt.Errorf("search unseen: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}
	ch := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() { done <- m.c.UidFetch(seqset, items, ch) }()

	var out []Message
	for raw := range ch {
		var body io.Reader
		if lit := raw.GetBody(section); lit != nil {
			body = lit
		}
		msg := fetched(folder, raw.Uid, body)
		if msg.Err != nil {
			log.Printf("parse message uid=%d in %s: %v", raw.Uid, folder, msg.Err)
		}
		out = append(out, msg)
	}
	if err := <-done; err != nil {
		m.dropLocked()
		return nil, fmt.Errorf("fetch unseen: %w", err)
	}
	return out, nil
}

// fetched parses one fetched body. Unreadable bodies are still returned, with
// Err set, so the caller can flag and file them.
func fetched(folder string, uid uint32, body io.Reader) Message {
	var msg Message
	if body == nil {
		msg.Err = errors.New("message body missing from fetch")
	} else if parsed, err := Parse(body); err != nil {
		msg = parsed
		msg.Err = err
	} else {
		msg = parsed
	}
	msg.UID = uid
	msg.Folder = folder
	return msg
}

// MarkSeen flags the message \Seen.
func (m *Mailbox) MarkSeen(ctx context.Context, folder string, uid uint32) error {
	return m.addFlag(ctx, folder, uid, imap.SeenFlag)
}

func (m *Mailbox) addFlag(ctx context.Context, folder string, uid uint32, flag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.selectLocked(folder); err != nil {
		return err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	op := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := m.c.UidStore(seqset, op, []interface{}{flag}, nil); err != nil {
		m.dropLocked()
		return fmt.Errorf("store %s uid=%d: %w", flag, uid, err)
	}
	return nil
}

// Move copies the message to dest and expunges it from folder.
func (m *Mailbox) Move(ctx context.Context, folder string, uid uint32, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.selectLocked(folder); err != nil {
		return err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	if err := m.c.UidCopy(seqset, dest); err != nil {
		m.dropLocked()
		return fmt.Errorf("copy uid=%d to %s: %w", uid, dest, err)
	}
	op := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := m.c.UidStore(seqset, op, []interface{}{imap.DeletedFlag}, nil); err != nil {
		m.dropLocked()
		return fmt.Errorf("flag deleted uid=%d: %w", uid, err)
	}
	if err := m.c.Expunge(nil); err != nil {
		m.dropLocked()
		return fmt.Errorf("expunge %s: %w", folder, err)
	}
	return nil
}

// Close logs out.
func (m *Mailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil {
		return nil
	}
	err := m.c.Logout()
	m.c = nil
	log.Printf("disconnected from imap server %s", m.cfg.Host)
	return err
}
