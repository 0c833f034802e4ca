package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// SMTPConfig holds relay settings. Port 465 uses implicit TLS, other ports
// upgrade with STARTTLS when TLS is set.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	TLS      bool
	From     string
}

// Sender delivers notifications over SMTP.
type Sender struct {
	cfg SMTPConfig
	now func() time.Time
}

// NewSender builds a sender.
func NewSender(cfg SMTPConfig) *Sender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &Sender{cfg: cfg, now: time.Now}
}

// From is the envelope and header sender.
func (s *Sender) From() string { return s.cfg.From }

// Send opens a session, authenticates, and delivers one message.
func (s *Sender) Send(ctx context.Context, to []string, subject, text, html string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := Build(Outgoing{From: s.cfg.From, To: to, Subject: subject, Text: text, HTML: html}, s.now())
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	tlsCfg := &tls.Config{ServerName: s.cfg.Host}
	var c *smtp.Client
	switch {
	case s.cfg.Port == 465:
		c, err = smtp.DialTLS(addr, tlsCfg)
	case s.cfg.TLS:
		c, err = smtp.DialStartTLS(addr, tlsCfg)
	default:
		c, err = smtp.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	defer c.Close()

	if s.cfg.User != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.cfg.User, s.cfg.Password)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.SendMail(s.cfg.From, to, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	if err := c.Quit(); err != nil {
		log.Printf("smtp quit: %v", err)
	}
	log.Printf("sent %q to %s", subject, strings.Join(to, ", "))
	return nil
}
