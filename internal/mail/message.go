package mail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
)

// Message is one inbound email with its folder-local UID.
type Message struct {
	UID     uint32
	Folder  string
	From    string
	Subject string
	Text    string
	HTML    string

	// Err is set when the fetched body could not be read or parsed. The other
	// fields hold whatever was recovered before the failure.
	Err error
}

// Parse reads an RFC 5322 message and keeps the first text/plain and
// text/html inline parts.
func Parse(r io.Reader) (Message, error) {
	mr, err := gomail.CreateReader(r)
	if err != nil {
		return Message{}, fmt.Errorf("read message: %w", err)
	}
	defer mr.Close()

	var msg Message
	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = subject
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return msg, fmt.Errorf("read part: %w", err)
		}
		h, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, err := h.ContentType()
		if err != nil {
			ct = "text/plain"
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return msg, fmt.Errorf("read %s body: %w", ct, err)
		}
		switch {
		case ct == "text/plain" && msg.Text == "":
			msg.Text = string(body)
		case ct == "text/html" && msg.HTML == "":
			msg.HTML = string(body)
		}
	}
	return msg, nil
}

// Outgoing is a notification to send.
type Outgoing struct {
	From    string
	To      []string
	Subject string
	Text    string
	HTML    string
}

// Build renders out as multipart/alternative when HTML is set, plain text
// otherwise.
func Build(out Outgoing, now time.Time) ([]byte, error) {
	if len(out.To) == 0 {
		return nil, errors.New("no recipients")
	}
	var h gomail.Header
	h.SetDate(now)
	h.SetSubject(out.Subject)
	h.SetAddressList("From", []*gomail.Address{{Address: out.From}})
	to := make([]*gomail.Address, 0, len(out.To))
	for _, addr := range out.To {
		to = append(to, &gomail.Address{Address: strings.TrimSpace(addr)})
	}
	h.SetAddressList("To", to)

	var buf bytes.Buffer
	if out.HTML == "" {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := gomail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("create message: %w", err)
		}
		if _, err := io.WriteString(w, out.Text); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw, err := gomail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create alternative: %w", err)
	}
	for _, p := range []struct{ ct, body string }{{"text/plain", out.Text}, {"text/html", out.HTML}} {
		var ph gomail.InlineHeader
		ph.SetContentType(p.ct, map[string]string{"charset": "utf-8"})
		w, err := iw.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("create %s part: %w", p.ct, err)
		}
		if _, err := io.WriteString(w, p.body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
