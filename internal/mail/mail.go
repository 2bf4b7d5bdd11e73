// Package mail sends outbound email for PI notifications and admin alerts.
package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"time"
)

var ErrNoRecipients = errors.New("mail: no recipients")

// Message is one outbound email. Bcc recipients receive the message but are
// not listed in its headers.
type Message struct {
	From    string
	To      []string
	Cc      []string
	Bcc     []string
	Subject string
	Body    string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// sendFunc matches smtp.SendMail.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender delivers through an unauthenticated relay such as the local MTA.
type SMTPSender struct {
	addr string
	send sendFunc
	now  func() time.Time
}

func NewSMTPSender(addr string) *SMTPSender {
	return &SMTPSender{addr: addr, send: smtp.SendMail, now: time.Now}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rcpt := make([]string, 0, len(msg.To)+len(msg.Cc)+len(msg.Bcc))
	rcpt = append(rcpt, msg.To...)
	rcpt = append(rcpt, msg.Cc...)
	rcpt = append(rcpt, msg.Bcc...)
	if len(rcpt) == 0 {
		return ErrNoRecipients
	}

	if err := s.send(s.addr, nil, msg.From, rcpt, s.render(msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", strings.Join(msg.To, ","), err)
	}
	return nil
}

func (s *SMTPSender) render(msg Message) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	if len(msg.To) > 0 {
		fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	}
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", headerSafe(msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(msg.Body, "\r\n", "\n"), "\n", "\r\n"))
	return b.Bytes()
}

func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
