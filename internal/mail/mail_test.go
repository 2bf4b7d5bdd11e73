package mail

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"
)

type captured struct {
	addr string
	from string
	to   []string
	msg  string
}

func newTestSender(c *captured, err error) *SMTPSender {
	return &SMTPSender{
		addr: "mail.example:25",
		send: func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
			c.addr, c.from, c.to, c.msg = addr, from, to, string(msg)
			return err
		},
		now: func() time.Time { return time.Date(2023, 1, 16, 2, 0, 0, 0, time.UTC) },
	}
}

func TestSend_Envelope(t *testing.T) {
	var c captured
	s := newTestSender(&c, nil)

	err := s.Send(context.Background(), Message{
		From:    "koaadmin@keck.hawaii.edu",
		To:      []string{"pi@example.edu"},
		Bcc:     []string{"koaadmin@keck.hawaii.edu"},
		Subject: "Your data\nhas arrived",
		Body:    "line one\nline two",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if c.addr != "mail.example:25" {
		t.Errorf("expected relay address, got %q", c.addr)
	}
	if len(c.to) != 2 || c.to[1] != "koaadmin@keck.hawaii.edu" {
		t.Errorf("expected bcc in envelope recipients, got %v", c.to)
	}
	if strings.Contains(c.msg, "Bcc") {
		t.Errorf("bcc must not appear in headers:\n%s", c.msg)
	}
	if !strings.Contains(c.msg, "Subject: Your data has arrived\r\n") {
		t.Errorf("expected folded subject, got:\n%s", c.msg)
	}
	if !strings.HasSuffix(c.msg, "line one\r\nline two") {
		t.Errorf("expected CRLF body, got %q", c.msg)
	}
}

func TestSend_NoRecipients(t *testing.T) {
	var c captured
	s := newTestSender(&c, nil)

	err := s.Send(context.Background(), Message{From: "a@b", Subject: "x"})
	if !errors.Is(err, ErrNoRecipients) {
		t.Errorf("expected ErrNoRecipients, got %v", err)
	}
}

func TestSend_TransportError(t *testing.T) {
	var c captured
	s := newTestSender(&c, errors.New("connection refused"))

	err := s.Send(context.Background(), Message{From: "a@b", To: []string{"c@d"}})
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("expected wrapped transport error, got %v", err)
	}
}

func TestSend_CanceledContext(t *testing.T) {
	var c captured
	s := newTestSender(&c, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Send(ctx, Message{From: "a@b", To: []string{"c@d"}}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if c.msg != "" {
		t.Error("expected no delivery attempt")
	}
}
