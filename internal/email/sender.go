package email

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/gomail.v2"
)

// Message is one outbound follow-up. Context carries the original
// application's details (company, position, original send date, attempt).
type Message struct {
	To       string
	Subject  string
	HTMLBody string
	Context  map[string]string
}

// Sender submits a message. Implementations do not retry; the scheduler owns
// retry policy.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// dialer is satisfied by *gomail.Dialer.
type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	dial dialer
}

func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	return &SMTPSender{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		dial:     gomail.NewDialer(host, port, username, password),
	}
}

// Send hands the message to the SMTP server. gomail has no context support,
// so a send already on the wire runs to completion.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.dial.DialAndSend(s.buildMessage(msg)); err != nil {
		return fmt.Errorf("smtp send error: %w", err)
	}

	return nil
}

func (s *SMTPSender) buildMessage(msg Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)

	keys := make([]string, 0, len(msg.Context))
	for k := range msg.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.SetHeader(headerName(k), msg.Context[k])
	}

	m.SetBody("text/html", msg.HTMLBody)
	return m
}

// headerName maps "original_sent_date" to "X-Followup-Original-Sent-Date".
func headerName(key string) string {
	parts := strings.FieldsFunc(key, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}
	return "X-Followup-" + strings.Join(parts, "-")
}
