package common

import (
	"fmt"
	"net/smtp"
	"strings"
)

// EmailSender defines the contract for sending emails.
type EmailSender interface {
	Send(to, subject, html string) error
}

// SMTPSender delivers mail over plain SMTP with optional auth. No mail
// library appears in the dependency set, so net/smtp carries this.
type SMTPSender struct {
	Addr     string
	From     string
	Username string
	Password string
}

// Send implements EmailSender.
func (s SMTPSender) Send(to, subject, html string) error {
	if strings.TrimSpace(s.Addr) == "" || strings.TrimSpace(s.From) == "" {
		return fmt.Errorf("smtp sender not configured")
	}
	var auth smtp.Auth
	if s.Username != "" {
		host := s.Addr
		if idx := strings.LastIndex(host, ":"); idx > 0 {
			host = host[:idx]
		}
		auth = smtp.PlainAuth("", s.Username, s.Password, host)
	}
	msg := strings.Join([]string{
		"From: " + s.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=\"UTF-8\"",
		"",
		html,
	}, "\r\n")
	return smtp.SendMail(s.Addr, auth, s.From, []string{to}, []byte(msg))
}

// InMemoryEmail provides a test-friendly email sender that records messages.
type InMemoryEmail struct {
	Outbox []Email
}

// Email represents a single email message captured by InMemoryEmail.
type Email struct {
	To      string
	Subject string
	HTML    string
}

// Send records the email in memory.
func (m *InMemoryEmail) Send(to, subject, html string) error {
	if m == nil {
		return nil
	}
	m.Outbox = append(m.Outbox, Email{To: to, Subject: subject, HTML: html})
	return nil
}

// NopEmailSender implements EmailSender without performing any action.
type NopEmailSender struct{}

// Send implements EmailSender.
func (NopEmailSender) Send(string, string, string) error { return nil }
