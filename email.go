package authkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/smtp"
)

// EmailMessage is the single shape handed to every sender backend.
type EmailMessage struct {
	To      string
	From    string
	Subject string
	HTML    string
}

// EmailService delivers magic-link and 2FA mail. Failures propagate to the
// caller as delivery errors; the core does not retry.
type EmailService interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// ConsoleEmailSender is a development implementation that logs messages
// instead of delivering them.
type ConsoleEmailSender struct{}

func (c *ConsoleEmailSender) Send(ctx context.Context, msg EmailMessage) error {
	log.Printf("\n=== EMAIL ===")
	log.Printf("To: %s", msg.To)
	log.Printf("Subject: %s", msg.Subject)
	log.Printf("Body: %s", msg.HTML)
	log.Printf("=============\n")
	return nil
}

// SMTPEmailSender delivers through a plain SMTP relay.
type SMTPEmailSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (s *SMTPEmailSender) Send(ctx context.Context, msg EmailMessage) error {
	from := msg.From
	if from == "" {
		from = s.From
	}
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)

	var body bytes.Buffer
	fmt.Fprintf(&body, "From: %s\r\n", from)
	fmt.Fprintf(&body, "To: %s\r\n", msg.To)
	fmt.Fprintf(&body, "Subject: %s\r\n", msg.Subject)
	body.WriteString("MIME-Version: 1.0\r\n")
	body.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	body.WriteString("\r\n")
	body.WriteString(msg.HTML)

	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	if err := smtp.SendMail(addr, auth, from, []string{msg.To}, body.Bytes()); err != nil {
		return fmt.Errorf("smtp delivery failed: %w", err)
	}
	return nil
}

// APIEmailSender delivers through a hosted transactional-email HTTP API
// (JSON POST with a bearer key).
type APIEmailSender struct {
	Endpoint   string
	APIKey     string
	From       string
	HTTPClient *http.Client
}

func (s *APIEmailSender) client() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}

func (s *APIEmailSender) Send(ctx context.Context, msg EmailMessage) error {
	from := msg.From
	if from == "" {
		from = s.From
	}
	payload, err := json.Marshal(map[string]any{
		"from":    from,
		"to":      []string{msg.To},
		"subject": msg.Subject,
		"html":    msg.HTML,
	})
	if err != nil {
		return fmt.Errorf("failed to encode email payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.APIKey)

	resp, err := s.client().Do(req)
	if err != nil {
		return fmt.Errorf("email API request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("email API returned status %d", resp.StatusCode)
	}
	return nil
}
