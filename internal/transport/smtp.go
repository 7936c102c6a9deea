package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-notification-service/internal/config"
	"otp-notification-service/internal/util"
)

// SMTPSender delivers HTML email over implicit TLS (port 465). Each send
// opens a fresh connection; the dispatch pipeline bounds concurrency, so
// connection pooling buys little here.
type SMTPSender struct {
	host     string
	port     string
	username string
	password string
	from     string
}

func NewSMTPSender(cfg *config.Config) *SMTPSender {
	smtpConfig := cfg.SMTP
	return &SMTPSender{
		host:     smtpConfig.Host,
		port:     smtpConfig.Port,
		username: smtpConfig.Username,
		password: smtpConfig.Password,
		from:     smtpConfig.From,
	}
}

func (s *SMTPSender) SendMail(ctx context.Context, to, subject, html string) (string, error) {
	messageID := uuid.New().String()

	msg := []byte(
		fmt.Sprintf("From: %s\r\n", s.from) +
			fmt.Sprintf("To: %s\r\n", to) +
			fmt.Sprintf("Subject: %s\r\n", subject) +
			fmt.Sprintf("Message-ID: <%s@%s>\r\n", messageID, s.host) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=\"utf-8\"\r\n" +
			"\r\n" +
			html,
	)

	serverAddr := s.host + ":" + s.port

	tlsConfig := &tls.Config{
		ServerName: s.host,
	}

	dialer := &tls.Dialer{Config: tlsConfig}
	conn, err := dialer.DialContext(ctx, "tcp", serverAddr)
	if err != nil {
		return "", fmt.Errorf("failed to dial smtp server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		return "", fmt.Errorf("failed to create smtp client: %w", err)
	}
	defer client.Quit()

	if s.username != "" {
		auth := smtp.PlainAuth("", s.username, s.password, s.host)
		if err := client.Auth(auth); err != nil {
			return "", fmt.Errorf("smtp auth failed: %w", err)
		}
	}

	if err := client.Mail(s.from); err != nil {
		return "", fmt.Errorf("smtp MAIL failed: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return "", fmt.Errorf("smtp RCPT failed: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return "", fmt.Errorf("smtp DATA failed: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return "", fmt.Errorf("failed to write smtp message: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize smtp message: %w", err)
	}

	util.Debug("Email sent",
		zap.String("to", to),
		zap.String("message_id", messageID))

	return messageID, nil
}
