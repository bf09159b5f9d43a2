package alerts

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// SMTPOptions configure email delivery of budget alerts.
type SMTPOptions struct {
	Host           string
	Port           int
	Username       string
	Password       string
	From           string
	UseTLS         bool
	SkipTLSVerify  bool
	ConnectTimeout time.Duration
}

// SMTPSink emails budget alerts to the channels' recipients.
type SMTPSink struct {
	opts SMTPOptions
}

func NewSMTPSink(opts SMTPOptions, _ *slog.Logger) Sink {
	if strings.TrimSpace(opts.Host) == "" || opts.Port == 0 || strings.TrimSpace(opts.From) == "" {
		return nil
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	return &SMTPSink{opts: opts}
}

func (s *SMTPSink) Notify(ctx context.Context, payload Payload) error {
	if s == nil {
		return nil
	}
	recipients := payload.Channels.Emails
	if len(recipients) == 0 {
		return nil
	}

	msg := buildEmailMessage(s.opts.From, recipients, payload)
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	client, err := s.newClient(ctx, addr)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Mail(s.opts.From); err != nil {
		client.Quit()
		return err
	}
	for _, rcpt := range recipients {
		if strings.TrimSpace(rcpt) == "" {
			continue
		}
		if err := client.Rcpt(rcpt); err != nil {
			client.Quit()
			return err
		}
	}
	wc, err := client.Data()
	if err != nil {
		client.Quit()
		return err
	}
	if _, err := wc.Write(msg); err != nil {
		_ = wc.Close()
		client.Quit()
		return err
	}
	if err := wc.Close(); err != nil {
		client.Quit()
		return err
	}
	return client.Quit()
}

func (s *SMTPSink) newClient(ctx context.Context, addr string) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: s.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	host := s.opts.Host
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if s.opts.UseTLS {
		tlsCfg := &tls.Config{ServerName: host, InsecureSkipVerify: s.opts.SkipTLSVerify}
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsCfg); err != nil {
				client.Close()
				return nil, err
			}
		}
	}

	if strings.TrimSpace(s.opts.Username) != "" {
		auth := smtp.PlainAuth("", s.opts.Username, s.opts.Password, host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}

func buildEmailMessage(from string, to []string, payload Payload) []byte {
	subject := fmt.Sprintf("[Token budget %s] %s via %s",
		strings.ToUpper(string(payload.Level)), payload.Agent, payload.Provider)

	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("From: %s\r\n", from))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(to, ",")))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(formatEmailBody(payload))
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func formatEmailBody(payload Payload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent: %s\n", payload.Agent)
	fmt.Fprintf(&b, "Provider: %s\n", payload.Provider)
	fmt.Fprintf(&b, "Month: %s\n", payload.Month)
	fmt.Fprintf(&b, "Level: %s\n", strings.ToUpper(string(payload.Level)))
	fmt.Fprintf(&b, "Usage: %.1f%% (%d of %d tokens)\n",
		payload.UsagePercent, payload.TotalTokens, payload.MonthlyLimit)
	fmt.Fprintf(&b, "Remaining: %d tokens\n", payload.RemainingTokens)
	fmt.Fprintf(&b, "Timestamp: %s\n", payload.Timestamp.UTC().Format(time.RFC3339))
	return b.String()
}
