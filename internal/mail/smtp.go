package mail

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "newswatch/pkg/logx"
)

// SMTPConfig configures the SMTP transport.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	// Timeout bounds one full send (dial through QUIT).
	Timeout time.Duration

	// RatePerSec throttles sends so a burst of alerts cannot trip the
	// relay's abuse limits. 0 defaults to 1/s.
	RatePerSec int
}

type smtpTransport struct {
	cfg     SMTPConfig
	log     logx.Logger
	limiter *rate.Limiter
}

// NewSMTP builds the production transport.
func NewSMTP(cfg SMTPConfig, log logx.Logger) (Transport, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp from address is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &smtpTransport{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

func (t *smtpTransport) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return errors.New("smtp: no primary recipients")
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	// The smtp client has no context support; a conn deadline bounds
	// every read/write below.
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	c, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: t.cfg.Host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if t.cfg.Username != "" {
		auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(t.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range envelopeRecipients(msg) {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(buildMIME(t.cfg.From, msg)); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	if err := c.Quit(); err != nil {
		// Message was already accepted at DATA close; a failed QUIT is
		// not a delivery failure.
		t.log.Debug("smtp quit failed", logx.Err(err))
	}
	return nil
}

func envelopeRecipients(msg Message) []string {
	out := make([]string, 0, msg.RecipientCount())
	out = append(out, msg.To...)
	out = append(out, msg.Cc...)
	out = append(out, msg.Bcc...)
	return out
}

const crlf = "\r\n"

// buildMIME renders the message as multipart/mixed with an HTML body and
// an optional base64 attachment. BCC addresses stay off the headers.
func buildMIME(from string, msg Message) []byte {
	var b strings.Builder

	boundary := "newswatch-" + strconv.FormatInt(time.Now().UnixNano(), 36)

	b.WriteString("From: " + from + crlf)
	b.WriteString("To: " + strings.Join(msg.To, ", ") + crlf)
	if len(msg.Cc) > 0 {
		b.WriteString("Cc: " + strings.Join(msg.Cc, ", ") + crlf)
	}
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject) + crlf)
	b.WriteString("MIME-Version: 1.0" + crlf)
	b.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + crlf)

	if msg.Attachment == nil {
		b.WriteString(`Content-Type: text/html; charset="utf-8"` + crlf + crlf)
		b.WriteString(msg.HTMLBody)
		b.WriteString(crlf)
		return []byte(b.String())
	}

	b.WriteString(`Content-Type: multipart/mixed; boundary="` + boundary + `"` + crlf + crlf)

	b.WriteString("--" + boundary + crlf)
	b.WriteString(`Content-Type: text/html; charset="utf-8"` + crlf + crlf)
	b.WriteString(msg.HTMLBody)
	b.WriteString(crlf)

	att := msg.Attachment
	ct := att.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	b.WriteString("--" + boundary + crlf)
	b.WriteString("Content-Type: " + ct + crlf)
	b.WriteString("Content-Transfer-Encoding: base64" + crlf)
	b.WriteString(`Content-Disposition: attachment; filename="` + att.Filename + `"` + crlf + crlf)

	enc := base64.StdEncoding.EncodeToString(att.Data)
	// wrap base64 at 76 chars per RFC 2045
	for len(enc) > 76 {
		b.WriteString(enc[:76] + crlf)
		enc = enc[76:]
	}
	b.WriteString(enc + crlf)
	b.WriteString("--" + boundary + "--" + crlf)

	return []byte(b.String())
}
