// Package delivery sends the rendered digest with graceful degradation:
// a failed or oversized PDF falls back to a plain HTML send, and every
// attempt is reported back as a DeliveryOutcome for the run ledger.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"newswatch/internal/config"
	"newswatch/internal/mail"
	"newswatch/internal/report"
	"newswatch/internal/run"
	logx "newswatch/pkg/logx"
)

// MaxPDFBytes is the default attachment cap (base64 inflates by ~33%).
const MaxPDFBytes = 3 * 1024 * 1024

// Config controls the delivery service.
type Config struct {
	MaxPDFBytes int64
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPDFBytes <= 0 {
		c.MaxPDFBytes = MaxPDFBytes
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// Service is the delivery pipeline.
type Service struct {
	cfg       Config
	pool      *ConvertPool
	transport mail.Transport
	log       logx.Logger

	mu         sync.RWMutex
	recipients map[string]config.Recipients // lower-cased category -> lists
}

func New(cfg Config, pool *ConvertPool, transport mail.Transport, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:        cfg.withDefaults(),
		pool:       pool,
		transport:  transport,
		log:        log,
		recipients: map[string]config.Recipients{},
	}
}

// SetRecipients swaps the category -> recipients mapping (config reload).
func (s *Service) SetRecipients(m map[string]config.Recipients) {
	cp := make(map[string]config.Recipients, len(m))
	for k, v := range m {
		cp[strings.ToLower(k)] = v
	}
	s.mu.Lock()
	s.recipients = cp
	s.mu.Unlock()
}

func (s *Service) recipientsFor(category string) (config.Recipients, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recipients[strings.ToLower(category)]
	return r, ok
}

// Deliver renders nothing itself: it takes the already-rendered digest,
// attempts PDF conversion on the worker pool, and sends the email. It
// never returns an error; every failure mode is encoded in the outcome.
func (s *Service) Deliver(ctx context.Context, category, runID string, digest report.Digest) run.DeliveryOutcome {
	log := s.log.With(logx.String("category", category), logx.String("run_id", runID))

	rec, ok := s.recipientsFor(category)
	if !ok || !rec.HasPrimary() {
		log.Info("delivery.skipped", logx.String("reason", "no primary recipients"))
		return run.DeliveryOutcome{Status: run.DeliverySkipped}
	}

	outcome := run.DeliveryOutcome{Status: run.DeliveryPending, RecipientCount: rec.Total()}

	var attachment *mail.Attachment
	pdf, err := s.pool.Convert(ctx, []byte(digest.HTML))
	switch {
	case err != nil:
		outcome.ErrorMessage = fmt.Sprintf("pdf generation failed: %v", err)
		log.Warn("delivery.pdf_failed", logx.Err(err))
	case int64(len(pdf)) > s.cfg.MaxPDFBytes:
		outcome.ErrorMessage = fmt.Sprintf("pdf size %d exceeds limit %d, sent without attachment", len(pdf), s.cfg.MaxPDFBytes)
		log.Warn("delivery.pdf_oversize", logx.Int("bytes", len(pdf)), logx.Int64("limit", s.cfg.MaxPDFBytes))
	default:
		outcome.PDFGenerated = true
		outcome.PDFSizeBytes = int64(len(pdf))
		attachment = &mail.Attachment{
			Filename:    fmt.Sprintf("%s-digest-%s.pdf", slug(category), time.Now().Format("20060102")),
			ContentType: "application/pdf",
			Data:        pdf,
		}
	}

	msg := mail.Message{
		To:         rec.To,
		Cc:         rec.Cc,
		Bcc:        rec.Bcc,
		Subject:    digest.Subject,
		HTMLBody:   digest.HTML,
		Attachment: attachment,
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	if err := s.transport.Send(sendCtx, msg); err != nil {
		outcome.Status = run.DeliveryFailed
		if outcome.ErrorMessage != "" {
			outcome.ErrorMessage += "; "
		}
		outcome.ErrorMessage += fmt.Sprintf("send failed: %v", err)
		log.Error("delivery.failed", logx.Err(err))
		return outcome
	}

	outcome.Status = run.DeliverySent
	outcome.SentAt = time.Now()
	log.Info("delivery.sent",
		logx.Int("recipients", outcome.RecipientCount),
		logx.Bool("pdf", outcome.PDFGenerated),
		logx.Int64("pdf_bytes", outcome.PDFSizeBytes))
	return outcome
}

func slug(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
}
