// Package alert sends the immediate critical notification. The alert
// carries no attachment and no rendered digest so urgent findings are
// never delayed behind the slower delivery pipeline, and an alert
// failure never aborts the run.
package alert

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"newswatch/internal/config"
	"newswatch/internal/mail"
	"newswatch/internal/run"
	logx "newswatch/pkg/logx"
)

// Config controls the dispatcher.
type Config struct {
	SendTimeout time.Duration // default 15s
}

// Dispatcher scans a run's findings for critical severity and notifies
// the category's alert recipients at once.
type Dispatcher struct {
	transport   mail.Transport
	sendTimeout time.Duration
	log         logx.Logger

	mu         sync.RWMutex
	recipients map[string]config.Recipients // lower-cased category
}

func New(cfg Config, transport mail.Transport, log logx.Logger) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		transport:   transport,
		sendTimeout: cfg.SendTimeout,
		log:         log,
		recipients:  map[string]config.Recipients{},
	}
}

// SetRecipients swaps the category -> alert recipients mapping.
func (d *Dispatcher) SetRecipients(m map[string]config.Recipients) {
	cp := make(map[string]config.Recipients, len(m))
	for k, v := range m {
		cp[strings.ToLower(k)] = v
	}
	d.mu.Lock()
	d.recipients = cp
	d.mu.Unlock()
}

func (d *Dispatcher) recipientsFor(category string) (config.Recipients, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.recipients[strings.ToLower(category)]
	return r, ok
}

// CheckAndSend runs once per run, before digest delivery. The returned
// outcome is recorded on the run by the executor.
func (d *Dispatcher) CheckAndSend(ctx context.Context, category, runID string, findings []run.Finding) run.AlertOutcome {
	log := d.log.With(logx.String("category", category), logx.String("run_id", runID))

	criticals := run.Criticals(findings)
	if len(criticals) == 0 {
		return run.AlertOutcome{Status: run.AlertNone}
	}
	count := run.CountCritical(findings)

	rec, ok := d.recipientsFor(category)
	if !ok || !rec.HasPrimary() {
		log.Warn("alert.skipped", logx.Int("critical", count), logx.String("reason", "no recipients configured"))
		return run.AlertOutcome{Status: run.AlertSkipped, CriticalCount: count}
	}

	msg := mail.Message{
		To:       rec.To,
		Cc:       rec.Cc,
		Bcc:      rec.Bcc,
		Subject:  fmt.Sprintf("[CRITICAL] %s: %d insurer(s) flagged", category, count),
		HTMLBody: composeBody(category, criticals),
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	if err := d.transport.Send(sendCtx, msg); err != nil {
		log.Error("alert.failed", logx.Int("critical", count), logx.Err(err))
		return run.AlertOutcome{
			Status:        run.AlertError,
			CriticalCount: count,
			ErrorMessage:  err.Error(),
		}
	}

	log.Info("alert.sent", logx.Int("critical", count), logx.Int("recipients", msg.RecipientCount()))
	return run.AlertOutcome{
		Status:        run.AlertSent,
		Sent:          true,
		SentAt:        time.Now(),
		CriticalCount: count,
	}
}

func composeBody(category string, criticals []run.Finding) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	b.WriteString(fmt.Sprintf("<p>Critical findings for <strong>%s</strong>:</p><ul>", html.EscapeString(category)))
	for _, f := range criticals {
		b.WriteString("<li><strong>" + html.EscapeString(f.Insurer) + "</strong> - " + html.EscapeString(f.Title))
		if f.SourceURL != "" {
			b.WriteString(` (<a href="` + html.EscapeString(f.SourceURL) + `">source</a>)`)
		}
		b.WriteString("</li>")
	}
	b.WriteString("</ul><p>The full digest follows separately.</p></body></html>")
	return b.String()
}
