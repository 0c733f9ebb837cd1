package alert

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"newswatch/internal/config"
	"newswatch/internal/mail"
	"newswatch/internal/run"
	logx "newswatch/pkg/logx"
)

type captureTransport struct {
	mu   sync.Mutex
	last *mail.Message
	err  error
}

func (c *captureTransport) Send(ctx context.Context, msg mail.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	m := msg
	c.last = &m
	return nil
}

func criticalFindings() []run.Finding {
	now := time.Now()
	return []run.Finding{
		{Insurer: "Amil", Title: "judicial liquidation ordered", Severity: run.SeverityCritical, SourceURL: "https://example.com/1", PublishedAt: now},
		{Insurer: "Amil", Title: "follow-up coverage", Severity: run.SeverityCritical, PublishedAt: now},
		{Insurer: "Bradesco", Title: "fine announced", Severity: run.SeverityWatch, PublishedAt: now},
	}
}

func newDispatcher(transport mail.Transport, withRecipients bool) *Dispatcher {
	d := New(Config{}, transport, logx.Nop())
	if withRecipients {
		d.SetRecipients(map[string]config.Recipients{
			"health": {To: []string{"oncall@example.com"}},
		})
	}
	return d
}

func TestNoCriticalsMeansNoAlert(t *testing.T) {
	t.Parallel()
	transport := &captureTransport{}
	d := newDispatcher(transport, true)

	out := d.CheckAndSend(context.Background(), "Health", "r1", []run.Finding{
		{Insurer: "Amil", Title: "routine news", Severity: run.SeverityMonitor},
	})

	if out.Status != run.AlertNone {
		t.Fatalf("status = %s, want none", out.Status)
	}
	if transport.last != nil {
		t.Fatal("no alert should be sent without critical findings")
	}
}

func TestCriticalAlertSent(t *testing.T) {
	t.Parallel()
	transport := &captureTransport{}
	d := newDispatcher(transport, true)

	out := d.CheckAndSend(context.Background(), "Health", "r1", criticalFindings())

	if out.Status != run.AlertSent || !out.Sent || out.SentAt.IsZero() {
		t.Fatalf("outcome: %+v", out)
	}
	// count is distinct insurers, not findings
	if out.CriticalCount != 1 {
		t.Fatalf("critical count = %d, want 1", out.CriticalCount)
	}

	msg := transport.last
	if msg == nil {
		t.Fatal("nothing sent")
	}
	if msg.Subject != "[CRITICAL] Health: 1 insurer(s) flagged" {
		t.Fatalf("subject = %q", msg.Subject)
	}
	if msg.Attachment != nil {
		t.Fatal("alerts must not carry attachments")
	}
	if !strings.Contains(msg.HTMLBody, "judicial liquidation ordered") {
		t.Fatalf("body missing finding title: %s", msg.HTMLBody)
	}
}

func TestCriticalsWithoutRecipientsSkipped(t *testing.T) {
	t.Parallel()
	transport := &captureTransport{}
	d := newDispatcher(transport, false)

	out := d.CheckAndSend(context.Background(), "Health", "r1", criticalFindings())

	if out.Status != run.AlertSkipped {
		t.Fatalf("status = %s, want skipped", out.Status)
	}
	if out.CriticalCount != 1 {
		t.Fatalf("critical count = %d, want 1", out.CriticalCount)
	}
	if transport.last != nil {
		t.Fatal("no message expected without recipients")
	}
}

func TestTransportFailureIsRecordedNotFatal(t *testing.T) {
	t.Parallel()
	transport := &captureTransport{err: errors.New("connection reset")}
	d := newDispatcher(transport, true)

	out := d.CheckAndSend(context.Background(), "Health", "r1", criticalFindings())

	if out.Status != run.AlertError || out.Sent {
		t.Fatalf("outcome: %+v", out)
	}
	if out.ErrorMessage != "connection reset" {
		t.Fatalf("error message = %q", out.ErrorMessage)
	}
}

func TestBodyEscapesHTML(t *testing.T) {
	t.Parallel()
	transport := &captureTransport{}
	d := newDispatcher(transport, true)

	d.CheckAndSend(context.Background(), "Health", "r1", []run.Finding{
		{Insurer: "<script>", Title: "a & b", Severity: run.SeverityCritical},
	})

	if transport.last == nil {
		t.Fatal("nothing sent")
	}
	body := transport.last.HTMLBody
	if strings.Contains(body, "<script>") {
		t.Fatal("insurer name not escaped")
	}
	if !strings.Contains(body, "a &amp; b") {
		t.Fatalf("title not escaped: %s", body)
	}
}
