package report

import (
	"strings"
	"testing"
	"time"

	"newswatch/internal/run"
)

func TestRenderGroupsBySeverity(t *testing.T) {
	t.Parallel()
	r, err := NewHTMLRenderer("Acme")
	if err != nil {
		t.Fatalf("NewHTMLRenderer: %v", err)
	}

	at := time.Date(2026, 8, 28, 8, 0, 0, 0, time.UTC)
	findings := []run.Finding{
		{Insurer: "Amil", Title: "liquidation ordered", Severity: run.SeverityCritical, SourceName: "valor", SourceURL: "https://example.com/1"},
		{Insurer: "Bradesco", Title: "fine announced", Severity: run.SeverityWatch},
		{Insurer: "SulAmerica", Title: "new product", Severity: run.SeverityMonitor},
	}

	d, err := r.Render("Health", at, findings)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	if d.Subject != "Health insurer digest - 2026-08-28" {
		t.Fatalf("subject = %q", d.Subject)
	}
	for _, want := range []string{"Acme", "Critical", "Watch", "Monitor", "liquidation ordered", "https://example.com/1"} {
		if !strings.Contains(d.HTML, want) {
			t.Fatalf("html missing %q", want)
		}
	}
	// severity sections come most severe first
	if strings.Index(d.HTML, ">Critical<") > strings.Index(d.HTML, ">Watch<") {
		t.Fatal("Critical section should precede Watch")
	}
	// empty severities get no section
	if strings.Contains(d.HTML, ">Stable<") {
		t.Fatal("unexpected Stable section")
	}
}

func TestRenderEmptyRun(t *testing.T) {
	t.Parallel()
	r, err := NewHTMLRenderer("")
	if err != nil {
		t.Fatalf("NewHTMLRenderer: %v", err)
	}
	d, err := r.Render("Dental", time.Now(), nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(d.HTML, "No relevant findings") {
		t.Fatalf("empty digest body: %s", d.HTML)
	}
}

func TestRenderEscapesContent(t *testing.T) {
	t.Parallel()
	r, _ := NewHTMLRenderer("")
	d, err := r.Render("Health", time.Now(), []run.Finding{
		{Insurer: "<b>x</b>", Title: "a & b", Severity: run.SeverityCritical},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(d.HTML, "<b>x</b>") {
		t.Fatal("insurer not escaped")
	}
	if !strings.Contains(d.HTML, "a &amp; b") {
		t.Fatal("title not escaped")
	}
}
