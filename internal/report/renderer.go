// Package report renders the category digest and converts it to PDF.
// Rendering stays behind small interfaces so the pipeline does not care
// which template or converter binary is in use.
package report

import (
	"fmt"
	"html/template"
	"strings"
	"time"

	"newswatch/internal/run"
)

// Digest is the rendered report for one run.
type Digest struct {
	Subject string
	HTML    string
}

// Renderer produces the digest for a finished collection stage.
type Renderer interface {
	Render(category string, at time.Time, findings []run.Finding) (Digest, error)
}

type htmlRenderer struct {
	tmpl    *template.Template
	company string
}

// NewHTMLRenderer builds the default digest renderer.
func NewHTMLRenderer(company string) (Renderer, error) {
	t, err := template.New("digest").Parse(digestTemplate)
	if err != nil {
		return nil, err
	}
	if company == "" {
		company = "newswatch"
	}
	return &htmlRenderer{tmpl: t, company: company}, nil
}

type severityGroup struct {
	Severity run.Severity
	Findings []run.Finding
}

type digestData struct {
	Category   string
	Company    string
	Date       string
	Total      int
	Counts     map[run.Severity]int
	Groups     []severityGroup
	HasEntries bool
}

var severityOrder = []run.Severity{
	run.SeverityCritical, run.SeverityWatch, run.SeverityMonitor, run.SeverityStable,
}

func (r *htmlRenderer) Render(category string, at time.Time, findings []run.Finding) (Digest, error) {
	counts := map[run.Severity]int{}
	byServ := map[run.Severity][]run.Finding{}
	for _, f := range findings {
		counts[f.Severity]++
		byServ[f.Severity] = append(byServ[f.Severity], f)
	}

	var groups []severityGroup
	for _, sev := range severityOrder {
		if len(byServ[sev]) > 0 {
			groups = append(groups, severityGroup{Severity: sev, Findings: byServ[sev]})
		}
	}

	data := digestData{
		Category:   category,
		Company:    r.company,
		Date:       at.Format("2006-01-02"),
		Total:      len(findings),
		Counts:     counts,
		Groups:     groups,
		HasEntries: len(findings) > 0,
	}

	var b strings.Builder
	if err := r.tmpl.Execute(&b, data); err != nil {
		return Digest{}, fmt.Errorf("render digest: %w", err)
	}

	return Digest{
		Subject: fmt.Sprintf("%s insurer digest - %s", category, data.Date),
		HTML:    b.String(),
	}, nil
}

const digestTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><style>
body { font-family: Arial, sans-serif; font-size: 10pt; color: #222; }
h1 { font-size: 14pt; }
h2 { font-size: 11pt; border-bottom: 1px solid #ccc; padding-bottom: 2px; }
.severity-Critical h2 { color: #b00020; }
.severity-Watch h2 { color: #b06000; }
.item { margin-bottom: 10px; }
.meta { color: #666; font-size: 8pt; }
</style></head>
<body>
<h1>{{.Company}} - {{.Category}} digest ({{.Date}})</h1>
{{if not .HasEntries}}
<p>No relevant findings in this run.</p>
{{else}}
<p>{{.Total}} finding(s).
{{range $sev, $n := .Counts}} {{$sev}}: {{$n}}.{{end}}</p>
{{range .Groups}}
<div class="severity-{{.Severity}}">
<h2>{{.Severity}}</h2>
{{range .Findings}}
<div class="item">
<strong>{{.Insurer}}</strong> - {{.Title}}<br>
{{if .Summary}}{{.Summary}}<br>{{end}}
<span class="meta">{{.SourceName}}{{if .SourceURL}} - <a href="{{.SourceURL}}">{{.SourceURL}}</a>{{end}}</span>
</div>
{{end}}
</div>
{{end}}
{{end}}
</body>
</html>`
