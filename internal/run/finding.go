package run

import "time"

// Severity is the classification ladder for findings, most severe first.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityWatch    Severity = "Watch"
	SeverityMonitor  Severity = "Monitor"
	SeverityStable   Severity = "Stable"
)

// severityRank orders severities for sorting; lower is more severe.
var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityWatch:    1,
	SeverityMonitor:  2,
	SeverityStable:   3,
}

// Rank returns the sort rank of s (unknown severities sort last).
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return len(severityRank)
}

// Finding is one classified news item produced by the findings collaborator.
type Finding struct {
	Insurer     string    `json:"insurer"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary,omitempty"`
	SourceName  string    `json:"source_name,omitempty"`
	SourceURL   string    `json:"source_url,omitempty"`
	PublishedAt time.Time `json:"published_at,omitzero"`
	Severity    Severity  `json:"severity"`
}

// CountCritical returns the number of distinct insurers with a critical finding.
func CountCritical(findings []Finding) int {
	seen := map[string]struct{}{}
	for _, f := range findings {
		if f.Severity != SeverityCritical {
			continue
		}
		seen[f.Insurer] = struct{}{}
	}
	return len(seen)
}

// Criticals returns only the critical findings, preserving order.
func Criticals(findings []Finding) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Severity == SeverityCritical {
			out = append(out, f)
		}
	}
	return out
}
