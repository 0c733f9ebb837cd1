package feed

import (
	"strings"

	"newswatch/internal/run"
)

// KeywordClassifier is the default severity classifier: an item matches a
// category when it mentions one of the category's insurers, and its
// severity comes from keyword ladders. A classification backend can
// replace it behind the Classifier interface without touching the
// producer.
type KeywordClassifier struct {
	// insurersByCategory maps lower-cased category name to insurer names.
	insurersByCategory map[string][]string

	critical []string
	watch    []string
}

var defaultCriticalKeywords = []string{
	"liquidation", "liquidação", "bankruptcy", "falência",
	"intervention", "intervenção", "insolvency", "insolvência", "fraud", "fraude",
}

var defaultWatchKeywords = []string{
	"lawsuit", "processo", "fine", "multa", "investigation",
	"investigação", "downgrade", "regulator", "ans",
}

// NewKeywordClassifier builds the classifier. Empty keyword lists fall
// back to the defaults above.
func NewKeywordClassifier(insurersByCategory map[string][]string, critical, watch []string) *KeywordClassifier {
	if len(critical) == 0 {
		critical = defaultCriticalKeywords
	}
	if len(watch) == 0 {
		watch = defaultWatchKeywords
	}
	byCat := make(map[string][]string, len(insurersByCategory))
	for k, v := range insurersByCategory {
		byCat[strings.ToLower(k)] = v
	}
	return &KeywordClassifier{
		insurersByCategory: byCat,
		critical:           lowerAll(critical),
		watch:              lowerAll(watch),
	}
}

func (c *KeywordClassifier) Classify(category string, it Item) (run.Finding, bool) {
	text := strings.ToLower(it.Title + " " + it.Summary)

	insurer := ""
	insurers := c.insurersByCategory[strings.ToLower(category)]
	if len(insurers) > 0 {
		for _, name := range insurers {
			if strings.Contains(text, strings.ToLower(name)) {
				insurer = name
				break
			}
		}
		if insurer == "" {
			return run.Finding{}, false
		}
	} else {
		// No insurer roster for this category: keep the item, attributed
		// to its source.
		insurer = it.Source
	}

	severity := run.SeverityStable
	switch {
	case containsAny(text, c.critical):
		severity = run.SeverityCritical
	case containsAny(text, c.watch):
		severity = run.SeverityWatch
	case insurer != it.Source:
		// A direct insurer mention without alarming keywords is still
		// worth monitoring.
		severity = run.SeverityMonitor
	}

	return run.Finding{
		Insurer:     insurer,
		Title:       it.Title,
		Summary:     it.Summary,
		SourceName:  it.Source,
		SourceURL:   it.URL,
		PublishedAt: it.Published,
		Severity:    severity,
	}, true
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(text, n) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
