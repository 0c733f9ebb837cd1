package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Converter renders digest HTML to PDF bytes. Conversion is the one
// CPU-bound step in the pipeline; callers run it on the delivery worker
// pool, never inline.
type Converter interface {
	Convert(ctx context.Context, html []byte) ([]byte, error)
}

type execConverter struct {
	argv []string
}

// NewExecConverter wraps an external HTML-to-PDF command that reads HTML
// on stdin and writes the PDF to stdout (e.g. wkhtmltopdf -q - -).
func NewExecConverter(argv []string) (Converter, error) {
	if len(argv) == 0 {
		argv = []string{"wkhtmltopdf", "-q", "-", "-"}
	}
	if strings.TrimSpace(argv[0]) == "" {
		return nil, errors.New("pdf command is required")
	}
	return &execConverter{argv: argv}, nil
}

func (c *execConverter) Convert(ctx context.Context, html []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = bytes.NewReader(html)

	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(errb.String())
		if detail != "" {
			return nil, fmt.Errorf("pdf convert: %w: %s", err, truncate(detail, 300))
		}
		return nil, fmt.Errorf("pdf convert: %w", err)
	}
	if out.Len() == 0 {
		return nil, errors.New("pdf convert: empty output")
	}
	return out.Bytes(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
