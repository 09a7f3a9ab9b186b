package worker

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Inspector is an optional interface for workers that only report findings and
// never rewrite content. The engine takes a shared lock for such steps.
type Inspector interface {
	InspectOnly() bool
}

// RegisterBuiltins wires the stock worker set into a registry.
func RegisterBuiltins(reg *Registry) error {
	for _, w := range []Worker{
		&SecurityAudit{},
		&ComplexityReport{},
		&Dedupe{},
		&Format{},
	} {
		if err := reg.Register(w); err != nil {
			return err
		}
	}
	return nil
}

// contentCost is the metered cost of touching content of this size: one unit
// per started kilobyte, minimum one.
func contentCost(content []byte) int64 {
	cost := int64(len(content)) / 1024
	if cost < 1 {
		cost = 1
	}
	return cost
}

var auditPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bunsafe\.\w+`),
	regexp.MustCompile(`\bexec\.Command\b`),
	regexp.MustCompile(`\beval\s*\(`),
	regexp.MustCompile(`\bsystem\s*\(`),
	regexp.MustCompile(`\bgets\s*\(`),
	regexp.MustCompile(`\bstrcpy\s*\(`),
	regexp.MustCompile(`\bsprintf\s*\(`),
	regexp.MustCompile(`\bsubprocess\.`),
	regexp.MustCompile(`\bos\.system\b`),
}

// SecurityAudit reports lines that use constructs from the unsafe pattern
// table. It proposes no content changes.
type SecurityAudit struct{}

func (*SecurityAudit) Type() string      { return "security-audit" }
func (*SecurityAudit) InspectOnly() bool { return true }

func (*SecurityAudit) Process(ctx context.Context, content []byte, wctx Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{CostUsed: contentCost(content)}
	for i, line := range strings.Split(string(content), "\n") {
		for _, pat := range auditPatterns {
			if m := pat.FindString(line); m != "" {
				res.Findings = append(res.Findings, Finding{
					Message:  fmt.Sprintf("unsafe construct %q", m),
					Line:     i + 1,
					Severity: "critical",
				})
			}
		}
	}
	return res, nil
}

// ComplexityReport flags files whose nesting depth exceeds the planning
// threshold that selected this worker. Findings only.
type ComplexityReport struct{}

func (*ComplexityReport) Type() string      { return "complexity-reduce" }
func (*ComplexityReport) InspectOnly() bool { return true }

func (*ComplexityReport) Process(ctx context.Context, content []byte, wctx Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{CostUsed: contentCost(content)}
	if wctx.Signals.NestingDepth > 0 {
		res.Findings = append(res.Findings, Finding{
			Message:  fmt.Sprintf("maximum nesting depth %d", wctx.Signals.NestingDepth),
			Severity: "warning",
		})
	}
	return res, nil
}

// Dedupe collapses consecutive duplicate lines. Only substantial lines are
// collapsed, so intentional repetition like blank separators or closing braces
// survives.
type Dedupe struct{}

func (*Dedupe) Type() string { return "dedupe" }

func (*Dedupe) Process(ctx context.Context, content []byte, wctx Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lines := strings.Split(string(content), "\n")
	out := make([]string, 0, len(lines))
	removed := 0
	for i, line := range lines {
		if i > 0 && line == lines[i-1] && len(strings.TrimSpace(line)) >= 8 {
			removed++
			continue
		}
		out = append(out, line)
	}

	res := &Result{CostUsed: contentCost(content)}
	if removed == 0 {
		return res, nil
	}
	res.NewContent = []byte(strings.Join(out, "\n"))
	res.Findings = append(res.Findings, Finding{
		Message: fmt.Sprintf("removed %d duplicate lines", removed),
	})
	return res, nil
}

// Format strips trailing whitespace and guarantees a single trailing newline.
type Format struct{}

func (*Format) Type() string { return "format" }

func (*Format) Process(ctx context.Context, content []byte, wctx Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lines := strings.Split(string(content), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	formatted := strings.TrimRight(strings.Join(lines, "\n"), "\n") + "\n"

	res := &Result{CostUsed: contentCost(content)}
	if !bytes.Equal([]byte(formatted), content) {
		res.NewContent = []byte(formatted)
	}
	return res, nil
}
