package plan

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// unsafePatterns match constructs worth a security pass regardless of
// language: process spawning, dynamic evaluation, raw memory access, and
// classic unbounded C string calls.
var unsafePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bunsafe\.\w+`),
	regexp.MustCompile(`\bexec\.Command\b`),
	regexp.MustCompile(`\beval\s*\(`),
	regexp.MustCompile(`\bsystem\s*\(`),
	regexp.MustCompile(`\bgets\s*\(`),
	regexp.MustCompile(`\bstrcpy\s*\(`),
	regexp.MustCompile(`\bsprintf\s*\(`),
	regexp.MustCompile(`\bsubprocess\.\w+`),
	regexp.MustCompile(`\bos\.system\b`),
}

// Scan performs a lightweight structural pass over the target file and
// derives the planner's input signals. It is deliberately language-agnostic:
// nesting is brace depth, structural units are opened blocks, duplicates are
// repeated normalized lines.
func Scan(path string) (Signals, error) {
	f, err := os.Open(path)
	if err != nil {
		return Signals{}, fmt.Errorf("open target: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Signals{}, fmt.Errorf("stat target: %w", err)
	}

	sig := Signals{SizeBytes: info.Size()}

	seen := make(map[string]int)
	depth := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		sig.LineCount++

		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			seen[trimmed]++
		}

		for _, re := range unsafePatterns {
			sig.UnsafeMatches += len(re.FindAllStringIndex(line, -1))
		}

		for _, ch := range line {
			switch ch {
			case '{':
				depth++
				sig.StructuralUnits++
				if depth > sig.NestingDepth {
					sig.NestingDepth = depth
				}
			case '}':
				if depth > 0 {
					depth--
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Signals{}, fmt.Errorf("scan target: %w", err)
	}

	nonEmpty := 0
	duplicated := 0
	for line, count := range seen {
		nonEmpty += count
		// Trivial lines repeat legitimately.
		if count > 1 && len(line) >= 8 {
			duplicated += count
		}
	}
	if nonEmpty > 0 {
		sig.DuplicateDensity = float64(duplicated) / float64(nonEmpty)
	}
	if sig.LineCount > 0 {
		sig.UnsafeDensity = float64(sig.UnsafeMatches) / float64(sig.LineCount)
	}

	return sig, nil
}

// signalValue resolves a rule's trigger signal against the scan result.
func signalValue(sig Signals, name string) (float64, bool) {
	switch name {
	case "size":
		return float64(sig.SizeBytes), true
	case "nesting_depth":
		return float64(sig.NestingDepth), true
	case "duplicate_density":
		return sig.DuplicateDensity, true
	case "unsafe_density":
		return sig.UnsafeDensity, true
	case "always":
		return 1, true
	default:
		return 0, false
	}
}
