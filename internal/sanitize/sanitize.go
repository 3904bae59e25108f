// Package sanitize rewrites safe-bin command segments with literal quoting so
// glob expansion and variable substitution cannot reach them.
package sanitize

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/shlex"

	"github.com/openclaw/execd/internal/allowlist"
)

// ErrSanitizeFailed means the command could not be re-quoted without changing
// its parse; it must not run.
var ErrSanitizeFailed = errors.New("sanitize failed: command cannot be safely quoted")

// Result is a sanitized command plus an optional warning surfaced inline.
type Result struct {
	Command string
	Warning string
}

// Command re-quotes the segments of the analysis that were satisfied only via
// the safe-bin set, leaving allowlist-satisfied segments untouched. If the
// quoted form does not reproduce the original parse, the entire command is
// quoted instead and a warning attached; if even that fails, ErrSanitizeFailed
// is returned.
func Command(analysis allowlist.Analysis) (Result, error) {
	if !analysis.SafeBinSegments() {
		return Result{Command: analysis.Command}, nil
	}

	rewritten := analysis.Command
	ok := true
	for _, seg := range analysis.Segments {
		if seg.SatisfiedBy != allowlist.SatisfiedBySafeBins {
			continue
		}
		quoted, err := quoteSegment(seg.Argv)
		if err != nil {
			ok = false
			break
		}
		replaced := strings.Replace(rewritten, seg.Raw, quoted, 1)
		if replaced == rewritten && seg.Raw != quoted {
			ok = false
			break
		}
		rewritten = replaced
	}
	if ok {
		return Result{Command: rewritten}, nil
	}

	// Parser mismatch: fall back to quoting the whole command.
	argv, err := shlex.Split(analysis.Command)
	if err != nil || len(argv) == 0 {
		return Result{}, ErrSanitizeFailed
	}
	whole, err := quoteSegment(argv)
	if err != nil {
		return Result{}, ErrSanitizeFailed
	}
	return Result{
		Command: whole,
		Warning: "sanitizer quoted the entire command (segment rewrite did not reproduce the original parse)",
	}, nil
}

// quoteSegment renders argv with each token single-quoted, then verifies the
// rendering splits back to the same argv.
func quoteSegment(argv []string) (string, error) {
	parts := make([]string, 0, len(argv))
	for _, tok := range argv {
		parts = append(parts, quoteToken(tok))
	}
	quoted := strings.Join(parts, " ")

	reparsed, err := shlex.Split(quoted)
	if err != nil {
		return "", fmt.Errorf("requote verification: %w", err)
	}
	if len(reparsed) != len(argv) {
		return "", fmt.Errorf("requote verification: token count %d != %d", len(reparsed), len(argv))
	}
	for i := range argv {
		if reparsed[i] != argv[i] {
			return "", fmt.Errorf("requote verification: token %d mismatch", i)
		}
	}
	return quoted, nil
}

// quoteToken single-quotes a token, escaping embedded single quotes with the
// '\'' idiom. Tokens already shell-inert are left bare.
func quoteToken(tok string) string {
	if tok != "" && !strings.ContainsAny(tok, " \t\n'\"\\$`*?[]{}()<>|&;~#!") {
		return tok
	}
	return "'" + strings.ReplaceAll(tok, "'", `'\''`) + "'"
}
