package allowlist

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/shlex"

	"github.com/openclaw/execd/internal/execpolicy"
)

// Mechanisms that can satisfy a segment.
const (
	SatisfiedByAllowlist = "allowlist"
	SatisfiedBySafeBins  = "safeBins"
)

// DefaultSafeBins lists binaries considered incapable of executing further
// code, safe to run with arbitrary (quoting-sanitized) arguments.
var DefaultSafeBins = []string{
	"cat", "ls", "head", "tail", "wc", "sort", "uniq", "grep",
	"pwd", "echo", "date", "whoami", "hostname", "uname", "uptime",
	"stat", "file", "du", "df", "which", "whereis",
	"basename", "dirname", "readlink", "realpath",
	"env", "printenv", "tr", "cut", "true", "false",
}

// SegmentAnalysis is the evaluation of one pipeline/sequence segment.
type SegmentAnalysis struct {
	Raw          string
	Argv         []string
	Executable   string
	ResolvedPath string
	SatisfiedBy  string // "allowlist" or "safeBins"; empty when unsatisfied
	OK           bool   // parse + resolution succeeded
	Heredoc      bool
}

// Analysis is the evaluation of a full command string.
type Analysis struct {
	Command                 string
	Segments                []SegmentAnalysis
	AnalysisOK              bool
	AllowlistSatisfied      bool
	RequiresHeredocApproval bool
}

// ResolvedPaths returns the resolved executable path of every segment that
// resolved, deduplicated in order.
func (a Analysis) ResolvedPaths() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, seg := range a.Segments {
		if seg.ResolvedPath == "" {
			continue
		}
		if _, ok := seen[seg.ResolvedPath]; ok {
			continue
		}
		seen[seg.ResolvedPath] = struct{}{}
		out = append(out, seg.ResolvedPath)
	}
	return out
}

// AllSegmentsKnown reports whether analysis succeeded and every segment was
// vouched for by the allowlist or the safe-bin set, independent of the
// security level. Ask-level "unknown" keys off this.
func (a Analysis) AllSegmentsKnown() bool {
	if !a.AnalysisOK || len(a.Segments) == 0 {
		return false
	}
	for _, seg := range a.Segments {
		if seg.SatisfiedBy == "" {
			return false
		}
	}
	return true
}

// SafeBinSegments reports whether any segment was satisfied only via the
// safe-bin set (those are the segments the sanitizer must re-quote).
func (a Analysis) SafeBinSegments() bool {
	for _, seg := range a.Segments {
		if seg.SatisfiedBy == SatisfiedBySafeBins {
			return true
		}
	}
	return false
}

// Evaluator checks a command's segments against the persisted allowlist and
// the safe-bin set.
type Evaluator struct {
	store       *Store
	safeBins    map[string]struct{}
	safeBinDirs []string
	logger      *slog.Logger
}

// NewEvaluator creates an evaluator. Empty safeBins falls back to
// DefaultSafeBins; safeBinDirs are trusted directories searched after PATH.
func NewEvaluator(store *Store, safeBins []string, safeBinDirs []string, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	if len(safeBins) == 0 {
		safeBins = DefaultSafeBins
	}
	set := make(map[string]struct{}, len(safeBins))
	for _, b := range safeBins {
		set[b] = struct{}{}
	}
	return &Evaluator{
		store:       store,
		safeBins:    set,
		safeBinDirs: safeBinDirs,
		logger:      logger.With("component", "allowlist_evaluator"),
	}
}

// Evaluate splits the command into segments, resolves each executable, and
// checks allowlist/safe-bin membership. It never mutates the store.
func (e *Evaluator) Evaluate(agentID, command, cwd string, env map[string]string, security execpolicy.SecurityLevel) Analysis {
	analysis := Analysis{Command: command, AnalysisOK: true}

	var entries []Entry
	if e.store != nil {
		var err error
		entries, err = e.store.Entries(agentID)
		if err != nil {
			e.logger.Warn("read allowlist", "agent", agentID, "error", err)
			analysis.AnalysisOK = false
		}
	}

	segments := SplitSegments(command)
	if len(segments) == 0 {
		analysis.AnalysisOK = false
	}

	allSatisfied := len(segments) > 0
	for _, raw := range segments {
		seg := e.evaluateSegment(raw, cwd, env, entries)
		if seg.Heredoc {
			analysis.RequiresHeredocApproval = true
		}
		if !seg.OK {
			analysis.AnalysisOK = false
		}
		if seg.SatisfiedBy == "" {
			allSatisfied = false
		}
		analysis.Segments = append(analysis.Segments, seg)
	}

	// allowlistSatisfied only applies under security=allowlist and a fully
	// understood command.
	analysis.AllowlistSatisfied = security == execpolicy.SecurityAllowlist &&
		analysis.AnalysisOK && allSatisfied

	return analysis
}

func (e *Evaluator) evaluateSegment(raw, cwd string, env map[string]string, entries []Entry) SegmentAnalysis {
	seg := SegmentAnalysis{Raw: raw}

	argv, err := shlex.Split(raw)
	if err != nil || len(argv) == 0 {
		return seg
	}
	seg.Argv = argv
	seg.Executable = argv[0]

	// Heredoc bodies are not analyzed, so any << token is an explicit extra
	// approval gate even when the segment is otherwise satisfied.
	for _, tok := range argv {
		if strings.Contains(tok, "<<") {
			seg.Heredoc = true
			break
		}
	}

	resolved, ok := e.resolveExecutable(argv[0], cwd, env)
	if !ok {
		return seg
	}
	seg.ResolvedPath = resolved
	seg.OK = true

	name := filepath.Base(resolved)
	for _, entry := range entries {
		if entry.Pattern == resolved || entry.Pattern == name {
			seg.SatisfiedBy = SatisfiedByAllowlist
			return seg
		}
	}
	if _, safe := e.safeBins[name]; safe {
		seg.SatisfiedBy = SatisfiedBySafeBins
	}
	return seg
}

// resolveExecutable resolves the first token of a segment to an absolute
// binary path using cwd, the caller's PATH, and the trusted safe-bin dirs.
func (e *Evaluator) resolveExecutable(token, cwd string, env map[string]string) (string, bool) {
	if token == "" {
		return "", false
	}

	if strings.Contains(token, "/") {
		path := token
		if !filepath.IsAbs(path) {
			path = filepath.Join(cwd, path)
		}
		path = filepath.Clean(path)
		if isExecutable(path) {
			return path, true
		}
		return "", false
	}

	pathVar := env["PATH"]
	if pathVar == "" {
		pathVar = os.Getenv("PATH")
	}
	dirs := filepath.SplitList(pathVar)
	dirs = append(dirs, e.safeBinDirs...)
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, token)
		if isExecutable(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// SplitSegments splits a command on unquoted |, ||, &&, ; and newlines.
// Quoted separators stay inside their segment.
func SplitSegments(command string) []string {
	var segments []string
	var cur strings.Builder

	flush := func() {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			segments = append(segments, s)
		}
		cur.Reset()
	}

	var inSingle, inDouble, escaped bool
	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		c := runes[i]

		if escaped {
			cur.WriteRune(c)
			escaped = false
			continue
		}
		switch {
		case c == '\\' && !inSingle:
			cur.WriteRune(c)
			escaped = true
			continue
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		}
		if inSingle || inDouble {
			cur.WriteRune(c)
			continue
		}

		switch c {
		case '\n', ';':
			flush()
			continue
		case '|':
			if i+1 < len(runes) && runes[i+1] == '|' {
				i++
			}
			flush()
			continue
		case '&':
			if i+1 < len(runes) && runes[i+1] == '&' {
				i++
				flush()
				continue
			}
			// A single & (background) stays within the segment.
		}
		cur.WriteRune(c)
	}
	flush()
	return segments
}
