// Package scanner is the scan façade: given a file, directory, or archive
// path, it extracts as needed, applies the file-selection filter, runs the
// taint analyzer over every selected .py file, and aggregates the per-file
// metrics into a total.
package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pyreposcan/pyreposcan/internal/archive"
	"github.com/pyreposcan/pyreposcan/internal/taint"
	"github.com/pyreposcan/pyreposcan/internal/taint/pyast"
)

// Metrics is the per-file or aggregated-total accounting block.
type Metrics struct {
	Files  int `json:"files"`
	Lines  int `json:"lines"`
	Count  int `json:"cnt"`
	Low    int `json:"low"`
	Medium int `json:"medium"`
	High   int `json:"high"`
}

func (m *Metrics) add(o Metrics) {
	m.Files += o.Files
	m.Lines += o.Lines
	m.Count += o.Count
	m.Low += o.Low
	m.Medium += o.Medium
	m.High += o.High
}

func (m *Metrics) accountIssues(issues []taint.Issue) {
	m.Count += len(issues)
	for _, iss := range issues {
		switch {
		case iss.Severity >= taint.High:
			m.High++
		case iss.Severity >= taint.Medium:
			m.Medium++
		default:
			m.Low++
		}
	}
}

// FileResult is one analyzed .py file's findings.
type FileResult struct {
	Path    string       `json:"path"`
	Metrics Metrics      `json:"metrics"`
	Issues  []taint.Issue `json:"issues"`
}

// Result is the payload returned by Scan.
type Result struct {
	ImportName   []string     `json:"import_name"`
	ScannedFiles []string     `json:"scanned_files"`
	Metrics      Metrics      `json:"metrics"`
	Files        []FileResult `json:"files"`
	Issues       []taint.Issue `json:"issues"`
	TotalTime    time.Duration `json:"total_time"`
}

// Scanner holds the configuration shared across Scan calls: the taint rule
// set and the file-selection filter, both populated once at construction and
// read-only thereafter.
type Scanner struct {
	Rules      *taint.RuleSet
	FileRules  *taint.FileRules
	ScratchDir string
	Log        zerolog.Logger
}

// New constructs a Scanner. A zero ScratchDir defaults to os.TempDir().
func New(rules *taint.RuleSet, fileRules *taint.FileRules, scratchDir string, log zerolog.Logger) *Scanner {
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	if fileRules == nil {
		fileRules = taint.DefaultFileRules()
	}
	return &Scanner{Rules: rules, FileRules: fileRules, ScratchDir: scratchDir, Log: log}
}

// Scan dispatches on path shape: .tar.gz and .whl are extracted to a
// scratch directory and the extraction is removed afterward (success or
// failure); .py is analyzed directly; a directory is walked with the
// file-selection filter.
func (s *Scanner) Scan(ctx context.Context, path string) (Result, error) {
	start := time.Now()
	lower := strings.ToLower(path)

	switch {
	case strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz"):
		dir, err := archive.ExtractTarGz(path, s.ScratchDir)
		if err != nil {
			return Result{}, fmt.Errorf("extracting tar.gz: %w", err)
		}
		defer archive.RemoveAll(dir)
		return s.scanDir(ctx, dir, start)

	case strings.HasSuffix(lower, ".whl"):
		dir, err := archive.ExtractWheel(path, s.ScratchDir)
		if err != nil {
			return Result{}, fmt.Errorf("extracting wheel: %w", err)
		}
		defer archive.RemoveAll(dir)
		return s.scanDir(ctx, dir, start)

	case strings.HasSuffix(lower, ".py"):
		fr, err := s.analyzeFile(ctx, path)
		if err != nil {
			return Result{}, err
		}
		res := Result{ScannedFiles: []string{path}, Files: []FileResult{fr}}
		res.Metrics.add(fr.Metrics)
		res.Issues = append(res.Issues, fr.Issues...)
		res.TotalTime = time.Since(start)
		return res, nil

	default:
		info, err := os.Stat(path)
		if err != nil {
			return Result{}, fmt.Errorf("stat %q: %w", path, err)
		}
		if !info.IsDir() {
			return Result{}, fmt.Errorf("scanner: unrecognized path shape %q", path)
		}
		return s.scanDir(ctx, path, start)
	}
}

func (s *Scanner) scanDir(ctx context.Context, dir string, start time.Time) (Result, error) {
	res := Result{}
	res.ImportName = parseImportName(dir)

	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		relDir, relErr := filepath.Rel(dir, filepath.Dir(p))
		if relErr != nil {
			relDir = filepath.Dir(p)
		}
		if !s.FileRules.NeedScan(relDir, name, p) {
			return nil
		}
		fr, err := s.analyzeFile(ctx, p)
		if err != nil {
			s.Log.Error().Err(err).Str("file", p).Msg("skipping file after parse error")
			return nil
		}
		res.ScannedFiles = append(res.ScannedFiles, p)
		res.Files = append(res.Files, fr)
		res.Metrics.add(fr.Metrics)
		res.Issues = append(res.Issues, fr.Issues...)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("walking %q: %w", dir, err)
	}
	res.TotalTime = time.Since(start)
	return res, nil
}

func (s *Scanner) analyzeFile(ctx context.Context, path string) (FileResult, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return FileResult{}, fmt.Errorf("reading %q: %w", path, err)
	}

	arena, root, err := pyast.Build(ctx, src)
	if err != nil {
		return FileResult{}, fmt.Errorf("parsing %q: %w", path, err)
	}

	v := taint.NewVisitor(s.Rules, path, s.Log)
	*v.Arena() = *arena
	issues := v.Analyze(root)

	fr := FileResult{Path: path, Issues: issues}
	fr.Metrics.Files = 1
	fr.Metrics.Lines = strings.Count(string(src), "\n") + 1
	fr.Metrics.accountIssues(issues)
	return fr, nil
}

// parseImportName derives the import-name list from directory layout: each
// topmost directory under root that contains an __init__.py contributes its
// basename; subdirectories of an already-recorded top are not re-recorded.
func parseImportName(root string) []string {
	var names []string
	seen := map[string]bool{}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)

	var walk func(dir, name string)
	walk = func(dir, name string) {
		if seen[name] {
			return
		}
		if _, err := os.Stat(filepath.Join(dir, "__init__.py")); err == nil {
			names = append(names, name)
			seen[name] = true
			return
		}
		sub, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range sub {
			if e.IsDir() {
				walk(filepath.Join(dir, e.Name()), e.Name())
			}
		}
	}
	for _, name := range dirs {
		walk(filepath.Join(root, name), name)
	}
	return names
}
