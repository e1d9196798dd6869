package taint

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// TaintDescriptor is one entry of a rule's "taints" list.
type TaintDescriptor struct {
	Accordance string `yaml:"accordance"`
	Function   string `yaml:"function"`
	Attribute  string `yaml:"attribute"`
	Type       string `yaml:"type"`
	Position   *int   `yaml:"position"`
	PositionRet bool  `yaml:"-"`
	Keyword    string `yaml:"keyword"`
	Severity   int    `yaml:"severity"`
	Confidence int    `yaml:"confidence"`
}

// SinkDescriptor is one entry of a rule's "sinks" list.
type SinkDescriptor struct {
	Accordance  string `yaml:"accordance"`
	Function    string `yaml:"function"`
	Position    *int   `yaml:"position"`
	PositionRet bool   `yaml:"-"`
	Keyword     string `yaml:"keyword"`
	Severity    int    `yaml:"severity"`
	Confidence  int    `yaml:"confidence"`
}

// Rule is one rule document, keyed by ID in a RuleSet.
type Rule struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	Type       string            `yaml:"type"`
	Severity   int               `yaml:"severity"`
	Confidence int               `yaml:"confidence"`
	Template   string            `yaml:"template"`
	Taints     []TaintDescriptor `yaml:"taints"`
	Sinks      []SinkDescriptor  `yaml:"sinks"`
}

// rawDescriptor lets the YAML position field be either an integer or the
// literal string "ret".
type rawDescriptor struct {
	Accordance string `yaml:"accordance"`
	Function   string `yaml:"function"`
	Attribute  string `yaml:"attribute"`
	Type       string `yaml:"type"`
	Position   yaml.Node `yaml:"position"`
	Keyword    string `yaml:"keyword"`
	Severity   int    `yaml:"severity"`
	Confidence int    `yaml:"confidence"`
}

func (t *TaintDescriptor) UnmarshalYAML(value *yaml.Node) error {
	var raw rawDescriptor
	if err := value.Decode(&raw); err != nil {
		return err
	}
	t.Accordance = raw.Accordance
	t.Function = raw.Function
	t.Attribute = raw.Attribute
	t.Type = raw.Type
	t.Keyword = raw.Keyword
	t.Severity = raw.Severity
	t.Confidence = raw.Confidence
	pos, ret, ok := decodePosition(&raw.Position)
	if ok {
		t.PositionRet = ret
		if !ret {
			t.Position = &pos
		}
	}
	return nil
}

func (s *SinkDescriptor) UnmarshalYAML(value *yaml.Node) error {
	var raw rawDescriptor
	if err := value.Decode(&raw); err != nil {
		return err
	}
	s.Accordance = raw.Accordance
	s.Function = raw.Function
	s.Keyword = raw.Keyword
	s.Severity = raw.Severity
	s.Confidence = raw.Confidence
	pos, ret, ok := decodePosition(&raw.Position)
	if ok {
		s.PositionRet = ret
		if !ret {
			s.Position = &pos
		}
	}
	return nil
}

func decodePosition(n *yaml.Node) (pos int, ret bool, ok bool) {
	if n == nil || n.Kind == 0 {
		return 0, false, false
	}
	var asInt int
	if err := n.Decode(&asInt); err == nil {
		return asInt, false, true
	}
	var asStr string
	if err := n.Decode(&asStr); err == nil {
		return 0, asStr == "ret", true
	}
	return 0, false, false
}

// RuleSet holds the loaded taint/sink rules, pre-indexed by accordance and
// matching key so each AST visit costs O(1) per descriptor lookup instead of
// a linear scan over every rule.
type RuleSet struct {
	ByID []*Rule

	taintByFunction  map[string][]taintRef
	taintByAttribute map[string][]taintRef
	taintByType      map[string][]taintRef
	sinkByFunction   map[string][]sinkRef
}

type taintRef struct {
	rule *Rule
	d    *TaintDescriptor
}

type sinkRef struct {
	rule *Rule
	d    *SinkDescriptor
}

// NewRuleSet indexes a flat list of rules for fast lookup during traversal.
func NewRuleSet(rules []*Rule) *RuleSet {
	rs := &RuleSet{
		ByID:             rules,
		taintByFunction:  map[string][]taintRef{},
		taintByAttribute: map[string][]taintRef{},
		taintByType:      map[string][]taintRef{},
		sinkByFunction:   map[string][]sinkRef{},
	}
	for _, r := range rules {
		for i := range r.Taints {
			d := &r.Taints[i]
			switch d.Accordance {
			case "function":
				rs.taintByFunction[d.Function] = append(rs.taintByFunction[d.Function], taintRef{r, d})
			case "attribute":
				rs.taintByAttribute[d.Attribute] = append(rs.taintByAttribute[d.Attribute], taintRef{r, d})
			case "type":
				rs.taintByType[d.Type] = append(rs.taintByType[d.Type], taintRef{r, d})
			}
		}
		for i := range r.Sinks {
			d := &r.Sinks[i]
			if d.Accordance == "function" {
				rs.sinkByFunction[d.Function] = append(rs.sinkByFunction[d.Function], sinkRef{r, d})
			}
		}
	}
	return rs
}

// TaintsForFunction returns the taint descriptors whose accordance is
// "function" and whose key matches name.
func (rs *RuleSet) TaintsForFunction(name string) []taintRef { return rs.taintByFunction[name] }

// TaintsForAttribute returns the taint descriptors whose accordance is
// "attribute" and whose key matches name.
func (rs *RuleSet) TaintsForAttribute(name string) []taintRef { return rs.taintByAttribute[name] }

// SinksForFunction returns the sink descriptors whose accordance is
// "function" and whose key matches name.
func (rs *RuleSet) SinksForFunction(name string) []sinkRef { return rs.sinkByFunction[name] }

// LoadRules loads every *.yml/*.yaml file under path (or path itself, if it
// is a single file) into a RuleSet. Rules missing an "id" field are skipped;
// a rule whose regex-bearing fields fail to compile is dropped individually,
// per the error-handling design's "rule-regex compile failure" kind (taint
// rules carry no regexes themselves, but file-selection rules below do, and
// share this drop-one-keep-the-rest posture).
func LoadRules(log zerolog.Logger, path string) (*RuleSet, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("rule path: %w", err)
	}

	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("reading rule dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if ext == ".yml" || ext == ".yaml" {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
	} else {
		files = []string{path}
	}

	var rules []*Rule
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			log.Error().Err(err).Str("file", f).Msg("skipping unreadable rule file")
			continue
		}
		var doc map[string]*Rule
		if err := yaml.Unmarshal(data, &doc); err != nil {
			// A single malformed rule document is a configuration error
			// when it's the only thing loaded; here, with a directory of
			// rules, we drop the bad file and keep the rest.
			if !info.IsDir() {
				return nil, fmt.Errorf("parsing rule file %s: %w", f, err)
			}
			log.Error().Err(err).Str("file", f).Msg("skipping malformed rule file")
			continue
		}
		for id, r := range doc {
			if r == nil || r.ID == "" {
				log.Debug().Str("file", f).Str("key", id).Msg("rule missing id, skipping")
				continue
			}
			rules = append(rules, r)
		}
	}
	return NewRuleSet(rules), nil
}

// FileRuleList is one bucket's match/regex pair, as loaded from a
// file-rules YAML document.
type FileRuleList struct {
	Matches []string
	Regexes []*regexp.Regexp
}

func (l *FileRuleList) matchAny(s string) bool {
	for _, m := range l.Matches {
		if m == s {
			return true
		}
	}
	for _, re := range l.Regexes {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// FileRules is the file-selection configuration: three buckets, each
// matched against directory, name, or full path.
type FileRules struct {
	Dir  FileRuleList
	Name FileRuleList
	Path FileRuleList
}

// DefaultFileRules is used when no file-rules document is supplied: select
// setup.py and __init__.py by name only.
func DefaultFileRules() *FileRules {
	return &FileRules{
		Name: FileRuleList{Matches: []string{"setup.py", "__init__.py"}},
	}
}

type fileRuleEntry struct {
	Match string `yaml:"match"`
	Regex string `yaml:"regex"`
}

type fileRulesDoc struct {
	FileDir  []fileRuleEntry `yaml:"file_dir"`
	FileName []fileRuleEntry `yaml:"file_name"`
	FilePath []fileRuleEntry `yaml:"file_path"`
}

// LoadFileRules loads a file-rules YAML document. An empty path returns
// DefaultFileRules.
func LoadFileRules(log zerolog.Logger, path string) (*FileRules, error) {
	if path == "" {
		return DefaultFileRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file rules: %w", err)
	}
	var doc fileRulesDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing file rules: %w", err)
	}
	fr := &FileRules{}
	fr.Dir = buildRuleList(log, doc.FileDir)
	fr.Name = buildRuleList(log, doc.FileName)
	fr.Path = buildRuleList(log, doc.FilePath)
	return fr, nil
}

func buildRuleList(log zerolog.Logger, entries []fileRuleEntry) FileRuleList {
	var l FileRuleList
	for _, e := range entries {
		switch {
		case e.Match != "":
			l.Matches = append(l.Matches, e.Match)
		case e.Regex != "":
			re, err := regexp.Compile(e.Regex)
			if err != nil {
				log.Error().Err(err).Str("regex", e.Regex).Msg("dropping uncompilable file rule")
				continue
			}
			l.Regexes = append(l.Regexes, re)
		}
	}
	return l
}

// NeedScan reports whether the .py file at (dir, name, fullPath) is selected
// by any of the six match/regex lists.
func (fr *FileRules) NeedScan(dir, name, fullPath string) bool {
	if strings.ToLower(filepath.Ext(name)) != ".py" {
		return false
	}
	return fr.Dir.matchAny(dir) || fr.Name.matchAny(name) || fr.Path.matchAny(fullPath)
}
