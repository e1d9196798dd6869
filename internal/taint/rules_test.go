package taint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRuleYAML = `
R101:
  id: "R101"
  name: command-injection
  type: command_execution
  severity: 7
  confidence: 7
  template: "tainted value from {TAINT} reaches {SINK}"
  taints:
    - accordance: function
      function: input
      position: ret
      severity: 7
      confidence: 7
  sinks:
    - accordance: function
      function: os.system
      position: 0
      severity: 7
      confidence: 7
"0001":
  id: "0001"
  name: base64-decode
  type: decoder
  severity: 0
  confidence: 4
  template: "decode via {TAINT}"
  taints:
    - accordance: function
      function: base64.b64decode
      position: ret
      severity: 0
      confidence: 4
`

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "rules.yml", sampleRuleYAML)

	rs, err := LoadRules(zerolog.Nop(), dir)
	require.NoError(t, err)
	require.Len(t, rs.ByID, 2)

	taints := rs.TaintsForFunction("input")
	require.Len(t, taints, 1)
	assert.Equal(t, "R101", taints[0].rule.ID)
	assert.True(t, taints[0].d.PositionRet)

	sinks := rs.SinksForFunction("os.system")
	require.Len(t, sinks, 1)
	require.NotNil(t, sinks[0].d.Position)
	assert.Equal(t, 0, *sinks[0].d.Position)

	decoders := rs.TaintsForFunction("base64.b64decode")
	require.Len(t, decoders, 1)
	assert.Equal(t, "0001", decoders[0].rule.ID)
}

func TestLoadRulesSkipsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "good.yml", sampleRuleYAML)
	writeTempFile(t, dir, "bad.yml", "][ not yaml at all")

	rs, err := LoadRules(zerolog.Nop(), dir)
	require.NoError(t, err)
	assert.Len(t, rs.ByID, 2, "good rules survive a malformed sibling file")
}

func TestLoadRulesMissingPath(t *testing.T) {
	_, err := LoadRules(zerolog.Nop(), filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestDecodePositionIntAndRet(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "r.yml", `
R1:
  id: "R1"
  name: x
  severity: 1
  confidence: 1
  template: t
  taints:
    - accordance: function
      function: f
      position: 2
  sinks:
    - accordance: function
      function: g
      position: ret
`)
	rs, err := LoadRules(zerolog.Nop(), dir)
	require.NoError(t, err)
	require.Len(t, rs.ByID, 1)
	r := rs.ByID[0]

	require.NotNil(t, r.Taints[0].Position)
	assert.Equal(t, 2, *r.Taints[0].Position)
	assert.False(t, r.Taints[0].PositionRet)

	assert.Nil(t, r.Sinks[0].Position)
	assert.True(t, r.Sinks[0].PositionRet)
}

func TestDefaultFileRules(t *testing.T) {
	fr := DefaultFileRules()
	assert.True(t, fr.NeedScan("pkg", "setup.py", "pkg/setup.py"))
	assert.True(t, fr.NeedScan("pkg/sub", "__init__.py", "pkg/sub/__init__.py"))
	assert.False(t, fr.NeedScan("pkg", "other.py", "pkg/other.py"))
	assert.False(t, fr.NeedScan("pkg", "setup.txt", "pkg/setup.txt"))
}

func TestLoadFileRules(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "file_rules.yml", `
file_dir:
  - match: scripts
file_name:
  - match: setup.py
  - regex: "^cli_.*\\.py$"
file_path:
  - regex: ".*/hooks/.*"
`)
	fr, err := LoadFileRules(zerolog.Nop(), path)
	require.NoError(t, err)

	assert.True(t, fr.NeedScan("scripts", "anything.py", "scripts/anything.py"))
	assert.True(t, fr.NeedScan("x", "setup.py", "x/setup.py"))
	assert.True(t, fr.NeedScan("x", "cli_main.py", "x/cli_main.py"))
	assert.True(t, fr.NeedScan("y", "a.py", "pkg/hooks/a.py"))
	assert.False(t, fr.NeedScan("y", "b.py", "pkg/misc/b.py"))
}

func TestLoadFileRulesDropsBadRegex(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "file_rules.yml", `
file_name:
  - regex: "([unclosed"
  - match: setup.py
`)
	fr, err := LoadFileRules(zerolog.Nop(), path)
	require.NoError(t, err)
	assert.True(t, fr.NeedScan("x", "setup.py", "x/setup.py"), "the surviving match rule still applies")
	assert.Empty(t, fr.Name.Regexes, "the uncompilable regex is dropped")
}

func TestLoadFileRulesEmptyPathUsesDefaults(t *testing.T) {
	fr, err := LoadFileRules(zerolog.Nop(), "")
	require.NoError(t, err)
	assert.True(t, fr.NeedScan("x", "setup.py", "x/setup.py"))
}
