package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const signupFlow = `
slug: signup
stages:
  contact:
    prompt: What's your email?
    fieldsToCollect: [email]
fields:
  email: {type: string, format: email}
config:
  initialStage: contact
  isDefaultForNewUsers: true
`

const taggedFlow = `
slug: tagged
stages:
  tag:
    action:
      toolName: mark_lead
config:
  initialStage: tag
`

const toolsFile = `
tools:
  - name: mark_lead
    type: set
    config:
      values:
        lead: true
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateAcceptsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "signup.yaml", signupFlow)
	writeFile(t, dir, "notes.txt", "not a flow")

	out, err := execute(t, "", "validate", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "ok   "+filepath.Join(dir, "signup.yaml")+" (signup, 1 stages)")
	assert.NotContains(t, out, "notes.txt")
}

func TestValidateReportsProblems(t *testing.T) {
	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.yaml", strings.Replace(signupFlow, "initialStage: contact", "initialStage: missing", 1))

	out, err := execute(t, "", "validate", bad)
	require.Error(t, err)
	assert.Contains(t, out, "FAIL "+bad)
	assert.Contains(t, out, "initialStage")
}

func TestValidateDuplicateSlug(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", signupFlow)
	writeFile(t, dir, "b.yaml", signupFlow)

	out, err := execute(t, "", "validate", dir)
	require.Error(t, err)
	assert.Contains(t, out, `slug "signup" already defined`)
}

func TestValidateChecksToolsOnlyWhenGiven(t *testing.T) {
	dir := t.TempDir()
	flowPath := writeFile(t, dir, "tagged.yaml", taggedFlow)

	_, err := execute(t, "", "validate", flowPath)
	require.NoError(t, err)

	emptyTools := writeFile(t, dir, "none.yaml", "tools: []\n")
	out, err := execute(t, "", "validate", flowPath, "--tools", emptyTools)
	require.Error(t, err)
	assert.Contains(t, out, "mark_lead")

	_, err = execute(t, "", "validate", flowPath, "--tools", writeFile(t, dir, "tools.yml", toolsFile))
	assert.NoError(t, err)
}

func TestSeedWritesOnlyChanges(t *testing.T) {
	dir := t.TempDir()
	flows := filepath.Join(dir, "flows")
	require.NoError(t, os.MkdirAll(flows, 0o755))
	writeFile(t, flows, "signup.yaml", signupFlow)
	dsn := filepath.Join(dir, "seed.db")

	out, err := execute(t, "", "seed", flows, "--db-dsn", dsn)
	require.NoError(t, err)
	assert.Equal(t, "1 flow versions written\n", out)

	out, err = execute(t, "", "seed", flows, "--db-dsn", dsn)
	require.NoError(t, err)
	assert.Equal(t, "0 flow versions written\n", out)
}

func TestSeedRequiresPersistentStore(t *testing.T) {
	_, err := execute(t, "", "seed", t.TempDir(), "--db-dsn", "memory")
	assert.Error(t, err)
}

func TestChatDrivesEngine(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	dir := t.TempDir()
	writeFile(t, dir, "signup.yaml", signupFlow)

	out, err := execute(t, "hi\n/session\nemail: a@b.com\n/quit\n",
		"chat", "--flows-dir", dir, "--state-dir", dir, "--tools", "", "--user", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "bot: What's your email?")
	assert.Contains(t, out, `"stage": "contact"`)
	assert.Contains(t, out, "[flow signup ended]")
}

func TestBundledFlowsAreValid(t *testing.T) {
	out, err := execute(t, "", "validate", "../../flows", "--tools", "../../tools.yaml")
	require.NoError(t, err, out)
	assert.Contains(t, out, "(onboarding, 8 stages)")
	assert.Contains(t, out, "(support, 2 stages)")
}
