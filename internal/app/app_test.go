package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/store"
)

const welcomeFlow = `
slug: onboarding
stages:
  contact:
    prompt: What's your email?
    fieldsToCollect: [email]
    nextStage: tag
  tag:
    action:
      toolName: mark_lead
fields:
  email: {type: string, format: email}
config:
  initialStage: contact
  isDefaultForNewUsers: true
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

func TestBuildWiresFlowsAndTools(t *testing.T) {
	dir := t.TempDir()
	flowsDir := filepath.Join(dir, "flows")
	require.NoError(t, os.MkdirAll(flowsDir, 0o755))
	writeFile(t, flowsDir, "onboarding.yaml", welcomeFlow)

	a, err := Build(context.Background(), Config{
		StateDir:    dir,
		DatabaseURL: "memory",
		FlowsDir:    flowsDir,
		ToolsFile:   writeFile(t, dir, "tools.yaml", toolsFile),
	})
	require.NoError(t, err)
	defer a.Close()

	assert.True(t, a.Tools.Has("mark_lead"))
	assert.Equal(t, 30*time.Minute, a.Config.Engine.ActionFailureWindow)

	reply, err := a.Engine.HandleMessage(context.Background(), models.InboundMessage{UserID: "u1", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "What's your email?", reply.Text)

	reply, err = a.Engine.HandleMessage(context.Background(), models.InboundMessage{UserID: "u1", Text: "email: a@b.com"})
	require.NoError(t, err)
	assert.True(t, reply.Ended)

	data, err := a.Store.GetUserData(context.Background(), "u1", "onboarding")
	require.NoError(t, err)
	assert.Equal(t, true, data["lead"])
}

func TestBuildRejectsUnknownToolInStrictMode(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "onboarding.yaml", welcomeFlow)
	_, err := Build(context.Background(), Config{StateDir: dir, DatabaseURL: "memory", FlowsDir: dir, StrictFlows: true})
	assert.Error(t, err)
}

func TestSeedFlowsIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "onboarding.yaml", welcomeFlow)
	st := store.NewInMemoryStore()

	n, err := SeedFlows(context.Background(), st, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = SeedFlows(context.Background(), st, dir)
	require.NoError(t, err)
	assert.Zero(t, n)

	writeFile(t, dir, "onboarding.yaml", welcomeFlow+"name: Onboarding v2\n")
	n, err = SeedFlows(context.Background(), st, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	def, err := st.GetFlowDefinition(context.Background(), "onboarding")
	require.NoError(t, err)
	assert.Equal(t, 2, def.Version)
	assert.Equal(t, "Onboarding v2", def.Name)
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{StateDir: "/tmp/state"}
	assert.Equal(t, filepath.Join("/tmp/state", DefaultDBFileName), cfg.StoreDSN())
	assert.True(t, cfg.FileBacked())

	cfg.DatabaseURL = "postgres://u:p@localhost/db"
	assert.False(t, cfg.FileBacked())

	cfg.DatabaseURL = "memory"
	assert.False(t, cfg.FileBacked())
}

func TestLoadConfigReadsEnvironment(t *testing.T) {
	t.Setenv("ONBOARDPIPE_STATE_DIR", "/srv/onboard")
	t.Setenv("DATABASE_URL", "memory")
	t.Setenv("STRICT_FLOWS", "yes")
	t.Setenv("ACTION_FAILURE_WINDOW", "5m")
	t.Setenv("GLOBAL_MEMORY_FIELDS", "email, phone")

	cfg := LoadConfig()
	require.NoError(t, cfg.Prepare())
	assert.Equal(t, "/srv/onboard", cfg.StateDir)
	assert.True(t, cfg.StrictFlows)
	assert.Equal(t, 5*time.Minute, cfg.Engine.ActionFailureWindow)
	assert.Equal(t, []string{"email", "phone"}, cfg.Engine.GlobalMemoryFields)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAIModel)
}
