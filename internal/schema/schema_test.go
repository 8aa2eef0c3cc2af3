package schema

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/OnboardPipe/internal/expression"
	"github.com/BTreeMap/OnboardPipe/internal/models"
)

const onboardingJSON = `{
  "slug": "onboarding",
  "name": "Onboarding",
  "stages": {
    "contact": {
      "fieldsToCollect": ["email", "phone"],
      "nextStage": {
        "conditional": [{"condition": "userData.plan == \"premium\"", "ifTrue": "premium"}],
        "fallback": "lookup"
      }
    },
    "premium": {"prompt": "Welcome!"},
    "lookup": {
      "action": {
        "toolName": "lookup.registry",
        "onErrorCode": {"NOT_FOUND": {"behavior": "continue"}},
        "onError": {"behavior": "newStage", "newStage": "contact"}
      },
      "nextStage": null
    }
  },
  "fields": {
    "email": {"type": "string", "format": "email"},
    "phone": {"type": "string", "format": "phone", "minLength": 8}
  },
  "config": {"initialStage": "contact", "isDefaultForNewUsers": true}
}`

const followUpYAML = `
slug: follow_up
stages:
  intro:
    prompt: Hi again
    nextStage: done
  done:
    orchestration:
      silent: true
config:
  fieldAliases:
    - [email, work_email]
`

type toolSet map[string]bool

func (t toolSet) Has(name string) bool { return t[name] }

type fakeSource struct {
	defs  []*models.FlowDefinition
	err   error
	calls int
}

func (f *fakeSource) ListFlowDefinitions(ctx context.Context) ([]*models.FlowDefinition, error) {
	f.calls++
	return f.defs, f.err
}

func mustDecode(t *testing.T, doc string) *models.FlowDefinition {
	t.Helper()
	def, err := Decode([]byte(doc))
	require.NoError(t, err)
	return def
}

func TestDecodeJSONAndYAML(t *testing.T) {
	def := mustDecode(t, onboardingJSON)
	assert.Equal(t, "onboarding", def.Slug)
	assert.Equal(t, "contact", def.InitialStage())
	contact, found := def.Stage("contact")
	require.True(t, found)
	assert.Equal(t, "lookup", contact.NextStage.Fallback)
	lookup, _ := def.Stage("lookup")
	assert.True(t, lookup.NextStage.IsEmpty())
	assert.Equal(t, models.BehaviorContinue, lookup.Action.OnErrorCode["NOT_FOUND"].Behavior)

	yamlDef := mustDecode(t, followUpYAML)
	assert.Equal(t, "follow_up", yamlDef.Slug)
	intro, _ := yamlDef.Stage("intro")
	assert.Equal(t, "done", intro.NextStage.Target)
	done, _ := yamlDef.Stage("done")
	assert.True(t, done.IsSilent())
}

func TestDecodeReportsPaths(t *testing.T) {
	doc := `{
	  "slug": "Bad Slug",
	  "stages": {
	    "a": {
	      "fieldsToCollect": "email",
	      "action": {"onErrorCode": {"X": {"behavior": "explode"}}},
	      "nextStage": 42
	    }
	  },
	  "fields": {"email": {"type": "text", "pattern": "(["}},
	  "config": {"onUnhandledError": "ignore"}
	}`
	_, err := Decode([]byte(doc))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSchema))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	joined := verr.Error()
	for _, path := range []string{
		"slug:",
		"stages.a.fieldsToCollect:",
		"stages.a.action.toolName:",
		"stages.a.action.onErrorCode.X.behavior:",
		"stages.a.nextStage:",
		"fields.email.type:",
		"fields.email.pattern:",
		"config.onUnhandledError:",
	} {
		assert.Contains(t, joined, path)
	}

	_, err = Decode([]byte("   "))
	assert.ErrorIs(t, err, ErrInvalidSchema)
	_, err = Decode([]byte(`{"slug": "x"}`))
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestValidateCrossReferences(t *testing.T) {
	ev := expression.NewEvaluator()
	def := mustDecode(t, onboardingJSON)
	assert.NoError(t, Validate(def, toolSet{"lookup.registry": true}, ev))

	err := Validate(def, toolSet{}, ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `stages.lookup.action.toolName: unknown tool "lookup.registry"`)

	broken := mustDecode(t, `{
	  "slug": "broken",
	  "stages": {
	    "a": {
	      "completionCondition": "userData.x >",
	      "nextStage": {"conditional": [{"condition": "true", "ifTrue": "ghost"}]},
	      "onError": {"behavior": "newStage", "newStage": "nowhere"}
	    }
	  },
	  "config": {"initialStage": "zzz"}
	}`)
	err = Validate(broken, nil, ev)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `stages.a.nextStage: unknown stage "ghost"`)
	assert.Contains(t, msg, "stages.a.nextStage.fallback: required")
	assert.Contains(t, msg, `stages.a.onError.newStage: unknown stage "nowhere"`)
	assert.Contains(t, msg, "stages.a.completionCondition: expression does not compile")
	assert.Contains(t, msg, `config.initialStage: unknown stage "zzz"`)
}

func defaultFlow(slug string) *models.FlowDefinition {
	return &models.FlowDefinition{
		Slug:   slug,
		Stages: map[string]*models.StageDefinition{"start": {}},
		Config: models.FlowConfig{IsDefaultForNewUsers: true},
	}
}

func TestCatalogDowngradesDuplicateDefaults(t *testing.T) {
	src := &fakeSource{defs: []*models.FlowDefinition{defaultFlow("alpha"), defaultFlow("onboarding"), defaultFlow("beta")}}
	cat := NewCatalog(src, WithCanonicalDefault("onboarding"))

	def, err := cat.Default(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "onboarding", def.Slug)

	alpha, err := cat.Get(context.Background(), "alpha")
	require.NoError(t, err)
	assert.False(t, alpha.Config.IsDefaultForNewUsers)
	assert.True(t, src.defs[0].Config.IsDefaultForNewUsers, "source definitions must not be mutated")

	// Without the canonical slug the lexicographically first claim wins.
	cat = NewCatalog(&fakeSource{defs: []*models.FlowDefinition{defaultFlow("zeta"), defaultFlow("beta")}})
	def, err = cat.Default(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "beta", def.Slug)
}

func TestCatalogStrictMode(t *testing.T) {
	src := &fakeSource{defs: []*models.FlowDefinition{defaultFlow("a"), defaultFlow("b")}}
	cat := NewCatalog(src, WithStrict(true))
	err := cat.Reload(context.Background())
	assert.ErrorIs(t, err, ErrMultipleDefaults)

	invalid := &models.FlowDefinition{Slug: "bad", Stages: map[string]*models.StageDefinition{"a": {NextStage: models.NextStage{Target: "ghost"}}}}
	cat = NewCatalog(&fakeSource{defs: []*models.FlowDefinition{invalid}}, WithStrict(true))
	assert.ErrorIs(t, cat.Reload(context.Background()), ErrInvalidSchema)

	// Lenient mode skips the invalid flow.
	cat = NewCatalog(&fakeSource{defs: []*models.FlowDefinition{invalid, defaultFlow("ok")}})
	require.NoError(t, cat.Reload(context.Background()))
	_, err = cat.Get(context.Background(), "bad")
	assert.ErrorIs(t, err, models.ErrFlowNotFound)
}

func TestCatalogCacheLifecycle(t *testing.T) {
	src := &fakeSource{defs: []*models.FlowDefinition{{Slug: "solo", Stages: map[string]*models.StageDefinition{"s": {}}}}}
	cat := NewCatalog(src)

	_, err := cat.Default(context.Background())
	assert.ErrorIs(t, err, models.ErrNoFlowAvailable)
	_, err = cat.Get(context.Background(), "solo")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	cat.Invalidate()
	list, err := cat.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, 2, src.calls)

	src.err = errors.New("db down")
	cat.Invalidate()
	_, err = cat.List(context.Background())
	assert.Error(t, err)
}

func TestCompileMergesAliases(t *testing.T) {
	flow := Compile(mustDecode(t, followUpYAML))
	assert.True(t, flow.Aliases.Same("work_email", "contact_email"))
	assert.True(t, flow.Aliases.Same("phone", "mobile_phone"))
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a_onboarding.json"), []byte(onboardingJSON), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b_follow_up.yaml"), []byte(followUpYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# flows"), 0o600))

	defs, err := DirSource{Dir: dir}.ListFlowDefinitions(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "onboarding", defs[0].Slug)
	assert.Equal(t, "follow_up", defs[1].Slug)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "c_bad.json"), []byte(`{"slug": 1}`), 0o600))
	_, err = DirSource{Dir: dir}.ListFlowDefinitions(context.Background())
	assert.ErrorIs(t, err, ErrInvalidSchema)
}
