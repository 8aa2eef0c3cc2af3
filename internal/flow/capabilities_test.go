package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

func TestHeuristicExtractor(t *testing.T) {
	fieldsDef := map[string]*models.FieldDefinition{
		"email":     {Type: models.FieldTypeString, Format: models.FieldFormatEmail},
		"full_name": {Type: models.FieldTypeString},
	}
	ex := HeuristicExtractor{}

	got, err := ex.Extract(context.Background(), ExtractionRequest{
		Message:     "Full name: Ana Souza\nreach me at ana@example.com",
		StageFields: []string{"full_name"},
		Fields:      fieldsDef,
	})
	require.NoError(t, err)
	assert.Equal(t, "Ana Souza", got["full_name"])
	assert.Equal(t, "ana@example.com", got["email"])

	got, err = ex.Extract(context.Background(), ExtractionRequest{
		Message:     "Ana Souza",
		StageFields: []string{"full_name"},
		Fields:      fieldsDef,
	})
	require.NoError(t, err)
	assert.Equal(t, models.UserData{"full_name": "Ana Souza"}, models.UserData(got))

	got, err = ex.Extract(context.Background(), ExtractionRequest{
		Message:     "hello",
		StageFields: []string{"full_name"},
		Fields:      fieldsDef,
		FirstTurn:   true,
	})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = ex.Extract(context.Background(), ExtractionRequest{
		Message: "password: secret",
		Fields:  fieldsDef,
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTemplateComposer(t *testing.T) {
	c := TemplateComposer{}
	ctx := context.Background()
	def := &models.StageDefinition{FieldsToCollect: []string{"email", "phone", "full_name"}}
	fieldsDef := map[string]*models.FieldDefinition{"email": {Description: "Email address"}}

	text, err := c.Compose(ctx, ReplyRequest{Def: def, Fields: fieldsDef, Missing: []string{"email", "phone", "full_name"}})
	require.NoError(t, err)
	assert.Equal(t, "Please share your email address, phone and full name.", text)

	text, err = c.Compose(ctx, ReplyRequest{
		Def:     def,
		Fields:  fieldsDef,
		Missing: []string{"email"},
		Invalid: map[string]models.InvalidFieldMarker{"email": {Reason: "email is not valid", Suggestion: "a@b.com", Timestamp: time.Now()}},
	})
	require.NoError(t, err)
	assert.Contains(t, text, "The email address you sent doesn't look right: email is not valid. Did you mean a@b.com?")
	assert.Contains(t, text, "Please share your email address.")

	text, err = c.Compose(ctx, ReplyRequest{Def: def, Missing: []string{"email"}, Technical: true})
	require.NoError(t, err)
	assert.Equal(t, TechnicalApology, text)

	text, err = c.Compose(ctx, ReplyRequest{Ended: true})
	require.NoError(t, err)
	assert.Equal(t, CompletedMessage, text)

	text, err = c.Compose(ctx, ReplyRequest{Ended: true, Notice: "Bye."})
	require.NoError(t, err)
	assert.Equal(t, "Bye.", text)
}

func TestFieldLabelLowersFirstRune(t *testing.T) {
	assert.Equal(t, "école name", fieldLabel("school", &models.FieldDefinition{Description: "École name"}))
	assert.Equal(t, "ünvan", fieldLabel("title", &models.FieldDefinition{Description: "Ünvan"}))
	assert.Equal(t, "national id", fieldLabel("national_id", &models.FieldDefinition{}))
	assert.Equal(t, "é", fieldLabel("x", &models.FieldDefinition{Description: "É"}))
}

func TestConfigDefaultsAndRetry(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Minute, cfg.ActionFailureWindow)
	assert.Equal(t, 25, cfg.MaxSteps)
	assert.Equal(t, "onboarding", cfg.CanonicalDefaultFlow)
	assert.Contains(t, cfg.GlobalMemoryFields, "email")

	assert.True(t, cfg.IsRetry("Try again!"))
	assert.True(t, cfg.IsRetry("please retry"))
	assert.False(t, cfg.IsRetry("retrying is pointless"))
	assert.False(t, cfg.IsRetry(""))

	bad := Config{MaxSteps: 5000}
	assert.Error(t, bad.Prepare())
}
