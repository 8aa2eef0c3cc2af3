package genai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/BTreeMap/OnboardPipe/internal/models"
)

func TestExtractorKeepsRequestedFields(t *testing.T) {
	mock := &mockChatService{resp: reply(`{"email":"joe@example.com","full_name":null,"phone":"  ","plan":"gold","age":42}`)}
	ext := &Extractor{gen: testClient(mock)}

	got, err := ext.Extract(context.Background(), flow.ExtractionRequest{
		Message:     "I'm 42, mail joe@example.com",
		Stage:       "contact",
		StageFields: []string{"email"},
		Fields: map[string]*models.FieldDefinition{
			"email":     {Type: models.FieldTypeString, Format: models.FieldFormatEmail},
			"full_name": {Type: models.FieldTypeString},
			"phone":     {Type: models.FieldTypeString},
			"age":       {Type: models.FieldTypeNumber},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"email": "joe@example.com", "age": 42.0}, got)
	require.Len(t, mock.params, 1)
}

func TestExtractorSkipsEmptyMessage(t *testing.T) {
	mock := &mockChatService{resp: reply(`{}`)}
	ext := &Extractor{gen: testClient(mock)}
	got, err := ext.Extract(context.Background(), flow.ExtractionRequest{
		Message: "  ",
		Fields:  map[string]*models.FieldDefinition{"email": {}},
	})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, mock.params)
}

func TestExtractorPropagatesErrors(t *testing.T) {
	ext := &Extractor{gen: testClient(&mockChatService{err: errors.New("rate limited")})}
	_, err := ext.Extract(context.Background(), flow.ExtractionRequest{
		Message: "hi",
		Fields:  map[string]*models.FieldDefinition{"email": {}},
	})
	assert.Error(t, err)
}

func TestClassifier(t *testing.T) {
	flows := []flow.FlowSummary{{Slug: "onboarding", Name: "Onboarding"}, {Slug: "support"}}

	cls := &Classifier{gen: testClient(&mockChatService{resp: reply(`{"flow":"support"}`)})}
	slug, err := cls.Classify(context.Background(), "my card is broken", flows)
	require.NoError(t, err)
	assert.Equal(t, "support", slug)

	cls = &Classifier{gen: testClient(&mockChatService{resp: reply(`{"flow":"billing"}`)})}
	slug, err = cls.Classify(context.Background(), "invoice?", flows)
	require.NoError(t, err)
	assert.Empty(t, slug)

	slug, err = cls.Classify(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Empty(t, slug)
}

func TestComposerRephrasesDraft(t *testing.T) {
	mock := &mockChatService{resp: reply("  Hey! What's your email?  ")}
	comp := &Composer{gen: testClient(mock)}
	req := flow.ReplyRequest{
		Stage:   "contact",
		Def:     &models.StageDefinition{FieldsToCollect: []string{"email"}, Orchestration: &models.Orchestration{Instructions: "be brief"}},
		Fields:  map[string]*models.FieldDefinition{"email": {Type: models.FieldTypeString}},
		Missing: []string{"email"},
		Known:   models.UserData{"full_name": "Joe"},
	}
	text, err := comp.Compose(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Hey! What's your email?", text)
	require.Len(t, mock.params, 1)
}

func TestComposerKeepsTechnicalApology(t *testing.T) {
	mock := &mockChatService{resp: reply("should not be used")}
	comp := &Composer{gen: testClient(mock)}
	text, err := comp.Compose(context.Background(), flow.ReplyRequest{
		Def:       &models.StageDefinition{FieldsToCollect: []string{"email"}},
		Missing:   []string{"email"},
		Technical: true,
	})
	require.NoError(t, err)
	assert.Equal(t, flow.TechnicalApology, text)
	assert.Empty(t, mock.params)
}
