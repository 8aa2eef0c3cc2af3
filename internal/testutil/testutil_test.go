package testutil

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

const greetFlow = `
slug: greet
stages:
  ask:
    prompt: What's your name?
    fieldsToCollect: [full_name]
fields:
  full_name: {type: string}
config:
  isDefaultForNewUsers: true
`

func TestFixtureRunsSeededFlows(t *testing.T) {
	f := NewFixture(t, greetFlow)
	reply := f.Send(t, "u1", "hello")
	assert.Equal(t, "greet", reply.FlowID)
	assert.Equal(t, "What's your name?", reply.Text)

	def, err := f.Store.GetFlowDefinition(context.Background(), "greet")
	require.NoError(t, err)
	assert.Equal(t, 1, def.Version)
}

func TestDoRequestDecodesJSON(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","result":{"echo":"` + r.Header.Get("Content-Type") + `"}}`))
	})
	rec, out := DoRequest(t, h, http.MethodPost, "/", `{"a":1}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(models.APIStatusOK), out["status"])
	assert.Equal(t, "application/json", Result(t, out)["echo"])

	plain := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("hi")) })
	_, out = DoRequest(t, plain, http.MethodGet, "/", "")
	assert.Nil(t, out)
}
