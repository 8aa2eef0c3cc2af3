package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

func TestBoolConditions(t *testing.T) {
	ev := NewEvaluator()
	scope := Scope{
		UserData:        models.UserData{"age": 30.0, "email": "a@b.com", "plan": "premium", "empty": nil},
		TemplateContext: map[string]any{"channel": "whatsapp"},
		Stage:           "profile",
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`userData.age >= 18`, true},
		{`userData.plan == "basic"`, false},
		{`stage == "profile"`, true},
		{`templateContext.channel == "whatsapp"`, true},
		{`present(userData.email)`, true},
		{`present(userData.missing)`, false},
		{`defined("empty")`, true},
		{`defined("missing")`, false},
		{`userData.empty == null`, true},
		{`userData.missing == nil`, true},
		{`len(digits("123.456-78")) == 8`, true},
		{`userData.email`, true},
		{`userData.missing`, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			assert.Equal(t, tt.want, ev.Bool(tt.expr, scope))
		})
	}
}

func TestFailuresReadAsFalse(t *testing.T) {
	ev := NewEvaluator()
	scope := Scope{UserData: models.UserData{"age": "thirty"}}

	assert.False(t, ev.Bool(`userData.age >`, scope))
	assert.False(t, ev.Bool(`userData.age > 18`, scope))
	assert.False(t, ev.Bool(``, scope))

	_, err := ev.Eval(`userData.age >`, scope)
	assert.Error(t, err)
}

func TestEvalReturnsValues(t *testing.T) {
	ev := NewEvaluator()
	out, err := ev.Eval(`userData.first + " " + userData.last`, Scope{UserData: models.UserData{"first": "Ada", "last": "Lovelace"}})
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", out)

	// Cached programs run against fresh scopes.
	out, err = ev.Eval(`userData.first + " " + userData.last`, Scope{UserData: models.UserData{"first": "Alan", "last": "Turing"}})
	require.NoError(t, err)
	assert.Equal(t, "Alan Turing", out)
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy(0))
	assert.False(t, Truthy(0.0))
	assert.False(t, Truthy([]any{}))
	assert.True(t, Truthy("x"))
	assert.True(t, Truthy(2))
	assert.True(t, Truthy(map[string]any{"a": 1}))
	assert.True(t, Truthy(struct{}{}))
}
