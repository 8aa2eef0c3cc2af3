package flow

import (
	"github.com/BTreeMap/OnboardPipe/internal/expression"
	"github.com/BTreeMap/OnboardPipe/internal/fields"
	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/schema"
)

// IsStageCompleted decides whether def is done given data. A passing customCompletionCheck
// wins, then completionCondition, then the plain rule that every field to collect is present
// and valid.
func IsStageCompleted(ev *expression.Evaluator, flow *schema.Flow, def *models.StageDefinition, data models.UserData, scope expression.Scope) bool {
	if check := def.CustomCompletionCheck; check != nil && check.Condition != "" && ev.Bool(check.Condition, scope) {
		if len(check.RequiredFields) > 0 {
			return allPresentAndValid(flow, check.RequiredFields, data)
		}
		return true
	}
	if def.CompletionCondition != "" {
		return ev.Bool(def.CompletionCondition, scope) && allPresentAndValid(flow, def.FieldsToCollect, data)
	}
	return allPresentAndValid(flow, def.FieldsToCollect, data)
}

// MissingFields lists the fields of def that lack a present and valid value, in order.
func MissingFields(flow *schema.Flow, def *models.StageDefinition, data models.UserData) []string {
	var missing []string
	for _, slug := range def.FieldsToCollect {
		fd, _ := flow.Field(slug)
		if !fields.PresentAndValid(data, slug, fd, flow.Aliases) {
			missing = append(missing, slug)
		}
	}
	return missing
}

func allPresentAndValid(flow *schema.Flow, slugs []string, data models.UserData) bool {
	for _, slug := range slugs {
		fd, _ := flow.Field(slug)
		if !fields.PresentAndValid(data, slug, fd, flow.Aliases) {
			return false
		}
	}
	return true
}

// ResolveNextStage picks the stage that follows a completed stage. Conditionals are tried
// in order; the first passing condition or declared ifFalse wins, then the fallback.
// An empty result means the flow has no next stage.
func ResolveNextStage(ev *expression.Evaluator, next models.NextStage, scope expression.Scope) string {
	if next.Target != "" {
		return next.Target
	}
	for _, c := range next.Conditional {
		if ev.Bool(c.Condition, scope) {
			return c.IfTrue
		}
		if c.IfFalse != nil {
			return *c.IfFalse
		}
	}
	return next.Fallback
}
