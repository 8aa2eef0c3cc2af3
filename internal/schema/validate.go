package schema

import (
	"fmt"
	"sort"

	"github.com/BTreeMap/OnboardPipe/internal/expression"
	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// ToolLookup reports whether a tool name is registered.
type ToolLookup interface {
	Has(name string) bool
}

// Validate checks the cross-references of a decoded flow: every transition target,
// error-handler stage and tool name must resolve, and every expression must compile.
// tools and ev may be nil to skip those checks.
func Validate(def *models.FlowDefinition, tools ToolLookup, ev *expression.Evaluator) error {
	var problems []string
	report := func(path, format string, args ...any) {
		problems = append(problems, path+": "+fmt.Sprintf(format, args...))
	}
	checkExpr := func(path, src string) {
		if ev == nil || src == "" {
			return
		}
		if err := ev.Check(src); err != nil {
			report(path, "expression does not compile: %v", err)
		}
	}

	if def == nil {
		return &ValidationError{Errors: []string{"$: nil flow definition"}}
	}
	if len(def.Stages) == 0 {
		report("stages", "required non-empty object")
	}
	if def.Config.InitialStage != "" {
		if _, found := def.Stage(def.Config.InitialStage); !found {
			report("config.initialStage", "unknown stage %q", def.Config.InitialStage)
		}
	}

	slugs := make([]string, 0, len(def.Stages))
	for slug := range def.Stages {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	for _, slug := range slugs {
		stage := def.Stages[slug]
		path := "stages." + slug
		if stage == nil {
			report(path, "stage must be an object")
			continue
		}
		for _, target := range stage.NextStage.Targets() {
			if _, found := def.Stage(target); !found {
				report(path+".nextStage", "unknown stage %q", target)
			}
		}
		if len(stage.NextStage.Conditional) > 0 && stage.NextStage.Fallback == "" && !hasIfFalse(stage.NextStage) {
			report(path+".nextStage.fallback", "required when no conditional declares ifFalse")
		}
		for i, c := range stage.NextStage.Conditional {
			checkExpr(fmt.Sprintf("%s.nextStage.conditional[%d].condition", path, i), c.Condition)
		}
		checkExpr(path+".completionCondition", stage.CompletionCondition)
		if stage.CustomCompletionCheck != nil {
			checkExpr(path+".customCompletionCheck.condition", stage.CustomCompletionCheck.Condition)
		}
		checkHandlerTarget(def, stage.OnError, path+".onError", report)

		if stage.Action == nil {
			continue
		}
		if tools != nil && !tools.Has(stage.Action.ToolName) {
			report(path+".action.toolName", "unknown tool %q", stage.Action.ToolName)
		}
		checkExpr(path+".action.condition", stage.Action.Condition)
		checkHandlerTarget(def, stage.Action.OnError, path+".action.onError", report)
		for code, handler := range stage.Action.OnErrorCode {
			checkHandlerTarget(def, handler, path+".action.onErrorCode."+code, report)
		}
	}

	for i, d := range def.Config.Derivations {
		checkExpr(fmt.Sprintf("config.derivations[%d].expression", i), d.Expression)
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return &ValidationError{Slug: def.Slug, Errors: problems}
	}
	return nil
}

func hasIfFalse(n models.NextStage) bool {
	for _, c := range n.Conditional {
		if c.IfFalse != nil {
			return true
		}
	}
	return false
}

func checkHandlerTarget(def *models.FlowDefinition, h *models.ErrorHandler, path string, report reporter) {
	if h == nil || h.Behavior != models.BehaviorNewStage {
		return
	}
	if _, found := def.Stage(h.NewStage); !found {
		report(path+".newStage", "unknown stage %q", h.NewStage)
	}
}
