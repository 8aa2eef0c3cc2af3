// Package models defines flow schema types to avoid circular imports.
package models

import (
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// FieldType is the value type a field definition accepts.
type FieldType string

const (
	FieldTypeString  FieldType = "string"
	FieldTypeNumber  FieldType = "number"
	FieldTypeBoolean FieldType = "boolean"
)

// FieldFormat selects domain-specific normalization for string fields.
type FieldFormat string

const (
	FieldFormatNone       FieldFormat = ""
	FieldFormatEmail      FieldFormat = "email"
	FieldFormatPhone      FieldFormat = "phone"
	FieldFormatNationalID FieldFormat = "national_id"
	FieldFormatOTP        FieldFormat = "otp"
	FieldFormatIdentifier FieldFormat = "identifier" // case-folded structured identifier
)

// ErrorBehavior is the resolution of a failed stage action.
type ErrorBehavior string

const (
	// BehaviorPause keeps the user in the stage and surfaces the error.
	BehaviorPause ErrorBehavior = "pause"
	// BehaviorNewStage moves to a configured stage without surfacing the error.
	BehaviorNewStage ErrorBehavior = "newStage"
	// BehaviorContinue proceeds as if the action had not failed.
	BehaviorContinue ErrorBehavior = "continue"
	// BehaviorEndFlow terminates the session.
	BehaviorEndFlow ErrorBehavior = "endFlow"
)

// IsValid reports whether b is one of the four known behaviors.
func (b ErrorBehavior) IsValid() bool {
	switch b {
	case BehaviorPause, BehaviorNewStage, BehaviorContinue, BehaviorEndFlow:
		return true
	}
	return false
}

// UnhandledErrorPolicy governs errors that escape a newStage recursion.
type UnhandledErrorPolicy string

const (
	PolicySkip     UnhandledErrorPolicy = "skip"
	PolicyKillFlow UnhandledErrorPolicy = "killFlow"
)

// FieldDefinition describes one collectable value.
type FieldDefinition struct {
	Type        FieldType   `json:"type" yaml:"type"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Format      FieldFormat `json:"format,omitempty" yaml:"format,omitempty"`
	Pattern     string      `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Enum        []string    `json:"enum,omitempty" yaml:"enum,omitempty"`
	MinLength   *int        `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength   *int        `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Sensitive   bool        `json:"sensitive,omitempty" yaml:"sensitive,omitempty"`
}

// CustomCompletionCheck is an expression that can substitute the default completion rule.
type CustomCompletionCheck struct {
	Condition      string   `json:"condition" yaml:"condition"`
	RequiredFields []string `json:"requiredFields,omitempty" yaml:"requiredFields,omitempty"`
}

// ErrorHandler resolves a failed action to one behavior.
type ErrorHandler struct {
	Behavior ErrorBehavior `json:"behavior" yaml:"behavior"`
	NewStage string        `json:"newStage,omitempty" yaml:"newStage,omitempty"`
	Message  string        `json:"message,omitempty" yaml:"message,omitempty"`
	// UserActionable overrides the error classification for pause behaviors.
	UserActionable *bool `json:"userActionable,omitempty" yaml:"userActionable,omitempty"`
}

// ActionDefinition names the tool a stage runs once it is complete.
type ActionDefinition struct {
	ToolName    string                   `json:"toolName" yaml:"toolName"`
	Condition   string                   `json:"condition,omitempty" yaml:"condition,omitempty"`
	Payload     map[string]any           `json:"payload,omitempty" yaml:"payload,omitempty"`
	OnErrorCode map[string]*ErrorHandler `json:"onErrorCode,omitempty" yaml:"onErrorCode,omitempty"`
	OnError     *ErrorHandler            `json:"onError,omitempty" yaml:"onError,omitempty"`
}

// ConditionalTransition is one ordered entry of a conditional nextStage.
type ConditionalTransition struct {
	Condition string  `json:"condition" yaml:"condition"`
	IfTrue    string  `json:"ifTrue" yaml:"ifTrue"`
	IfFalse   *string `json:"ifFalse,omitempty" yaml:"ifFalse,omitempty"`
}

// NextStage is either a literal stage slug or an ordered conditional list with a fallback.
type NextStage struct {
	Target      string                  `json:"-" yaml:"-"`
	Conditional []ConditionalTransition `json:"conditional,omitempty" yaml:"conditional,omitempty"`
	Fallback    string                  `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// IsEmpty reports whether no transition is declared.
func (n NextStage) IsEmpty() bool {
	return n.Target == "" && len(n.Conditional) == 0 && n.Fallback == ""
}

// Targets returns every stage slug the transition can resolve to.
func (n NextStage) Targets() []string {
	var out []string
	if n.Target != "" {
		out = append(out, n.Target)
	}
	for _, c := range n.Conditional {
		if c.IfTrue != "" {
			out = append(out, c.IfTrue)
		}
		if c.IfFalse != nil && *c.IfFalse != "" {
			out = append(out, *c.IfFalse)
		}
	}
	if n.Fallback != "" {
		out = append(out, n.Fallback)
	}
	return out
}

type nextStageObject struct {
	Conditional []ConditionalTransition `json:"conditional,omitempty" yaml:"conditional,omitempty"`
	Fallback    string                  `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// MarshalJSON writes a literal target as a plain string.
func (n NextStage) MarshalJSON() ([]byte, error) {
	if n.Target != "" {
		return json.Marshal(n.Target)
	}
	if n.IsEmpty() {
		return []byte("null"), nil
	}
	return json.Marshal(nextStageObject{Conditional: n.Conditional, Fallback: n.Fallback})
}

// UnmarshalJSON accepts a string, null, or a {conditional, fallback} object.
func (n *NextStage) UnmarshalJSON(data []byte) error {
	*n = NextStage{}
	if string(data) == "null" {
		return nil
	}
	var target string
	if err := json.Unmarshal(data, &target); err == nil {
		n.Target = target
		return nil
	}
	var obj nextStageObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("nextStage must be a string or a conditional object: %w", err)
	}
	n.Conditional = obj.Conditional
	n.Fallback = obj.Fallback
	return nil
}

// UnmarshalYAML mirrors UnmarshalJSON for YAML flow files.
func (n *NextStage) UnmarshalYAML(value *yaml.Node) error {
	*n = NextStage{}
	if value.Kind == yaml.ScalarNode {
		if value.Tag == "!!null" {
			return nil
		}
		n.Target = value.Value
		return nil
	}
	var obj nextStageObject
	if err := value.Decode(&obj); err != nil {
		return fmt.Errorf("nextStage must be a string or a conditional object: %w", err)
	}
	n.Conditional = obj.Conditional
	n.Fallback = obj.Fallback
	return nil
}

// Orchestration carries hints for the response layer.
type Orchestration struct {
	// Silent stages never produce a user-visible reply on their own.
	Silent       bool   `json:"silent,omitempty" yaml:"silent,omitempty"`
	Instructions string `json:"instructions,omitempty" yaml:"instructions,omitempty"`
}

// StageDefinition is one node of a flow's state machine.
type StageDefinition struct {
	Description           string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Prompt                string                 `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	FieldsToCollect       []string               `json:"fieldsToCollect,omitempty" yaml:"fieldsToCollect,omitempty"`
	CompletionCondition   string                 `json:"completionCondition,omitempty" yaml:"completionCondition,omitempty"`
	CustomCompletionCheck *CustomCompletionCheck `json:"customCompletionCheck,omitempty" yaml:"customCompletionCheck,omitempty"`
	Action                *ActionDefinition      `json:"action,omitempty" yaml:"action,omitempty"`
	NextStage             NextStage              `json:"nextStage,omitempty" yaml:"nextStage,omitempty"`
	OnError               *ErrorHandler          `json:"onError,omitempty" yaml:"onError,omitempty"`
	Orchestration         *Orchestration         `json:"orchestration,omitempty" yaml:"orchestration,omitempty"`
}

// IsActionOnly reports whether the stage collects nothing and only runs an action.
func (s *StageDefinition) IsActionOnly() bool {
	return len(s.FieldsToCollect) == 0 && s.Action != nil
}

// IsSilent reports whether the stage is marked silent by its orchestration hints.
func (s *StageDefinition) IsSilent() bool {
	return s.Orchestration != nil && s.Orchestration.Silent
}

// OnComplete chains a successor flow when a flow has no next stage.
type OnComplete struct {
	StartFlowSlug string   `json:"startFlowSlug" yaml:"startFlowSlug"`
	CarryFields   []string `json:"carryFields,omitempty" yaml:"carryFields,omitempty"`
}

// Derivation computes a field from data that is already known.
type Derivation struct {
	Field      string `json:"field" yaml:"field"`
	Expression string `json:"expression" yaml:"expression"`
}

// FlowConfig holds flow-level settings.
type FlowConfig struct {
	InitialStage         string               `json:"initialStage,omitempty" yaml:"initialStage,omitempty"`
	IsDefaultForNewUsers bool                 `json:"isDefaultForNewUsers,omitempty" yaml:"isDefaultForNewUsers,omitempty"`
	OnUnhandledError     UnhandledErrorPolicy `json:"onUnhandledError,omitempty" yaml:"onUnhandledError,omitempty"`
	OnComplete           *OnComplete          `json:"onComplete,omitempty" yaml:"onComplete,omitempty"`
	FieldAliases         [][]string           `json:"fieldAliases,omitempty" yaml:"fieldAliases,omitempty"`
	Derivations          []Derivation         `json:"derivations,omitempty" yaml:"derivations,omitempty"`
	GlobalMemoryFields   []string             `json:"globalMemoryFields,omitempty" yaml:"globalMemoryFields,omitempty"`
}

// FlowDefinition is the versioned, read-only schema of one flow.
type FlowDefinition struct {
	Slug    string                      `json:"slug" yaml:"slug"`
	Name    string                      `json:"name,omitempty" yaml:"name,omitempty"`
	Version int                         `json:"version,omitempty" yaml:"version,omitempty"`
	Stages  map[string]*StageDefinition `json:"stages" yaml:"stages"`
	Fields  map[string]*FieldDefinition `json:"fields,omitempty" yaml:"fields,omitempty"`
	Config  FlowConfig                  `json:"config,omitempty" yaml:"config,omitempty"`
}

// InitialStage returns the configured initial stage, or the alphabetically first stage
// when none is configured.
func (f *FlowDefinition) InitialStage() string {
	if f.Config.InitialStage != "" {
		return f.Config.InitialStage
	}
	slugs := f.StageSlugs()
	if len(slugs) == 0 {
		return ""
	}
	return slugs[0]
}

// StageSlugs returns all stage slugs in sorted order.
func (f *FlowDefinition) StageSlugs() []string {
	slugs := make([]string, 0, len(f.Stages))
	for slug := range f.Stages {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

// Stage looks up a stage by slug.
func (f *FlowDefinition) Stage(slug string) (*StageDefinition, bool) {
	s, ok := f.Stages[slug]
	return s, ok && s != nil
}

// Field looks up a field definition by slug.
func (f *FlowDefinition) Field(slug string) (*FieldDefinition, bool) {
	d, ok := f.Fields[slug]
	return d, ok && d != nil
}
