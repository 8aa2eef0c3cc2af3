package genai

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// jsonGenerator is the slice of Client the capabilities need.
type jsonGenerator interface {
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (gjson.Result, error)
	GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const extractorSystemPrompt = `You extract structured data from a user's chat message during an onboarding conversation.
Only report values the user actually stated in this message. Never guess or invent values.
Use the exact field keys listed. Omit fields that are not present.`

// Extractor implements flow.Extractor with an LLM.
type Extractor struct {
	gen jsonGenerator
}

// NewExtractor wraps a client as a flow.Extractor.
func NewExtractor(c *Client) *Extractor {
	return &Extractor{gen: c}
}

// Extract asks the model for a JSON object keyed by field slug and keeps requested keys only.
func (e *Extractor) Extract(ctx context.Context, req flow.ExtractionRequest) (map[string]any, error) {
	if strings.TrimSpace(req.Message) == "" || len(req.Fields) == 0 {
		return map[string]any{}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Current step: %s", req.Stage)
	if req.StageDescription != "" {
		fmt.Fprintf(&b, " (%s)", req.StageDescription)
	}
	b.WriteString("\nFields:\n")
	for _, slug := range sortedFieldKeys(req.Fields) {
		fmt.Fprintf(&b, "- %s%s\n", slug, describeField(req.Fields[slug]))
	}
	if len(req.StageFields) > 0 {
		fmt.Fprintf(&b, "The step is currently asking for: %s\n", strings.Join(req.StageFields, ", "))
	}
	fmt.Fprintf(&b, "\nMessage:\n%s", req.Message)

	result, err := e.gen.GenerateJSON(ctx, extractorSystemPrompt, b.String())
	if err != nil {
		return nil, fmt.Errorf("extract fields: %w", err)
	}

	out := make(map[string]any)
	result.ForEach(func(key, value gjson.Result) bool {
		slug := key.String()
		if _, ok := req.Fields[slug]; !ok {
			return true
		}
		switch value.Type {
		case gjson.Null:
			return true
		case gjson.String:
			if strings.TrimSpace(value.Str) == "" {
				return true
			}
		}
		out[slug] = value.Value()
		return true
	})
	slog.Debug("Extractor.Extract: fields extracted", "flow", req.FlowID, "stage", req.Stage, "count", len(out))
	return out, nil
}

func describeField(def *models.FieldDefinition) string {
	if def == nil {
		return ""
	}
	var parts []string
	if def.Type != "" {
		parts = append(parts, string(def.Type))
	}
	if def.Format != "" {
		parts = append(parts, "format "+string(def.Format))
	}
	if len(def.Enum) > 0 {
		parts = append(parts, "one of "+strings.Join(def.Enum, "|"))
	}
	s := ""
	if len(parts) > 0 {
		s = " [" + strings.Join(parts, ", ") + "]"
	}
	if def.Description != "" {
		s += ": " + def.Description
	}
	return s
}

func sortedFieldKeys(m map[string]*models.FieldDefinition) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

const classifierSystemPrompt = `You route a new user's first message to one conversation flow.
Answer with {"flow": "<slug>"} using one of the listed slugs, or {"flow": ""} when none fits.`

// Classifier implements flow.Classifier with an LLM.
type Classifier struct {
	gen jsonGenerator
}

// NewClassifier wraps a client as a flow.Classifier.
func NewClassifier(c *Client) *Classifier {
	return &Classifier{gen: c}
}

// Classify returns a listed slug, or "" when the model picks nothing it was offered.
func (c *Classifier) Classify(ctx context.Context, message string, flows []flow.FlowSummary) (string, error) {
	if len(flows) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("Flows:\n")
	known := make(map[string]bool, len(flows))
	for _, f := range flows {
		known[f.Slug] = true
		fmt.Fprintf(&b, "- %s", f.Slug)
		if f.Name != "" {
			fmt.Fprintf(&b, " (%s)", f.Name)
		}
		if f.Description != "" {
			fmt.Fprintf(&b, ": %s", f.Description)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nMessage:\n%s", message)

	result, err := c.gen.GenerateJSON(ctx, classifierSystemPrompt, b.String())
	if err != nil {
		return "", fmt.Errorf("classify message: %w", err)
	}
	slug := strings.TrimSpace(result.Get("flow").String())
	if !known[slug] {
		if slug != "" {
			slog.Warn("Classifier.Classify: model picked unknown flow", "flow", slug)
		}
		return "", nil
	}
	return slug, nil
}

const composerSystemPrompt = `You are a friendly assistant guiding a user through an onboarding conversation.
Rewrite the draft reply so it sounds natural and concise. Keep every question and every correction in the draft.
Do not ask for anything the draft does not ask for. Do not mention internal errors, codes or tools.
Reply in the language the user writes in.`

// Composer implements flow.Composer by rephrasing the template reply.
type Composer struct {
	gen      jsonGenerator
	fallback flow.TemplateComposer
}

// NewComposer wraps a client as a flow.Composer.
func NewComposer(c *Client) *Composer {
	return &Composer{gen: c}
}

// Compose drafts a reply with the template composer and asks the model to phrase it.
// Technical failures keep the fixed apology.
func (c *Composer) Compose(ctx context.Context, req flow.ReplyRequest) (string, error) {
	draft, err := c.fallback.Compose(ctx, req)
	if err != nil {
		return "", err
	}
	if draft == "" || req.Technical {
		return draft, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Draft reply:\n%s\n", draft)
	if req.Def != nil && req.Def.Orchestration != nil && req.Def.Orchestration.Instructions != "" {
		fmt.Fprintf(&b, "\nStep instructions:\n%s\n", req.Def.Orchestration.Instructions)
	}
	if len(req.Known) > 0 {
		b.WriteString("\nAlready known about the user:\n")
		keys := make([]string, 0, len(req.Known))
		for k := range req.Known {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, req.Known[k])
		}
	}
	if req.Message != "" {
		fmt.Fprintf(&b, "\nUser's last message:\n%s", req.Message)
	}

	text, err := c.gen.GeneratePromptWithContext(ctx, composerSystemPrompt, b.String())
	if err != nil {
		return "", fmt.Errorf("compose reply: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return draft, nil
	}
	return text, nil
}
