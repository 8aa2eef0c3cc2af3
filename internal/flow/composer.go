package flow

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// Reply texts used when no language model phrases the answer.
const (
	TechnicalApology      = "Sorry, something went wrong on our side. Please reply \"try again\" in a moment."
	CompletedMessage      = "Thanks, you're all set!"
	// ActionRejectedMessage stands in for a rejection whose tool text is not meant for users.
	ActionRejectedMessage = "We couldn't accept that. Please check your answer and try again."
)

// TemplateComposer phrases replies from stage prompts and field descriptions.
type TemplateComposer struct{}

// Compose implements Composer.
func (TemplateComposer) Compose(ctx context.Context, req ReplyRequest) (string, error) {
	if req.Ended {
		if req.Notice != "" {
			return req.Notice, nil
		}
		return CompletedMessage, nil
	}

	var parts []string
	if req.Technical {
		parts = append(parts, TechnicalApology)
	}
	if req.UserError != "" {
		parts = append(parts, req.UserError)
	}
	for _, slug := range sortedKeys(req.Invalid) {
		marker := req.Invalid[slug]
		line := fmt.Sprintf("The %s you sent doesn't look right: %s.", fieldLabel(slug, req.Fields[slug]), marker.Reason)
		if marker.Suggestion != "" {
			line += fmt.Sprintf(" Did you mean %s?", marker.Suggestion)
		}
		parts = append(parts, line)
	}
	if q := question(req); q != "" && !req.Technical {
		parts = append(parts, q)
	}
	return strings.Join(parts, "\n"), nil
}

func question(req ReplyRequest) string {
	if req.Def == nil {
		return ""
	}
	if req.Def.Prompt != "" && (len(req.Missing) > 0 || len(req.Def.FieldsToCollect) == 0) {
		return req.Def.Prompt
	}
	if len(req.Missing) == 0 {
		return ""
	}
	labels := make([]string, 0, len(req.Missing))
	for _, slug := range req.Missing {
		labels = append(labels, fieldLabel(slug, req.Fields[slug]))
	}
	return "Please share your " + joinLabels(labels) + "."
}

func fieldLabel(slug string, def *models.FieldDefinition) string {
	if def != nil && def.Description != "" {
		first, size := utf8.DecodeRuneInString(def.Description)
		return string(unicode.ToLower(first)) + def.Description[size:]
	}
	return strings.ReplaceAll(slug, "_", " ")
}

func joinLabels(labels []string) string {
	switch len(labels) {
	case 0:
		return ""
	case 1:
		return labels[0]
	}
	return strings.Join(labels[:len(labels)-1], ", ") + " and " + labels[len(labels)-1]
}
