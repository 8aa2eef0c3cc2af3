package flow

import (
	"context"
	"regexp"
	"strings"

	"github.com/BTreeMap/OnboardPipe/internal/fields"
)

var keyValueRegex = regexp.MustCompile(`(?m)^\s*([A-Za-z][A-Za-z0-9 _-]{0,40}?)\s*[:=]\s*(.+?)\s*$`)

// HeuristicExtractor extracts values without a language model. It understands
// "field: value" lines, recognizable formats such as emails, and a bare answer to a
// stage that asks for a single field.
type HeuristicExtractor struct{}

// Extract implements Extractor.
func (HeuristicExtractor) Extract(ctx context.Context, req ExtractionRequest) (map[string]any, error) {
	out := make(map[string]any)

	for _, m := range keyValueRegex.FindAllStringSubmatch(req.Message, -1) {
		key := strings.ToLower(strings.Join(strings.Fields(strings.ReplaceAll(m[1], "-", " ")), "_"))
		if _, wanted := req.Fields[key]; wanted {
			out[key] = m[2]
		}
	}

	for slug, d := range fields.DetectValues(req.Message, req.Fields) {
		if _, set := out[slug]; !set {
			out[slug] = d.Value
		}
	}

	if len(out) == 0 && !req.FirstTurn && len(req.StageFields) == 1 {
		answer := strings.TrimSpace(req.Message)
		if answer != "" && !strings.Contains(answer, "\n") {
			out[req.StageFields[0]] = answer
		}
	}
	return out, nil
}
